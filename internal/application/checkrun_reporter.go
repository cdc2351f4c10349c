package application

import (
	"context"
	"errors"
	"time"

	"github.com/davarch/buildcast/internal/domain"
	"go.uber.org/zap"
)

const DefaultCheckRunName = "Build Dashboard"

type checkRunKind int

const (
	checkRunCreate checkRunKind = iota
	checkRunUpdate
	checkRunComplete
)

type checkRunJob struct {
	kind           checkRunKind
	installationID int64
	build          domain.BuildState
}

// CheckRunReporter mirrors build progress to the source-control host.
// Jobs run on one worker in arrival order, so a build's creation always
// precedes its updates and completion. Enqueueing never blocks; when the
// queue is full the job is dropped.
type CheckRunReporter struct {
	log     *zap.Logger
	tokens  domain.TokenProvider
	client  domain.CheckRunClient
	name    string
	timeout time.Duration
	jobs    chan checkRunJob

	// runs maps build id to check-run id; touched only by the worker.
	runs map[string]int64
}

func NewCheckRunReporter(l *zap.Logger, tokens domain.TokenProvider, client domain.CheckRunClient, name string, timeout time.Duration, queue int) *CheckRunReporter {
	if name == "" {
		name = DefaultCheckRunName
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if queue <= 0 {
		queue = 256
	}
	return &CheckRunReporter{
		log:     l,
		tokens:  tokens,
		client:  client,
		name:    name,
		timeout: timeout,
		jobs:    make(chan checkRunJob, queue),
		runs:    make(map[string]int64),
	}
}

func (r *CheckRunReporter) BuildStarted(installationID int64, b domain.BuildState) {
	r.enqueue(checkRunJob{kind: checkRunCreate, installationID: installationID, build: b})
}

func (r *CheckRunReporter) BuildUpdated(installationID int64, b domain.BuildState) {
	r.enqueue(checkRunJob{kind: checkRunUpdate, installationID: installationID, build: b})
}

func (r *CheckRunReporter) BuildCompleted(installationID int64, b domain.BuildState) {
	r.enqueue(checkRunJob{kind: checkRunComplete, installationID: installationID, build: b})
}

func (r *CheckRunReporter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-r.jobs:
			r.process(ctx, j)
		}
	}
}

func (r *CheckRunReporter) enqueue(j checkRunJob) {
	select {
	case r.jobs <- j:
	default:
		r.log.Warn("check run queue full, dropping job",
			zap.String("build_id", j.build.ID),
			zap.String("repository", j.build.Repository),
		)
	}
}

func (r *CheckRunReporter) process(ctx context.Context, j checkRunJob) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	b := j.build
	fields := []zap.Field{
		zap.String("build_id", b.ID),
		zap.String("repository", b.Repository),
		zap.Int64("installation_id", j.installationID),
	}

	id, known := r.runs[b.ID]
	if j.kind == checkRunComplete {
		delete(r.runs, b.ID)
	}
	if j.kind != checkRunCreate && !known {
		r.log.Debug("no check run for build", fields...)
		return
	}

	token, err := r.tokens.GetToken(ctx, j.installationID)
	if err != nil {
		r.log.Warn("check run skipped", append(fields, zap.Error(err))...)
		return
	}

	run := domain.CheckRun{
		ID:         id,
		Repository: b.Repository,
		HeadSHA:    b.Commit,
		Name:       r.name,
		StartedAt:  b.StartTime.Time,
	}

	switch j.kind {
	case checkRunCreate:
		run.Status = "in_progress"
		newID, err := r.client.CreateCheckRun(ctx, token, run)
		if err != nil {
			r.failed(j, "create check run failed", err, fields)
			return
		}
		r.runs[b.ID] = newID

	case checkRunUpdate:
		run.Status = "in_progress"
		run.Title, run.Summary = progressOutput(b)
		if err := r.client.UpdateCheckRun(ctx, token, run); err != nil {
			r.failed(j, "update check run failed", err, fields)
		}

	case checkRunComplete:
		run.Status = "completed"
		run.Conclusion = conclusionFor(b.Status)
		run.Title = "Build " + string(b.Status)
		if b.EndTime != nil {
			run.CompletedAt = b.EndTime.Time
		}
		if b.Summary != nil {
			run.Summary = *b.Summary
		}
		if err := r.client.CompleteCheckRun(ctx, token, run); err != nil {
			r.failed(j, "complete check run failed", err, fields)
		}
	}
}

// failed logs a rejected call; a 401 also drops the cached token so the
// next job exchanges a fresh one.
func (r *CheckRunReporter) failed(j checkRunJob, msg string, err error, fields []zap.Field) {
	if errors.Is(err, domain.ErrUnauthorized) {
		r.tokens.Invalidate(j.installationID)
	}
	r.log.Warn(msg, append(fields, zap.Error(err))...)
}

func progressOutput(b domain.BuildState) (string, string) {
	if len(b.Steps) == 0 {
		return "Build " + string(b.Status), ""
	}
	last := b.Steps[len(b.Steps)-1]
	title := last.Name
	if last.Status != "" {
		title += ": " + string(last.Status)
	}
	summary := ""
	if len(b.Logs) > 0 {
		summary = b.Logs[len(b.Logs)-1]
	}
	return title, summary
}

func conclusionFor(s domain.BuildStatus) string {
	switch s {
	case domain.StatusSuccess:
		return "success"
	case domain.StatusFailure, "failed":
		return "failure"
	case domain.StatusCancelled, "canceled":
		return "cancelled"
	default:
		return "neutral"
	}
}
