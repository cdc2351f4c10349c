package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/davarch/buildcast/internal/domain"
)

// WatchUseCase is the client-side sink for build events: it keeps the
// status file current and notifies whenever a build changes status.
type WatchUseCase struct {
	note  domain.Notifier
	cache domain.StatusCache
	web   string
	now   func() time.Time

	mu   sync.Mutex
	last map[string]domain.BuildStatus
	done map[string]time.Time
}

// completedTTL bounds how long a completed build id is remembered for
// dropping late snapshots.
const completedTTL = time.Hour

// NewWatchUseCase builds the sink. web is the base URL used for commit
// links in notifications and may be empty.
func NewWatchUseCase(note domain.Notifier, cache domain.StatusCache, web string) *WatchUseCase {
	return &WatchUseCase{
		note: note, cache: cache, web: web, now: time.Now,
		last: make(map[string]domain.BuildStatus),
		done: make(map[string]time.Time),
	}
}

func (uc *WatchUseCase) HandleEvent(ctx context.Context, env domain.Envelope) error {
	if env.Build == nil {
		return errors.New("event without build")
	}
	b := *env.Build

	now := uc.now()

	uc.mu.Lock()
	uc.forgetCompleted(now)
	if _, seen := uc.done[b.ID]; seen {
		// Concurrent updates can be delivered after the completion.
		uc.mu.Unlock()
		return nil
	}
	prev, ok := uc.last[b.ID]
	changed := !ok || prev != b.Status
	if b.Completed() {
		delete(uc.last, b.ID)
		uc.done[b.ID] = now
	} else {
		uc.last[b.ID] = b.Status
	}
	uc.mu.Unlock()

	_ = uc.cache.Write(ctx, domain.Snapshot{
		Repository: b.Repository, Build: b, Retrieved: now.Unix(),
	})

	if changed {
		body := "Build " + b.ID + " (" + b.Repository + "@" + b.Branch + ")"
		if b.Summary != nil && *b.Summary != "" {
			body += "\n" + *b.Summary
		}
		_ = uc.note.Notify(ctx, titleFor(b.Status), body, uc.commitURL(b))
	}

	return nil
}

func (uc *WatchUseCase) forgetCompleted(now time.Time) {
	for id, at := range uc.done {
		if now.Sub(at) > completedTTL {
			delete(uc.done, id)
		}
	}
}

func (uc *WatchUseCase) commitURL(b domain.BuildState) string {
	if uc.web == "" || b.Commit == "" {
		return ""
	}
	return uc.web + "/" + b.Repository + "/commit/" + b.Commit
}

func titleFor(s domain.BuildStatus) string {
	switch s {
	case domain.StatusSuccess:
		return "✅ Build: success"
	case domain.StatusFailure, "failed":
		return "❌ Build: failed"
	case domain.StatusStarted:
		return "🚀 Build: started"
	case domain.StatusRunning:
		return "▶️ Build: running"
	case domain.StatusCancelled, "canceled":
		return "⛔ Build: canceled"
	default:
		return "ℹ️ Build: " + string(s)
	}
}
