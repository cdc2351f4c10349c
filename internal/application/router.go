package application

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/davarch/buildcast/internal/domain"
	"go.uber.org/zap"
)

const DefaultQueryLimit = 10

// CheckRunSink receives build lifecycle events for external check-run
// reporting. Implementations must not block.
type CheckRunSink interface {
	BuildStarted(installationID int64, b domain.BuildState)
	BuildUpdated(installationID int64, b domain.BuildState)
	BuildCompleted(installationID int64, b domain.BuildState)
}

type Router struct {
	log         *zap.Logger
	store       *Store
	registry    *Registry
	broadcaster *Broadcaster
	checkRuns   CheckRunSink
	queryLimit  int
	sendTimeout time.Duration
}

func NewRouter(l *zap.Logger, s *Store, r *Registry, b *Broadcaster, checkRuns CheckRunSink, queryLimit int) *Router {
	if queryLimit <= 0 {
		queryLimit = DefaultQueryLimit
	}
	return &Router{
		log:         l,
		store:       s,
		registry:    r,
		broadcaster: b,
		checkRuns:   checkRuns,
		queryLimit:  queryLimit,
		sendTimeout: 10 * time.Second,
	}
}

// Route handles one inbound frame from peer. Failures are answered with
// an error reply to peer alone; Route never panics outward.
func (r *Router) Route(ctx context.Context, peer domain.Peer, raw []byte) {
	defer func() {
		if v := recover(); v != nil {
			r.log.Error("router panic",
				zap.String("connection_id", peer.ID()),
				zap.Any("panic", v),
			)
			r.reply(ctx, peer, domain.ErrorReply{Type: domain.TypeError, Message: "internal error", Code: domain.CodeInternal})
		}
	}()

	msg, err := domain.DecodeMessage(raw)
	if err == nil {
		switch m := msg.(type) {
		case *domain.BuildStart:
			err = r.buildStart(ctx, peer, m)
		case *domain.BuildUpdate:
			err = r.buildUpdate(ctx, peer, m)
		case *domain.BuildComplete:
			err = r.buildComplete(ctx, peer, m)
		case *domain.BuildQuery:
			err = r.buildQuery(ctx, peer, m)
		case *domain.Subscription:
			err = r.subscription(ctx, peer, m)
		default:
			err = fmt.Errorf("unhandled message type %q", msg.Type())
		}
	}

	if err != nil {
		r.log.Debug("message rejected",
			zap.String("connection_id", peer.ID()),
			zap.Error(err),
		)
		r.reply(ctx, peer, domain.ErrorReply{
			Type:    domain.TypeError,
			Message: err.Error(),
			Code:    domain.ErrorCode(err),
		})
	}
}

func (r *Router) buildStart(ctx context.Context, peer domain.Peer, m *domain.BuildStart) error {
	b, err := r.store.Create(m.BuildID, m.Repository, m.Branch, m.Commit)
	if err != nil {
		return err
	}

	r.log.Info("build started",
		zap.String("build_id", b.ID),
		zap.String("repository", b.Repository),
		zap.String("connection_id", peer.ID()),
	)
	r.broadcaster.Broadcast(ctx, b.Repository, domain.BuildEvent{Type: domain.EventBuildStarted, Build: b})
	if r.checkRuns != nil {
		r.checkRuns.BuildStarted(peer.InstallationID(), b)
	}
	return nil
}

func (r *Router) buildUpdate(ctx context.Context, peer domain.Peer, m *domain.BuildUpdate) error {
	u := Update{Log: m.Log}
	if m.Step != "" {
		u.Step = m.Step
		u.StepStatus = domain.BuildStatus(m.Status)
	} else {
		u.Status = domain.BuildStatus(m.Status)
	}

	b, err := r.store.Update(m.BuildID, u)
	if err != nil {
		return err
	}

	r.broadcaster.Broadcast(ctx, b.Repository, domain.BuildEvent{Type: domain.EventBuildUpdate, Build: b})
	if r.checkRuns != nil {
		r.checkRuns.BuildUpdated(peer.InstallationID(), b)
	}
	return nil
}

func (r *Router) buildComplete(ctx context.Context, peer domain.Peer, m *domain.BuildComplete) error {
	b, changed, err := r.store.Complete(m.BuildID, domain.BuildStatus(m.Status), m.Summary)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	r.log.Info("build complete",
		zap.String("build_id", b.ID),
		zap.String("repository", b.Repository),
		zap.String("status", string(b.Status)),
	)
	r.broadcaster.Broadcast(ctx, b.Repository, domain.BuildEvent{Type: domain.EventBuildComplete, Build: b})
	if r.checkRuns != nil {
		r.checkRuns.BuildCompleted(peer.InstallationID(), b)
	}
	return nil
}

func (r *Router) buildQuery(ctx context.Context, peer domain.Peer, m *domain.BuildQuery) error {
	if m.BuildID != "" {
		b, err := r.store.Get(m.BuildID)
		if err != nil {
			return err
		}
		r.reply(ctx, peer, domain.BuildResponse{Type: domain.TypeBuildQueryResponse, Build: b})
		return nil
	}

	r.reply(ctx, peer, domain.BuildListResponse{
		Type:       domain.TypeBuildQueryResponse,
		Repository: m.Repository,
		Builds:     r.store.ListByRepository(m.Repository, r.queryLimit),
	})
	return nil
}

func (r *Router) subscription(ctx context.Context, peer domain.Peer, m *domain.Subscription) error {
	switch m.Action {
	case domain.ActionSubscribe:
		r.registry.Subscribe(peer.ID(), m.Repository)
	case domain.ActionUnsubscribe:
		r.registry.Unsubscribe(peer.ID(), m.Repository)
	}

	r.reply(ctx, peer, domain.SubscriptionResponse{
		Type:          domain.TypeSubscriptionResponse,
		Repository:    m.Repository,
		Action:        m.Action,
		Subscriptions: r.registry.Subscriptions(peer.ID()),
	})
	return nil
}

func (r *Router) reply(ctx context.Context, peer domain.Peer, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		r.log.Error("reply encode failed", zap.Error(err))
		return
	}

	sctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()

	if err := peer.Send(sctx, payload); err != nil {
		r.log.Warn("reply send failed",
			zap.String("connection_id", peer.ID()),
			zap.Error(err),
		)
		r.broadcaster.Reap(peer)
	}
}
