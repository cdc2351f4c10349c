package application

import (
	"context"
	"encoding/json"
	"time"

	"github.com/davarch/buildcast/internal/domain"
	"go.uber.org/zap"
)

type Broadcaster struct {
	log         *zap.Logger
	registry    *Registry
	sendTimeout time.Duration
}

func NewBroadcaster(l *zap.Logger, r *Registry, sendTimeout time.Duration) *Broadcaster {
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	return &Broadcaster{log: l, registry: r, sendTimeout: sendTimeout}
}

// Broadcast delivers msg to the subscribers of repository as of the call.
// A failed send drops only that peer; it is unregistered and closed
// once the remaining subscribers have been served.
func (b *Broadcaster) Broadcast(ctx context.Context, repository string, msg any) int {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("broadcast encode failed", zap.String("repository", repository), zap.Error(err))
		return 0
	}

	peers := b.registry.Subscribers(repository)

	var failed []domain.Peer
	delivered := 0
	for _, p := range peers {
		sctx, cancel := context.WithTimeout(ctx, b.sendTimeout)
		err := p.Send(sctx, payload)
		cancel()
		if err != nil {
			b.log.Warn("broadcast send failed",
				zap.String("repository", repository),
				zap.String("connection_id", p.ID()),
				zap.Error(err),
			)
			failed = append(failed, p)
			continue
		}
		delivered++
	}

	for _, p := range failed {
		b.Reap(p)
	}

	b.log.Debug("broadcast",
		zap.String("repository", repository),
		zap.Int("subscribers", len(peers)),
		zap.Int("delivered", delivered),
	)
	return delivered
}

// Reap unregisters and closes a peer whose transport failed.
func (b *Broadcaster) Reap(p domain.Peer) {
	if _, ok := b.registry.Unregister(p.ID()); ok {
		_ = p.Close()
	}
}
