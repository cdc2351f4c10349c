package application

import (
	"context"
	"errors"
	"testing"

	"github.com/davarch/buildcast/internal/domain"
	"go.uber.org/zap"
)

func TestBroadcast_FailedPeerDoesNotAffectOthers(t *testing.T) {
	r := NewRegistry()
	good := &domain.MockPeer{PeerID: "good"}
	bad := &domain.MockPeer{PeerID: "bad", Err: errors.New("broken pipe")}
	other := &domain.MockPeer{PeerID: "other"}
	for _, p := range []*domain.MockPeer{good, bad, other} {
		r.Register(p)
	}
	r.Subscribe("good", "org/x")
	r.Subscribe("bad", "org/x")
	r.Subscribe("other", "org/y")

	b := NewBroadcaster(zap.NewNop(), r, 0)
	n := b.Broadcast(context.Background(), "org/x", domain.BuildEvent{Type: domain.EventBuildStarted, Build: domain.BuildState{ID: "b1"}})

	if n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	if len(good.Payloads()) != 1 {
		t.Errorf("good peer got %d frames", len(good.Payloads()))
	}
	if len(other.Payloads()) != 0 {
		t.Error("non-subscriber received the event")
	}
	if !bad.Closed() {
		t.Error("failed peer not closed")
	}
	if subs := r.SubscribersOf("org/x"); len(subs) != 1 || subs[0] != "good" {
		t.Errorf("subscribers after failure = %v", subs)
	}
}

func TestBroadcast_NoSubscribers(t *testing.T) {
	b := NewBroadcaster(zap.NewNop(), NewRegistry(), 0)
	if n := b.Broadcast(context.Background(), "org/x", map[string]string{"type": "x"}); n != 0 {
		t.Errorf("delivered = %d", n)
	}
}

func TestReap_ClosesOnlyRegisteredPeers(t *testing.T) {
	r := NewRegistry()
	b := NewBroadcaster(zap.NewNop(), r, 0)

	stray := &domain.MockPeer{PeerID: "stray"}
	b.Reap(stray)
	if stray.Closed() {
		t.Error("unregistered peer closed")
	}

	p := &domain.MockPeer{PeerID: "p"}
	r.Register(p)
	b.Reap(p)
	if !p.Closed() || r.Len() != 0 {
		t.Error("registered peer not reaped")
	}
}
