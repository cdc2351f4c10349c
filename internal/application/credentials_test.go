package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/davarch/buildcast/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func newCredentials(t *testing.T, ex *domain.MockExchanger, clock *fakeClock) *CredentialManager {
	m := NewCredentialManager(zaptest.NewLogger(t), &domain.MockSigner{}, ex, 5*time.Minute, time.Second)
	m.now = clock.Now
	return m
}

func TestCredentials_CachedUntilSafetyMargin(t *testing.T) {
	clock := newFakeClock()
	ex := &domain.MockExchanger{Token: domain.InstallationToken{Token: "t1", ExpiresAt: clock.Now().Add(time.Hour)}}
	m := newCredentials(t, ex, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tok, err := m.GetToken(ctx, 7)
		if err != nil || tok != "t1" {
			t.Fatalf("GetToken = %q, %v", tok, err)
		}
	}
	if ex.Called() != 1 {
		t.Fatalf("exchanges = %d, want 1", ex.Called())
	}

	clock.Advance(54 * time.Minute)
	if _, err := m.GetToken(ctx, 7); err != nil || ex.Called() != 1 {
		t.Fatalf("token outside margin refreshed early (exchanges=%d, err=%v)", ex.Called(), err)
	}

	ex.Set(domain.InstallationToken{Token: "t2", ExpiresAt: clock.Now().Add(time.Hour)}, nil)
	clock.Advance(2 * time.Minute)
	tok, err := m.GetToken(ctx, 7)
	if err != nil || tok != "t2" || ex.Called() != 2 {
		t.Fatalf("within margin: token=%q exchanges=%d err=%v", tok, ex.Called(), err)
	}
}

func TestCredentials_FailureIsNotCached(t *testing.T) {
	clock := newFakeClock()
	ex := &domain.MockExchanger{Err: errors.New("503")}
	m := newCredentials(t, ex, clock)
	ctx := context.Background()

	if _, err := m.GetToken(ctx, 7); !errors.Is(err, domain.ErrCredentialUnavailable) {
		t.Fatalf("expected ErrCredentialUnavailable, got %v", err)
	}

	ex.Set(domain.InstallationToken{Token: "ok", ExpiresAt: clock.Now().Add(time.Hour)}, nil)
	tok, err := m.GetToken(ctx, 7)
	if err != nil || tok != "ok" || ex.Called() != 2 {
		t.Fatalf("retry after failure: token=%q exchanges=%d err=%v", tok, ex.Called(), err)
	}
}

func TestCredentials_FailedRefreshKeepsOldEntry(t *testing.T) {
	clock := newFakeClock()
	ex := &domain.MockExchanger{Token: domain.InstallationToken{Token: "old", ExpiresAt: clock.Now().Add(10 * time.Minute)}}
	m := newCredentials(t, ex, clock)
	ctx := context.Background()

	_, _ = m.GetToken(ctx, 7)
	clock.Advance(6 * time.Minute)
	ex.Set(domain.InstallationToken{}, errors.New("timeout"))

	if _, err := m.GetToken(ctx, 7); err == nil {
		t.Fatal("expected refresh failure")
	}

	e := m.entry(7)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.token.Token != "old" {
		t.Errorf("cached token = %q", e.token.Token)
	}
}

func TestCredentials_SignerAndEmptyTokenFailures(t *testing.T) {
	ex := &domain.MockExchanger{Token: domain.InstallationToken{Token: "x", ExpiresAt: time.Now().Add(time.Hour)}}
	m := NewCredentialManager(zap.NewNop(), &domain.MockSigner{Err: errors.New("bad key")}, ex, 0, 0)
	if _, err := m.GetToken(context.Background(), 1); !errors.Is(err, domain.ErrCredentialUnavailable) {
		t.Errorf("signer failure: %v", err)
	}
	if ex.Called() != 0 {
		t.Error("exchanged without an assertion")
	}

	empty := &domain.MockExchanger{Token: domain.InstallationToken{ExpiresAt: time.Now().Add(time.Hour)}}
	m = NewCredentialManager(zap.NewNop(), &domain.MockSigner{}, empty, 0, 0)
	if _, err := m.GetToken(context.Background(), 1); !errors.Is(err, domain.ErrCredentialUnavailable) {
		t.Errorf("empty token: %v", err)
	}
}

func TestCredentials_ConcurrentCallersShareOneExchange(t *testing.T) {
	clock := newFakeClock()
	ex := &domain.MockExchanger{Token: domain.InstallationToken{Token: "t", ExpiresAt: clock.Now().Add(time.Hour)}}
	m := newCredentials(t, ex, clock)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if _, err := m.GetToken(context.Background(), id); err != nil {
				t.Errorf("GetToken: %v", err)
			}
		}(int64(i%2 + 1))
	}
	wg.Wait()

	if ex.Called() != 2 {
		t.Errorf("exchanges = %d, want one per installation", ex.Called())
	}
}

func TestCredentials_Invalidate(t *testing.T) {
	clock := newFakeClock()
	ex := &domain.MockExchanger{Token: domain.InstallationToken{Token: "t", ExpiresAt: clock.Now().Add(time.Hour)}}
	m := newCredentials(t, ex, clock)

	_, _ = m.GetToken(context.Background(), 7)
	m.Invalidate(7)
	_, _ = m.GetToken(context.Background(), 7)

	if ex.Called() != 2 {
		t.Errorf("exchanges = %d, want 2", ex.Called())
	}
}

func TestCredentials_ExchangedExpiry(t *testing.T) {
	clock := newFakeClock()
	ctx := context.Background()

	ex := &domain.MockExchanger{Token: domain.InstallationToken{Token: "no-expiry"}}
	m := newCredentials(t, ex, clock)
	for i := 0; i < 3; i++ {
		if tok, err := m.GetToken(ctx, 7); err != nil || tok != "no-expiry" {
			t.Fatalf("GetToken = %q, %v", tok, err)
		}
	}
	if ex.Called() != 1 {
		t.Errorf("token without expiry exchanged %d times, want 1", ex.Called())
	}
	clock.Advance(DefaultTokenLifetime - DefaultSafetyMargin + time.Second)
	_, _ = m.GetToken(ctx, 7)
	if ex.Called() != 2 {
		t.Errorf("assumed lifetime not honoured, exchanges = %d", ex.Called())
	}

	expired := &domain.MockExchanger{Token: domain.InstallationToken{Token: "stale", ExpiresAt: clock.Now().Add(-time.Second)}}
	m = newCredentials(t, expired, clock)
	if _, err := m.GetToken(ctx, 7); !errors.Is(err, domain.ErrCredentialUnavailable) {
		t.Errorf("expired token accepted: %v", err)
	}

	short := &domain.MockExchanger{Token: domain.InstallationToken{Token: "short", ExpiresAt: clock.Now().Add(time.Minute)}}
	m = newCredentials(t, short, clock)
	if tok, err := m.GetToken(ctx, 7); err != nil || tok != "short" {
		t.Errorf("short-lived token = %q, %v", tok, err)
	}
}
