package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/davarch/buildcast/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultSafetyMargin = 5 * time.Minute
	// DefaultTokenLifetime is assumed when an exchange omits expires_at.
	DefaultTokenLifetime = time.Hour
)

// CredentialManager caches installation tokens and refreshes them
// synchronously once they come within the safety margin of expiry.
// Each installation has its own lock, so concurrent callers for one
// installation share a single exchange.
type CredentialManager struct {
	log       *zap.Logger
	signer    domain.AssertionSigner
	exchanger domain.TokenExchanger
	margin    time.Duration
	timeout   time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries map[int64]*tokenEntry
}

type tokenEntry struct {
	mu    sync.Mutex
	token domain.InstallationToken
}

func NewCredentialManager(l *zap.Logger, signer domain.AssertionSigner, exchanger domain.TokenExchanger, margin, timeout time.Duration) *CredentialManager {
	if margin <= 0 {
		margin = DefaultSafetyMargin
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CredentialManager{
		log:       l,
		signer:    signer,
		exchanger: exchanger,
		margin:    margin,
		timeout:   timeout,
		now:       time.Now,
		entries:   make(map[int64]*tokenEntry),
	}
}

func (m *CredentialManager) GetToken(ctx context.Context, installationID int64) (string, error) {
	e := m.entry(installationID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.token.Token != "" && m.now().Before(e.token.ExpiresAt.Add(-m.margin)) {
		return e.token.Token, nil
	}

	tok, err := m.refresh(ctx, installationID)
	if err != nil {
		m.log.Warn("installation token refresh failed",
			zap.Int64("installation_id", installationID),
			zap.Error(err),
		)
		return "", err
	}

	e.token = tok
	m.log.Debug("installation token refreshed",
		zap.Int64("installation_id", installationID),
		zap.Time("expires_at", tok.ExpiresAt),
	)
	return tok.Token, nil
}

// Invalidate forgets the cached token, forcing the next GetToken to exchange.
func (m *CredentialManager) Invalidate(installationID int64) {
	e := m.entry(installationID)
	e.mu.Lock()
	e.token = domain.InstallationToken{}
	e.mu.Unlock()
}

func (m *CredentialManager) refresh(ctx context.Context, installationID int64) (domain.InstallationToken, error) {
	assertion, err := m.signer.AppAssertion(installationID)
	if err != nil {
		return domain.InstallationToken{}, fmt.Errorf("%w: signing assertion: %v", domain.ErrCredentialUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	tok, err := m.exchanger.ExchangeInstallationToken(ctx, installationID, assertion)
	if err != nil {
		return domain.InstallationToken{}, fmt.Errorf("%w: %v", domain.ErrCredentialUnavailable, err)
	}
	if tok.Token == "" {
		return domain.InstallationToken{}, fmt.Errorf("%w: empty token", domain.ErrCredentialUnavailable)
	}
	tok.InstallationID = installationID

	now := m.now()
	switch {
	case tok.ExpiresAt.IsZero():
		tok.ExpiresAt = now.Add(DefaultTokenLifetime)
		m.log.Warn("installation token without expiry, assuming default lifetime",
			zap.Int64("installation_id", installationID),
			zap.Duration("lifetime", DefaultTokenLifetime),
		)
	case !tok.ExpiresAt.After(now):
		return domain.InstallationToken{}, fmt.Errorf("%w: token already expired at %s",
			domain.ErrCredentialUnavailable, tok.ExpiresAt.Format(time.RFC3339))
	case tok.ExpiresAt.Before(now.Add(m.margin)):
		m.log.Warn("installation token expires within safety margin",
			zap.Int64("installation_id", installationID),
			zap.Time("expires_at", tok.ExpiresAt),
			zap.Duration("margin", m.margin),
		)
	}
	return tok, nil
}

func (m *CredentialManager) entry(installationID int64) *tokenEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[installationID]
	if !ok {
		e = &tokenEntry{}
		m.entries[installationID] = e
	}
	return e
}
