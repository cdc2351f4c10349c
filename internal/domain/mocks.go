package domain

import (
	"context"
	"sync"
)

type MockPeer struct {
	PeerID       string
	Installation int64
	Err          error

	mu       sync.Mutex
	payloads [][]byte
	closed   bool
}

func (p *MockPeer) ID() string            { return p.PeerID }
func (p *MockPeer) InstallationID() int64 { return p.Installation }

func (p *MockPeer) Send(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.payloads = append(p.payloads, append([]byte(nil), payload...))
	return nil
}

func (p *MockPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *MockPeer) Payloads() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.payloads))
	copy(out, p.payloads)
	return out
}

func (p *MockPeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type MockExchanger struct {
	Token InstallationToken
	Err   error

	mu     sync.Mutex
	called int
}

func (m *MockExchanger) ExchangeInstallationToken(ctx context.Context, installationID int64, assertion string) (InstallationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.called++
	if m.Err != nil {
		return InstallationToken{}, m.Err
	}
	tok := m.Token
	tok.InstallationID = installationID
	return tok, nil
}

func (m *MockExchanger) Called() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.called
}

func (m *MockExchanger) Set(tok InstallationToken, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Token, m.Err = tok, err
}

type MockSigner struct {
	Err error
}

func (s *MockSigner) AppAssertion(installationID int64) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	return "assertion", nil
}

type MockTokens struct {
	Token string
	Err   error

	mu          sync.Mutex
	Invalidated []int64
}

func (m *MockTokens) GetToken(ctx context.Context, installationID int64) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	return m.Token, nil
}

func (m *MockTokens) Invalidate(installationID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Invalidated = append(m.Invalidated, installationID)
}

func (m *MockTokens) InvalidatedIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.Invalidated...)
}

type MockCheckRuns struct {
	NextID int64
	Err    error

	mu    sync.Mutex
	Calls []string
	Runs  []CheckRun
}

func (m *MockCheckRuns) record(call string, run CheckRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
	m.Runs = append(m.Runs, run)
}

func (m *MockCheckRuns) CreateCheckRun(ctx context.Context, token string, run CheckRun) (int64, error) {
	m.record("create", run)
	if m.Err != nil {
		return 0, m.Err
	}
	return m.NextID, nil
}

func (m *MockCheckRuns) UpdateCheckRun(ctx context.Context, token string, run CheckRun) error {
	m.record("update", run)
	return m.Err
}

func (m *MockCheckRuns) CompleteCheckRun(ctx context.Context, token string, run CheckRun) error {
	m.record("complete", run)
	return m.Err
}

func (m *MockCheckRuns) Snapshot() ([]string, []CheckRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Calls...), append([]CheckRun(nil), m.Runs...)
}

type MockNotifier struct {
	Messages []string
	Err      error
}

func (n *MockNotifier) Notify(ctx context.Context, title, body, url string) error {
	n.Messages = append(n.Messages, title+"|"+body+"|"+url)
	return n.Err
}

type MockCache struct {
	Snapshots []Snapshot
	Err       error
}

func (c *MockCache) Write(ctx context.Context, s Snapshot) error {
	if c.Err != nil {
		return c.Err
	}
	c.Snapshots = append(c.Snapshots, s)
	return nil
}
