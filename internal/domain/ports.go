package domain

import "context"

// Peer is one live connection as seen by the broadcast core. Send must
// be safe to call from several goroutines.
type Peer interface {
	ID() string
	InstallationID() int64
	Send(ctx context.Context, payload []byte) error
	Close() error
}

type TokenExchanger interface {
	ExchangeInstallationToken(ctx context.Context, installationID int64, assertion string) (InstallationToken, error)
}

type AssertionSigner interface {
	AppAssertion(installationID int64) (string, error)
}

type TokenProvider interface {
	GetToken(ctx context.Context, installationID int64) (string, error)
	Invalidate(installationID int64)
}

type CheckRunClient interface {
	CreateCheckRun(ctx context.Context, token string, run CheckRun) (int64, error)
	UpdateCheckRun(ctx context.Context, token string, run CheckRun) error
	CompleteCheckRun(ctx context.Context, token string, run CheckRun) error
}

type Notifier interface {
	Notify(ctx context.Context, title, body, url string) error
}

type StatusCache interface {
	Write(ctx context.Context, s Snapshot) error
}
