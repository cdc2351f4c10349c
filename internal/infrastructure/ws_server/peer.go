package ws_server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// peer is one accepted websocket. Writes are serialized by mu; gorilla
// connections allow one concurrent writer only.
type peer struct {
	id             string
	installationID int64
	conn           *websocket.Conn
	writeTimeout   time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newPeer(id string, installationID int64, conn *websocket.Conn, writeTimeout time.Duration) *peer {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &peer{
		id:             id,
		installationID: installationID,
		conn:           conn,
		writeTimeout:   writeTimeout,
		closed:         make(chan struct{}),
	}
}

func (p *peer) ID() string            { return p.id }
func (p *peer) InstallationID() int64 { return p.installationID }

func (p *peer) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	_ = p.conn.SetWriteDeadline(p.deadline(ctx))
	return p.conn.WriteMessage(websocket.TextMessage, payload)
}

func (p *peer) ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.writeTimeout))
}

func (p *peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = p.conn.Close()
	})
	return err
}

// keepalive pings until the peer closes or ctx ends. A failed ping
// closes the peer, which unblocks the read loop.
func (p *peer) keepalive(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closed:
			return
		case <-t.C:
			if err := p.ping(); err != nil {
				_ = p.Close()
				return
			}
		}
	}
}

func (p *peer) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(p.writeTimeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}
