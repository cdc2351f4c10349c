package ws_client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/buildcast/internal/domain"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler receives one server frame of the type it was registered for.
// Errors and panics are logged; they never end the connection.
type Handler func(ctx context.Context, env domain.Envelope) error

// TokenSource mints the bearer assertion presented at each handshake.
type TokenSource func(ctx context.Context) (string, error)

type Options struct {
	URL              string
	Token            TokenSource
	Repositories     []string
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

type Client struct {
	log    *zap.Logger
	opts   Options
	dialer *websocket.Dialer
	state  atomic.Int32

	hmu      sync.RWMutex
	handlers map[string]Handler

	mu    sync.Mutex
	conn  *websocket.Conn
	repos []string

	wmu sync.Mutex
}

func New(l *zap.Logger, opts Options) *Client {
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = 60 * opts.BackoffInitial
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	return &Client{
		log:      l,
		opts:     opts,
		dialer:   &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: opts.HandshakeTimeout},
		handlers: make(map[string]Handler),
		repos:    dedupe(opts.Repositories),
	}
}

// On registers h for frames of msgType, replacing any earlier handler.
func (c *Client) On(msgType string, h Handler) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handlers[msgType] = h
}

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// Run keeps one connection to the server alive until ctx is done, and
// returns ctx's error. Every disconnect is followed by a backoff wait
// that doubles up to BackoffMax and resets only after a session the
// server actually served.
func (c *Client) Run(ctx context.Context) error {
	bo := c.newBackoff()

	for {
		c.setState(StateConnecting)
		established, err := c.session(ctx)
		c.setState(StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		if errors.Is(err, domain.ErrUnauthorized) {
			c.log.Error("handshake rejected, will retry",
				zap.String("url", c.opts.URL),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
		} else {
			c.log.Warn("disconnected, will reconnect",
				zap.String("url", c.opts.URL),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.BackoffInitial
	bo.MaxInterval = c.opts.BackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// session dials, replays subscriptions and reads until the connection
// ends. established reports whether the server sent at least one frame
// on an accepted connection.
func (c *Client) session(ctx context.Context) (bool, error) {
	token, err := c.opts.Token(ctx)
	if err != nil {
		return false, fmt.Errorf("minting assertion: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, fmt.Errorf("%w: %s", domain.ErrUnauthorized, resp.Status)
		}
		return false, err
	}

	c.mu.Lock()
	c.conn = conn
	repos := append([]string(nil), c.repos...)
	c.mu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			c.wmu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.wmu.Unlock()
			_ = conn.Close()
		case <-done:
		}
	}()

	c.setState(StateConnected)
	c.log.Info("connected", zap.String("url", c.opts.URL), zap.Int("repositories", len(repos)))

	// A rejected handshake is upgraded and then closed with 1008, so a
	// replay write can fail before that close frame is read.
	for _, repo := range repos {
		if err := c.subscription(ctx, conn, repo, domain.ActionSubscribe); err != nil {
			if cerr := c.closeReason(conn); cerr != nil {
				return false, cerr
			}
			return false, err
		}
	}

	// Established once the server sends any frame, pings included.
	var received bool
	conn.SetPingHandler(func(data string) error {
		received = true
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	err = c.readLoop(ctx, conn, &received)
	return received && !errors.Is(err, domain.ErrUnauthorized), err
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, received *bool) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return classifyClose(err)
		}
		*received = true
		c.dispatch(ctx, data)
	}
}

// closeReason reads whatever the server sent before the connection broke
// and returns ErrUnauthorized if it was a policy-violation close.
func (c *Client) closeReason(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.WriteTimeout))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if err := classifyClose(err); errors.Is(err, domain.ErrUnauthorized) {
				return err
			}
			return nil
		}
	}
}

func classifyClose(err error) error {
	if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	return err
}

func (c *Client) dispatch(ctx context.Context, data []byte) {
	env, err := domain.DecodeEnvelope(data)
	if err != nil {
		c.log.Warn("undecodable message dropped", zap.Error(err))
		return
	}

	c.hmu.RLock()
	h, ok := c.handlers[env.Type]
	c.hmu.RUnlock()

	if !ok {
		if env.Type == domain.TypeError {
			c.log.Warn("server error", zap.String("code", env.Code), zap.String("message", env.Message))
			return
		}
		c.log.Info("unhandled message dropped", zap.String("type", env.Type))
		return
	}

	defer func() {
		if v := recover(); v != nil {
			c.log.Error("handler panic", zap.String("type", env.Type), zap.Any("panic", v))
		}
	}()
	if err := h(ctx, env); err != nil {
		c.log.Warn("handler failed", zap.String("type", env.Type), zap.Error(err))
	}
}

// Send writes msg on the current connection, or fails with
// domain.ErrNotConnected when there is none.
func (c *Client) Send(ctx context.Context, msg domain.Message) error {
	payload, err := domain.EncodeMessage(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrNotConnected
	}
	return c.write(ctx, conn, payload)
}

func (c *Client) Repositories() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.repos...)
}

// SetRepositories replaces the subscription list. When connected the
// difference is applied at once; otherwise it is replayed on connect.
func (c *Client) SetRepositories(ctx context.Context, repos []string) error {
	next := dedupe(repos)

	c.mu.Lock()
	added, removed := diff(c.repos, next)
	c.repos = next
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	var err error
	for _, r := range added {
		err = multierr.Append(err, c.subscription(ctx, conn, r, domain.ActionSubscribe))
	}
	for _, r := range removed {
		err = multierr.Append(err, c.subscription(ctx, conn, r, domain.ActionUnsubscribe))
	}
	return err
}

func (c *Client) subscription(ctx context.Context, conn *websocket.Conn, repo, action string) error {
	payload, err := domain.EncodeMessage(&domain.Subscription{Repository: repo, Action: action})
	if err != nil {
		return err
	}
	return c.write(ctx, conn, payload)
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func diff(prev, next []string) (added, removed []string) {
	old := make(map[string]struct{}, len(prev))
	for _, s := range prev {
		old[s] = struct{}{}
	}
	cur := make(map[string]struct{}, len(next))
	for _, s := range next {
		cur[s] = struct{}{}
		if _, ok := old[s]; !ok {
			added = append(added, s)
		}
	}
	for _, s := range prev {
		if _, ok := cur[s]; !ok {
			removed = append(removed, s)
		}
	}
	return added, removed
}
