package ws_server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/davarch/buildcast/internal/application"
	"github.com/davarch/buildcast/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Verifier turns an Authorization header into an installation id.
type Verifier interface {
	VerifyHeader(header string) (int64, error)
}

type Options struct {
	Addr         string
	ReadLimit    int64
	PingInterval time.Duration
	WriteTimeout time.Duration
	QueryLimit   int
}

type Server struct {
	log         *zap.Logger
	opts        Options
	verifier    Verifier
	registry    *application.Registry
	store       *application.Store
	router      *application.Router
	broadcaster *application.Broadcaster
	upgrader    websocket.Upgrader
}

func New(l *zap.Logger, opts Options, v Verifier, reg *application.Registry, st *application.Store, rt *application.Router, b *application.Broadcaster) *Server {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if opts.QueryLimit <= 0 {
		opts.QueryLimit = application.DefaultQueryLimit
	}
	return &Server{
		log:         l,
		opts:        opts,
		verifier:    v,
		registry:    reg,
		store:       st,
		router:      rt,
		broadcaster: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // authenticated by bearer assertion instead
			},
		},
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.HandleWebSocket)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/builds/{buildId}", s.getBuild).Methods(http.MethodGet)
	api.HandleFunc("/repos/{owner}/{name}/builds", s.listBuilds).Methods(http.MethodGet)

	return r
}

// Run serves until ctx is done, then shuts the listener down and closes
// every live connection.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.log.Info("listening", zap.String("addr", s.opts.Addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.shutdown(shutdownCtx, srv)
}

func (s *Server) shutdown(ctx context.Context, srv *http.Server) error {
	err := srv.Shutdown(ctx)
	n := 0
	for _, p := range s.registry.Peers() {
		if _, ok := s.registry.Unregister(p.ID()); ok {
			err = multierr.Append(err, p.Close())
			n++
		}
	}
	s.log.Info("server stopped", zap.Int("closed_connections", n))
	return err
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	installationID, err := s.verifier.VerifyHeader(r.Header.Get("Authorization"))
	if err != nil {
		s.log.Warn("handshake rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(time.Second))
		awaitClose(conn, time.Second)
		_ = conn.Close()
		return
	}

	p := newPeer(uuid.NewString(), installationID, conn, s.opts.WriteTimeout)
	s.registry.Register(p)

	log := s.log.With(
		zap.String("connection_id", p.ID()),
		zap.Int64("installation_id", installationID),
	)
	log.Info("connection established", zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		s.broadcaster.Reap(p)
		_ = p.Close()
		log.Info("connection closed")
	}()

	s.readLoop(ctx, p, log)
}

// readLoop handles one message at a time in arrival order.
func (s *Server) readLoop(ctx context.Context, p *peer, log *zap.Logger) {
	conn := p.conn
	conn.SetReadLimit(s.opts.ReadLimit)

	var pongWait time.Duration
	if s.opts.PingInterval > 0 {
		pongWait = 2 * s.opts.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go p.keepalive(ctx, s.opts.PingInterval)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		if pongWait > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		s.router.Route(ctx, p, data)
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Builds      int    `json:"builds"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: s.registry.Len(),
		Builds:      s.store.Len(),
	})
}

func (s *Server) getBuild(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.Get(mux.Vars(r)["buildId"])
	if err != nil {
		http.Error(w, "Build not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) listBuilds(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	repo := vars["owner"] + "/" + vars["name"]

	limit := s.opts.QueryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		if n < limit {
			limit = n
		}
	}

	writeJSON(w, http.StatusOK, domain.BuildListResponse{
		Type:       domain.TypeBuildQueryResponse,
		Repository: repo,
		Builds:     s.store.ListByRepository(repo, limit),
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.verifier.VerifyHeader(r.Header.Get("Authorization")); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// awaitClose discards frames until the peer answers the close frame or
// timeout passes. The peer reads the close reason before the socket goes.
func awaitClose(conn *websocket.Conn, timeout time.Duration) {
	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
