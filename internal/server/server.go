// Package server exposes the broker and gateway to clients: a WebSocket
// endpoint speaking the bus event protocol and a stateless REST surface.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bustrack-svr/internal/broker"
	"bustrack-svr/internal/gateway"
	"bustrack-svr/internal/observability"
)

type Options struct {
	// OutboxSize bounds the messages queued per session before it is dropped.
	OutboxSize int
}

type Server struct {
	gateway    *gateway.Gateway
	broker     *broker.Broker
	logger     *slog.Logger
	outboxSize int
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

func New(gw *gateway.Gateway, b *broker.Broker, opts Options, lg *slog.Logger) *Server {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		gateway:    gw,
		broker:     b,
		logger:     lg.With("component", "server"),
		outboxSize: opts.OutboxSize,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/buses", s.listBuses)
	mux.HandleFunc("POST /api/buses", s.createBus)
	mux.HandleFunc("GET /api/buses/{id}", s.getBus)
	mux.HandleFunc("PUT /api/buses/{id}", s.replaceBus)
	mux.HandleFunc("DELETE /api/buses/{id}", s.deleteBus)
	return s.withLogging(mux)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade error", "err", err)
		return
	}
	observability.WSConnections.Inc()

	sess := newSession(s, conn)
	if !s.track(sess) {
		_ = conn.Close()
		return
	}
	defer s.untrack(sess)

	sess.logger.Info("client connected", "role", string(scope.Role), "own_id", scope.OwnID)
	sess.run(s.ctx, scope)
	sess.logger.Info("client disconnected")
}

func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.sessions[sess.id] = sess
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.wg.Done()
}

// Sessions returns the number of connected WebSocket clients.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close disconnects every WebSocket session and waits for them to finish or
// for ctx to expire. Hijacked connections are not covered by
// http.Server.Shutdown, so callers run both.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	for _, sess := range s.sessions {
		sess.close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) withLogging(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			h.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "elapsed", time.Since(start))
	})
}
