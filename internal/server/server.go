// Package server exposes the drill engine over HTTP.
//
// Routes:
//
//   - GET /ws/drill: one WebSocket per drill session
//   - GET /api/v1/sessions: live session listing
//   - GET /api/v1/sessions/{id}/summary: running summary of a live session
//   - DELETE /api/v1/sessions/{id}: end a live session as admin-terminated
//   - GET /healthz, /readyz: liveness and readiness probes
//   - GET /metrics: Prometheus scrape endpoint
//
// A WebSocket stays in a waiting state until the client sends a valid start
// message. From then on a reader goroutine feeds frames and end requests into
// the session while a writer drains the session's outbound events. The
// connection is closed normally after the ended event has been written.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/gtodrill/internal/drill"
	"github.com/MrWong99/gtodrill/internal/health"
	"github.com/MrWong99/gtodrill/internal/observe"
	"github.com/MrWong99/gtodrill/internal/protocol"
	"github.com/MrWong99/gtodrill/pkg/types"
)

const (
	defaultReadLimit    = 64 << 10
	defaultWriteTimeout = 5 * time.Second

	// summaryTimeout bounds how long a summary request waits on a busy
	// session.
	summaryTimeout = 3 * time.Second
)

// Config holds the transport settings.
type Config struct {
	// AllowedOrigins are host patterns accepted for cross-origin WebSocket
	// upgrades. Empty allows same-origin requests only.
	AllowedOrigins []string

	// ReadLimit caps a single inbound WebSocket message in bytes.
	ReadLimit int64

	// WriteTimeout bounds a single outbound WebSocket write.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// Server routes HTTP and WebSocket traffic to a [drill.Coordinator].
type Server struct {
	coord   *drill.Coordinator
	cfg     Config
	metrics *observe.Metrics
	health  *health.Handler
	router  chi.Router
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metrics used by the request middleware.
// Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds the router. checkers are evaluated by /readyz.
func New(coord *drill.Coordinator, cfg Config, checkers []health.Checker, opts ...Option) *Server {
	s := &Server{coord: coord, cfg: cfg.withDefaults()}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(s.metrics))

	s.health = health.New(checkers...)
	s.health.Register(r)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Get("/", s.ListSessions)
		r.Get("/{id}/summary", s.SessionSummary)
		r.Delete("/{id}", s.EndSession)
	})
	r.Get("/ws/drill", s.ServeWS)

	s.router = r
	return s
}

// Drain fails /readyz from now on so load balancers stop sending new
// sessions. Open connections are unaffected.
func (s *Server) Drain() {
	s.health.SetDraining(true)
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// sessionList is the body of GET /api/v1/sessions.
type sessionList struct {
	Count    int          `json:"count"`
	Sessions []drill.Info `json:"sessions"`
}

// sessionSummary is the body of GET /api/v1/sessions/{id}/summary.
type sessionSummary struct {
	Session drill.Info           `json:"session"`
	Summary types.SessionSummary `json:"summary"`
}

// apiError is the body of every non-2xx API answer.
type apiError struct {
	Error string `json:"error"`
}

// ListSessions writes the live sessions as JSON.
func (s *Server) ListSessions(w http.ResponseWriter, _ *http.Request) {
	active := s.coord.Active()
	if active == nil {
		active = []drill.Info{}
	}
	writeJSON(w, http.StatusOK, sessionList{Count: len(active), Sessions: active})
}

// SessionSummary writes the running summary of one live session. Unknown
// and already finished sessions answer 404.
func (s *Server) SessionSummary(w http.ResponseWriter, r *http.Request) {
	sess, err := s.coord.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, apiError{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), summaryTimeout)
	defer cancel()
	sum, err := sess.Summary(ctx)
	switch {
	case errors.Is(err, drill.ErrSessionEnded):
		writeJSON(w, http.StatusNotFound, apiError{Error: err.Error()})
		return
	case err != nil:
		observe.SessionLogger(r.Context(), sess.ID()).Warn("server: session summary", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: "session busy"})
		return
	}
	writeJSON(w, http.StatusOK, sessionSummary{Session: sess.Info(), Summary: sum})
}

// EndSession ends one live session as admin-terminated and answers 202. The
// client sees the ended event on its WebSocket as usual.
func (s *Server) EndSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.coord.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, apiError{Error: err.Error()})
		return
	}
	observe.SessionLogger(r.Context(), sess.ID()).Info("server: session terminated by admin",
		"remote", r.RemoteAddr)
	// End waits for inbox space, which a stalled client can hold up.
	go sess.End(types.EndAdmin)
	writeJSON(w, http.StatusAccepted, sess.Info())
}

// ServeWS upgrades the request and runs one drill session over it.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		slog.Warn("server: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.cfg.ReadLimit)

	ctx := r.Context()
	sess, err := s.awaitStart(ctx, conn)
	if err != nil {
		observe.Logger(ctx).Debug("server: connection closed before start", "err", err)
		return
	}
	log := observe.SessionLogger(ctx, sess.ID())

	written := make(chan struct{})
	go func() {
		defer close(written)
		s.writeLoop(ctx, conn, sess)
	}()
	s.readLoop(ctx, conn, sess)
	<-written
	log.Debug("server: connection finished")
}

// awaitStart reads until a start message creates a session. Anything else is
// answered with an error event.
func (s *Server) awaitStart(ctx context.Context, conn *websocket.Conn) (*drill.Session, error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		in, err := protocol.DecodeInbound(data)
		if err != nil {
			slog.Warn("server: malformed message", "err", err)
			s.writeError(ctx, conn, err.Error())
			continue
		}
		if in.Type != protocol.TypeStart {
			s.writeError(ctx, conn, "no active session: send start first")
			continue
		}

		sess, err := s.coord.Start(ctx, *in.Start)
		switch {
		case errors.Is(err, drill.ErrShuttingDown):
			s.writeError(ctx, conn, err.Error())
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return nil, err
		case err != nil:
			slog.Warn("server: start rejected", "err", err)
			s.writeError(ctx, conn, err.Error())
			continue
		}
		return sess, nil
	}
}

// readLoop feeds client messages into sess until the connection fails. A
// read failure ends the session as an abrupt disconnect; that is a no-op when
// the session has already ended.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *drill.Session) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if !sess.Ended() {
				slog.Info("server: client disconnected", "session_id", sess.ID(), "err", err)
			}
			sess.End(types.EndDisconnect)
			return
		}
		in, err := protocol.DecodeInbound(data)
		if err != nil {
			slog.Warn("server: malformed message", "session_id", sess.ID(), "err", err)
			s.writeError(ctx, conn, err.Error())
			continue
		}

		switch in.Type {
		case protocol.TypeVoiceFrame:
			if err := sess.SubmitFrame(*in.Frame); err != nil {
				slog.Debug("server: frame after end dropped", "session_id", sess.ID())
			}
		case protocol.TypeEnd:
			sess.EndWithDetail(types.EndClient, in.End.Reason)
		case protocol.TypeStart:
			s.writeError(ctx, conn, "session already started")
		}
	}
}

// writeLoop drains the session's outbound events. On a write failure it
// detaches the session and drops the connection, which makes the reader end
// the session as a disconnect. Once the channel closes the session is over
// and the connection is closed normally.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sess *drill.Session) {
	for env := range sess.Outbound() {
		if err := s.write(ctx, conn, env); err != nil {
			slog.Debug("server: write failed, detaching", "session_id", sess.ID(), "type", env.Type, "err", err)
			sess.Detach()
			conn.CloseNow()
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "session ended")
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, env protocol.Envelope) error {
	b, err := env.Marshal()
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, b)
}

func (s *Server) writeError(ctx context.Context, conn *websocket.Conn, msg string) {
	if err := s.write(ctx, conn, protocol.NewError(msg)); err != nil {
		slog.Debug("server: write error event", "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("server: encode response", "status", status, "err", err)
	}
}
