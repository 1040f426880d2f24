// Package server wires the WebSocket session endpoint, health probes and the
// Prometheus metrics endpoint into a single HTTP server with graceful
// shutdown.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voximind/earshot/internal/config"
	"github.com/voximind/earshot/internal/health"
	"github.com/voximind/earshot/internal/observe"
	"github.com/voximind/earshot/internal/session"
	"github.com/voximind/earshot/internal/transcript"
	"github.com/voximind/earshot/pkg/engine/asr"
	"github.com/voximind/earshot/pkg/engine/kws"
	"github.com/voximind/earshot/pkg/engine/vad"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server accepts client connections and runs one session per WebSocket.
type Server struct {
	cfg     config.ServerConfig
	engines session.Engines

	// mu guards handlerCfg, which a config reload may replace. Live sessions
	// keep the tuning they were created with.
	mu         sync.RWMutex
	handlerCfg session.HandlerConfig

	store    transcript.Store
	metrics  *observe.Metrics
	checkers []health.Checker
	allow    *ipAllowlist
	registry *session.Registry
}

// Option customises a [Server].
type Option func(*Server)

// WithTranscriptStore persists final transcripts of every session to store.
func WithTranscriptStore(store transcript.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithMetrics overrides the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithCheckers adds readiness checks served on /readyz.
func WithCheckers(checkers ...health.Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, checkers...) }
}

// New creates a server for the given configuration and engine set.
func New(cfg *config.Config, engines session.Engines, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg.Server,
		handlerCfg: handlerConfig(cfg),
		engines:    engines,
		allow:      newIPAllowlist(cfg.Server.IPAllowlist),
		registry:   session.NewRegistry(cfg.Server.MaxSessions),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// handlerConfig maps the deployment configuration onto per-session tuning.
// Engine-specific knobs without a dedicated field travel in the options map.
func handlerConfig(cfg *config.Config) session.HandlerConfig {
	sess := cfg.Session
	eng := cfg.Engines
	return session.HandlerConfig{
		Machine: session.MachineConfig{
			VAD: vad.Config{
				SampleRate:       sess.SampleRate,
				SpeechThreshold:  floatOption(eng.VAD.Options, "speech_threshold"),
				SilenceThreshold: floatOption(eng.VAD.Options, "silence_threshold"),
				StartFrames:      intOption(eng.VAD.Options, "start_frames"),
				EndFrames:        intOption(eng.VAD.Options, "end_frames"),
			},
			KWS: kws.Config{
				SampleRate: sess.SampleRate,
				Keyword:    eng.KWS.Keyword,
				Threshold:  eng.KWS.Threshold,
			},
			ASR: asr.StreamConfig{
				SampleRate: sess.SampleRate,
				Language:   eng.ASR.Language,
			},
			WakeWindow:     sess.WakeWindow.Std(),
			EndOfUtterance: sess.EndOfUtterance.Std(),
			WakeGrace:      sess.WakeGrace.Std(),
		},
		FrameSamples: sess.FrameSamples,
		BufferDepth:  sess.BufferDepth,
	}
}

func floatOption(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func intOption(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// ApplyConfig installs the session tuning from cfg for sessions opened from
// now on. Listen address, TLS, auth and allowlist changes require a restart.
func (s *Server) ApplyConfig(cfg *config.Config) {
	hc := handlerConfig(cfg)
	s.mu.Lock()
	s.handlerCfg = hc
	s.mu.Unlock()
}

// Handler builds the full HTTP routing tree, including middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", requireBearer(s.cfg.AuthToken, http.HandlerFunc(s.handleSession)))
	mux.Handle("GET /sessions", requireBearer(s.cfg.AuthToken, http.HandlerFunc(s.handleSessions)))
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(s.checkers...).Register(mux)

	var h http.Handler = mux
	h = observe.Middleware(s.metrics)(h)
	h = s.allow.wrap(h)
	return h
}

// handleSession upgrades the request and runs a session until the client
// disconnects or the server shuts down.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	handlerCfg := s.handlerCfg
	s.mu.RUnlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	opts := []session.HandlerOption{session.WithMetrics(s.metrics)}
	if s.store != nil {
		opts = append(opts, session.WithTranscriptStore(s.store))
	}
	h := session.NewHandler(conn, s.engines, handlerCfg, opts...)

	if err := s.registry.Add(session.Info{
		ID:         h.ID(),
		RemoteAddr: r.RemoteAddr,
		StartedAt:  time.Now(),
	}); err != nil {
		slog.Warn("rejecting session", "remote", r.RemoteAddr, "err", err)
		conn.Close(websocket.StatusTryAgainLater, "session limit reached")
		return
	}
	defer s.registry.Remove(h.ID())

	slog.Info("session opened", "session_id", h.ID(), "remote", r.RemoteAddr)
	if err := h.Run(r.Context()); err != nil {
		slog.Warn("session ended with error", "session_id", h.ID(), "err", err)
		return
	}
	slog.Info("session closed", "session_id", h.ID())
}

// handleSessions reports the live session list as JSON.
func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	body := struct {
		Count    int            `json:"count"`
		Sessions []session.Info `json:"sessions"`
	}{
		Sessions: s.registry.Snapshot(),
	}
	body.Count = len(body.Sessions)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, "encode session list", http.StatusInternalServerError)
	}
}

// Run serves until ctx is cancelled, then drains with a bounded shutdown.
// In-flight sessions observe the cancellation through the request context.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.TLS != nil {
			errCh <- srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
