// Package app wires the callscreen subsystems into a running server.
//
// The App struct owns the full lifecycle: New prepares the HTTP routes and the
// session manager, Run (or Serve) accepts calls until the context ends, and
// Shutdown tears everything down in order. RunLocal drives a single session
// over a local transport for interactive use.
//
// For testing, inject doubles via functional options (WithHub, WithMetrics,
// etc.). When an option is not provided, New creates real implementations.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/callscreen/internal/bridge"
	"github.com/MrWong99/callscreen/internal/config"
	"github.com/MrWong99/callscreen/internal/events"
	"github.com/MrWong99/callscreen/internal/health"
	"github.com/MrWong99/callscreen/internal/observe"
	"github.com/MrWong99/callscreen/internal/resilience"
	"github.com/MrWong99/callscreen/internal/telephony"
	"github.com/MrWong99/callscreen/pkg/provider/s2s"
)

const readHeaderTimeout = 10 * time.Second

// screening is the hot-reloadable part of the configuration, applied to
// sessions when they start.
type screening struct {
	instructions     string
	greeting         string
	voice            string
	handshakeTimeout time.Duration
	finishDelay      time.Duration
}

func screeningFrom(cfg *config.Config) *screening {
	return &screening{
		instructions:     cfg.Screening.Instructions,
		greeting:         cfg.Screening.Greeting,
		voice:            cfg.Provider.Voice,
		handshakeTimeout: cfg.Screening.HandshakeTimeout,
		finishDelay:      cfg.Screening.FinishDelay,
	}
}

// App owns all subsystem lifetimes and serves the call screening endpoints.
type App struct {
	cfg      *config.Config
	provider s2s.Provider
	log      *slog.Logger
	level    *slog.LevelVar
	metrics  *observe.Metrics
	hub      *events.Hub
	sessions *SessionManager
	health   *health.Handler

	screening atomic.Pointer[screening]

	mu     sync.Mutex
	server *http.Server

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the logger for the app and the sessions it starts.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets configuration reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics injects the metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithHub injects the dashboard event hub instead of creating one.
func WithHub(h *events.Hub) Option {
	return func(a *App) { a.hub = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App for cfg that screens calls with provider.
func New(cfg *config.Config, provider s2s.Provider, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if provider == nil {
		return nil, errors.New("app: speech provider is required")
	}

	a := &App{
		cfg:      cfg,
		provider: provider,
		sessions: NewSessionManager(cfg.Server.MaxSessions),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.hub == nil {
		a.hub = events.NewHub(events.WithMetrics(a.metrics), events.WithSnapshot(a.sessions.List))
	}
	a.health = health.New(
		health.ProviderChecker(a.providerStatus),
		health.CapacityChecker(a.sessions.Usage),
	)
	a.screening.Store(screeningFrom(cfg))
	return a, nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Hub returns the dashboard event hub.
func (a *App) Hub() *events.Hub { return a.hub }

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler returns the HTTP routes wrapped in the observability middleware:
//
//	POST/GET /incoming-call   TwiML answer for the Twilio voice webhook
//	GET      /media-stream    Twilio media stream WebSocket
//	GET      /events          dashboard event WebSocket
//	GET      /sessions        live sessions as JSON
//	DELETE   /sessions/{id}   hang up a session
//	GET      /healthz, /readyz, /metrics
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	incoming := telephony.IncomingCallHandler(a.cfg.Server.PublicHost)
	mux.Handle("POST /incoming-call", incoming)
	mux.Handle("GET /incoming-call", incoming)
	mux.HandleFunc("GET "+telephony.MediaPath, a.handleMediaStream)
	mux.Handle("GET /events", a.hub)
	mux.HandleFunc("GET /sessions", a.handleListSessions)
	mux.HandleFunc("DELETE /sessions/{id}", a.handleHangup)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.health.Register(mux)

	return observe.Middleware(a.metrics)(mux)
}

// availability is implemented by providers that keep a circuit breaker per
// backend, such as [resilience.S2SFallback].
type availability interface {
	Available() bool
	States() map[string]resilience.State
}

// providerStatus reports why no call could be screened right now: missing
// credentials or, if the provider tracks backend health, every breaker open.
func (a *App) providerStatus() error {
	if a.cfg.Provider.APIKey == "" && a.cfg.Provider.BaseURL == "" {
		return errors.New("no credentials configured")
	}
	av, ok := a.provider.(availability)
	if !ok || av.Available() {
		return nil
	}
	states := av.States()
	detail := make([]string, 0, len(states))
	for _, name := range slices.Sorted(maps.Keys(states)) {
		detail = append(detail, name+" "+states[name].String())
	}
	return fmt.Errorf("circuit breakers: %s", strings.Join(detail, ", "))
}

func (a *App) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	release, err := a.sessions.Reserve()
	if err != nil {
		a.log.Warn("media stream rejected", "err", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer release()

	stream, err := telephony.Accept(w, r, telephony.WithLogger(a.log), telephony.WithMetrics(a.metrics))
	if err != nil {
		a.log.Warn("media stream accept failed", "err", err)
		return
	}

	sess := a.newSession(stream, "telephony", false, 0, nil)
	if err := a.sessions.Run(r.Context(), sess); err != nil {
		a.log.Debug("telephony session ended with error", "session_id", sess.ID(), "err", err)
	}
}

func (a *App) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(a.sessions.List())
}

func (a *App) handleHangup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, ok := a.sessions.Get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err := s.Close(); err != nil {
		a.log.Warn("hangup: close error", "session_id", id, "err", err)
	}
	a.log.Info("session hung up by operator", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// newSession builds a bridge session with the current screening settings.
func (a *App) newSession(t bridge.Transport, transportName string, requireConfidence bool, finishDelay time.Duration, obs bridge.Observer) *bridge.Session {
	sc := a.screening.Load()
	return bridge.New(a.provider, t, bridge.Config{
		ProviderName:      a.cfg.Provider.Name,
		TransportName:     transportName,
		Instructions:      sc.instructions,
		Voice:             sc.voice,
		Greeting:          sc.greeting,
		RequireConfidence: requireConfidence,
		HandshakeTimeout:  sc.handshakeTimeout,
	},
		bridge.WithLogger(a.log),
		bridge.WithMetrics(a.metrics),
		bridge.WithObserver(bridge.Observers(a.hub, obs)),
		bridge.WithFinishDelay(finishDelay),
	)
}

// RunLocal screens one conversation over t, typically the local microphone
// and speaker, and blocks until the session ends. The verdict must carry a
// confidence, and the session stays up for screening.finish_delay after it.
// obs, if non-nil, receives the session's notifications as well.
func (a *App) RunLocal(ctx context.Context, t bridge.Transport, obs bridge.Observer) (bridge.Info, error) {
	release, err := a.sessions.Reserve()
	if err != nil {
		_ = t.Close()
		return bridge.Info{}, err
	}
	defer release()

	sess := a.newSession(t, "local", true, a.screening.Load().finishDelay, obs)
	err = a.sessions.Run(ctx, sess)
	return sess.Info(), err
}

// ApplyConfig applies the hot-reloadable differences between old and new.
// It is meant to be passed to [config.NewWatcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ScreeningChanged {
		a.screening.Store(screeningFrom(new))
		a.log.Info("screening settings reloaded; new calls use them")
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("configuration changes need a restart to take effect", "settings", d.RestartRequired)
	}
}

// SlogLevel maps a configured log level to its slog level.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on server.listen_addr and serves until ctx is cancelled, then
// returns ctx.Err(). Call [App.Shutdown] afterwards.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled or the server fails. TLS is used
// when server.tls is configured.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}
	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	a.log.Info("app running", "addr", ln.Addr().String(), "max_sessions", a.cfg.Server.MaxSessions)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting requests, closes every live session and waits for
// them to finish until ctx is done. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.health.Drain()
		var errs []error

		a.mu.Lock()
		srv := a.server
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("app: shutdown http server: %w", err))
			}
		}

		if err := a.sessions.CloseAll(ctx); err != nil {
			errs = append(errs, err)
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}
