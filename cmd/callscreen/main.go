// Command callscreen answers phone calls with a speech-to-speech model that
// screens the caller and reports whether the call is a scam.
//
// By default it serves the Twilio voice webhook and media stream. With -local
// it screens a single conversation over the local microphone and speaker.
package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/MrWong99/callscreen/internal/app"
	"github.com/MrWong99/callscreen/internal/bridge"
	"github.com/MrWong99/callscreen/internal/config"
	"github.com/MrWong99/callscreen/internal/local"
	"github.com/MrWong99/callscreen/internal/observe"
	"github.com/MrWong99/callscreen/internal/resilience"
	"github.com/MrWong99/callscreen/pkg/provider/s2s"
	geminilive "github.com/MrWong99/callscreen/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/callscreen/pkg/provider/s2s/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	localMode := flag.Bool("local", false, "screen one conversation over the local microphone and speaker")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callscreen: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callscreen: %v\n", err)
		}
		return 1
	}
	if err := checkCredentials(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "callscreen: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("callscreen starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"local", *localMode,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "callscreen",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Speech provider ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := buildProvider(cfg, reg)
	if err != nil {
		slog.Error("failed to build speech provider", "err", err)
		return 1
	}

	printStartupSummary(os.Stdout, cfg, *localMode)

	application, err := app.New(cfg, provider,
		app.WithLogger(logger),
		app.WithLevelVar(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(ctx, *configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	if *localMode {
		return runLocal(ctx, application, cfg)
	}
	return serve(ctx, application)
}

// serve runs the HTTP server until a signal arrives, then shuts down.
func serve(ctx context.Context, application *app.App) int {
	slog.Info("server ready; press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutting down…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// runLocal screens one conversation over the local audio devices.
func runLocal(ctx context.Context, application *app.App, cfg *config.Config) int {
	dev, err := local.Open(ctx, local.Config{
		SampleRate:   cfg.Local.SampleRate,
		PlaybackRate: cfg.Local.PlaybackRate,
		InputFormat:  cfg.Local.InputFormat,
		InputDevice:  cfg.Local.InputDevice,
		FFmpegPath:   cfg.Local.FFmpegPath,
		FFplayPath:   cfg.Local.FFplayPath,
	})
	if err != nil {
		slog.Error("failed to open local audio", "err", err)
		return 1
	}

	fmt.Println("Listening. Speak as the caller; press Ctrl+C to stop.")
	info, err := application.RunLocal(ctx, dev, newConsole(os.Stdout))
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("local session failed", "session_id", info.ID, "err", err)
		return 1
	}
	if info.Verdict == nil {
		fmt.Println("Session ended without a verdict.")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// checkCredentials fails when the primary provider has neither an API key
// nor a custom endpoint to talk to.
func checkCredentials(cfg *config.Config) error {
	if cfg.Provider.APIKey == "" && cfg.Provider.BaseURL == "" {
		return fmt.Errorf("no credentials for provider %q: set provider.api_key or %s", cfg.Provider.Name, config.APIKeyEnv)
	}
	return nil
}

// registerBuiltinProviders wires the speech-to-speech provider factories
// that ship with callscreen into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.S2SNames() {
		slog.Debug("registered provider", "kind", "s2s", "name", name)
	}
}

// buildProvider creates the configured primary and fallback providers and
// puts them behind per-provider circuit breakers.
func buildProvider(cfg *config.Config, reg *config.Registry) (*resilience.S2SFallback, error) {
	primary, err := reg.CreateS2S(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("create provider %q: %w", cfg.Provider.Name, err)
	}
	slog.Info("provider created", "name", cfg.Provider.Name, "model", cfg.Provider.Model)

	breaker := resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: cfg.Resilience.ResetTimeout,
	}
	fb := resilience.NewS2SFallback(primary, cfg.Provider.Name, breaker,
		resilience.WithMetrics(observe.DefaultMetrics()))

	for i, entry := range cfg.Fallbacks {
		p, err := reg.CreateS2S(entry)
		if err != nil {
			return nil, fmt.Errorf("create fallback provider %d (%q): %w", i, entry.Name, err)
		}
		fb.AddFallback(fmt.Sprintf("%s#%d", entry.Name, i+1), p, entry.Voice)
		slog.Info("fallback provider created", "name", entry.Name, "model", entry.Model, "order", i+1)
	}
	return fb, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config, localMode bool) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║      callscreen · startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Provider", withModel(cfg.Provider.Name, cfg.Provider.Model))
	printRow(w, "Voice", cmp.Or(cfg.Provider.Voice, "(default)"))
	if len(cfg.Fallbacks) > 0 {
		names := make([]string, len(cfg.Fallbacks))
		for i, fb := range cfg.Fallbacks {
			names[i] = fb.Name
		}
		printRow(w, "Fallbacks", strings.Join(names, ", "))
	}
	if localMode {
		printRow(w, "Mode", "local audio")
		printRow(w, "Sample rate", fmt.Sprintf("%d Hz", cfg.Local.SampleRate))
	} else {
		printRow(w, "Mode", "telephony")
		printRow(w, "Listen addr", cfg.Server.ListenAddr)
		printRow(w, "Public host", cmp.Or(cfg.Server.PublicHost, "(request host)"))
		if cfg.Server.MaxSessions > 0 {
			printRow(w, "Max sessions", fmt.Sprint(cfg.Server.MaxSessions))
		} else {
			printRow(w, "Max sessions", "unlimited")
		}
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, key, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", key, value)
}

func withModel(name, model string) string {
	if model == "" {
		return name
	}
	return name + " / " + model
}

// ── Console ───────────────────────────────────────────────────────────────────

// console prints a local session's progress for the person at the keyboard.
type console struct {
	bridge.NopObserver

	mu sync.Mutex
	w  io.Writer
}

func newConsole(w io.Writer) *console {
	return &console{w: w}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

func (c *console) OnStateChange(_ string, s bridge.State) {
	c.printf("[%s]\n", s)
}

func (c *console) OnTranscript(_ string, t s2s.Transcript) {
	c.printf("%-8s %s\n", string(t.Speaker)+":", strings.TrimSpace(t.Text))
}

func (c *console) OnVerdict(_ string, v bridge.Verdict) {
	verdict := strings.ToUpper(string(v.Verdict))
	if v.Confidence != nil {
		c.printf("\nVERDICT: %s (%.0f%% confident)\n  %s\n\n", verdict, *v.Confidence, v.Reason)
		return
	}
	c.printf("\nVERDICT: %s\n  %s\n\n", verdict, v.Reason)
}

func (c *console) OnError(_ string, err error) {
	c.printf("error: %v\n", err)
}
