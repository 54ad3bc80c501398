package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/callscreen/internal/observe"
	"github.com/MrWong99/callscreen/internal/resilience"
	"github.com/MrWong99/callscreen/pkg/provider/s2s"
	"github.com/MrWong99/callscreen/pkg/provider/s2s/mock"
)

var errDown = errors.New("service unavailable")

func TestS2SFallback_PrimaryServes(t *testing.T) {
	primarySess := mock.NewSession()
	primary := &mock.Provider{Session: primarySess}
	secondary := &mock.Provider{}

	f := resilience.NewS2SFallback(primary, "gemini-live", resilience.CircuitBreakerConfig{})
	f.AddFallback("openai-realtime", secondary, "alloy")

	h, err := f.Connect(context.Background(), s2s.SessionConfig{Voice: "Puck"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if h != primarySess {
		t.Error("session not from the primary")
	}
	if got := primary.Calls()[0].Cfg.Voice; got != "Puck" {
		t.Errorf("primary voice = %q, want Puck", got)
	}
	if len(secondary.Calls()) != 0 {
		t.Error("secondary contacted although the primary succeeded")
	}
}

func TestS2SFallback_FailsOverWithVoice(t *testing.T) {
	primary := &mock.Provider{ConnectErr: errDown}
	secondarySess := mock.NewSession()
	secondary := &mock.Provider{Session: secondarySess}

	reader := sdkmetric.NewManualReader()
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatal(err)
	}

	f := resilience.NewS2SFallback(primary, "gemini-live", resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
		resilience.WithMetrics(metrics))
	f.AddFallback("openai-realtime", secondary, "alloy")

	h, err := f.Connect(context.Background(), s2s.SessionConfig{Voice: "Puck", Instructions: "screen"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if h != secondarySess {
		t.Error("session not from the secondary")
	}
	cfg := secondary.Calls()[0].Cfg
	if cfg.Voice != "alloy" || cfg.Instructions != "screen" {
		t.Errorf("secondary cfg = %+v, want voice alloy with the original instructions", cfg)
	}
	if s := f.States()["gemini-live"]; s != resilience.StateOpen {
		t.Errorf("primary breaker = %v, want open", s)
	}
	if !f.Available() {
		t.Error("Available() = false with a healthy secondary")
	}

	// The open breaker keeps later calls away from the primary.
	if _, err := f.Connect(context.Background(), s2s.SessionConfig{}); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if n := len(primary.Calls()); n != 1 {
		t.Errorf("primary Connect calls = %d, want 1", n)
	}
}

func TestS2SFallback_AllDown(t *testing.T) {
	primary := &mock.Provider{ConnectErr: errDown}
	f := resilience.NewS2SFallback(primary, "gemini-live", resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})

	_, err := f.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, resilience.ErrAllFailed) || !errors.Is(err, errDown) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping the provider error", err)
	}
	if f.Available() {
		t.Error("Available() = true with the only breaker open")
	}

	_, err = f.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestS2SFallback_CancelDoesNotTrip(t *testing.T) {
	primary := &mock.Provider{Gate: make(chan struct{})}
	f := resilience.NewS2SFallback(primary, "gemini-live", resilience.CircuitBreakerConfig{MaxFailures: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for len(primary.Calls()) == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	if _, err := f.Connect(ctx, s2s.SessionConfig{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if s := f.States()["gemini-live"]; s != resilience.StateClosed {
		t.Errorf("breaker = %v after a cancelled handshake, want closed", s)
	}
}

func TestS2SFallback_Capabilities(t *testing.T) {
	primary := &mock.Provider{ProviderCapabilities: s2s.Capabilities{OutputSampleRate: 24000}}
	f := resilience.NewS2SFallback(primary, "p", resilience.CircuitBreakerConfig{})
	f.AddFallback("s", &mock.Provider{ProviderCapabilities: s2s.Capabilities{OutputSampleRate: 16000}}, "")

	if got := f.Capabilities().OutputSampleRate; got != 24000 {
		t.Errorf("OutputSampleRate = %d, want the primary's 24000", got)
	}
}
