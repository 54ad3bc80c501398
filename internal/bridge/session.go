// Package bridge relays audio between a caller-facing [Transport] and a remote
// speech-to-speech session, and turns the screener's report_verdict tool call
// into the terminal event of the call.
//
// A [Session] owns exactly one remote session. Caller audio is converted with
// the transport's [audio.Codec] and queued for the remote side; remote audio
// is converted back and written to the transport as soon as it arrives. The
// remote handshake is the only thing gating audio: caller frames that arrive
// before it completes are dropped, never buffered.
//
// This package is internal because it encapsulates application-private call
// screening logic and is not intended for import by external code.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callscreen/internal/observe"
	"github.com/MrWong99/callscreen/pkg/audio"
	"github.com/MrWong99/callscreen/pkg/provider/s2s"
)

const (
	// defaultQueueSize is the depth of the caller-to-remote frame queue. At
	// 20 ms telephony frames this holds a little over a second of audio.
	defaultQueueSize = 64

	// defaultHandshakeTimeout bounds the remote handshake when the config
	// does not set one.
	defaultHandshakeTimeout = 10 * time.Second
)

// Errors returned by [Session.Run].
var (
	// ErrSetup wraps failures to establish the remote session.
	ErrSetup = errors.New("bridge: remote setup failed")

	// ErrTransportClosed wraps transport failures during the call.
	ErrTransportClosed = errors.New("bridge: transport failed")

	// ErrRemoteClosed wraps remote session failures during the call.
	ErrRemoteClosed = errors.New("bridge: remote session failed")
)

// Causes for orderly shutdown. Run reports these as a nil error.
var (
	errFinished      = errors.New("bridge: verdict delivered")
	errStopped       = errors.New("bridge: stopped")
	errTransportDone = errors.New("bridge: transport ended")
	errRemoteHangup  = errors.New("bridge: remote session ended")
)

// Config holds the per-session settings derived from the application config.
type Config struct {
	// ProviderName labels handshake metrics and logs.
	ProviderName string

	// TransportName labels session metrics, e.g. "telephony" or "local".
	TransportName string

	// Instructions is the screener's system prompt.
	Instructions string

	// Voice selects the screener's voice. Empty uses the provider default.
	Voice string

	// Greeting, when set, is injected as a user turn right after the handshake
	// so the screener speaks first.
	Greeting string

	// RequireConfidence makes confidence a required report_verdict argument.
	RequireConfidence bool

	// HandshakeTimeout bounds the remote handshake. Zero uses 10s.
	HandshakeTimeout time.Duration
}

// Option is a functional option for configuring a [Session].
type Option func(*Session)

// WithLogger sets the logger. The session adds its own session_id attribute.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// WithMetrics overrides the metrics instance. Tests use this to avoid
// polluting [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithObserver registers the collaborator that receives state changes,
// verdicts, transcripts, audio and errors.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		s.observer = o
	}
}

// WithFinishDelay sets how long the session keeps running after a verdict
// before it tears down. The telephony path uses zero; the interactive path
// leaves time for the screener's closing words.
func WithFinishDelay(d time.Duration) Option {
	return func(s *Session) {
		s.finishDelay = d
	}
}

// WithQueueSize sets the depth of the caller-to-remote frame queue. Frames
// arriving while the queue is full are dropped. The default is 64.
func WithQueueSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID        string    `json:"id"`
	StreamID  string    `json:"stream_id,omitempty"`
	State     State     `json:"state"`
	Verdict   *Verdict  `json:"verdict,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Session bridges one transport to one remote speech session.
//
// Run drives the session; Close may be called from any goroutine at any time
// and releases everything exactly once.
type Session struct {
	id          string
	provider    s2s.Provider
	transport   Transport
	cfg         Config
	log         *slog.Logger
	metrics     *observe.Metrics
	observer    Observer
	finishDelay time.Duration
	queueSize   int
	createdAt   time.Time

	state atomic.Int32

	mu      sync.Mutex
	running bool
	closed  bool
	handle  s2s.SessionHandle
	cancel  context.CancelCauseFunc
	timer   *time.Timer
	verdict *Verdict

	closeOnce sync.Once
}

// New creates an idle session bridging transport to provider. Nothing is
// started until [Session.Run].
func New(provider s2s.Provider, transport Transport, cfg Config, opts ...Option) *Session {
	s := &Session{
		id:        uuid.NewString(),
		provider:  provider,
		transport: transport,
		cfg:       cfg,
		log:       slog.Default(),
		observer:  NopObserver{},
		queueSize: defaultQueueSize,
		createdAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.cfg.HandshakeTimeout <= 0 {
		s.cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	s.log = s.log.With("session_id", s.id)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// StreamID returns the transport's stream identifier, which may be empty
// until the transport's signalling completes.
func (s *Session) StreamID() string { return s.transport.StreamID() }

// Verdict returns the delivered verdict, if any.
func (s *Session) Verdict() (Verdict, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.verdict == nil {
		return Verdict{}, false
	}
	return *s.verdict, true
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	info := Info{
		ID:        s.id,
		StreamID:  s.transport.StreamID(),
		State:     s.State(),
		StartedAt: s.createdAt,
	}
	if v, ok := s.Verdict(); ok {
		info.Verdict = &v
	}
	return info
}

// Run connects the remote session and relays audio until the call ends. It
// blocks until the transport stops, the remote session ends, a verdict's
// teardown fires, Close is called or ctx is cancelled. The session is closed
// when Run returns.
//
// Orderly endings return nil. Setup failures wrap [ErrSetup]; mid-call
// failures wrap [ErrTransportClosed] or [ErrRemoteClosed]. Failures are also
// reported to the observer.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.running {
		s.mu.Unlock()
		return errors.New("bridge: session already running")
	}
	s.running = true
	ctx, cancel := context.WithCancelCause(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer s.Close()
	defer cancel(nil)

	ctx = observe.WithSessionID(ctx, s.id)
	ctx, span := observe.StartSpan(ctx, "bridge.session", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("provider", s.cfg.ProviderName),
	))
	defer span.End()

	transportAttr := metric.WithAttributes(observe.Attr("transport", s.cfg.TransportName))
	s.metrics.ActiveSessions.Add(ctx, 1, transportAttr)
	start := time.Now()
	defer func() {
		s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1, transportAttr)
		s.metrics.SessionDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds(), transportAttr)
	}()

	sendQ := make(chan audio.AudioFrame, s.queueSize)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pumpInbound(gctx, sendQ) })
	g.Go(func() error { return s.connect(gctx, g, sendQ) })

	err := g.Wait()
	if err == nil {
		err = context.Cause(ctx)
	}
	if endedNormally(err) {
		s.log.Info("bridge: session ended", "reason", err, "duration", time.Since(start).Round(time.Millisecond))
		return nil
	}

	s.log.Error("bridge: session failed", "err", err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.observer.OnError(s.id, err)
	return err
}

func endedNormally(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrSetup), errors.Is(err, ErrTransportClosed), errors.Is(err, ErrRemoteClosed):
		return false
	}
	return errors.Is(err, errFinished) ||
		errors.Is(err, errStopped) ||
		errors.Is(err, errTransportDone) ||
		errors.Is(err, errRemoteHangup) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Close tears the session down: it stops the pumps, cancels a pending
// verdict teardown and closes the remote session and the transport. Safe to
// call concurrently and more than once; only the first call does any work and
// returns the release errors.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		handle, cancel, timer := s.handle, s.cancel, s.timer
		s.handle = nil
		s.mu.Unlock()

		if cancel != nil {
			cancel(errStopped)
		}
		if timer != nil {
			timer.Stop()
		}

		var errs []error
		if handle != nil {
			if cerr := handle.Close(); cerr != nil {
				errs = append(errs, fmt.Errorf("bridge: close remote session: %w", cerr))
			}
		}
		if cerr := s.transport.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("bridge: close transport: %w", cerr))
		}
		s.setState(StateClosed)
		err = errors.Join(errs...)
	})
	return err
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// setState moves the session forward to next. Transitions to an earlier or
// equal state are refused.
func (s *Session) setState(next State) bool {
	for {
		cur := s.state.Load()
		if State(cur) >= next {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			break
		}
	}
	s.stateChanged(next)
	return true
}

func (s *Session) stateChanged(next State) {
	s.log.Debug("bridge: state changed", "state", next)
	s.observer.OnStateChange(s.id, next)
}

// connect performs the remote handshake. On success it starts the two pumps
// that depend on the remote handle and moves the session to Active.
func (s *Session) connect(ctx context.Context, g *errgroup.Group, sendQ <-chan audio.AudioFrame) error {
	s.setState(StateConnectingRemote)

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	start := time.Now()
	handle, err := s.provider.Connect(hctx, s2s.SessionConfig{
		Instructions:    s.cfg.Instructions,
		Voice:           s.cfg.Voice,
		Tools:           []s2s.ToolDefinition{ToolDefinition(s.cfg.RequireConfidence)},
		InputSampleRate: s.transport.Codec().InputRate(),
	})
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.metrics.RecordHandshake(ctx, s.cfg.ProviderName, "error", elapsed.Seconds())
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}

	s.mu.Lock()
	if s.closed || ctx.Err() != nil {
		s.mu.Unlock()
		_ = handle.Close()
		return nil
	}
	s.handle = handle
	s.mu.Unlock()

	s.metrics.RecordHandshake(ctx, s.cfg.ProviderName, "ok", elapsed.Seconds())
	s.log.Info("bridge: remote session established",
		"provider", s.cfg.ProviderName,
		"handshake", elapsed.Round(time.Millisecond),
		"input_rate", s.transport.Codec().InputRate(),
	)

	g.Go(func() error { return s.pumpToRemote(ctx, handle, sendQ) })
	g.Go(func() error { return s.pumpOutbound(ctx, handle) })
	s.setState(StateActive)

	if s.cfg.Greeting != "" {
		if err := handle.InjectTextContext([]s2s.ContextItem{{Role: "user", Content: s.cfg.Greeting}}); err != nil {
			s.log.Warn("bridge: failed to inject greeting", "err", err)
		}
	}
	return nil
}

// ── Pumps ─────────────────────────────────────────────────────────────────────

// pumpInbound converts transport payloads and queues them for the remote
// session. It never blocks on the remote side: frames are dropped while the
// session is not Active or the queue is full.
func (s *Session) pumpInbound(ctx context.Context, sendQ chan<- audio.AudioFrame) error {
	codec := s.transport.Codec()
	frames := s.transport.Frames()
	var elapsed time.Duration
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-frames:
			if !ok {
				if err := s.transport.Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrTransportClosed, err)
				}
				return errTransportDone
			}
			frame := codec.ToRemote(payload)
			if len(frame.Data) == 0 {
				continue
			}
			frame.Timestamp = elapsed
			elapsed += frame.Duration()
			s.observer.OnAudio(s.id, Inbound, frame)

			if s.State() != StateActive {
				s.metrics.RecordFrameDropped(ctx, observe.DirectionInbound, observe.DropNotActive)
				continue
			}
			select {
			case sendQ <- frame:
			default:
				s.metrics.RecordFrameDropped(ctx, observe.DirectionInbound, observe.DropQueueFull)
			}
		}
	}
}

// pumpToRemote drains the inbound queue into the remote session in order.
func (s *Session) pumpToRemote(ctx context.Context, handle s2s.SessionHandle, sendQ <-chan audio.AudioFrame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-sendQ:
			if err := handle.SendAudio(frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: send audio: %w", ErrRemoteClosed, err)
			}
			s.metrics.RecordFrameForwarded(ctx, observe.DirectionInbound)
		}
	}
}

// pumpOutbound consumes remote events in order: audio goes to the
// transport, tool calls to the verdict protocol.
func (s *Session) pumpOutbound(ctx context.Context, handle s2s.SessionHandle) error {
	codec := s.transport.Codec()
	clearer, _ := s.transport.(Clearer)
	events := handle.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if err := handle.Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrRemoteClosed, err)
				}
				return errRemoteHangup
			}
			switch {
			case ev.Audio != nil:
				if err := s.forwardAudio(ctx, codec, *ev.Audio); err != nil {
					return err
				}
			case ev.ToolCall != nil:
				s.handleToolCall(ctx, handle, *ev.ToolCall)
			case ev.Interrupted:
				if clearer != nil {
					if err := clearer.Clear(); err != nil {
						s.log.Warn("bridge: failed to clear playback", "err", err)
					}
				}
			case ev.Transcript != nil:
				s.observer.OnTranscript(s.id, *ev.Transcript)
			case ev.Err != nil:
				s.log.Warn("bridge: remote session error", "err", ev.Err)
				s.metrics.RecordProviderError(ctx, s.cfg.ProviderName, "session")
			}
		}
	}
}

func (s *Session) forwardAudio(ctx context.Context, codec audio.Codec, frame audio.AudioFrame) error {
	payload := codec.FromRemote(frame)
	if len(payload) == 0 {
		return nil
	}
	if err := s.transport.Send(payload); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: send: %w", ErrTransportClosed, err)
	}
	s.metrics.RecordFrameForwarded(ctx, observe.DirectionOutbound)
	s.observer.OnAudio(s.id, Outbound, frame)
	return nil
}

// ── Verdict protocol ──────────────────────────────────────────────────────────

// handleToolCall runs on the outbound pump, so calls are handled one at a
// time in the order the model issued them.
func (s *Session) handleToolCall(ctx context.Context, handle s2s.SessionHandle, call s2s.ToolCall) {
	log := s.log.With("tool", call.Name, "call_id", call.ID)

	if call.Name != ToolName {
		log.Warn("bridge: unknown tool call")
		s.metrics.RecordProtocolError(ctx, "unknown_tool")
		s.respond(handle, call, map[string]any{"error": fmt.Sprintf("unknown function %q", call.Name)})
		return
	}
	if st := s.State(); st != StateActive {
		log.Warn("bridge: ignoring verdict", "state", st)
		return
	}

	v, err := ParseVerdict(call.Args)
	if err == nil && s.cfg.RequireConfidence && v.Confidence == nil {
		err = fmt.Errorf("%w: confidence is required", ErrInvalidVerdict)
	}
	if err != nil {
		log.Warn("bridge: malformed verdict", "err", err, "args", string(call.Args))
		s.metrics.RecordProtocolError(ctx, "verdict_args")
		s.respond(handle, call, map[string]any{"error": err.Error()})
		return
	}

	if !s.state.CompareAndSwap(int32(StateActive), int32(StateFinished)) {
		log.Warn("bridge: ignoring verdict", "state", s.State())
		return
	}
	s.mu.Lock()
	s.verdict = &v
	s.mu.Unlock()
	s.stateChanged(StateFinished)

	attrs := []any{"verdict", v.Verdict, "reason", v.Reason}
	if v.Confidence != nil {
		attrs = append(attrs, "confidence", *v.Confidence)
	}
	log.Info("bridge: verdict delivered", attrs...)
	s.metrics.RecordVerdict(ctx, string(v.Verdict))
	s.observer.OnVerdict(s.id, v)
	s.respond(handle, call, map[string]any{"status": "recorded"})
	s.scheduleFinish()
}

func (s *Session) respond(handle s2s.SessionHandle, call s2s.ToolCall, result map[string]any) {
	if err := handle.SendToolResponse(s2s.ToolResponse{ID: call.ID, Name: call.Name, Result: result}); err != nil {
		s.log.Warn("bridge: failed to send tool response", "call_id", call.ID, "err", err)
	}
}

func (s *Session) scheduleFinish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.cancel == nil {
		return
	}
	cancel := s.cancel
	s.timer = time.AfterFunc(s.finishDelay, func() { cancel(errFinished) })
}
