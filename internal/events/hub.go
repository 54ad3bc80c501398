// Package events fans bridge session notifications out to dashboard clients.
//
// [Hub] implements [bridge.Observer]. Every notification becomes an [Event]
// that is offered to each subscriber without blocking: a subscriber whose
// buffer is full misses the event. Audio frames are reduced to level events
// (RMS in dBFS), throttled per session and direction, and only while the
// session is live.
//
// Hub also serves the subscription over a WebSocket as a stream of JSON
// objects.
package events

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/callscreen/internal/bridge"
	"github.com/MrWong99/callscreen/internal/observe"
	"github.com/MrWong99/callscreen/pkg/audio"
	"github.com/MrWong99/callscreen/pkg/provider/s2s"
)

const (
	defaultBuffer        = 256
	defaultLevelInterval = 100 * time.Millisecond
	writeTimeout         = 5 * time.Second
)

// Event types.
const (
	TypeSnapshot   = "snapshot"
	TypeState      = "state"
	TypeVerdict    = "verdict"
	TypeTranscript = "transcript"
	TypeLevel      = "level"
	TypeError      = "error"
)

// Event is one notification sent to subscribers.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Time      time.Time `json:"time"`

	State      *bridge.State   `json:"state,omitempty"`
	Verdict    *bridge.Verdict `json:"verdict,omitempty"`
	Transcript *Transcript     `json:"transcript,omitempty"`
	Level      *Level          `json:"level,omitempty"`
	Error      string          `json:"error,omitempty"`
	Sessions   []bridge.Info   `json:"sessions,omitempty"`
}

// Transcript is a line of recognised or generated speech.
type Transcript struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Level is the loudness of one audio frame.
type Level struct {
	Direction bridge.Direction `json:"direction"`
	DBFS      float64          `json:"dbfs"`
}

// Option is a functional option for configuring a [Hub].
type Option func(*Hub)

// WithBuffer sets the per-subscriber buffer size. The default is 256.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithLevelInterval sets the minimum time between level events for one
// session and direction. Zero sends a level event for every frame.
func WithLevelInterval(d time.Duration) Option {
	return func(h *Hub) {
		h.levelInterval = d
	}
}

// WithSnapshot registers a function whose result is sent to every new
// WebSocket subscriber before live events.
func WithSnapshot(fn func() []bridge.Info) Option {
	return func(h *Hub) {
		h.snapshot = fn
	}
}

// WithMetrics overrides the metrics instance used to count subscribers.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithOriginPatterns allows cross-origin WebSocket subscribers from hosts
// matching the patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) {
		h.origins = patterns
	}
}

type levelKey struct {
	session string
	dir     bridge.Direction
}

// Hub is a [bridge.Observer] that broadcasts to subscribers. It is safe for
// concurrent use.
type Hub struct {
	buffer        int
	levelInterval time.Duration
	snapshot      func() []bridge.Info
	metrics       *observe.Metrics
	origins       []string
	now           func() time.Time

	mu        sync.Mutex
	subs      map[chan Event]struct{}
	live      map[string]struct{}
	lastLevel map[levelKey]time.Time
}

var _ bridge.Observer = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		buffer:        defaultBuffer,
		levelInterval: defaultLevelInterval,
		now:           time.Now,
		subs:          make(map[chan Event]struct{}),
		live:          make(map[string]struct{}),
		lastLevel:     make(map[levelKey]time.Time),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Subscribe registers a subscriber. The returned cancel function removes it
// and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	h.metrics.EventSubscribers.Add(context.Background(), 1)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			h.mu.Unlock()
			h.metrics.EventSubscribers.Add(context.Background(), -1)
		})
	}
}

// Subscribers returns the number of current subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish offers ev to every subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = h.now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ── bridge.Observer ───────────────────────────────────────────────────────────

// OnStateChange implements [bridge.Observer].
// Level events are only produced between a session's first state change and
// its close.
func (h *Hub) OnStateChange(sessionID string, state bridge.State) {
	h.mu.Lock()
	if state == bridge.StateClosed {
		delete(h.live, sessionID)
		delete(h.lastLevel, levelKey{sessionID, bridge.Inbound})
		delete(h.lastLevel, levelKey{sessionID, bridge.Outbound})
	} else {
		h.live[sessionID] = struct{}{}
	}
	h.mu.Unlock()
	h.Publish(Event{Type: TypeState, SessionID: sessionID, State: &state})
}

// OnVerdict implements [bridge.Observer].
func (h *Hub) OnVerdict(sessionID string, v bridge.Verdict) {
	h.Publish(Event{Type: TypeVerdict, SessionID: sessionID, Verdict: &v})
}

// OnTranscript implements [bridge.Observer].
func (h *Hub) OnTranscript(sessionID string, t s2s.Transcript) {
	h.Publish(Event{Type: TypeTranscript, SessionID: sessionID, Transcript: &Transcript{
		Speaker: string(t.Speaker),
		Text:    t.Text,
	}})
}

// OnAudio implements [bridge.Observer].
func (h *Hub) OnAudio(sessionID string, dir bridge.Direction, frame audio.AudioFrame) {
	now := h.now()
	key := levelKey{sessionID, dir}
	h.mu.Lock()
	if _, ok := h.live[sessionID]; !ok {
		h.mu.Unlock()
		return
	}
	if last, ok := h.lastLevel[key]; ok && now.Sub(last) < h.levelInterval {
		h.mu.Unlock()
		return
	}
	h.lastLevel[key] = now
	h.mu.Unlock()

	h.Publish(Event{Type: TypeLevel, SessionID: sessionID, Time: now, Level: &Level{
		Direction: dir,
		DBFS:      audio.LevelDBFS(frame.Data),
	}})
}

// OnError implements [bridge.Observer].
func (h *Hub) OnError(sessionID string, err error) {
	h.Publish(Event{Type: TypeError, SessionID: sessionID, Error: err.Error()})
}

// ── WebSocket ─────────────────────────────────────────────────────────────────

// ServeHTTP streams events to a WebSocket client until it disconnects.
// Messages from the client are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.Warn("events: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	events, cancel := h.Subscribe()
	defer cancel()

	if h.snapshot != nil {
		if err := h.write(ctx, conn, Event{Type: TypeSnapshot, Time: h.now(), Sessions: h.snapshot()}); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-events:
			if err := h.write(ctx, conn, ev); err != nil {
				slog.Debug("events: subscriber gone", "err", err)
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
