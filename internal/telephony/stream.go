// Package telephony adapts a Twilio Media Streams WebSocket to the bridge's
// transport interface and serves the TwiML webhook that points a call at it.
//
// A [Stream] reads the JSON envelopes Twilio sends (connected, start, media,
// mark, stop), hands the base64-decoded μ-law payloads to the bridge in
// arrival order, and writes the bridge's μ-law replies back as media
// envelopes tagged with the stream SID. Malformed envelopes are dropped and
// counted; they never end the call.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callscreen/internal/bridge"
	"github.com/MrWong99/callscreen/internal/observe"
	"github.com/MrWong99/callscreen/pkg/audio"
)

const (
	// frameBuffer is the depth of the inbound payload channel. Twilio sends
	// 20 ms chunks, so this is a little over a second of audio.
	frameBuffer = 64

	// writeTimeout bounds a single outbound envelope write.
	writeTimeout = 5 * time.Second

	// closeTimeout bounds the close handshake with Twilio.
	closeTimeout = 500 * time.Millisecond

	// readLimit caps a single inbound envelope. Media envelopes are well
	// under 1 KiB; start envelopes carry custom parameters.
	readLimit = 64 << 10

	// mulawEncoding is the only media format Twilio streams use.
	mulawEncoding = "audio/x-mulaw"
)

// Compile-time interface assertions.
var (
	_ bridge.Transport = (*Stream)(nil)
	_ bridge.Clearer   = (*Stream)(nil)
)

// ── Wire format ───────────────────────────────────────────────────────────────

// inboundMessage is any envelope Twilio sends over the media socket.
type inboundMessage struct {
	Event          string        `json:"event"`
	StreamSID      string        `json:"streamSid,omitempty"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	Start          *startPayload `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Mark           *markPayload  `json:"mark,omitempty"`
	Stop           *stopPayload  `json:"stop,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
}

type startPayload struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      mediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

type stopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// outboundMessage is an envelope written back to Twilio.
type outboundMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid"`
	Media     *mediaPayload `json:"media,omitempty"`
}

// ── Stream ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a [Stream].
type Option func(*Stream)

// WithLogger sets the logger used by the stream.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) {
		s.log = l
	}
}

// WithMetrics overrides the metrics instance used to count malformed
// envelopes and dropped frames.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Stream) {
		s.metrics = m
	}
}

// Stream is one Twilio media stream. It implements [bridge.Transport] and
// [bridge.Clearer].
//
// All methods are safe for concurrent use.
type Stream struct {
	conn    *websocket.Conn
	log     *slog.Logger
	metrics *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	frames  chan []byte
	started chan struct{}
	done    chan struct{}

	mu        sync.Mutex
	streamSID string
	callSID   string
	err       error

	startOnce sync.Once
	closeOnce sync.Once
}

// NewStream wraps an accepted media socket and starts reading from it. The
// stream lives until Twilio sends stop, the socket fails, ctx is cancelled
// or Close is called.
func NewStream(ctx context.Context, conn *websocket.Conn, opts ...Option) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		conn:    conn,
		log:     slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
		frames:  make(chan []byte, frameBuffer),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	conn.SetReadLimit(readLimit)
	go s.readLoop()
	return s
}

// Codec implements [bridge.Transport]. Twilio streams are 8 kHz μ-law.
func (s *Stream) Codec() audio.Codec { return audio.TelephonyCodec{} }

// Frames implements [bridge.Transport].
func (s *Stream) Frames() <-chan []byte { return s.frames }

// StreamID implements [bridge.Transport]. It is empty until the start
// envelope arrives.
func (s *Stream) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

// CallSID returns the Twilio call SID from the start envelope.
func (s *Stream) CallSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callSID
}

// Started is closed once the start envelope has been received.
func (s *Stream) Started() <-chan struct{} { return s.started }

// Err implements [bridge.Transport].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send implements [bridge.Transport]. It writes one μ-law payload as a media
// envelope. Payloads sent before the start envelope have nowhere to go and
// are dropped.
func (s *Stream) Send(payload []byte) error {
	sid := s.StreamID()
	if sid == "" {
		s.metrics.RecordFrameDropped(s.ctx, observe.DirectionOutbound, observe.DropNotActive)
		return nil
	}
	return s.write(outboundMessage{
		Event:     "media",
		StreamSID: sid,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(payload)},
	})
}

// Clear implements [bridge.Clearer]. It asks Twilio to discard audio that
// was sent but not yet played.
func (s *Stream) Clear() error {
	sid := s.StreamID()
	if sid == "" {
		return nil
	}
	return s.write(outboundMessage{Event: "clear", StreamSID: sid})
}

// Close ends the stream and closes the socket, which hangs up the call's
// media leg. A peer that does not answer the close frame within
// closeTimeout is cut off. Safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		handshake := make(chan struct{})
		go func() {
			defer close(handshake)
			s.conn.Close(websocket.StatusNormalClosure, "call ended")
		}()
		t := time.NewTimer(closeTimeout)
		select {
		case <-handshake:
			t.Stop()
		case <-t.C:
			s.conn.CloseNow()
		}
		s.cancel()
	})
	<-s.done
	return nil
}

// write sends one envelope. Writes after the stream ended are discarded;
// the reason the stream ended is reported through Err.
func (s *Stream) write(msg outboundMessage) error {
	if s.ctx.Err() != nil {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("telephony: marshal %s: %w", msg.Event, err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		if s.ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("telephony: write %s: %w", msg.Event, err)
	}
	return nil
}

// readLoop is the only writer of frames and closes it on exit.
func (s *Stream) readLoop() {
	defer close(s.done)
	defer close(s.frames)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.malformed("invalid JSON", err)
			continue
		}

		switch msg.Event {
		case "connected":
			s.log.Debug("telephony: media socket connected", "protocol", msg.Protocol)
		case "start":
			s.handleStart(msg)
		case "media":
			payload, ok := s.decodeMedia(msg)
			if !ok {
				continue
			}
			select {
			case s.frames <- payload:
			case <-s.ctx.Done():
				s.finish(s.ctx.Err())
				return
			}
		case "mark":
			if msg.Mark != nil {
				s.log.Debug("telephony: mark played", "name", msg.Mark.Name)
			}
		case "stop":
			s.log.Info("telephony: stream stopped", "stream_sid", s.StreamID())
			s.cancel()
			return
		default:
			s.malformed("unknown event "+msg.Event, nil)
		}
	}
}

func (s *Stream) handleStart(msg inboundMessage) {
	sid := msg.StreamSID
	var callSID string
	if msg.Start != nil {
		if sid == "" {
			sid = msg.Start.StreamSID
		}
		callSID = msg.Start.CallSID
		if enc := msg.Start.MediaFormat.Encoding; enc != "" && enc != mulawEncoding {
			s.log.Warn("telephony: unexpected media encoding", "encoding", enc)
		}
	}
	if sid == "" {
		s.malformed("start without streamSid", nil)
		return
	}

	s.mu.Lock()
	s.streamSID = sid
	s.callSID = callSID
	s.mu.Unlock()
	s.startOnce.Do(func() { close(s.started) })
	s.log.Info("telephony: stream started", "stream_sid", sid, "call_sid", callSID)
}

func (s *Stream) decodeMedia(msg inboundMessage) ([]byte, bool) {
	if msg.Media == nil {
		s.malformed("media without payload", nil)
		return nil, false
	}
	if msg.Media.Track != "" && msg.Media.Track != "inbound" {
		return nil, false
	}
	payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		s.malformed("invalid base64 payload", err)
		return nil, false
	}
	if len(payload) == 0 {
		return nil, false
	}
	return payload, true
}

func (s *Stream) malformed(reason string, err error) {
	s.log.Warn("telephony: dropping malformed envelope", "reason", reason, "err", err)
	s.metrics.RecordProtocolError(s.ctx, "envelope")
	s.metrics.RecordFrameDropped(s.ctx, observe.DirectionInbound, observe.DropMalformed)
}

// finish records why the socket stopped. Orderly closes leave Err nil.
func (s *Stream) finish(err error) {
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
		return
	case errors.Is(err, context.Canceled), s.ctx.Err() != nil:
		return
	}
	s.mu.Lock()
	s.err = fmt.Errorf("telephony: read: %w", err)
	s.mu.Unlock()
}
