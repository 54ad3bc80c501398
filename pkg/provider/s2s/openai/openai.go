// Package openai connects screening sessions to the OpenAI Realtime API.
//
// The Realtime API speaks typed JSON events over one WebSocket. A session is
// configured with session.update and is usable once the server answers with
// session.updated. Audio travels both ways as base64 PCM16 at 24 kHz, so
// caller audio at any other rate is resampled before it is appended to the
// input buffer.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/callscreen/pkg/audio"
	"github.com/MrWong99/callscreen/pkg/provider/s2s"
)

var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*session)(nil)
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// pcmRate is the only PCM16 rate the Realtime API accepts and emits.
	pcmRate = 24000

	transcriptionModel = "whisper-1"
	maxMessageSize     = 4 << 20
	eventBuffer        = 64
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the Realtime model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL replaces the Realtime endpoint, e.g. with an Azure deployment
// or a test server.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// Provider opens Realtime sessions. It is safe for concurrent use.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New returns a Provider authenticating with apiKey as a bearer token.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: defaultModel, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities implements [s2s.Provider].
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		OutputSampleRate:     pcmRate,
		MaxSessionDurationMs: 30 * 60 * 1000,
		Voices:               []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

func (p *Provider) dialOptions() *websocket.DialOptions {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+p.apiKey)
	h.Set("OpenAI-Beta", "realtime=v1")
	return &websocket.DialOptions{HTTPHeader: h}
}

// Connect dials the Realtime endpoint, sends session.update and returns once
// the server answers with session.updated. An error event or ctx expiring
// first aborts the handshake.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	endpoint := p.baseURL + "?" + url.Values{"model": {p.model}}.Encode()
	conn, _, err := websocket.Dial(ctx, endpoint, p.dialOptions())
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		ctx:    sctx,
		cancel: cancel,
	}

	if err := wsjson.Write(ctx, conn, newSessionUpdate(cfg)); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}
	if err := s.awaitUpdated(ctx); err != nil {
		cancel()
		conn.Close(websocket.StatusPolicyViolation, "session update rejected")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go s.readLoop()
	return s, nil
}

// ── Wire format ───────────────────────────────────────────────────────────────

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities              []string       `json:"modalities,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Tools                   []function     `json:"tools,omitempty"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *modelRef      `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection `json:"turn_detection,omitempty"`
}

type modelRef struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type function struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type bufferAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type itemCreate struct {
	Type string `json:"type"`
	Item item   `json:"item"`
}

type item struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []itemContent `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// responseCreate asks the model to answer the items added so far.
var responseCreate = struct {
	Type string `json:"type"`
}{Type: "response.create"}

// serverEvent is the union of the server events the session reacts to.
// Delta carries audio or transcript text depending on Type.
type serverEvent struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Name       string       `json:"name,omitempty"`
	Arguments  string       `json:"arguments,omitempty"`
	CallID     string       `json:"call_id,omitempty"`
	Error      *serverError `json:"error,omitempty"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return e.Code + ": " + msg
	}
	return msg
}

// eventError returns the error carried by an "error" event, tolerating a
// missing error object.
func eventError(evt *serverEvent) error {
	if evt.Error == nil {
		return fmt.Errorf("openai: %w", &serverError{})
	}
	return fmt.Errorf("openai: %w", evt.Error)
}

func newSessionUpdate(cfg s2s.SessionConfig) sessionUpdate {
	sc := sessionConfig{
		Modalities:              []string{"audio", "text"},
		Voice:                   cfg.Voice,
		Instructions:            cfg.Instructions,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &modelRef{Model: transcriptionModel},
		TurnDetection:           &turnDetection{Type: "server_vad"},
	}
	for _, t := range cfg.Tools {
		sc.Tools = append(sc.Tools, function{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	if len(sc.Tools) > 0 {
		sc.ToolChoice = "auto"
	}
	return sessionUpdate{Type: "session.update", Session: sc}
}

// messageItem converts a context item. Roles other than assistant and system
// are sent as user; assistant text uses the output content type.
func messageItem(ci s2s.ContextItem) itemCreate {
	role, kind := "user", "input_text"
	switch ci.Role {
	case "assistant":
		role, kind = "assistant", "text"
	case "system":
		role = "system"
	}
	return itemCreate{
		Type: "conversation.item.create",
		Item: item{Type: "message", Role: role, Content: []itemContent{{Type: kind, Text: ci.Content}}},
	}
}

// ── Session ───────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	err    error

	// Read loop state.
	transcript string
	played     time.Duration
}

// awaitUpdated reads until session.updated. session.created and anything
// else sent first is skipped.
func (s *session) awaitUpdated(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return fmt.Errorf("waiting for session.updated: %w", err)
		}
		var evt serverEvent
		if json.Unmarshal(data, &evt) != nil {
			continue
		}
		switch evt.Type {
		case "session.updated":
			return nil
		case "error":
			return eventError(&evt)
		}
	}
}

// readLoop translates server events until the connection ends and then
// closes the events channel.
func (s *session) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.readFailed(err)
			return
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			if !s.emit(s2s.Event{Err: fmt.Errorf("openai: malformed server event: %w", err)}) {
				return
			}
			continue
		}
		if ev, ok := s.translate(&evt); ok && !s.emit(ev) {
			return
		}
	}
}

func (s *session) readFailed(err error) {
	if s.ctx.Err() != nil {
		return
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("openai: read: %w", err)
	}
	s.mu.Unlock()
}

// translate maps one server event to a session event. Screener transcript
// deltas are buffered until their done event; unknown types yield nothing.
func (s *session) translate(evt *serverEvent) (s2s.Event, bool) {
	switch evt.Type {
	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			return s2s.Event{Err: fmt.Errorf("openai: audio delta: %w", err)}, true
		}
		if len(pcm) == 0 {
			return s2s.Event{}, false
		}
		frame := audio.AudioFrame{Data: pcm, SampleRate: pcmRate, Channels: 1, Timestamp: s.played}
		s.played += frame.Duration()
		return s2s.Event{Audio: &frame}, true

	case "input_audio_buffer.speech_started":
		return s2s.Event{Interrupted: true}, true

	case "response.audio_transcript.delta":
		s.transcript += evt.Delta
		return s2s.Event{}, false

	case "response.audio_transcript.done":
		text := s.transcript
		s.transcript = ""
		if text == "" {
			return s2s.Event{}, false
		}
		return s2s.Event{Transcript: &s2s.Transcript{Speaker: s2s.SpeakerScreener, Text: text}}, true

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return s2s.Event{}, false
		}
		return s2s.Event{Transcript: &s2s.Transcript{Speaker: s2s.SpeakerCaller, Text: evt.Transcript}}, true

	case "response.function_call_arguments.done":
		args := json.RawMessage(evt.Arguments)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		return s2s.Event{ToolCall: &s2s.ToolCall{ID: evt.CallID, Name: evt.Name, Args: args}}, true

	case "error":
		return s2s.Event{Err: eventError(evt)}, true
	}
	return s2s.Event{}, false
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// send writes msgs in order. It fails with [s2s.ErrSessionClosed] after
// Close.
func (s *session) send(msgs ...any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return s2s.ErrSessionClosed
	}
	for _, m := range msgs {
		if err := wsjson.Write(s.ctx, s.conn, m); err != nil {
			if errors.Is(err, context.Canceled) {
				return s2s.ErrSessionClosed
			}
			return fmt.Errorf("openai: write: %w", err)
		}
	}
	return nil
}

// SendAudio implements [s2s.SessionHandle].
func (s *session) SendAudio(frame audio.AudioFrame) error {
	pcm := frame.Data
	if frame.SampleRate > 0 && frame.SampleRate != pcmRate {
		pcm = audio.ResampleMono16(pcm, frame.SampleRate, pcmRate)
	}
	return s.send(bufferAppend{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(pcm)})
}

// SendToolResponse implements [s2s.SessionHandle]. The result goes back as a
// function_call_output item followed by response.create.
func (s *session) SendToolResponse(resp s2s.ToolResponse) error {
	result := resp.Result
	if result == nil {
		result = map[string]any{}
	}
	output, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("openai: tool result: %w", err)
	}
	out := itemCreate{
		Type: "conversation.item.create",
		Item: item{Type: "function_call_output", CallID: resp.ID, Output: string(output)},
	}
	return s.send(out, responseCreate)
}

// InjectTextContext implements [s2s.SessionHandle].
func (s *session) InjectTextContext(items []s2s.ContextItem) error {
	if len(items) == 0 {
		return s.send()
	}
	msgs := make([]any, 0, len(items)+1)
	for _, ci := range items {
		msgs = append(msgs, messageItem(ci))
	}
	return s.send(append(msgs, responseCreate)...)
}

// Events implements [s2s.SessionHandle].
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err implements [s2s.SessionHandle].
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [s2s.SessionHandle].
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
