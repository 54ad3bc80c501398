// Package gemini connects screening sessions to Google's Gemini Live API.
//
// A session is one BidiGenerateContent WebSocket. The client sends a setup
// message, waits for setupComplete, then streams caller audio as base64 PCM
// realtimeInput chunks. Model audio, transcriptions, function calls and
// barge-in notices come back as serverContent and toolCall messages and are
// surfaced, in order, as [s2s.Event] values.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
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
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	bidiPath       = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	// Gemini Live always answers with 24 kHz PCM.
	outputSampleRate = 24000

	// Model audio chunks can exceed the library's 32 KiB default.
	maxMessageSize = 4 << 20

	pingInterval = 20 * time.Second
	pingTimeout  = 5 * time.Second

	eventBuffer = 64
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the Live model, without the "models/" prefix.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL points the provider at another WebSocket endpoint, such as a
// regional proxy or a test server.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimSuffix(u, "/") }
}

// Provider opens Gemini Live sessions. It holds no per-session state and is
// safe for concurrent use.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New returns a Provider authenticating with apiKey.
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
		OutputSampleRate:     outputSampleRate,
		MaxSessionDurationMs: 15 * 60 * 1000,
		Voices:               []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

func (p *Provider) endpoint() string {
	return p.baseURL + bidiPath + "?" + url.Values{"key": {p.apiKey}}.Encode()
}

// Connect dials the Live endpoint, sends the setup message and returns once
// the server confirms it with setupComplete. A server error or ctx expiring
// first aborts the handshake.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	conn, _, err := websocket.Dial(ctx, p.endpoint(), nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:      conn,
		inputRate: cmpRate(cfg.InputSampleRate, audio.RemoteInputRate),
		events:    make(chan s2s.Event, eventBuffer),
		ctx:       sctx,
		cancel:    cancel,
	}

	if err := wsjson.Write(ctx, conn, newSetup(p.model, cfg)); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: send setup: %w", err)
	}
	if err := s.awaitSetup(ctx); err != nil {
		cancel()
		conn.Close(websocket.StatusPolicyViolation, "setup rejected")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

func cmpRate(rate, fallback int) int {
	if rate > 0 {
		return rate
	}
	return fallback
}

// ── Wire format ───────────────────────────────────────────────────────────────

type setupMessage struct {
	Setup setup `json:"setup"`
}

type setup struct {
	Model             string    `json:"model"`
	GenerationConfig  genConfig `json:"generationConfig"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
	Tools             []tools   `json:"tools,omitempty"`

	// Empty objects switch transcription of either side on.
	InputAudioTranscription  *struct{} `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{} `json:"outputAudioTranscription,omitempty"`
}

type genConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type tools struct {
	FunctionDeclarations []s2sFunction `json:"functionDeclarations"`
}

type s2sFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// content is a conversation turn; the role is omitted for system
// instructions.
type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

// blob is base64 media with its MIME type, used both for caller audio chunks
// and for model audio parts.
type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInputMessage struct {
	RealtimeInput struct {
		MediaChunks []blob `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

type clientContentMessage struct {
	ClientContent struct {
		Turns        []content `json:"turns"`
		TurnComplete bool      `json:"turnComplete"`
	} `json:"clientContent"`
}

type toolResponseMessage struct {
	ToolResponse struct {
		FunctionResponses []functionResponse `json:"functionResponses"`
	} `json:"toolResponse"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *struct {
		ModelTurn           *content `json:"modelTurn,omitempty"`
		Interrupted         bool     `json:"interrupted,omitempty"`
		InputTranscription  *text    `json:"inputTranscription,omitempty"`
		OutputTranscription *text    `json:"outputTranscription,omitempty"`
	} `json:"serverContent,omitempty"`
	ToolCall *struct {
		FunctionCalls []struct {
			ID   string          `json:"id"`
			Name string          `json:"name"`
			Args json.RawMessage `json:"args"`
		} `json:"functionCalls"`
	} `json:"toolCall,omitempty"`
	Error *serverError `json:"error,omitempty"`
}

type text struct {
	Text string `json:"text"`
}

type serverError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *serverError) Error() string {
	msg := cmpString(e.Message, "unknown error")
	if e.Status != "" {
		return fmt.Sprintf("server error %d %s: %s", e.Code, e.Status, msg)
	}
	return fmt.Sprintf("server error %d: %s", e.Code, msg)
}

func cmpString(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

// newSetup builds the first message of a session.
func newSetup(model string, cfg s2s.SessionConfig) setupMessage {
	st := setup{
		Model:                    "models/" + model,
		GenerationConfig:         genConfig{ResponseModalities: []string{"audio"}},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	if cfg.Instructions != "" {
		st.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		sc := &speechConfig{}
		sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName = cfg.Voice
		st.GenerationConfig.SpeechConfig = sc
	}
	if len(cfg.Tools) > 0 {
		fns := make([]s2sFunction, 0, len(cfg.Tools))
		for _, t := range cfg.Tools {
			fns = append(fns, s2sFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		st.Tools = []tools{{FunctionDeclarations: fns}}
	}
	return setupMessage{Setup: st}
}

// ── Session ───────────────────────────────────────────────────────────────────

type session struct {
	conn      *websocket.Conn
	inputRate int
	events    chan s2s.Event

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	err    error

	// played is the stream position of the next model audio chunk. Only the
	// read loop touches it.
	played time.Duration
}

// awaitSetup reads until setupComplete or a server error. Other messages
// sent before the acknowledgement are skipped.
func (s *session) awaitSetup(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return fmt.Errorf("waiting for setupComplete: %w", err)
		}
		var msg serverMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		switch {
		case msg.Error != nil:
			return msg.Error
		case msg.SetupComplete != nil:
			return nil
		}
	}
}

// readLoop turns server messages into events until the connection ends. It
// owns the events channel and closes it on return.
func (s *session) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.readFailed(err)
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if !s.emit(s2s.Event{Err: fmt.Errorf("gemini: malformed server message: %w", err)}) {
				return
			}
			continue
		}
		for _, ev := range s.decode(&msg) {
			if !s.emit(ev) {
				return
			}
		}
	}
}

// readFailed records why the connection ended unless it was closed locally
// or by an orderly close from the server.
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
		s.err = fmt.Errorf("gemini: read: %w", err)
	}
	s.mu.Unlock()
}

// decode maps one server message to events in protocol order: errors,
// barge-in, audio, transcripts, then function calls.
func (s *session) decode(msg *serverMessage) []s2s.Event {
	var evs []s2s.Event
	if msg.Error != nil {
		evs = append(evs, s2s.Event{Err: fmt.Errorf("gemini: %w", msg.Error)})
	}
	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			evs = append(evs, s2s.Event{Interrupted: true})
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if ev, ok := s.audioEvent(p.InlineData); ok {
					evs = append(evs, ev)
				}
			}
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			evs = append(evs, s2s.Event{Transcript: &s2s.Transcript{Speaker: s2s.SpeakerCaller, Text: sc.InputTranscription.Text}})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			evs = append(evs, s2s.Event{Transcript: &s2s.Transcript{Speaker: s2s.SpeakerScreener, Text: sc.OutputTranscription.Text}})
		}
	}
	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			args := fc.Args
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			evs = append(evs, s2s.Event{ToolCall: &s2s.ToolCall{ID: fc.ID, Name: fc.Name, Args: args}})
		}
	}
	return evs
}

func (s *session) audioEvent(b *blob) (s2s.Event, bool) {
	if b == nil {
		return s2s.Event{}, false
	}
	pcm, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return s2s.Event{Err: fmt.Errorf("gemini: audio payload: %w", err)}, true
	}
	if len(pcm) == 0 {
		return s2s.Event{}, false
	}
	frame := audio.AudioFrame{Data: pcm, SampleRate: outputSampleRate, Channels: 1, Timestamp: s.played}
	s.played += frame.Duration()
	return s2s.Event{Audio: &frame}, true
}

// emit blocks until the consumer takes ev or the session closes.
func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// pingLoop keeps idle connections from being dropped by proxies while the
// caller is silent.
func (s *session) pingLoop() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(s.ctx, pingTimeout)
			_ = s.conn.Ping(ctx)
			cancel()
		}
	}
}

// send writes one client message, or fails with [s2s.ErrSessionClosed]
// after Close.
func (s *session) send(v any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return s2s.ErrSessionClosed
	}
	if err := wsjson.Write(s.ctx, s.conn, v); err != nil {
		if errors.Is(err, context.Canceled) {
			return s2s.ErrSessionClosed
		}
		return fmt.Errorf("gemini: write: %w", err)
	}
	return nil
}

// SendAudio implements [s2s.SessionHandle]. Gemini accepts any PCM rate
// declared in the chunk's MIME type, so frames are sent at their own rate.
func (s *session) SendAudio(frame audio.AudioFrame) error {
	var msg realtimeInputMessage
	msg.RealtimeInput.MediaChunks = []blob{{
		MIMEType: fmt.Sprintf("audio/pcm;rate=%d", cmpRate(frame.SampleRate, s.inputRate)),
		Data:     base64.StdEncoding.EncodeToString(frame.Data),
	}}
	return s.send(msg)
}

// SendToolResponse implements [s2s.SessionHandle].
func (s *session) SendToolResponse(resp s2s.ToolResponse) error {
	result := resp.Result
	if result == nil {
		result = map[string]any{}
	}
	var msg toolResponseMessage
	msg.ToolResponse.FunctionResponses = []functionResponse{{ID: resp.ID, Name: resp.Name, Response: result}}
	return s.send(msg)
}

// InjectTextContext implements [s2s.SessionHandle]. Assistant items become
// model turns; everything else is sent as the user.
func (s *session) InjectTextContext(items []s2s.ContextItem) error {
	if len(items) == 0 {
		return nil
	}
	var msg clientContentMessage
	for _, it := range items {
		role := "user"
		if it.Role == "assistant" || it.Role == "model" {
			role = "model"
		}
		msg.ClientContent.Turns = append(msg.ClientContent.Turns, content{Role: role, Parts: []part{{Text: it.Content}}})
	}
	msg.ClientContent.TurnComplete = true
	return s.send(msg)
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
