package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/callscreen/pkg/audio"
	"github.com/MrWong99/callscreen/pkg/provider/s2s"
	"github.com/MrWong99/callscreen/pkg/provider/s2s/openai"
)

const wait = 3 * time.Second

type serveFunc func(t *testing.T, conn *websocket.Conn, r *http.Request)

// fakeRealtime starts a WebSocket server running serve for each connection
// and returns a provider pointed at it.
func fakeRealtime(t *testing.T, serve serveFunc, opts ...openai.Option) *openai.Provider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		serve(t, conn, r)
	}))
	t.Cleanup(srv.Close)
	opts = append(opts, openai.WithBaseURL("ws"+strings.TrimPrefix(srv.URL, "http")))
	return openai.New("test-key", opts...)
}

// recv decodes the next client event. It runs on the server goroutine and
// so reports with Errorf.
func recv[T any](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	var v T
	if err := wsjson.Read(ctx, conn, &v); err != nil {
		t.Errorf("server read: %v", err)
	}
	return v
}

func push(conn *websocket.Conn, events ...map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	for _, e := range events {
		if wsjson.Write(ctx, conn, e) != nil {
			return
		}
	}
}

// accept consumes session.update and confirms it the way the real service
// does, with session.created first.
func accept(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	recv[json.RawMessage](t, conn)
	push(conn, map[string]any{"type": "session.created"}, map[string]any{"type": "session.updated"})
}

// drain discards client events until the client disconnects.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			return
		}
	}
}

func connect(t *testing.T, p *openai.Provider, cfg s2s.SessionConfig) s2s.SessionHandle {
	t.Helper()
	h, err := p.Connect(t.Context(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func nextEvent(t *testing.T, h s2s.SessionHandle) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(wait):
		t.Fatal("no event")
	}
	return s2s.Event{}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := openai.New("key").Capabilities()
	if caps.OutputSampleRate != 24000 {
		t.Errorf("OutputSampleRate = %d, want 24000", caps.OutputSampleRate)
	}
	if len(caps.Voices) == 0 {
		t.Error("no voices listed")
	}
}

func TestConnect_Handshake(t *testing.T) {
	t.Parallel()

	type update struct {
		Type    string `json:"type"`
		Session struct {
			Voice             string `json:"voice"`
			Instructions      string `json:"instructions"`
			InputAudioFormat  string `json:"input_audio_format"`
			OutputAudioFormat string `json:"output_audio_format"`
			ToolChoice        string `json:"tool_choice"`
			Tools             []struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"session"`
	}
	type request struct {
		header http.Header
		model  string
		update update
	}

	got := make(chan request, 1)
	p := fakeRealtime(t, func(t *testing.T, conn *websocket.Conn, r *http.Request) {
		got <- request{r.Header.Clone(), r.URL.Query().Get("model"), recv[update](t, conn)}
		push(conn, map[string]any{"type": "session.updated"})
		drain(conn)
	}, openai.WithModel("gpt-test"))

	connect(t, p, s2s.SessionConfig{
		Instructions: "Screen the caller.",
		Voice:        "alloy",
		Tools:        []s2s.ToolDefinition{{Name: "report_verdict"}},
	})

	req := <-got
	if a := req.header.Get("Authorization"); a != "Bearer test-key" {
		t.Errorf("Authorization = %q", a)
	}
	if b := req.header.Get("OpenAI-Beta"); b != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", b)
	}
	if req.model != "gpt-test" {
		t.Errorf("model query = %q, want gpt-test", req.model)
	}
	u := req.update
	if u.Type != "session.update" {
		t.Errorf("type = %q, want session.update", u.Type)
	}
	if u.Session.Voice != "alloy" || u.Session.Instructions != "Screen the caller." {
		t.Errorf("session = %+v", u.Session)
	}
	if u.Session.InputAudioFormat != "pcm16" || u.Session.OutputAudioFormat != "pcm16" {
		t.Errorf("audio formats = %q/%q, want pcm16", u.Session.InputAudioFormat, u.Session.OutputAudioFormat)
	}
	if len(u.Session.Tools) != 1 || u.Session.Tools[0].Type != "function" || u.Session.Tools[0].Name != "report_verdict" || u.Session.ToolChoice != "auto" {
		t.Errorf("tools = %+v, choice %q", u.Session.Tools, u.Session.ToolChoice)
	}
}

func TestConnect_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		timeout time.Duration
		serve   serveFunc
		check   func(t *testing.T, err error)
	}{
		{
			name:    "rejected",
			timeout: wait,
			serve: func(t *testing.T, conn *websocket.Conn, _ *http.Request) {
				recv[json.RawMessage](t, conn)
				push(conn, map[string]any{
					"type":  "error",
					"error": map[string]any{"type": "invalid_request_error", "code": "invalid_value", "message": "unknown voice"},
				})
				drain(conn)
			},
			check: func(t *testing.T, err error) {
				if !strings.Contains(err.Error(), "unknown voice") {
					t.Errorf("error %q does not carry the server message", err)
				}
			},
		},
		{
			name:    "never confirmed",
			timeout: 200 * time.Millisecond,
			serve: func(_ *testing.T, conn *websocket.Conn, _ *http.Request) {
				drain(conn)
			},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, context.DeadlineExceeded) {
					t.Errorf("error = %v, want context.DeadlineExceeded", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := fakeRealtime(t, tt.serve)
			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()
			if _, err := p.Connect(ctx, s2s.SessionConfig{Voice: "nobody"}); err == nil {
				t.Fatal("Connect succeeded")
			} else {
				tt.check(t, err)
			}
		})
	}
}

func TestSendAudio_ResamplesTo24k(t *testing.T) {
	t.Parallel()

	type appendEvent struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}

	got := make(chan appendEvent, 2)
	p := fakeRealtime(t, func(t *testing.T, conn *websocket.Conn, _ *http.Request) {
		accept(t, conn)
		for range 2 {
			got <- recv[appendEvent](t, conn)
		}
		drain(conn)
	})
	h := connect(t, p, s2s.SessionConfig{InputSampleRate: 16000})

	// 10 ms at 16 kHz becomes 10 ms at 24 kHz; 24 kHz passes through.
	native := []byte{0xCA, 0xFE, 0xBA, 0xBE}
	frames := []audio.AudioFrame{
		{Data: make([]byte, 320), SampleRate: 16000, Channels: 1},
		{Data: native, SampleRate: 24000, Channels: 1},
	}
	for _, f := range frames {
		if err := h.SendAudio(f); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}

	for i, wantLen := range []int{480, len(native)} {
		select {
		case ev := <-got:
			if ev.Type != "input_audio_buffer.append" {
				t.Errorf("event %d type = %q", i, ev.Type)
			}
			pcm, err := base64.StdEncoding.DecodeString(ev.Audio)
			if err != nil {
				t.Fatalf("base64: %v", err)
			}
			if len(pcm) != wantLen {
				t.Errorf("event %d: %d bytes, want %d", i, len(pcm), wantLen)
			}
		case <-time.After(wait):
			t.Fatal("audio not received")
		}
	}
}

func TestSendToolResponse(t *testing.T) {
	t.Parallel()

	type itemEvent struct {
		Type string `json:"type"`
		Item struct {
			Type   string `json:"type"`
			CallID string `json:"call_id"`
			Output string `json:"output"`
		} `json:"item"`
	}

	got := make(chan itemEvent, 2)
	p := fakeRealtime(t, func(t *testing.T, conn *websocket.Conn, _ *http.Request) {
		accept(t, conn)
		for range 2 {
			got <- recv[itemEvent](t, conn)
		}
		drain(conn)
	})
	h := connect(t, p, s2s.SessionConfig{})

	if err := h.SendToolResponse(s2s.ToolResponse{ID: "call_1", Name: "report_verdict", Result: map[string]any{"status": "recorded"}}); err != nil {
		t.Fatalf("SendToolResponse: %v", err)
	}

	first := <-got
	if first.Type != "conversation.item.create" || first.Item.Type != "function_call_output" || first.Item.CallID != "call_1" {
		t.Errorf("first event = %+v", first)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(first.Item.Output), &out); err != nil || out["status"] != "recorded" {
		t.Errorf("output = %q (%v)", first.Item.Output, err)
	}
	if second := <-got; second.Type != "response.create" {
		t.Errorf("second event type = %q, want response.create", second.Type)
	}
}

func TestInjectTextContext(t *testing.T) {
	t.Parallel()

	types := make(chan string, 3)
	p := fakeRealtime(t, func(t *testing.T, conn *websocket.Conn, _ *http.Request) {
		accept(t, conn)
		for range 3 {
			types <- recv[struct {
				Type string `json:"type"`
			}](t, conn).Type
		}
		drain(conn)
	})
	h := connect(t, p, s2s.SessionConfig{})

	err := h.InjectTextContext([]s2s.ContextItem{
		{Role: "system", Content: "The call is connected."},
		{Role: "user", Content: "Greet the caller."},
	})
	if err != nil {
		t.Fatalf("InjectTextContext: %v", err)
	}
	for _, want := range []string{"conversation.item.create", "conversation.item.create", "response.create"} {
		if got := <-types; got != want {
			t.Errorf("event type = %q, want %q", got, want)
		}
	}
}

func TestEvents_TranslateServerEvents(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	p := fakeRealtime(t, func(t *testing.T, conn *websocket.Conn, _ *http.Request) {
		accept(t, conn)
		push(conn,
			map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString(pcm)},
			map[string]any{"type": "response.audio_transcript.delta", "delta": "Hello, "},
			map[string]any{"type": "response.audio_transcript.delta", "delta": "who is calling?"},
			map[string]any{"type": "response.audio_transcript.done"},
			map[string]any{"type": "input_audio_buffer.speech_started"},
			map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "This is your bank."},
			map[string]any{
				"type":      "response.function_call_arguments.done",
				"name":      "report_verdict",
				"call_id":   "call_9",
				"arguments": `{"verdict":"scam","reason":"impersonation"}`,
			},
		)
		drain(conn)
	})
	h := connect(t, p, s2s.SessionConfig{})

	ev := nextEvent(t, h)
	if ev.Audio == nil || string(ev.Audio.Data) != string(pcm) || ev.Audio.SampleRate != 24000 {
		t.Fatalf("event 0 = %+v, want 24 kHz audio", ev)
	}
	if ev = nextEvent(t, h); ev.Transcript == nil || ev.Transcript.Speaker != s2s.SpeakerScreener || ev.Transcript.Text != "Hello, who is calling?" {
		t.Fatalf("event 1 = %+v, want assembled screener transcript", ev)
	}
	if ev = nextEvent(t, h); !ev.Interrupted {
		t.Fatalf("event 2 = %+v, want interruption", ev)
	}
	if ev = nextEvent(t, h); ev.Transcript == nil || ev.Transcript.Speaker != s2s.SpeakerCaller {
		t.Fatalf("event 3 = %+v, want caller transcript", ev)
	}
	ev = nextEvent(t, h)
	if ev.ToolCall == nil || ev.ToolCall.ID != "call_9" || ev.ToolCall.Name != "report_verdict" {
		t.Fatalf("event 4 = %+v, want tool call", ev)
	}
	if string(ev.ToolCall.Args) != `{"verdict":"scam","reason":"impersonation"}` {
		t.Errorf("args = %s", ev.ToolCall.Args)
	}
}

func TestEvents_ErrorEventIsNonFatal(t *testing.T) {
	t.Parallel()

	p := fakeRealtime(t, func(t *testing.T, conn *websocket.Conn, _ *http.Request) {
		accept(t, conn)
		push(conn,
			map[string]any{"type": "error", "error": map[string]any{"message": "buffer too small"}},
			map[string]any{"type": "input_audio_buffer.speech_started"},
		)
		drain(conn)
	})
	h := connect(t, p, s2s.SessionConfig{})

	if ev := nextEvent(t, h); ev.Err == nil || !strings.Contains(ev.Err.Error(), "buffer too small") {
		t.Fatalf("event = %+v, want error event", ev)
	}
	if ev := nextEvent(t, h); !ev.Interrupted {
		t.Fatalf("event = %+v, want interruption after error", ev)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	p := fakeRealtime(t, func(t *testing.T, conn *websocket.Conn, _ *http.Request) {
		accept(t, conn)
		drain(conn)
	})
	h, err := p.Connect(t.Context(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for i := range 3 {
		if err := h.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}

	select {
	case _, ok := <-h.Events():
		if ok {
			t.Error("unexpected event after Close")
		}
	case <-time.After(wait):
		t.Fatal("events channel not closed")
	}
	if err := h.SendAudio(audio.AudioFrame{Data: []byte{0, 0}, SampleRate: 24000}); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
	if err := h.InjectTextContext([]s2s.ContextItem{{Content: "x"}}); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("InjectTextContext after Close = %v, want ErrSessionClosed", err)
	}
	if err := h.InjectTextContext(nil); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("InjectTextContext(nil) after Close = %v, want ErrSessionClosed", err)
	}
}

func TestSendAudio_Concurrent(t *testing.T) {
	t.Parallel()

	p := fakeRealtime(t, func(t *testing.T, conn *websocket.Conn, _ *http.Request) {
		accept(t, conn)
		drain(conn)
	})
	h := connect(t, p, s2s.SessionConfig{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 16 {
				_ = h.SendAudio(audio.AudioFrame{Data: []byte{0xCA, 0xFE, 0xBA, 0xBE}, SampleRate: 24000})
			}
		})
	}
	wg.Wait()
}
