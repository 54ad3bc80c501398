package local

import (
	"bytes"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callscreen/pkg/audio"
)

// syncBuffer is a goroutine-safe bytes.Buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.buf.Bytes())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ── Capture ───────────────────────────────────────────────────────────────────

func TestCapture_FixedFrames(t *testing.T) {
	pr, pw := io.Pipe()
	c := newCapture(pr, nil, func() { _ = pr.Close() })
	defer c.Close()

	// One and a half frames: only the complete frame is delivered.
	data := make([]byte, FrameSamples*3)
	for i := range data {
		data[i] = byte(i)
	}
	go func() {
		_, _ = pw.Write(data)
		_ = pw.Close()
	}()

	var frames [][]byte
	for f := range c.Frames() {
		frames = append(frames, f)
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if len(frames[0]) != FrameSamples*2 {
		t.Errorf("frame = %d bytes, want %d", len(frames[0]), FrameSamples*2)
	}
	if !bytes.Equal(frames[0], data[:FrameSamples*2]) {
		t.Error("frame content differs from input")
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err = %v, want nil on clean end", err)
	}
}

func TestCapture_SourceFailure(t *testing.T) {
	pr, pw := io.Pipe()
	c := newCapture(pr, func() error { return errors.New("exit status 1: Permission denied") }, nil)

	_ = pw.Close()
	for range c.Frames() {
	}
	if err := c.Err(); err == nil {
		t.Fatal("Err = nil, want the source error")
	}
}

func TestCapture_CloseIsClean(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	waited := make(chan struct{})
	c := newCapture(pr,
		func() error { close(waited); return errors.New("signal: killed") },
		func() { _ = pr.CloseWithError(io.ErrClosedPipe) },
	)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case <-waited:
	default:
		t.Error("source was not reaped")
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err = %v, want nil after Close", err)
	}
	if _, ok := <-c.Frames(); ok {
		t.Error("frames still open after Close")
	}
}

// ── Speaker ───────────────────────────────────────────────────────────────────

func TestSpeaker_WritesInOrder(t *testing.T) {
	var out syncBuffer
	s := newSpeaker(&out, nil)
	defer s.Close()

	now := s.Now()
	for i, b := range []byte("ABC") {
		frame := audio.AudioFrame{Data: []byte{b, b}, SampleRate: 24000, Channels: 1}
		if err := s.Schedule(frame, now+time.Duration(i)*time.Millisecond); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	waitFor(t, "written audio", func() bool { return len(out.Bytes()) == 6 })
	if got := string(out.Bytes()); got != "AABBCC" {
		t.Errorf("written = %q, want AABBCC", got)
	}
}

func TestSpeaker_WaitsForStartTime(t *testing.T) {
	var out syncBuffer
	s := newSpeaker(&out, nil)
	defer s.Close()

	if err := s.Schedule(audio.AudioFrame{Data: []byte{1, 0}}, s.Now()+time.Hour); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(out.Bytes()); n != 0 {
		t.Errorf("wrote %d bytes before the start time", n)
	}
}

func TestSpeaker_Clear(t *testing.T) {
	var out syncBuffer
	s := newSpeaker(&out, nil)
	defer s.Close()

	for range 3 {
		_ = s.Schedule(audio.AudioFrame{Data: []byte{9, 9}}, s.Now()+time.Hour)
	}
	s.Clear()

	_ = s.Schedule(audio.AudioFrame{Data: []byte{1, 1}}, s.Now())
	waitFor(t, "post-clear frame", func() bool { return len(out.Bytes()) == 2 })
	if got := out.Bytes(); got[0] != 1 {
		t.Errorf("written = %v, want only the post-clear frame", got)
	}
}

func TestSpeaker_WriteError(t *testing.T) {
	s := newSpeaker(failingWriter{}, nil)
	defer s.Close()

	_ = s.Schedule(audio.AudioFrame{Data: []byte{1, 0}}, 0)
	waitFor(t, "write error", func() bool {
		return s.Schedule(audio.AudioFrame{Data: []byte{1, 0}}, 0) != nil
	})
}

func TestSpeaker_Close(t *testing.T) {
	closed := 0
	s := newSpeaker(io.Discard, func() error { closed++; return nil })

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()
	if closed != 1 {
		t.Errorf("closer called %d times, want 1", closed)
	}
	if err := s.Schedule(audio.AudioFrame{Data: []byte{1, 0}}, 0); !errors.Is(err, ErrSpeakerClosed) {
		t.Errorf("Schedule after Close = %v, want ErrSpeakerClosed", err)
	}
}

// ── Device ────────────────────────────────────────────────────────────────────

func newTestDevice(t *testing.T) (*Device, *io.PipeWriter, *syncBuffer) {
	t.Helper()
	pr, pw := io.Pipe()
	out := &syncBuffer{}
	d := newDevice(
		newCapture(pr, nil, func() { _ = pr.Close() }),
		newSpeaker(out, nil),
		48000, 24000,
	)
	t.Cleanup(func() { _ = d.Close() })
	return d, pw, out
}

func TestDevice_Transport(t *testing.T) {
	d, pw, out := newTestDevice(t)

	codec, ok := d.Codec().(audio.PCMCodec)
	if !ok || codec.SampleRate != 48000 || codec.PlaybackRate != 24000 {
		t.Fatalf("Codec = %#v", d.Codec())
	}
	if d.Codec().InputRate() != 48000 {
		t.Errorf("InputRate = %d", d.Codec().InputRate())
	}
	if id := d.StreamID(); len(id) < len("local-") || id[:6] != "local-" {
		t.Errorf("StreamID = %q", id)
	}

	go func() { _, _ = pw.Write(make([]byte, FrameSamples*2)) }()
	select {
	case f := <-d.Frames():
		if len(f) != FrameSamples*2 {
			t.Errorf("frame = %d bytes", len(f))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no captured frame")
	}

	// 480 samples at 24 kHz = 20 ms each; the scheduler places them back
	// to back.
	for range 2 {
		if err := d.Send(make([]byte, 960)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if next := d.sched.Next(); next < 40*time.Millisecond {
		t.Errorf("scheduler cursor = %v, want at least 40ms", next)
	}
	waitFor(t, "played audio", func() bool { return len(out.Bytes()) == 1920 })
}

func TestDevice_ClearResetsScheduler(t *testing.T) {
	d, _, _ := newTestDevice(t)

	for range 50 {
		_ = d.Send(make([]byte, 960))
	}
	if d.sched.Next() < time.Second {
		t.Fatalf("cursor = %v, want a second of queued audio", d.sched.Next())
	}
	if err := d.Clear(); err != nil {
		t.Fatal(err)
	}
	if d.sched.Next() != 0 {
		t.Errorf("cursor after Clear = %v, want 0", d.sched.Next())
	}
}

func TestDevice_CloseLetsSpeechFinish(t *testing.T) {
	d, _, out := newTestDevice(t)

	// Five 20 ms frames at 24 kHz.
	for range 5 {
		if err := d.Send(make([]byte, 960)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	queued := d.sched.Next() - d.speaker.Now()

	start := time.Now()
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < queued-20*time.Millisecond || elapsed > drainTimeout {
		t.Errorf("Close took %v with %v of speech queued", elapsed, queued)
	}
	if n := len(out.Bytes()); n != 5*960 {
		t.Errorf("speaker got %d bytes before Close returned, want %d", n, 5*960)
	}
}

func TestDevice_CloseAfterClearIsImmediate(t *testing.T) {
	d, _, _ := newTestDevice(t)

	for range 50 {
		_ = d.Send(make([]byte, 960))
	}
	_ = d.Clear()

	start := time.Now()
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Close took %v after Clear, want no drain", elapsed)
	}
}

func TestDevice_CloseIdempotent(t *testing.T) {
	d, _, _ := newTestDevice(t)
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-d.Frames(); ok {
		t.Error("frames open after Close")
	}
	if d.Err() != nil {
		t.Errorf("Err = %v, want nil", d.Err())
	}
}

func TestInputArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		goos, format, device string
		want                 []string
		wantErr              bool
	}{
		{goos: "linux", want: []string{"-f", "pulse", "-i", "default"}},
		{goos: "linux", format: "alsa", device: "hw:1", want: []string{"-f", "alsa", "-i", "hw:1"}},
		{goos: "darwin", want: []string{"-f", "avfoundation", "-i", ":0"}},
		{goos: "darwin", device: ":2", want: []string{"-f", "avfoundation", "-i", ":2"}},
		{goos: "windows", device: "audio=Microphone", want: []string{"-f", "dshow", "-i", "audio=Microphone"}},
		{goos: "windows", wantErr: true},
		{goos: "plan9", wantErr: true},
	}
	for _, tt := range tests {
		got, err := inputArgs(tt.goos, tt.format, tt.device)
		if tt.wantErr {
			if !errors.Is(err, ErrDevice) {
				t.Errorf("inputArgs(%q, %q, %q) err = %v, want ErrDevice", tt.goos, tt.format, tt.device, err)
			}
			continue
		}
		if err != nil || !slices.Equal(got, tt.want) {
			t.Errorf("inputArgs(%q, %q, %q) = %v, %v; want %v", tt.goos, tt.format, tt.device, got, err, tt.want)
		}
	}
}

func TestOpen_InvalidRates(t *testing.T) {
	t.Parallel()
	if _, err := Open(t.Context(), Config{}); !errors.Is(err, ErrDevice) {
		t.Errorf("Open err = %v, want ErrDevice", err)
	}
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()
	var tb tailBuffer
	_, _ = tb.Write(bytes.Repeat([]byte("x"), 1000))
	_, _ = tb.Write([]byte("final error\n"))
	got := tb.String()
	if len(got) > tailSize || got[len(got)-len("final error"):] != "final error" {
		t.Errorf("tail = %q", got)
	}
}
