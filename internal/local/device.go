package local

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/callscreen/internal/bridge"
	"github.com/MrWong99/callscreen/pkg/audio"
	"github.com/MrWong99/callscreen/pkg/audio/playback"
)

// drainTimeout bounds how long Close waits for queued speech.
const drainTimeout = 2 * time.Second

// ErrDevice wraps failures to open the microphone or the speaker.
var ErrDevice = errors.New("local: audio device unavailable")

// Compile-time interface assertions.
var (
	_ bridge.Transport = (*Device)(nil)
	_ bridge.Clearer   = (*Device)(nil)
)

// Config selects the audio devices and rates.
type Config struct {
	// SampleRate is the capture rate. Audio is sent to the remote session at
	// this rate.
	SampleRate int

	// PlaybackRate is the rate remote audio is played at.
	PlaybackRate int

	// InputFormat is the ffmpeg input device format, e.g. "pulse", "alsa" or
	// "avfoundation". Empty picks the platform default.
	InputFormat string

	// InputDevice is the ffmpeg input device name. Empty picks the platform
	// default.
	InputDevice string

	// FFmpegPath and FFplayPath override the binaries looked up in PATH.
	FFmpegPath string
	FFplayPath string
}

// Device is the local microphone and speaker as a [bridge.Transport].
type Device struct {
	id      string
	codec   audio.PCMCodec
	capture *Capture
	speaker *Speaker
	sched   *playback.Scheduler

	closeOnce sync.Once
	closeErr  error
}

func newDevice(capture *Capture, speaker *Speaker, sampleRate, playbackRate int) *Device {
	return &Device{
		id:      "local-" + uuid.NewString(),
		codec:   audio.PCMCodec{SampleRate: sampleRate, PlaybackRate: playbackRate},
		capture: capture,
		speaker: speaker,
		sched:   playback.NewScheduler(speaker),
	}
}

// Open starts microphone capture and the speaker. ctx bounds the lifetime of
// both helper processes.
func Open(ctx context.Context, cfg Config) (*Device, error) {
	if cfg.SampleRate <= 0 || cfg.PlaybackRate <= 0 {
		return nil, fmt.Errorf("%w: sample rates must be positive", ErrDevice)
	}

	ffmpeg, err := lookPath(cfg.FFmpegPath, "ffmpeg")
	if err != nil {
		return nil, err
	}
	ffplay, err := lookPath(cfg.FFplayPath, "ffplay")
	if err != nil {
		return nil, err
	}
	inArgs, err := inputArgs(runtime.GOOS, cfg.InputFormat, cfg.InputDevice)
	if err != nil {
		return nil, err
	}

	capture, err := startCapture(ctx, ffmpeg, inArgs, cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	speaker, err := startSpeaker(ctx, ffplay, cfg.PlaybackRate)
	if err != nil {
		_ = capture.Close()
		return nil, err
	}
	return newDevice(capture, speaker, cfg.SampleRate, cfg.PlaybackRate), nil
}

// Codec implements [bridge.Transport].
func (d *Device) Codec() audio.Codec { return d.codec }

// Frames implements [bridge.Transport].
func (d *Device) Frames() <-chan []byte { return d.capture.Frames() }

// Err implements [bridge.Transport].
func (d *Device) Err() error { return d.capture.Err() }

// StreamID implements [bridge.Transport].
func (d *Device) StreamID() string { return d.id }

// Send implements [bridge.Transport]. The payload is PCM at the playback
// rate and is scheduled right after the audio already queued.
func (d *Device) Send(payload []byte) error {
	_, err := d.sched.Enqueue(audio.AudioFrame{
		Data:       payload,
		SampleRate: d.codec.PlaybackRate,
		Channels:   1,
	})
	return err
}

// Clear implements [bridge.Clearer]. Queued speech is dropped and the next
// frame starts immediately.
func (d *Device) Clear() error {
	d.speaker.Clear()
	d.sched.Reset()
	return nil
}

// Close lets speech that is already scheduled finish playing, for at most
// drainTimeout, then stops capture and playback. Idempotent.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.drain()
		d.closeErr = errors.Join(d.capture.Close(), d.speaker.Close())
		d.sched.Reset()
	})
	return d.closeErr
}

// drain waits until the scheduler's cursor has played out. It returns early
// when the speaker stops on its own.
func (d *Device) drain() {
	left := d.sched.Next() - d.speaker.Now()
	if left <= 0 {
		return
	}
	t := time.NewTimer(min(left, drainTimeout))
	defer t.Stop()
	select {
	case <-t.C:
	case <-d.speaker.done:
	}
}

// ── ffmpeg / ffplay ───────────────────────────────────────────────────────────

func lookPath(override, name string) (string, error) {
	if override != "" {
		name = override
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s is required in PATH: %w", ErrDevice, name, err)
	}
	return path, nil
}

// inputArgs returns the ffmpeg input arguments for the microphone.
func inputArgs(goos, format, device string) ([]string, error) {
	if format == "" {
		switch goos {
		case "linux":
			format = "pulse"
		case "darwin":
			format = "avfoundation"
		case "windows":
			format = "dshow"
		default:
			return nil, fmt.Errorf("%w: no default input format for %s", ErrDevice, goos)
		}
	}
	if device == "" || device == "default" {
		switch format {
		case "avfoundation":
			device = ":0"
		case "dshow":
			return nil, fmt.Errorf("%w: dshow needs an explicit input device", ErrDevice)
		default:
			device = "default"
		}
	}
	return []string{"-f", format, "-i", device}, nil
}

func startCapture(ctx context.Context, ffmpeg string, input []string, rate int) (*Capture, error) {
	args := append([]string{"-hide_banner", "-loglevel", "error", "-nostdin"}, input...)
	args = append(args, "-ac", "1", "-ar", strconv.Itoa(rate), "-f", "s16le", "pipe:1")

	cmd := exec.CommandContext(ctx, ffmpeg, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg stdout: %w", ErrDevice, err)
	}
	var stderr tailBuffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %w", ErrDevice, err)
	}

	wait := func() error {
		if err := cmd.Wait(); err != nil {
			if msg := stderr.String(); msg != "" {
				return fmt.Errorf("ffmpeg: %w: %s", err, msg)
			}
			return fmt.Errorf("ffmpeg: %w", err)
		}
		return nil
	}
	kill := func() { _ = cmd.Process.Kill() }
	return newCapture(stdout, wait, kill), nil
}

func startSpeaker(ctx context.Context, ffplay string, rate int) (*Speaker, error) {
	cmd := exec.CommandContext(ctx, ffplay,
		"-nodisp", "-autoexit", "-loglevel", "error",
		"-f", "s16le", "-ar", strconv.Itoa(rate), "-ac", "1",
		"-i", "pipe:0",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: ffplay stdin: %w", ErrDevice, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffplay: %w", ErrDevice, err)
	}
	closer := func() error {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil
	}
	return newSpeaker(stdin, closer), nil
}

// tailBuffer keeps the last few hundred bytes written to it, enough for
// ffmpeg's final error line.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

const tailSize = 512

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - tailSize; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
