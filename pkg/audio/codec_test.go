package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/callscreen/pkg/audio"
)

func TestTelephonyCodec_ToRemote(t *testing.T) {
	t.Parallel()

	var c audio.TelephonyCodec
	// 20 ms of telephone audio.
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = audio.EncodeMulawSample(int16(i * 100))
	}

	frame := c.ToRemote(payload)
	if frame.SampleRate != audio.RemoteInputRate {
		t.Errorf("SampleRate = %d, want %d", frame.SampleRate, audio.RemoteInputRate)
	}
	if frame.Channels != 1 {
		t.Errorf("Channels = %d, want 1", frame.Channels)
	}
	if frame.Samples() != 320 {
		t.Errorf("Samples() = %d, want 320", frame.Samples())
	}
	if frame.Duration() != 20*time.Millisecond {
		t.Errorf("Duration() = %v, want 20ms", frame.Duration())
	}

	samples := bytesToSamples(frame.Data)
	for i := range payload {
		want := audio.DecodeMulawSample(payload[i])
		if samples[2*i] != want || samples[2*i+1] != want {
			t.Fatalf("sample pair %d = (%d,%d), want %d", i, samples[2*i], samples[2*i+1], want)
		}
	}
}

func TestTelephonyCodec_FromRemote(t *testing.T) {
	t.Parallel()

	var c audio.TelephonyCodec

	tests := []struct {
		name    string
		rate    int
		samples int
		want    int
	}{
		{name: "24k decimated", rate: 24000, samples: 480, want: 160},
		{name: "8k passthrough", rate: 8000, samples: 160, want: 160},
		{name: "16k resampled", rate: 16000, samples: 320, want: 160},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := c.FromRemote(audio.AudioFrame{
				Data:       make([]byte, tt.samples*2),
				SampleRate: tt.rate,
				Channels:   1,
			})
			if len(out) != tt.want {
				t.Errorf("len = %d, want %d", len(out), tt.want)
			}
			for i, b := range out {
				if b != 0xFF {
					t.Fatalf("byte %d = %#02x, want μ-law silence 0xFF", i, b)
				}
			}
		})
	}
}

func TestTelephonyCodec_DecimationKeepsEveryThirdSample(t *testing.T) {
	t.Parallel()

	var c audio.TelephonyCodec
	pcm := samplesToBytes([]int16{1000, 9999, 9999, -2000, 9999, 9999})
	out := c.FromRemote(audio.AudioFrame{Data: pcm, SampleRate: 24000, Channels: 1})
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0] != audio.EncodeMulawSample(1000) || out[1] != audio.EncodeMulawSample(-2000) {
		t.Errorf("got %#v, want encodings of 1000 and -2000", out)
	}
}

func TestPCMCodec(t *testing.T) {
	t.Parallel()

	c := audio.PCMCodec{SampleRate: 48000, PlaybackRate: 24000}
	if c.InputRate() != 48000 {
		t.Errorf("InputRate() = %d, want 48000", c.InputRate())
	}

	frame := c.ToRemote(make([]byte, 8193))
	if len(frame.Data) != 8192 {
		t.Errorf("ToRemote kept %d bytes, want 8192", len(frame.Data))
	}
	if frame.SampleRate != 48000 {
		t.Errorf("SampleRate = %d, want 48000", frame.SampleRate)
	}

	same := c.FromRemote(audio.AudioFrame{Data: make([]byte, 480), SampleRate: 24000})
	if len(same) != 480 {
		t.Errorf("same-rate FromRemote len = %d, want 480", len(same))
	}
	resampled := c.FromRemote(audio.AudioFrame{Data: make([]byte, 320), SampleRate: 16000})
	if len(resampled) != 480 {
		t.Errorf("16k->24k FromRemote len = %d, want 480", len(resampled))
	}
}

func TestLevelDBFS(t *testing.T) {
	t.Parallel()

	if got := audio.LevelDBFS(nil); got != audio.SilenceDBFS {
		t.Errorf("LevelDBFS(nil) = %v, want %v", got, audio.SilenceDBFS)
	}
	if got := audio.LevelDBFS(make([]byte, 64)); got != audio.SilenceDBFS {
		t.Errorf("LevelDBFS(zeros) = %v, want %v", got, audio.SilenceDBFS)
	}

	square := samplesToBytes([]int16{32767, -32767, 32767, -32767})
	if got := audio.LevelDBFS(square); got > 0 || got < -0.01 {
		t.Errorf("LevelDBFS(full-scale square) = %v, want ~0", got)
	}

	half := samplesToBytes([]int16{16384, -16384, 16384, -16384})
	if got := audio.LevelDBFS(half); got < -6.1 || got > -5.9 {
		t.Errorf("LevelDBFS(half-scale square) = %v, want ~-6", got)
	}
}
