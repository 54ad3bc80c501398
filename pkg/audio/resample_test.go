package audio_test

import (
	"testing"

	"github.com/MrWong99/callscreen/pkg/audio"
)

func TestUpsample8kTo16k(t *testing.T) {
	t.Parallel()

	got := bytesToSamples(audio.Upsample8kTo16k(samplesToBytes([]int16{100, -200, 300})))
	want := []int16{100, 100, -200, -200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestUpsample8kTo16k_Lengths(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 2, 160, 161, 4096} {
		out := audio.Upsample8kTo16k(make([]byte, n*2))
		if len(out) != n*4 {
			t.Errorf("n=%d: len = %d, want %d", n, len(out), n*4)
		}
	}
	if out := audio.Upsample8kTo16k([]byte{1, 2, 3}); len(out) != 4 {
		t.Errorf("odd input: len = %d, want 4", len(out))
	}
}

func TestDecimate24kTo8k(t *testing.T) {
	t.Parallel()

	in := samplesToBytes([]int16{1, 2, 3, 4, 5, 6, 7, 8})
	got := bytesToSamples(audio.Decimate24kTo8k(in))
	want := []int16{1, 4}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDecimate24kTo8k_Lengths(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 2, 3, 4, 480, 481, 482, 483} {
		out := audio.Decimate24kTo8k(make([]byte, n*2))
		if want := (n / 3) * 2; len(out) != want {
			t.Errorf("n=%d: len = %d, want %d", n, len(out), want)
		}
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 48000, 48000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{0, 1000, 2000, 3000})
	got := bytesToSamples(audio.ResampleMono16(pcm, 8000, 16000))
	want := []int16{0, 500, 1000, 1500, 2000, 2500, 3000, 3000}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 480*2)
	out := audio.ResampleMono16(pcm, 48000, 16000)
	if len(out) != 160*2 {
		t.Errorf("len = %d, want %d", len(out), 160*2)
	}
}

func TestResampleMono16_InvalidRates(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{1, 2})
	if out := audio.ResampleMono16(pcm, 0, 16000); len(out) != len(pcm) {
		t.Errorf("zero source rate should return input unchanged")
	}
	if out := audio.ResampleMono16(pcm, 16000, -1); len(out) != len(pcm) {
		t.Errorf("negative target rate should return input unchanged")
	}
}
