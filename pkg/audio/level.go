package audio

import "math"

// SilenceDBFS is reported for empty or all-zero input.
const SilenceDBFS = -96.0

// LevelDBFS returns the RMS level of 16-bit mono PCM in dBFS, where 0 is a
// full-scale square wave. The result is never below [SilenceDBFS].
func LevelDBFS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return SilenceDBFS
	}
	var sum float64
	for i := range n {
		s := float64(sampleAt(pcm, i)) / 32768
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	if rms == 0 {
		return SilenceDBFS
	}
	return max(20*math.Log10(rms), SilenceDBFS)
}
