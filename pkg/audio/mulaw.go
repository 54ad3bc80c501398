package audio

import (
	"encoding/binary"
	"sync"
)

// G.711 μ-law constants.
const (
	mulawBias = 0x84
	mulawClip = 32635
)

var (
	mulawOnce  sync.Once
	mulawTable [256]int16
)

// InitMulaw builds the process-wide μ-law decode table. It is safe to call
// from multiple goroutines and any number of times; only the first call does
// work. [DecodeMulaw] calls it lazily, but servers should call it once at
// startup so the first call is not paid for on the audio path.
func InitMulaw() {
	mulawOnce.Do(func() {
		for i := range mulawTable {
			mulawTable[i] = expandMulaw(byte(i))
		}
	})
}

// expandMulaw decodes a single μ-law byte to a linear sample.
func expandMulaw(b byte) int16 {
	u := ^b
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := int32(u & 0x0F)
	magnitude := ((mantissa<<3)+mulawBias)<<exponent - mulawBias
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// DecodeMulawSample returns the linear sample for a single μ-law byte.
func DecodeMulawSample(b byte) int16 {
	InitMulaw()
	return mulawTable[b]
}

// EncodeMulawSample compresses one linear sample to a G.711 μ-law byte.
// Samples beyond ±32635 are clamped.
func EncodeMulawSample(s int16) byte {
	v := int32(s)
	var sign byte
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	var exponent byte
	for exponent < 7 && v >= 1<<(exponent+8) {
		exponent++
	}
	mantissa := byte(v>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeMulaw expands a frame of μ-law bytes into little-endian 16-bit PCM.
// The output is always twice as long as the input.
func DecodeMulaw(src []byte) []byte {
	InitMulaw()
	out := make([]byte, len(src)*2)
	for i, b := range src {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(mulawTable[b]))
	}
	return out
}

// EncodeMulaw compresses little-endian 16-bit PCM into μ-law bytes, one per
// sample. A trailing odd byte is ignored.
func EncodeMulaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := range n {
		out[i] = EncodeMulawSample(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}
