// Package audio is the codec layer of the call-screening bridge.
//
// It converts between the two native encodings the bridge sits between:
// 8 kHz μ-law telephony audio and 16-bit linear PCM at whatever rate the
// remote speech model or the local sound device uses. Every function in this
// package is a pure transformation over byte slices; nothing here blocks,
// allocates shared state, or returns errors. Out-of-range input is clamped
// and trailing half-samples are ignored.
//
// PCM is always little-endian signed 16-bit, mono unless stated otherwise.
package audio

import "time"

// AudioFrame represents a single frame of linear PCM audio flowing through
// the bridge. Frames are immutable once emitted: a stage that needs to change
// the samples allocates a new slice.
type AudioFrame struct {
	// PCM audio data, little-endian int16.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for model input, 24000 for model output).
	SampleRate int

	// Channels is 1 throughout the bridge.
	Channels int

	// Timestamp marks the frame's start relative to the start of its stream.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel carried by f.
func (f AudioFrame) Samples() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (2 * ch)
}

// Duration returns how long f takes to play back at its sample rate.
// A frame without a sample rate has zero duration.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
