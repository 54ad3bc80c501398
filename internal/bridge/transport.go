package bridge

import "github.com/MrWong99/callscreen/pkg/audio"

// Transport is the external side of a bridge session: a telephone media
// stream or the local sound card. The bridge reads raw payloads from Frames,
// converts them with Codec, and writes converted model audio back with Send.
type Transport interface {
	// Codec converts between the transport's native payloads and PCM frames.
	Codec() audio.Codec

	// Frames returns the channel of raw inbound payloads in arrival order.
	// The channel is closed when the transport stops.
	Frames() <-chan []byte

	// Err returns the reason Frames was closed, or nil for an orderly stop.
	Err() error

	// Send writes one native payload to the transport.
	Send(payload []byte) error

	// StreamID returns the identifier the transport's signalling assigned to
	// the stream. It is empty until signalling completes.
	StreamID() string

	// Close stops the transport and releases its resources. Idempotent.
	Close() error
}

// Clearer is implemented by transports that can discard audio already queued
// for playback. The bridge calls Clear when the caller barges in.
type Clearer interface {
	Clear() error
}
