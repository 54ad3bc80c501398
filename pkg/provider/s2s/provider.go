// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time voice AI service that accepts raw audio
// input and returns synthesised audio output in a single, stateful session.
// The screening bridge uses it as its remote party: caller audio goes in, the
// screener's voice and its verdict tool call come out.
//
// The central abstraction is SessionHandle. Everything the model produces
// (audio, transcripts, tool calls, barge-in notifications and non-fatal
// errors) arrives on a single ordered Events channel, so a consumer sees the
// model's output in exactly the order the service sent it.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MrWong99/callscreen/pkg/audio"
)

// ErrSessionClosed is returned by SessionHandle methods called after Close.
var ErrSessionClosed = errors.New("s2s: session closed")

// ToolDefinition describes a function the model may call during the session.
type ToolDefinition struct {
	// Name is the function name the model uses to invoke the tool.
	Name string

	// Description tells the model when and how to call the tool.
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}

// ContextItem is a text message injected into the session's context
// mid-conversation, e.g. to prompt the model to speak first.
type ContextItem struct {
	// Role is "user" or "assistant".
	Role string

	// Content is the text content of the context item.
	Content string
}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Instructions is the system-level prompt that defines the screener's
	// behaviour.
	Instructions string

	// Voice is the provider-specific name of the prebuilt voice to speak with.
	// Empty selects the provider default.
	Voice string

	// Tools is the set of tool definitions offered to the model. Tool calls are
	// surfaced as [Event.ToolCall].
	Tools []ToolDefinition

	// InputSampleRate is the sample rate of the audio the caller will pass to
	// SendAudio. Providers with a fixed input rate resample as needed.
	InputSampleRate int
}

// Capabilities describes static properties of the S2S provider.
// The values are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// OutputSampleRate is the sample rate of audio delivered in events.
	OutputSampleRate int

	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds, as imposed by the provider. Zero means no documented limit.
	MaxSessionDurationMs int

	// Voices lists the prebuilt voice names available for this provider.
	Voices []string
}

// Speaker identifies who a transcript line belongs to.
type Speaker string

const (
	SpeakerCaller   Speaker = "caller"
	SpeakerScreener Speaker = "screener"
)

// Transcript is a piece of recognised or generated speech text.
type Transcript struct {
	Speaker Speaker
	Text    string
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	// ID correlates the call with its response. Providers that do not issue
	// IDs leave it empty.
	ID string

	// Name is the invoked function's name.
	Name string

	// Args holds the raw JSON-encoded arguments object.
	Args json.RawMessage
}

// ToolResponse answers a ToolCall.
type ToolResponse struct {
	// ID and Name echo the call being answered.
	ID   string
	Name string

	// Result is the JSON object returned to the model.
	Result map[string]any
}

// Event is one item produced by the remote session. Exactly one field is set.
type Event struct {
	// Audio carries a chunk of synthesised speech.
	Audio *audio.AudioFrame

	// Transcript carries recognised caller speech or generated screener text.
	Transcript *Transcript

	// ToolCall carries a function invocation requested by the model.
	ToolCall *ToolCall

	// Interrupted reports that the model stopped talking because the caller
	// started speaking. Audio already handed out should be discarded.
	Interrupted bool

	// Err carries a non-fatal error reported by the service. Fatal errors
	// close the channel instead and are returned by [SessionHandle.Err].
	Err error
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// The session is on the hot path of the bridge; every method must return
// quickly. All methods must be safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a PCM frame to the provider. Frames must arrive in
	// order and at [SessionConfig.InputSampleRate]. Returns ErrSessionClosed
	// after Close.
	SendAudio(frame audio.AudioFrame) error

	// SendToolResponse answers a tool call received through Events.
	SendToolResponse(resp ToolResponse) error

	// InjectTextContext inserts items into the conversation and asks the model
	// to respond to them.
	InjectTextContext(items []ContextItem) error

	// Events returns the channel of everything the model produces. The channel
	// is closed when the session ends, either by Close or because the remote
	// side went away. Consumers must drain it promptly to prevent backpressure
	// from stalling the provider's receive loop.
	Events() <-chan Event

	// Err returns the error that caused the Events channel to close, or nil if
	// the session ended cleanly.
	Err() error

	// Close terminates the session, releases all resources, and closes the
	// Events channel. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use; every screened call opens
// its own session.
type Provider interface {
	// Connect establishes a new S2S session with the given configuration. It
	// returns only after the service has acknowledged the configuration, so
	// the returned SessionHandle accepts audio immediately.
	//
	// Returns an error if the session cannot be established (e.g.,
	// authentication failure, rejected configuration, or ctx cancelled). The
	// caller owns the SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider's underlying model.
	Capabilities() Capabilities
}
