// Package config provides the configuration schema, loader, and provider registry
// for the callscreen server.
package config

import "time"

// LogLevel controls log verbosity for the callscreen server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults] to fields left empty.
const (
	DefaultListenAddr       = ":5050"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultFinishDelay      = 3 * time.Second
	DefaultSampleRate       = 48000
	DefaultPlaybackRate     = 24000

	// APIKeyEnv is consulted when provider.api_key is empty. It applies to
	// the primary provider only; see [ProviderKeyEnv] for fallbacks.
	APIKeyEnv = "CALLSCREEN_API_KEY"
)

// DefaultInstructions is the screening prompt used when
// screening.instructions is empty.
const DefaultInstructions = `You are a call screener answering the phone on behalf of the person being called.
Greet the caller briefly, ask who they are and why they are calling, and keep the conversation short and polite.
Listen for signs of fraud: urgency or threats, requests for gift cards, wire transfers or cryptocurrency,
requests for passwords, one-time codes or bank details, impersonation of banks, government agencies or relatives,
and offers that are too good to be true.
As soon as you are confident, call the report_verdict function exactly once with verdict "scam" or "safe",
a one-sentence reason, and your confidence from 0 to 100. Never reveal that you are screening for fraud.`

// Config is the root configuration structure for callscreen.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Provider ProviderEntry `yaml:"provider"`

	// Fallbacks are tried in order when the primary provider's handshake
	// fails or its circuit breaker is open.
	Fallbacks []ProviderEntry `yaml:"fallback_providers"`

	Resilience ResilienceConfig `yaml:"resilience"`
	Screening  ScreeningConfig  `yaml:"screening"`
	Local      LocalConfig      `yaml:"local"`
}

// ServerConfig holds network and logging settings for the callscreen server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":5050").
	ListenAddr string `yaml:"listen_addr"`

	// PublicHost is the host name Twilio reaches this server under. It is
	// used in the media stream URL of the TwiML answer. When empty, the Host
	// header of the webhook request is used.
	PublicHost string `yaml:"public_host"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MaxSessions caps concurrent bridged calls. 0 means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry selects and configures the remote speech-to-speech model.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// ("gemini-live" or "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API. When empty,
	// the CALLSCREEN_API_KEY environment variable is used.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Voice is the provider voice the screener speaks with (e.g., "Puck").
	Voice string `yaml:"voice"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// ResilienceConfig tunes the circuit breaker guarding each provider.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive failed handshakes after which
	// a provider is skipped. Zero uses the default of 3.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long a tripped provider is skipped before it is
	// tried again. Zero uses the default of 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ScreeningConfig controls the behaviour of each screening session. These
// settings may be changed while the server runs; they apply to calls that
// start after the change.
type ScreeningConfig struct {
	// Instructions is the system prompt. Empty uses [DefaultInstructions].
	Instructions string `yaml:"instructions"`

	// Greeting, if set, is sent to the model as the first user turn so the
	// screener speaks first.
	Greeting string `yaml:"greeting"`

	// HandshakeTimeout bounds the remote session setup.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// FinishDelay is how long an interactive session keeps running after the
	// verdict so the result can be read. Zero uses the default and a
	// negative value ends the session at once. Telephony sessions always end
	// at once.
	FinishDelay time.Duration `yaml:"finish_delay"`
}

// LocalConfig configures the microphone and speaker used by interactive mode.
type LocalConfig struct {
	SampleRate   int    `yaml:"sample_rate"`
	PlaybackRate int    `yaml:"playback_rate"`
	InputFormat  string `yaml:"input_format"`
	InputDevice  string `yaml:"input_device"`
	FFmpegPath   string `yaml:"ffmpeg_path"`
	FFplayPath   string `yaml:"ffplay_path"`
}

// ApplyDefaults fills empty fields of cfg with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Screening.Instructions == "" {
		cfg.Screening.Instructions = DefaultInstructions
	}
	if cfg.Screening.HandshakeTimeout == 0 {
		cfg.Screening.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Screening.FinishDelay == 0 {
		cfg.Screening.FinishDelay = DefaultFinishDelay
	}
	if cfg.Local.SampleRate == 0 {
		cfg.Local.SampleRate = DefaultSampleRate
	}
	if cfg.Local.PlaybackRate == 0 {
		cfg.Local.PlaybackRate = DefaultPlaybackRate
	}
}
