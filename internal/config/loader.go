package config

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the speech-to-speech providers that ship with
// callscreen. Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "openai-realtime"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// ProviderKeyEnv returns the environment variable holding the API key of the
// provider called name, e.g. CALLSCREEN_OPENAI_REALTIME_API_KEY for
// "openai-realtime". It is consulted for every provider entry whose api_key
// is empty, and takes precedence over [APIKeyEnv].
func ProviderKeyEnv(name string) string {
	key := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, name)
	return "CALLSCREEN_" + key + "_API_KEY"
}

// LoadFromReader decodes a YAML config from r, fills in defaults and the API
// key from the environment, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = cmp.Or(os.Getenv(ProviderKeyEnv(cfg.Provider.Name)), os.Getenv(APIKeyEnv))
	}
	for i := range cfg.Fallbacks {
		if fb := &cfg.Fallbacks[i]; fb.APIKey == "" && fb.Name != "" {
			fb.APIKey = os.Getenv(ProviderKeyEnv(fb.Name))
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if strings.Contains(cfg.Server.PublicHost, "/") {
		errs = append(errs, fmt.Errorf("server.public_host %q must be a bare host name without scheme or path", cfg.Server.PublicHost))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else {
		validateProviderName(cfg.Provider.Name)
	}
	if cfg.Provider.Name != "" && cfg.Provider.APIKey == "" && cfg.Provider.BaseURL == "" {
		slog.Warn("provider.api_key is empty and " + APIKeyEnv + " is not set; the remote model will likely reject the connection")
	}

	for i, fb := range cfg.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("fallback_providers[%d].name is required", i))
			continue
		}
		validateProviderName(fb.Name)
		if fb.APIKey == "" && fb.BaseURL == "" {
			slog.Warn("fallback provider has no api_key and "+ProviderKeyEnv(fb.Name)+" is not set; it will fail its handshake", "index", i, "name", fb.Name)
		}
		if fb.Name == cfg.Provider.Name && fb.BaseURL == cfg.Provider.BaseURL && fb.Model == cfg.Provider.Model {
			slog.Warn("fallback provider is identical to the primary", "index", i, "name", fb.Name)
		}
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", cfg.Resilience.ResetTimeout))
	}

	// Screening
	if cfg.Screening.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("screening.handshake_timeout %s must not be negative", cfg.Screening.HandshakeTimeout))
	}

	// Local
	if cfg.Local.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("local.sample_rate %d must be positive", cfg.Local.SampleRate))
	}
	if cfg.Local.PlaybackRate < 0 {
		errs = append(errs, fmt.Errorf("local.playback_rate %d must be positive", cfg.Local.PlaybackRate))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not found in
// [ValidProviderNames].
func validateProviderName(name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
