package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; the rest are
// reported so the operator can be told a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ScreeningChanged is true if any screening setting or the provider
	// voice changed. New sessions pick up the change.
	ScreeningChanged bool

	// RestartRequired lists the settings that changed but only take effect
	// after a restart, by their YAML path.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ScreeningChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Screening
	if old.Screening != new.Screening || old.Provider.Voice != new.Provider.Voice {
		d.ScreeningChanged = true
	}

	// Restart-only settings
	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.public_host", old.Server.PublicHost != new.Server.PublicHost)
	restart("server.max_sessions", old.Server.MaxSessions != new.Server.MaxSessions)
	restart("server.tls", !sameTLS(old.Server.TLS, new.Server.TLS))
	restart("provider.name", old.Provider.Name != new.Provider.Name)
	restart("provider.api_key", old.Provider.APIKey != new.Provider.APIKey)
	restart("provider.base_url", old.Provider.BaseURL != new.Provider.BaseURL)
	restart("provider.model", old.Provider.Model != new.Provider.Model)
	restart("fallback_providers", !slices.EqualFunc(old.Fallbacks, new.Fallbacks, sameEntry))
	restart("resilience", old.Resilience != new.Resilience)
	restart("local", old.Local != new.Local)

	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// sameEntry compares the connection settings of two provider entries.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && a.Voice == b.Voice
}
