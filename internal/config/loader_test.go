package config_test

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/callscreen/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name: "minimal",
			yaml: "provider:\n  name: gemini-live\n  api_key: k\n",
		},
		{
			name: "unknown provider only warns",
			yaml: "provider:\n  name: acme-voice\n  api_key: k\n",
		},
		{
			name:    "provider required",
			yaml:    "server:\n  listen_addr: \":9000\"\n",
			wantErr: []string{"provider.name is required"},
		},
		{
			name:    "bad log level",
			yaml:    "server:\n  log_level: bananas\nprovider:\n  name: gemini-live\n",
			wantErr: []string{"server.log_level"},
		},
		{
			name:    "negative max sessions",
			yaml:    "server:\n  max_sessions: -1\nprovider:\n  name: gemini-live\n",
			wantErr: []string{"server.max_sessions"},
		},
		{
			name:    "public host with scheme",
			yaml:    "server:\n  public_host: https://calls.example.com\nprovider:\n  name: gemini-live\n",
			wantErr: []string{"server.public_host"},
		},
		{
			name:    "incomplete tls",
			yaml:    "server:\n  tls:\n    cert_file: cert.pem\nprovider:\n  name: gemini-live\n",
			wantErr: []string{"server.tls"},
		},
		{
			name:    "negative handshake timeout",
			yaml:    "provider:\n  name: gemini-live\nscreening:\n  handshake_timeout: -1s\n",
			wantErr: []string{"screening.handshake_timeout"},
		},
		{
			name:    "negative local rates",
			yaml:    "provider:\n  name: gemini-live\nlocal:\n  sample_rate: -8000\n  playback_rate: -1\n",
			wantErr: []string{"local.sample_rate", "local.playback_rate"},
		},
		{
			name:    "fallback without name",
			yaml:    "provider:\n  name: gemini-live\nfallback_providers:\n  - api_key: k\n",
			wantErr: []string{"fallback_providers[0].name"},
		},
		{
			name:    "negative resilience settings",
			yaml:    "provider:\n  name: gemini-live\nresilience:\n  max_failures: -1\n  reset_timeout: -5s\n",
			wantErr: []string{"resilience.max_failures", "resilience.reset_timeout"},
		},
		{
			name:    "errors are joined",
			yaml:    "server:\n  log_level: loud\n  max_sessions: -3\n",
			wantErr: []string{"server.log_level", "server.max_sessions", "provider.name"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error mentioning %v, got nil", tt.wantErr)
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error should mention %q, got: %v", want, err)
				}
			}
		})
	}
}

func TestValidate_NegativeFinishDelayAllowed(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("provider:\n  name: gemini-live\nscreening:\n  finish_delay: -1s\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Screening.FinishDelay >= 0 {
		t.Errorf("finish_delay: got %v, want the negative value kept", cfg.Screening.FinishDelay)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Provider.Name != "gemini-live" {
		t.Errorf("provider.name: got %q, want gemini-live", cfg.Provider.Name)
	}
	if len(cfg.Fallbacks) != 1 || cfg.Fallbacks[0].Voice != "alloy" {
		t.Errorf("fallback_providers: got %+v", cfg.Fallbacks)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want fs.ErrNotExist", err)
	}
}
