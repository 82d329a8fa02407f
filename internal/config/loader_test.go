package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/intervox/internal/config"
)

func validConfig() *config.Config {
	cfg := &config.Config{
		Transcription: config.TranscriptionConfig{APIKey: "dg"},
		Responder:     config.ResponderConfig{URL: "ws://localhost/reply", APIKey: "rs"},
		Archive:       config.ArchiveConfig{PostgresDSN: "postgres://localhost/test"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	t.Parallel()
	if err := config.Validate(validConfig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = "verbose" },
			want:   "server.log_level",
		},
		{
			name:   "missing transcription key",
			mutate: func(c *config.Config) { c.Transcription.APIKey = "" },
			want:   "transcription.api_key",
		},
		{
			name:   "auth scheme",
			mutate: func(c *config.Config) { c.Transcription.AuthScheme = "Basic" },
			want:   "transcription.auth_scheme",
		},
		{
			name: "empty keyword",
			mutate: func(c *config.Config) {
				c.Transcription.Keywords = []config.KeywordConfig{{Keyword: "Acme"}, {Boost: 1}}
			},
			want: "transcription.keywords[1].keyword",
		},
		{
			name:   "negative keepalive",
			mutate: func(c *config.Config) { c.Transcription.KeepAlive = config.Duration(-time.Second) },
			want:   "transcription.keepalive",
		},
		{
			name:   "missing responder url",
			mutate: func(c *config.Config) { c.Responder.URL = "" },
			want:   "responder.url",
		},
		{
			name:   "playback format",
			mutate: func(c *config.Config) { c.Playback.Format = "mp3" },
			want:   "playback.format",
		},
		{
			name:   "channels",
			mutate: func(c *config.Config) { c.Playback.Channels = 6 },
			want:   "playback.channels",
		},
		{
			name: "opus sample rate",
			mutate: func(c *config.Config) {
				c.Playback.Format = config.FormatOpus
				c.Playback.SampleRate = 44100
			},
			want: "not an Opus rate",
		},
		{
			name:   "negative max turns",
			mutate: func(c *config.Config) { c.Session.MaxTurns = -1 },
			want:   "session.max_turns",
		},
		{
			name:   "negative turn timeout",
			mutate: func(c *config.Config) { c.Session.TurnTimeout = config.Duration(-time.Second) },
			want:   "session.turn_timeout",
		},
		{
			name:   "negative retries",
			mutate: func(c *config.Config) { c.Session.ConnectRetries = -2 },
			want:   "session.connect_retries",
		},
		{
			name: "max backoff below backoff",
			mutate: func(c *config.Config) {
				c.Session.ConnectBackoff = config.Duration(2 * time.Second)
				c.Session.MaxBackoff = config.Duration(time.Second)
			},
			want: "session.max_backoff",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_OptionalFieldsOnlyWarn(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Responder.APIKey = ""
	cfg.Archive.PostgresDSN = ""
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Transcription.APIKey = ""
	cfg.Responder.URL = ""
	cfg.Session.MaxTurns = -1

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) {
		t.Fatalf("expected joined error, got %T", err)
	}
	if n := len(joined.Unwrap()); n != 3 {
		t.Errorf("expected 3 errors, got %d: %v", n, err)
	}
}
