package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8080"
	DefaultLogLevel       = LogInfo
	DefaultDeviceFormat   = "pulse"
	DefaultDevice         = "default"
	DefaultSampleRate     = 24000
	DefaultChannels       = 1
	DefaultTurnTimeout    = 30 * time.Second
	DefaultConnectRetries = 5
	DefaultConnectBackoff = time.Second
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands $VAR and ${VAR} references
// from the environment, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), expandVar)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandVar resolves one variable reference. Unset variables expand to "" and are reported,
// since the usual culprit is a missing API key export.
func expandVar(name string) string {
	v, ok := os.LookupEnv(name)
	if !ok {
		slog.Warn("config: environment variable referenced but not set", "name", name)
	}
	return v
}

// ApplyDefaults fills zero-valued fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Capture.InputFormat == "" {
		cfg.Capture.InputFormat = DefaultDeviceFormat
	}
	if cfg.Capture.InputDevice == "" {
		cfg.Capture.InputDevice = DefaultDevice
	}
	if cfg.Playback.Format == "" {
		cfg.Playback.Format = FormatWAV
	}
	if cfg.Playback.SampleRate == 0 {
		cfg.Playback.SampleRate = DefaultSampleRate
	}
	if cfg.Playback.Channels == 0 {
		cfg.Playback.Channels = DefaultChannels
	}
	if cfg.Playback.OutputFormat == "" {
		cfg.Playback.OutputFormat = DefaultDeviceFormat
	}
	if cfg.Playback.OutputDevice == "" {
		cfg.Playback.OutputDevice = DefaultDevice
	}
	if cfg.Session.TurnTimeout == 0 {
		cfg.Session.TurnTimeout = Duration(DefaultTurnTimeout)
	}
	if cfg.Session.ConnectRetries == 0 {
		cfg.Session.ConnectRetries = DefaultConnectRetries
	}
	if cfg.Session.ConnectBackoff == 0 {
		cfg.Session.ConnectBackoff = Duration(DefaultConnectBackoff)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Transcription
	if cfg.Transcription.APIKey == "" {
		errs = append(errs, errors.New("transcription.api_key is required"))
	}
	switch cfg.Transcription.AuthScheme {
	case "", "Token", "Bearer":
	default:
		errs = append(errs, fmt.Errorf("transcription.auth_scheme %q is invalid; valid values: Token, Bearer", cfg.Transcription.AuthScheme))
	}
	for i, kw := range cfg.Transcription.Keywords {
		if kw.Keyword == "" {
			errs = append(errs, fmt.Errorf("transcription.keywords[%d].keyword is required", i))
		}
	}
	if cfg.Transcription.KeepAlive < 0 {
		errs = append(errs, errors.New("transcription.keepalive must not be negative"))
	}

	// Responder
	if cfg.Responder.URL == "" {
		errs = append(errs, errors.New("responder.url is required"))
	}
	if cfg.Responder.APIKey == "" {
		slog.Warn("responder.api_key is empty; replies are requested without authentication")
	}

	// Playback
	if cfg.Playback.Format != "" && !cfg.Playback.Format.IsValid() {
		errs = append(errs, fmt.Errorf("playback.format %q is invalid; valid values: wav, pcm, opus", cfg.Playback.Format))
	}
	if cfg.Playback.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("playback.sample_rate %d must be positive", cfg.Playback.SampleRate))
	}
	if cfg.Playback.Channels < 0 || cfg.Playback.Channels > 2 {
		errs = append(errs, fmt.Errorf("playback.channels %d is out of range [1, 2]", cfg.Playback.Channels))
	}
	if cfg.Playback.Format == FormatOpus {
		switch cfg.Playback.SampleRate {
		case 0, 8000, 12000, 16000, 24000, 48000:
		default:
			errs = append(errs, fmt.Errorf("playback.sample_rate %d is not an Opus rate (8000, 12000, 16000, 24000, 48000)", cfg.Playback.SampleRate))
		}
	}

	// Archive
	if cfg.Archive.PostgresDSN == "" {
		slog.Warn("archive.postgres_dsn is empty; finished turns will not be archived")
	}

	// Session
	if cfg.Session.TurnTimeout < 0 {
		errs = append(errs, errors.New("session.turn_timeout must not be negative"))
	}
	if cfg.Session.MaxTurns < 0 {
		errs = append(errs, errors.New("session.max_turns must not be negative"))
	}
	if cfg.Session.ConnectRetries < 0 {
		errs = append(errs, errors.New("session.connect_retries must not be negative"))
	}
	if cfg.Session.MaxBackoff != 0 && cfg.Session.MaxBackoff < cfg.Session.ConnectBackoff {
		errs = append(errs, fmt.Errorf("session.max_backoff %s is shorter than session.connect_backoff %s",
			cfg.Session.MaxBackoff.Std(), cfg.Session.ConnectBackoff.Std()))
	}

	return errors.Join(errs...)
}
