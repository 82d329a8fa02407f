// Package config provides the configuration schema, loader and file watcher
// for intervox.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
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

// SlogLevel maps l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// PlaybackFormat is the encoding of reply audio fragments.
type PlaybackFormat string

const (
	// FormatWAV fragments are complete WAV files.
	FormatWAV PlaybackFormat = "wav"

	// FormatPCM fragments are headerless 16-bit little-endian PCM.
	FormatPCM PlaybackFormat = "pcm"

	// FormatOpus fragments hold one Opus packet each.
	FormatOpus PlaybackFormat = "opus"
)

// IsValid reports whether f is a recognised fragment format.
func (f PlaybackFormat) IsValid() bool {
	switch f {
	case FormatWAV, FormatPCM, FormatOpus:
		return true
	}
	return false
}

// Duration is a [time.Duration] that decodes from YAML strings such as
// "30s" or "1m30s".
type Duration time.Duration

// UnmarshalText implements [encoding.TextUnmarshaler].
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements [encoding.TextMarshaler].
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for intervox.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Capture       CaptureConfig       `yaml:"capture"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Responder     ResponderConfig     `yaml:"responder"`
	Playback      PlaybackConfig      `yaml:"playback"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Session       SessionConfig       `yaml:"session"`
}

// ServerConfig holds the HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the probe, metrics and control
	// endpoints (e.g. ":8080"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Changes are applied without restart.
	LogLevel LogLevel `yaml:"log_level"`
}

// CaptureConfig selects the microphone.
type CaptureConfig struct {
	// Command is the ffmpeg binary. Defaults to "ffmpeg" on PATH.
	Command string `yaml:"command"`

	// InputFormat is the ffmpeg input device format, e.g. "pulse" or
	// "avfoundation".
	InputFormat string `yaml:"input_format"`

	// InputDevice names the device for InputFormat, e.g. "default".
	InputDevice string `yaml:"input_device"`

	// EchoCancelDevice, when set, is used instead of InputDevice. Point it at
	// an echo-cancelling source such as a PulseAudio module-echo-cancel sink.
	EchoCancelDevice string `yaml:"echo_cancel_device"`
}

// TranscriptionConfig configures the streaming transcription endpoint.
type TranscriptionConfig struct {
	// BaseURL overrides the Deepgram streaming endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates the connection. Use ${ENV_VAR} references.
	APIKey string `yaml:"api_key"`

	// AuthScheme is "Token" (API keys) or "Bearer" (temporary tokens).
	AuthScheme string `yaml:"auth_scheme"`

	Model    string `yaml:"model"`
	Language string `yaml:"language"`

	// Keywords boosts recognition of uncommon terms such as the company name.
	Keywords []KeywordConfig `yaml:"keywords"`

	// KeepAlive is the keep-alive interval during silence. Zero disables it.
	KeepAlive Duration `yaml:"keepalive"`
}

// KeywordConfig is one boosted term.
type KeywordConfig struct {
	Keyword string  `yaml:"keyword"`
	Boost   float64 `yaml:"boost"`
}

// ResponderConfig configures the reply delivery channel.
type ResponderConfig struct {
	// URL is the WebSocket endpoint of the response service.
	URL string `yaml:"url"`

	// APIKey is sent as a bearer token.
	APIKey string `yaml:"api_key"`
}

// PlaybackConfig configures reply decoding and the speaker.
type PlaybackConfig struct {
	// Format of reply fragments. Defaults to "wav".
	Format PlaybackFormat `yaml:"format"`

	// SampleRate and Channels describe pcm and opus fragments and the
	// output device. Default 24000 Hz mono.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// Command is the ffmpeg binary. Defaults to "ffmpeg" on PATH.
	Command string `yaml:"command"`

	// OutputFormat and OutputDevice select the speaker, e.g. "pulse" and
	// "default".
	OutputFormat string `yaml:"output_format"`
	OutputDevice string `yaml:"output_device"`

	// StartSuspended holds playback until the output is resumed through
	// the control endpoint.
	StartSuspended bool `yaml:"start_suspended"`
}

// ArchiveConfig configures persistence of finished turns.
type ArchiveConfig struct {
	// PostgresDSN enables the turn archive when set.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// SessionConfig configures the turn loop.
type SessionConfig struct {
	// ID tags archived turns and replies. Defaults to a timestamp.
	ID string `yaml:"id"`

	// TurnTimeout bounds how long one answer is recorded. Default 30s.
	TurnTimeout Duration `yaml:"turn_timeout"`

	// MaxTurns ends the session after this many answered turns. Zero means
	// no limit.
	MaxTurns int `yaml:"max_turns"`

	// ConnectRetries and ConnectBackoff configure transcription reconnects.
	ConnectRetries int      `yaml:"connect_retries"`
	ConnectBackoff Duration `yaml:"connect_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

// IDOrDefault returns ID, or a timestamp-based ID when none is configured.
func (s SessionConfig) IDOrDefault(now time.Time) string {
	if s.ID != "" {
		return s.ID
	}
	return "session-" + now.UTC().Format("20060102T150405Z")
}
