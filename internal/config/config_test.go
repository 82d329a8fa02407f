package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/intervox/internal/config"
	"gopkg.in/yaml.v3"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

capture:
  input_format: avfoundation
  input_device: ":1"
  echo_cancel_device: echo-cancel-source

transcription:
  api_key: dg-test
  auth_scheme: Bearer
  model: nova-3
  language: en-US
  keywords:
    - keyword: Acme
      boost: 2.5
  keepalive: 8s

responder:
  url: wss://replies.example.com/v1/stream
  api_key: rs-test

playback:
  format: opus
  sample_rate: 48000
  channels: 2
  start_suspended: true

archive:
  postgres_dsn: postgres://localhost/intervox

session:
  id: onsite-1
  turn_timeout: 45s
  max_turns: 12
  connect_retries: 3
  connect_backoff: 500ms
  max_backoff: 10s
`

const minimalYAML = `
transcription:
  api_key: dg-test
responder:
  url: ws://localhost:9000/reply
`

func mustLoad(t *testing.T, yamlText string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yamlText))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func loadErr(t *testing.T, yamlText string) error {
	t.Helper()
	_, err := config.LoadFromReader(strings.NewReader(yamlText))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	return err
}

// ── LoadFromReader ───────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Capture.EchoCancelDevice != "echo-cancel-source" {
		t.Errorf("echo_cancel_device: got %q", cfg.Capture.EchoCancelDevice)
	}
	if cfg.Transcription.AuthScheme != "Bearer" || cfg.Transcription.Model != "nova-3" {
		t.Errorf("transcription: got %+v", cfg.Transcription)
	}
	if len(cfg.Transcription.Keywords) != 1 || cfg.Transcription.Keywords[0] != (config.KeywordConfig{Keyword: "Acme", Boost: 2.5}) {
		t.Errorf("keywords: got %+v", cfg.Transcription.Keywords)
	}
	if cfg.Transcription.KeepAlive.Std() != 8*time.Second {
		t.Errorf("keepalive: got %s", cfg.Transcription.KeepAlive.Std())
	}
	if cfg.Responder.URL != "wss://replies.example.com/v1/stream" || cfg.Responder.APIKey != "rs-test" {
		t.Errorf("responder: got %+v", cfg.Responder)
	}
	if cfg.Playback.Format != config.FormatOpus || cfg.Playback.SampleRate != 48000 || cfg.Playback.Channels != 2 {
		t.Errorf("playback: got %+v", cfg.Playback)
	}
	if !cfg.Playback.StartSuspended {
		t.Error("start_suspended: got false")
	}
	if cfg.Archive.PostgresDSN != "postgres://localhost/intervox" {
		t.Errorf("postgres_dsn: got %q", cfg.Archive.PostgresDSN)
	}
	s := cfg.Session
	if s.ID != "onsite-1" || s.MaxTurns != 12 || s.ConnectRetries != 3 {
		t.Errorf("session: got %+v", s)
	}
	if s.TurnTimeout.Std() != 45*time.Second || s.ConnectBackoff.Std() != 500*time.Millisecond || s.MaxBackoff.Std() != 10*time.Second {
		t.Errorf("session durations: got %s %s %s", s.TurnTimeout.Std(), s.ConnectBackoff.Std(), s.MaxBackoff.Std())
	}
}

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, minimalYAML)

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
	}
	if cfg.Server.LogLevel != config.DefaultLogLevel {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Capture.InputFormat != config.DefaultDeviceFormat || cfg.Capture.InputDevice != config.DefaultDevice {
		t.Errorf("capture: got %+v", cfg.Capture)
	}
	if cfg.Playback.Format != config.FormatWAV {
		t.Errorf("playback.format: got %q", cfg.Playback.Format)
	}
	if cfg.Playback.SampleRate != config.DefaultSampleRate || cfg.Playback.Channels != config.DefaultChannels {
		t.Errorf("playback: got %+v", cfg.Playback)
	}
	if cfg.Session.TurnTimeout.Std() != config.DefaultTurnTimeout {
		t.Errorf("turn_timeout: got %s", cfg.Session.TurnTimeout.Std())
	}
	if cfg.Session.ConnectRetries != config.DefaultConnectRetries {
		t.Errorf("connect_retries: got %d", cfg.Session.ConnectRetries)
	}
	if cfg.Session.ConnectBackoff.Std() != config.DefaultConnectBackoff {
		t.Errorf("connect_backoff: got %s", cfg.Session.ConnectBackoff.Std())
	}
}

func TestLoadFromReader_EmptyIsInvalid(t *testing.T) {
	t.Parallel()
	err := loadErr(t, "")
	for _, want := range []string{"transcription.api_key", "responder.url"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestLoadFromReader_RejectsUnknownField(t *testing.T) {
	t.Parallel()
	err := loadErr(t, minimalYAML+"speakers: []\n")
	if !strings.Contains(err.Error(), "speakers") {
		t.Errorf("error should mention unknown field, got: %v", err)
	}
}

func TestLoadFromReader_InvalidDuration(t *testing.T) {
	t.Parallel()
	loadErr(t, minimalYAML+"session:\n  turn_timeout: soon\n")
}

func TestLoadFromReader_ExpandsEnvironment(t *testing.T) {
	t.Setenv("INTERVOX_TEST_DG_KEY", "dg-from-env")
	t.Setenv("INTERVOX_TEST_REPLY_HOST", "replies.internal")

	cfg := mustLoad(t, `
transcription:
  api_key: ${INTERVOX_TEST_DG_KEY}
responder:
  url: wss://$INTERVOX_TEST_REPLY_HOST/stream
`)
	if cfg.Transcription.APIKey != "dg-from-env" {
		t.Errorf("api_key: got %q", cfg.Transcription.APIKey)
	}
	if cfg.Responder.URL != "wss://replies.internal/stream" {
		t.Errorf("url: got %q", cfg.Responder.URL)
	}
}

func TestLoadFromReader_UnsetVariableExpandsEmpty(t *testing.T) {
	err := loadErr(t, `
transcription:
  api_key: ${INTERVOX_TEST_UNSET_VARIABLE}
responder:
  url: ws://localhost/reply
`)
	if !strings.Contains(err.Error(), "transcription.api_key is required") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "intervox.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.ID != "onsite-1" {
		t.Errorf("session.id: got %q", cfg.Session.ID)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "missing.yaml") {
		t.Fatalf("expected open error naming the file, got %v", err)
	}
}

// ── Duration ─────────────────────────────────────────────────────────────────

func TestDuration_RoundTrip(t *testing.T) {
	t.Parallel()
	var v struct {
		D config.Duration `yaml:"d"`
	}
	if err := yaml.Unmarshal([]byte("d: 1m30s\n"), &v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v.D.Std() != 90*time.Second {
		t.Fatalf("got %s, want 1m30s", v.D.Std())
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.TrimSpace(string(out)) != "d: 1m30s" {
		t.Errorf("Marshal: got %q", out)
	}
}

// ── Enums ────────────────────────────────────────────────────────────────────

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error(`"trace" should be invalid`)
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := in.SlogLevel(); got != want {
			t.Errorf("%q.SlogLevel() = %v, want %v", in, got, want)
		}
	}
}

func TestPlaybackFormat_IsValid(t *testing.T) {
	t.Parallel()
	for _, f := range []config.PlaybackFormat{config.FormatWAV, config.FormatPCM, config.FormatOpus} {
		if !f.IsValid() {
			t.Errorf("%q should be valid", f)
		}
	}
	if config.PlaybackFormat("mp3").IsValid() {
		t.Error(`"mp3" should be invalid`)
	}
}

func TestSessionConfig_IDOrDefault(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 10, 19, 9, 30, 5, 0, time.FixedZone("CEST", 2*3600))

	if got := (config.SessionConfig{ID: "panel-3"}).IDOrDefault(now); got != "panel-3" {
		t.Errorf("configured ID = %q, want panel-3", got)
	}
	if got := (config.SessionConfig{}).IDOrDefault(now); got != "session-20261019T073005Z" {
		t.Errorf("default ID = %q, want session-20261019T073005Z", got)
	}
}
