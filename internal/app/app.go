// Package app wires all intervox subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates every component from
// the config, Run drives the interview session and the control server, and
// Shutdown tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithDevice,
// WithTransport, WithSink, WithResponder). When an option is not provided,
// New creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/intervox/internal/archive"
	"github.com/MrWong99/intervox/internal/config"
	"github.com/MrWong99/intervox/internal/observe"
	"github.com/MrWong99/intervox/internal/resilience"
	"github.com/MrWong99/intervox/internal/responder"
	"github.com/MrWong99/intervox/internal/session"
	"github.com/MrWong99/intervox/pkg/audio/capture"
	"github.com/MrWong99/intervox/pkg/audio/playback"
	"github.com/MrWong99/intervox/pkg/provider/stt"
	"github.com/MrWong99/intervox/pkg/provider/stt/deepgram"
)

const (
	readHeaderTimeout     = 5 * time.Second
	serverShutdownTimeout = 5 * time.Second
)

// App owns all subsystem lifetimes of one interview session.
type App struct {
	cfg       *config.Config
	sessionID string
	level     *slog.LevelVar

	device    capture.Device
	recorder  *capture.Recorder
	transport stt.Transport
	sink      playback.SinkOpener
	output    *playback.StreamOutput
	engine    *playback.Engine
	responder session.Responder
	archive   *archive.Store
	metrics   *observe.Metrics
	orch      *session.Orchestrator
	handler   http.Handler
	scrape    http.Handler

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevice injects the microphone instead of an ffmpeg capture process.
func WithDevice(d capture.Device) Option {
	return func(a *App) { a.device = d }
}

// WithTransport injects the transcription transport instead of Deepgram.
func WithTransport(t stt.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithSink injects the playback sink instead of an ffmpeg output process.
func WithSink(s playback.SinkOpener) Option {
	return func(a *App) { a.sink = s }
}

// WithResponder injects the reply source instead of the WebSocket client.
func WithResponder(r session.Responder) Option {
	return func(a *App) { a.responder = r }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler behind GET /metrics. Defaults to the
// Prometheus default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithLevelVar sets the level variable adjusted on config reloads.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The archive
// connection is established synchronously; the transcription and reply
// connections are opened by Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.SlogLevel())
	}
	a.sessionID = cfg.Session.IDOrDefault(time.Now())

	// ── 1. Capture ───────────────────────────────────────────────────────
	a.initCapture()

	// ── 2. Transcription ─────────────────────────────────────────────────
	if err := a.initTranscription(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init transcription: %w", err)
	}

	// ── 3. Playback ──────────────────────────────────────────────────────
	if err := a.initPlayback(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init playback: %w", err)
	}

	// ── 4. Responder ─────────────────────────────────────────────────────
	if err := a.initResponder(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init responder: %w", err)
	}

	// ── 5. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 6. Session ───────────────────────────────────────────────────────
	sopts := []session.Option{session.WithMetrics(a.metrics)}
	if a.archive != nil {
		sopts = append(sopts, session.WithArchive(&guardedArchive{
			store:   a.archive,
			breaker: resilience.New(resilience.Config{Name: "archive"}),
		}))
	}
	s := cfg.Session
	a.orch = session.New(session.Config{
		SessionID:      a.sessionID,
		TurnTimeout:    s.TurnTimeout.Std(),
		MaxTurns:       s.MaxTurns,
		ConnectRetries: s.ConnectRetries,
		ConnectBackoff: s.ConnectBackoff.Std(),
		MaxBackoff:     s.MaxBackoff.Std(),
	}, a.recorder, a.transport, a.responder, a.engine, sopts...)

	// ── 7. Control server ────────────────────────────────────────────────
	a.handler = a.routes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initCapture() {
	if a.device == nil {
		c := a.cfg.Capture
		a.device = capture.NewFFmpegDevice(capture.FFmpegConfig{
			Command:          c.Command,
			InputFormat:      c.InputFormat,
			InputDevice:      c.InputDevice,
			EchoCancelDevice: c.EchoCancelDevice,
		})
	}
	a.recorder = capture.NewRecorder(a.device)
	a.closers = append(a.closers, a.recorder.Close)
}

func (a *App) initTranscription() error {
	if a.transport == nil {
		t := a.cfg.Transcription
		opts := []deepgram.Option{
			deepgram.WithSampleRate(capture.CaptureProfile.SampleRate),
			deepgram.WithChannels(capture.CaptureProfile.Channels),
		}
		if t.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(t.BaseURL))
		}
		if t.AuthScheme != "" {
			opts = append(opts, deepgram.WithAuthScheme(t.AuthScheme))
		}
		if t.Model != "" {
			opts = append(opts, deepgram.WithModel(t.Model))
		}
		if t.Language != "" {
			opts = append(opts, deepgram.WithLanguage(t.Language))
		}
		if t.KeepAlive > 0 {
			opts = append(opts, deepgram.WithKeepAlive(t.KeepAlive.Std()))
		}
		for _, kw := range t.Keywords {
			opts = append(opts, deepgram.WithKeywords(stt.KeywordBoost{Keyword: kw.Keyword, Boost: kw.Boost}))
		}
		tr, err := deepgram.New(t.APIKey, opts...)
		if err != nil {
			return err
		}
		a.transport = tr
	}
	a.closers = append(a.closers, a.transport.Close)
	return nil
}

func (a *App) initPlayback() error {
	p := a.cfg.Playback
	dec, err := newDecoder(p)
	if err != nil {
		return err
	}
	if a.sink == nil {
		a.sink = playback.FFmpegSink(playback.FFmpegSinkConfig{
			Command:      p.Command,
			OutputFormat: p.OutputFormat,
			OutputDevice: p.OutputDevice,
		})
	}
	var oopts []playback.OutputOption
	if p.StartSuspended {
		oopts = append(oopts, playback.WithStartSuspended())
	}
	a.output = playback.NewStreamOutput(a.sink, p.SampleRate, p.Channels, oopts...)
	a.engine = playback.NewEngine(dec, a.output)
	// Engine.Close releases the output as well.
	a.closers = append(a.closers, a.engine.Close)
	return nil
}

// newDecoder returns the fragment decoder for the configured format.
func newDecoder(p config.PlaybackConfig) (playback.Decoder, error) {
	switch p.Format {
	case config.FormatPCM:
		return playback.PCMDecoder{SampleRate: p.SampleRate, Channels: p.Channels}, nil
	case config.FormatOpus:
		return playback.NewOpusDecoder(p.SampleRate, p.Channels)
	case config.FormatWAV, "":
		return playback.WAVDecoder{}, nil
	default:
		return nil, fmt.Errorf("unknown playback format %q", p.Format)
	}
}

func (a *App) initResponder() error {
	if a.responder != nil {
		return nil
	}
	c, err := responder.New(a.cfg.Responder.URL, a.cfg.Responder.APIKey,
		responder.WithSessionID(a.sessionID))
	if err != nil {
		return err
	}
	a.responder = c
	a.closers = append(a.closers, c.Close)
	return nil
}

func (a *App) initArchive(ctx context.Context) error {
	dsn := a.cfg.Archive.PostgresDSN
	if dsn == "" {
		return nil
	}
	store, err := archive.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.archive = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// guardedArchive skips archive writes while the database keeps failing.
type guardedArchive struct {
	store   session.Archive
	breaker *resilience.Breaker
}

func (g *guardedArchive) SaveTurn(ctx context.Context, t archive.Turn) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.store.SaveTurn(ctx, t)
	})
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the interview session and, when a listen address is
// configured, the control server. It blocks until the session ends or ctx is
// cancelled; both stop the server.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.handler,
			ReadHeaderTimeout: readHeaderTimeout,
		}
		g.Go(func() error {
			slog.Info("control server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve %s: %w", addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), serverShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		// The session ending on its own stops the control server too.
		defer cancel()
		slog.Info("interview session starting", "session_id", a.sessionID)
		if err := a.orch.Run(gctx); err != nil {
			return fmt.Errorf("app: session: %w", err)
		}
		slog.Info("interview session ended", "session_id", a.sessionID, "turns", a.orch.Turns())
		return nil
	})

	return g.Wait()
}

// Handler returns the control server's HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// ApplyConfig reacts to a reloaded config. Only the log level takes effect
// immediately; other changed sections are reported as needing a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New had built before failing.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
