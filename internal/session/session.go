// Package session composes capture, transcription, reply delivery and
// playback into the turn loop of one interview.
//
// A turn records the candidate's answer while streaming it to the
// transcription endpoint, waits for the end of the utterance, archives the
// recording, forwards the transcript to the responder and plays the spoken
// reply. The next turn starts once playback is idle again.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/intervox/internal/archive"
	"github.com/MrWong99/intervox/internal/observe"
	"github.com/MrWong99/intervox/pkg/audio"
	"github.com/MrWong99/intervox/pkg/audio/capture"
	"github.com/MrWong99/intervox/pkg/audio/playback"
	"github.com/MrWong99/intervox/pkg/provider/stt"
)

const (
	defaultTurnTimeout = 30 * time.Second
	stopTimeout        = 5 * time.Second
	transcriptBuffer   = 64
)

// Turn status values recorded on the turn counter in addition to
// [observe.StatusOK] and [observe.StatusError].
const (
	statusEmpty       = "empty"
	statusInterrupted = "interrupted"
)

// ErrAlreadyRunning is returned by [Orchestrator.Run] while another Run call
// is active.
var ErrAlreadyRunning = errors.New("session: already running")

// Recorder captures one answer at a time. Implemented by [capture.Recorder].
type Recorder interface {
	StartRecording(ctx context.Context) (*capture.Tap, error)
	StopRecording(ctx context.Context) (*capture.Recording, error)
}

// Responder turns a transcript into a spoken reply delivered as a stream of
// encoded audio fragments. onFragment is called in arrival order; an error
// from it aborts the reply and is returned.
type Responder interface {
	Respond(ctx context.Context, text string, onFragment func([]byte) error) error
}

// Player plays reply fragments. Implemented by [playback.Engine].
type Player interface {
	PlayAudio(ctx context.Context, fragment []byte) error
	Reset() error
	State() playback.State
	OnStateChange(fn func(playback.StateChange)) (remove func())
}

// Archive stores finished turns. Implemented by [archive.Store].
type Archive interface {
	SaveTurn(ctx context.Context, t archive.Turn) error
}

var (
	_ Recorder = (*capture.Recorder)(nil)
	_ Player   = (*playback.Engine)(nil)
	_ Archive  = (*archive.Store)(nil)
)

// Config holds the turn loop settings.
type Config struct {
	// SessionID tags archived turns and log lines.
	SessionID string

	// TurnTimeout bounds how long a turn listens. When it elapses the
	// transcript collected so far is used. Defaults to 30s.
	TurnTimeout time.Duration

	// MaxTurns stops Run after this many answered turns. Zero means no limit.
	MaxTurns int

	// ConnectRetries, ConnectBackoff and MaxBackoff configure the
	// [Reconnector] of the transcription transport.
	ConnectRetries int
	ConnectBackoff time.Duration
	MaxBackoff     time.Duration
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithArchive stores every answered turn in a.
func WithArchive(a Archive) Option {
	return func(o *Orchestrator) {
		o.archive = a
	}
}

// WithMetrics overrides the metrics sink. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithClock replaces time.Now for turn and latency measurements.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator runs the turn loop of one interview session. It does not own
// its dependencies: closing the recorder, transport and player is left to
// the caller.
type Orchestrator struct {
	cfg       Config
	recorder  Recorder
	transport stt.Transport
	responder Responder
	player    Player
	archive   Archive
	metrics   *observe.Metrics
	now       func() time.Time
	log       *slog.Logger

	running     atomic.Bool
	turns       atomic.Int64
	transcripts chan stt.TranscriptEvent
	idle        chan struct{}

	mu          sync.Mutex
	cancelReply context.CancelFunc
	interrupted bool
}

// New returns an Orchestrator. Run starts it.
func New(cfg Config, rec Recorder, tr stt.Transport, resp Responder, player Player, opts ...Option) *Orchestrator {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	o := &Orchestrator{
		cfg:         cfg,
		recorder:    rec,
		transport:   tr,
		responder:   resp,
		player:      player,
		now:         time.Now,
		log:         slog.With("session_id", cfg.SessionID),
		transcripts: make(chan stt.TranscriptEvent, transcriptBuffer),
		idle:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// Turns returns the number of answered turns so far.
func (o *Orchestrator) Turns() int {
	return int(o.turns.Load())
}

// Run connects the transcription transport and loops turns until ctx is
// cancelled, MaxTurns is reached or a turn fails in a way that cannot be
// retried (the microphone is unavailable or the transport cannot be
// connected). Cancellation is a normal shutdown and returns nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer o.running.Store(false)

	o.metrics.ActiveSessions.Add(ctx, 1)
	defer o.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	rc := NewReconnector(ReconnectorConfig{
		Transport:  o.transport,
		MaxRetries: o.cfg.ConnectRetries,
		Backoff:    o.cfg.ConnectBackoff,
		MaxBackoff: o.cfg.MaxBackoff,
		Metrics:    o.metrics,
	})
	defer rc.Stop()

	if err := rc.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	rc.Monitor(ctx)

	removeErr := o.transport.OnError(func(err error) {
		o.log.Warn("session: transcription stream failed", "err", err)
		o.metrics.RecordProviderError(ctx, "transcription", "stream")
		rc.NotifyDisconnect()
	})
	defer removeErr()

	removeTranscript := o.transport.OnTranscript(func(ev stt.TranscriptEvent) {
		o.metrics.RecordTranscript(ctx, ev.IsFinal)
		if !ev.IsFinal {
			o.log.Debug("session: interim transcript", "text", ev.Text)
			return
		}
		select {
		case o.transcripts <- ev:
		default:
			o.log.Warn("session: transcript buffer full, dropping final result", "text", ev.Text)
		}
	})
	defer removeTranscript()

	removeState := o.player.OnStateChange(func(c playback.StateChange) {
		if c.IsPlaying {
			o.metrics.ActivePlayback.Add(ctx, 1)
		} else {
			o.metrics.ActivePlayback.Add(ctx, -1)
		}
		select {
		case o.idle <- struct{}{}:
		default:
		}
	})
	defer removeState()

	o.log.Info("session: started", "max_turns", o.cfg.MaxTurns, "turn_timeout", o.cfg.TurnTimeout)
	for o.cfg.MaxTurns == 0 || o.Turns() < o.cfg.MaxTurns {
		if err := o.runTurn(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
	}
	o.log.Info("session: finished", "turns", o.Turns())
	return nil
}

// runTurn records, transcribes and answers one turn.
func (o *Orchestrator) runTurn(ctx context.Context) error {
	start := o.now()
	index := o.Turns()

	o.drainTranscripts()

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tap, err := o.recorder.StartRecording(turnCtx)
	if err != nil {
		return fmt.Errorf("session: start recording: %w", err)
	}

	var g errgroup.Group
	g.Go(func() error {
		o.forward(turnCtx, tap.Frames())
		return nil
	})

	text, collectErr := o.collect(turnCtx)

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	rec, stopErr := o.recorder.StopRecording(stopCtx)
	stopCancel()
	cancel()
	_ = g.Wait()

	if collectErr != nil {
		return collectErr
	}
	if stopErr != nil {
		return fmt.Errorf("session: stop recording: %w", stopErr)
	}
	if tap.Dropped() > 0 {
		o.log.Warn("session: audio frames not forwarded to transcription", "dropped", tap.Dropped())
	}

	if text == "" {
		o.log.Debug("session: no speech detected", "turn", index)
		o.metrics.RecordTurn(ctx, statusEmpty, o.now().Sub(start))
		return nil
	}
	o.metrics.RecordingDuration.Record(ctx, rec.Duration.Seconds())
	o.log.Info("session: answer transcribed", "turn", index, "duration", rec.Duration, "chars", len(text))

	o.archiveTurn(ctx, index, text, rec)

	status := o.respond(ctx, text)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := o.waitIdle(ctx); err != nil {
		return err
	}

	o.turns.Add(1)
	o.metrics.RecordTurn(ctx, status, o.now().Sub(start))
	return nil
}

// forward streams tap frames to the transport until the recording ends.
func (o *Orchestrator) forward(ctx context.Context, frames <-chan audio.AudioFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			o.transport.SendAudio(f.Data)
		}
	}
}

// drainTranscripts discards results that belong to an earlier turn.
func (o *Orchestrator) drainTranscripts() {
	for {
		select {
		case <-o.transcripts:
		default:
			return
		}
	}
}

// collect gathers final transcript segments until the endpoint reports the
// end of the utterance or the turn timeout elapses.
func (o *Orchestrator) collect(ctx context.Context) (string, error) {
	timer := time.NewTimer(o.cfg.TurnTimeout)
	defer timer.Stop()

	var parts []string
	join := func() string { return strings.Join(parts, " ") }
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			if len(parts) > 0 {
				o.log.Debug("session: turn timeout reached before end of speech")
			}
			return join(), nil
		case ev := <-o.transcripts:
			if text := strings.TrimSpace(ev.Text); text != "" {
				parts = append(parts, text)
			}
			if ev.SpeechFinal && len(parts) > 0 {
				return join(), nil
			}
		}
	}
}

func (o *Orchestrator) archiveTurn(ctx context.Context, index int, text string, rec *capture.Recording) {
	if o.archive == nil {
		return
	}
	err := o.archive.SaveTurn(ctx, archive.Turn{
		SessionID:  o.cfg.SessionID,
		Index:      index,
		Transcript: text,
		Audio:      rec.Data,
		MIMEType:   rec.MIMEType,
		StartedAt:  rec.StartedAt,
		Duration:   rec.Duration,
	})
	if err != nil {
		o.log.Warn("session: archive turn", "turn", index, "err", err)
		o.metrics.RecordProviderError(ctx, "archive", "save")
	}
}

// respond streams the reply into the player and returns the turn status.
// A reply that fails midway keeps what was already queued for playback.
func (o *Orchestrator) respond(ctx context.Context, text string) string {
	replyCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.cancelReply = cancel
	o.interrupted = false
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cancelReply = nil
		o.mu.Unlock()
	}()

	heard := o.now()
	first := true
	err := o.responder.Respond(replyCtx, text, func(fragment []byte) error {
		if first {
			first = false
			o.metrics.ResponseLatency.Record(ctx, o.now().Sub(heard).Seconds())
		}
		return o.play(replyCtx, fragment)
	})

	o.mu.Lock()
	interrupted := o.interrupted
	o.mu.Unlock()

	switch {
	case interrupted:
		return statusInterrupted
	case err == nil:
		return observe.StatusOK
	case ctx.Err() != nil:
		return observe.StatusError
	}
	o.log.Warn("session: reply failed", "err", err)
	if !errors.Is(err, playback.ErrIncompatibleAudioFormat) && !errors.Is(err, playback.ErrClosed) {
		o.metrics.RecordProviderError(ctx, "responder", "reply")
	}
	return observe.StatusError
}

// play hands one fragment to the player. Undecodable fragments are skipped;
// any other playback error aborts the reply.
func (o *Orchestrator) play(ctx context.Context, fragment []byte) error {
	err := o.player.PlayAudio(ctx, fragment)
	switch {
	case err == nil:
		o.metrics.RecordFragment(ctx, observe.StatusOK)
		return nil
	case errors.Is(err, playback.ErrDecode):
		o.log.Warn("session: skipping undecodable reply fragment", "bytes", len(fragment), "err", err)
		o.metrics.RecordFragment(ctx, "decode_error")
		return nil
	case errors.Is(err, playback.ErrIncompatibleAudioFormat):
		o.metrics.RecordFragment(ctx, "incompatible")
		return err
	case ctx.Err() != nil:
		o.metrics.RecordFragment(ctx, "cancelled")
		return err
	default:
		o.metrics.RecordFragment(ctx, observe.StatusError)
		return err
	}
}

// waitIdle blocks until the player has finished the reply.
func (o *Orchestrator) waitIdle(ctx context.Context) error {
	for o.player.State() != playback.StateIdle {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.idle:
		}
	}
	return nil
}

// Interrupt handles a barge-in: the reply being received is abandoned and
// playback stops immediately. Pending audio is discarded.
func (o *Orchestrator) Interrupt() error {
	o.mu.Lock()
	if o.cancelReply != nil {
		o.cancelReply()
		o.interrupted = true
	}
	o.mu.Unlock()

	o.metrics.Interrupts.Add(context.Background(), 1)
	if err := o.player.Reset(); err != nil {
		o.log.Warn("session: reset playback on interrupt", "err", err)
		return fmt.Errorf("session: interrupt: %w", err)
	}
	o.log.Info("session: playback interrupted")
	return nil
}
