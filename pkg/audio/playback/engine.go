package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gopxl/beep"

	"github.com/MrWong99/intervox/pkg/event"
)

// Stats are cumulative counters of an [Engine].
type Stats struct {
	Fragments    int64
	DecodeErrors int64
	Starts       int64
	Completions  int64
	Resets       int64
}

// Engine plays a stream of arriving audio fragments as one continuous
// stream. All methods are safe for concurrent use.
//
// Completion events and fragment merges are ordered by whichever takes the
// engine lock first. A fragment merged before the completion is processed
// chains into the next source; one merged after it starts a fresh playback.
// Either way every decoded fragment plays exactly once.
type Engine struct {
	decoder Decoder
	output  Output

	playMu sync.Mutex // serializes PlayAudio so merges keep arrival order

	mu      sync.Mutex
	state   State
	pending *beep.Buffer
	source  Source
	current beep.Format // format of the active source
	gen     uint64
	closed  bool
	stats   Stats

	// Notifications are queued under mu and delivered by whichever goroutine
	// finds the queue idle, so listeners observe transitions in order and may
	// call back into the engine.
	queue     []StateChange
	draining  bool
	listeners event.Listeners[StateChange]

	closeOnce sync.Once
	closeErr  error
}

// NewEngine returns an idle engine decoding fragments with decoder and
// playing them through output.
func NewEngine(decoder Decoder, output Output) *Engine {
	return &Engine{decoder: decoder, output: output}
}

// OnStateChange registers fn for every Idle/Playing transition and returns a
// function removing it.
func (e *Engine) OnStateChange(fn func(StateChange)) (remove func()) {
	return e.listeners.Add(fn)
}

// PlayAudio decodes fragment and merges it after any pending audio. When the
// engine is idle and the output is running, playback starts immediately.
// While a source is playing it is never interrupted; the fragment plays once
// the current source finishes.
//
// Empty fragments are ignored. A fragment that fails to decode is dropped
// and an error wrapping [ErrDecode] is returned; pending audio is untouched.
// A fragment whose format differs from the buffered audio yields
// [ErrIncompatibleAudioFormat].
func (e *Engine) PlayAudio(ctx context.Context, fragment []byte) error {
	if len(fragment) == 0 {
		return nil
	}
	err := e.playAudio(ctx, fragment)
	// Delivered after playMu is released so listeners may feed more audio.
	e.flush()
	return err
}

func (e *Engine) playAudio(ctx context.Context, fragment []byte) error {
	e.playMu.Lock()
	defer e.playMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	buf, err := e.decoder.Decode(fragment)
	if err == nil && (buf == nil || buf.Len() == 0) {
		err = fmt.Errorf("%w: no samples", ErrDecode)
	}
	if err != nil {
		e.mu.Lock()
		e.stats.DecodeErrors++
		e.mu.Unlock()
		if !errors.Is(err, ErrDecode) {
			err = fmt.Errorf("%w: %w", ErrDecode, err)
		}
		return fmt.Errorf("playback: play audio: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	// A reset may have cancelled ctx while the fragment was decoding.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.mergeLocked(buf); err != nil {
		return err
	}
	e.stats.Fragments++

	if e.state == StateIdle && !e.output.Suspended() {
		if err := e.startLocked(); err != nil {
			return fmt.Errorf("playback: play audio: %w", err)
		}
	}
	return nil
}

// mergeLocked appends buf to the pending buffer. The reference format is the
// pending buffer's or, while it is empty, the playing source's.
func (e *Engine) mergeLocked(buf *beep.Buffer) error {
	ref := e.current
	if e.pending != nil {
		ref = e.pending.Format()
	}
	if ref.SampleRate != 0 && !compatible(ref, buf.Format()) {
		return fmt.Errorf("%w: have %dHz/%dch, got %dHz/%dch", ErrIncompatibleAudioFormat,
			ref.SampleRate, ref.NumChannels, buf.Format().SampleRate, buf.Format().NumChannels)
	}
	if e.pending == nil {
		e.pending = buf
		return nil
	}
	e.pending.Append(buf.Streamer(0, buf.Len()))
	return nil
}

// startLocked hands the pending buffer to a fresh source. The buffer is
// detached, so fragments arriving from now on collect in a new one. If the
// engine was idle it becomes Playing and a notification is queued.
func (e *Engine) startLocked() error {
	buf := e.pending
	if buf == nil {
		return nil
	}
	e.gen++
	gen := e.gen
	src, err := e.output.Play(buf.Streamer(0, buf.Len()), buf.Format(), func() { e.onEnded(gen) })
	if err != nil {
		return err
	}
	e.pending = nil
	e.source = src
	e.current = buf.Format()
	e.stats.Starts++
	if e.state != StatePlaying {
		e.state = StatePlaying
		e.queue = append(e.queue, StateChange{IsPlaying: true})
	}
	return nil
}

// onEnded handles natural completion of the source started as generation gen.
func (e *Engine) onEnded(gen uint64) {
	e.mu.Lock()
	if e.closed || gen != e.gen || e.state != StatePlaying {
		e.mu.Unlock()
		return
	}
	e.source = nil
	e.stats.Completions++

	if e.pending != nil && !e.output.Suspended() {
		err := e.startLocked()
		if err == nil {
			e.mu.Unlock()
			return
		}
		slog.Warn("playback: failed to start deferred audio", "err", err)
	}

	e.state = StateIdle
	e.current = beep.Format{}
	e.queue = append(e.queue, StateChange{IsPlaying: false})
	e.mu.Unlock()
	e.flush()
}

// flush delivers queued notifications outside the lock.
func (e *Engine) flush() {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	for len(e.queue) > 0 {
		ev := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		e.listeners.Emit(ev)
		e.mu.Lock()
	}
	e.draining = false
	e.mu.Unlock()
}

// Reset abandons playback: the active source is stopped, pending audio is
// discarded and the engine is Idle afterwards. Listeners are told
// {IsPlaying: false} only if the engine was playing. A source that already
// finished is not an error; any other stop failure is logged and returned
// after the engine has reached Idle.
func (e *Engine) Reset() error {
	e.mu.Lock()
	src := e.source
	wasPlaying := e.state == StatePlaying

	e.gen++
	e.source = nil
	e.pending = nil
	e.current = beep.Format{}
	e.state = StateIdle
	e.stats.Resets++
	if wasPlaying {
		e.queue = append(e.queue, StateChange{IsPlaying: false})
	}

	var err error
	if src != nil {
		if stopErr := src.Stop(); stopErr != nil && !errors.Is(stopErr, ErrSourceEnded) {
			slog.Warn("playback: failed to stop source", "err", stopErr)
			err = fmt.Errorf("playback: reset: %w", stopErr)
		}
	}
	e.mu.Unlock()
	e.flush()
	return err
}

// Resume makes sure the output is running and starts any audio that
// accumulated while it was suspended. Idempotent.
func (e *Engine) Resume(ctx context.Context) error {
	if err := e.output.Resume(ctx); err != nil {
		return fmt.Errorf("playback: resume: %w", err)
	}

	e.mu.Lock()
	var err error
	if !e.closed && e.state == StateIdle && e.pending != nil {
		err = e.startLocked()
	}
	e.mu.Unlock()
	e.flush()

	if err != nil {
		return fmt.Errorf("playback: resume: %w", err)
	}
	return nil
}

// State returns the current playback state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// PendingDuration returns how much audio is waiting to be played after the
// current source.
func (e *Engine) PendingDuration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return 0
	}
	return e.pending.Format().SampleRate.D(e.pending.Len())
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Close resets the engine and releases the output. Further PlayAudio calls
// return [ErrClosed].
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		resetErr := e.Reset()
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		e.closeErr = errors.Join(resetErr, e.output.Close())
	})
	return e.closeErr
}
