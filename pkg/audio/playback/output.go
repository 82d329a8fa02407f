package playback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gopxl/beep"
)

// Output is the audio output context sources are played through.
type Output interface {
	// Play starts s, whose samples are in format f. onEnded is called once,
	// from a goroutine other than the caller's, when s finishes on its own.
	// It is never called for a stopped source.
	Play(s beep.Streamer, f beep.Format, onEnded func()) (Source, error)

	// Resume lets a suspended output produce sound. Idempotent.
	Resume(ctx context.Context) error

	// Suspended reports whether the output is currently suspended.
	Suspended() bool

	// Close releases the output device.
	Close() error
}

// Source is one playing buffer.
type Source interface {
	// Stop halts the source. Returns [ErrSourceEnded] when the source had
	// already finished.
	Stop() error
}

// SinkOpener opens the device PCM is written to. It is called lazily on
// first use.
type SinkOpener func(ctx context.Context, f beep.Format) (io.WriteCloser, error)

// WriterSink returns an opener writing PCM to w. Closing the sink does not
// close w.
func WriterSink(w io.Writer) SinkOpener {
	return func(context.Context, beep.Format) (io.WriteCloser, error) {
		return nopWriteCloser{w}, nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// OutputOption configures a [StreamOutput].
type OutputOption func(*StreamOutput)

// WithChunk sets how much audio is written per step. Defaults to 20ms.
func WithChunk(d time.Duration) OutputOption {
	return func(o *StreamOutput) {
		if d > 0 {
			o.chunk = d
		}
	}
}

// WithRealtime toggles pacing writes at playback speed. Enabled by default;
// disabling it drains sources as fast as the sink accepts them.
func WithRealtime(enabled bool) OutputOption {
	return func(o *StreamOutput) {
		o.realtime = enabled
	}
}

// WithStartSuspended makes the output start suspended until Resume.
func WithStartSuspended() OutputOption {
	return func(o *StreamOutput) {
		o.suspended = true
	}
}

// StreamOutput plays sources by encoding their samples as signed 16-bit PCM
// and writing them to a sink. Sources in a different sample rate are
// resampled to the output format. In real-time mode writes are paced
// against a playhead shared by all sources and stay about one chunk ahead of
// it.
type StreamOutput struct {
	open     SinkOpener
	format   beep.Format
	chunk    time.Duration
	realtime bool

	mu        sync.Mutex
	sink      io.WriteCloser
	suspended bool
	running   chan struct{} // closed while not suspended
	closed    bool
	done      chan struct{}

	writeMu  sync.Mutex
	playhead time.Time // end of the audio written so far, guarded by writeMu
}

var _ Output = (*StreamOutput)(nil)

// NewStreamOutput returns an output writing PCM at sampleRate and channels
// to sinks created by open.
func NewStreamOutput(open SinkOpener, sampleRate, channels int, opts ...OutputOption) *StreamOutput {
	o := &StreamOutput{
		open:     open,
		format:   bufferFormat(sampleRate, channels),
		chunk:    20 * time.Millisecond,
		realtime: true,
		running:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if !o.suspended {
		close(o.running)
	}
	return o
}

// Format returns the PCM format written to the sink.
func (o *StreamOutput) Format() beep.Format { return o.format }

// Play implements [Output].
func (o *StreamOutput) Play(s beep.Streamer, f beep.Format, onEnded func()) (Source, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if f.SampleRate != o.format.SampleRate {
		s = beep.Resample(4, f.SampleRate, o.format.SampleRate, s)
	}
	src := &streamSource{stop: make(chan struct{}), finished: make(chan struct{})}
	go o.run(src, s, onEnded)
	return src, nil
}

func (o *StreamOutput) run(src *streamSource, s beep.Streamer, onEnded func()) {
	defer close(src.finished)

	width := o.format.Width()
	n := max(o.format.SampleRate.N(o.chunk), 1)
	samples := make([][2]float64, n)
	buf := make([]byte, n*width)

	for {
		if !o.waitRunning(src.stop) {
			return
		}
		k, ok := s.Stream(samples)
		if k > 0 {
			for i := range k {
				o.format.EncodeSigned(buf[i*width:], samples[i])
			}
			d := o.format.SampleRate.D(k)
			playedAt, err := o.write(buf[:k*width], d)
			if err != nil {
				slog.Warn("playback: sink write failed", "err", err)
				playedAt = time.Now().Add(d)
			}
			// A short read means the streamer is drained.
			if k < n {
				break
			}
			if o.realtime && !o.sleepUntil(playedAt.Add(-o.chunk), src.stop) {
				return
			}
		}
		if !ok || k == 0 {
			break
		}
	}

	if src.markEnded() {
		onEnded()
	}
}

// sleepUntil waits for t. It returns false once the source is stopped or
// the output closed.
func (o *StreamOutput) sleepUntil(t time.Time, stop <-chan struct{}) bool {
	d := time.Until(t)
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	case <-o.done:
		return false
	}
}

// waitRunning blocks while the output is suspended. It returns false once
// the source is stopped or the output closed.
func (o *StreamOutput) waitRunning(stop <-chan struct{}) bool {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	select {
	case <-stop:
		return false
	case <-o.done:
		return false
	default:
	}
	select {
	case <-running:
		return true
	case <-stop:
		return false
	case <-o.done:
		return false
	}
}

// write hands p, holding d of audio, to the sink and returns the wall time
// at which everything written so far has been played. The playhead is shared
// by all sources, so a source started right after another one ends continues
// where the previous one stopped.
func (o *StreamOutput) write(p []byte, d time.Duration) (time.Time, error) {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	sink, err := o.ensureSink(context.Background())
	if err != nil {
		return time.Time{}, err
	}
	if _, err := sink.Write(p); err != nil {
		return time.Time{}, err
	}
	if now := time.Now(); o.playhead.Before(now) {
		o.playhead = now
	}
	o.playhead = o.playhead.Add(d)
	return o.playhead, nil
}

func (o *StreamOutput) ensureSink(ctx context.Context) (io.WriteCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	if o.sink != nil {
		return o.sink, nil
	}
	sink, err := o.open(ctx, o.format)
	if err != nil {
		return nil, fmt.Errorf("playback: open sink: %w", err)
	}
	o.sink = sink
	return sink, nil
}

// Resume implements [Output]. It also opens the sink so device errors show
// up here rather than mid-playback.
func (o *StreamOutput) Resume(ctx context.Context) error {
	o.mu.Lock()
	if o.suspended {
		o.suspended = false
		close(o.running)
	}
	o.mu.Unlock()
	_, err := o.ensureSink(ctx)
	return err
}

// Suspend pauses all sources until Resume.
func (o *StreamOutput) Suspend() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.suspended && !o.closed {
		o.suspended = true
		o.running = make(chan struct{})
	}
}

// Suspended implements [Output].
func (o *StreamOutput) Suspended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.suspended
}

// Close implements [Output]. Active sources stop without completing.
func (o *StreamOutput) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.done)
	sink := o.sink
	o.sink = nil
	o.mu.Unlock()

	if sink == nil {
		return nil
	}
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	return sink.Close()
}

type streamSource struct {
	stop     chan struct{}
	finished chan struct{}

	mu      sync.Mutex
	stopped bool
	ended   bool
}

// Stop implements [Source].
func (s *streamSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSourceEnded
	}
	if !s.stopped {
		s.stopped = true
		close(s.stop)
	}
	return nil
}

// markEnded records natural completion. It returns false if the source was
// stopped first.
func (s *streamSource) markEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.ended = true
	return true
}
