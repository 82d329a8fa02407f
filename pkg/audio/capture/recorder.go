package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/intervox/pkg/audio"
)

const defaultTapBuffer = 256

// Option configures a [Recorder].
type Option func(*Recorder)

// WithClock replaces time.Now for start and duration bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

// WithTapBuffer sets how many frames a live [Tap] buffers before it starts
// dropping frames for a slow reader.
func WithTapBuffer(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.tapBuffer = n
		}
	}
}

type recorderState int

const (
	stateIdle recorderState = iota
	stateOpening
	stateRecording
	stateStopping
)

// Tap is the live view of an active recording. Frames are delivered after the
// capture graph has processed them. The channel is closed when the recording
// ends. Frames are dropped rather than stalling capture when the reader lags.
type Tap struct {
	frames  chan audio.AudioFrame
	dropped atomic.Int64
}

// Frames returns the live frame channel.
func (t *Tap) Frames() <-chan audio.AudioFrame { return t.frames }

// Dropped reports how many frames the reader missed.
func (t *Tap) Dropped() int64 { return t.dropped.Load() }

// session is one open recording.
type session struct {
	stream    Stream
	startedAt time.Time
	tap       *Tap
	done      chan struct{}
	released  atomic.Bool

	mu     sync.Mutex
	pcm    []byte
	chunks int
}

func (s *session) snapshot() ([]byte, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.pcm))
	copy(out, s.pcm)
	return out, s.chunks
}

// Recorder captures microphone audio into single recordings. All methods are
// safe for concurrent use.
type Recorder struct {
	device    Device
	now       func() time.Time
	tapBuffer int
	meter     audio.LevelMeter

	mu     sync.Mutex
	state  recorderState
	active *session
	last   RecordingData
	closed bool
}

// NewRecorder returns a Recorder reading from device.
func NewRecorder(device Device, opts ...Option) *Recorder {
	r := &Recorder{
		device:    device,
		now:       time.Now,
		tapBuffer: defaultTapBuffer,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// StartRecording opens the device with [CaptureProfile] and begins a new
// session. ctx bounds the lifetime of the underlying device stream.
//
// Returns [ErrDeviceBusy] while another session is open or stopping and
// [ErrDeviceUnavailable] when the device cannot be opened. A failed start
// leaves the recorder idle so it can be retried.
func (r *Recorder) StartRecording(ctx context.Context) (*Tap, error) {
	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return nil, ErrClosed
	case r.state != stateIdle:
		r.mu.Unlock()
		return nil, ErrDeviceBusy
	}
	r.state = stateOpening
	r.mu.Unlock()

	stream, err := r.device.Open(ctx, CaptureProfile)
	if err != nil {
		r.mu.Lock()
		r.state = stateIdle
		r.mu.Unlock()
		if errors.Is(err, ErrDeviceUnavailable) || errors.Is(err, ErrDeviceBusy) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	s := &session{
		stream:    stream,
		startedAt: r.now(),
		tap:       &Tap{frames: make(chan audio.AudioFrame, r.tapBuffer)},
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if err := stream.Stop(); err != nil {
			slog.Warn("capture: release device after close", "err", err)
		}
		return nil, ErrClosed
	}
	r.state = stateRecording
	r.active = s
	r.mu.Unlock()

	graph := audio.Chain(&audio.Normalizer{Target: CaptureProfile.Format()}, &r.meter)
	go r.pump(s, graph)

	slog.Debug("capture: recording started", "format", stream.Format().String())
	return s.tap, nil
}

// pump moves device chunks through the graph into the session buffer until
// the stream's channel closes.
func (r *Recorder) pump(s *session, graph audio.Node) {
	defer close(s.done)
	defer close(s.tap.frames)

	src := s.stream.Format()
	var offset time.Duration
	for chunk := range s.stream.Frames() {
		frame := graph.Process(audio.AudioFrame{
			Data:       chunk,
			SampleRate: src.SampleRate,
			Channels:   src.Channels,
			Timestamp:  offset,
		})
		if len(frame.Data) == 0 {
			continue
		}
		offset += frame.Duration()

		s.mu.Lock()
		s.pcm = append(s.pcm, frame.Data...)
		s.chunks++
		s.mu.Unlock()

		select {
		case s.tap.frames <- frame:
		default:
			s.tap.dropped.Add(1)
		}
	}

	if !s.released.Load() {
		slog.Warn("capture: device stream ended before stop")
	}
}

// StopRecording ends the active session. The device is released first, then
// the recorder waits for the final chunk before assembling the recording. If
// ctx expires while waiting, the recording is built from what has been
// flushed so far.
//
// Returns [ErrNotRecording] when no session is open.
func (r *Recorder) StopRecording(ctx context.Context) (*Recording, error) {
	r.mu.Lock()
	if r.state != stateRecording {
		r.mu.Unlock()
		return nil, ErrNotRecording
	}
	s := r.active
	r.state = stateStopping
	r.mu.Unlock()

	r.release(s)

	select {
	case <-s.done:
	case <-ctx.Done():
		slog.Warn("capture: stop deadline reached before final chunk was flushed", "err", ctx.Err())
	}

	stoppedAt := r.now()
	pcm, chunks := s.snapshot()
	rec := &Recording{
		Data:      audio.EncodeWAV(pcm, CaptureProfile.Format()),
		MIMEType:  audio.MIMETypeWAV,
		Format:    CaptureProfile.Format(),
		StartedAt: s.startedAt,
		Duration:  stoppedAt.Sub(s.startedAt),
	}

	r.mu.Lock()
	r.last = RecordingData{Blob: rec.Data, StartedAt: rec.StartedAt, Duration: rec.Duration}
	r.active = nil
	if r.state == stateStopping {
		r.state = stateIdle
	}
	r.mu.Unlock()

	slog.Debug("capture: recording finalized",
		"chunks", chunks,
		"bytes", len(pcm),
		"duration", rec.Duration,
		"dropped_tap_frames", s.tap.Dropped(),
	)
	return rec, nil
}

// release stops the device stream once.
func (r *Recorder) release(s *session) {
	if s.released.Swap(true) {
		return
	}
	if err := s.stream.Stop(); err != nil {
		slog.Warn("capture: release device", "err", err)
	}
}

// Data returns a snapshot of the current or most recent recording. While a
// session is open Blob is nil and Duration is measured now.
func (r *Recorder) Data() RecordingData {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return RecordingData{
			StartedAt: r.active.startedAt,
			Duration:  r.now().Sub(r.active.startedAt),
		}
	}
	return r.last
}

// Recording reports whether a session is open.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateRecording
}

// DeviceActive reports whether the input hardware is currently held.
func (r *Recorder) DeviceActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil && !r.active.released.Load()
}

// Level returns the RMS level of the most recently captured frame.
func (r *Recorder) Level() float64 {
	return r.meter.RMS()
}

// Close abandons any active session, releasing the device and discarding the
// captured audio. Further starts return [ErrClosed]. Safe to call more than
// once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	s := r.active
	r.active = nil
	r.state = stateIdle
	r.mu.Unlock()

	if s != nil {
		r.release(s)
		<-s.done
		slog.Info("capture: active recording discarded on close")
	}
	return nil
}
