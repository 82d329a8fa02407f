// Package mock provides a scriptable [capture.Device] for tests.
//
// Tests push PCM chunks into the currently open stream and inspect whether
// the device is still held:
//
//	dev := &mock.Device{}
//	rec := capture.NewRecorder(dev)
//	_, _ = rec.StartRecording(ctx)
//	dev.Stream().Push(chunk)
//	rec.StopRecording(ctx)
//	dev.InUse() // false
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/intervox/pkg/audio"
	"github.com/MrWong99/intervox/pkg/audio/capture"
)

// Device is a mock implementation of [capture.Device].
type Device struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// Format is reported by opened streams. Defaults to the profile format.
	Format audio.Format

	// StopErr, if non-nil, is returned by Stream.Stop.
	StopErr error

	// Profiles records the profile passed to every Open call.
	Profiles []capture.Profile

	stream *Stream
}

var _ capture.Device = (*Device)(nil)

// Open records the call and returns a new [Stream] unless OpenErr is set.
func (d *Device) Open(_ context.Context, p capture.Profile) (capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Profiles = append(d.Profiles, p)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	f := d.Format
	if f == (audio.Format{}) {
		f = p.Format()
	}
	d.stream = &Stream{
		frames:  make(chan []byte, 1024),
		format:  f,
		stopErr: d.StopErr,
		open:    true,
	}
	return d.stream, nil
}

// Stream returns the most recently opened stream, or nil.
func (d *Device) Stream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream
}

// InUse reports whether the most recently opened stream still holds the
// hardware.
func (d *Device) InUse() bool {
	s := d.Stream()
	return s != nil && s.Open()
}

// OpenCount returns how many times Open was called.
func (d *Device) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Profiles)
}

// Stream is a mock [capture.Stream] fed by [Stream.Push].
type Stream struct {
	mu      sync.Mutex
	frames  chan []byte
	format  audio.Format
	stopErr error
	open    bool
	ended   bool
	stops   int
}

// Push delivers one chunk. Pushing after the stream ended is a no-op.
func (s *Stream) Push(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.frames <- chunk
}

// Fail simulates the device disappearing: the frame channel closes while the
// hardware is still nominally held.
func (s *Stream) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.end()
}

func (s *Stream) end() {
	if !s.ended {
		s.ended = true
		close(s.frames)
	}
}

// Frames implements [capture.Stream].
func (s *Stream) Frames() <-chan []byte { return s.frames }

// Format implements [capture.Stream].
func (s *Stream) Format() audio.Format { return s.format }

// Stop implements [capture.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.open = false
	s.end()
	return s.stopErr
}

// Open reports whether Stop has not been called yet.
func (s *Stream) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Stops returns how many times Stop was called.
func (s *Stream) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}
