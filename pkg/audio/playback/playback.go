// Package playback plays spoken responses that arrive as a stream of encoded
// audio fragments.
//
// The [Engine] decodes each fragment into a sample buffer and merges it into
// a pending buffer. When idle, the pending buffer starts playing immediately.
// While a response is playing, newly arriving fragments never interrupt it:
// they accumulate and start the moment the current source finishes, without a
// gap and without an idle notification in between.
package playback

import (
	"errors"

	"github.com/gopxl/beep"
)

var (
	// ErrIncompatibleAudioFormat is returned when a fragment's sample rate or
	// channel count differs from the buffered audio it would be merged into.
	ErrIncompatibleAudioFormat = errors.New("playback: incompatible audio format")

	// ErrDecode wraps every fragment decode failure. The engine's pending
	// audio is left untouched when it occurs.
	ErrDecode = errors.New("playback: decode failed")

	// ErrSourceEnded is returned by [Source.Stop] when the source already
	// finished on its own.
	ErrSourceEnded = errors.New("playback: source already ended")

	// ErrClosed is returned after the engine or output has been closed.
	ErrClosed = errors.New("playback: closed")
)

// State is the playback state of an [Engine].
type State int

const (
	// StateIdle means no source is active.
	StateIdle State = iota
	// StatePlaying means a source is producing audio.
	StatePlaying
)

// String returns the lowercase state name.
func (s State) String() string {
	if s == StatePlaying {
		return "playing"
	}
	return "idle"
}

// StateChange is delivered to listeners on every Idle/Playing transition.
type StateChange struct {
	IsPlaying bool
}

// bufferFormat returns the format decoded fragments are stored in.
func bufferFormat(rate, channels int) beep.Format {
	return beep.Format{SampleRate: beep.SampleRate(rate), NumChannels: channels, Precision: 2}
}

// compatible reports whether two buffers may be concatenated.
func compatible(a, b beep.Format) bool {
	return a.SampleRate == b.SampleRate && a.NumChannels == b.NumChannels
}
