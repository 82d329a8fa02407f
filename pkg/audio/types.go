// Package audio holds the PCM primitives shared by capture, transport and
// playback: the AudioFrame unit, format descriptions, a small frame graph and
// the WAV container used for finished recordings.
//
// All PCM in this package is signed 16-bit little-endian, interleaved when
// there is more than one channel.
package audio

import (
	"fmt"
	"time"
)

// AudioFrame is one chunk of PCM flowing from the microphone towards the
// transcription endpoint.
type AudioFrame struct {
	// Data is the raw PCM payload.
	Data []byte

	// SampleRate in Hz (16000 for interview capture).
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int

	// Timestamp is the capture offset relative to the start of the recording.
	Timestamp time.Duration
}

// Format returns the format the frame is encoded in.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback length of the frame's PCM payload.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().DurationOf(len(f.Data))
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameSize returns the number of bytes occupied by one sample across all
// channels.
func (f Format) FrameSize() int {
	return f.Channels * 2
}

// DurationOf returns how long n bytes of PCM in this format play for.
func (f Format) DurationOf(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := int64(n / f.FrameSize())
	return time.Duration(samples * int64(time.Second) / int64(f.SampleRate))
}

// BytesFor returns the PCM byte count covering d, rounded down to a whole frame.
func (f Format) BytesFor(d time.Duration) int {
	samples := int64(d) * int64(f.SampleRate) / int64(time.Second)
	return int(samples) * f.FrameSize()
}

// String renders the format as e.g. "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
