// Package capture records the candidate's microphone for the duration of one
// answer and finalizes it into a single WAV recording.
//
// A [Recorder] owns at most one recording session at a time. Starting opens a
// [Device] with the fixed [CaptureProfile], routes the raw stream through an
// audio graph (format normalization and level metering), appends every chunk
// in arrival order and hands a live [Tap] to the caller. Stopping releases the
// device first, waits for the last chunk to be flushed and only then builds the
// immutable [Recording].
package capture

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/intervox/pkg/audio"
)

var (
	// ErrDeviceUnavailable means the microphone was denied, missing or failed
	// to open.
	ErrDeviceUnavailable = errors.New("capture: audio input device unavailable")

	// ErrDeviceBusy means a recording session is already active.
	ErrDeviceBusy = errors.New("capture: a recording is already in progress")

	// ErrNotRecording is returned by StopRecording when no session is active.
	ErrNotRecording = errors.New("capture: no active recording")

	// ErrClosed is returned once the recorder has been torn down.
	ErrClosed = errors.New("capture: recorder closed")
)

// Profile is the capture constraint set requested from an input device.
type Profile struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Format returns the PCM format the profile produces.
func (p Profile) Format() audio.Format {
	return audio.Format{SampleRate: p.SampleRate, Channels: p.Channels}
}

// CaptureProfile is the recording policy for interview answers: 16 kHz mono
// speech with echo cancellation, noise suppression and automatic gain control.
// It is not configurable per call.
var CaptureProfile = Profile{
	SampleRate:       16000,
	Channels:         1,
	EchoCancellation: true,
	NoiseSuppression: true,
	AutoGainControl:  true,
}

// Device opens a microphone stream.
type Device interface {
	// Open acquires the input hardware. ctx bounds the lifetime of the
	// returned stream.
	Open(ctx context.Context, p Profile) (Stream, error)
}

// Stream is an open microphone. Implementations must close the Frames
// channel after the last chunk has been delivered, whether the stream was
// stopped or the device failed.
type Stream interface {
	// Frames delivers raw 16-bit PCM chunks in capture order.
	Frames() <-chan []byte

	// Format is the PCM format of the delivered chunks.
	Format() audio.Format

	// Stop releases the hardware. Safe to call more than once.
	Stop() error
}

// Recording is a finished, immutable capture.
type Recording struct {
	// Data is a complete WAV file.
	Data []byte

	// MIMEType is always [audio.MIMETypeWAV].
	MIMEType string

	// Format of the PCM payload.
	Format audio.Format

	// StartedAt is the wall-clock start of the session.
	StartedAt time.Time

	// Duration is the elapsed time between start and stop.
	Duration time.Duration
}

// PCM returns the raw sample payload: the ordered concatenation of every
// chunk captured during the session.
func (r *Recording) PCM() []byte {
	if len(r.Data) < audio.WAVHeaderSize {
		return nil
	}
	return r.Data[audio.WAVHeaderSize:]
}

// AudioDuration is the playback length of the captured samples.
func (r *Recording) AudioDuration() time.Duration {
	return r.Format.DurationOf(len(r.PCM()))
}

// RecordingData is a snapshot of the current or last recording.
type RecordingData struct {
	// Blob is the finished WAV file. Nil while a session is still open or
	// when nothing has been recorded yet.
	Blob []byte

	// StartedAt is zero when nothing has been recorded yet.
	StartedAt time.Time

	// Duration is live while a session is open and frozen once it stops.
	Duration time.Duration
}
