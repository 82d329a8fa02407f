package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/intervox/pkg/audio"
)

const (
	defaultChunkDuration = 20 * time.Millisecond
	defaultStartupGrace  = 250 * time.Millisecond
	defaultStopTimeout   = 1200 * time.Millisecond
)

// FFmpegConfig selects the host audio source read by [FFmpegDevice].
type FFmpegConfig struct {
	// Command is the ffmpeg binary. Defaults to "ffmpeg".
	Command string

	// InputFormat is the ffmpeg input device format (pulse, alsa,
	// avfoundation, dshow). Defaults to "pulse".
	InputFormat string

	// InputDevice is the source name. Defaults to "default".
	InputDevice string

	// EchoCancelDevice is an echo-cancelled source provided by the host
	// (e.g. a PulseAudio module-echo-cancel source). Used instead of
	// InputDevice when the profile asks for echo cancellation.
	EchoCancelDevice string

	// ChunkDuration is the size of each delivered chunk. Defaults to 20ms.
	ChunkDuration time.Duration

	// StartupGrace is how long the process must survive to count as started.
	StartupGrace time.Duration

	// StopTimeout is how long Stop waits after SIGINT before killing.
	StopTimeout time.Duration
}

// FFmpegDevice captures the microphone through an ffmpeg child process that
// writes raw PCM to stdout.
type FFmpegDevice struct {
	cfg FFmpegConfig
}

var _ Device = (*FFmpegDevice)(nil)

// NewFFmpegDevice fills in defaults for unset fields of cfg.
func NewFFmpegDevice(cfg FFmpegConfig) *FFmpegDevice {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = defaultChunkDuration
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = defaultStartupGrace
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &FFmpegDevice{cfg: cfg}
}

// Args returns the ffmpeg argument list used for p.
func (d *FFmpegDevice) Args(p Profile) []string {
	input := d.cfg.InputDevice
	if p.EchoCancellation && d.cfg.EchoCancelDevice != "" {
		input = d.cfg.EchoCancelDevice
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", d.cfg.InputFormat,
		"-i", input,
	}
	var filters []string
	if p.NoiseSuppression {
		filters = append(filters, "highpass=f=80", "afftdn")
	}
	if p.AutoGainControl {
		filters = append(filters, "dynaudnorm")
	}
	if len(filters) > 0 {
		args = append(args, "-af", strings.Join(filters, ","))
	}
	return append(args,
		"-ac", strconv.Itoa(p.Channels),
		"-ar", strconv.Itoa(p.SampleRate),
		"-f", "s16le",
		"-",
	)
}

// Open starts ffmpeg and waits for the startup grace period. A missing binary
// or a process that exits during the grace period yields
// [ErrDeviceUnavailable].
func (d *FFmpegDevice) Open(ctx context.Context, p Profile) (Stream, error) {
	if _, err := exec.LookPath(d.cfg.Command); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	format := p.Format()
	frames := make(chan []byte, 64)
	w := &chunkWriter{size: max(format.BytesFor(d.cfg.ChunkDuration), format.FrameSize()), out: frames}

	cmd := exec.CommandContext(ctx, d.cfg.Command, d.Args(p)...)
	var stderr bytes.Buffer
	cmd.Stdout = w
	cmd.Stderr = &stderr
	cmd.WaitDelay = d.cfg.StopTimeout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %w", ErrDeviceUnavailable, err)
	}

	// Wait returns only after the stdout copy has finished, so the flush
	// below always sees the final bytes.
	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		w.flush()
		close(frames)
		waitErr <- err
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		go audio.Drain(frames)
		msg := strings.TrimSpace(stderr.String())
		if err != nil {
			return nil, fmt.Errorf("%w: ffmpeg exited before capture started: %w: %s", ErrDeviceUnavailable, err, msg)
		}
		return nil, fmt.Errorf("%w: ffmpeg exited before capture started: %s", ErrDeviceUnavailable, msg)
	case <-time.After(d.cfg.StartupGrace):
	}

	return &ffmpegStream{
		frames:      frames,
		format:      format,
		process:     cmd.Process,
		waitErr:     waitErr,
		stderr:      &stderr,
		stopTimeout: d.cfg.StopTimeout,
	}, nil
}

// chunkWriter slices the ffmpeg stdout byte stream into fixed-size chunks.
type chunkWriter struct {
	size int
	out  chan<- []byte
	buf  []byte
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for len(w.buf) >= w.size {
		chunk := make([]byte, w.size)
		copy(chunk, w.buf)
		w.buf = w.buf[w.size:]
		w.out <- chunk
	}
	return len(p), nil
}

// flush emits the remaining whole samples.
func (w *chunkWriter) flush() {
	n := len(w.buf) &^ 1
	if n == 0 {
		return
	}
	chunk := make([]byte, n)
	copy(chunk, w.buf[:n])
	w.buf = nil
	w.out <- chunk
}

type ffmpegStream struct {
	frames      chan []byte
	format      audio.Format
	process     *os.Process
	waitErr     <-chan error
	stderr      *bytes.Buffer
	stopTimeout time.Duration

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegStream) Frames() <-chan []byte { return s.frames }

func (s *ffmpegStream) Format() audio.Format { return s.format }

// Stop interrupts ffmpeg so it flushes its output, killing it if it does not
// exit within the stop timeout.
func (s *ffmpegStream) Stop() error {
	s.stopOnce.Do(func() {
		_ = s.process.Signal(os.Interrupt)

		var err error
		var ok bool
		select {
		case err, ok = <-s.waitErr:
		case <-time.After(s.stopTimeout):
			_ = s.process.Kill()
			err, ok = <-s.waitErr
		}
		if ok {
			s.stopErr = normalizeExitErr(err)
		}
		if s.stopErr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, strings.TrimSpace(s.stderr.String()))
		}
	})
	return s.stopErr
}

// normalizeExitErr treats a non-zero exit after an interrupt as a normal stop.
func normalizeExitErr(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
