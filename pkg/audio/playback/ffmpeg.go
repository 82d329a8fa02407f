package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/gopxl/beep"
)

// FFmpegSinkConfig selects the host audio device [FFmpegSink] plays through.
type FFmpegSinkConfig struct {
	// Command is the ffmpeg binary. Defaults to "ffmpeg".
	Command string

	// OutputFormat is the ffmpeg output device format (pulse, alsa,
	// audiotoolbox). Defaults to "pulse".
	OutputFormat string

	// OutputDevice is the sink name. Defaults to "default".
	OutputDevice string

	// CloseTimeout bounds how long Close waits for ffmpeg to drain.
	// Defaults to 2s.
	CloseTimeout time.Duration
}

// FFmpegSink returns a [SinkOpener] feeding s16le PCM into an ffmpeg child
// process that renders it on the configured output device.
func FFmpegSink(cfg FFmpegSinkConfig) SinkOpener {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "pulse"
	}
	if cfg.OutputDevice == "" {
		cfg.OutputDevice = "default"
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 2 * time.Second
	}

	return func(ctx context.Context, f beep.Format) (io.WriteCloser, error) {
		if _, err := exec.LookPath(cfg.Command); err != nil {
			return nil, fmt.Errorf("playback: ffmpeg sink: %w", err)
		}
		// The process outlives the opening context; Close ends it.
		cmd := exec.Command(cfg.Command, sinkArgs(cfg, f)...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		cmd.WaitDelay = cfg.CloseTimeout

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("playback: ffmpeg sink: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("playback: start ffmpeg sink: %w", err)
		}

		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		return &ffmpegSink{
			stdin:   stdin,
			cmd:     cmd,
			done:    done,
			stderr:  &stderr,
			timeout: cfg.CloseTimeout,
		}, nil
	}
}

func sinkArgs(cfg FFmpegSinkConfig, f beep.Format) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "s16le",
		"-ar", strconv.Itoa(int(f.SampleRate)),
		"-ac", strconv.Itoa(f.NumChannels),
		"-i", "-",
		"-f", cfg.OutputFormat,
		cfg.OutputDevice,
	}
}

type ffmpegSink struct {
	stdin   io.WriteCloser
	cmd     *exec.Cmd
	done    <-chan error
	stderr  *bytes.Buffer
	timeout time.Duration
}

func (s *ffmpegSink) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// Close ends the input stream and waits for ffmpeg to finish playing what it
// already received, killing it after the close timeout.
func (s *ffmpegSink) Close() error {
	closeErr := s.stdin.Close()

	var err error
	select {
	case err = <-s.done:
	case <-time.After(s.timeout):
		_ = s.cmd.Process.Kill()
		err = <-s.done
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && s.stderr.Len() > 0 {
			err = fmt.Errorf("%w: %s", err, strings.TrimSpace(s.stderr.String()))
		}
		return fmt.Errorf("playback: ffmpeg sink: %w", err)
	}
	if closeErr != nil && !errors.Is(closeErr, io.ErrClosedPipe) {
		return fmt.Errorf("playback: ffmpeg sink: %w", closeErr)
	}
	return nil
}
