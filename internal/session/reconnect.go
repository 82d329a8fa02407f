package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/intervox/internal/observe"
	"github.com/MrWong99/intervox/pkg/provider/stt"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Reconnector owns the connection policy of a transcription transport. The
// transport itself never retries; Reconnector dials it with exponential
// backoff and redials after a reported drop.
//
// Callers establish the first connection via [Reconnector.Connect], then call
// [Reconnector.Monitor] to watch for drops signalled through
// [Reconnector.NotifyDisconnect].
//
// All methods are safe for concurrent use.
type Reconnector struct {
	transport   stt.Transport
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	metrics     *observe.Metrics
	onReconnect func()

	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{}
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Transport is the transcription connection to manage.
	Transport stt.Transport

	// MaxRetries is the number of attempts per connect cycle. Defaults to 10
	// if zero.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the wait between attempts. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// Metrics receives connect attempts. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnReconnect is called after a drop has been repaired. May be nil.
	OnReconnect func()
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	if maxBackoff < backoff {
		maxBackoff = backoff
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Reconnector{
		transport:    cfg.Transport,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		metrics:      m,
		onReconnect:  cfg.OnReconnect,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Connect establishes the connection, retrying with backoff. A transport
// that is already connected counts as success. [stt.ErrTransportClosed] is
// returned immediately since a closed transport cannot be reopened.
func (r *Reconnector) Connect(ctx context.Context) error {
	attempts, err := r.retry(ctx)
	if err != nil {
		return fmt.Errorf("session: connect transcription after %d attempt(s): %w", attempts, err)
	}
	return nil
}

// Monitor starts watching for disconnect notifications in a background
// goroutine. It returns when ctx is cancelled or Stop is called.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals the monitor that the connection has been lost.
// Safe to call multiple times; notifications arriving while one is pending
// are coalesced.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Stop halts monitoring and any retry loop in progress. It does not close
// the transport. Safe to call multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			if r.transport.State() == stt.StateConnected {
				continue
			}
			if _, err := r.retry(ctx); err != nil {
				if ctx.Err() == nil && !r.stopped() {
					slog.Error("session: transcription reconnect gave up",
						"max_retries", r.maxRetries,
						"err", err,
					)
				}
				continue
			}
			slog.Info("session: transcription reconnected")
			if r.onReconnect != nil {
				r.onReconnect()
			}
		}
	}
}

func (r *Reconnector) stopped() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// retry dials until success, a terminal error or retry exhaustion. It
// returns the number of attempts made.
func (r *Reconnector) retry(ctx context.Context) (int, error) {
	wait := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		if r.stopped() {
			return attempt - 1, errors.New("session: reconnector stopped")
		}

		err := r.dial(ctx)
		if err == nil {
			return attempt, nil
		}
		if errors.Is(err, stt.ErrTransportClosed) {
			return attempt, err
		}
		lastErr = err

		slog.Warn("session: transcription connect failed",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", wait,
			"err", err,
		)
		if attempt == r.maxRetries {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-r.done:
			timer.Stop()
			return attempt, errors.New("session: reconnector stopped")
		case <-timer.C:
		}

		wait *= 2
		if wait > r.maxBackoff {
			wait = r.maxBackoff
		}
	}
	return r.maxRetries, lastErr
}

// dial performs one connect attempt and records it.
func (r *Reconnector) dial(ctx context.Context) error {
	start := time.Now()
	err := r.transport.Connect(ctx)
	if errors.Is(err, stt.ErrAlreadyConnected) {
		err = nil
	}
	status := observe.StatusOK
	if err != nil {
		status = observe.StatusError
	}
	r.metrics.RecordConnect(ctx, status, time.Since(start))
	return err
}
