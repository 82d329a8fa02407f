// Package observe provides the observability primitives of intervox:
// OpenTelemetry metrics, tracing, trace-aware logging and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the Prometheus exporter bridge set up by [InitProvider]. [DefaultMetrics]
// returns a package-level instance bound to the global provider; tests should
// use [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all intervox metrics.
const meterName = "github.com/MrWong99/intervox"

// Status attribute values shared by the counters.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics holds the OpenTelemetry instruments of the audio pipeline. All
// fields are safe for concurrent use.
type Metrics struct {
	// ── Latency histograms ──

	// ConnectDuration tracks transcription transport handshakes.
	ConnectDuration metric.Float64Histogram

	// RecordingDuration tracks the length of finished recordings.
	RecordingDuration metric.Float64Histogram

	// TurnDuration tracks a full turn from recording start to playback end.
	TurnDuration metric.Float64Histogram

	// ResponseLatency tracks the time from the final transcript to the first
	// response audio fragment.
	ResponseLatency metric.Float64Histogram

	// ── Counters ──

	// ConnectAttempts counts transport connects. Attribute: status.
	ConnectAttempts metric.Int64Counter

	// Transcripts counts inbound transcript events. Attribute: final.
	Transcripts metric.Int64Counter

	// Turns counts finished turns. Attribute: status.
	Turns metric.Int64Counter

	// Fragments counts response fragments handed to playback. Attribute:
	// status (ok, decode_error, incompatible, error).
	Fragments metric.Int64Counter

	// Interrupts counts playback resets caused by barge-in.
	Interrupts metric.Int64Counter

	// ProviderErrors counts errors from remote services. Attributes:
	// provider, kind.
	ProviderErrors metric.Int64Counter

	// ── Gauges ──

	// ActiveSessions tracks running orchestrator sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActivePlayback is 1 while response audio is playing.
	ActivePlayback metric.Int64UpDownCounter

	// ── HTTP middleware ──

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds for network and
// response latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// speechBuckets are histogram boundaries in seconds for utterance and turn
// lengths.
var speechBuckets = []float64{
	0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	seconds := func(name, desc string, buckets []float64) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(buckets...),
		)
	}

	if met.ConnectDuration, err = seconds("intervox.stt.connect.duration",
		"Latency of transcription transport handshakes.", latencyBuckets); err != nil {
		return nil, err
	}
	if met.RecordingDuration, err = seconds("intervox.capture.recording.duration",
		"Length of finished recordings.", speechBuckets); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = seconds("intervox.turn.duration",
		"Duration of a turn from recording start to the end of the reply.", speechBuckets); err != nil {
		return nil, err
	}
	if met.ResponseLatency, err = seconds("intervox.response.latency",
		"Time from the final transcript to the first reply fragment.", latencyBuckets); err != nil {
		return nil, err
	}

	if met.ConnectAttempts, err = m.Int64Counter("intervox.stt.connect.attempts",
		metric.WithDescription("Transcription transport connect attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("intervox.stt.transcripts",
		metric.WithDescription("Inbound transcript events by finality."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("intervox.turns",
		metric.WithDescription("Finished turns by status."),
	); err != nil {
		return nil, err
	}
	if met.Fragments, err = m.Int64Counter("intervox.playback.fragments",
		metric.WithDescription("Reply audio fragments handed to playback by status."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("intervox.playback.interrupts",
		metric.WithDescription("Playback resets caused by the user interrupting."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("intervox.provider.errors",
		metric.WithDescription("Remote service errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("intervox.active_sessions",
		metric.WithDescription("Number of running interview sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActivePlayback, err = m.Int64UpDownCounter("intervox.playback.active",
		metric.WithDescription("1 while reply audio is playing."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("intervox.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordConnect records one transport connect attempt and its latency.
func (m *Metrics) RecordConnect(ctx context.Context, status string, d time.Duration) {
	m.ConnectAttempts.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
	m.ConnectDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("status", status)))
}

// RecordTranscript counts one inbound transcript event.
func (m *Metrics) RecordTranscript(ctx context.Context, final bool) {
	m.Transcripts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("final", final)))
}

// RecordTurn counts a finished turn and records its duration.
func (m *Metrics) RecordTurn(ctx context.Context, status string, d time.Duration) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
	m.TurnDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("status", status)))
}

// RecordFragment counts one reply fragment handed to playback.
func (m *Metrics) RecordFragment(ctx context.Context, status string) {
	m.Fragments.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordProviderError counts an error returned by a remote service.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
