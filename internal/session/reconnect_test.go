package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/intervox/internal/observe"
	"github.com/MrWong99/intervox/pkg/provider/stt"
	sttmock "github.com/MrWong99/intervox/pkg/provider/stt/mock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counterTotal sums all data points of an int64 counter.
func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func fastReconnector(t *testing.T, tr stt.Transport, retries int, onReconnect func()) *Reconnector {
	t.Helper()
	m, _ := testMetrics(t)
	r := NewReconnector(ReconnectorConfig{
		Transport:   tr,
		MaxRetries:  retries,
		Backoff:     time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		Metrics:     m,
		OnReconnect: onReconnect,
	})
	t.Cleanup(r.Stop)
	return r
}

func TestReconnector_Defaults(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{Transport: &sttmock.Transport{}})

	if r.maxRetries != 10 {
		t.Errorf("expected default maxRetries=10, got %d", r.maxRetries)
	}
	if r.backoff != 1*time.Second {
		t.Errorf("expected default backoff=1s, got %v", r.backoff)
	}
	if r.maxBackoff != 30*time.Second {
		t.Errorf("expected default maxBackoff=30s, got %v", r.maxBackoff)
	}
	if r.metrics == nil {
		t.Error("expected default metrics")
	}
}

func TestReconnector_Connect(t *testing.T) {
	t.Run("first attempt succeeds", func(t *testing.T) {
		tr := &sttmock.Transport{}
		r := fastReconnector(t, tr, 3, nil)

		if err := r.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if got := tr.ConnectCalls(); got != 1 {
			t.Errorf("connect calls = %d, want 1", got)
		}
		if tr.State() != stt.StateConnected {
			t.Errorf("state = %v, want connected", tr.State())
		}
	})

	t.Run("retries with backoff", func(t *testing.T) {
		tr := &sttmock.Transport{ConnectErrs: []error{
			stt.ErrConnectFailed, stt.ErrConnectFailed,
		}}
		r := fastReconnector(t, tr, 5, nil)

		if err := r.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if got := tr.ConnectCalls(); got != 3 {
			t.Errorf("connect calls = %d, want 3", got)
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		tr := &sttmock.Transport{ConnectErrs: []error{
			stt.ErrConnectFailed, stt.ErrConnectFailed, stt.ErrConnectFailed,
		}}
		r := fastReconnector(t, tr, 2, nil)

		err := r.Connect(context.Background())
		if !errors.Is(err, stt.ErrConnectFailed) {
			t.Fatalf("err = %v, want ErrConnectFailed", err)
		}
		if got := tr.ConnectCalls(); got != 2 {
			t.Errorf("connect calls = %d, want 2", got)
		}
	})

	t.Run("closed transport is terminal", func(t *testing.T) {
		tr := &sttmock.Transport{}
		_ = tr.Close()
		r := fastReconnector(t, tr, 5, nil)

		err := r.Connect(context.Background())
		if !errors.Is(err, stt.ErrTransportClosed) {
			t.Fatalf("err = %v, want ErrTransportClosed", err)
		}
		if got := tr.ConnectCalls(); got != 1 {
			t.Errorf("connect calls = %d, want 1", got)
		}
	})

	t.Run("already connected is success", func(t *testing.T) {
		tr := &sttmock.Transport{}
		_ = tr.Connect(context.Background())
		r := fastReconnector(t, tr, 3, nil)

		if err := r.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		tr := &sttmock.Transport{}
		r := fastReconnector(t, tr, 3, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if err := r.Connect(ctx); !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if got := tr.ConnectCalls(); got != 0 {
			t.Errorf("connect calls = %d, want 0", got)
		}
	})
}

func TestReconnector_RecordsAttempts(t *testing.T) {
	m, reader := testMetrics(t)
	tr := &sttmock.Transport{ConnectErrs: []error{stt.ErrConnectFailed}}
	r := NewReconnector(ReconnectorConfig{
		Transport: tr,
		Backoff:   time.Millisecond,
		Metrics:   m,
	})
	defer r.Stop()

	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := counterTotal(t, reader, "intervox.stt.connect.attempts"); got != 2 {
		t.Errorf("recorded attempts = %d, want 2", got)
	}
}

func TestReconnector_ReconnectOnDisconnect(t *testing.T) {
	tr := &sttmock.Transport{}
	reconnected := make(chan struct{}, 1)
	r := fastReconnector(t, tr, 3, func() { reconnected <- struct{}{} })

	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.Monitor(t.Context())

	tr.Fail(errors.New("socket reset"))
	r.NotifyDisconnect()

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnReconnect was not called")
	}
	if tr.State() != stt.StateConnected {
		t.Errorf("state = %v, want connected", tr.State())
	}
	if got := tr.ConnectCalls(); got != 2 {
		t.Errorf("connect calls = %d, want 2", got)
	}
}

func TestReconnector_IgnoresSpuriousNotification(t *testing.T) {
	tr := &sttmock.Transport{}
	var reconnects atomic.Int32
	r := fastReconnector(t, tr, 3, func() { reconnects.Add(1) })

	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.Monitor(t.Context())
	r.NotifyDisconnect()

	time.Sleep(50 * time.Millisecond)
	if got := reconnects.Load(); got != 0 {
		t.Errorf("reconnects = %d, want 0 while connected", got)
	}
	if got := tr.ConnectCalls(); got != 1 {
		t.Errorf("connect calls = %d, want 1", got)
	}
}

func TestReconnector_MaxRetriesExhausted(t *testing.T) {
	tr := &sttmock.Transport{}
	var reconnects atomic.Int32
	r := fastReconnector(t, tr, 2, func() { reconnects.Add(1) })

	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.Fail(errors.New("down"))
	tr.ConnectErrs = []error{stt.ErrConnectFailed, stt.ErrConnectFailed}

	r.Monitor(t.Context())
	r.NotifyDisconnect()

	deadline := time.Now().Add(2 * time.Second)
	for tr.ConnectCalls() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if got := tr.ConnectCalls(); got != 3 {
		t.Errorf("connect calls = %d, want 3 (1 initial + 2 retries)", got)
	}
	if got := reconnects.Load(); got != 0 {
		t.Errorf("reconnects = %d, want 0", got)
	}
	if tr.State() != stt.StateError {
		t.Errorf("state = %v, want error", tr.State())
	}
}

func TestReconnector_GivesUpOnClosedTransport(t *testing.T) {
	tr := &sttmock.Transport{}
	var reconnects atomic.Int32
	r := fastReconnector(t, tr, 5, func() { reconnects.Add(1) })

	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.Monitor(t.Context())
	_ = tr.Close()
	r.NotifyDisconnect()

	time.Sleep(50 * time.Millisecond)
	if got := reconnects.Load(); got != 0 {
		t.Errorf("reconnects = %d, want 0", got)
	}
	if got := tr.ConnectCalls(); got != 2 {
		t.Errorf("connect calls = %d, want 2", got)
	}
}

func TestReconnector_NotifyDisconnectNonBlocking(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{Transport: &sttmock.Transport{}})

	r.NotifyDisconnect()
	r.NotifyDisconnect()
	r.NotifyDisconnect()
}

func TestReconnector_StopIsIdempotent(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{Transport: &sttmock.Transport{}})
	r.Stop()
	r.Stop()

	if err := r.Connect(context.Background()); err == nil {
		t.Fatal("expected error after Stop")
	}
}
