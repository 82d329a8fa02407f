// Package mock provides a test double for [stt.Transport].
//
// Transport records every forwarded frame and lets tests drive inbound
// traffic:
//
//	tr := &mock.Transport{}
//	_ = tr.Connect(ctx)
//	tr.Emit(stt.TranscriptEvent{Text: "hello", IsFinal: true})
//	tr.Frames() // frames passed to SendAudio while connected
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/intervox/pkg/event"
	"github.com/MrWong99/intervox/pkg/provider/stt"
)

// Transport is a mock implementation of [stt.Transport].
type Transport struct {
	mu sync.Mutex

	// ConnectErrs are returned by successive Connect calls; once exhausted
	// Connect succeeds.
	ConnectErrs []error

	connectCalls int
	closeCalls   int
	state        stt.State
	frames       [][]byte

	transcripts event.Listeners[stt.TranscriptEvent]
	errs        event.Listeners[error]
}

var _ stt.Transport = (*Transport)(nil)

// Connect implements [stt.Transport].
func (t *Transport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectCalls++
	switch t.state {
	case stt.StateConnected:
		return stt.ErrAlreadyConnected
	case stt.StateClosed:
		return stt.ErrTransportClosed
	}
	if len(t.ConnectErrs) > 0 {
		err := t.ConnectErrs[0]
		t.ConnectErrs = t.ConnectErrs[1:]
		if err != nil {
			t.state = stt.StateError
			return err
		}
	}
	t.state = stt.StateConnected
	return nil
}

// SendAudio implements [stt.Transport]. Frames are recorded only while
// connected.
func (t *Transport) SendAudio(frame []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stt.StateConnected || len(frame) == 0 {
		return
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	t.frames = append(t.frames, cp)
}

// OnTranscript implements [stt.Transport].
func (t *Transport) OnTranscript(fn func(stt.TranscriptEvent)) func() {
	return t.transcripts.Add(fn)
}

// OnError implements [stt.Transport].
func (t *Transport) OnError(fn func(error)) func() {
	return t.errs.Add(fn)
}

// State implements [stt.Transport].
func (t *Transport) State() stt.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Close implements [stt.Transport].
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCalls++
	t.state = stt.StateClosed
	return nil
}

// Emit delivers ev to transcript listeners unless the transport is closed.
func (t *Transport) Emit(ev stt.TranscriptEvent) {
	t.transcripts.EmitWhile(ev, t.open)
}

// Fail moves the transport to [stt.StateError] and notifies error listeners.
func (t *Transport) Fail(err error) {
	t.mu.Lock()
	t.state = stt.StateError
	t.mu.Unlock()
	t.errs.EmitWhile(err, t.open)
}

func (t *Transport) open() bool {
	return t.State() != stt.StateClosed
}

// Frames returns copies of every frame forwarded while connected.
func (t *Transport) Frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.frames...)
}

// ConnectCalls returns how many times Connect was called.
func (t *Transport) ConnectCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectCalls
}

// CloseCalls returns how many times Close was called.
func (t *Transport) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}
