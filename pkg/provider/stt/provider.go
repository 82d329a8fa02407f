// Package stt defines the streaming transport that forwards live microphone
// audio to a remote transcription endpoint and surfaces the recognised text.
//
// A [Transport] owns exactly one connection for one interview session. Audio
// is forwarded frame by frame with no buffering: frames sent while the
// transport is not connected are dropped. Recognition results are pushed to
// registered listeners in the order they arrive. Reconnection is left to the
// caller; a transport never dials on its own after a failure.
package stt

import (
	"context"
	"errors"
)

var (
	// ErrConnectFailed wraps every failure to establish the connection.
	ErrConnectFailed = errors.New("stt: connect failed")

	// ErrAlreadyConnected is returned by Connect while a connection is being
	// established or is already open.
	ErrAlreadyConnected = errors.New("stt: already connected")

	// ErrTransportClosed is returned by Connect after Close.
	ErrTransportClosed = errors.New("stt: transport closed")
)

// Transport is a streaming connection to a transcription endpoint.
//
// Implementations must be safe for concurrent use.
type Transport interface {
	// Connect opens the connection and returns once the endpoint accepted it.
	// Failures wrap [ErrConnectFailed] and leave the transport in
	// [StateError] with no socket open.
	Connect(ctx context.Context) error

	// SendAudio forwards one PCM frame. It is a silent no-op unless the
	// transport is in [StateConnected]. Transmission errors are not
	// reported to the caller.
	SendAudio(frame []byte)

	// OnTranscript registers a listener for recognised text. Listeners run
	// sequentially on the receiving goroutine in arrival order and must not
	// block. The returned function removes the listener.
	OnTranscript(fn func(TranscriptEvent)) (remove func())

	// OnError registers a listener for errors raised after a successful
	// Connect. The returned function removes the listener.
	OnError(fn func(error)) (remove func())

	// State reports the current lifecycle state.
	State() State

	// Close ends the stream and releases the connection. No listener
	// invocation starts after Close returns. Safe to call more than once.
	Close() error
}
