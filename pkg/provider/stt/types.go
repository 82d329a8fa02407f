package stt

import "time"

// TranscriptEvent is one recognition result received from the endpoint. Both
// interim and final results use this type.
type TranscriptEvent struct {
	// Text is the recognised speech. Never empty for delivered events.
	Text string

	// IsFinal marks an authoritative result for its audio span. Interim
	// results for the same span may precede it.
	IsFinal bool

	// SpeechFinal marks the end of an utterance as detected by the endpoint.
	SpeechFinal bool

	// Confidence is the overall score in [0, 1], zero when not reported.
	Confidence float64

	// Words carries per-word timing when the endpoint reports it.
	Words []WordDetail

	// Start is the offset of the result within the stream.
	Start time.Duration

	// Duration is the length of the audio span the result covers.
	Duration time.Duration
}

// WordDetail holds per-word timing and confidence.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost raises the recognition probability of an uncommon term such
// as a company or product name.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}

// State is the connection lifecycle of a [Transport].
type State int

const (
	// StateDisconnected is the initial state.
	StateDisconnected State = iota
	// StateConnecting is set while the socket handshake is in flight.
	StateConnecting
	// StateConnected means audio is being forwarded.
	StateConnected
	// StateClosed is terminal and entered by Close.
	StateClosed
	// StateError is entered on a failed connect or a lost connection.
	StateError
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
