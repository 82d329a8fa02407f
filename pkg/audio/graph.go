package audio

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
)

// Node is one stage of the capture graph. A node inspects or transforms a
// frame and returns the frame to pass on. Returning a frame with empty Data
// drops it.
type Node interface {
	Process(frame AudioFrame) AudioFrame
}

// NodeFunc adapts a plain function to [Node].
type NodeFunc func(AudioFrame) AudioFrame

// Process calls f(frame).
func (f NodeFunc) Process(frame AudioFrame) AudioFrame { return f(frame) }

// Chain runs frames through nodes in order, stopping early once a node drops
// the frame.
func Chain(nodes ...Node) Node {
	return NodeFunc(func(frame AudioFrame) AudioFrame {
		for _, n := range nodes {
			frame = n.Process(frame)
			if len(frame.Data) == 0 {
				return frame
			}
		}
		return frame
	})
}

// Normalizer converts frames to Target: resampling first, then channel
// conversion. Frames already in the target format pass through untouched.
// Bytes that do not complete a sample are held back and prepended to the
// next frame, so devices may split samples across reads. Create one per
// stream.
type Normalizer struct {
	Target Format

	carry       []byte
	carryFormat Format

	warnedMismatch sync.Once
	warnedCarry    sync.Once
}

var _ Node = (*Normalizer)(nil)

// Process implements [Node].
func (n *Normalizer) Process(frame AudioFrame) AudioFrame {
	frame.Data = n.align(frame)
	if len(frame.Data) == 0 {
		return AudioFrame{SampleRate: n.Target.SampleRate, Channels: n.Target.Channels, Timestamp: frame.Timestamp}
	}
	if frame.Format() == n.Target {
		return frame
	}

	n.warnedMismatch.Do(func() {
		slog.Warn("audio normalizer: converting frames",
			"from", frame.Format().String(),
			"to", n.Target.String(),
		)
	})

	pcm := frame.Data
	if frame.SampleRate != n.Target.SampleRate {
		if frame.Channels == 1 {
			pcm = ResampleMono16(pcm, frame.SampleRate, n.Target.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, frame.SampleRate, n.Target.SampleRate)
		}
	}
	switch {
	case frame.Channels == 1 && n.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case frame.Channels == 2 && n.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: n.Target.SampleRate,
		Channels:   n.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// align joins any carried bytes with frame and returns the whole samples,
// keeping the remainder for the next call. Carried bytes are discarded when
// the frame format changes.
func (n *Normalizer) align(frame AudioFrame) []byte {
	data := frame.Data
	if len(n.carry) > 0 {
		if n.carryFormat == frame.Format() {
			data = append(n.carry, data...)
		} else {
			slog.Warn("audio normalizer: format changed mid-sample, discarding partial sample",
				"bytes", len(n.carry),
				"from", n.carryFormat.String(),
				"to", frame.Format().String(),
			)
		}
		n.carry = nil
	}

	block := 2 * max(frame.Channels, 1)
	whole := len(data) - len(data)%block
	if whole < len(data) {
		n.warnedCarry.Do(func() {
			slog.Debug("audio normalizer: frame ends mid-sample, carrying remainder",
				"bytes", len(data),
				"format", frame.Format().String(),
			)
		})
		n.carry = append([]byte(nil), data[whole:]...)
		n.carryFormat = frame.Format()
	}
	return data[:whole]
}

// LevelMeter is a pass-through node recording the RMS and peak level of the
// most recent frame, normalised to [0, 1]. Safe for concurrent reads.
type LevelMeter struct {
	rms  atomic.Uint64
	peak atomic.Uint64
}

var _ Node = (*LevelMeter)(nil)

// Process implements [Node]. The frame is returned unchanged.
func (m *LevelMeter) Process(frame AudioFrame) AudioFrame {
	n := len(frame.Data) / 2
	if n == 0 {
		return frame
	}
	var sum float64
	var peak float64
	for i := range n {
		v := math.Abs(float64(sampleAt(frame.Data, i))) / 32768
		sum += v * v
		peak = max(peak, v)
	}
	m.rms.Store(math.Float64bits(math.Sqrt(sum / float64(n))))
	m.peak.Store(math.Float64bits(peak))
	return frame
}

// RMS returns the root-mean-square level of the last processed frame.
func (m *LevelMeter) RMS() float64 { return math.Float64frombits(m.rms.Load()) }

// Peak returns the peak level of the last processed frame.
func (m *LevelMeter) Peak() float64 { return math.Float64frombits(m.peak.Load()) }
