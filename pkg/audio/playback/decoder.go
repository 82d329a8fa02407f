package playback

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
	"layeh.com/gopus"
)

// Decoder turns one encoded fragment into a sample buffer. Errors must wrap
// [ErrDecode].
type Decoder interface {
	Decode(fragment []byte) (*beep.Buffer, error)
}

// pcmStreamer streams signed little-endian PCM in format f.
func pcmStreamer(pcm []byte, f beep.Format) beep.Streamer {
	width := f.Width()
	return beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		if len(pcm) < width {
			return 0, false
		}
		n := 0
		for n < len(samples) && len(pcm) >= width {
			samples[n], _ = f.DecodeSigned(pcm)
			pcm = pcm[width:]
			n++
		}
		return n, true
	})
}

func bufferFromPCM(pcm []byte, f beep.Format) *beep.Buffer {
	buf := beep.NewBuffer(f)
	buf.Append(pcmStreamer(pcm, f))
	return buf
}

// ── WAV ───────────────────────────────────────────────────────────────────────

// WAVDecoder decodes self-describing WAV fragments of any bit depth supported
// by beep. Samples are stored as 16-bit.
type WAVDecoder struct{}

var _ Decoder = WAVDecoder{}

// Decode implements [Decoder].
func (WAVDecoder) Decode(fragment []byte) (*beep.Buffer, error) {
	s, f, err := wav.Decode(bytes.NewReader(fragment))
	if err != nil {
		return nil, fmt.Errorf("%w: wav: %w", ErrDecode, err)
	}
	defer s.Close()

	buf := beep.NewBuffer(bufferFormat(int(f.SampleRate), f.NumChannels))
	buf.Append(s)
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("%w: wav: %w", ErrDecode, err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("%w: wav: no samples", ErrDecode)
	}
	return buf, nil
}

// ── Raw PCM ───────────────────────────────────────────────────────────────────

// PCMDecoder decodes headerless signed 16-bit little-endian PCM at a fixed
// format.
type PCMDecoder struct {
	SampleRate int
	Channels   int
}

var _ Decoder = PCMDecoder{}

// Decode implements [Decoder].
func (d PCMDecoder) Decode(fragment []byte) (*beep.Buffer, error) {
	f := bufferFormat(d.SampleRate, d.Channels)
	if len(fragment) == 0 {
		return nil, fmt.Errorf("%w: pcm: empty fragment", ErrDecode)
	}
	if len(fragment)%f.Width() != 0 {
		return nil, fmt.Errorf("%w: pcm: %d bytes is not a whole number of %d-byte frames", ErrDecode, len(fragment), f.Width())
	}
	return bufferFromPCM(fragment, f), nil
}

// ── Opus ──────────────────────────────────────────────────────────────────────

// OpusDecoder decodes fragments holding exactly one Opus packet. Decoder
// state carries across packets, so one OpusDecoder serves one response
// stream.
type OpusDecoder struct {
	mu         sync.Mutex
	dec        *gopus.Decoder
	sampleRate int
	channels   int
}

var _ Decoder = (*OpusDecoder)(nil)

// NewOpusDecoder creates a decoder producing audio at sampleRate (8000,
// 12000, 16000, 24000 or 48000) with the given channel count.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("playback: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, sampleRate: sampleRate, channels: channels}, nil
}

// Decode implements [Decoder].
func (d *OpusDecoder) Decode(fragment []byte) (*beep.Buffer, error) {
	if len(fragment) == 0 {
		return nil, fmt.Errorf("%w: opus: empty packet", ErrDecode)
	}
	// 120 ms is the longest frame an Opus packet can carry.
	maxFrame := d.sampleRate * 120 / 1000

	d.mu.Lock()
	samples, err := d.dec.Decode(fragment, maxFrame, false)
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: opus: %w", ErrDecode, err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: opus: no samples", ErrDecode)
	}

	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return bufferFromPCM(pcm, bufferFormat(d.sampleRate, d.channels)), nil
}
