package audio_test

import (
	"math"
	"slices"
	"testing"

	"github.com/MrWong99/intervox/pkg/audio"
)

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

func TestNormalizer_PassThrough(t *testing.T) {
	t.Parallel()
	n := &audio.Normalizer{Target: mono16k}
	frame := audio.AudioFrame{Data: pcm16(1, 2, 3), SampleRate: 16000, Channels: 1}
	got := n.Process(frame)
	if &got.Data[0] != &frame.Data[0] {
		t.Error("matching format should return the same slice")
	}
}

func TestNormalizer_StereoToTargetMono(t *testing.T) {
	t.Parallel()
	n := &audio.Normalizer{Target: audio.Format{SampleRate: 48000, Channels: 1}}
	got := n.Process(audio.AudioFrame{Data: pcm16(100, 300, -100, -300), SampleRate: 48000, Channels: 2})
	if got.Format() != n.Target {
		t.Fatalf("format = %v, want %v", got.Format(), n.Target)
	}
	if s := samples16(got.Data); !slices.Equal(s, []int16{200, -200}) {
		t.Errorf("samples = %v, want [200 -200]", s)
	}
}

func TestNormalizer_ResampleAndDownmix(t *testing.T) {
	t.Parallel()
	n := &audio.Normalizer{Target: mono16k}
	// 20 ms of 48 kHz stereo → 20 ms of 16 kHz mono.
	in := make([]byte, 960*4)
	got := n.Process(audio.AudioFrame{Data: in, SampleRate: 48000, Channels: 2})
	if len(got.Data) != 320*2 {
		t.Errorf("len = %d, want %d", len(got.Data), 320*2)
	}
}

func TestNormalizer_CarriesSplitSamples(t *testing.T) {
	t.Parallel()
	n := &audio.Normalizer{Target: mono16k}
	whole := pcm16(100, -200, 300)

	first := n.Process(audio.AudioFrame{Data: whole[:3], SampleRate: 16000, Channels: 1})
	if s := samples16(first.Data); !slices.Equal(s, []int16{100}) {
		t.Errorf("first = %v, want [100]", s)
	}
	second := n.Process(audio.AudioFrame{Data: whole[3:], SampleRate: 16000, Channels: 1})
	if s := samples16(second.Data); !slices.Equal(s, []int16{-200, 300}) {
		t.Errorf("second = %v, want [-200 300]", s)
	}
}

func TestNormalizer_SingleByteFrameIsHeldBack(t *testing.T) {
	t.Parallel()
	n := &audio.Normalizer{Target: mono16k}
	whole := pcm16(1234)

	got := n.Process(audio.AudioFrame{Data: whole[:1], SampleRate: 16000, Channels: 1})
	if len(got.Data) != 0 {
		t.Errorf("got %d bytes from half a sample, want 0", len(got.Data))
	}
	if got.Format() != mono16k {
		t.Errorf("empty frame format = %v, want target", got.Format())
	}
	got = n.Process(audio.AudioFrame{Data: whole[1:], SampleRate: 16000, Channels: 1})
	if s := samples16(got.Data); !slices.Equal(s, []int16{1234}) {
		t.Errorf("samples = %v, want [1234]", s)
	}
}

func TestNormalizer_CarriesStereoRemainder(t *testing.T) {
	t.Parallel()
	n := &audio.Normalizer{Target: audio.Format{SampleRate: 48000, Channels: 1}}
	whole := pcm16(100, 300, -100, -300)

	first := n.Process(audio.AudioFrame{Data: whole[:6], SampleRate: 48000, Channels: 2})
	second := n.Process(audio.AudioFrame{Data: whole[6:], SampleRate: 48000, Channels: 2})
	got := append(samples16(first.Data), samples16(second.Data)...)
	if !slices.Equal(got, []int16{200, -200}) {
		t.Errorf("samples = %v, want [200 -200]", got)
	}
}

func TestNormalizer_FormatChangeDiscardsRemainder(t *testing.T) {
	t.Parallel()
	n := &audio.Normalizer{Target: mono16k}
	n.Process(audio.AudioFrame{Data: []byte{1}, SampleRate: 48000, Channels: 1})

	frame := audio.AudioFrame{Data: pcm16(7, 8), SampleRate: 16000, Channels: 1}
	got := n.Process(frame)
	if s := samples16(got.Data); !slices.Equal(s, []int16{7, 8}) {
		t.Errorf("samples = %v, want [7 8]", s)
	}
}

func TestChain_StopsOnDrop(t *testing.T) {
	t.Parallel()
	var calls int
	count := audio.NodeFunc(func(f audio.AudioFrame) audio.AudioFrame {
		calls++
		return f
	})
	drop := audio.NodeFunc(func(f audio.AudioFrame) audio.AudioFrame {
		return audio.AudioFrame{}
	})

	audio.Chain(count, drop, count).Process(audio.AudioFrame{Data: pcm16(1)})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestLevelMeter(t *testing.T) {
	t.Parallel()
	var m audio.LevelMeter
	frame := audio.AudioFrame{Data: pcm16(16384, -16384, 16384, -16384), SampleRate: 16000, Channels: 1}
	if got := m.Process(frame); len(got.Data) != len(frame.Data) {
		t.Fatal("meter must not alter frames")
	}
	if math.Abs(m.RMS()-0.5) > 1e-9 {
		t.Errorf("RMS = %f, want 0.5", m.RMS())
	}
	if math.Abs(m.Peak()-0.5) > 1e-9 {
		t.Errorf("Peak = %f, want 0.5", m.Peak())
	}
}

func TestFormat_Durations(t *testing.T) {
	t.Parallel()
	if got := mono16k.DurationOf(32000); got.Seconds() != 1 {
		t.Errorf("DurationOf(32000) = %v, want 1s", got)
	}
	if got := mono16k.BytesFor(mono16k.DurationOf(640)); got != 640 {
		t.Errorf("BytesFor round trip = %d, want 640", got)
	}
	if got := (audio.Format{SampleRate: 48000, Channels: 2}).String(); got != "48000Hz stereo" {
		t.Errorf("String() = %q", got)
	}
}
