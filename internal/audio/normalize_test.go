package audio

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tone(rate, channels int, d time.Duration, amp float64) *Waveform {
	frames := framesFor(d, rate)
	samples := make([]int16, frames*channels)
	for f := 0; f < frames; f++ {
		v := int16(amp * math.Sin(2*math.Pi*440*float64(f)/float64(rate)))
		for c := 0; c < channels; c++ {
			samples[f*channels+c] = v
		}
	}
	return &Waveform{Samples: samples, SampleRate: rate, Channels: channels}
}

func silence(rate, channels int, d time.Duration) *Waveform {
	return &Waveform{
		Samples:    make([]int16, framesFor(d, rate)*channels),
		SampleRate: rate,
		Channels:   channels,
	}
}

func concat(parts ...*Waveform) *Waveform {
	out := &Waveform{SampleRate: parts[0].SampleRate, Channels: parts[0].Channels}
	for _, p := range parts {
		out.Samples = append(out.Samples, p.Samples...)
	}
	return out
}

func TestNormalizeProducesCanonicalFormat(t *testing.T) {
	n := NewNormalizer(testLogger())

	cases := []struct {
		name  string
		input *Waveform
	}{
		{"stereo 44k1", tone(44100, 2, time.Second, 12000)},
		{"mono 8k short", tone(8000, 1, 100*time.Millisecond, 9000)},
		{"stereo 22k quiet", tone(22050, 2, 700*time.Millisecond, 500)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := n.Normalize(tc.input)
			if err != nil {
				t.Fatalf("Normalize failed: %v", err)
			}
			if !out.Canonical() {
				t.Fatalf("expected canonical output, got rate=%d channels=%d", out.SampleRate, out.Channels)
			}
			if out.Duration() < minOutputDuration {
				t.Fatalf("expected duration >= %s, got %s", minOutputDuration, out.Duration())
			}
		})
	}
}

func TestNormalizePadsShortInput(t *testing.T) {
	n := NewNormalizer(testLogger())

	out, err := n.Normalize(tone(CanonicalRate, 1, 100*time.Millisecond, 9000))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if out.Duration() != minOutputDuration {
		t.Fatalf("expected padded duration %s, got %s", minOutputDuration, out.Duration())
	}
	if got, want := len(out.Samples), framesFor(minOutputDuration, CanonicalRate); got != want {
		t.Fatalf("expected %d samples, got %d", want, got)
	}
}

func TestNormalizeCanonicalSilenceIsNoOp(t *testing.T) {
	n := NewNormalizer(testLogger())

	in := silence(CanonicalRate, 1, 600*time.Millisecond)
	want := in.Bytes()
	out, err := n.Normalize(in)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if !bytes.Equal(out.Bytes(), want) {
		t.Fatal("expected byte-identical output for canonical input with nothing to do")
	}
	if out.SampleRate != CanonicalRate || out.Channels != CanonicalChannels {
		t.Fatalf("unexpected format change: rate=%d channels=%d", out.SampleRate, out.Channels)
	}
}

func TestNormalizeEmptyAfterProcessing(t *testing.T) {
	n := NewNormalizer(testLogger())

	// one frame at 44.1 kHz resamples down to zero frames
	in := &Waveform{Samples: []int16{1200}, SampleRate: 44100, Channels: 1}
	if _, err := n.Normalize(in); !errors.Is(err, ErrEmptyAfterProcessing) {
		t.Fatalf("expected ErrEmptyAfterProcessing, got %v", err)
	}
}

func TestTrimRemovesLeadingAndTrailingSilence(t *testing.T) {
	in := concat(
		silence(CanonicalRate, 1, 400*time.Millisecond),
		tone(CanonicalRate, 1, 300*time.Millisecond, 16000),
		silence(CanonicalRate, 1, 400*time.Millisecond),
	)

	out := trimSilence(in)
	if out.Duration() >= in.Duration() {
		t.Fatalf("expected trim to shorten clip, got %s from %s", out.Duration(), in.Duration())
	}
	if out.Duration() < 400*time.Millisecond {
		t.Fatalf("trim removed too much: %s", out.Duration())
	}
	peak := 0
	for _, s := range out.Samples {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	if peak < 15000 {
		t.Fatalf("trim damaged the speech span, peak=%d", peak)
	}
}

func TestTrimSkipsShortClips(t *testing.T) {
	in := concat(
		silence(CanonicalRate, 1, 100*time.Millisecond),
		tone(CanonicalRate, 1, 50*time.Millisecond, 16000),
	)
	if out := trimSilence(in); out != in {
		t.Fatal("expected clips under the trim minimum to pass through unchanged")
	}
}

func TestNormalizeLevelRaisesQuietAudio(t *testing.T) {
	out := normalizeLevel(tone(CanonicalRate, 1, 300*time.Millisecond, 100))
	peak := 0
	for _, s := range out.Samples {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	if peak < 32000 {
		t.Fatalf("expected peak near full scale, got %d", peak)
	}
}

func TestNormalizeLevelSkipsWithinTolerance(t *testing.T) {
	in := tone(CanonicalRate, 1, 300*time.Millisecond, 32390)
	if out := normalizeLevel(in); out != in {
		t.Fatal("expected peak within tolerance to skip rescaling")
	}
}

func TestCompressorReducesSustainedLoudAudio(t *testing.T) {
	in := tone(CanonicalRate, 1, 500*time.Millisecond, 30000)
	out := compressRange(in)

	// inspect the tail, after attack smoothing has settled
	tail := out.Samples[len(out.Samples)-framesFor(100*time.Millisecond, CanonicalRate):]
	peak := 0
	for _, s := range tail {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	if peak >= 15000 {
		t.Fatalf("expected sustained loud audio to be compressed, tail peak=%d", peak)
	}
}

func TestCompressorLeavesQuietAudioAlone(t *testing.T) {
	in := tone(CanonicalRate, 1, 300*time.Millisecond, 2000)
	if out := compressRange(in); out != in {
		t.Fatal("expected audio below the knee to pass through unchanged")
	}
}

func TestResampleIdentityAtSameRate(t *testing.T) {
	in := tone(CanonicalRate, 1, 200*time.Millisecond, 5000)
	if out := Resample(in, CanonicalRate); out != in {
		t.Fatal("expected same-rate resample to return the input unchanged")
	}
}

func TestResampleHalvesFrameCount(t *testing.T) {
	in := tone(32000, 1, time.Second, 5000)
	out := Resample(in, 16000)
	if out.SampleRate != 16000 {
		t.Fatalf("expected 16000 Hz, got %d", out.SampleRate)
	}
	if got := out.Frames(); got < 15990 || got > 16010 {
		t.Fatalf("expected about 16000 frames, got %d", got)
	}
}

func TestDownmixAveragesChannels(t *testing.T) {
	in := &Waveform{
		Samples:    []int16{1000, 3000, -2000, -4000},
		SampleRate: CanonicalRate,
		Channels:   2,
	}
	out := Downmix(in)
	if out.Channels != 1 {
		t.Fatalf("expected mono, got %d channels", out.Channels)
	}
	if out.Samples[0] != 2000 || out.Samples[1] != -3000 {
		t.Fatalf("unexpected downmix result: %v", out.Samples)
	}
}

func TestDownmixMonoIsIdentity(t *testing.T) {
	in := tone(CanonicalRate, 1, 100*time.Millisecond, 5000)
	if out := Downmix(in); out != in {
		t.Fatal("expected mono downmix to return the input unchanged")
	}
}

func TestPadSkippedWhenLongEnough(t *testing.T) {
	in := tone(CanonicalRate, 1, 600*time.Millisecond, 5000)
	if out := padToMinimum(in); out != in {
		t.Fatal("expected pad to skip input at or above the minimum duration")
	}
}
