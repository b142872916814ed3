package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// ErrEmptyAfterProcessing reports a normalization step that consumed
// the whole waveform. Distinct from "no speech detected": here the
// buffer itself vanished, which points at the input rather than the
// speaker.
var ErrEmptyAfterProcessing = errors.New("waveform empty after processing")

// Processing constants, matched to what the recognition backends expect.
const (
	trimMinDuration     = 200 * time.Millisecond
	trimFloorDB         = 20.0 // below the mean level
	trimMinSilence      = 300 * time.Millisecond
	trimPadding         = 100 * time.Millisecond
	trimWindow          = 10 * time.Millisecond
	normalizeHeadroomDB = 0.1
	compressThresholdDB = -20.0
	compressRatio       = 2.0
	compressAttack      = 5 * time.Millisecond
	compressRelease     = 50 * time.Millisecond
	compressKneeDB      = 6.0
	minOutputDuration   = 500 * time.Millisecond
)

const fullScale = 32768.0

// Normalizer converts any decoded waveform into the canonical form the
// recognizers expect: silence-trimmed, level-normalized, compressed,
// 16 kHz mono, padded to the minimum duration.
type Normalizer struct {
	log *slog.Logger
}

func NewNormalizer(log *slog.Logger) *Normalizer {
	return &Normalizer{log: log.With(slog.String("component", "normalizer"))}
}

// Normalize applies the fixed-order processing chain. Each step runs on
// the previous step's output; a zero-length buffer after any step
// aborts the chain.
func (n *Normalizer) Normalize(w *Waveform) (*Waveform, error) {
	in := w.Duration()
	steps := []struct {
		name  string
		apply func(*Waveform) *Waveform
	}{
		{"trim", trimSilence},
		{"normalize", normalizeLevel},
		{"compress", compressRange},
		{"resample", toCanonical},
		{"pad", padToMinimum},
	}
	for _, step := range steps {
		w = step.apply(w)
		if w == nil || len(w.Samples) == 0 {
			return nil, fmt.Errorf("%s: %w", step.name, ErrEmptyAfterProcessing)
		}
	}
	n.log.Debug("normalized audio",
		slog.Duration("in", in),
		slog.Duration("out", w.Duration()),
		slog.Int("sample_rate", w.SampleRate))
	return w, nil
}

// trimSilence cuts leading and trailing spans at least 300 ms long that
// sit 20 dB under the clip's mean level, keeping 100 ms of padding on
// each side. Clips under 200 ms are too short to measure reliably and
// pass through unchanged.
func trimSilence(w *Waveform) *Waveform {
	if w.Duration() < trimMinDuration {
		return w
	}
	windowFrames := framesFor(trimWindow, w.SampleRate)
	if windowFrames == 0 {
		return w
	}
	floor := meanDBFS(w) - trimFloorDB
	frames := w.Frames()

	leadFrames := 0
	for start := 0; start+windowFrames <= frames; start += windowFrames {
		if windowDBFS(w, start, windowFrames) >= floor {
			break
		}
		leadFrames += windowFrames
	}
	trailFrames := 0
	for end := frames; end-windowFrames >= 0; end -= windowFrames {
		if windowDBFS(w, end-windowFrames, windowFrames) >= floor {
			break
		}
		trailFrames += windowFrames
	}

	minSilenceFrames := framesFor(trimMinSilence, w.SampleRate)
	padFrames := framesFor(trimPadding, w.SampleRate)

	startFrame := 0
	if leadFrames >= minSilenceFrames {
		startFrame = leadFrames - padFrames
	}
	endFrame := frames
	if trailFrames >= minSilenceFrames {
		endFrame = frames - trailFrames + padFrames
	}
	if startFrame < 0 {
		startFrame = 0
	}
	if endFrame > frames {
		endFrame = frames
	}
	if startFrame >= endFrame {
		// the whole clip sits under the floor; leave it to the
		// recognizers to decide whether it contains speech
		return w
	}
	if startFrame == 0 && endFrame == frames {
		return w
	}
	samples := make([]int16, (endFrame-startFrame)*w.Channels)
	copy(samples, w.Samples[startFrame*w.Channels:endFrame*w.Channels])
	return &Waveform{Samples: samples, SampleRate: w.SampleRate, Channels: w.Channels}
}

// normalizeLevel scales the waveform so its peak sits just under full
// scale. A peak already within a tenth of a percent of the target is
// left untouched, which keeps repeated passes bit-exact.
func normalizeLevel(w *Waveform) *Waveform {
	peak := 0
	for _, s := range w.Samples {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	if peak == 0 {
		return w
	}
	target := (fullScale - 1) * math.Pow(10, -normalizeHeadroomDB/20)
	gain := target / float64(peak)
	if math.Abs(gain-1) < 1e-3 {
		return w
	}
	out := make([]int16, len(w.Samples))
	for i, s := range w.Samples {
		out[i] = clamp16(math.Round(float64(s) * gain))
	}
	return &Waveform{Samples: out, SampleRate: w.SampleRate, Channels: w.Channels}
}

// compressRange applies a soft-knee 2:1 compressor at -20 dBFS with
// 5 ms attack and 50 ms release, evening out variable speaking volume.
// Audio that never crosses the knee comes back untouched.
func compressRange(w *Waveform) *Waveform {
	attack := smoothingCoef(compressAttack, w.SampleRate)
	release := smoothingCoef(compressRelease, w.SampleRate)

	frames := w.Frames()
	out := make([]int16, len(w.Samples))
	gainDB := 0.0
	changed := false
	for f := 0; f < frames; f++ {
		base := f * w.Channels
		peak := 0
		for c := 0; c < w.Channels; c++ {
			v := int(w.Samples[base+c])
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
		want := compressGainDB(dbfs(float64(peak)))
		if want < gainDB {
			gainDB = want + attack*(gainDB-want)
		} else {
			gainDB = want + release*(gainDB-want)
		}
		if gainDB > -1e-6 {
			gainDB = 0
		}
		if gainDB == 0 {
			for c := 0; c < w.Channels; c++ {
				out[base+c] = w.Samples[base+c]
			}
			continue
		}
		changed = true
		gain := math.Pow(10, gainDB/20)
		for c := 0; c < w.Channels; c++ {
			out[base+c] = clamp16(math.Round(float64(w.Samples[base+c]) * gain))
		}
	}
	if !changed {
		return w
	}
	return &Waveform{Samples: out, SampleRate: w.SampleRate, Channels: w.Channels}
}

// compressGainDB is the static gain curve: unity below the knee, full
// ratio above the threshold, quadratic across the knee.
func compressGainDB(levelDB float64) float64 {
	if math.IsInf(levelDB, -1) {
		return 0
	}
	slope := 1 - 1/compressRatio
	lower := compressThresholdDB - compressKneeDB/2
	upper := compressThresholdDB + compressKneeDB/2
	switch {
	case levelDB <= lower:
		return 0
	case levelDB >= upper:
		return -slope * (levelDB - compressThresholdDB)
	default:
		d := levelDB - lower
		return -slope * d * d / (2 * compressKneeDB)
	}
}

func smoothingCoef(d time.Duration, rate int) float64 {
	samples := d.Seconds() * float64(rate)
	if samples <= 0 {
		return 0
	}
	return math.Exp(-1 / samples)
}

// toCanonical forces 16 kHz mono. Channels are averaged, never dropped.
// Already-canonical input passes through untouched.
func toCanonical(w *Waveform) *Waveform {
	return Resample(Downmix(w), CanonicalRate)
}

// Downmix averages all channels into one.
func Downmix(w *Waveform) *Waveform {
	if w.Channels <= 1 {
		return w
	}
	frames := w.Frames()
	out := make([]int16, frames)
	for f := 0; f < frames; f++ {
		sum := 0
		base := f * w.Channels
		for c := 0; c < w.Channels; c++ {
			sum += int(w.Samples[base+c])
		}
		out[f] = int16(sum / w.Channels)
	}
	return &Waveform{Samples: out, SampleRate: w.SampleRate, Channels: 1}
}

// Resample converts the sample rate with linear interpolation. Input
// already at the target rate is returned as-is.
func Resample(w *Waveform, rate int) *Waveform {
	if w.SampleRate == rate || w.SampleRate <= 0 || rate <= 0 {
		return w
	}
	frames := w.Frames()
	outFrames := int(float64(frames) * float64(rate) / float64(w.SampleRate))
	out := make([]int16, outFrames*w.Channels)
	ratio := float64(w.SampleRate) / float64(rate)
	for f := 0; f < outFrames; f++ {
		srcPos := float64(f) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)
		for c := 0; c < w.Channels; c++ {
			var v float64
			if srcIdx >= frames-1 {
				v = float64(w.Samples[(frames-1)*w.Channels+c])
			} else {
				s0 := float64(w.Samples[srcIdx*w.Channels+c])
				s1 := float64(w.Samples[(srcIdx+1)*w.Channels+c])
				v = s0 + frac*(s1-s0)
			}
			out[f*w.Channels+c] = int16(v)
		}
	}
	return &Waveform{Samples: out, SampleRate: rate, Channels: w.Channels}
}

// padToMinimum appends trailing silence up to the minimum duration the
// recognizers accept. Longer input is returned as-is.
func padToMinimum(w *Waveform) *Waveform {
	min := framesFor(minOutputDuration, w.SampleRate) * w.Channels
	if len(w.Samples) >= min {
		return w
	}
	out := make([]int16, min)
	copy(out, w.Samples)
	return &Waveform{Samples: out, SampleRate: w.SampleRate, Channels: w.Channels}
}

// meanDBFS is the RMS level of the whole waveform relative to full scale.
func meanDBFS(w *Waveform) float64 {
	if len(w.Samples) == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for _, s := range w.Samples {
		f := float64(s)
		sum += f * f
	}
	return dbfs(math.Sqrt(sum / float64(len(w.Samples))))
}

func windowDBFS(w *Waveform, startFrame, frames int) float64 {
	lo := startFrame * w.Channels
	hi := lo + frames*w.Channels
	if hi > len(w.Samples) {
		hi = len(w.Samples)
	}
	if lo >= hi {
		return math.Inf(-1)
	}
	var sum float64
	for _, s := range w.Samples[lo:hi] {
		f := float64(s)
		sum += f * f
	}
	return dbfs(math.Sqrt(sum / float64(hi-lo)))
}

func dbfs(level float64) float64 {
	if level <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(level/fullScale)
}

func framesFor(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}

func clamp16(v float64) int16 {
	if v > fullScale-1 {
		return math.MaxInt16
	}
	if v < -fullScale {
		return math.MinInt16
	}
	return int16(v)
}
