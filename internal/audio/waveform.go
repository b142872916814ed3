package audio

import (
	"encoding/binary"
	"time"
)

// Canonical format every recognition backend is guaranteed to accept:
// 16 kHz mono 16-bit signed PCM.
const (
	CanonicalRate     = 16000
	CanonicalChannels = 1
	CanonicalBitDepth = 16
)

// Waveform holds interleaved 16-bit PCM samples. Decoders convert any
// source bit depth on ingest, so the in-memory depth is always 16.
type Waveform struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Frames returns the number of per-channel sample frames.
func (w *Waveform) Frames() int {
	if w.Channels <= 0 {
		return 0
	}
	return len(w.Samples) / w.Channels
}

// Duration reports the playback length of the waveform.
func (w *Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(w.Frames()) * time.Second / time.Duration(w.SampleRate)
}

// Bytes encodes the samples as little-endian PCM.
func (w *Waveform) Bytes() []byte {
	out := make([]byte, len(w.Samples)*2)
	for i, s := range w.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Canonical reports whether the waveform already satisfies the
// canonical format.
func (w *Waveform) Canonical() bool {
	return w.SampleRate == CanonicalRate && w.Channels == CanonicalChannels
}
