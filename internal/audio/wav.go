package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-audio/wav"
)

// WAVHeaderSize is the length of the canonical RIFF/WAVE header this
// package emits: a single fmt chunk followed by one data chunk.
const WAVHeaderSize = 44

// DecodeWAV parses a RIFF/WAVE blob into a waveform, converting the
// source bit depth down (or up) to 16-bit.
func DecodeWAV(data []byte) (*Waveform, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("not a riff/wave file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read pcm: %w", err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, fmt.Errorf("wave file contains no frames")
	}
	if buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("wave file declares invalid format")
	}
	bitDepth := int(dec.BitDepth)
	if buf.SourceBitDepth > 0 {
		bitDepth = buf.SourceBitDepth
	}
	samples := make([]int16, len(buf.Data))
	for i, s := range buf.Data {
		samples[i] = sampleTo16(s, bitDepth)
	}
	return &Waveform{
		Samples:    samples,
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
	}, nil
}

// sampleTo16 rescales a decoded integer sample to 16-bit. WAV stores
// 8-bit audio unsigned; wider depths shift down.
func sampleTo16(v, bitDepth int) int16 {
	switch {
	case bitDepth == 8:
		return int16((v - 128) << 8)
	case bitDepth > 16:
		return int16(v >> (bitDepth - 16))
	default:
		return int16(v)
	}
}

// EncodeWAV wraps the waveform's PCM in a minimal 44-byte WAV header.
func EncodeWAV(w *Waveform) []byte {
	pcm := w.Bytes()
	out := make([]byte, WAVHeaderSize+len(pcm))

	byteRate := w.SampleRate * w.Channels * 2
	blockAlign := w.Channels * 2

	copy(out[0:4], "RIFF")
	putLE32(out[4:], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	putLE32(out[16:], 16)
	putLE16(out[20:], 1) // PCM
	putLE16(out[22:], uint16(w.Channels))
	putLE32(out[24:], uint32(w.SampleRate))
	putLE32(out[28:], uint32(byteRate))
	putLE16(out[32:], uint16(blockAlign))
	putLE16(out[34:], CanonicalBitDepth)
	copy(out[36:40], "data")
	putLE32(out[40:], uint32(len(pcm)))
	copy(out[WAVHeaderSize:], pcm)
	return out
}

func putLE16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func putLE32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
