package tts

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
)

// mockEngine synthesizes a tone whose length tracks the text and
// speaking rate, so the daemon runs end-to-end without an installed
// engine and downstream timing code sees plausible durations.
type mockEngine struct {
	sampleRate int
}

func NewMockEngine(sampleRate int) Engine {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	return &mockEngine{sampleRate: sampleRate}
}

var mockVoices = []Voice{
	{ID: "mock-vi", Name: "Mock Linh", Language: "vi-VN", Gender: "female"},
	{ID: "mock-en", Name: "Mock Alex", Language: "en-US", Gender: "male"},
}

func (m *mockEngine) Voices(_ context.Context) ([]Voice, error) {
	return append([]Voice(nil), mockVoices...), nil
}

func (m *mockEngine) Speak(ctx context.Context, req SpeakRequest) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}

	words := len(strings.Fields(req.Text))
	if words == 0 {
		words = 1
	}
	rate := req.Rate
	if rate <= 0 {
		rate = 150
	}
	frames := words * m.sampleRate * 60 / rate
	freq := 220.0 + float64(req.Pitch)*4

	samples := make([]int16, frames)
	for i := range samples {
		samples[i] = int16(6000 * math.Sin(2*math.Pi*freq*float64(i)/float64(m.sampleRate)))
	}
	w := &audio.Waveform{Samples: samples, SampleRate: m.sampleRate, Channels: 1}
	return audio.EncodeWAV(w), nil
}
