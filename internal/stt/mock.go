package stt

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
)

// MockBackend produces deterministic transcripts so the daemon can run
// end-to-end without any engine installed. Silent input reports no
// speech, mirroring a real recognizer.
type MockBackend struct {
	id string
}

func NewMockBackend(id string) *MockBackend {
	return &MockBackend{id: id}
}

func (m *MockBackend) ID() string { return m.id }

func (m *MockBackend) Available() bool { return true }

func (m *MockBackend) Recognize(ctx context.Context, w *audio.Waveform, language string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	if silent(w) {
		return "", ErrNoSpeech
	}
	return fmt.Sprintf("[%s %s %.1fs]", m.id, language, w.Duration().Seconds()), nil
}

// silent reports whether the waveform never rises above a nominal
// noise floor.
func silent(w *audio.Waveform) bool {
	for _, s := range w.Samples {
		if s > 512 || s < -512 {
			return false
		}
	}
	return true
}
