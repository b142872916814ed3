package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Validation and engine failure modes.
var (
	// ErrEmptyText rejects synthesis requests with nothing to say.
	ErrEmptyText = errors.New("text must not be empty")
	// ErrEngineEmptyOutput means the engine claimed success but wrote
	// zero bytes. Never passed downstream as valid audio.
	ErrEngineEmptyOutput = errors.New("engine produced empty output")
)

// TextTooLongError reports input over the configured character budget.
type TextTooLongError struct {
	Length int
	Max    int
}

func (e *TextTooLongError) Error() string {
	return fmt.Sprintf("text of %d characters exceeds limit of %d", e.Length, e.Max)
}

// Voice describes one installed engine voice.
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Gender   string `json:"gender,omitempty"`
}

// SpeakRequest is the engine-level synthesis order, after validation
// and voice resolution have run.
type SpeakRequest struct {
	Text  string
	Voice string
	Rate  int // words per minute
	Pitch int // 0-99
}

// Engine is one text-to-speech implementation.
type Engine interface {
	Voices(ctx context.Context) ([]Voice, error)
	Speak(ctx context.Context, req SpeakRequest) ([]byte, error)
}

// NewEngine builds the configured engine implementation.
func NewEngine(cfg config.SynthesisConfig) (Engine, error) {
	switch cfg.Mode {
	case "exec":
		return newExecEngine(cfg)
	case "mock", "":
		return NewMockEngine(cfg.SampleRate), nil
	default:
		return nil, fmt.Errorf("unknown synthesis mode %q", cfg.Mode)
	}
}
