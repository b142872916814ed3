package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
)

// Result is the winning transcript plus the full attempt trail.
type Result struct {
	Text       string
	Backend    string
	Confidence float64
	Attempts   []Attempt
}

// ExhaustedError reports that every backend in the chain failed, with
// one attempt entry per backend in call order.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Detail != "" {
			parts = append(parts, fmt.Sprintf("%s: %s (%s)", a.Backend, a.Outcome, a.Detail))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", a.Backend, a.Outcome))
		}
	}
	return "all recognition backends failed: " + strings.Join(parts, " | ")
}

// NoSpeech reports whether at least one engine ran to completion and
// heard nothing, which callers surface as a re-record prompt instead of
// an error.
func (e *ExhaustedError) NoSpeech() bool {
	for _, a := range e.Attempts {
		if a.Outcome == OutcomeEmpty {
			return true
		}
	}
	return false
}

// Orchestrator runs a waveform through the backend chain, strictly
// sequential, short-circuiting on the first success. Later engines cost
// quota or CPU that a hit on an earlier engine avoids.
type Orchestrator struct {
	backends []Backend
	timeouts map[string]time.Duration
	log      *slog.Logger
}

func NewOrchestrator(backends []Backend, timeouts map[string]time.Duration, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		backends: backends,
		timeouts: timeouts,
		log:      log.With(slog.String("component", "recognition")),
	}
}

// Recognize walks the chain and returns the first successful transcript
// together with the attempts that led to it.
func (o *Orchestrator) Recognize(ctx context.Context, w *audio.Waveform, language string) (*Result, error) {
	attempts := make([]Attempt, 0, len(o.backends))
	for _, b := range o.backends {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		text, err := o.tryBackend(ctx, b, w, language)
		outcome, detail := classify(text, err)
		attempt := Attempt{
			Backend:  b.ID(),
			Outcome:  outcome,
			Detail:   detail,
			Duration: time.Since(start),
		}
		attempts = append(attempts, attempt)

		if outcome == OutcomeSuccess {
			o.log.Info("recognition succeeded",
				slog.String("backend", b.ID()),
				slog.Duration("duration", attempt.Duration),
				slog.Int("attempts", len(attempts)))
			return &Result{
				Text:       strings.TrimSpace(text),
				Backend:    b.ID(),
				Confidence: confidenceFor(b.ID()),
				Attempts:   attempts,
			}, nil
		}
		o.log.Warn("recognition backend failed",
			slog.String("backend", b.ID()),
			slog.String("outcome", string(outcome)),
			slog.String("detail", detail))
	}
	return nil, &ExhaustedError{Attempts: attempts}
}

func (o *Orchestrator) tryBackend(ctx context.Context, b Backend, w *audio.Waveform, language string) (string, error) {
	if !b.Available() {
		return "", ErrUnavailable
	}
	if timeout := o.timeouts[b.ID()]; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return b.Recognize(ctx, w, language)
}

func classify(text string, err error) (Outcome, string) {
	switch {
	case err == nil && strings.TrimSpace(text) != "":
		return OutcomeSuccess, ""
	case err == nil:
		return OutcomeEmpty, "engine returned empty transcript"
	case errors.Is(err, ErrNoSpeech):
		return OutcomeEmpty, err.Error()
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return OutcomeUnavailable, err.Error()
	default:
		return OutcomeError, err.Error()
	}
}

// confidenceFor is a fixed per-engine placeholder, not a measured value.
func confidenceFor(backend string) float64 {
	switch backend {
	case BackendCloud:
		return 0.9
	case BackendStream:
		return 0.85
	case BackendBatch:
		return 0.7
	default:
		return 0.9
	}
}
