package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/modelstore"
)

// Sentinel outcomes recognizers report besides hard errors.
var (
	// ErrNoSpeech means the engine ran to completion and heard nothing
	// usable. A user-actionable outcome, not an infrastructure fault.
	ErrNoSpeech = errors.New("no speech detected")
	// ErrUnavailable means the engine is not configured or not reachable.
	ErrUnavailable = errors.New("backend unavailable")
)

// DecoderFault reports an offline decoder process crash. The faulted
// process is discarded; reusing it within the same request risks
// repeating the crash.
type DecoderFault struct {
	Backend string
	Err     error
}

func (e *DecoderFault) Error() string {
	return fmt.Sprintf("%s decoder fault: %v", e.Backend, e.Err)
}

func (e *DecoderFault) Unwrap() error { return e.Err }

// Outcome classifies one backend attempt for the audit trail.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeEmpty       Outcome = "empty"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeError       Outcome = "error"
)

// Attempt is one audit-trail entry for a recognition request.
type Attempt struct {
	Backend  string
	Outcome  Outcome
	Detail   string
	Duration time.Duration
}

// Backend is one recognition engine behind the orchestrator. Recognize
// returns the raw transcript; empty text means the engine ran but found
// no usable speech.
type Backend interface {
	ID() string
	Available() bool
	Recognize(ctx context.Context, w *audio.Waveform, language string) (string, error)
}

// NewBackends assembles the recognition chain in fallback order: the
// cloud engine first, then the offline streaming engine, then the
// offline batch engine. Disabled engines stay in the chain and report
// unavailable, so the audit trail always covers all three.
func NewBackends(cfg config.RecognitionConfig, models *modelstore.Store, log *slog.Logger) ([]Backend, error) {
	backends := []Backend{newCloudBackend(cfg.Cloud)}

	if cfg.Stream.Enabled && cfg.Stream.Mode == "mock" {
		backends = append(backends, NewMockBackend(BackendStream))
	} else {
		b, err := newStreamBackend(cfg.Stream, models, log)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}

	if cfg.Batch.Enabled && cfg.Batch.Mode == "mock" {
		backends = append(backends, NewMockBackend(BackendBatch))
	} else {
		b, err := newBatchBackend(cfg.Batch)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	return backends, nil
}

// Timeouts maps backend ids to their configured per-call budgets.
func Timeouts(cfg config.RecognitionConfig) map[string]time.Duration {
	return map[string]time.Duration{
		BackendCloud:  time.Duration(cfg.Cloud.TimeoutMS) * time.Millisecond,
		BackendStream: time.Duration(cfg.Stream.TimeoutMS) * time.Millisecond,
		BackendBatch:  time.Duration(cfg.Batch.TimeoutMS) * time.Millisecond,
	}
}

// CloseBackends shuts down any backend holding external resources.
func CloseBackends(backends []Backend) {
	for _, b := range backends {
		if c, ok := b.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

// baseLanguage reduces a BCP-47 tag like vi-VN to its ISO 639-1 base.
func baseLanguage(language string) string {
	language = strings.TrimSpace(language)
	if i := strings.IndexAny(language, "-_"); i > 0 {
		language = language[:i]
	}
	return strings.ToLower(language)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
