package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/stt"
)

// Request is one utterance to transcribe.
type Request struct {
	Data     []byte
	MIME     string
	Language string
}

// StageTiming records how long one pipeline stage took.
type StageTiming struct {
	Name     string
	Duration time.Duration
}

// Transcript is the final output of a successful transcription.
type Transcript struct {
	Text            string
	Language        string
	Confidence      float64
	WordCount       int
	DurationSeconds float64
	Backend         string
	Attempts        []stt.Attempt
	Stages          []StageTiming
}

// Pipeline runs decode, normalize, recognize and sanitize in order.
// It holds no per-request state and is safe for concurrent use.
type Pipeline struct {
	decoder    *audio.Decoder
	normalizer *audio.Normalizer
	orch       *stt.Orchestrator
	sanitizer  *stt.Sanitizer

	defaultLanguage string
	tracer          trace.Tracer
	log             *slog.Logger
}

func New(cfg config.PipelineConfig, decoder *audio.Decoder, normalizer *audio.Normalizer, orch *stt.Orchestrator, sanitizer *stt.Sanitizer, log *slog.Logger) *Pipeline {
	return &Pipeline{
		decoder:         decoder,
		normalizer:      normalizer,
		orch:            orch,
		sanitizer:       sanitizer,
		defaultLanguage: cfg.DefaultLanguage,
		tracer:          otel.Tracer("github.com/loqalabs/loqa-voice/pipeline"),
		log:             log.With(slog.String("component", "pipeline")),
	}
}

// Transcribe takes an encoded audio blob and produces a transcript.
// Audio never leaves this call: intermediate waveforms are garbage the
// moment it returns.
func (p *Pipeline) Transcribe(ctx context.Context, req Request) (*Transcript, error) {
	language := req.Language
	if language == "" {
		language = p.defaultLanguage
	}

	ctx, span := p.tracer.Start(ctx, "voice.transcribe", trace.WithAttributes(
		attribute.Int("audio.bytes", len(req.Data)),
		attribute.String("audio.mime", req.MIME),
		attribute.String("language", language),
	))
	defer span.End()

	var stages []StageTiming
	step := func(name string, fn func(context.Context) error) error {
		stageCtx, stageSpan := p.tracer.Start(ctx, "voice."+name)
		start := time.Now()
		err := fn(stageCtx)
		took := time.Since(start)
		stages = append(stages, StageTiming{Name: name, Duration: took})
		if err != nil {
			stageSpan.RecordError(err)
			stageSpan.SetStatus(codes.Error, err.Error())
		}
		stageSpan.End()
		return err
	}

	var wave *audio.Waveform
	if err := step("decode", func(ctx context.Context) error {
		var err error
		wave, err = p.decoder.Decode(ctx, req.Data, req.MIME)
		return err
	}); err != nil {
		return nil, p.fail(span, "decode", err)
	}

	if err := step("normalize", func(ctx context.Context) error {
		var err error
		wave, err = p.normalizer.Normalize(wave)
		return err
	}); err != nil {
		return nil, p.fail(span, "normalize", err)
	}

	var result *stt.Result
	if err := step("recognize", func(ctx context.Context) error {
		var err error
		result, err = p.orch.Recognize(ctx, wave, language)
		return err
	}); err != nil {
		return nil, p.fail(span, "recognize", err)
	}

	text := p.sanitizer.Sanitize(result.Text, language)
	transcript := &Transcript{
		Text:            text,
		Language:        language,
		Confidence:      result.Confidence,
		WordCount:       len(strings.Fields(text)),
		DurationSeconds: wave.Duration().Seconds(),
		Backend:         result.Backend,
		Attempts:        result.Attempts,
		Stages:          stages,
	}
	span.SetAttributes(
		attribute.String("backend", transcript.Backend),
		attribute.Int("words", transcript.WordCount),
	)
	p.log.Info("transcribed utterance",
		slog.String("backend", transcript.Backend),
		slog.String("language", language),
		slog.Int("words", transcript.WordCount),
		slog.Float64("audio_seconds", transcript.DurationSeconds))
	return transcript, nil
}

func (p *Pipeline) fail(span trace.Span, stage string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	code := ErrorCode(err)
	if code == "no_speech" || code == "cancelled" {
		p.log.Debug("transcription ended early",
			slog.String("stage", stage), slog.String("code", code))
	} else {
		p.log.Warn("transcription failed",
			slog.String("stage", stage),
			slog.String("code", code),
			slog.String("error", err.Error()))
	}
	return fmt.Errorf("%s: %w", stage, err)
}

// ErrorCode maps a pipeline error onto the stable code vocabulary used
// in replies and journal rows.
func ErrorCode(err error) string {
	var sizeErr *audio.SizeError
	var formatErr *audio.FormatError
	var exhausted *stt.ExhaustedError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, audio.ErrEmptyInput):
		return "empty_input"
	case errors.As(err, &sizeErr):
		return "too_large"
	case errors.As(err, &formatErr):
		return "unsupported_format"
	case errors.Is(err, audio.ErrEmptyAfterProcessing):
		return "empty_after_processing"
	case errors.As(err, &exhausted):
		if exhausted.NoSpeech() {
			return "no_speech"
		}
		return "recognition_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}

// StageForCode names the pipeline stage an error code originates from,
// for journal rows on failed requests.
func StageForCode(code string) string {
	switch code {
	case "empty_input", "too_large", "unsupported_format":
		return "decode"
	case "empty_after_processing":
		return "normalize"
	case "no_speech", "recognition_failed":
		return "recognize"
	default:
		return "pipeline"
	}
}

// Attempts pulls the recognition audit trail out of a failed
// transcription, if the chain ran at all.
func Attempts(err error) []stt.Attempt {
	var exhausted *stt.ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Attempts
	}
	return nil
}
