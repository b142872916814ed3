package tts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
)

// Base speaking rate in words per minute; the request's speed factor
// scales it within the range desktop engines accept without crashing.
const (
	baseRate  = 150
	minRate   = 50
	maxRate   = 300
	basePitch = 50
	maxPitch  = 99
)

// Request carries one synthesis order.
type Request struct {
	Text     string
	Language string
	VoiceID  string
	Speed    float64 // 1.0 = normal, 0 = unset
	Pitch    float64 // 1.0 = normal, 0 = unset
}

// Audio is the synthesized result, always mono 16-bit PCM WAV.
type Audio struct {
	WAV        []byte
	SampleRate int
	Channels   int
	Duration   time.Duration
}

// PCM returns the sample data without the WAV header.
func (a *Audio) PCM() []byte {
	if len(a.WAV) <= audio.WAVHeaderSize {
		return nil
	}
	return a.WAV[audio.WAVHeaderSize:]
}

// Synthesizer validates requests, resolves voices and drives the
// engine, re-encoding whatever the engine emits into the fixed output
// format.
type Synthesizer struct {
	cfg    config.SynthesisConfig
	engine Engine
	log    *slog.Logger
}

func NewSynthesizer(cfg config.SynthesisConfig, engine Engine, log *slog.Logger) *Synthesizer {
	return &Synthesizer{
		cfg:    cfg,
		engine: engine,
		log:    log.With(slog.String("component", "synthesizer")),
	}
}

// Voices lists the engine's installed voices.
func (s *Synthesizer) Voices(ctx context.Context) ([]Voice, error) {
	return s.engine.Voices(ctx)
}

func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if max := s.cfg.MaxTextChars; max > 0 {
		if n := utf8.RuneCountInString(text); n > max {
			return nil, &TextTooLongError{Length: n, Max: max}
		}
	}

	voice, tier := s.resolveVoice(ctx, req)
	s.log.Info("voice resolved",
		slog.String("voice", voice),
		slog.String("tier", tier),
		slog.String("language", req.Language))

	speak := SpeakRequest{
		Text:  text,
		Voice: voice,
		Rate:  clampInt(int(baseRate*orDefault(req.Speed)), minRate, maxRate),
		Pitch: clampInt(int(basePitch*orDefault(req.Pitch)), 0, maxPitch),
	}
	raw, err := s.engine.Speak(ctx, speak)
	if err != nil {
		return nil, fmt.Errorf("synthesis failed: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrEngineEmptyOutput
	}
	return s.reencode(raw)
}

// resolveVoice walks the fallback tiers: the requested voice when
// installed, then a voice matching the request language, then the
// engine's first voice. The chosen tier is logged so operators can
// tell a deliberate choice from a fallback.
func (s *Synthesizer) resolveVoice(ctx context.Context, req Request) (voice, tier string) {
	voices, err := s.engine.Voices(ctx)
	if err != nil || len(voices) == 0 {
		if err != nil {
			s.log.Warn("voice listing failed", slogError(err))
		}
		if req.VoiceID != "" {
			return req.VoiceID, "requested-unverified"
		}
		return s.cfg.Voice, "configured-default"
	}
	if req.VoiceID != "" {
		for _, v := range voices {
			if v.ID == req.VoiceID {
				return v.ID, "requested"
			}
		}
		s.log.Warn("requested voice not installed", slog.String("voice", req.VoiceID))
	}
	if match := matchLanguageVoice(voices, req.Language); match != "" {
		return match, "language-default"
	}
	return voices[0].ID, "first-available"
}

// matchLanguageVoice finds a voice for the requested language, checking
// declared language tags first and falling back to name probing since
// desktop engines tag locales inconsistently.
func matchLanguageVoice(voices []Voice, language string) string {
	language = strings.ToLower(strings.TrimSpace(language))
	if language == "" {
		return ""
	}
	base := language
	if i := strings.IndexAny(base, "-_"); i > 0 {
		base = base[:i]
	}
	for _, v := range voices {
		tag := strings.ToLower(v.Language)
		if tag == language || tag == base || strings.HasPrefix(tag, base+"-") || strings.HasPrefix(tag, base+"_") {
			return v.ID
		}
	}
	for _, v := range voices {
		probe := strings.ToLower(v.Name + " " + v.ID)
		if strings.Contains(probe, language) {
			return v.ID
		}
	}
	return ""
}

// reencode forces the engine output into the fixed downstream format:
// single-channel 16-bit PCM WAV at the configured rate.
func (s *Synthesizer) reencode(raw []byte) (*Audio, error) {
	w, err := audio.DecodeWAV(raw)
	if err != nil {
		return nil, fmt.Errorf("engine produced unreadable audio: %w", err)
	}
	w = audio.Downmix(w)
	if s.cfg.SampleRate > 0 {
		w = audio.Resample(w, s.cfg.SampleRate)
	}
	if len(w.Samples) == 0 {
		return nil, ErrEngineEmptyOutput
	}
	return &Audio{
		WAV:        audio.EncodeWAV(w),
		SampleRate: w.SampleRate,
		Channels:   w.Channels,
		Duration:   w.Duration(),
	}, nil
}

func orDefault(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
