package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/stt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func tone(d time.Duration, amp float64) *audio.Waveform {
	frames := int(d.Seconds() * float64(audio.CanonicalRate))
	samples := make([]int16, frames)
	for i := range samples {
		samples[i] = int16(amp * math.Sin(2*math.Pi*440*float64(i)/float64(audio.CanonicalRate)))
	}
	return &audio.Waveform{Samples: samples, SampleRate: audio.CanonicalRate, Channels: 1}
}

type fakeBackend struct {
	id       string
	text     string
	err      error
	calls    int
	language string
}

func (f *fakeBackend) ID() string      { return f.id }
func (f *fakeBackend) Available() bool { return true }

func (f *fakeBackend) Recognize(ctx context.Context, w *audio.Waveform, language string) (string, error) {
	f.calls++
	f.language = language
	return f.text, f.err
}

func testConfig() config.PipelineConfig {
	return config.PipelineConfig{
		MaxAudioBytes:   1 << 20,
		DefaultLanguage: "vi-VN",
		FFmpegPath:      "/nonexistent/ffmpeg",
		DecodeTimeoutMS: 2000,
	}
}

func newTestPipeline(t *testing.T, cfg config.PipelineConfig, backends ...stt.Backend) *Pipeline {
	t.Helper()
	log := testLogger()
	orch := stt.NewOrchestrator(backends, map[string]time.Duration{}, log)
	return New(cfg, audio.NewDecoder(cfg, log), audio.NewNormalizer(log), orch, stt.NewSanitizer(), log)
}

func TestTranscribeEndToEnd(t *testing.T) {
	backend := &fakeBackend{id: "fake", text: "xin chao cam on"}
	pipe := newTestPipeline(t, testConfig(), backend)

	wave := tone(600*time.Millisecond, 12000)
	transcript, err := pipe.Transcribe(context.Background(), Request{
		Data: audio.EncodeWAV(wave),
		MIME: "audio/wav",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if transcript.Text != "xin chào cảm ơn" {
		t.Fatalf("sanitized transcript = %q", transcript.Text)
	}
	if transcript.Language != "vi-VN" {
		t.Fatalf("language = %q, want default vi-VN", transcript.Language)
	}
	if transcript.Backend != "fake" {
		t.Fatalf("backend = %q", transcript.Backend)
	}
	if transcript.WordCount != 4 {
		t.Fatalf("word count = %d, want 4", transcript.WordCount)
	}
	if transcript.Confidence <= 0 {
		t.Fatalf("confidence = %f", transcript.Confidence)
	}
	if math.Abs(transcript.DurationSeconds-0.6) > 0.05 {
		t.Fatalf("duration = %fs, want about 0.6s", transcript.DurationSeconds)
	}
	if len(transcript.Attempts) != 1 || transcript.Attempts[0].Outcome != stt.OutcomeSuccess {
		t.Fatalf("unexpected attempts: %+v", transcript.Attempts)
	}
	wantStages := []string{"decode", "normalize", "recognize"}
	if len(transcript.Stages) != len(wantStages) {
		t.Fatalf("expected %d stages, got %+v", len(wantStages), transcript.Stages)
	}
	for i, name := range wantStages {
		if transcript.Stages[i].Name != name {
			t.Fatalf("stage %d = %q, want %q", i, transcript.Stages[i].Name, name)
		}
	}
	if backend.language != "vi-VN" {
		t.Fatalf("backend saw language %q", backend.language)
	}
}

func TestTranscribeRequestLanguageWins(t *testing.T) {
	backend := &fakeBackend{id: "fake", text: "hello"}
	pipe := newTestPipeline(t, testConfig(), backend)

	transcript, err := pipe.Transcribe(context.Background(), Request{
		Data:     audio.EncodeWAV(tone(600*time.Millisecond, 12000)),
		MIME:     "audio/wav",
		Language: "en-US",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if transcript.Language != "en-US" || backend.language != "en-US" {
		t.Fatalf("language not propagated: transcript %q, backend %q", transcript.Language, backend.language)
	}
}

func TestTranscribeResamplesSource(t *testing.T) {
	backend := &fakeBackend{id: "fake", text: "hello there"}
	pipe := newTestPipeline(t, testConfig(), backend)

	frames := 3 * 44100
	src := &audio.Waveform{Samples: make([]int16, frames), SampleRate: 44100, Channels: 1}
	for i := range src.Samples {
		src.Samples[i] = int16(12000 * math.Sin(2*math.Pi*440*float64(i)/44100))
	}

	transcript, err := pipe.Transcribe(context.Background(), Request{
		Data: audio.EncodeWAV(src),
		MIME: "audio/wav",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if transcript.Text != "hello there" {
		t.Fatalf("transcript = %q", transcript.Text)
	}
	if math.Abs(transcript.DurationSeconds-3.0) > 0.1 {
		t.Fatalf("duration = %fs, want about 3s", transcript.DurationSeconds)
	}
}

func TestTranscribeSilentClip(t *testing.T) {
	pipe := newTestPipeline(t, testConfig(), stt.NewMockBackend("mock"))

	silence := &audio.Waveform{
		Samples:    make([]int16, audio.CanonicalRate/20),
		SampleRate: audio.CanonicalRate,
		Channels:   1,
	}
	_, err := pipe.Transcribe(context.Background(), Request{
		Data: audio.EncodeWAV(silence),
		MIME: "audio/wav",
	})
	if err == nil {
		t.Fatal("expected error for silent audio")
	}
	if code := ErrorCode(err); code != "no_speech" {
		t.Fatalf("code = %q, want no_speech", code)
	}
}

func TestTranscribeNoSpeech(t *testing.T) {
	first := &fakeBackend{id: "a", err: stt.ErrNoSpeech}
	second := &fakeBackend{id: "b", err: stt.ErrNoSpeech}
	pipe := newTestPipeline(t, testConfig(), first, second)

	_, err := pipe.Transcribe(context.Background(), Request{
		Data: audio.EncodeWAV(tone(600*time.Millisecond, 12000)),
		MIME: "audio/wav",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if code := ErrorCode(err); code != "no_speech" {
		t.Fatalf("code = %q, want no_speech", code)
	}
	attempts := Attempts(err)
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %+v", attempts)
	}
	if StageForCode(ErrorCode(err)) != "recognize" {
		t.Fatalf("stage = %q", StageForCode(ErrorCode(err)))
	}
}

func TestTranscribeUnsupportedFormat(t *testing.T) {
	backend := &fakeBackend{id: "fake", text: "never reached"}
	pipe := newTestPipeline(t, testConfig(), backend)

	_, err := pipe.Transcribe(context.Background(), Request{
		Data: []byte("definitely not an audio container"),
		MIME: "application/octet-stream",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if code := ErrorCode(err); code != "unsupported_format" {
		t.Fatalf("code = %q, want unsupported_format", code)
	}
	if backend.calls != 0 {
		t.Fatalf("recognition should not run on decode failure")
	}
}

func TestTranscribeEmptyInput(t *testing.T) {
	pipe := newTestPipeline(t, testConfig(), &fakeBackend{id: "fake"})
	_, err := pipe.Transcribe(context.Background(), Request{})
	if code := ErrorCode(err); code != "empty_input" {
		t.Fatalf("code = %q, want empty_input", code)
	}
}

func TestTranscribeTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAudioBytes = 64
	pipe := newTestPipeline(t, cfg, &fakeBackend{id: "fake"})

	_, err := pipe.Transcribe(context.Background(), Request{
		Data: audio.EncodeWAV(tone(600*time.Millisecond, 12000)),
		MIME: "audio/wav",
	})
	if code := ErrorCode(err); code != "too_large" {
		t.Fatalf("code = %q, want too_large", code)
	}
}

func TestTranscribeCancelled(t *testing.T) {
	backend := &fakeBackend{id: "fake", text: "never"}
	pipe := newTestPipeline(t, testConfig(), backend)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pipe.Transcribe(ctx, Request{
		Data: audio.EncodeWAV(tone(600*time.Millisecond, 12000)),
		MIME: "audio/wav",
	})
	if code := ErrorCode(err); code != "cancelled" {
		t.Fatalf("code = %q, want cancelled", code)
	}
	if backend.calls != 0 {
		t.Fatalf("backend should not run after cancellation")
	}
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"empty input", audio.ErrEmptyInput, "empty_input"},
		{"wrapped empty input", fmt.Errorf("decode: %w", audio.ErrEmptyInput), "empty_input"},
		{"size", &audio.SizeError{Size: 10, Max: 5}, "too_large"},
		{"format", &audio.FormatError{}, "unsupported_format"},
		{"empty after processing", audio.ErrEmptyAfterProcessing, "empty_after_processing"},
		{"exhausted no speech", &stt.ExhaustedError{Attempts: []stt.Attempt{{Outcome: stt.OutcomeEmpty}}}, "no_speech"},
		{"exhausted hard", &stt.ExhaustedError{Attempts: []stt.Attempt{{Outcome: stt.OutcomeUnavailable}}}, "recognition_failed"},
		{"cancelled", context.Canceled, "cancelled"},
		{"deadline", context.DeadlineExceeded, "cancelled"},
		{"other", errors.New("surprise"), "internal"},
	}
	for _, tc := range cases {
		if got := ErrorCode(tc.err); got != tc.want {
			t.Errorf("%s: ErrorCode = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestStageForCode(t *testing.T) {
	cases := map[string]string{
		"empty_input":            "decode",
		"too_large":              "decode",
		"unsupported_format":     "decode",
		"empty_after_processing": "normalize",
		"no_speech":              "recognize",
		"recognition_failed":     "recognize",
		"cancelled":              "pipeline",
		"internal":               "pipeline",
	}
	for code, want := range cases {
		if got := StageForCode(code); got != want {
			t.Errorf("StageForCode(%q) = %q, want %q", code, got, want)
		}
	}
}
