package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// ErrEmptyInput reports a zero-byte upload, rejected before any decode
// attempt runs.
var ErrEmptyInput = errors.New("audio payload is empty")

// SizeError reports an upload over the configured byte budget.
type SizeError struct {
	Size int
	Max  int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("audio payload of %d bytes exceeds limit of %d", e.Size, e.Max)
}

// DecodeAttempt records one container interpretation and why it failed.
type DecodeAttempt struct {
	Format string
	Reason string
}

// FormatError reports that no container interpretation of the payload
// produced a valid waveform. The per-attempt reasons are the main
// operator signal when a client's recording path is broken.
type FormatError struct {
	Attempts []DecodeAttempt
}

func (e *FormatError) Error() string {
	reasons := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		reasons = append(reasons, fmt.Sprintf("%s: %s", a.Format, a.Reason))
	}
	return "unsupported audio format: " + strings.Join(reasons, " | ")
}

// fallbackFormats is the decode order tried after the declared MIME
// type. WAV first since it decodes in-process without a subprocess.
var fallbackFormats = []string{"wav", "webm", "ogg", "mp3", "m4a", "flac"}

const attemptReasonLimit = 120

// Decoder turns an uploaded blob of unknown container format into an
// in-memory PCM waveform. Browser captures lie about their MIME type
// often enough that the declared type is only the first guess.
type Decoder struct {
	maxBytes   int
	ffmpegPath string
	timeout    time.Duration
	log        *slog.Logger
}

func NewDecoder(cfg config.PipelineConfig, log *slog.Logger) *Decoder {
	return &Decoder{
		maxBytes:   cfg.MaxAudioBytes,
		ffmpegPath: cfg.FFmpegPath,
		timeout:    time.Duration(cfg.DecodeTimeoutMS) * time.Millisecond,
		log:        log.With(slog.String("component", "decoder")),
	}
}

// Decode tries each container interpretation in order and returns the
// first waveform with a non-zero frame count. The input slice is never
// modified.
func (d *Decoder) Decode(ctx context.Context, data []byte, declaredMIME string) (*Waveform, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}
	if d.maxBytes > 0 && len(data) > d.maxBytes {
		return nil, &SizeError{Size: len(data), Max: d.maxBytes}
	}

	var attempts []DecodeAttempt
	for _, format := range attemptOrder(declaredMIME) {
		w, err := d.decodeAs(ctx, data, format)
		if err == nil {
			d.log.Debug("decoded audio",
				slog.String("format", format),
				slog.Int("bytes", len(data)),
				slog.Int("sample_rate", w.SampleRate),
				slog.Int("channels", w.Channels),
				slog.Int("failed_attempts", len(attempts)))
			return w, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		attempts = append(attempts, DecodeAttempt{Format: format, Reason: truncateReason(err.Error())})
	}
	return nil, &FormatError{Attempts: attempts}
}

// attemptOrder puts the declared MIME type's format first, then the
// fixed fallback chain with the duplicate removed.
func attemptOrder(declaredMIME string) []string {
	order := make([]string, 0, len(fallbackFormats)+1)
	hint := FormatFromMIME(declaredMIME)
	if hint != "" {
		order = append(order, hint)
	}
	for _, f := range fallbackFormats {
		if f == hint {
			continue
		}
		order = append(order, f)
	}
	return order
}

func (d *Decoder) decodeAs(ctx context.Context, data []byte, format string) (*Waveform, error) {
	if format == "wav" {
		return DecodeWAV(data)
	}
	return d.decodeWithFFmpeg(ctx, data, format)
}

// decodeWithFFmpeg transcodes the blob to WAV through an ffmpeg
// subprocess, using the format as the temp file extension so the
// demuxer picks it up as a hint.
func (d *Decoder) decodeWithFFmpeg(ctx context.Context, data []byte, format string) (*Waveform, error) {
	tmpDir, err := os.MkdirTemp("", "loqa_voice_decode_")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	inputPath := filepath.Join(tmpDir, "input."+format)
	outputPath := filepath.Join(tmpDir, "output.wav")
	if err := os.WriteFile(inputPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	execCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	args := []string{"-y", "-i", inputPath, "-vn", "-acodec", "pcm_s16le", "-f", "wav", outputPath}
	cmd := exec.CommandContext(execCtx, d.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("ffmpeg timed out after %s", d.timeout)
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
			return nil, fmt.Errorf("ffmpeg not found at %q", d.ffmpegPath)
		}
		if msg := lastLine(stderr.String()); msg != "" {
			return nil, fmt.Errorf("ffmpeg failed: %s", msg)
		}
		return nil, fmt.Errorf("ffmpeg failed: %w", err)
	}

	out, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("read transcode output: %w", err)
	}
	return DecodeWAV(out)
}

// lastLine extracts the final non-empty stderr line, which is where
// ffmpeg puts the actual failure.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func truncateReason(reason string) string {
	if len(reason) > attemptReasonLimit {
		return reason[:attemptReasonLimit]
	}
	return reason
}

// FormatFromMIME maps a client-declared MIME type to a decode format.
// Returns "" when the hint is absent or unrecognized.
func FormatFromMIME(mime string) string {
	if idx := strings.Index(mime, ";"); idx != -1 {
		mime = mime[:idx]
	}
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave":
		return "wav"
	case "audio/webm", "video/webm":
		return "webm"
	case "audio/ogg", "application/ogg", "audio/opus":
		return "ogg"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a", "audio/aac":
		return "m4a"
	case "audio/flac", "audio/x-flac":
		return "flac"
	}
	return ""
}
