package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
)

const BackendBatch = "offline-batch"

// batchBackend shells out to a one-shot recognizer for the languages it
// supports. Narrow and slow; it is the last engine in the chain.
type batchBackend struct {
	cfg config.BatchBackendConfig
	cmd []string
	mu  sync.Mutex
}

type batchResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func newBatchBackend(cfg config.BatchBackendConfig) (*batchBackend, error) {
	b := &batchBackend{cfg: cfg}
	if !cfg.Enabled {
		return b, nil
	}
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse batch recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("batch recognizer command is empty")
	}
	b.cmd = args
	return b, nil
}

func (b *batchBackend) ID() string { return BackendBatch }

func (b *batchBackend) Available() bool { return b.cfg.Enabled && len(b.cmd) > 0 }

func (b *batchBackend) Recognize(ctx context.Context, w *audio.Waveform, language string) (string, error) {
	if !b.Available() {
		return "", ErrUnavailable
	}
	if !b.supportsLanguage(language) {
		return "", fmt.Errorf("%w: language %s not supported", ErrUnavailable, language)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	file, err := os.CreateTemp("", "loqa_voice_batch_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writeWaveform(file, w); err != nil {
		return "", err
	}

	args := append([]string{}, b.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if b.cfg.ModelPath != "" {
		args = append(args, "--model", b.cfg.ModelPath)
	}
	args = append(args, "--language", baseLanguage(language))

	command := exec.CommandContext(ctx, b.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("batch recognizer failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp batchResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode batch recognizer response: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (b *batchBackend) supportsLanguage(language string) bool {
	base := baseLanguage(language)
	for _, l := range b.cfg.Languages {
		if baseLanguage(l) == base {
			return true
		}
	}
	return false
}

// writeWaveform encodes the waveform into a WAV file for engines that
// only accept files.
func writeWaveform(file *os.File, w *audio.Waveform) error {
	buffer := &gaudio.IntBuffer{Format: &gaudio.Format{NumChannels: w.Channels, SampleRate: w.SampleRate}}
	samples := make([]int, len(w.Samples))
	for i, s := range w.Samples {
		samples[i] = int(s)
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, w.SampleRate, 16, w.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
