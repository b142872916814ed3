package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// execEngine shells out to an installed speech command. The command
// must support --list-voices (JSON voice array on stdout) and a speak
// mode that reads text from stdin and writes a WAV file to --output.
type execEngine struct {
	cmd     []string
	timeout time.Duration
	mu      sync.Mutex
}

func newExecEngine(cfg config.SynthesisConfig) (*execEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command is empty")
	}
	return &execEngine{
		cmd:     args,
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}, nil
}

func (e *execEngine) Voices(ctx context.Context) ([]Voice, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--list-voices")

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("list voices: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	var voices []Voice
	if err := json.Unmarshal(stdout.Bytes(), &voices); err != nil {
		return nil, fmt.Errorf("decode voice list: %w", err)
	}
	return voices, nil
}

func (e *execEngine) Speak(ctx context.Context, req SpeakRequest) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	dir, err := os.MkdirTemp("", "loqa_voice_tts_")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)
	outputPath := filepath.Join(dir, "speech.wav")

	args := append([]string{}, e.cmd[1:]...)
	if req.Voice != "" {
		args = append(args, "--voice", req.Voice)
	}
	if req.Rate > 0 {
		args = append(args, "--rate", strconv.Itoa(req.Rate))
	}
	args = append(args, "--pitch", strconv.Itoa(req.Pitch), "--output", outputPath)

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	command.Stdin = strings.NewReader(req.Text)
	var stderr bytes.Buffer
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("tts command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("read synthesized audio: %w", err)
	}
	return data, nil
}
