package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/modelstore"
)

const BackendStream = "offline-stream"

// chunkFrames is how many frames each decoder feed carries (100 ms of
// canonical audio).
const chunkFrames = audio.CanonicalRate / 10

// streamBackend drives a long-lived offline decoder process that keeps
// the language model loaded across requests. Audio goes in as base64
// PCM lines on stdin; partial and final segments come back as JSON
// lines on stdout.
type streamBackend struct {
	cfg      config.StreamBackendConfig
	cmd      []string
	modelDir string
	log      *slog.Logger

	mu   sync.Mutex
	proc *decoderProc
}

// streamFeed is one stdin line to the decoder.
type streamFeed struct {
	PCM   string `json:"pcm,omitempty"` // base64 16-bit LE mono 16 kHz
	Reset bool   `json:"reset,omitempty"`
	Flush bool   `json:"flush,omitempty"`
}

// streamEvent is one stdout line from the decoder.
type streamEvent struct {
	Partial string   `json:"partial,omitempty"`
	Text    string   `json:"text,omitempty"`
	Words   []string `json:"words,omitempty"`
	Done    bool     `json:"done,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// newStreamBackend validates the model before anything else: model
// loading is expensive and a half-initialized decoder fails in ways
// that are hard to tell apart from bad audio. A missing model surfaces
// at construction, not on the first request.
func newStreamBackend(cfg config.StreamBackendConfig, models *modelstore.Store, log *slog.Logger) (*streamBackend, error) {
	b := &streamBackend{cfg: cfg, log: log.With(slog.String("component", "stt-stream"))}
	if !cfg.Enabled {
		return b, nil
	}

	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stream recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stream recognizer command is empty")
	}
	b.cmd = args

	dir, err := models.Resolve(cfg.Language)
	if err != nil {
		return nil, fmt.Errorf("stream recognizer model: %w", err)
	}
	b.modelDir = dir
	return b, nil
}

func (b *streamBackend) ID() string { return BackendStream }

func (b *streamBackend) Available() bool { return b.cfg.Enabled && len(b.cmd) > 0 }

func (b *streamBackend) Recognize(ctx context.Context, w *audio.Waveform, language string) (string, error) {
	if !b.Available() {
		return "", ErrUnavailable
	}
	if base := baseLanguage(language); base != "" && base != baseLanguage(b.cfg.Language) {
		return "", fmt.Errorf("%w: model loaded for %s, not %s", ErrUnavailable, b.cfg.Language, language)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	proc, err := b.ensureProc()
	if err != nil {
		return "", fmt.Errorf("%w: start decoder: %v", ErrUnavailable, err)
	}

	text, err := b.converse(ctx, proc, w)
	if err != nil {
		// the decoder's session state is unknown after any failure;
		// discard the process rather than risk a poisoned session
		b.discard()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &DecoderFault{Backend: BackendStream, Err: err}
	}
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}

// Close kills the decoder process if one is running.
func (b *streamBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.discard()
}

// converse runs one utterance through the decoder: reset, feed 100 ms
// chunks, flush, then collect events until the decoder reports done.
func (b *streamBackend) converse(ctx context.Context, proc *decoderProc, w *audio.Waveform) (string, error) {
	if err := proc.send(streamFeed{Reset: true}); err != nil {
		return "", err
	}

	var col streamCollector
	samples := w.Samples
	for start := 0; start < len(samples); start += chunkFrames {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		// drain pending events so the decoder never blocks on a full
		// stdout pipe while we are still feeding it
	drain:
		for {
			select {
			case event, ok := <-proc.events:
				if !ok {
					return "", errors.New("decoder exited mid-stream")
				}
				col.absorb(event)
				if col.err != nil {
					return "", col.err
				}
			default:
				break drain
			}
		}

		end := start + chunkFrames
		if end > len(samples) {
			end = len(samples)
		}
		feed := streamFeed{PCM: base64.StdEncoding.EncodeToString(pcmLE(samples[start:end]))}
		if err := proc.send(feed); err != nil {
			return "", err
		}
	}
	if err := proc.send(streamFeed{Flush: true}); err != nil {
		return "", err
	}

	for !col.done {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case event, ok := <-proc.events:
			if !ok {
				return "", errors.New("decoder closed stream before done")
			}
			col.absorb(event)
			if col.err != nil {
				return "", col.err
			}
		}
	}
	return reconcile(col.finals, col.words, col.partials), nil
}

// streamCollector accumulates decoder events for one utterance.
type streamCollector struct {
	finals   []string
	words    []string
	partials []string
	done     bool
	err      error
}

func (c *streamCollector) absorb(event streamEvent) {
	if event.Error != "" {
		c.err = errors.New(event.Error)
		return
	}
	if event.Partial != "" {
		c.partials = append(c.partials, event.Partial)
	}
	if event.Text != "" {
		c.finals = append(c.finals, event.Text)
	}
	if len(event.Words) > 0 {
		c.words = append(c.words, event.Words...)
	}
	if event.Done {
		c.done = true
	}
}

// reconcile picks the transcript from the strongest available signal:
// joined final segments first, then word fragments, then the single
// longest partial.
func reconcile(finals, words, partials []string) string {
	if len(finals) > 0 {
		return joinClean(finals)
	}
	if len(words) > 0 {
		return joinClean(words)
	}
	longest := ""
	for _, p := range partials {
		if len(p) > len(longest) {
			longest = p
		}
	}
	return strings.TrimSpace(longest)
}

func joinClean(parts []string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, " ")
}

// decoderProc is one running decoder subprocess.
type decoderProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan streamEvent
	quit   chan struct{}
}

func (b *streamBackend) ensureProc() (*decoderProc, error) {
	if b.proc != nil {
		return b.proc, nil
	}
	args := append([]string{}, b.cmd[1:]...)
	args = append(args,
		"--model", b.modelDir,
		"--sample-rate", strconv.Itoa(audio.CanonicalRate))

	cmd := exec.Command(b.cmd[0], args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start decoder: %w", err)
	}

	proc := &decoderProc{cmd: cmd, stdin: stdin, events: make(chan streamEvent, 64), quit: make(chan struct{})}
	go proc.readLoop(stdout)
	b.proc = proc
	b.log.Info("offline decoder started",
		slog.String("model", b.modelDir),
		slog.Int("pid", cmd.Process.Pid))
	return proc, nil
}

func (p *decoderProc) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event streamEvent
		if err := json.Unmarshal(line, &event); err != nil {
			event = streamEvent{Error: fmt.Sprintf("malformed decoder output: %v", err)}
		}
		// a discarded proc may have nobody reading events anymore
		select {
		case p.events <- event:
		case <-p.quit:
			return
		}
	}
	close(p.events)
}

func (p *decoderProc) send(feed streamFeed) error {
	data, err := json.Marshal(feed)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write to decoder: %w", err)
	}
	return nil
}

// discard kills the current decoder process. The next request starts a
// fresh one.
func (b *streamBackend) discard() {
	if b.proc == nil {
		return
	}
	close(b.proc.quit)
	_ = b.proc.stdin.Close()
	if b.proc.cmd.Process != nil {
		_ = b.proc.cmd.Process.Kill()
	}
	_ = b.proc.cmd.Wait()
	b.proc = nil
}

func pcmLE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
