package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/journal"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

const (
	transcribeTimeout = 60 * time.Second
	synthesizeTimeout = 45 * time.Second
)

// Service exposes the pipeline and the synthesizer on the bus.
type Service struct {
	cfg      config.PipelineConfig
	synthCfg config.SynthesisConfig
	bus      *bus.Client
	pipe     *Pipeline
	synth    *tts.Synthesizer
	jnl      *journal.Journal

	sessions map[string]*uploadSession
	mu       sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	sema   chan struct{}
	ready  bool
	logger *slog.Logger

	requests metric.Int64Counter
	attempts metric.Int64Counter
	duration metric.Float64Histogram
}

// uploadSession accumulates frames for one chunked upload until the
// final frame arrives or the session goes idle.
type uploadSession struct {
	Buffer   []byte
	MIME     string
	Language string
	LastSeen time.Time
	NextSeq  int
	Overflow bool
}

func NewService(parent context.Context, cfg config.PipelineConfig, synthCfg config.SynthesisConfig, busClient *bus.Client, pipe *Pipeline, synth *tts.Synthesizer, jnl *journal.Journal, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	s := &Service{
		cfg:      cfg,
		synthCfg: synthCfg,
		bus:      busClient,
		pipe:     pipe,
		synth:    synth,
		jnl:      jnl,
		sessions: make(map[string]*uploadSession),
		ctx:      ctx,
		cancel:   cancel,
		sema:     make(chan struct{}, workers),
		logger:   logger.With(slog.String("component", "voice-service")),
	}
	if err := s.setupMetrics(); err != nil {
		s.logger.Warn("voice metrics unavailable", slogError(err))
	}
	return s
}

func (s *Service) setupMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/pipeline")
	requests, err := meter.Int64Counter("loqa.voice.requests",
		metric.WithDescription("Completed voice requests by kind and outcome"))
	if err != nil {
		return err
	}
	attempts, err := meter.Int64Counter("loqa.voice.recognition_attempts",
		metric.WithDescription("Recognition attempts by backend and outcome"))
	if err != nil {
		return err
	}
	duration, err := meter.Float64Histogram("loqa.voice.request_duration_seconds",
		metric.WithDescription("Wall time per voice request"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	s.requests = requests
	s.attempts = attempts
	s.duration = duration
	return nil
}

func (s *Service) Start() error {
	if s.cfg.Enabled {
		sub, err := s.bus.Conn().Subscribe(protocol.SubjectTranscribe, s.handleTranscribe)
		if err != nil {
			return fmt.Errorf("subscribe transcribe requests: %w", err)
		}
		s.subs = append(s.subs, sub)

		uploadSub, err := s.bus.Conn().Subscribe(protocol.SubjectUploadPrefix+".>", s.handleUploadFrame)
		if err != nil {
			return fmt.Errorf("subscribe upload frames: %w", err)
		}
		s.subs = append(s.subs, uploadSub)

		idle := time.Duration(s.cfg.SessionIdleMS) * time.Millisecond
		if idle <= 0 {
			idle = 30 * time.Second
		}
		s.wg.Add(1)
		go s.reapIdleSessions(idle)
	}
	if s.synthCfg.Enabled {
		sub, err := s.bus.Conn().Subscribe(protocol.SubjectSynthesize, s.handleSynthesize)
		if err != nil {
			return fmt.Errorf("subscribe synthesize requests: %w", err)
		}
		s.subs = append(s.subs, sub)
	}
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return (!s.cfg.Enabled && !s.synthCfg.Enabled) || s.ready
}

func (s *Service) handleTranscribe(msg *nats.Msg) {
	var req protocol.TranscribeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode transcribe request", slogError(err))
		return
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	s.runTranscription(requestID, "", Request{Data: req.Audio, MIME: req.MIME, Language: req.Language}, msg.Reply)
}

func (s *Service) handleUploadFrame(msg *nats.Msg) {
	var frame protocol.UploadFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode upload frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		s.logger.Warn("upload frame without session id dropped")
		return
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &uploadSession{}
		s.sessions[frame.SessionID] = state
	}
	state.LastSeen = time.Now()
	if frame.MIME != "" {
		state.MIME = frame.MIME
	}
	if frame.Language != "" {
		state.Language = frame.Language
	}
	if frame.Sequence != state.NextSeq {
		s.logger.Debug("upload frame out of order",
			slog.String("session_id", frame.SessionID),
			slog.Int("got", frame.Sequence),
			slog.Int("want", state.NextSeq))
	}
	state.NextSeq = frame.Sequence + 1
	if !state.Overflow {
		if s.cfg.MaxAudioBytes > 0 && len(state.Buffer)+len(frame.Data) > s.cfg.MaxAudioBytes {
			state.Overflow = true
			state.Buffer = nil
		} else {
			state.Buffer = append(state.Buffer, frame.Data...)
		}
	}
	var (
		pcm      []byte
		mime     string
		language string
		overflow bool
	)
	if frame.Final {
		pcm = state.Buffer
		mime = state.MIME
		language = state.Language
		overflow = state.Overflow
		delete(s.sessions, frame.SessionID)
	}
	s.mu.Unlock()

	if !frame.Final {
		return
	}
	requestID := uuid.NewString()
	if overflow {
		s.logger.Warn("upload session exceeded audio limit",
			slog.String("session_id", frame.SessionID),
			slog.Int("max_bytes", s.cfg.MaxAudioBytes))
		resp := protocol.TranscribeResponse{
			RequestID: requestID,
			Error:     &protocol.ErrorInfo{Code: "too_large", Message: "uploaded audio exceeds configured limit"},
		}
		if msg.Reply != "" {
			s.respond(msg.Reply, resp)
		}
		s.record("transcribe", "too_large", 0, nil)
		return
	}
	s.runTranscription(requestID, frame.SessionID, Request{Data: pcm, MIME: mime, Language: language}, msg.Reply)
}

func (s *Service) runTranscription(requestID, sessionID string, req Request, reply string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.sema <- struct{}{}:
			defer func() { <-s.sema }()
		case <-s.ctx.Done():
			return
		}
		ctx, cancel := context.WithTimeout(s.ctx, transcribeTimeout)
		defer cancel()

		s.journalBegin(requestID, sessionID, "transcribe", req.Language)
		start := time.Now()
		transcript, err := s.pipe.Transcribe(ctx, req)
		elapsed := time.Since(start)

		resp := protocol.TranscribeResponse{RequestID: requestID}
		if err != nil {
			code := ErrorCode(err)
			attempts := Attempts(err)
			resp.Error = &protocol.ErrorInfo{Code: code, Message: publicMessage(code, err)}
			resp.Attempts = wireAttempts(attempts)
			s.journalStage(journal.Stage{RequestID: requestID, Stage: StageForCode(code), Outcome: code, Detail: err.Error(), DurationMS: elapsed.Milliseconds()})
			s.journalAttempts(requestID, attempts)
			s.record("transcribe", code, elapsed, attempts)
		} else {
			resp.Text = transcript.Text
			resp.Language = transcript.Language
			resp.Confidence = transcript.Confidence
			resp.WordCount = transcript.WordCount
			resp.DurationSeconds = transcript.DurationSeconds
			resp.Backend = transcript.Backend
			resp.Attempts = wireAttempts(transcript.Attempts)
			for _, st := range transcript.Stages {
				s.journalStage(journal.Stage{RequestID: requestID, Stage: st.Name, Outcome: "ok", DurationMS: st.Duration.Milliseconds()})
			}
			s.journalAttempts(requestID, transcript.Attempts)
			s.journalResult(requestID, "success", transcript.Text)
			s.record("transcribe", "success", elapsed, transcript.Attempts)
			s.publishTranscript(requestID, sessionID, transcript)
		}
		if reply != "" {
			s.respond(reply, resp)
		}
	}()
}

func (s *Service) publishTranscript(requestID, sessionID string, transcript *Transcript) {
	event := protocol.TranscriptEvent{
		SessionID:       sessionID,
		RequestID:       requestID,
		Text:            transcript.Text,
		Language:        transcript.Language,
		Confidence:      transcript.Confidence,
		WordCount:       transcript.WordCount,
		DurationSeconds: transcript.DurationSeconds,
		Backend:         transcript.Backend,
		Timestamp:       time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal transcript event", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTranscriptFinal, data); err != nil {
		s.logger.Warn("failed to publish transcript event", slogError(err))
	}
}

func (s *Service) handleSynthesize(msg *nats.Msg) {
	var req protocol.SynthesizeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode synthesize request", slogError(err))
		return
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.sema <- struct{}{}:
			defer func() { <-s.sema }()
		case <-s.ctx.Done():
			return
		}
		ctx, cancel := context.WithTimeout(s.ctx, synthesizeTimeout)
		defer cancel()

		s.journalBegin(requestID, req.SessionID, "synthesize", req.Language)
		start := time.Now()
		speech, err := s.synth.Synthesize(ctx, tts.Request{
			Text:     req.Text,
			Language: req.Language,
			VoiceID:  req.VoiceID,
			Speed:    req.Speed,
			Pitch:    req.Pitch,
		})
		elapsed := time.Since(start)

		resp := protocol.SynthesizeResponse{RequestID: requestID}
		if err != nil {
			code := synthErrorCode(err)
			resp.Error = &protocol.ErrorInfo{Code: code, Message: err.Error()}
			s.journalStage(journal.Stage{RequestID: requestID, Stage: "synthesize", Outcome: code, Detail: err.Error(), DurationMS: elapsed.Milliseconds()})
			s.publishSynthStatus(requestID, req.SessionID, false, code)
			s.record("synthesize", code, elapsed, nil)
		} else {
			chunks := s.publishAudio(requestID, req.SessionID, speech)
			resp.SampleRate = speech.SampleRate
			resp.Channels = speech.Channels
			resp.DurationMS = speech.Duration.Milliseconds()
			resp.Chunks = chunks
			s.journalResult(requestID, "success", req.Text)
			s.publishSynthStatus(requestID, req.SessionID, true, "")
			s.record("synthesize", "success", elapsed, nil)
		}
		if msg.Reply != "" {
			s.respond(msg.Reply, resp)
		}
	}()
}

// publishAudio splits synthesized PCM into play-while-streaming chunks.
func (s *Service) publishAudio(requestID, sessionID string, speech *tts.Audio) int {
	chunkMS := s.synthCfg.ChunkDurationMS
	if chunkMS <= 0 {
		chunkMS = 400
	}
	bytesPerChunk := speech.SampleRate * chunkMS / 1000 * 2 * speech.Channels
	if bytesPerChunk <= 0 {
		bytesPerChunk = len(speech.PCM())
	}

	pcm := speech.PCM()
	sequence := 0
	for offset := 0; offset < len(pcm); offset += bytesPerChunk {
		end := offset + bytesPerChunk
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := protocol.AudioChunk{
			SessionID:  sessionID,
			RequestID:  requestID,
			Sequence:   sequence,
			SampleRate: speech.SampleRate,
			Channels:   speech.Channels,
			PCM:        pcm[offset:end],
			Final:      end == len(pcm),
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			s.logger.Warn("failed to marshal audio chunk", slogError(err))
			return sequence
		}
		if err := s.bus.Conn().Publish(protocol.SubjectAudioChunk, data); err != nil {
			s.logger.Warn("failed to publish audio chunk", slogError(err))
			return sequence
		}
		sequence++
	}
	return sequence
}

func (s *Service) publishSynthStatus(requestID, sessionID string, completed bool, errCode string) {
	status := protocol.SynthStatus{
		SessionID: sessionID,
		RequestID: requestID,
		Completed: completed,
		Error:     errCode,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(status)
	if err != nil {
		s.logger.Warn("failed to marshal synth status", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSynthDone, data); err != nil {
		s.logger.Warn("failed to publish synth status", slogError(err))
	}
}

func (s *Service) reapIdleSessions(idle time.Duration) {
	defer s.wg.Done()
	tick := idle / 2
	if tick < time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-idle)
			s.mu.Lock()
			for id, state := range s.sessions {
				if state.LastSeen.Before(cutoff) {
					delete(s.sessions, id)
					s.logger.Debug("dropped idle upload session", slog.String("session_id", id))
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Service) respond(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish reply", slogError(err))
	}
}

func (s *Service) journalBegin(requestID, sessionID, kind, language string) {
	if s.jnl == nil {
		return
	}
	err := s.jnl.BeginRequest(s.ctx, journal.Request{
		RequestID: requestID,
		SessionID: sessionID,
		Kind:      kind,
		Language:  language,
	})
	if err != nil {
		s.logger.Warn("journal begin failed", slogError(err))
	}
}

func (s *Service) journalStage(st journal.Stage) {
	if s.jnl == nil {
		return
	}
	if err := s.jnl.AppendStage(s.ctx, st); err != nil {
		s.logger.Warn("journal stage failed", slogError(err))
	}
}

func (s *Service) journalAttempts(requestID string, attempts []stt.Attempt) {
	for _, a := range attempts {
		s.journalStage(journal.Stage{
			RequestID:  requestID,
			Stage:      a.Backend,
			Outcome:    string(a.Outcome),
			Detail:     a.Detail,
			DurationMS: a.Duration.Milliseconds(),
		})
	}
}

func (s *Service) journalResult(requestID, outcome, text string) {
	if s.jnl == nil {
		return
	}
	detail := ""
	if s.jnl.TextAllowed() {
		detail = text
	}
	s.journalStage(journal.Stage{RequestID: requestID, Stage: "result", Outcome: outcome, Detail: detail})
}

func (s *Service) record(kind, outcome string, took time.Duration, attempts []stt.Attempt) {
	ctx := context.Background()
	if s.requests != nil {
		s.requests.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome)))
	}
	if s.duration != nil && took > 0 {
		s.duration.Record(ctx, took.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
	}
	if s.attempts != nil {
		for _, a := range attempts {
			s.attempts.Add(ctx, 1, metric.WithAttributes(
				attribute.String("backend", a.Backend),
				attribute.String("outcome", string(a.Outcome))))
		}
	}
}

func wireAttempts(attempts []stt.Attempt) []protocol.RecognitionAttempt {
	if len(attempts) == 0 {
		return nil
	}
	wire := make([]protocol.RecognitionAttempt, 0, len(attempts))
	for _, a := range attempts {
		wire = append(wire, protocol.RecognitionAttempt{
			Backend:    a.Backend,
			Outcome:    string(a.Outcome),
			Detail:     a.Detail,
			DurationMS: a.Duration.Milliseconds(),
		})
	}
	return wire
}

func publicMessage(code string, err error) string {
	if code == "no_speech" {
		return "no speech detected in audio"
	}
	return err.Error()
}

func synthErrorCode(err error) string {
	var tooLong *tts.TextTooLongError
	switch {
	case errors.Is(err, tts.ErrEmptyText):
		return "empty_text"
	case errors.As(err, &tooLong):
		return "text_too_long"
	case errors.Is(err, tts.ErrEngineEmptyOutput):
		return "engine_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "synthesis_failed"
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
