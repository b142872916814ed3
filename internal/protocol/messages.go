package protocol

import "time"

// Subjects the voice daemon serves on the bus.
const (
	SubjectTranscribe      = "voice.transcribe"
	SubjectUploadPrefix    = "voice.upload"
	SubjectTranscriptFinal = "voice.transcript.final"
	SubjectSynthesize      = "voice.synthesize"
	SubjectAudioChunk      = "voice.audio"
	SubjectSynthDone       = "voice.synth.done"
)

// TranscribeRequest carries one utterance as raw container bytes, not
// PCM; the pipeline decodes whatever the client recorded.
type TranscribeRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Audio     []byte `json:"audio"`
	MIME      string `json:"mime,omitempty"`
	Language  string `json:"language,omitempty"`
}

// RecognitionAttempt mirrors the pipeline audit trail on the wire.
type RecognitionAttempt struct {
	Backend    string `json:"backend"`
	Outcome    string `json:"outcome"`
	Detail     string `json:"detail,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// ErrorInfo is the wire form of a pipeline failure. Soft failures carry
// code no_speech and a message the caller can show the user.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TranscribeResponse returns the transcript or a structured error.
type TranscribeResponse struct {
	RequestID       string               `json:"request_id,omitempty"`
	Text            string               `json:"text"`
	Language        string               `json:"language"`
	Confidence      float64              `json:"confidence"`
	WordCount       int                  `json:"word_count"`
	DurationSeconds float64              `json:"duration_seconds"`
	Backend         string               `json:"backend,omitempty"`
	Attempts        []RecognitionAttempt `json:"attempts,omitempty"`
	Error           *ErrorInfo           `json:"error,omitempty"`
}

// UploadFrame is one chunk of a session upload streamed from an edge
// device; Final closes the session and triggers transcription.
type UploadFrame struct {
	SessionID string `json:"session_id"`
	Sequence  int    `json:"sequence"`
	Data      []byte `json:"data"`
	MIME      string `json:"mime,omitempty"`
	Language  string `json:"language,omitempty"`
	Final     bool   `json:"final"`
}

// TranscriptEvent broadcasts a finished transcript on the bus.
type TranscriptEvent struct {
	SessionID       string    `json:"session_id,omitempty"`
	RequestID       string    `json:"request_id"`
	Text            string    `json:"text"`
	Language        string    `json:"language"`
	Confidence      float64   `json:"confidence"`
	WordCount       int       `json:"word_count"`
	DurationSeconds float64   `json:"duration_seconds"`
	Backend         string    `json:"backend"`
	Timestamp       time.Time `json:"timestamp"`
}

// SynthesizeRequest orders speech for a text reply.
type SynthesizeRequest struct {
	RequestID string  `json:"request_id,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	Text      string  `json:"text"`
	Language  string  `json:"language,omitempty"`
	VoiceID   string  `json:"voice_id,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	Pitch     float64 `json:"pitch,omitempty"`
}

// SynthesizeResponse acknowledges a synthesis order. The PCM itself
// flows separately as AudioChunk messages so replies stay under the
// bus payload ceiling.
type SynthesizeResponse struct {
	RequestID  string     `json:"request_id,omitempty"`
	SampleRate int        `json:"sample_rate,omitempty"`
	Channels   int        `json:"channels,omitempty"`
	DurationMS int64      `json:"duration_ms,omitempty"`
	Chunks     int        `json:"chunks,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

// AudioChunk is one PCM frame of synthesized speech.
type AudioChunk struct {
	SessionID  string `json:"session_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// SynthStatus closes a synthesis stream.
type SynthStatus struct {
	SessionID string    `json:"session_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Control-plane subjects shared by every node on the fabric.
const (
	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"
)

// NodeCapability names one advertised capability with optional routing
// attributes (tier, language, engine mode).
type NodeCapability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeAnnounce advertises a node and what it can do, sent once at
// startup.
type NodeAnnounce struct {
	NodeID       string           `json:"node_id"`
	Role         string           `json:"role"`
	Capabilities []NodeCapability `json:"capabilities"`
	Timestamp    time.Time        `json:"timestamp"`
}

// NodeHeartbeat keeps a node's registry entry fresh.
type NodeHeartbeat struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}
