package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel         string  `yaml:"log_level"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	OTLPInsecure     bool    `yaml:"otlp_insecure"`
	PrometheusBind   string  `yaml:"prometheus_bind"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	Journal     JournalConfig     `yaml:"journal"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Synthesis   SynthesisConfig   `yaml:"synthesis"`
	Models      ModelsConfig      `yaml:"models"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	MaxPayload     int      `yaml:"max_payload"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

// NodeCapability is one advertised capability of this node. The daemon
// derives voice capabilities from the recognition and synthesis config
// and appends any extras listed here.
type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRequests   int    `yaml:"max_requests"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	PrivacyScope  string `yaml:"privacy_scope"`
}

// PipelineConfig bounds the transcription pipeline: upload limits, the
// decode fallback chain, and how many requests may run DSP concurrently.
type PipelineConfig struct {
	Enabled         bool   `yaml:"enabled"`
	MaxAudioBytes   int    `yaml:"max_audio_bytes"`
	DefaultLanguage string `yaml:"default_language"`
	Workers         int    `yaml:"workers"`
	SessionIdleMS   int    `yaml:"session_idle_ms"`
	FFmpegPath      string `yaml:"ffmpeg_path"`
	DecodeTimeoutMS int    `yaml:"decode_timeout_ms"`
	LexiconDir      string `yaml:"lexicon_dir"`
}

type RecognitionConfig struct {
	Cloud  CloudBackendConfig  `yaml:"cloud"`
	Stream StreamBackendConfig `yaml:"stream"`
	Batch  BatchBackendConfig  `yaml:"batch"`
}

type CloudBackendConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type StreamBackendConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	Language  string `yaml:"language"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type BatchBackendConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Mode      string   `yaml:"mode"` // mock, exec
	Command   string   `yaml:"command"`
	ModelPath string   `yaml:"model_path"`
	Languages []string `yaml:"languages"`
	TimeoutMS int      `yaml:"timeout_ms"`
}

type SynthesisConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"` // mock, exec
	Command         string `yaml:"command"`
	Voice           string `yaml:"voice"`
	MaxTextChars    int    `yaml:"max_text_chars"`
	SampleRate      int    `yaml:"sample_rate"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
	TimeoutMS       int    `yaml:"timeout_ms"`
}

type ModelsConfig struct {
	Dir          string `yaml:"dir"`
	PathOverride string `yaml:"path_override"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceSampleRatio: 1.0,
		},
		Bus: BusConfig{
			Embedded: true,
			Port:     4222,
			StoreDir: "./data/nats",
			// One-shot transcribe requests carry whole recordings,
			// base64-inflated by JSON; the broker ceiling must clear
			// pipeline.max_audio_bytes with room to spare.
			MaxPayload:     16 * 1024 * 1024,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-voice-1",
			Role:              "voice",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Journal: JournalConfig{
			Path:          "./data/loqa-voice.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRequests:   10000,
			PrivacyScope:  "internal",
		},
		Pipeline: PipelineConfig{
			Enabled:         true,
			MaxAudioBytes:   10 * 1024 * 1024,
			DefaultLanguage: "vi-VN",
			Workers:         runtime.NumCPU(),
			SessionIdleMS:   30000,
			FFmpegPath:      "ffmpeg",
			DecodeTimeoutMS: 20000,
		},
		Recognition: RecognitionConfig{
			Cloud: CloudBackendConfig{
				Enabled:   false,
				Model:     "whisper-1",
				TimeoutMS: 15000,
			},
			Stream: StreamBackendConfig{
				Enabled:   true,
				Mode:      "mock",
				Language:  "vi-VN",
				TimeoutMS: 30000,
			},
			Batch: BatchBackendConfig{
				Enabled:   false,
				Mode:      "mock",
				Languages: []string{"en"},
				TimeoutMS: 30000,
			},
		},
		Synthesis: SynthesisConfig{
			Enabled:         true,
			Mode:            "mock",
			MaxTextChars:    1000,
			SampleRate:      22050,
			ChunkDurationMS: 400,
			TimeoutMS:       45000,
		},
		Models: ModelsConfig{
			Dir: "./data/models",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_VOICE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_VOICE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_VOICE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_VOICE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_VOICE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_VOICE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_VOICE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_VOICE_TELEMETRY_PROMETHEUS_BIND")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_VOICE_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Embedded, "LOQA_VOICE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_VOICE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_VOICE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_VOICE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_VOICE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_VOICE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_VOICE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_VOICE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_VOICE_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.MaxPayload, "LOQA_VOICE_BUS_MAX_PAYLOAD")
	overrideString(&cfg.Node.ID, "LOQA_VOICE_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_VOICE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_VOICE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_VOICE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Journal.Path, "LOQA_VOICE_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "LOQA_VOICE_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "LOQA_VOICE_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxRequests, "LOQA_VOICE_JOURNAL_MAX_REQUESTS")
	overrideBool(&cfg.Journal.VacuumOnStart, "LOQA_VOICE_JOURNAL_VACUUM_ON_START")
	overrideString(&cfg.Journal.PrivacyScope, "LOQA_VOICE_JOURNAL_PRIVACY_SCOPE")
	overrideBool(&cfg.Pipeline.Enabled, "LOQA_VOICE_PIPELINE_ENABLED")
	overrideInt(&cfg.Pipeline.MaxAudioBytes, "LOQA_VOICE_PIPELINE_MAX_AUDIO_BYTES")
	overrideString(&cfg.Pipeline.DefaultLanguage, "LOQA_VOICE_PIPELINE_DEFAULT_LANGUAGE")
	overrideInt(&cfg.Pipeline.Workers, "LOQA_VOICE_PIPELINE_WORKERS")
	overrideInt(&cfg.Pipeline.SessionIdleMS, "LOQA_VOICE_PIPELINE_SESSION_IDLE_MS")
	overrideString(&cfg.Pipeline.FFmpegPath, "LOQA_VOICE_PIPELINE_FFMPEG_PATH")
	overrideInt(&cfg.Pipeline.DecodeTimeoutMS, "LOQA_VOICE_PIPELINE_DECODE_TIMEOUT_MS")
	overrideString(&cfg.Pipeline.LexiconDir, "LOQA_VOICE_PIPELINE_LEXICON_DIR")
	overrideBool(&cfg.Recognition.Cloud.Enabled, "LOQA_VOICE_RECOGNITION_CLOUD_ENABLED")
	overrideString(&cfg.Recognition.Cloud.Endpoint, "LOQA_VOICE_RECOGNITION_CLOUD_ENDPOINT")
	overrideString(&cfg.Recognition.Cloud.APIKey, "LOQA_VOICE_RECOGNITION_CLOUD_API_KEY")
	overrideString(&cfg.Recognition.Cloud.Model, "LOQA_VOICE_RECOGNITION_CLOUD_MODEL")
	overrideInt(&cfg.Recognition.Cloud.TimeoutMS, "LOQA_VOICE_RECOGNITION_CLOUD_TIMEOUT_MS")
	overrideBool(&cfg.Recognition.Stream.Enabled, "LOQA_VOICE_RECOGNITION_STREAM_ENABLED")
	overrideString(&cfg.Recognition.Stream.Mode, "LOQA_VOICE_RECOGNITION_STREAM_MODE")
	overrideString(&cfg.Recognition.Stream.Command, "LOQA_VOICE_RECOGNITION_STREAM_COMMAND")
	overrideString(&cfg.Recognition.Stream.Language, "LOQA_VOICE_RECOGNITION_STREAM_LANGUAGE")
	overrideInt(&cfg.Recognition.Stream.TimeoutMS, "LOQA_VOICE_RECOGNITION_STREAM_TIMEOUT_MS")
	overrideBool(&cfg.Recognition.Batch.Enabled, "LOQA_VOICE_RECOGNITION_BATCH_ENABLED")
	overrideString(&cfg.Recognition.Batch.Mode, "LOQA_VOICE_RECOGNITION_BATCH_MODE")
	overrideString(&cfg.Recognition.Batch.Command, "LOQA_VOICE_RECOGNITION_BATCH_COMMAND")
	overrideString(&cfg.Recognition.Batch.ModelPath, "LOQA_VOICE_RECOGNITION_BATCH_MODEL_PATH")
	overrideStringSlice(&cfg.Recognition.Batch.Languages, "LOQA_VOICE_RECOGNITION_BATCH_LANGUAGES")
	overrideInt(&cfg.Recognition.Batch.TimeoutMS, "LOQA_VOICE_RECOGNITION_BATCH_TIMEOUT_MS")
	overrideBool(&cfg.Synthesis.Enabled, "LOQA_VOICE_SYNTHESIS_ENABLED")
	overrideString(&cfg.Synthesis.Mode, "LOQA_VOICE_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Command, "LOQA_VOICE_SYNTHESIS_COMMAND")
	overrideString(&cfg.Synthesis.Voice, "LOQA_VOICE_SYNTHESIS_VOICE")
	overrideInt(&cfg.Synthesis.MaxTextChars, "LOQA_VOICE_SYNTHESIS_MAX_TEXT_CHARS")
	overrideInt(&cfg.Synthesis.SampleRate, "LOQA_VOICE_SYNTHESIS_SAMPLE_RATE")
	overrideInt(&cfg.Synthesis.ChunkDurationMS, "LOQA_VOICE_SYNTHESIS_CHUNK_DURATION_MS")
	overrideInt(&cfg.Synthesis.TimeoutMS, "LOQA_VOICE_SYNTHESIS_TIMEOUT_MS")
	overrideString(&cfg.Models.Dir, "LOQA_VOICE_MODELS_DIR")
	overrideString(&cfg.Models.PathOverride, "LOQA_VOICE_MODELS_PATH_OVERRIDE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
		if cfg.Bus.MaxPayload < cfg.Pipeline.MaxAudioBytes {
			return errors.New("bus.max_payload must be at least pipeline.max_audio_bytes")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Journal.PrivacyScope == "" {
		return errors.New("journal.privacy_scope must not be empty")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.Pipeline.Enabled {
		if cfg.Pipeline.MaxAudioBytes <= 0 {
			return errors.New("pipeline.max_audio_bytes must be positive")
		}
		if cfg.Pipeline.DefaultLanguage == "" {
			return errors.New("pipeline.default_language must not be empty")
		}
		if cfg.Pipeline.Workers <= 0 {
			return errors.New("pipeline.workers must be >= 1")
		}
	}
	if cfg.Recognition.Cloud.Enabled {
		if cfg.Recognition.Cloud.Model == "" {
			return errors.New("recognition.cloud.model must be set when cloud backend is enabled")
		}
		if cfg.Recognition.Cloud.TimeoutMS <= 0 {
			return errors.New("recognition.cloud.timeout_ms must be positive")
		}
	}
	if cfg.Recognition.Stream.Enabled {
		switch cfg.Recognition.Stream.Mode {
		case "mock", "exec":
		default:
			return errors.New("recognition.stream.mode must be one of mock|exec")
		}
		if cfg.Recognition.Stream.Mode == "exec" && cfg.Recognition.Stream.Command == "" {
			return errors.New("recognition.stream.command must be set when mode=exec")
		}
	}
	if cfg.Recognition.Batch.Enabled {
		switch cfg.Recognition.Batch.Mode {
		case "mock", "exec":
		default:
			return errors.New("recognition.batch.mode must be one of mock|exec")
		}
		if cfg.Recognition.Batch.Mode == "exec" && cfg.Recognition.Batch.Command == "" {
			return errors.New("recognition.batch.command must be set when mode=exec")
		}
		if len(cfg.Recognition.Batch.Languages) == 0 {
			return errors.New("recognition.batch.languages must not be empty when batch backend is enabled")
		}
	}
	if cfg.Synthesis.Enabled {
		switch cfg.Synthesis.Mode {
		case "mock", "exec":
		default:
			return errors.New("synthesis.mode must be one of mock|exec")
		}
		if cfg.Synthesis.Mode == "exec" && cfg.Synthesis.Command == "" {
			return errors.New("synthesis.command must be set when mode=exec")
		}
		if cfg.Synthesis.MaxTextChars <= 0 {
			return errors.New("synthesis.max_text_chars must be positive")
		}
		if cfg.Synthesis.SampleRate <= 0 {
			return errors.New("synthesis.sample_rate must be positive")
		}
	}
	if cfg.Models.Dir == "" {
		return errors.New("models.dir must not be empty")
	}
	return nil
}
