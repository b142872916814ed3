package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "loqa-voice" {
		t.Fatalf("expected default runtime name, got %q", cfg.RuntimeName)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if !cfg.Bus.Embedded {
		t.Fatal("expected embedded bus by default")
	}
	if cfg.Journal.RetentionMode != "session" {
		t.Fatalf("expected session retention, got %q", cfg.Journal.RetentionMode)
	}
	if cfg.Pipeline.DefaultLanguage != "vi-VN" {
		t.Fatalf("expected default language vi-VN, got %q", cfg.Pipeline.DefaultLanguage)
	}
	if cfg.Pipeline.Workers < 1 {
		t.Fatalf("expected at least one pipeline worker, got %d", cfg.Pipeline.Workers)
	}
	if !cfg.Recognition.Stream.Enabled || cfg.Recognition.Stream.Mode != "mock" {
		t.Fatalf("expected stream backend enabled in mock mode, got %+v", cfg.Recognition.Stream)
	}
	if cfg.Recognition.Cloud.Enabled {
		t.Fatal("expected cloud backend disabled by default")
	}
	if cfg.Synthesis.SampleRate != 22050 {
		t.Fatalf("expected default sample rate 22050, got %d", cfg.Synthesis.SampleRate)
	}
	if cfg.Models.Dir != "./data/models" {
		t.Fatalf("expected default models dir, got %q", cfg.Models.Dir)
	}
	if cfg.Telemetry.TraceSampleRatio != 1.0 {
		t.Fatalf("expected full trace sampling by default, got %v", cfg.Telemetry.TraceSampleRatio)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_VOICE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_VOICE_BUS_EMBEDDED", "false")
	t.Setenv("LOQA_VOICE_BUS_USERNAME", "alice")
	t.Setenv("LOQA_VOICE_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_VOICE_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_VOICE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_VOICE_NODE_ID", "test-node")
	t.Setenv("LOQA_VOICE_NODE_ROLE", "voice")
	t.Setenv("LOQA_VOICE_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("LOQA_VOICE_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_VOICE_JOURNAL_PATH", "./tmp.db")
	t.Setenv("LOQA_VOICE_JOURNAL_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_VOICE_JOURNAL_RETENTION_DAYS", "7")
	t.Setenv("LOQA_VOICE_JOURNAL_MAX_REQUESTS", "123")
	t.Setenv("LOQA_VOICE_JOURNAL_VACUUM_ON_START", "true")
	t.Setenv("LOQA_VOICE_JOURNAL_PRIVACY_SCOPE", "full")
	t.Setenv("LOQA_VOICE_PIPELINE_MAX_AUDIO_BYTES", "2048")
	t.Setenv("LOQA_VOICE_PIPELINE_DEFAULT_LANGUAGE", "en-US")
	t.Setenv("LOQA_VOICE_PIPELINE_WORKERS", "3")
	t.Setenv("LOQA_VOICE_RECOGNITION_CLOUD_ENABLED", "true")
	t.Setenv("LOQA_VOICE_RECOGNITION_CLOUD_API_KEY", "sk-test")
	t.Setenv("LOQA_VOICE_RECOGNITION_STREAM_LANGUAGE", "en-US")
	t.Setenv("LOQA_VOICE_RECOGNITION_BATCH_LANGUAGES", "en, vi")
	t.Setenv("LOQA_VOICE_SYNTHESIS_MODE", "exec")
	t.Setenv("LOQA_VOICE_SYNTHESIS_COMMAND", "piper --model vi.onnx")
	t.Setenv("LOQA_VOICE_SYNTHESIS_SAMPLE_RATE", "16000")
	t.Setenv("LOQA_VOICE_MODELS_DIR", "/opt/models")
	t.Setenv("LOQA_VOICE_TELEMETRY_TRACE_SAMPLE_RATIO", "0.25")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Embedded {
		t.Fatal("expected embedded bus override false")
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Node.HeartbeatInterval != 1500 {
		t.Fatalf("expected heartbeat interval override")
	}
	if cfg.Node.HeartbeatTimeout != 5000 {
		t.Fatalf("expected heartbeat timeout override")
	}
	if cfg.Journal.Path != "./tmp.db" {
		t.Fatalf("expected journal path override")
	}
	if cfg.Journal.RetentionMode != "persistent" {
		t.Fatalf("expected journal retention mode override")
	}
	if cfg.Journal.RetentionDays != 7 {
		t.Fatalf("expected journal retention days override")
	}
	if cfg.Journal.MaxRequests != 123 {
		t.Fatalf("expected journal max requests override")
	}
	if !cfg.Journal.VacuumOnStart {
		t.Fatalf("expected journal vacuum flag override")
	}
	if cfg.Journal.PrivacyScope != "full" {
		t.Fatalf("expected journal privacy scope override")
	}
	if cfg.Pipeline.MaxAudioBytes != 2048 {
		t.Fatalf("expected max audio bytes override, got %d", cfg.Pipeline.MaxAudioBytes)
	}
	if cfg.Pipeline.DefaultLanguage != "en-US" {
		t.Fatalf("expected default language override, got %q", cfg.Pipeline.DefaultLanguage)
	}
	if cfg.Pipeline.Workers != 3 {
		t.Fatalf("expected workers override, got %d", cfg.Pipeline.Workers)
	}
	if !cfg.Recognition.Cloud.Enabled {
		t.Fatal("expected cloud backend enabled override")
	}
	if cfg.Recognition.Cloud.APIKey != "sk-test" {
		t.Fatalf("expected cloud api key override")
	}
	if cfg.Recognition.Stream.Language != "en-US" {
		t.Fatalf("expected stream language override, got %q", cfg.Recognition.Stream.Language)
	}
	if len(cfg.Recognition.Batch.Languages) != 2 || cfg.Recognition.Batch.Languages[1] != "vi" {
		t.Fatalf("expected batch languages override, got %v", cfg.Recognition.Batch.Languages)
	}
	if cfg.Synthesis.Mode != "exec" || cfg.Synthesis.Command != "piper --model vi.onnx" {
		t.Fatalf("expected synthesis exec override, got %+v", cfg.Synthesis)
	}
	if cfg.Synthesis.SampleRate != 16000 {
		t.Fatalf("expected sample rate override, got %d", cfg.Synthesis.SampleRate)
	}
	if cfg.Models.Dir != "/opt/models" {
		t.Fatalf("expected models dir override, got %q", cfg.Models.Dir)
	}
	if cfg.Telemetry.TraceSampleRatio != 0.25 {
		t.Fatalf("expected trace sample ratio override, got %v", cfg.Telemetry.TraceSampleRatio)
	}
}

func TestLoadFromFile(t *testing.T) {
	raw := `
runtime_name: voice-test
pipeline:
  default_language: en-GB
  max_audio_bytes: 4096
recognition:
  stream:
    enabled: true
    mode: exec
    command: vosk-stream --model /tmp/model
synthesis:
  enabled: false
node:
  capabilities:
    - name: led.ring
      tier: local
      attributes:
        pixels: "12"
`
	path := filepath.Join(t.TempDir(), "loqa-voice.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "voice-test" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Pipeline.DefaultLanguage != "en-GB" {
		t.Fatalf("expected language from file, got %q", cfg.Pipeline.DefaultLanguage)
	}
	if cfg.Pipeline.MaxAudioBytes != 4096 {
		t.Fatalf("expected max audio bytes from file, got %d", cfg.Pipeline.MaxAudioBytes)
	}
	if cfg.Recognition.Stream.Mode != "exec" {
		t.Fatalf("expected stream mode from file, got %q", cfg.Recognition.Stream.Mode)
	}
	if cfg.Synthesis.Enabled {
		t.Fatal("expected synthesis disabled from file")
	}
	// Sections the file does not mention keep their defaults.
	if cfg.HTTP.Port != 8080 {
		t.Fatalf("expected default http port, got %d", cfg.HTTP.Port)
	}
	if len(cfg.Node.Capabilities) != 1 || cfg.Node.Capabilities[0].Name != "led.ring" {
		t.Fatalf("expected extra capability from file, got %v", cfg.Node.Capabilities)
	}
	if cfg.Node.Capabilities[0].Attributes["pixels"] != "12" {
		t.Fatalf("expected capability attributes from file, got %v", cfg.Node.Capabilities[0].Attributes)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty runtime name", func(c *Config) { c.RuntimeName = "" }},
		{"bad http port", func(c *Config) { c.HTTP.Port = 0 }},
		{"bad bus port", func(c *Config) { c.Bus.Port = -1 }},
		{"no servers external bus", func(c *Config) {
			c.Bus.Embedded = false
			c.Bus.Servers = nil
		}},
		{"embedded payload ceiling below audio budget", func(c *Config) { c.Bus.MaxPayload = 1024 }},
		{"empty node id", func(c *Config) { c.Node.ID = "" }},
		{"heartbeat timeout below interval", func(c *Config) {
			c.Node.HeartbeatInterval = 5000
			c.Node.HeartbeatTimeout = 2000
		}},
		{"bad retention mode", func(c *Config) { c.Journal.RetentionMode = "forever" }},
		{"trace sample ratio above one", func(c *Config) { c.Telemetry.TraceSampleRatio = 1.5 }},
		{"negative retention days", func(c *Config) { c.Journal.RetentionDays = -1 }},
		{"empty privacy scope", func(c *Config) { c.Journal.PrivacyScope = "" }},
		{"zero max audio bytes", func(c *Config) { c.Pipeline.MaxAudioBytes = 0 }},
		{"empty default language", func(c *Config) { c.Pipeline.DefaultLanguage = "" }},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"cloud enabled without model", func(c *Config) {
			c.Recognition.Cloud.Enabled = true
			c.Recognition.Cloud.Model = ""
		}},
		{"bad stream mode", func(c *Config) { c.Recognition.Stream.Mode = "grpc" }},
		{"stream exec without command", func(c *Config) {
			c.Recognition.Stream.Mode = "exec"
			c.Recognition.Stream.Command = ""
		}},
		{"batch enabled without languages", func(c *Config) {
			c.Recognition.Batch.Enabled = true
			c.Recognition.Batch.Languages = nil
		}},
		{"bad synthesis mode", func(c *Config) { c.Synthesis.Mode = "grpc" }},
		{"synthesis exec without command", func(c *Config) {
			c.Synthesis.Mode = "exec"
			c.Synthesis.Command = ""
		}},
		{"zero synthesis sample rate", func(c *Config) { c.Synthesis.SampleRate = 0 }},
		{"empty models dir", func(c *Config) { c.Models.Dir = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error for %s", tc.name)
			}
		})
	}
}
