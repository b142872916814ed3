package journal

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.JournalConfig{RetentionMode: "ephemeral"}
	j, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	if err := j.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := j.BeginRequest(ctx, Request{RequestID: "r1", Kind: "transcribe"}); err != nil {
		t.Fatalf("ephemeral begin should be a no-op: %v", err)
	}
	stages, err := j.ListStages(ctx, "r1", 10)
	if err != nil || stages != nil {
		t.Fatalf("ephemeral list should be empty, got %v, %v", stages, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.JournalConfig{Path: filepath.Join(tmp, "voice.db"), RetentionMode: "session", PrivacyScope: "internal"}
	j, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	requestID := "req-123"
	if err := j.BeginRequest(context.Background(), Request{RequestID: requestID, Kind: "transcribe", Language: "vi-VN"}); err != nil {
		t.Fatalf("begin request: %v", err)
	}
	if err := j.AppendStage(context.Background(), Stage{RequestID: requestID, Stage: "decode", Outcome: "ok", DurationMS: 12}); err != nil {
		t.Fatalf("append stage: %v", err)
	}
	if err := j.AppendStage(context.Background(), Stage{RequestID: requestID, Stage: "recognize", Outcome: "success", Detail: "offline-batch"}); err != nil {
		t.Fatalf("append stage: %v", err)
	}

	stages, err := j.ListStages(context.Background(), requestID, 10)
	if err != nil {
		t.Fatalf("list stages: %v", err)
	}
	if len(stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(stages))
	}
	if stages[0].Stage != "decode" || stages[1].Stage != "recognize" {
		t.Fatalf("stages out of order: %s, %s", stages[0].Stage, stages[1].Stage)
	}
	if stages[1].Detail != "offline-batch" {
		t.Fatalf("unexpected detail: %s", stages[1].Detail)
	}
}

func TestPruneByDaysAndRequests(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.JournalConfig{Path: filepath.Join(tmp, "voice.db"), RetentionMode: "persistent", RetentionDays: 1, MaxRequests: 1, PrivacyScope: "internal"}
	j, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	j.clock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := j.BeginRequest(context.Background(), Request{RequestID: "old-req", Kind: "transcribe"}); err != nil {
		t.Fatalf("begin request: %v", err)
	}
	if err := j.AppendStage(context.Background(), Stage{RequestID: "old-req", Stage: "decode"}); err != nil {
		t.Fatalf("append stage: %v", err)
	}

	j.clock = func() time.Time { return time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := j.BeginRequest(context.Background(), Request{RequestID: "new-req", Kind: "synthesize"}); err != nil {
		t.Fatalf("begin request: %v", err)
	}
	if err := j.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	stages, err := j.ListStages(context.Background(), "old-req", 10)
	if err != nil {
		t.Fatalf("list stages: %v", err)
	}
	if len(stages) != 0 {
		t.Fatalf("expected old request pruned")
	}
}

func TestTextAllowed(t *testing.T) {
	full := Journal{cfg: config.JournalConfig{PrivacyScope: "full"}}
	if !full.TextAllowed() {
		t.Fatal("full scope should allow text")
	}
	internal := Journal{cfg: config.JournalConfig{PrivacyScope: "internal"}}
	if internal.TextAllowed() {
		t.Fatal("internal scope should not allow text")
	}
}
