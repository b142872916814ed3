package stt

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeCollapsesWhitespace(t *testing.T) {
	s := NewSanitizer()
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"   ", ""},
		{"  bat   den  phong khach ", "bat den phong khach"},
		{"one\ttwo\n three", "one two three"},
	}
	for _, tc := range cases {
		if got := s.Sanitize(tc.in, "vi-VN"); got != tc.want {
			t.Fatalf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeAppliesCorrections(t *testing.T) {
	s := NewSanitizer()
	cases := []struct {
		in       string
		language string
		want     string
	}{
		{"xin chao", "vi-VN", "xin chào"},
		{"Xin chao moi nguoi", "vi-VN", "Xin chào moi nguoi"},
		{"CAM ON", "vi", "CẢM ƠN"},
		{"hey loca turn on the lights", "en-US", "hey loqa turn on the lights"},
		{"relocate the chair", "en-US", "relocate the chair"},
	}
	for _, tc := range cases {
		if got := s.Sanitize(tc.in, tc.language); got != tc.want {
			t.Fatalf("Sanitize(%q, %s) = %q, want %q", tc.in, tc.language, got, tc.want)
		}
	}
}

func TestSanitizeUnknownLanguagePassesThrough(t *testing.T) {
	s := NewSanitizer()
	if got := s.Sanitize("xin chao", "ja-JP"); got != "xin chao" {
		t.Fatalf("expected untouched text for unknown language, got %q", got)
	}
}

func TestSanitizerLoadDir(t *testing.T) {
	dir := t.TempDir()
	lexicon := []byte("language: en\ncorrections:\n  - match: kitchin\n    replace: kitchen\n")
	if err := os.WriteFile(filepath.Join(dir, "en.yaml"), lexicon, 0o600); err != nil {
		t.Fatalf("write lexicon: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600); err != nil {
		t.Fatalf("write notes: %v", err)
	}

	s := NewSanitizer()
	if err := s.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if got := s.Sanitize("lights in the kitchin", "en-US"); got != "lights in the kitchen" {
		t.Fatalf("expected loaded correction applied, got %q", got)
	}
}

func TestSanitizerLoadDirRejectsBadLexicon(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("corrections: []\n"), 0o600); err != nil {
		t.Fatalf("write lexicon: %v", err)
	}
	s := NewSanitizer()
	if err := s.LoadDir(dir); err == nil {
		t.Fatal("expected error for lexicon without language")
	}
}

func TestBaseLanguage(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"vi-VN", "vi"},
		{"en_US", "en"},
		{"EN", "en"},
		{" vi ", "vi"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := baseLanguage(tc.in); got != tc.want {
			t.Fatalf("baseLanguage(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
