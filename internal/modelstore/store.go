package modelstore

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// ErrModelNotFound means no installed model satisfies the request. The
// streaming recognizer fails fast on this at startup instead of running
// half-initialized.
var ErrModelNotFound = errors.New("offline model not found")

// ModelInfo describes one entry in the known-model catalog.
type ModelInfo struct {
	Key         string
	Name        string
	URL         string
	SizeMB      int
	Language    string
	Description string
}

// catalog lists the models the fetch command knows how to install.
var catalog = []ModelInfo{
	{
		Key:         "vi",
		Name:        "vosk-model-vn-0.4",
		URL:         "https://alphacephei.com/vosk/models/vosk-model-vn-0.4.zip",
		SizeMB:      78,
		Language:    "vi",
		Description: "Vietnamese",
	},
	{
		Key:         "en-small",
		Name:        "vosk-model-small-en-us-0.15",
		URL:         "https://alphacephei.com/vosk/models/vosk-model-small-en-us-0.15.zip",
		SizeMB:      40,
		Language:    "en",
		Description: "English (US), lightweight",
	},
	{
		Key:         "en",
		Name:        "vosk-model-en-us-0.22",
		URL:         "https://alphacephei.com/vosk/models/vosk-model-en-us-0.22.zip",
		SizeMB:      1800,
		Language:    "en",
		Description: "English (US), full accuracy",
	},
}

// essentialFiles must exist for a model directory to be loadable by the
// decoder.
var essentialFiles = []string{
	"am/final.mdl",
	"graph/HCLG.fst",
	"graph/words.txt",
}

// Catalog returns a copy of the known-model list.
func Catalog() []ModelInfo {
	return append([]ModelInfo(nil), catalog...)
}

// Lookup finds a catalog entry by key.
func Lookup(key string) (ModelInfo, bool) {
	for _, m := range catalog {
		if m.Key == key {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// Store resolves, verifies and installs offline recognition models
// under a single models directory.
type Store struct {
	dir      string
	override string
	client   *http.Client
	log      *slog.Logger
}

func New(cfg config.ModelsConfig, log *slog.Logger) *Store {
	return &Store{
		dir:      cfg.Dir,
		override: cfg.PathOverride,
		client:   &http.Client{},
		log:      log.With(slog.String("component", "modelstore")),
	}
}

// Dir returns the configured models directory.
func (s *Store) Dir() string { return s.dir }

// Resolve returns a verified model directory for a language. The
// configured override path wins over the standard candidates.
func (s *Store) Resolve(language string) (string, error) {
	var candidates []string
	if s.override != "" {
		candidates = append(candidates, s.override)
	}
	candidates = append(candidates, s.candidatesFor(language)...)

	var firstErr error
	for _, dir := range candidates {
		err := s.Verify(dir)
		if err == nil {
			return dir, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return "", fmt.Errorf("%w for language %q: tried %s: %v",
		ErrModelNotFound, language, strings.Join(candidates, ", "), firstErr)
}

func (s *Store) candidatesFor(language string) []string {
	base := baseLanguage(language)
	dirs := []string{filepath.Join(s.dir, "vosk-"+base)}
	for _, m := range catalog {
		if m.Language == base {
			dirs = append(dirs, filepath.Join(s.dir, m.Name))
		}
	}
	return dirs
}

// Verify checks a model directory for the files the decoder cannot run
// without.
func (s *Store) Verify(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("model directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("model path %s is not a directory", dir)
	}
	var missing []string
	for _, rel := range essentialFiles {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			missing = append(missing, rel)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("model at %s missing essential files: %s", dir, strings.Join(missing, ", "))
	}
	return nil
}

// Fetch downloads, extracts and installs a catalog model, returning the
// installed directory. Already-installed models are left alone.
func (s *Store) Fetch(ctx context.Context, key string) (string, error) {
	model, ok := Lookup(key)
	if !ok {
		return "", fmt.Errorf("unknown model %q", key)
	}
	target := filepath.Join(s.dir, "vosk-"+model.Language)
	if err := s.Verify(target); err == nil {
		s.log.Info("model already installed", slog.String("dir", target))
		return target, nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create models dir: %w", err)
	}

	zipPath := filepath.Join(s.dir, model.Name+".zip")
	start := time.Now()
	s.log.Info("downloading model",
		slog.String("model", model.Name),
		slog.Int("size_mb", model.SizeMB),
		slog.String("url", model.URL))
	if err := s.download(ctx, model.URL, zipPath); err != nil {
		return "", err
	}
	defer os.Remove(zipPath)

	if err := extractZip(zipPath, s.dir); err != nil {
		return "", fmt.Errorf("extract %s: %w", model.Name, err)
	}
	extracted := filepath.Join(s.dir, model.Name)
	if extracted != target {
		_ = os.RemoveAll(target)
		if err := os.Rename(extracted, target); err != nil {
			return "", fmt.Errorf("install model: %w", err)
		}
	}
	if err := s.Verify(target); err != nil {
		return "", fmt.Errorf("downloaded model failed verification: %w", err)
	}
	s.log.Info("model installed",
		slog.String("model", model.Name),
		slog.String("dir", target),
		slog.Duration("took", time.Since(start)))
	return target, nil
}

func (s *Store) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download model: unexpected status %s", resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	return nil
}

func extractZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	cleanDest := filepath.Clean(destDir)
	for _, f := range r.File {
		path := filepath.Join(cleanDest, f.Name)
		if !strings.HasPrefix(path, cleanDest+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes destination: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := extractFile(f, path); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, path string) error {
	in, err := f.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm()|0o200)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func baseLanguage(language string) string {
	language = strings.TrimSpace(language)
	if i := strings.IndexAny(language, "-_"); i > 0 {
		language = language[:i]
	}
	return strings.ToLower(language)
}
