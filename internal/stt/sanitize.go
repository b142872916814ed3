package stt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Lexicon is the on-disk form of a per-language correction table.
type Lexicon struct {
	Language    string         `yaml:"language"`
	Corrections []LexiconEntry `yaml:"corrections"`
}

type LexiconEntry struct {
	Match   string `yaml:"match"`
	Replace string `yaml:"replace"`
}

// builtinLexicons covers misrecognitions the engines produce often
// enough to special-case: Vietnamese comes back ASCII-folded from the
// English-trained fallbacks, and the wake word gets mangled routinely.
var builtinLexicons = []Lexicon{
	{
		Language: "vi",
		Corrections: []LexiconEntry{
			{Match: "xin chao", Replace: "xin chào"},
			{Match: "chao ban", Replace: "chào bạn"},
			{Match: "cam on", Replace: "cảm ơn"},
			{Match: "tam biet", Replace: "tạm biệt"},
			{Match: "khong", Replace: "không"},
			{Match: "vang", Replace: "vâng"},
		},
	},
	{
		Language: "en",
		Corrections: []LexiconEntry{
			{Match: "loca", Replace: "loqa"},
			{Match: "low ka", Replace: "loqa"},
			{Match: "lokah", Replace: "loqa"},
		},
	},
}

type correction struct {
	pattern *regexp.Regexp
	replace string
}

// Sanitizer post-processes winning transcripts: collapses whitespace
// and applies per-language lexical corrections. Pure with respect to
// its inputs; tables are fixed after loading.
type Sanitizer struct {
	tables map[string][]correction
}

func NewSanitizer() *Sanitizer {
	s := &Sanitizer{tables: make(map[string][]correction)}
	for _, lex := range builtinLexicons {
		s.add(lex)
	}
	return s
}

// LoadDir merges every YAML lexicon under dir into the table set.
// Entries loaded later win by running after the builtins.
func (s *Sanitizer) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read lexicon dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		lex, err := LoadLexicon(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("load lexicon %s: %w", name, err)
		}
		s.add(lex)
	}
	return nil
}

func LoadLexicon(path string) (Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Lexicon{}, err
	}
	var lex Lexicon
	if err := yaml.Unmarshal(data, &lex); err != nil {
		return Lexicon{}, fmt.Errorf("parse lexicon: %w", err)
	}
	if lex.Language == "" {
		return Lexicon{}, errors.New("lexicon missing language")
	}
	return lex, nil
}

func (s *Sanitizer) add(lex Lexicon) {
	key := strings.ToLower(strings.TrimSpace(lex.Language))
	for _, entry := range lex.Corrections {
		if entry.Match == "" || entry.Replace == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(strings.ToLower(entry.Match)) + `\b`)
		if err != nil {
			continue
		}
		s.tables[key] = append(s.tables[key], correction{pattern: re, replace: entry.Replace})
	}
}

// Sanitize collapses whitespace and applies the language's correction
// table, matching case-insensitively and preserving the source casing
// shape in the replacement.
func (s *Sanitizer) Sanitize(text, language string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return ""
	}
	for _, c := range s.lookup(language) {
		text = c.pattern.ReplaceAllStringFunc(text, func(m string) string {
			return matchCase(m, c.replace)
		})
	}
	return text
}

func (s *Sanitizer) lookup(language string) []correction {
	key := strings.ToLower(strings.TrimSpace(language))
	if rules, ok := s.tables[key]; ok {
		return rules
	}
	return s.tables[baseLanguage(language)]
}

// matchCase shapes the replacement after the casing of the matched
// span: all-caps stays all-caps, a leading capital is preserved.
func matchCase(matched, replacement string) string {
	if matched == strings.ToUpper(matched) && matched != strings.ToLower(matched) {
		return strings.ToUpper(replacement)
	}
	runes := []rune(matched)
	if len(runes) > 0 && unicode.IsUpper(runes[0]) {
		out := []rune(replacement)
		if len(out) > 0 {
			out[0] = unicode.ToUpper(out[0])
		}
		return string(out)
	}
	return replacement
}
