// Package filter holds the content filter and vocabulary bias sets shared by
// every caption router. A Snapshot is immutable once built; the Store swaps
// whole snapshots on reload so readers never observe a partial update.
package filter

import (
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// FilterDocument is the on-disk filter file
type FilterDocument struct {
	FilterWords []string            `json:"filter_words" mapstructure:"filter_words"`
	ByLanguage  map[string][]string `json:"filter_words_by_language,omitempty" mapstructure:"filter_words_by_language"`
}

// VocabularyDocument is the on-disk vocabulary file
type VocabularyDocument struct {
	CustomVocabulary map[string][]string `json:"custom_vocabulary" mapstructure:"custom_vocabulary"`
}

type phrase struct {
	raw    string
	folded string
}

// Snapshot is an immutable filter and vocabulary set
type Snapshot struct {
	global   []phrase
	byLang   map[string][]phrase
	vocab    map[string][]string
	loadedAt time.Time
}

// Empty is a snapshot that filters nothing and biases nothing
var Empty = NewSnapshot(FilterDocument{}, VocabularyDocument{})

// NewSnapshot builds a snapshot from parsed documents
func NewSnapshot(filters FilterDocument, vocabulary VocabularyDocument) *Snapshot {
	fold := cases.Fold()
	s := &Snapshot{
		global:   foldPhrases(fold, filters.FilterWords),
		byLang:   make(map[string][]phrase, len(filters.ByLanguage)),
		vocab:    make(map[string][]string, len(vocabulary.CustomVocabulary)),
		loadedAt: time.Now(),
	}
	for lang, words := range filters.ByLanguage {
		if folded := foldPhrases(fold, words); len(folded) > 0 {
			s.byLang[normalizeLang(lang)] = folded
		}
	}
	for lang, terms := range vocabulary.CustomVocabulary {
		var kept []string
		for _, term := range terms {
			if term = strings.TrimSpace(term); term != "" {
				kept = append(kept, term)
			}
		}
		if len(kept) > 0 {
			s.vocab[normalizeLang(lang)] = kept
		}
	}
	return s
}

func foldPhrases(fold cases.Caser, words []string) []phrase {
	var out []phrase
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		out = append(out, phrase{raw: w, folded: fold.String(w)})
	}
	return out
}

// normalizeLang lower-cases a language tag
func normalizeLang(lang string) string {
	return strings.ToLower(strings.TrimSpace(strings.ReplaceAll(lang, "_", "-")))
}

// primaryLang returns the primary subtag of a language tag
func primaryLang(lang string) string {
	if i := strings.IndexByte(lang, '-'); i > 0 {
		return lang[:i]
	}
	return lang
}

// Match reports the first filter phrase contained in text. Phrases listed
// for every language and phrases listed for lang both apply; lookups fall
// back from a regional tag (en-US) to its primary language (en).
func (s *Snapshot) Match(lang, text string) (string, bool) {
	if s == nil || text == "" {
		return "", false
	}
	rules := s.rulesFor(lang)
	if len(s.global) == 0 && len(rules) == 0 {
		return "", false
	}

	folded := cases.Fold().String(text)
	for _, p := range s.global {
		if strings.Contains(folded, p.folded) {
			return p.raw, true
		}
	}
	for _, p := range rules {
		if strings.Contains(folded, p.folded) {
			return p.raw, true
		}
	}
	return "", false
}

func (s *Snapshot) rulesFor(lang string) []phrase {
	lang = normalizeLang(lang)
	if rules, ok := s.byLang[lang]; ok {
		return rules
	}
	return s.byLang[primaryLang(lang)]
}

// Vocabulary returns the bias terms for lang, or nil when none are set
func (s *Snapshot) Vocabulary(lang string) []string {
	if s == nil {
		return nil
	}
	lang = normalizeLang(lang)
	if terms, ok := s.vocab[lang]; ok {
		return terms
	}
	return s.vocab[primaryLang(lang)]
}

// BiasPrompt renders the vocabulary for lang as an engine prompt hint.
// An empty result means no bias should be sent.
func (s *Snapshot) BiasPrompt(lang string) string {
	return strings.Join(s.Vocabulary(lang), ", ")
}

// Words returns every filter phrase that applies to lang
func (s *Snapshot) Words(lang string) []string {
	if s == nil {
		return nil
	}
	var out []string
	for _, p := range s.global {
		out = append(out, p.raw)
	}
	for _, p := range s.rulesFor(lang) {
		out = append(out, p.raw)
	}
	return out
}

// Languages returns the languages with language-specific rules or vocabulary
func (s *Snapshot) Languages() []string {
	seen := make(map[string]struct{})
	for l := range s.byLang {
		seen[l] = struct{}{}
	}
	for l := range s.vocab {
		seen[l] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// LoadedAt returns when the snapshot was built
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// Size returns the number of filter phrases in the snapshot
func (s *Snapshot) Size() int {
	n := len(s.global)
	for _, rules := range s.byLang {
		n += len(rules)
	}
	return n
}
