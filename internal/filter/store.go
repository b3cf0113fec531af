package filter

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/logging"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/metrics"
)

// ErrMalformed is wrapped by every load error caused by file contents
var ErrMalformed = errors.New("malformed filter configuration")

// Store holds the active snapshot. Readers call Snapshot; reloads build a
// new snapshot and swap the pointer.
type Store struct {
	current    atomic.Pointer[Snapshot]
	filterPath string
	vocabPath  string
	logger     *logging.Logger

	mu       sync.Mutex
	watchers []*viper.Viper
}

// NewStore creates a store holding snap
func NewStore(snap *Snapshot) *Store {
	s := &Store{logger: logging.Nop()}
	if snap == nil {
		snap = Empty
	}
	s.current.Store(snap)
	return s
}

// Load reads the filter and vocabulary files and returns a store. Either
// path may be empty. Any read or parse error is returned so callers fail
// fast at startup.
func Load(filterPath, vocabPath string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	snap, err := build(filterPath, vocabPath)
	if err != nil {
		return nil, err
	}
	s := &Store{filterPath: filterPath, vocabPath: vocabPath, logger: logger}
	s.current.Store(snap)
	return s, nil
}

// Snapshot returns the active snapshot
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Swap installs snap as the active snapshot
func (s *Store) Swap(snap *Snapshot) {
	if snap == nil {
		snap = Empty
	}
	s.current.Store(snap)
}

// Reload re-reads both files. On error the previous snapshot stays active.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := build(s.filterPath, s.vocabPath)
	if err != nil {
		metrics.FilterReloadsTotal.WithLabelValues("error").Inc()
		s.logger.WarnWithErr("Filter reload rejected, keeping previous configuration", err)
		return err
	}

	s.current.Store(snap)
	metrics.FilterReloadsTotal.WithLabelValues("success").Inc()
	s.logger.WithFields(map[string]interface{}{
		"filter_phrases": snap.Size(),
		"languages":      snap.Languages(),
	}).Info("Filter configuration reloaded")
	return nil
}

// Watch reloads the store whenever either file changes on disk
func (s *Store) Watch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.watchers) > 0 {
		return
	}
	for _, path := range []string{s.filterPath, s.vocabPath} {
		if path == "" {
			continue
		}
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("json")
		v.OnConfigChange(func(e fsnotify.Event) {
			s.logger.WithField("file", e.Name).Debug("Filter file changed")
			_ = s.Reload()
		})
		v.WatchConfig()
		s.watchers = append(s.watchers, v)
	}
}

func build(filterPath, vocabPath string) (*Snapshot, error) {
	var filters FilterDocument
	var vocab VocabularyDocument

	if filterPath != "" {
		v, err := readJSON(filterPath)
		if err != nil {
			return nil, err
		}
		if filters.FilterWords, err = stringList(v.Get("filter_words")); err != nil {
			return nil, fmt.Errorf("%w: %s: filter_words: %v", ErrMalformed, filterPath, err)
		}
		if filters.ByLanguage, err = stringListMap(v.Get("filter_words_by_language")); err != nil {
			return nil, fmt.Errorf("%w: %s: filter_words_by_language: %v", ErrMalformed, filterPath, err)
		}
	}

	if vocabPath != "" {
		v, err := readJSON(vocabPath)
		if err != nil {
			return nil, err
		}
		if vocab.CustomVocabulary, err = stringListMap(v.Get("custom_vocabulary")); err != nil {
			return nil, fmt.Errorf("%w: %s: custom_vocabulary: %v", ErrMalformed, vocabPath, err)
		}
	}

	return NewSnapshot(filters, vocab), nil
}

func readJSON(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		var parseErr viper.ConfigParseError
		if errors.As(err, &parseErr) {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return v, nil
}

func stringList(raw interface{}) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a list of strings, got %T", raw)
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("item %d: expected string, got %T", i, item)
		}
		out = append(out, str)
	}
	return out, nil
}

func stringListMap(raw interface{}) (map[string][]string, error) {
	if raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected an object keyed by language, got %T", raw)
	}
	out := make(map[string][]string, len(m))
	for lang, v := range m {
		list, err := stringList(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", lang, err)
		}
		out[lang] = list
	}
	return out, nil
}
