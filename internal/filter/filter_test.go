package filter

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSnapshot_Match(t *testing.T) {
	snap := NewSnapshot(FilterDocument{
		FilterWords: []string{"badword", "Subscribe to the channel"},
		ByLanguage:  map[string][]string{"RU": {"Редактор субтитров"}},
	}, VocabularyDocument{})

	tests := []struct {
		name   string
		lang   string
		text   string
		want   string
		wantOK bool
	}{
		{"substring match", "en", "this has a badword in it", "badword", true},
		{"case insensitive", "en", "THIS HAS A BADWORD", "badword", true},
		{"phrase match", "fr", "please subscribe to the CHANNEL now", "Subscribe to the channel", true},
		{"language specific rule", "ru", "редактор субтитров А.Семкин", "Редактор субтитров", true},
		{"regional tag falls back", "ru-RU", "РЕДАКТОР СУБТИТРОВ", "Редактор субтитров", true},
		{"rule scoped to other language", "en", "Редактор субтитров", "", false},
		{"clean text", "en", "a perfectly clean sentence", "", false},
		{"empty text", "en", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := snap.Match(tt.lang, tt.text)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSnapshot_MatchIdempotent(t *testing.T) {
	snap := NewSnapshot(FilterDocument{FilterWords: []string{"straße"}}, VocabularyDocument{})

	texts := []string{"Die STRASSE ist lang", "die straße", "nothing here", "Straße\nzweite Zeile"}
	for _, text := range texts {
		_, first := snap.Match("de", text)
		_, second := snap.Match("de", text)
		assert.Equal(t, first, second, text)
	}

	// Unicode case folding maps ß to ss.
	_, ok := snap.Match("de", "Die STRASSE ist lang")
	assert.True(t, ok)
}

func TestSnapshot_Vocabulary(t *testing.T) {
	snap := NewSnapshot(FilterDocument{}, VocabularyDocument{
		CustomVocabulary: map[string][]string{
			"ru": {"Семкин", " ", "LiveVTT"},
			"en": {},
		},
	})

	assert.Equal(t, []string{"Семкин", "LiveVTT"}, snap.Vocabulary("ru"))
	assert.Equal(t, "Семкин, LiveVTT", snap.BiasPrompt("ru"))
	assert.Equal(t, "Семкин, LiveVTT", snap.BiasPrompt("ru_RU"))
	assert.Empty(t, snap.BiasPrompt("en"))
	assert.Empty(t, snap.BiasPrompt("de"))
}

func TestEmptySnapshot(t *testing.T) {
	_, ok := Empty.Match("en", "anything at all")
	assert.False(t, ok)
	assert.Empty(t, Empty.BiasPrompt("en"))
	assert.Zero(t, Empty.Size())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	filterPath := writeFile(t, dir, "filter.json", `{"filter_words": ["badword"], "filter_words_by_language": {"en": ["spam"]}}`)
	vocabPath := writeFile(t, dir, "vocab.json", `{"custom_vocabulary": {"ru": ["Wowza"]}}`)

	store, err := Load(filterPath, vocabPath, nil)
	require.NoError(t, err)

	snap := store.Snapshot()
	assert.Equal(t, 2, snap.Size())
	_, ok := snap.Match("en", "SPAM here")
	assert.True(t, ok)
	assert.Equal(t, "Wowza", snap.BiasPrompt("ru"))
	assert.Equal(t, []string{"en", "ru"}, snap.Languages())
}

func TestLoadNoFiles(t *testing.T) {
	store, err := Load("", "", nil)
	require.NoError(t, err)
	assert.Zero(t, store.Snapshot().Size())
}

func TestLoadMalformed(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"invalid json", `{"filter_words": [`},
		{"words not a list", `{"filter_words": "badword"}`},
		{"non string word", `{"filter_words": ["ok", 3]}`},
		{"by language not an object", `{"filter_words_by_language": ["en"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, "filter.json", tt.content)
			_, err := Load(path, "", nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.Contains(t, err.Error(), path)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"), "", nil)
	assert.Error(t, err)
}

func TestStore_ReloadKeepsOldOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "filter.json", `{"filter_words": ["first"]}`)

	store, err := Load(path, "", nil)
	require.NoError(t, err)
	before := store.Snapshot()

	writeFile(t, dir, "filter.json", `{"filter_words": [`)
	require.Error(t, store.Reload())
	assert.Same(t, before, store.Snapshot())

	writeFile(t, dir, "filter.json", `{"filter_words": ["second"]}`)
	require.NoError(t, store.Reload())
	_, ok := store.Snapshot().Match("en", "the second one")
	assert.True(t, ok)
	_, ok = store.Snapshot().Match("en", "the first one")
	assert.False(t, ok)
}

func TestStore_ConcurrentReadDuringSwap(t *testing.T) {
	store := NewStore(nil)
	a := NewSnapshot(FilterDocument{FilterWords: []string{"alpha"}}, VocabularyDocument{})
	b := NewSnapshot(FilterDocument{FilterWords: []string{"beta"}}, VocabularyDocument{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				snap := store.Snapshot()
				_, alpha := snap.Match("en", "alpha")
				_, beta := snap.Match("en", "beta")
				// A snapshot is always one whole rule set.
				assert.False(t, alpha && beta)
			}
		}()
	}
	for j := 0; j < 1000; j++ {
		if j%2 == 0 {
			store.Swap(a)
		} else {
			store.Swap(b)
		}
	}
	wg.Wait()
}

func TestStore_WatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "filter.json", `{"filter_words": ["first"]}`)

	store, err := Load(path, "", nil)
	require.NoError(t, err)
	require.Equal(t, 1, store.Snapshot().Size())

	store.Watch()
	store.Watch() // second call is a no-op

	writeFile(t, dir, "filter.json", `{"filter_words": ["first", "second", "third"]}`)
	require.Eventually(t, func() bool { return store.Snapshot().Size() == 3 }, 5*time.Second, 20*time.Millisecond)

	_, ok := store.Snapshot().Match("en", "a third word")
	assert.True(t, ok)
}
