package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/logging"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

// lockRetry is how often a contended manifest file lock is retried
const lockRetry = 50 * time.Millisecond

// Mirror receives a copy of every appended entry
type Mirror interface {
	Insert(ctx context.Context, entry *models.ManifestEntry) error
}

// Manifest is the append-only JSONL record of processed files. Appends are
// serialized in-process by a mutex and across processes by a file lock.
type Manifest struct {
	path   string
	lock   *flock.Flock
	mirror Mirror
	logger *logging.Logger

	mu      sync.RWMutex
	latest  map[string]*models.ManifestEntry
	entries int
	invalid int
}

// OpenManifest loads the manifest at path, creating its directory. mirror
// may be nil.
func OpenManifest(path string, mirror Mirror, logger *logging.Logger) (*Manifest, error) {
	if path == "" {
		return nil, fmt.Errorf("manifest path is not set")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create manifest directory: %w", err)
	}

	m := &Manifest{
		path:   path,
		lock:   flock.New(path + ".lock"),
		mirror: mirror,
		logger: logger,
		latest: make(map[string]*models.ManifestEntry),
	}
	if err := m.Refresh(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

// Path returns the manifest file path
func (m *Manifest) Path() string {
	return m.path
}

// Refresh rereads the file, picking up entries appended by other processes.
// Lines that do not decode are counted and skipped.
func (m *Manifest) Refresh(ctx context.Context) error {
	// The file lock is shared with Append, so both hold mu around it.
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.lock.TryRLockContext(ctx, lockRetry); err != nil {
		return fmt.Errorf("failed to lock manifest: %w", err)
	}
	defer m.lock.Unlock()

	f, err := os.Open(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	latest := make(map[string]*models.ManifestEntry)
	entries, invalid := 0, 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry models.ManifestEntry
		if err := json.Unmarshal(line, &entry); err != nil || entry.File == "" {
			invalid++
			continue
		}
		entries++
		latest[entry.File] = &entry
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	if invalid > 0 {
		m.logger.Warnf("Skipped %d unreadable manifest lines in %s", invalid, m.path)
	}

	m.latest = latest
	m.entries = entries
	m.invalid = invalid
	return nil
}

// Append writes entry as one line and makes it the latest for its file
func (m *Manifest) Append(ctx context.Context, entry *models.ManifestEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest entry: %w", err)
	}
	line = append(line, '\n')

	m.mu.Lock()
	err = m.write(ctx, line)
	if err == nil {
		stored := *entry
		m.latest[entry.File] = &stored
		m.entries++
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if m.mirror != nil {
		if err := m.mirror.Insert(ctx, entry); err != nil {
			m.logger.WithField("file", entry.File).WarnWithErr("Failed to mirror manifest entry", err)
		}
	}
	return nil
}

func (m *Manifest) write(ctx context.Context, line []byte) error {
	if _, err := m.lock.TryLockContext(ctx, lockRetry); err != nil {
		return fmt.Errorf("failed to lock manifest: %w", err)
	}
	defer m.lock.Unlock()

	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to append manifest entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	return f.Close()
}

// Lookup returns the latest entry for file
func (m *Manifest) Lookup(file string) (*models.ManifestEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.latest[file]
	if !ok {
		return nil, false
	}
	copied := *e
	return &copied, true
}

// ManifestSummary holds totals over the latest entry of every file
type ManifestSummary struct {
	Files     int
	Succeeded int
	Failed    int
	Entries   int
	Invalid   int
	Failures  []*models.ManifestEntry // newest first
}

// Summary totals the manifest, listing at most failures recent failures
func (m *Manifest) Summary(failures int) ManifestSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := ManifestSummary{Files: len(m.latest), Entries: m.entries, Invalid: m.invalid}
	var failed []*models.ManifestEntry
	for _, e := range m.latest {
		if e.Succeeded() {
			s.Succeeded++
			continue
		}
		s.Failed++
		copied := *e
		failed = append(failed, &copied)
	}

	sort.Slice(failed, func(i, j int) bool { return failed[i].Timestamp.After(failed[j].Timestamp) })
	if failures >= 0 && len(failed) > failures {
		failed = failed[:failures]
	}
	s.Failures = failed
	return s
}
