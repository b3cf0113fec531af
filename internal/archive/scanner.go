// Package archive generates caption sidecars for recorded streams: it
// discovers recordings, transcribes and translates them, writes WebVTT,
// TTML and SMIL files next to them and records each outcome in an
// append-only manifest.
package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/scheduler"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

// DefaultExtensions are the recording containers picked up by a scan
var DefaultExtensions = []string{".ts", ".mp4", ".mkv", ".mov", ".m4v", ".flv"}

// resolutionToken matches variant markers such as _1080p, .720p or -480p.
// The trailing separator is captured so it can be put back.
var resolutionToken = regexp.MustCompile(`(?i)[_.-](\d{3,4})p([_.-]|$)`)

// Scanner discovers recordings and plans their outputs
type Scanner struct {
	InputRoot      string
	OutputRoot     string // outputs mirror InputRoot here when set
	SourceLanguage string
	TargetLanguage string
	Extensions     []string
}

// Candidate is a discovered recording
type Candidate struct {
	Job     *models.ArchiveJob
	Size    int64
	ModTime time.Time
}

// Fingerprint identifies the recording's current content
func (c *Candidate) Fingerprint() string {
	return fingerprint(c.Size, c.ModTime)
}

func fingerprint(size int64, modTime time.Time) string {
	return strconv.FormatInt(size, 36) + "-" + strconv.FormatInt(modTime.UnixNano(), 36)
}

// extractResolution returns the vertical resolution named in a file name
func extractResolution(name string) int {
	m := resolutionToken.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// normalizeVariantName removes resolution markers, keeping the extension
func normalizeVariantName(name string) string {
	return resolutionToken.ReplaceAllString(name, "$2")
}

type variant struct {
	path       string
	size       int64
	modTime    time.Time
	resolution int
}

// better reports whether v should be preferred over o: highest resolution
// first, then largest file
func (v variant) better(o variant) bool {
	if v.resolution != o.resolution {
		return v.resolution > o.resolution
	}
	return v.size > o.size
}

// Scan walks the input root and returns one candidate per recording,
// choosing the best variant when several resolutions exist
func (s *Scanner) Scan() ([]*Candidate, error) {
	if s.InputRoot == "" {
		return nil, fmt.Errorf("archive input root is not set")
	}

	exts := s.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	allowed := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = true
	}

	type groupKey struct{ dir, name string }
	best := make(map[groupKey]variant)
	var order []groupKey

	err := filepath.WalkDir(s.InputRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, the root itself is fatal.
			if path == s.InputRoot {
				return err
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !allowed[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}

		key := groupKey{dir: filepath.Dir(path), name: normalizeVariantName(d.Name())}
		v := variant{
			path:       path,
			size:       info.Size(),
			modTime:    info.ModTime(),
			resolution: extractResolution(d.Name()),
		}
		cur, seen := best[key]
		if !seen {
			order = append(order, key)
		}
		if !seen || v.better(cur) {
			best[key] = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", s.InputRoot, err)
	}

	sort.SliceStable(order, func(i, j int) bool {
		return filepath.Join(order[i].dir, order[i].name) < filepath.Join(order[j].dir, order[j].name)
	})

	candidates := make([]*Candidate, 0, len(order))
	for _, key := range order {
		v := best[key]
		job, err := s.plan(v.path, key.name)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, &Candidate{Job: job, Size: v.size, ModTime: v.modTime})
	}
	return candidates, nil
}

// Job plans the outputs of a single recording
func (s *Scanner) Job(video string) (*models.ArchiveJob, error) {
	return s.plan(video, normalizeVariantName(filepath.Base(video)))
}

func (s *Scanner) plan(video, normalized string) (*models.ArchiveJob, error) {
	dir := filepath.Dir(video)
	if s.OutputRoot != "" {
		rel, err := filepath.Rel(s.InputRoot, dir)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil, fmt.Errorf("%s is outside %s", video, s.InputRoot)
		}
		dir = filepath.Join(s.OutputRoot, rel)
	}

	src := s.SourceLanguage
	if src == "" {
		src = "ru"
	}
	tgt := s.TargetLanguage
	if tgt == "" {
		tgt = "en"
	}

	stem := strings.TrimSuffix(normalized, filepath.Ext(normalized))
	return &models.ArchiveJob{
		ID:    uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+video)).String(),
		Video: video,
		Name:  stem,
		Outputs: models.ManifestOutputs{
			OriginalVTT:   filepath.Join(dir, stem+"."+src+".vtt"),
			TranslatedVTT: filepath.Join(dir, stem+"."+tgt+".vtt"),
			TTML:          filepath.Join(dir, stem+".ttml"),
			SMIL:          filepath.Join(dir, stem+".smil"),
		},
	}, nil
}

// prioritize orders candidates newest recording first
func prioritize(candidates []*Candidate) []*models.ArchiveJob {
	items := make([]*scheduler.QueueItem, 0, len(candidates))
	for _, c := range candidates {
		items = append(items, &scheduler.QueueItem{Job: c.Job, Priority: c.ModTime.Unix()})
	}
	return scheduler.Order(items)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
