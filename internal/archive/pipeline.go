package archive

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/cache"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/captionfmt"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/config"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/filter"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/logging"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/media"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/metrics"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/source"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/tracing"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

// ErrLocked is returned when another worker holds a file's lock
var ErrLocked = errors.New("archive file is locked by another worker")

// MediaTool extracts audio and probes recordings
type MediaTool interface {
	ExtractAudio(ctx context.Context, inputPath, outputPath string, sampleRate int) error
	ProbeVideo(ctx context.Context, inputPath string) (*media.VideoMetadata, error)
}

// Locker provides per-file locks shared between workers
type Locker interface {
	AcquireLock(ctx context.Context, resource string, ttl time.Duration) (*cache.Lock, error)
	ReleaseLock(ctx context.Context, lock *cache.Lock) error
}

// Uploader copies finished outputs to object storage
type Uploader interface {
	UploadOutputs(ctx context.Context, root string, files []string) ([]string, error)
}

// Notifier announces finished files and runs
type Notifier interface {
	NotifyManifestEntry(ctx context.Context, entry *models.ManifestEntry) error
	NotifyRun(ctx context.Context, report interface{}) error
}

// Deps holds what a pipeline needs. Locks, Storage and Notifier are optional.
type Deps struct {
	Config   *config.Config
	Engine   source.Engine
	Media    MediaTool
	Filters  *filter.Store
	Manifest *Manifest
	Locks    Locker
	Storage  Uploader
	Notifier Notifier
	Logger   *logging.Logger
}

// RunOptions control a pipeline run
type RunOptions struct {
	Force    bool // reprocess files the manifest marks as done
	MaxFiles int  // zero processes every pending file
	SMILOnly bool // only rebuild SMIL manifests from existing captions
}

// Report summarizes a pipeline run
type Report struct {
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

// Pipeline turns recordings into caption sidecars
type Pipeline struct {
	cfg      *config.Config
	scanner  *Scanner
	engine   source.Engine
	media    MediaTool
	filters  *filter.Store
	manifest *Manifest
	locks    Locker
	storage  Uploader
	notifier Notifier
	logger   *logging.Logger
	worker   string
}

// NewPipeline creates a pipeline over the configured archive
func NewPipeline(deps Deps) (*Pipeline, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("archive pipeline requires a speech engine")
	}
	if deps.Manifest == nil {
		return nil, fmt.Errorf("archive pipeline requires a manifest")
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	tool := deps.Media
	if tool == nil {
		tool = media.NewFFmpeg(cfg.Archive.FFmpegPath, cfg.Archive.FFprobePath)
	}
	filters := deps.Filters
	if filters == nil {
		filters = filter.NewStore(filter.Empty)
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}

	return &Pipeline{
		cfg: cfg,
		scanner: &Scanner{
			InputRoot:      cfg.Archive.InputRoot,
			OutputRoot:     cfg.Archive.OutputRoot,
			SourceLanguage: cfg.Archive.SourceLanguage,
			TargetLanguage: cfg.Archive.TargetLanguage,
		},
		engine:   deps.Engine,
		media:    tool,
		filters:  filters,
		manifest: deps.Manifest,
		locks:    deps.Locks,
		storage:  deps.Storage,
		notifier: deps.Notifier,
		logger:   logger,
		worker:   host + "-" + uuid.New().String()[:8],
	}, nil
}

// Scanner returns the pipeline's archive scanner
func (p *Pipeline) Scanner() *Scanner {
	return p.scanner
}

// Manifest returns the pipeline's manifest
func (p *Pipeline) Manifest() *Manifest {
	return p.manifest
}

// Pending scans the archive and returns the files that still need work,
// newest recording first, plus the number of files already done
func (p *Pipeline) Pending(ctx context.Context, force bool) ([]*models.ArchiveJob, int, error) {
	if err := p.manifest.Refresh(ctx); err != nil {
		return nil, 0, err
	}
	candidates, err := p.scanner.Scan()
	if err != nil {
		return nil, 0, err
	}

	var pending []*Candidate
	skipped := 0
	for _, c := range candidates {
		if !force && p.done(c.Job, c.Fingerprint(), c.ModTime) {
			skipped++
			continue
		}
		pending = append(pending, c)
	}

	jobs := prioritize(pending)
	if force {
		for _, job := range jobs {
			job.Force = true
		}
	}
	return jobs, skipped, nil
}

// done reports whether a file needs no work: its latest manifest entry is
// a success for the current content, or, without an entry, every output
// exists and is newer than the recording
func (p *Pipeline) done(job *models.ArchiveJob, hash string, modTime time.Time) bool {
	if entry, ok := p.manifest.Lookup(job.Video); ok {
		return entry.Succeeded() && (entry.ContentHash == "" || entry.ContentHash == hash)
	}

	required := []string{job.Outputs.OriginalVTT, job.Outputs.TranslatedVTT, job.Outputs.SMIL}
	if !p.cfg.Archive.NoTTML {
		required = append(required, job.Outputs.TTML)
	}
	for _, path := range required {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().Before(modTime) {
			return false
		}
	}
	return true
}

// Run processes pending files with a bounded pool of workers. Failures are
// recorded in the manifest and do not stop the run.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	start := time.Now()

	jobs, skipped, err := p.Pending(ctx, opts.Force)
	if err != nil {
		return nil, err
	}
	if opts.MaxFiles > 0 && len(jobs) > opts.MaxFiles {
		jobs = jobs[:opts.MaxFiles]
	}

	report := &Report{Skipped: skipped}
	if len(jobs) == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}

	workers := p.cfg.Archive.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}
	p.logger.Infof("Processing %d archive files with %d workers (%d already done)", len(jobs), workers, skipped)

	jobCh := make(chan *models.ArchiveJob)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				entry, err := p.process(ctx, job, opts)

				mu.Lock()
				switch {
				case errors.Is(err, ErrLocked):
					report.Skipped++
				case entry == nil:
				case entry.Succeeded():
					report.Processed++
					report.Succeeded++
				default:
					report.Processed++
					report.Failed++
				}
				mu.Unlock()

				if err != nil && !errors.Is(err, ErrLocked) && ctx.Err() == nil {
					p.logger.WithField("file", job.Video).ErrorWithErr("Failed to record archive result", err)
				}
			}
		}()
	}

feed:
	for _, job := range jobs {
		select {
		case jobCh <- job:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobCh)
	wg.Wait()

	report.Duration = time.Since(start)
	p.logger.Infof("Archive run finished: %d processed, %d succeeded, %d failed, %d skipped in %v",
		report.Processed, report.Succeeded, report.Failed, report.Skipped, report.Duration.Round(time.Millisecond))
	if p.notifier != nil {
		if err := p.notifier.NotifyRun(ctx, report); err != nil {
			p.logger.WarnWithErr("Failed to send run notification", err)
		}
	}
	return report, ctx.Err()
}

// RunBatch processes up to limit pending files
func (p *Pipeline) RunBatch(ctx context.Context, limit int) (int, error) {
	report, err := p.Run(ctx, RunOptions{MaxFiles: limit})
	if report == nil {
		return 0, err
	}
	return report.Processed, err
}

// ProcessJob processes one queued job. A job whose file is already done is
// acknowledged without work unless it is forced.
func (p *Pipeline) ProcessJob(ctx context.Context, job *models.ArchiveJob) (*models.ManifestEntry, error) {
	info, err := os.Stat(job.Video)
	if err != nil {
		return nil, fmt.Errorf("archive file %s: %w", job.Video, err)
	}
	if !job.Force {
		if err := p.manifest.Refresh(ctx); err != nil {
			return nil, err
		}
		if p.done(job, fingerprint(info.Size(), info.ModTime()), info.ModTime()) {
			entry, _ := p.manifest.Lookup(job.Video)
			p.logger.WithField("file", job.Video).Debug("Archive file already processed")
			return entry, nil
		}
	}

	entry, err := p.process(ctx, job, RunOptions{Force: job.Force})
	if err != nil {
		return entry, err
	}
	if !entry.Succeeded() {
		return entry, fmt.Errorf("%s: %s", entry.ErrorType, entry.Error)
	}
	return entry, nil
}

// stageError tags a failure with the processing step it happened in
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string {
	return fmt.Sprintf("%s: %v", e.stage, e.err)
}

func (e *stageError) Unwrap() error {
	return e.err
}

func stage(name string, err error) error {
	return &stageError{stage: name, err: err}
}

func errorType(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return "unknown"
}

// process handles one file and appends its manifest entry. It returns an
// error, and no entry, when the file was locked or ctx ended.
func (p *Pipeline) process(ctx context.Context, job *models.ArchiveJob, opts RunOptions) (*models.ManifestEntry, error) {
	span, ctx := tracing.StartSpan(ctx, "archive.process_file")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "file", job.Video)

	log := p.logger.WithField("file", job.Video).WithWorkerID(p.worker)

	if p.locks != nil {
		ttl := p.cfg.Archive.LockTTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		lock, err := p.locks.AcquireLock(ctx, "archive:"+job.Video, ttl)
		switch {
		case err != nil:
			log.WarnWithErr("Lock service unavailable, processing without lock", err)
		case lock == nil:
			log.Info("Archive file is being processed by another worker")
			return nil, ErrLocked
		default:
			defer func() {
				if err := p.locks.ReleaseLock(context.Background(), lock); err != nil {
					log.WarnWithErr("Failed to release archive lock", err)
				}
			}()
		}
	}

	metrics.ArchiveWorkersActive.Inc()
	defer metrics.ArchiveWorkersActive.Dec()

	start := time.Now()
	log.Info("Processing archive file")

	outputs := job.Outputs
	if p.cfg.Archive.NoTTML {
		outputs.TTML = ""
	}
	entry := &models.ManifestEntry{
		File:    job.Video,
		Outputs: outputs,
		Worker:  p.worker,
	}
	if info, err := os.Stat(job.Video); err == nil {
		entry.ContentHash = fingerprint(info.Size(), info.ModTime())
	}

	duration, err := p.generate(ctx, job, opts, log)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	elapsed := time.Since(start)
	entry.ProcessingTimeSec = math.Round(elapsed.Seconds()*100) / 100
	entry.Timestamp = time.Now().UTC()
	if err != nil {
		entry.Status = models.ManifestStatusError
		entry.Error = err.Error()
		entry.ErrorType = errorType(err)
		tracing.LogError(span, err)
		metrics.RecordError("archive", entry.ErrorType)
	} else {
		entry.Status = models.ManifestStatusSuccess
		entry.Duration = duration
	}

	metrics.RecordArchiveFile(entry.Status, elapsed.Seconds())
	log.LogManifestEntry(job.Video, entry.Status, elapsed, err)

	if err := p.manifest.Append(ctx, entry); err != nil {
		return entry, err
	}
	if p.notifier != nil {
		if err := p.notifier.NotifyManifestEntry(ctx, entry); err != nil {
			log.WarnWithErr("Failed to send archive notification", err)
		}
	}
	return entry, nil
}

func (p *Pipeline) languages() (string, string) {
	src := p.cfg.Archive.SourceLanguage
	if src == "" {
		src = "ru"
	}
	tgt := p.cfg.Archive.TargetLanguage
	if tgt == "" {
		tgt = "en"
	}
	return src, tgt
}

// generate writes the outputs of job and returns the recording duration
func (p *Pipeline) generate(ctx context.Context, job *models.ArchiveJob, opts RunOptions, log *logging.Logger) (float64, error) {
	meta, err := p.media.ProbeVideo(ctx, job.Video)
	if err != nil {
		return 0, stage("probe", err)
	}
	summary := meta.Summary()
	duration := summary.Duration

	haveCaptions := fileExists(job.Outputs.OriginalVTT) && fileExists(job.Outputs.TranslatedVTT)
	switch {
	case !opts.SMILOnly && (opts.Force || job.Force || !haveCaptions):
		d, err := p.transcribe(ctx, job, log)
		if err != nil {
			return 0, err
		}
		if d > 0 {
			duration = d
		}
	case !haveCaptions:
		return 0, stage("smil", errors.New("missing caption files for SMIL-only run"))
	default:
		log.Info("Captions already present, generating SMIL only")
	}

	if err := p.writeSMIL(job, summary, log); err != nil {
		return 0, stage("smil", err)
	}

	if p.storage != nil && p.cfg.Archive.UploadOutputs {
		root := p.cfg.Archive.OutputRoot
		if root == "" {
			root = p.cfg.Archive.InputRoot
		}
		var files []string
		for _, path := range job.Outputs.Paths() {
			if fileExists(path) {
				files = append(files, path)
			}
		}
		keys, err := p.storage.UploadOutputs(ctx, root, files)
		if err != nil {
			return 0, stage("upload", err)
		}
		log.Debugf("Uploaded %d outputs", len(keys))
	}

	return duration, nil
}

// transcribe runs the transcription and translation passes and writes the
// caption files
func (p *Pipeline) transcribe(ctx context.Context, job *models.ArchiveJob, log *logging.Logger) (float64, error) {
	if dir := p.cfg.Archive.TempDir; dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return 0, stage("extract_audio", err)
		}
	}
	tmp, err := os.CreateTemp(p.cfg.Archive.TempDir, "livevtt-*.wav")
	if err != nil {
		return 0, stage("extract_audio", err)
	}
	audioPath := tmp.Name()
	tmp.Close()
	defer func() {
		if err := os.Remove(audioPath); err != nil && !os.IsNotExist(err) {
			log.WarnWithErr("Failed to delete temp audio file", err)
		}
	}()

	sampleRate := p.cfg.Engine.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if err := p.media.ExtractAudio(ctx, job.Video, audioPath, sampleRate); err != nil {
		return 0, stage("extract_audio", err)
	}

	snap := p.filters.Snapshot()
	src, tgt := p.languages()

	origReq := source.Request{
		Task:      source.TaskTranscribe,
		Language:  src,
		Output:    src,
		Prompt:    snap.BiasPrompt(src),
		Model:     p.cfg.Engine.Model,
		BeamSize:  p.cfg.Engine.BeamSize,
		VADFilter: p.cfg.Engine.VADFilter,
		Track:     models.TrackOriginal,
	}
	original, origDuration, err := p.engine.Transcribe(ctx, audioPath, origReq)
	if err != nil {
		return 0, stage("transcribe", err)
	}

	transReq := origReq
	transReq.Task = source.TaskTranslate
	transReq.Output = tgt
	transReq.Track = models.TrackTranslated
	if p.cfg.Engine.TranslationModel != "" {
		transReq.Model = p.cfg.Engine.TranslationModel
	}
	translated, transDuration, err := p.engine.Transcribe(ctx, audioPath, transReq)
	if err != nil {
		return 0, stage("translate", err)
	}

	fallback := strings.TrimSpace(p.cfg.Archive.FallbackModel)
	if strings.EqualFold(fallback, "none") {
		fallback = ""
	}
	if fallback != "" && fallback != transReq.Model && translationSuspect(original, translated, tgt) {
		log.Warnf("Translation model %q produced unexpected output; retrying with %q", transReq.Model, fallback)
		transReq.Model = fallback
		translated, transDuration, err = p.engine.Transcribe(ctx, audioPath, transReq)
		if err != nil {
			return 0, stage("translate", err)
		}
	}

	origCues := filterCues(snap, src, captionfmt.CuesFromSegments(original))
	transCues := filterCues(snap, tgt, captionfmt.CuesFromSegments(translated))
	if dropped := len(original) + len(translated) - len(origCues) - len(transCues); dropped > 0 {
		log.Debugf("Filtered %d cues", dropped)
	}

	if err := atomicWrite(job.Outputs.OriginalVTT, captionfmt.FormatVTT(origCues, nil)); err != nil {
		return 0, stage("write", err)
	}
	if err := atomicWrite(job.Outputs.TranslatedVTT, captionfmt.FormatVTT(transCues, nil)); err != nil {
		return 0, stage("write", err)
	}

	if !p.cfg.Archive.NoTTML {
		aligned := captionfmt.AlignBilingual(origCues, transCues, captionfmt.DefaultAlignTolerance)
		doc, err := captionfmt.FormatTTML(aligned, captionfmt.ISO6392(src), captionfmt.ISO6392(tgt), nil)
		if err != nil {
			return 0, stage("write", err)
		}
		if err := atomicWrite(job.Outputs.TTML, doc); err != nil {
			return 0, stage("write", err)
		}
	}

	return math.Max(origDuration, transDuration), nil
}

// filterCues drops cues matching a filter phrase for lang
func filterCues(snap *filter.Snapshot, lang string, cues []captionfmt.Cue) []captionfmt.Cue {
	kept := cues[:0:0]
	for _, c := range cues {
		if _, blocked := snap.Match(lang, c.Text); blocked {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// writeSMIL creates or updates the SMIL manifest of job. The bilingual TTML
// is referenced by default, the two WebVTT files when configured.
func (p *Pipeline) writeSMIL(job *models.ArchiveJob, summary media.Summary, log *logging.Logger) error {
	existing, err := os.ReadFile(job.Outputs.SMIL)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	src, tgt := p.languages()
	var streams []captionfmt.TextStream
	if p.cfg.Archive.VTTInSMIL {
		for _, s := range []struct{ path, lang string }{
			{job.Outputs.OriginalVTT, src},
			{job.Outputs.TranslatedVTT, tgt},
		} {
			if !fileExists(s.path) {
				log.Warnf("Caption file %s missing when writing SMIL", s.path)
				continue
			}
			streams = append(streams, captionfmt.TextStream{
				Src:      filepath.Base(s.path),
				Language: captionfmt.ISO6392(s.lang),
			})
		}
	} else if fileExists(job.Outputs.TTML) {
		streams = append(streams, captionfmt.TextStream{
			Src:      filepath.Base(job.Outputs.TTML),
			Language: captionfmt.ISO6392(src) + "," + captionfmt.ISO6392(tgt),
		})
	} else {
		log.Warnf("TTML file %s missing when writing SMIL", job.Outputs.TTML)
	}

	doc, err := captionfmt.BuildSMIL(existing, captionfmt.VideoInfo{
		Name:         filepath.Base(job.Video),
		Bitrate:      summary.Bitrate,
		Width:        summary.Width,
		Height:       summary.Height,
		VideoCodecID: summary.VideoCodecID,
		AudioCodecID: summary.AudioCodecID,
	}, streams)
	if err != nil {
		return err
	}
	return atomicWrite(job.Outputs.SMIL, doc)
}

// atomicWrite replaces path with content through a temp file in the same
// directory
func atomicWrite(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
