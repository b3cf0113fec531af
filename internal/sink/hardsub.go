package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/livevtt/internal/captionfmt"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/config"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/logging"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/media"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/metrics"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

// cueHistory bounds how far behind the newest cue the encoder keeps text
const cueHistory = 120.0

// Encoder burns a subtitle file into a video chunk
type Encoder interface {
	BurnSubtitles(ctx context.Context, opts media.BurnOptions) error
}

// ChunkSource yields the video chunks finished since the previous call
type ChunkSource interface {
	Chunks(ctx context.Context) ([]media.Chunk, error)
}

// HardSubOptions configures a HardSubSink
type HardSubOptions struct {
	WorkDir string
	// Source is the video the chunks are cut from. Without it the sink
	// only collects cues.
	Source  string
	FFmpeg  *media.FFmpeg
	Encoder Encoder     // defaults to FFmpeg
	Chunks  ChunkSource // defaults to cutting Source with FFmpeg
}

// HardSubSink hands segments of one track to an encoder that burns them
// into the video chunk by chunk
type HardSubSink struct {
	workDir  string
	track    models.Track
	linger   float64
	fontName string
	fontSize int
	every    time.Duration
	encoder  Encoder
	chunks   ChunkSource
	logger   *logging.Logger

	queue   chan models.Segment
	cancel  context.CancelFunc
	done    chan struct{}
	encoded atomic.Int64

	mu     sync.RWMutex
	cues   []captionfmt.Cue
	closed bool
}

// NewHardSubSink creates the sink and starts its encoder loop
func NewHardSubSink(opts HardSubOptions, cfg config.HardSubConfig, logger *logging.Logger) *HardSubSink {
	if logger == nil {
		logger = logging.Nop()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 16
	}
	every := cfg.ChunkDuration
	if every <= 0 {
		every = 10 * time.Second
	}
	track := models.Track(strings.ToUpper(cfg.Track))
	if !track.Valid() {
		track = models.TrackTranslated
	}
	ffmpeg := opts.FFmpeg
	if ffmpeg == nil {
		ffmpeg = media.NewFFmpeg("", "")
	}
	encoder := opts.Encoder
	if encoder == nil {
		encoder = ffmpeg
	}
	chunks := opts.Chunks
	if chunks == nil && opts.Source != "" {
		chunks = &segmentChunks{
			ffmpeg:  ffmpeg,
			input:   opts.Source,
			dir:     filepath.Join(opts.WorkDir, "in"),
			seconds: every.Seconds(),
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &HardSubSink{
		workDir:  opts.WorkDir,
		track:    track,
		linger:   cfg.CueLinger.Seconds(),
		fontName: cfg.FontName,
		fontSize: cfg.FontSize,
		every:    every,
		encoder:  encoder,
		chunks:   chunks,
		logger:   logger.WithSink(string(models.SinkKindHardSub), opts.WorkDir),
		queue:    make(chan models.Segment, size),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if chunks == nil {
		s.logger.Warn("No video source, captions are collected but not burned")
	}
	go s.Run(ctx)
	return s
}

// Kind returns the sink kind
func (s *HardSubSink) Kind() models.SinkKind { return models.SinkKindHardSub }

// Target returns the encoder work directory
func (s *HardSubSink) Target() string { return s.workDir }

// Track returns the track burned into the video
func (s *HardSubSink) Track() models.Track { return s.track }

// Accept hands the segment to the encoder without blocking
func (s *HardSubSink) Accept(ctx context.Context, seg models.Segment) (Outcome, error) {
	if seg.Track != s.track {
		return OutcomeSkipped, nil
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return OutcomeDelivered, ErrClosed
	}

	select {
	case s.queue <- seg:
		return OutcomeDelivered, nil
	default:
		return OutcomeDelivered, ErrEncoderBusy
	}
}

// Probe reports ErrEncoderBusy while the encoder queue is full
func (s *HardSubSink) Probe(ctx context.Context) error {
	if len(s.queue) >= cap(s.queue) {
		return ErrEncoderBusy
	}
	return nil
}

// Run moves queued segments into the active cue set and, once per chunk
// duration, burns captions into the chunks finished since the last pass.
// The queue is not drained while a chunk is encoding.
func (s *HardSubSink) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case seg := <-s.queue:
			s.add(seg)
		case <-ticker.C:
			s.drain()
			s.encodePending(ctx)
		}
	}
}

func (s *HardSubSink) drain() {
	for {
		select {
		case seg := <-s.queue:
			s.add(seg)
		default:
			return
		}
	}
}

func (s *HardSubSink) encodePending(ctx context.Context) {
	if s.chunks == nil {
		return
	}
	chunks, err := s.chunks.Chunks(ctx)
	if err != nil {
		s.logger.WarnWithErr("Failed to list video chunks", err)
		return
	}
	for _, c := range chunks {
		if ctx.Err() != nil {
			return
		}
		out := filepath.Join(s.workDir, "out", filepath.Base(c.Path))
		if err := s.BurnChunk(ctx, c.Path, out, c.Start, c.Duration); err != nil {
			metrics.RecordError("hardsub", "burn")
			s.logger.WarnWithErr("Failed to burn captions into "+filepath.Base(c.Path), err)
			continue
		}
		s.encoded.Add(1)
	}
}

// Encoded returns how many chunks the encoder loop has written
func (s *HardSubSink) Encoded() int64 {
	return s.encoded.Load()
}

func (s *HardSubSink) add(seg models.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cues = append(s.cues, captionfmt.Cue{Start: seg.Start, End: seg.End + s.linger, Text: seg.Text})
	sort.SliceStable(s.cues, func(i, j int) bool { return s.cues[i].Start < s.cues[j].Start })

	cutoff := seg.Start - cueHistory
	drop := 0
	for drop < len(s.cues) && s.cues[drop].End < cutoff {
		drop++
	}
	if drop > 0 {
		s.cues = append(s.cues[:0:0], s.cues[drop:]...)
	}
}

// TextAt returns the caption text visible at pts, one line per active cue
func (s *HardSubSink) TextAt(pts float64) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lines []string
	for _, c := range s.cues {
		if c.Start <= pts && pts < c.End {
			lines = append(lines, c.Text)
		}
	}
	return strings.Join(lines, "\n")
}

// CuesBetween returns the active cues overlapping [start, end)
func (s *HardSubSink) CuesBetween(start, end float64) []captionfmt.Cue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []captionfmt.Cue
	for _, c := range s.cues {
		if c.Start < end && c.End > start {
			out = append(out, c)
		}
	}
	return out
}

// WriteSRT writes the cues overlapping [start, end) to path using stream
// timestamps, matching a chunk encoded with copied timestamps. It reports
// false when no cue overlaps.
func (s *HardSubSink) WriteSRT(path string, start, end float64) (bool, error) {
	cues := s.CuesBetween(start, end)
	if len(cues) == 0 {
		return false, nil
	}
	if err := os.WriteFile(path, []byte(captionfmt.FormatSRT(cues)), 0o644); err != nil {
		return false, fmt.Errorf("failed to write subtitles: %w", err)
	}
	return true, nil
}

// BurnChunk burns the captions overlapping the chunk into a copy of it at
// out. A chunk without captions is copied unchanged.
func (s *HardSubSink) BurnChunk(ctx context.Context, in, out string, start, duration float64) error {
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	srtPath := filepath.Join(filepath.Dir(out), strings.TrimSuffix(filepath.Base(out), filepath.Ext(out))+".srt")
	ok, err := s.WriteSRT(srtPath, start, start+duration)
	if err != nil {
		return err
	}
	if !ok {
		return copyFile(in, out)
	}
	defer os.Remove(srtPath)

	began := time.Now()
	err = s.encoder.BurnSubtitles(ctx, media.BurnOptions{
		InputPath:    in,
		SubtitlePath: srtPath,
		OutputPath:   out,
		FontName:     s.fontName,
		FontSize:     s.fontSize,
		HWAccel:      true,
	})
	if err != nil {
		return err
	}
	s.logger.Debugf("Burned captions into %s in %s", filepath.Base(out), time.Since(began))
	return nil
}

// Close stops the encoder loop and the chunk source
func (s *HardSubSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if c, ok := s.chunks.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// segmentChunks cuts the source with ffmpeg on first use and reports the
// chunks it has finished
type segmentChunks struct {
	ffmpeg  *media.FFmpeg
	input   string
	dir     string
	seconds float64

	mu   sync.Mutex
	proc io.Closer
	seen int
}

func (c *segmentChunks) Chunks(ctx context.Context) ([]media.Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.proc == nil {
		proc, err := c.ffmpeg.SegmentVideo(context.WithoutCancel(ctx), c.input, c.dir, c.seconds)
		if err != nil {
			return nil, err
		}
		c.proc = proc
		return nil, nil
	}

	chunks, err := media.ReadSegmentList(c.dir, c.seen)
	if err != nil {
		return nil, err
	}
	c.seen += len(chunks)
	return chunks, nil
}

func (c *segmentChunks) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil {
		return nil
	}
	err := c.proc.Close()
	c.proc = nil
	return err
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read chunk: %w", err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	return nil
}
