package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/filter"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/logging"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/metrics"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

const (
	teeChunkSize   = 32 * 1024
	defaultTeeSize = 64
)

// Producer pulls segments for one track from an engine pass
type Producer struct {
	stream   string
	track    models.Track
	language string
	src      Stream
	closer   io.Closer
	logger   *logging.Logger
	once     sync.Once
}

// NewProducer wraps an engine stream. closer, when set, is closed once the
// producer ends.
func NewProducer(stream string, track models.Track, language string, src Stream, closer io.Closer, logger *logging.Logger) *Producer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Producer{
		stream:   stream,
		track:    track,
		language: language,
		src:      src,
		closer:   closer,
		logger:   logger.WithStream(stream).WithTrack(string(track)),
	}
}

// Track returns the track this producer emits
func (p *Producer) Track() models.Track {
	return p.track
}

// Next returns the next segment, ErrEnd or a *FatalError. Transient
// engine errors are logged and skipped.
func (p *Producer) Next(ctx context.Context) (models.Segment, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.Segment{}, err
		}

		seg, err := p.src.Next(ctx)
		switch {
		case err == nil:
			return p.stamp(seg), nil
		case errors.Is(err, ErrEnd):
			return models.Segment{}, ErrEnd
		case ctx.Err() != nil:
			return models.Segment{}, ctx.Err()
		case IsTransient(err):
			metrics.SourceTransientErrorsTotal.WithLabelValues(string(p.track)).Inc()
			p.logger.WarnWithErr("Skipping failed audio window", err)
			continue
		default:
			return models.Segment{}, &FatalError{Track: p.track, Err: err}
		}
	}
}

func (p *Producer) stamp(seg models.Segment) models.Segment {
	if seg.ID == "" {
		seg.ID = uuid.New().String()
	}
	seg.Stream = p.stream
	seg.Track = p.track
	if seg.Language == "" {
		seg.Language = p.language
	}
	return seg
}

// Run sends segments to out until the pass ends. It returns nil at the end
// of audio, ctx.Err() on cancellation and the *FatalError otherwise.
func (p *Producer) Run(ctx context.Context, out chan<- models.Segment) error {
	defer p.Close()

	for {
		seg, err := p.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrEnd) {
				p.logger.Info("Producer reached end of audio")
				return nil
			}
			return err
		}

		select {
		case out <- seg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close releases the audio feeding this producer
func (p *Producer) Close() error {
	var err error
	p.once.Do(func() {
		if p.closer != nil {
			err = p.closer.Close()
		}
	})
	return err
}

// OpenOptions configures Open
type OpenOptions struct {
	Stream         string
	Language       string // source language
	TargetLanguage string // language of the TRANSLATED track, default "en"
	Mode           models.Mode
	Vocabulary     *filter.Snapshot
	Model          string
	BeamSize       int
	VADFilter      bool
	// TeeBuffer bounds the chunks buffered per pass in BOTH mode.
	TeeBuffer int
	Logger    *logging.Logger
}

// Open starts one engine pass per track requested by opts.Mode. In BOTH
// mode each pass reads its own copy of the audio.
func Open(ctx context.Context, engine Engine, audio io.Reader, opts OpenOptions) ([]*Producer, error) {
	tracks := opts.Mode.Tracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("unknown mode %q", opts.Mode)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.TargetLanguage == "" {
		opts.TargetLanguage = "en"
	}

	var prompt string
	if opts.Vocabulary != nil {
		prompt = opts.Vocabulary.BiasPrompt(opts.Language)
	}

	readers := []io.ReadCloser{io.NopCloser(audio)}
	if len(tracks) > 1 {
		readers = readers[:0]
		for _, tr := range Tee(ctx, audio, len(tracks), opts.TeeBuffer, opts.Logger.WithStream(opts.Stream)) {
			readers = append(readers, tr)
		}
	}

	producers := make([]*Producer, 0, len(tracks))
	for i, track := range tracks {
		req := Request{
			Task:      TaskFor(track),
			Language:  opts.Language,
			Output:    opts.Language,
			Prompt:    prompt,
			Model:     opts.Model,
			BeamSize:  opts.BeamSize,
			VADFilter: opts.VADFilter,
			Track:     track,
		}
		if track == models.TrackTranslated {
			req.Output = opts.TargetLanguage
		}

		s, err := engine.Stream(ctx, readers[i], req)
		if err != nil {
			for _, r := range readers {
				r.Close()
			}
			return nil, fmt.Errorf("failed to start %s pass: %w", track, err)
		}
		producers = append(producers, NewProducer(opts.Stream, track, req.Output, s, readers[i], opts.Logger))
	}

	return producers, nil
}

// SourceOffsetter is implemented by readers that know where in the
// original audio their last byte came from. Engines use it to keep
// timestamps on the source timeline when a reader skipped audio.
type SourceOffsetter interface {
	SourceOffset() int64
}

type teeChunk struct {
	pos  int64
	data []byte
}

// TeeReader is one output of Tee
type TeeReader struct {
	ch      <-chan teeChunk
	done    chan struct{}
	once    sync.Once
	cur     []byte
	pos     int64
	dropped atomic.Int64
}

func (r *TeeReader) Read(p []byte) (int, error) {
	if len(r.cur) == 0 {
		select {
		case c, ok := <-r.ch:
			if !ok {
				return 0, io.EOF
			}
			r.cur, r.pos = c.data, c.pos
		case <-r.done:
			return 0, io.ErrClosedPipe
		}
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	r.pos += int64(n)
	return n, nil
}

// SourceOffset returns the source byte offset just past the last byte read
func (r *TeeReader) SourceOffset() int64 {
	return r.pos
}

// Dropped returns how many source bytes never reached this reader
func (r *TeeReader) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops delivery to this reader
func (r *TeeReader) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

// Tee splits r into n readers. Each reader is fed through its own bounded
// chunk buffer; when a reader falls behind, chunks for it are dropped and
// the others keep flowing. Chunks are always a whole number of s16 samples
// and carry their source offset, so a reader that skipped audio still knows
// where it is on the source timeline.
func Tee(ctx context.Context, r io.Reader, n, buffer int, logger *logging.Logger) []*TeeReader {
	if buffer <= 0 {
		buffer = defaultTeeSize
	}

	chans := make([]chan teeChunk, n)
	readers := make([]*TeeReader, n)
	for i := range chans {
		chans[i] = make(chan teeChunk, buffer)
		readers[i] = &TeeReader{ch: chans[i], done: make(chan struct{})}
	}

	go func() {
		var readErr error
		defer func() {
			for _, ch := range chans {
				close(ch)
			}
			if readErr != nil && !errors.Is(readErr, io.EOF) {
				logger.WarnWithErr("Audio tee stopped", readErr)
			}
		}()

		var pos int64
		var carry []byte
		for {
			if ctx.Err() != nil {
				readErr = ctx.Err()
				return
			}
			buf := make([]byte, teeChunkSize)
			held := copy(buf, carry)
			nr, err := r.Read(buf[held:])
			total := held + nr

			// Hold back an odd trailing byte so every chunk is sample aligned.
			even := total &^ 1
			carry = append(carry[:0], buf[even:total]...)

			if even > 0 {
				chunk := teeChunk{pos: pos, data: buf[:even]}
				pos += int64(even)
				for i, ch := range chans {
					select {
					case ch <- chunk:
					default:
						readers[i].dropped.Add(int64(even))
						metrics.RecordError("source", "tee_overflow")
						logger.Debugf("Dropped audio chunk for pass %d", i)
					}
				}
			}
			if err != nil {
				readErr = err
				return
			}
		}
	}()

	return readers
}
