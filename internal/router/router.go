// Package router fans caption segments out from segment producers to the
// sinks of one stream.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/config"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/filter"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/logging"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/metrics"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/sink"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/source"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

// Router errors
var (
	ErrClosed         = errors.New("router is closed")
	ErrNotStarted     = errors.New("router is not started")
	ErrStreamExists   = errors.New("stream already open")
	ErrStreamNotFound = errors.New("stream not found")
)

// Options tunes a router
type Options struct {
	QueueCapacity    int
	FailureThreshold int
	RecoveryBackoff  time.Duration
	DeliveryTimeout  time.Duration
	DrainTimeout     time.Duration
	OverlapTolerance float64
	IngestBuffer     int
	Language         string
	Mode             models.Mode
}

// OptionsFromConfig builds router options from configuration
func OptionsFromConfig(cfg config.RouterConfig) Options {
	return Options{
		QueueCapacity:    cfg.QueueCapacity,
		FailureThreshold: cfg.FailureThreshold,
		RecoveryBackoff:  cfg.RecoveryBackoff,
		DeliveryTimeout:  cfg.DeliveryTimeout,
		DrainTimeout:     cfg.DrainTimeout,
		OverlapTolerance: cfg.OverlapTolerance,
		IngestBuffer:     cfg.IngestBuffer,
	}
}

func (o Options) withDefaults() Options {
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 64
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.RecoveryBackoff <= 0 {
		o.RecoveryBackoff = 10 * time.Second
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 5 * time.Second
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 5 * time.Second
	}
	if o.OverlapTolerance < 0 {
		o.OverlapTolerance = 0
	}
	if o.IngestBuffer <= 0 {
		o.IngestBuffer = 32
	}
	return o
}

type producerEnd struct {
	track models.Track
	err   error
}

// Router moves one stream through INIT, ACTIVE, DRAINING and CLOSED.
// A single dispatch goroutine validates, orders and filters segments and
// enqueues them on every sink handle that is not FAILED.
type Router struct {
	stream  string
	opts    Options
	filters *filter.Store
	logger  *logging.Logger

	mu        sync.RWMutex
	state     models.StreamState
	handles   []*SinkHandle
	startedAt time.Time
	injectEnd map[models.Track]float64

	segments chan models.Segment
	// held shared by Inject across its state check and send, so Stop can
	// wait out in-flight injections before the dispatch loop drains
	injecting sync.RWMutex
	ended     chan producerEnd
	stopping  chan struct{}
	loopDone  chan struct{}
	done      chan struct{}

	cancelProducers context.CancelFunc
	cancelWorkers   context.CancelFunc
	workerCtx       context.Context
	producers       int

	// owned by the dispatch goroutine
	lastEnd map[models.Track]float64

	ingested atomic.Uint64
	filtered atomic.Uint64
	rejected atomic.Uint64
}

// New creates a router in the INIT state. filters may be nil.
func New(stream string, opts Options, filters *filter.Store, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.Nop()
	}
	if filters == nil {
		filters = filter.NewStore(filter.Empty)
	}
	opts = opts.withDefaults()

	return &Router{
		stream:    stream,
		opts:      opts,
		filters:   filters,
		logger:    logger.WithStream(stream),
		state:     models.StreamStateInit,
		injectEnd: make(map[models.Track]float64),
		segments:  make(chan models.Segment, opts.IngestBuffer),
		stopping:  make(chan struct{}),
		loopDone:  make(chan struct{}),
		done:      make(chan struct{}),
		lastEnd:   make(map[models.Track]float64),
	}
}

// Stream returns the stream name
func (r *Router) Stream() string {
	return r.stream
}

// Language returns the caption language of track on this stream, or ""
// when the stream has no language configured
func (r *Router) Language(track models.Track) string {
	if track == models.TrackTranslated {
		return "en"
	}
	return r.opts.Language
}

// State returns the lifecycle state
func (r *Router) State() models.StreamState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Done is closed once the router reaches CLOSED
func (r *Router) Done() <-chan struct{} {
	return r.done
}

// AddSink registers a sink. Sinks added while ACTIVE start receiving
// segments immediately.
func (r *Router) AddSink(s sink.Sink) (*SinkHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case models.StreamStateDraining, models.StreamStateClosed:
		return nil, ErrClosed
	}

	name := sink.Name(s)
	for _, h := range r.handles {
		if h.name == name {
			return nil, fmt.Errorf("sink %s already registered on %s", name, r.stream)
		}
	}

	h := newSinkHandle(r.stream, s, r.opts, r.logger)
	r.handles = append(r.handles, h)
	if r.state == models.StreamStateActive {
		go h.run(r.workerCtx)
	}
	r.logger.Infof("Registered sink %s", name)
	return h, nil
}

// Start moves the router to ACTIVE and starts one goroutine per producer.
// A router started without producers only carries injected segments.
func (r *Router) Start(ctx context.Context, producers ...*source.Producer) error {
	r.mu.Lock()
	if r.state != models.StreamStateInit {
		r.mu.Unlock()
		return fmt.Errorf("cannot start router in state %s", r.state)
	}

	pctx, cancelProducers := context.WithCancel(context.Background())
	wctx, cancelWorkers := context.WithCancel(context.Background())
	r.cancelProducers = cancelProducers
	r.cancelWorkers = cancelWorkers
	r.workerCtx = wctx
	r.producers = len(producers)
	r.ended = make(chan producerEnd, len(producers))
	r.startedAt = time.Now()
	r.state = models.StreamStateActive

	for _, h := range r.handles {
		go h.run(wctx)
	}
	r.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			cancelProducers()
		case <-pctx.Done():
		}
	}()

	go r.dispatch()

	for _, p := range producers {
		go func(p *source.Producer) {
			err := p.Run(pctx, r.segments)
			r.ended <- producerEnd{track: p.Track(), err: err}
		}(p)
	}

	metrics.ActiveStreams.Inc()
	r.logger.Infof("Router active with %d producers and %d sinks", len(producers), len(r.handles))
	return nil
}

// Inject queues a segment from outside the producers, such as a caption
// posted to the bridge
func (r *Router) Inject(ctx context.Context, seg models.Segment) error {
	r.injecting.RLock()
	defer r.injecting.RUnlock()

	switch r.State() {
	case models.StreamStateInit:
		return ErrNotStarted
	case models.StreamStateDraining, models.StreamStateClosed:
		return ErrClosed
	}
	if seg.ID == "" {
		seg.ID = uuid.New().String()
	}
	seg.Stream = r.stream

	select {
	case r.segments <- seg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectText times text on the stream clock and injects it. Consecutive
// injections on a track never overlap.
func (r *Router) InjectText(ctx context.Context, track models.Track, language, text string, duration time.Duration) (models.Segment, error) {
	r.mu.Lock()
	if r.state != models.StreamStateActive {
		state := r.state
		r.mu.Unlock()
		if state == models.StreamStateInit {
			return models.Segment{}, ErrNotStarted
		}
		return models.Segment{}, ErrClosed
	}
	start := time.Since(r.startedAt).Seconds()
	if prev := r.injectEnd[track]; prev > start {
		start = prev
	}
	end := start + duration.Seconds()
	r.injectEnd[track] = end
	r.mu.Unlock()

	if language == "" {
		language = r.opts.Language
	}
	seg := models.Segment{Start: start, End: end, Text: text, Track: track, Language: language}
	if err := seg.Validate(); err != nil {
		return seg, err
	}
	return seg, r.Inject(ctx, seg)
}

// Clock returns seconds since the router started
func (r *Router) Clock() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.startedAt.IsZero() {
		return 0
	}
	return time.Since(r.startedAt).Seconds()
}

func (r *Router) dispatch() {
	defer close(r.loopDone)

	live := r.producers
	for {
		select {
		case seg := <-r.segments:
			r.route(seg)

		case end := <-r.ended:
			live--
			r.producerEnded(end)
			if live == 0 {
				r.logger.Info("All producers ended, draining router")
				go r.Stop(context.Background())
			}

		case <-r.stopping:
			for {
				select {
				case seg := <-r.segments:
					r.route(seg)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) producerEnded(end producerEnd) {
	reason := "end"
	switch {
	case end.err == nil:
		r.logger.WithTrack(string(end.track)).Info("Producer finished")
	case errors.Is(end.err, context.Canceled):
		reason = "cancelled"
	default:
		reason = "fatal"
		metrics.RecordError("router", "producer_fatal")
		r.logger.WithTrack(string(end.track)).ErrorWithErr("Producer failed", end.err)
	}
	metrics.ProducerTerminationsTotal.WithLabelValues(r.stream, string(end.track), reason).Inc()
}

func (r *Router) route(seg models.Segment) {
	if err := seg.Validate(); err != nil {
		r.rejected.Add(1)
		metrics.RecordSegmentRejected(r.stream, rejectReason(err))
		r.logger.Debugf("Rejected segment %s: %v", seg.ID, err)
		return
	}

	track := string(seg.Track)
	if last, ok := r.lastEnd[seg.Track]; ok && seg.Start < last {
		metrics.SegmentsOutOfOrderTotal.WithLabelValues(r.stream, track).Inc()
		if seg.Start < last-r.opts.OverlapTolerance {
			r.rejected.Add(1)
			metrics.RecordSegmentRejected(r.stream, "out_of_order")
			r.logger.LogSegmentEvent(r.stream, track, "dropped_out_of_order", seg.Start, seg.End)
			return
		}
		r.logger.LogSegmentEvent(r.stream, track, "overlap_within_tolerance", seg.Start, seg.End)
	}
	if seg.End > r.lastEnd[seg.Track] {
		r.lastEnd[seg.Track] = seg.End
	}

	r.ingested.Add(1)
	metrics.RecordSegmentIngested(r.stream, track)

	if phrase, ok := r.filters.Snapshot().Match(seg.Language, seg.Text); ok {
		r.filtered.Add(1)
		metrics.RecordSegmentFiltered(r.stream, seg.Language)
		r.logger.Debugf("Filtered segment %s matching %q", seg.ID, phrase)
		return
	}

	r.mu.RLock()
	handles := r.handles
	r.mu.RUnlock()

	for _, h := range handles {
		if h.Health() == models.HealthFailed {
			continue
		}
		h.enqueue(seg)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidTiming), errors.Is(err, models.ErrNegativeStart):
		return "invalid_timing"
	case errors.Is(err, models.ErrEmptyText):
		return "empty_text"
	case errors.Is(err, models.ErrInvalidText):
		return "invalid_text"
	case errors.Is(err, models.ErrUnknownTrack):
		return "unknown_track"
	default:
		return "invalid"
	}
}

// Stop drains the router: producers are cancelled, sink queues stop taking
// input and workers get the drain timeout to flush before they are
// cancelled. Every sink is closed before the router reaches CLOSED.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case models.StreamStateInit:
		r.state = models.StreamStateClosed
		handles := r.handles
		r.mu.Unlock()
		r.closeSinks(ctx, handles)
		close(r.done)
		return nil
	case models.StreamStateDraining, models.StreamStateClosed:
		r.mu.Unlock()
		select {
		case <-r.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.state = models.StreamStateDraining
	handles := r.handles
	r.mu.Unlock()

	r.logger.Info("Draining router")
	r.cancelProducers()
	r.injecting.Lock()
	// wait for Inject calls that already saw ACTIVE
	r.injecting.Unlock()
	close(r.stopping)
	<-r.loopDone

	for _, h := range handles {
		h.closeInput()
	}

	drainCtx, cancel := context.WithTimeout(ctx, r.opts.DrainTimeout)
	forced := !waitHandles(drainCtx, handles)
	cancel()
	if forced {
		r.logger.Warn("Drain timeout reached, cancelling sink workers")
	}
	r.cancelWorkers()
	for _, h := range handles {
		<-h.done
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), r.opts.DrainTimeout)
	r.closeSinks(closeCtx, handles)
	cancelClose()

	r.mu.Lock()
	r.state = models.StreamStateClosed
	r.mu.Unlock()
	metrics.ActiveStreams.Dec()
	close(r.done)

	r.logger.Info("Router closed")
	if forced {
		return fmt.Errorf("router %s: drain timed out, undelivered segments discarded", r.stream)
	}
	return nil
}

func (r *Router) closeSinks(ctx context.Context, handles []*SinkHandle) {
	for _, h := range handles {
		if err := h.sink.Close(ctx); err != nil {
			h.logger.WarnWithErr("Failed to close sink", err)
		}
		metrics.ForgetSink(r.stream, h.name)
	}
}

func waitHandles(ctx context.Context, handles []*SinkHandle) bool {
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// Sinks returns the status of every sink handle
func (r *Router) Sinks() []models.SinkStatus {
	r.mu.RLock()
	handles := r.handles
	r.mu.RUnlock()

	out := make([]models.SinkStatus, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Status())
	}
	return out
}

// Handles returns the sink handles in registration order
func (r *Router) Handles() []*SinkHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*SinkHandle, len(r.handles))
	copy(out, r.handles)
	return out
}

// HLS returns the first HLS text track sink of the stream, or nil
func (r *Router) HLS() *sink.HLSSink {
	for _, h := range r.Handles() {
		if hls, ok := h.sink.(*sink.HLSSink); ok {
			return hls
		}
	}
	return nil
}

// Stats returns a point-in-time view of the router
func (r *Router) Stats() models.StreamStatus {
	r.mu.RLock()
	status := models.StreamStatus{
		Stream:    r.stream,
		State:     r.state,
		Language:  r.opts.Language,
		Mode:      r.opts.Mode,
		StartedAt: r.startedAt,
	}
	r.mu.RUnlock()

	status.Ingested = r.ingested.Load()
	status.Filtered = r.filtered.Load()
	status.Sinks = r.Sinks()
	return status
}
