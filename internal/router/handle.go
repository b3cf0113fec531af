package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/livevtt/internal/logging"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/metrics"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/sink"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

var errQueueFull = errors.New("sink queue is full")

var healthStates = []models.HealthState{models.HealthHealthy, models.HealthDegraded, models.HealthFailed}

func healthCode(h models.HealthState) int32 {
	for i, s := range healthStates {
		if s == h {
			return int32(i)
		}
	}
	return 0
}

// SinkHandle owns one sink inside a router: its bounded queue, its
// delivery worker and its health
type SinkHandle struct {
	sink   sink.Sink
	name   string
	stream string
	opts   Options
	logger *logging.Logger

	mu        sync.Mutex
	queue     []models.Segment
	closed    bool
	notify    chan struct{}
	inputDone chan struct{}
	done      chan struct{}

	health     atomic.Int32
	overflowed atomic.Bool
	failures   atomic.Int32
	delivered  atomic.Uint64
	dropped    atomic.Uint64
	failed     atomic.Uint64
	absent     atomic.Uint64
	lastErr    atomic.Value
	lastChange atomic.Int64
}

func newSinkHandle(stream string, s sink.Sink, opts Options, logger *logging.Logger) *SinkHandle {
	h := &SinkHandle{
		sink:      s,
		name:      sink.Name(s),
		stream:    stream,
		opts:      opts,
		logger:    logger.WithSink(string(s.Kind()), s.Target()),
		queue:     make([]models.Segment, 0, opts.QueueCapacity),
		notify:    make(chan struct{}, 1),
		inputDone: make(chan struct{}),
		done:      make(chan struct{}),
	}
	h.lastChange.Store(time.Now().UnixNano())
	metrics.UpdateSinkHealth(stream, h.name, models.HealthHealthy.Gauge())
	return h
}

// Sink returns the wrapped sink
func (h *SinkHandle) Sink() sink.Sink {
	return h.sink
}

// Health returns the current health state
func (h *SinkHandle) Health() models.HealthState {
	return healthStates[h.health.Load()]
}

// Len returns the number of queued segments
func (h *SinkHandle) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// Status returns a point-in-time view of the handle
func (h *SinkHandle) Status() models.SinkStatus {
	st := models.SinkStatus{
		Kind:                h.sink.Kind(),
		Target:              h.sink.Target(),
		Health:              h.Health(),
		QueueDepth:          h.Len(),
		QueueCapacity:       h.opts.QueueCapacity,
		ConsecutiveFailures: int(h.failures.Load()),
		Delivered:           h.delivered.Load(),
		Dropped:             h.dropped.Load(),
		Failed:              h.failed.Load(),
		Absent:              h.absent.Load(),
		LastChange:          time.Unix(0, h.lastChange.Load()),
	}
	if v, ok := h.lastErr.Load().(string); ok {
		st.LastError = v
	}
	return st
}

// enqueue appends seg without blocking. When the queue is full the
// incoming segment is dropped and the queued ones are kept; the worker
// marks the sink DEGRADED when it next looks at the queue.
func (h *SinkHandle) enqueue(seg models.Segment) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	if len(h.queue) >= h.opts.QueueCapacity {
		h.mu.Unlock()
		h.dropped.Add(1)
		metrics.RecordSinkDrop(h.stream, h.name, "queue_full")
		h.overflowed.Store(true)
		return false
	}
	h.queue = append(h.queue, seg)
	depth := len(h.queue)
	h.mu.Unlock()

	metrics.UpdateSinkQueueDepth(h.stream, h.name, depth)
	select {
	case h.notify <- struct{}{}:
	default:
	}
	return true
}

// closeInput stops accepting segments; the worker exits once the queue
// is empty
func (h *SinkHandle) closeInput() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.inputDone)
}

// pop waits for the next queued segment
func (h *SinkHandle) pop(ctx context.Context) (models.Segment, bool) {
	for {
		h.mu.Lock()
		if len(h.queue) > 0 {
			seg := h.queue[0]
			h.queue[0] = models.Segment{}
			h.queue = h.queue[1:]
			depth := len(h.queue)
			h.mu.Unlock()
			metrics.UpdateSinkQueueDepth(h.stream, h.name, depth)
			return seg, true
		}
		closed := h.closed
		h.mu.Unlock()

		if closed {
			return models.Segment{}, false
		}

		select {
		case <-h.notify:
		case <-h.inputDone:
		case <-ctx.Done():
			return models.Segment{}, false
		}
	}
}

// discard empties the queue, counting the discarded segments as dropped
func (h *SinkHandle) discard() {
	h.mu.Lock()
	n := len(h.queue)
	h.queue = h.queue[:0]
	h.mu.Unlock()

	if n > 0 {
		h.dropped.Add(uint64(n))
		for i := 0; i < n; i++ {
			metrics.RecordSinkDrop(h.stream, h.name, "sink_failed")
		}
		metrics.UpdateSinkQueueDepth(h.stream, h.name, 0)
	}
}

// run is the delivery worker. It delivers queued segments in FIFO order
// and, while the sink is FAILED, probes it every recovery backoff.
func (h *SinkHandle) run(ctx context.Context) {
	defer close(h.done)

	for {
		if ctx.Err() != nil {
			h.discard()
			return
		}
		if h.Health() == models.HealthFailed {
			if !h.recover(ctx) {
				h.discard()
				return
			}
			continue
		}
		if h.overflowed.Swap(false) {
			h.transition(models.HealthHealthy, models.HealthDegraded, errQueueFull)
		}

		seg, ok := h.pop(ctx)
		if !ok {
			return
		}
		h.deliver(ctx, seg)
	}
}

func (h *SinkHandle) deliver(ctx context.Context, seg models.Segment) {
	dctx, cancel := context.WithTimeout(ctx, h.opts.DeliveryTimeout)
	started := time.Now()
	outcome, err := h.sink.Accept(dctx, seg)
	cancel()
	elapsed := time.Since(started).Seconds()

	kind := string(h.sink.Kind())

	if err != nil {
		h.failed.Add(1)
		h.lastErr.Store(err.Error())
		metrics.RecordSinkDelivery(h.stream, h.name, kind, "failed", elapsed)

		n := h.failures.Add(1)
		h.logger.WithField("consecutive_failures", n).WarnWithErr("Sink delivery failed", err)

		if int(n) >= h.opts.FailureThreshold {
			h.setHealth(models.HealthFailed, err)
			h.discard()
			return
		}
		h.transition(models.HealthHealthy, models.HealthDegraded, err)
		return
	}

	switch outcome {
	case sink.OutcomeDelivered:
		h.failures.Store(0)
		h.delivered.Add(1)
		metrics.RecordSinkDelivery(h.stream, h.name, kind, "delivered", elapsed)
		if h.Health() == models.HealthDegraded && h.Len() < h.opts.QueueCapacity/2 {
			h.transition(models.HealthDegraded, models.HealthHealthy, nil)
		}
	case sink.OutcomeAbsent:
		h.absent.Add(1)
		metrics.RecordSinkDelivery(h.stream, h.name, kind, "absent", elapsed)
		h.logger.Debugf("Receiver does not know stream %s, segment %s not shown", h.stream, seg.ID)
	case sink.OutcomeSkipped:
	}
}

// recover probes a FAILED sink until it answers, the input closes or ctx
// is done. It reports whether the worker should keep running.
func (h *SinkHandle) recover(ctx context.Context) bool {
	h.discard()

	timer := time.NewTimer(h.opts.RecoveryBackoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-h.inputDone:
		return false
	case <-timer.C:
	}

	pctx, cancel := context.WithTimeout(ctx, h.opts.DeliveryTimeout)
	err := h.sink.Probe(pctx)
	cancel()

	if err != nil {
		h.lastErr.Store(err.Error())
		h.logger.Debugf("Recovery probe failed: %v", err)
		return true
	}

	h.failures.Store(0)
	h.overflowed.Store(false)
	h.setHealth(models.HealthHealthy, nil)
	return true
}

// transition moves from one state to another only if the handle is in
// the from state
func (h *SinkHandle) transition(from, to models.HealthState, err error) {
	if h.health.CompareAndSwap(healthCode(from), healthCode(to)) {
		h.changed(from, to, err)
	}
}

func (h *SinkHandle) setHealth(to models.HealthState, err error) {
	from := healthStates[h.health.Swap(healthCode(to))]
	if from != to {
		h.changed(from, to, err)
	}
}

func (h *SinkHandle) changed(from, to models.HealthState, err error) {
	h.lastChange.Store(time.Now().UnixNano())
	metrics.UpdateSinkHealth(h.stream, h.name, to.Gauge())
	h.logger.LogSinkTransition(h.stream, string(h.sink.Kind()), h.sink.Target(), string(from), string(to), err)
}
