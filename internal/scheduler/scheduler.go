// Package scheduler orders archive jobs and drives periodic archive runs.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/livevtt/internal/logging"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

// Runner processes up to limit pending archive files and reports how many
// it attempted
type Runner interface {
	RunBatch(ctx context.Context, limit int) (int, error)
}

// Scheduler runs archive batches on a fixed interval
type Scheduler struct {
	runner    Runner
	interval  time.Duration
	batchSize int
	logger    *logging.Logger

	mu        sync.RWMutex
	cycles    int
	processed int
	lastRun   time.Time
	lastErr   error
}

// Stats describes the scheduler's progress
type Stats struct {
	Cycles    int       `json:"cycles"`
	Processed int       `json:"processed"`
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
}

// NewScheduler creates a new scheduler. A batch size of zero processes
// every pending file each cycle.
func NewScheduler(runner Runner, interval time.Duration, batchSize int, logger *logging.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Scheduler{
		runner:    runner,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run starts a cycle immediately and then every interval until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Infof("Archive scheduler started (interval %v, batch %d)", s.interval, s.batchSize)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.RunOnce(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("Archive scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce runs a single archive batch
func (s *Scheduler) RunOnce(ctx context.Context) error {
	n, err := s.runner.RunBatch(ctx, s.batchSize)

	s.mu.Lock()
	s.cycles++
	s.processed += n
	s.lastRun = time.Now()
	s.lastErr = err
	s.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		s.logger.ErrorWithErr("Archive cycle failed", err)
		return err
	}
	if n > 0 {
		s.logger.Infof("Archive cycle processed %d files", n)
	} else {
		s.logger.Debug("Archive cycle found nothing to do")
	}
	return err
}

// Stats returns the scheduler's progress
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Cycles: s.cycles, Processed: s.processed, LastRun: s.lastRun}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Order returns jobs highest priority first, keeping discovery order for
// equal priorities
func Order(items []*QueueItem) []*models.ArchiveJob {
	pq := make(PriorityQueue, 0, len(items))
	heap.Init(&pq)
	for i, item := range items {
		item.Seq = i
		heap.Push(&pq, item)
	}

	jobs := make([]*models.ArchiveJob, 0, len(items))
	for pq.Len() > 0 {
		jobs = append(jobs, heap.Pop(&pq).(*QueueItem).Job)
	}
	return jobs
}

// PriorityQueue implements a priority queue for archive jobs
type PriorityQueue []*QueueItem

// QueueItem represents a job in the priority queue
type QueueItem struct {
	Job      *models.ArchiveJob
	Priority int64 // recording time in unix seconds, newest first
	Seq      int
	Index    int
}

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	// Higher priority first
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority > pq[j].Priority
	}
	// If same priority, FIFO
	return pq[i].Seq < pq[j].Seq
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].Index = i
	pq[j].Index = j
}

func (pq *PriorityQueue) Push(x interface{}) {
	n := len(*pq)
	item := x.(*QueueItem)
	item.Index = n
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	*pq = old[0 : n-1]
	return item
}
