package source

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

// Step is one scripted engine result: a segment, or an error when Err is
// set. Delay is waited before the result is returned.
type Step struct {
	Segment models.Segment
	Err     error
	Delay   time.Duration
}

// StaticEngine replays fixed results per task. It is used for replaying
// recorded captions and in tests.
type StaticEngine struct {
	mu       sync.Mutex
	steps    map[Task][]Step
	duration float64
	err      error
	requests []Request
}

// NewStaticEngine creates an engine replaying segments per task
func NewStaticEngine(segments map[Task][]models.Segment) *StaticEngine {
	e := &StaticEngine{steps: make(map[Task][]Step)}
	for task, segs := range segments {
		for _, seg := range segs {
			e.steps[task] = append(e.steps[task], Step{Segment: seg})
			if seg.End > e.duration {
				e.duration = seg.End
			}
		}
	}
	return e
}

// Script replaces the results of task
func (e *StaticEngine) Script(task Task, steps ...Step) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps[task] = steps
}

// FailWith makes every following Transcribe and Stream call fail
func (e *StaticEngine) FailWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// Requests returns the requests received so far
func (e *StaticEngine) Requests() []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Request, len(e.requests))
	copy(out, e.requests)
	return out
}

// Calls returns the number of passes started
func (e *StaticEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func (e *StaticEngine) begin(req Request) ([]Step, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	if e.err != nil {
		return nil, e.err
	}
	steps := make([]Step, len(e.steps[req.Task]))
	copy(steps, e.steps[req.Task])
	return steps, nil
}

// Transcribe returns the scripted segments of req.Task, skipping errors
func (e *StaticEngine) Transcribe(ctx context.Context, audioPath string, req Request) ([]models.Segment, float64, error) {
	steps, err := e.begin(req)
	if err != nil {
		return nil, 0, err
	}
	var segs []models.Segment
	for _, st := range steps {
		if st.Err != nil {
			continue
		}
		seg := st.Segment
		seg.Track = req.Track
		if seg.Language == "" {
			seg.Language = req.Output
		}
		segs = append(segs, seg)
	}
	return segs, e.duration, nil
}

// Stream replays the scripted steps of req.Task. The audio is drained in
// the background so a tee feeding it never backs up.
func (e *StaticEngine) Stream(ctx context.Context, audio io.Reader, req Request) (Stream, error) {
	steps, err := e.begin(req)
	if err != nil {
		return nil, err
	}
	if audio != nil {
		go io.Copy(io.Discard, audio)
	}
	return &staticStream{steps: steps}, nil
}

type staticStream struct {
	steps []Step
}

func (s *staticStream) Next(ctx context.Context) (models.Segment, error) {
	if len(s.steps) == 0 {
		return models.Segment{}, ErrEnd
	}
	st := s.steps[0]
	s.steps = s.steps[1:]

	if st.Delay > 0 {
		timer := time.NewTimer(st.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return models.Segment{}, ctx.Err()
		}
	}
	if st.Err != nil {
		return models.Segment{}, st.Err
	}
	return st.Segment, nil
}
