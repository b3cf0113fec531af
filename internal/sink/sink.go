// Package sink implements the caption outputs a router delivers to.
package sink

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/therealutkarshpriyadarshi/livevtt/internal/config"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/logging"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/media"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

// Outcome is the result of a successful Accept call
type Outcome int

// Outcome constants
const (
	OutcomeDelivered Outcome = iota
	OutcomeSkipped           // track not consumed by this sink
	OutcomeAbsent            // receiver does not know the stream
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

// ErrEncoderBusy is returned when the hard-subtitle encoder queue is full
var ErrEncoderBusy = errors.New("hardsub encoder queue is full")

// ErrClosed is returned by Accept after Close
var ErrClosed = errors.New("sink is closed")

// StatusError is an unexpected HTTP status from a remote receiver
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Sink is a caption output
type Sink interface {
	Kind() models.SinkKind
	Target() string
	Accept(ctx context.Context, seg models.Segment) (Outcome, error)
	// Probe checks whether a failed sink can take deliveries again.
	Probe(ctx context.Context) error
	Close(ctx context.Context) error
}

// Name returns the label used for a sink in logs and metrics
func Name(s Sink) string {
	return string(s.Kind()) + ":" + s.Target()
}

// trackSet is an optional track allow-list; empty allows every track
type trackSet []models.Track

func (t trackSet) allows(track models.Track) bool {
	if len(t) == 0 {
		return true
	}
	for _, allowed := range t {
		if allowed == track {
			return true
		}
	}
	return false
}

// Deps holds what Build needs to construct sinks
type Deps struct {
	Config *config.Config
	FFmpeg *media.FFmpeg
	// Source is the stream's media input, cut into chunks by hard-sub sinks
	Source string
	Logger *logging.Logger
}

// Build constructs the sink described by spec for stream
func Build(stream string, spec models.SinkSpec, deps Deps) (Sink, error) {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	for _, track := range spec.Tracks {
		if !track.Valid() {
			return nil, fmt.Errorf("sink %s: unknown track %q", spec.Kind, track)
		}
	}

	switch models.SinkKind(strings.ToLower(string(spec.Kind))) {
	case models.SinkKindHLS:
		target := spec.Target
		if target == "" {
			target = stream
		}
		return NewHLSSink(target, spec.Tracks, cfg.HLS), nil

	case models.SinkKindHardSub:
		hs := cfg.HardSub
		if len(spec.Tracks) > 0 {
			hs.Track = string(spec.Tracks[0])
		}
		target := spec.Target
		if target == "" {
			target = hs.WorkDir
		}
		return NewHardSubSink(HardSubOptions{
			WorkDir: filepath.Join(target, stream),
			Source:  deps.Source,
			FFmpeg:  deps.FFmpeg,
		}, hs, logger.WithStream(stream)), nil

	case models.SinkKindRemote:
		if spec.Target == "" {
			return nil, errors.New("remote sink requires a target endpoint")
		}
		return NewRemoteSink(RemoteOptions{
			Endpoint: spec.Target,
			Stream:   stream,
			Tracks:   spec.Tracks,
			Username: spec.Username,
			Password: spec.Password,
		}, cfg.Remote, logger.WithStream(stream)), nil

	default:
		return nil, fmt.Errorf("unknown sink kind %q", spec.Kind)
	}
}
