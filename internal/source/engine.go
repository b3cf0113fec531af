// Package source turns audio into timed caption segments by driving an
// external speech recognition engine.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

// ErrEnd is returned by Next when the audio is exhausted
var ErrEnd = errors.New("source: end of stream")

// Task is the engine pass to run
type Task string

// Task constants
const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// TaskFor returns the engine task producing track
func TaskFor(track models.Track) Task {
	if track == models.TrackTranslated {
		return TaskTranslate
	}
	return TaskTranscribe
}

// Request configures one engine pass
type Request struct {
	Task      Task
	Language  string // source language, empty for auto-detect
	Output    string // language of the produced text
	Prompt    string // vocabulary bias, omitted when empty
	Model     string
	BeamSize  int
	VADFilter bool
	Track     models.Track
}

// Stream yields segments from one engine pass over live audio
type Stream interface {
	// Next returns the next segment, ErrEnd, a *TransientError or any
	// other error, which ends the pass.
	Next(ctx context.Context) (models.Segment, error)
}

// Engine is the speech recognition capability
type Engine interface {
	// Stream starts a pass over audio, which is mono s16le PCM.
	Stream(ctx context.Context, audio io.Reader, req Request) (Stream, error)
	// Transcribe runs a one-shot pass over an audio file and returns its
	// segments and the audio duration in seconds.
	Transcribe(ctx context.Context, audioPath string, req Request) ([]models.Segment, float64, error)
}

// TransientError is an engine failure limited to one window of audio
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient engine error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// FatalError ends a producer
type FatalError struct {
	Track models.Track
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s producer failed: %v", e.Track, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a *TransientError
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err is a *FatalError
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
