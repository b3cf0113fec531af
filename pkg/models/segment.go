package models

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Track identifies which caption track a segment belongs to
type Track string

// Track constants
const (
	TrackOriginal   Track = "ORIGINAL"   // Source-language transcription
	TrackTranslated Track = "TRANSLATED" // Translation into the target language
)

// Valid reports whether t is a known track
func (t Track) Valid() bool {
	return t == TrackOriginal || t == TrackTranslated
}

// Mode selects which tracks a segment source produces
type Mode string

// Mode constants
const (
	ModeTranslateOnly  Mode = "TRANSLATE_ONLY"
	ModeTranscribeOnly Mode = "TRANSCRIBE_ONLY"
	ModeBoth           Mode = "BOTH"
)

// Tracks returns the tracks requested by the mode
func (m Mode) Tracks() []Track {
	switch m {
	case ModeTranslateOnly:
		return []Track{TrackTranslated}
	case ModeTranscribeOnly:
		return []Track{TrackOriginal}
	case ModeBoth:
		return []Track{TrackOriginal, TrackTranslated}
	default:
		return nil
	}
}

// ParseMode parses a mode name, accepting lower case and dashes
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	if m.Tracks() == nil {
		return "", fmt.Errorf("unknown mode %q", s)
	}
	return m, nil
}

// Segment is one timed unit of caption text
type Segment struct {
	ID       string  `json:"id,omitempty"`
	Stream   string  `json:"stream,omitempty"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Text     string  `json:"text"`
	Track    Track   `json:"track"`
	Language string  `json:"language,omitempty"`
}

// Segment validation errors
var (
	ErrInvalidTiming = errors.New("segment end must be after start")
	ErrNegativeStart = errors.New("segment start must not be negative")
	ErrEmptyText     = errors.New("segment text is empty")
	ErrInvalidText   = errors.New("segment text is not valid UTF-8")
	ErrUnknownTrack  = errors.New("segment track is unknown")
)

// Validate checks the segment invariants
func (s Segment) Validate() error {
	if s.Start < 0 {
		return ErrNegativeStart
	}
	if s.End <= s.Start {
		return ErrInvalidTiming
	}
	if !utf8.ValidString(s.Text) {
		return ErrInvalidText
	}
	if strings.TrimSpace(s.Text) == "" {
		return ErrEmptyText
	}
	if !s.Track.Valid() {
		return ErrUnknownTrack
	}
	return nil
}

// Duration returns the segment length in seconds
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// Overlaps reports whether the segment is active at any point in [start, end)
func (s Segment) Overlaps(start, end float64) bool {
	return s.Start < end && s.End > start
}
