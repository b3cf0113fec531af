package sink

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/therealutkarshpriyadarshi/livevtt/internal/captionfmt"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/config"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ErrSegmentNotFound is returned for a text segment outside the buffer
var ErrSegmentNotFound = errors.New("text segment not buffered")

// timestampMap aligns cue times with the MPEG-TS clock of the video
const timestampMap = "X-TIMESTAMP-MAP=MPEGTS:0,LOCAL:00:00:00.000"

type hlsTrack struct {
	cues     []captionfmt.Cue
	language string
	newest   float64
}

// HLSSink buffers cues per track and serves them as an HLS WebVTT
// subtitle rendition
type HLSSink struct {
	target    string
	tracks    trackSet
	retention float64
	maxCues   int
	segDur    float64

	mu      sync.RWMutex
	byTrack map[models.Track]*hlsTrack
	closed  bool
}

// NewHLSSink creates an HLS text track sink
func NewHLSSink(target string, tracks []models.Track, cfg config.HLSConfig) *HLSSink {
	s := &HLSSink{
		target:    target,
		tracks:    tracks,
		retention: cfg.Retention.Seconds(),
		maxCues:   cfg.MaxCues,
		segDur:    cfg.SegmentDuration.Seconds(),
		byTrack:   make(map[models.Track]*hlsTrack),
	}
	if s.retention <= 0 {
		s.retention = 60
	}
	if s.maxCues <= 0 {
		s.maxCues = 512
	}
	if s.segDur <= 0 {
		s.segDur = 6
	}
	return s
}

// Kind returns the sink kind
func (s *HLSSink) Kind() models.SinkKind { return models.SinkKindHLS }

// Target returns the stream name the rendition is served under
func (s *HLSSink) Target() string { return s.target }

// Accept appends the segment to its track buffer. It never blocks on
// readers and prunes cues that fell out of the retention window.
func (s *HLSSink) Accept(ctx context.Context, seg models.Segment) (Outcome, error) {
	if !s.tracks.allows(seg.Track) {
		return OutcomeSkipped, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return OutcomeDelivered, ErrClosed
	}

	t, ok := s.byTrack[seg.Track]
	if !ok {
		t = &hlsTrack{}
		s.byTrack[seg.Track] = t
	}
	if seg.Language != "" {
		t.language = seg.Language
	}

	t.cues = append(t.cues, captionfmt.Cue{Start: seg.Start, End: seg.End, Text: seg.Text})
	if seg.End > t.newest {
		t.newest = seg.End
	}

	cutoff := t.newest - s.retention
	drop := 0
	for drop < len(t.cues) && t.cues[drop].End < cutoff {
		drop++
	}
	if over := len(t.cues) - drop - s.maxCues; over > 0 {
		drop += over
	}
	if drop > 0 {
		t.cues = append(t.cues[:0:0], t.cues[drop:]...)
	}

	return OutcomeDelivered, nil
}

// Probe always succeeds; the buffer has no external dependency
func (s *HLSSink) Probe(ctx context.Context) error { return nil }

// Close ends the playlist
func (s *HLSSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Cues returns a copy of the buffered cues of track
func (s *HLSSink) Cues(track models.Track) []captionfmt.Cue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byTrack[track]
	if !ok {
		return nil
	}
	out := make([]captionfmt.Cue, len(t.cues))
	copy(out, t.cues)
	return out
}

// Language returns the language of the cues buffered for track
func (s *HLSSink) Language(track models.Track) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.byTrack[track]; ok {
		return t.language
	}
	return ""
}

// window returns the first and last segment sequence covering t
func (s *HLSSink) window(t *hlsTrack) (int, int, bool) {
	if t == nil || len(t.cues) == 0 {
		return 0, 0, false
	}
	first := int(math.Floor(t.cues[0].Start / s.segDur))
	last := int(math.Ceil(t.newest/s.segDur)) - 1
	if last < first {
		last = first
	}
	return first, last, true
}

// Playlist renders the media playlist of track
func (s *HLSSink) Playlist(track models.Track) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target := int(math.Ceil(s.segDur))
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", target)

	first, last, ok := s.window(s.byTrack[track])
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", first)
	if ok {
		for seq := first; seq <= last; seq++ {
			fmt.Fprintf(&b, "#EXTINF:%.3f,\n%d.vtt\n", s.segDur, seq)
		}
	}
	if s.closed {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

// SegmentVTT renders the cues of one playlist segment
func (s *HLSSink) SegmentVTT(track models.Track, seq int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.byTrack[track]
	first, last, ok := s.window(t)
	if !ok || seq < first || seq > last {
		return "", ErrSegmentNotFound
	}

	start := float64(seq) * s.segDur
	end := start + s.segDur
	var cues []captionfmt.Cue
	for _, c := range t.cues {
		if c.Start < end && c.End > start {
			cues = append(cues, c)
		}
	}
	return captionfmt.FormatVTTWithHeader(cues, timestampMap), nil
}

// MasterMedia returns the EXT-X-MEDIA line advertising track at uri
func (s *HLSSink) MasterMedia(track models.Track, uri string) string {
	lang := s.Language(track)
	name := captionfmt.DisplayName(lang)
	if name == "" {
		name = cases.Title(language.English).String(strings.ToLower(string(track)))
	}
	def := "NO"
	if track == models.TrackTranslated || len(s.tracks) == 1 {
		def = "YES"
	}
	return fmt.Sprintf(`#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="subs",NAME="%s",DEFAULT=%s,AUTOSELECT=%s,FORCED=NO,LANGUAGE="%s",URI="%s"`,
		name, def, def, lang, uri)
}
