// Package captionfmt serializes and parses the caption file formats the
// service reads and writes: WebVTT, SRT, bilingual TTML and SMIL manifests.
package captionfmt

import (
	"bufio"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

// Cue is one timed caption
type Cue struct {
	Start float64
	End   float64
	Text  string
}

// CuesFromSegments converts segments to cues, preserving order
func CuesFromSegments(segments []models.Segment) []Cue {
	cues := make([]Cue, 0, len(segments))
	for _, s := range segments {
		cues = append(cues, Cue{Start: s.Start, End: s.End, Text: s.Text})
	}
	return cues
}

// SkipFunc reports whether a cue's text must be omitted from output
type SkipFunc func(text string) bool

// millis converts seconds to whole milliseconds, truncating sub-millisecond
// fractions. The epsilon absorbs float error so that a value parsed from
// "00:00:01.005" formats back to the same text.
func millis(seconds float64) int64 {
	if seconds < 0 {
		seconds = 0
	}
	return int64(math.Floor(seconds*1000 + 1e-6))
}

func formatClock(seconds float64, sep byte) string {
	total := millis(seconds)
	hours := total / 3_600_000
	total %= 3_600_000
	minutes := total / 60_000
	total %= 60_000
	secs := total / 1000
	ms := total % 1000
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", hours, minutes, secs, sep, ms)
}

// FormatTimestamp renders seconds as HH:MM:SS.mmm
func FormatTimestamp(seconds float64) string {
	return formatClock(seconds, '.')
}

// ParseTimestamp parses [HH:]MM:SS[.mmm]; a comma separator is also accepted
func ParseTimestamp(ts string) (float64, error) {
	ts = strings.TrimSpace(strings.Replace(ts, ",", ".", 1))
	parts := strings.Split(ts, ":")

	var hours, minutes int
	var secPart string
	var err error
	switch len(parts) {
	case 3:
		if hours, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("invalid hours in %q", ts)
		}
		if minutes, err = strconv.Atoi(parts[1]); err != nil {
			return 0, fmt.Errorf("invalid minutes in %q", ts)
		}
		secPart = parts[2]
	case 2:
		if minutes, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("invalid minutes in %q", ts)
		}
		secPart = parts[1]
	default:
		return 0, fmt.Errorf("invalid timestamp %q", ts)
	}

	secs, frac, _ := strings.Cut(secPart, ".")
	s, err := strconv.Atoi(secs)
	if err != nil {
		return 0, fmt.Errorf("invalid seconds in %q", ts)
	}
	ms := 0
	if frac != "" {
		// Normalize the fraction to exactly three digits.
		frac = (frac + "000")[:3]
		if ms, err = strconv.Atoi(frac); err != nil {
			return 0, fmt.Errorf("invalid milliseconds in %q", ts)
		}
	}

	total := int64(hours)*3_600_000 + int64(minutes)*60_000 + int64(s)*1000 + int64(ms)
	return float64(total) / 1000, nil
}

// FormatVTT renders cues as a WebVTT document. Cues with empty text or
// rejected by skip are omitted; cue numbers count emitted cues only.
func FormatVTT(cues []Cue, skip SkipFunc) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n")
	writeCues(&b, cues, skip, '.')
	return finish(b.String())
}

// FormatVTTWithHeader renders cues as WebVTT with extra header lines, such
// as the X-TIMESTAMP-MAP used by HLS text tracks
func FormatVTTWithHeader(cues []Cue, headers ...string) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n")
	for _, h := range headers {
		b.WriteString(h)
		b.WriteByte('\n')
	}
	writeCues(&b, cues, nil, '.')
	return finish(b.String())
}

func writeCues(b *strings.Builder, cues []Cue, skip SkipFunc, sep byte) {
	n := 1
	for _, c := range cues {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		if skip != nil && skip(text) {
			continue
		}
		fmt.Fprintf(b, "\n%d\n%s --> %s\n%s\n", n, formatClock(c.Start, sep), formatClock(c.End, sep), text)
		n++
	}
}

// finish trims trailing whitespace and ends the document with one newline
func finish(doc string) string {
	return strings.TrimRight(doc, " \t\r\n") + "\n"
}

var timingLine = regexp.MustCompile(`^\s*([\d:.,]+)\s*-->\s*([\d:.,]+)`)

// ParseVTT extracts cues from WebVTT (or SRT) content. Header blocks, NOTE
// blocks and cue settings are ignored; multi-line cue text is kept.
func ParseVTT(content string) ([]Cue, error) {
	var cues []Cue
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var cur *Cue
	var text []string
	flush := func() {
		if cur != nil {
			cur.Text = strings.TrimSpace(strings.Join(text, "\n"))
			if cur.Text != "" {
				cues = append(cues, *cur)
			}
		}
		cur = nil
		text = text[:0]
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if cur != nil {
			if strings.TrimSpace(line) == "" {
				flush()
				continue
			}
			text = append(text, line)
			continue
		}

		m := timingLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		start, err := ParseTimestamp(m[1])
		if err != nil {
			return nil, err
		}
		end, err := ParseTimestamp(m[2])
		if err != nil {
			return nil, err
		}
		cur = &Cue{Start: start, End: end}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read captions: %w", err)
	}
	return cues, nil
}

// FormatSRT renders cues as SubRip, the input format of the ffmpeg
// subtitles filter
func FormatSRT(cues []Cue) string {
	var b strings.Builder
	writeCues(&b, cues, nil, ',')
	out := strings.TrimLeft(b.String(), "\n")
	if out == "" {
		return ""
	}
	return finish(out)
}

// ShiftCues returns cues moved by offset seconds, clamped at zero
func ShiftCues(cues []Cue, offset float64) []Cue {
	out := make([]Cue, 0, len(cues))
	for _, c := range cues {
		c.Start = math.Max(0, c.Start+offset)
		c.End = math.Max(0, c.End+offset)
		if c.End > c.Start {
			out = append(out, c)
		}
	}
	return out
}
