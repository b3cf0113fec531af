package captionfmt

import (
	"encoding/xml"
	"fmt"
	"math"
	"strings"
)

// DefaultAlignTolerance is the slack, in seconds, when pairing cues of two
// languages by time
const DefaultAlignTolerance = 2.5

// AlignedCue pairs a primary-language cue with the secondary cues that
// overlap it. Primary may be nil for secondary cues with no counterpart.
type AlignedCue struct {
	Primary   *Cue
	Secondary []Cue
}

// AlignBilingual pairs secondary cues with primary cues by timestamp.
// Every input cue appears exactly once in the output, in time order.
func AlignBilingual(primary, secondary []Cue, tolerance float64) []AlignedCue {
	var aligned []AlignedCue
	j := 0

	for i := range primary {
		p := primary[i]
		for j < len(secondary) && secondary[j].End+tolerance < p.Start {
			aligned = append(aligned, AlignedCue{Secondary: []Cue{secondary[j]}})
			j++
		}

		var matched []Cue
		for j < len(secondary) {
			c := secondary[j]
			if c.End+tolerance < p.Start-tolerance {
				aligned = append(aligned, AlignedCue{Secondary: []Cue{c}})
				j++
				continue
			}
			if c.Start <= p.End+tolerance {
				matched = append(matched, c)
				j++
				continue
			}
			break
		}
		aligned = append(aligned, AlignedCue{Primary: &primary[i], Secondary: matched})
	}

	for ; j < len(secondary); j++ {
		aligned = append(aligned, AlignedCue{Secondary: []Cue{secondary[j]}})
	}
	return aligned
}

const ttmlNamespace = "http://www.w3.org/ns/ttml"

type ttmlDoc struct {
	XMLName xml.Name `xml:"tt"`
	Xmlns   string   `xml:"xmlns,attr"`
	Lang    string   `xml:"http://www.w3.org/XML/1998/namespace lang,attr"`
	Body    ttmlBody `xml:"body"`
}

type ttmlBody struct {
	Div ttmlDiv `xml:"div"`
}

type ttmlDiv struct {
	Paragraphs []ttmlP `xml:"p"`
}

type ttmlP struct {
	Begin string   `xml:"begin,attr"`
	End   string   `xml:"end,attr"`
	Span  ttmlSpan `xml:"span"`
}

type ttmlSpan struct {
	Lang string `xml:"http://www.w3.org/XML/1998/namespace lang,attr"`
	Text string `xml:",chardata"`
}

// FormatTTML renders aligned bilingual cues as a TTML document. Each cue
// becomes its own paragraph tagged with its language; cues rejected by
// skip or empty are omitted.
func FormatTTML(aligned []AlignedCue, primaryLang, secondaryLang string, skip SkipFunc) (string, error) {
	doc := ttmlDoc{Xmlns: ttmlNamespace, Lang: primaryLang}

	add := func(c Cue, lang string) {
		text := strings.TrimSpace(c.Text)
		if text == "" || (skip != nil && skip(text)) {
			return
		}
		doc.Body.Div.Paragraphs = append(doc.Body.Div.Paragraphs, ttmlP{
			Begin: FormatTimestamp(c.Start),
			End:   FormatTimestamp(c.End),
			Span:  ttmlSpan{Lang: lang, Text: text},
		})
	}

	for _, a := range aligned {
		if a.Primary != nil {
			add(*a.Primary, primaryLang)
		}
		for _, c := range a.Secondary {
			add(c, secondaryLang)
		}
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal TTML: %w", err)
	}
	return xml.Header + string(out) + "\n", nil
}

// ParseTTML reads the paragraphs of a TTML document grouped by span language
func ParseTTML(content string) (map[string][]Cue, error) {
	var doc ttmlDoc
	if err := xml.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse TTML: %w", err)
	}
	out := make(map[string][]Cue)
	for _, p := range doc.Body.Div.Paragraphs {
		start, err := ParseTimestamp(p.Begin)
		if err != nil {
			return nil, err
		}
		end, err := ParseTimestamp(p.End)
		if err != nil {
			return nil, err
		}
		out[p.Span.Lang] = append(out[p.Span.Lang], Cue{Start: start, End: end, Text: p.Span.Text})
	}
	return out, nil
}

// TotalDuration returns the end of the last cue
func TotalDuration(cues []Cue) float64 {
	var end float64
	for _, c := range cues {
		end = math.Max(end, c.End)
	}
	return end
}
