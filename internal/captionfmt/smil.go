package captionfmt

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// node is a generic XML element, so an existing SMIL file round-trips
// without losing elements this package does not manage
type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []node     `xml:",any"`
}

func (n *node) attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func (n *node) child(name string) *node {
	for i := range n.Children {
		if n.Children[i].XMLName.Local == name {
			return &n.Children[i]
		}
	}
	n.Children = append(n.Children, node{XMLName: xml.Name{Local: name}})
	return &n.Children[len(n.Children)-1]
}

func newNode(name string, attrs ...string) node {
	n := node{XMLName: xml.Name{Local: name}}
	for i := 0; i+1 < len(attrs); i += 2 {
		if attrs[i+1] == "" {
			continue
		}
		n.Attrs = append(n.Attrs, xml.Attr{Name: xml.Name{Local: attrs[i]}, Value: attrs[i+1]})
	}
	return n
}

// VideoInfo describes the video entry of a SMIL manifest
type VideoInfo struct {
	Name         string // file name, written as mp4:<name>
	Bitrate      int64
	Width        int
	Height       int
	VideoCodecID string
	AudioCodecID string
}

// TextStream is a caption file referenced by a SMIL manifest
type TextStream struct {
	Src      string
	Language string // ISO 639-2, comma separated for bilingual files
}

// BuildSMIL returns a SMIL manifest with one video entry and the given
// text streams. When existing holds a parseable SMIL document its video
// entry and unrelated elements are kept; text streams with the same source
// are replaced.
func BuildSMIL(existing []byte, video VideoInfo, streams []TextStream) (string, error) {
	var root node
	if len(existing) == 0 || xml.Unmarshal(existing, &root) != nil || root.XMLName.Local != "smil" {
		root = node{XMLName: xml.Name{Local: "smil"}}
		root.Children = []node{newNode("head")}
	}
	stripNamespaces(&root)

	sw := root.child("body").child("switch")

	hasVideo := false
	for _, c := range sw.Children {
		if c.XMLName.Local == "video" {
			hasVideo = true
			break
		}
	}
	if !hasVideo {
		v := newNode("video",
			"src", "mp4:"+video.Name,
			"system-bitrate", positiveInt(video.Bitrate),
			"width", positiveInt(int64(video.Width)),
			"height", positiveInt(int64(video.Height)),
		)
		if video.VideoCodecID != "" {
			v.Children = append(v.Children, newNode("param", "name", "videoCodecId", "value", video.VideoCodecID, "valuetype", "data"))
		}
		if video.AudioCodecID != "" {
			v.Children = append(v.Children, newNode("param", "name", "audioCodecId", "value", video.AudioCodecID, "valuetype", "data"))
		}
		sw.Children = append(sw.Children, v)
	}

	for _, ts := range streams {
		kept := sw.Children[:0]
		for _, c := range sw.Children {
			if c.XMLName.Local == "textstream" && normalizeSrc(c.attr("src")) == normalizeSrc(ts.Src) {
				continue
			}
			kept = append(kept, c)
		}
		sw.Children = append(kept, newNode("textstream", "src", ts.Src, "system-language", ts.Language))
	}

	out, err := xml.MarshalIndent(root, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal SMIL: %w", err)
	}
	return xml.Header + string(out) + "\n", nil
}

// ParseSMIL returns the video source and text streams of a SMIL manifest
func ParseSMIL(content []byte) (string, []TextStream, error) {
	var root node
	if err := xml.Unmarshal(content, &root); err != nil {
		return "", nil, fmt.Errorf("failed to parse SMIL: %w", err)
	}
	var video string
	var streams []TextStream
	for _, body := range root.Children {
		if body.XMLName.Local != "body" {
			continue
		}
		for _, sw := range body.Children {
			if sw.XMLName.Local != "switch" {
				continue
			}
			for _, c := range sw.Children {
				switch c.XMLName.Local {
				case "video":
					video = c.attr("src")
				case "textstream":
					streams = append(streams, TextStream{Src: c.attr("src"), Language: c.attr("system-language")})
				}
			}
		}
	}
	return video, streams, nil
}

func stripNamespaces(n *node) {
	n.XMLName.Space = ""
	for i := range n.Children {
		stripNamespaces(&n.Children[i])
	}
}

func normalizeSrc(src string) string {
	src = strings.TrimSpace(src)
	if len(src) >= 4 && strings.EqualFold(src[:4], "mp4:") {
		return src[4:]
	}
	return src
}

func positiveInt(v int64) string {
	if v <= 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}
