package media

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// SegmentListName is the CSV file the segmenter appends finished chunks to
const SegmentListName = "chunks.csv"

// Chunk is one finished video chunk on the stream timeline
type Chunk struct {
	Path     string
	Start    float64
	Duration float64
}

// SegmentArgs returns the ffmpeg arguments that cut input into chunks of
// about seconds each under dir without re-encoding. Timestamps are kept so
// chunk times line up with caption times.
func SegmentArgs(input, dir string, seconds float64) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if !strings.Contains(input, "://") {
		args = append(args, "-re")
	}
	return append(args,
		"-i", input,
		"-map", "0",
		"-c", "copy",
		"-f", "segment",
		"-segment_time", strconv.FormatFloat(seconds, 'f', -1, 64),
		"-segment_list", filepath.Join(dir, SegmentListName),
		"-segment_list_type", "csv",
		"-copyts",
		filepath.Join(dir, "chunk_%05d.ts"),
	)
}

// SegmentVideo starts ffmpeg cutting input into chunks under dir. Closing
// the returned handle stops ffmpeg.
func (f *FFmpeg) SegmentVideo(ctx context.Context, input, dir string, seconds float64) (io.Closer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, f.ffmpegPath, SegmentArgs(input, dir, seconds)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	return &processReader{ReadCloser: io.NopCloser(nil), cmd: cmd, stderr: &stderr}, nil
}

// ReadSegmentList parses the segmenter's CSV list and returns the chunks
// after the first skip entries. A missing list means no chunk is done yet.
func ReadSegmentList(dir string, skip int) ([]Chunk, error) {
	data, err := os.ReadFile(filepath.Join(dir, SegmentListName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read segment list: %w", err)
	}

	// ffmpeg may be halfway through a line
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[:i+1]
	} else {
		return nil, nil
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = 3
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("invalid segment list: %w", err)
	}

	var chunks []Chunk
	for i, rec := range records {
		if i < skip {
			continue
		}
		start, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chunk start %q: %w", rec[1], err)
		}
		end, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chunk end %q: %w", rec[2], err)
		}
		chunks = append(chunks, Chunk{Path: filepath.Join(dir, rec[0]), Start: start, Duration: end - start})
	}
	return chunks, nil
}
