// Package media wraps the ffmpeg and ffprobe binaries used to pull audio
// out of streams and archive files and to burn captions into video.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// FFmpeg wraps FFmpeg operations
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpeg creates a new FFmpeg instance
func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
	}
}

// VideoMetadata holds video metadata extracted from ffprobe
type VideoMetadata struct {
	Format  FormatInfo   `json:"format"`
	Streams []StreamInfo `json:"streams"`
}

// FormatInfo holds format information
type FormatInfo struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// StreamInfo holds stream information
type StreamInfo struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	CodecTag     string `json:"codec_tag_string"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	BitRate      string `json:"bit_rate"`
	StartTime    string `json:"start_time"`
	AvgFrameRate string `json:"avg_frame_rate"`
}

// Summary is the subset of probe data the caption outputs need
type Summary struct {
	Duration     float64
	Bitrate      int64
	Width        int
	Height       int
	VideoCodecID string
	AudioCodecID string
}

// Summary extracts duration, bitrate, dimensions and codec ids
func (m *VideoMetadata) Summary() Summary {
	var s Summary
	s.Duration, _ = strconv.ParseFloat(m.Format.Duration, 64)
	s.Bitrate, _ = strconv.ParseInt(m.Format.BitRate, 10, 64)

	for _, stream := range m.Streams {
		switch stream.CodecType {
		case "video":
			if s.VideoCodecID != "" {
				continue
			}
			s.Width = stream.Width
			s.Height = stream.Height
			s.VideoCodecID = codecID(stream)
			if s.Bitrate == 0 {
				s.Bitrate, _ = strconv.ParseInt(stream.BitRate, 10, 64)
			}
		case "audio":
			if s.AudioCodecID == "" {
				s.AudioCodecID = codecID(stream)
			}
		}
	}
	return s
}

func codecID(s StreamInfo) string {
	// ffprobe reports "[0][0][0][0]" for streams without a fourcc.
	if s.CodecTag != "" && !strings.HasPrefix(s.CodecTag, "[") {
		return s.CodecTag
	}
	return s.CodecName
}

// ParseProbeOutput decodes ffprobe JSON output
func ParseProbeOutput(data []byte) (*VideoMetadata, error) {
	var metadata VideoMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	return &metadata, nil
}

// ProbeVideo extracts metadata from a video file
func (f *FFmpeg) ProbeVideo(ctx context.Context, inputPath string) (*VideoMetadata, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputPath,
	}

	cmd := exec.CommandContext(ctx, f.ffprobePath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w, stderr: %s", err, stderr.String())
	}

	return ParseProbeOutput(stdout.Bytes())
}

// AudioStartTime returns the start time of the first audio stream, used to
// align caption timestamps with the presentation timeline of a chunk
func (f *FFmpeg) AudioStartTime(ctx context.Context, inputPath string) (float64, error) {
	args := []string{
		"-i", inputPath,
		"-show_entries", "stream=start_time",
		"-loglevel", "quiet",
		"-select_streams", "a:0",
		"-of", "csv=p=0",
	}

	out, err := exec.CommandContext(ctx, f.ffprobePath, args...).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe start time failed: %w", err)
	}

	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	if line == "" || line == "N/A" {
		return 0, nil
	}
	start, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid start time %q: %w", line, err)
	}
	return start, nil
}

// ExtractAudio writes a mono WAV file at sampleRate for the engine
func (f *FFmpeg) ExtractAudio(ctx context.Context, inputPath, outputPath string, sampleRate int) error {
	args := []string{
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-f", "wav",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("audio extraction failed for %s: %w, stderr: %s", inputPath, err, tail(stderr.String(), 5))
	}

	return nil
}

// PCMArgs returns the ffmpeg arguments that decode input to raw mono
// signed 16-bit little-endian PCM on stdout. Local files are read at their
// native rate so they behave like a live feed.
func PCMArgs(input string, sampleRate int) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if !strings.Contains(input, "://") {
		args = append(args, "-re")
	}
	return append(args,
		"-i", input,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-f", "s16le",
		"pipe:1",
	)
}

// StreamAudio starts ffmpeg decoding input (a URL or file) to raw PCM and
// returns its stdout. Closing the reader stops ffmpeg.
func (f *FFmpeg) StreamAudio(ctx context.Context, input string, sampleRate int) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, f.ffmpegPath, PCMArgs(input, sampleRate)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open ffmpeg stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	return &processReader{ReadCloser: stdout, cmd: cmd, stderr: &stderr}, nil
}

type processReader struct {
	io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	once   sync.Once
	err    error
}

func (p *processReader) Close() error {
	p.once.Do(func() {
		p.ReadCloser.Close()
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.err = err
		}
	})
	return p.err
}

// BurnOptions holds options for burning captions into a video chunk
type BurnOptions struct {
	InputPath    string
	SubtitlePath string
	OutputPath   string
	FontName     string
	FontSize     int
	HWAccel      bool
}

// EscapeFilterPath escapes a path for use inside an ffmpeg filter argument
func EscapeFilterPath(path string) string {
	escaped := strings.ReplaceAll(path, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, ":", "\\:")
	escaped = strings.ReplaceAll(escaped, "'", "\\'")
	return escaped
}

// BurnArgs builds the ffmpeg arguments for BurnSubtitles. Timestamps are
// copied so the output chunk keeps its place in the live timeline.
func BurnArgs(opts BurnOptions) []string {
	filter := "subtitles=" + EscapeFilterPath(opts.SubtitlePath)
	if opts.FontName != "" {
		size := opts.FontSize
		if size <= 0 {
			size = 24
		}
		filter += fmt.Sprintf(":force_style='FontName=%s,FontSize=%d'", opts.FontName, size)
	}

	var args []string
	if opts.HWAccel {
		args = append(args, "-hwaccel", "auto")
	}
	args = append(args,
		"-i", opts.InputPath,
		"-copyts",
		"-muxpreload", "0",
		"-muxdelay", "0",
		"-preset", "ultrafast",
		"-c:a", "copy",
		"-loglevel", "error",
		"-vf", filter,
		"-y",
		opts.OutputPath,
	)
	return args
}

// BurnSubtitles burns an SRT file into a video chunk
func (f *FFmpeg) BurnSubtitles(ctx context.Context, opts BurnOptions) error {
	cmd := exec.CommandContext(ctx, f.ffmpegPath, BurnArgs(opts)...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("subtitle burning failed: %w, stderr: %s", err, tail(stderr.String(), 5))
	}

	return nil
}

// tail returns the last n lines of s
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
