package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const probeJSON = `{
  "streams": [
    {"codec_type": "video", "codec_name": "h264", "codec_tag_string": "avc1", "width": 1920, "height": 1080, "bit_rate": "2400000", "avg_frame_rate": "25/1"},
    {"codec_type": "audio", "codec_name": "aac", "codec_tag_string": "mp4a", "start_time": "1.400000"}
  ],
  "format": {"filename": "lecture_1080p.mp4", "format_name": "mov,mp4", "duration": "3600.5", "size": "1048576", "bit_rate": "2500000"}
}`

func TestParseProbeOutput(t *testing.T) {
	md, err := ParseProbeOutput([]byte(probeJSON))
	require.NoError(t, err)

	s := md.Summary()
	assert.InDelta(t, 3600.5, s.Duration, 1e-9)
	assert.Equal(t, int64(2500000), s.Bitrate)
	assert.Equal(t, 1920, s.Width)
	assert.Equal(t, 1080, s.Height)
	assert.Equal(t, "avc1", s.VideoCodecID)
	assert.Equal(t, "mp4a", s.AudioCodecID)
}

func TestSummaryFallbacks(t *testing.T) {
	md, err := ParseProbeOutput([]byte(`{"streams":[{"codec_type":"video","codec_name":"hevc","codec_tag_string":"[0][0][0][0]","bit_rate":"900"}],"format":{}}`))
	require.NoError(t, err)

	s := md.Summary()
	assert.Equal(t, "hevc", s.VideoCodecID)
	assert.Equal(t, int64(900), s.Bitrate)
	assert.Empty(t, s.AudioCodecID)
}

func TestParseProbeOutputInvalid(t *testing.T) {
	_, err := ParseProbeOutput([]byte("not json"))
	assert.Error(t, err)
}

func TestEscapeFilterPath(t *testing.T) {
	assert.Equal(t, `C\:\\subs\\a.srt`, EscapeFilterPath(`C:\subs\a.srt`))
	assert.Equal(t, `/tmp/it\'s.srt`, EscapeFilterPath(`/tmp/it's.srt`))
}

func TestBurnArgs(t *testing.T) {
	args := BurnArgs(BurnOptions{
		InputPath:    "chunk.ts",
		SubtitlePath: "chunk.srt",
		OutputPath:   "chunk_trans.ts",
		HWAccel:      true,
	})

	assert.Equal(t, []string{"-hwaccel", "auto"}, args[:2])
	assert.Contains(t, args, "-copyts")
	assert.Equal(t, "chunk_trans.ts", args[len(args)-1])

	var filter string
	for i, a := range args {
		if a == "-vf" {
			filter = args[i+1]
		}
	}
	assert.Equal(t, "subtitles=chunk.srt", filter)
}

func TestBurnArgsFontStyle(t *testing.T) {
	args := BurnArgs(BurnOptions{InputPath: "in.ts", SubtitlePath: "s.srt", OutputPath: "out.ts", FontName: "Arial"})
	assert.Contains(t, args, "subtitles=s.srt:force_style='FontName=Arial,FontSize=24'")
	assert.NotContains(t, args, "-hwaccel")
}

func TestPCMArgs(t *testing.T) {
	args := PCMArgs("rtmp://host/live/key", 16000)
	assert.Contains(t, args, "rtmp://host/live/key")
	assert.Contains(t, args, "16000")
	assert.Equal(t, "pipe:1", args[len(args)-1])
	assert.NotContains(t, args, "-re")

	args = PCMArgs("/media/sample.mp4", 16000)
	assert.Contains(t, args, "-re")
	assert.Less(t, indexOf(args, "-re"), indexOf(args, "-i"))
}

func indexOf(args []string, want string) int {
	for i, a := range args {
		if a == want {
			return i
		}
	}
	return -1
}

func TestTail(t *testing.T) {
	assert.Equal(t, "c\nd", tail("a\nb\nc\nd\n", 2))
	assert.Equal(t, "a", tail("a", 5))
}
