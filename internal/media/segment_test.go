package media

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentArgs(t *testing.T) {
	args := SegmentArgs("rtmp://host/live/key", "/work/in", 10)
	assert.Contains(t, args, "segment")
	assert.Contains(t, args, "10")
	assert.Contains(t, args, filepath.Join("/work/in", SegmentListName))
	assert.Equal(t, filepath.Join("/work/in", "chunk_%05d.ts"), args[len(args)-1])
	assert.NotContains(t, args, "-re")

	assert.Contains(t, SegmentArgs("/media/show.mp4", "/work/in", 6), "-re")
}

func TestReadSegmentList(t *testing.T) {
	dir := t.TempDir()

	chunks, err := ReadSegmentList(dir, 0)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	list := "chunk_00000.ts,0.000000,10.010000\nchunk_00001.ts,10.010000,20.020000\nchunk_00002.ts,20.02"
	require.NoError(t, os.WriteFile(filepath.Join(dir, SegmentListName), []byte(list), 0o644))

	chunks, err = ReadSegmentList(dir, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, filepath.Join(dir, "chunk_00000.ts"), chunks[0].Path)
	assert.InDelta(t, 10.01, chunks[1].Start, 1e-9)
	assert.InDelta(t, 10.01, chunks[1].Duration, 1e-9)

	chunks, err = ReadSegmentList(dir, 1)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, filepath.Join(dir, "chunk_00001.ts"), chunks[0].Path)
}
