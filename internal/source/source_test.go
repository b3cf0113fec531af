package source

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/config"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/filter"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/logging"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

func testEngineConfig(url string) config.EngineConfig {
	return config.EngineConfig{
		URL:                  url,
		Timeout:              5 * time.Second,
		ChunkSeconds:         1,
		SampleRate:           100,
		BeamSize:             5,
		MaxConsecutiveErrors: 2,
	}
}

func collect(t *testing.T, p *Producer) ([]models.Segment, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var segs []models.Segment
	for {
		seg, err := p.Next(ctx)
		if errors.Is(err, ErrEnd) {
			return segs, nil
		}
		if err != nil {
			return segs, err
		}
		segs = append(segs, seg)
	}
}

func TestPCMToWAV(t *testing.T) {
	wav := pcmToWAV([]byte{1, 2, 3, 4}, 16000)

	require.Len(t, wav, 48)
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, uint32(40), binary.LittleEndian.Uint32(wav[4:8]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, "data", string(wav[36:40]))
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(wav[40:44]))
}

func TestWhisperEngine_Stream(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transcribe", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "translate", r.FormValue("task"))
		assert.Equal(t, "ru", r.FormValue("language"))
		assert.Equal(t, "Газпром, ЦБ", r.FormValue("initial_prompt"))
		assert.Equal(t, "5", r.FormValue("beam_size"))

		file, _, err := r.FormFile("audio")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		head := make([]byte, 4)
		io.ReadFull(file, head)
		assert.Equal(t, "RIFF", string(head))

		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "success",
			"segments": []whisperSegment{{Start: 0.1, End: 0.9, Text: " window "}, {Start: 0.9, End: 1, Text: "  "}},
		})
	}))
	defer server.Close()

	engine := NewWhisperEngine(testEngineConfig(server.URL), logging.Nop())

	// 2.5 windows of audio at 100 samples/s
	audio := bytes.NewReader(make([]byte, 500))
	stream, err := engine.Stream(context.Background(), audio, Request{
		Task: TaskTranslate, Language: "ru", Output: "en", Prompt: "Газпром, ЦБ", BeamSize: 5, Track: models.TrackTranslated,
	})
	require.NoError(t, err)

	p := NewProducer("live", models.TrackTranslated, "en", stream, nil, nil)
	segs, err := collect(t, p)
	require.NoError(t, err)

	require.Len(t, segs, 3)
	assert.Equal(t, int32(3), calls.Load())
	for i, seg := range segs {
		assert.InDelta(t, float64(i)+0.1, seg.Start, 1e-9)
		assert.Equal(t, "window", seg.Text)
		assert.Equal(t, models.TrackTranslated, seg.Track)
		assert.Equal(t, "en", seg.Language)
		assert.Equal(t, "live", seg.Stream)
		assert.NotEmpty(t, seg.ID)
	}
}

func TestWhisperEngine_TransientErrorsSkipped(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "success",
			"segments": []whisperSegment{{Start: 0, End: 1, Text: "ok"}},
		})
	}))
	defer server.Close()

	engine := NewWhisperEngine(testEngineConfig(server.URL), nil)
	stream, err := engine.Stream(context.Background(), bytes.NewReader(make([]byte, 400)), Request{Task: TaskTranscribe, Track: models.TrackOriginal})
	require.NoError(t, err)

	segs, err := collect(t, NewProducer("live", models.TrackOriginal, "ru", stream, nil, nil))
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.InDelta(t, 1.0, segs[0].Start, 1e-9)
}

func TestWhisperEngine_UnreachableIsFatal(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	engine := NewWhisperEngine(testEngineConfig(url), nil)
	stream, err := engine.Stream(context.Background(), bytes.NewReader(make([]byte, 1000)), Request{Task: TaskTranscribe, Track: models.TrackOriginal})
	require.NoError(t, err)

	_, err = collect(t, NewProducer("live", models.TrackOriginal, "ru", stream, nil, nil))
	require.Error(t, err)

	var fatal *FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, models.TrackOriginal, fatal.Track)
}

func TestWhisperEngine_TranscribeLegacyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "success",
			"ru_vtt":   "WEBVTT\n\n1\n00:00:00.000 --> 00:00:01.000\nПривет\n",
			"en_vtt":   "WEBVTT\n\n1\n00:00:00.000 --> 00:00:01.000\nHello\n",
			"duration": 1.5,
		})
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "audio.wav")
	require.NoError(t, os.WriteFile(path, pcmToWAV(make([]byte, 10), 16000), 0o644))

	engine := NewWhisperEngine(testEngineConfig(server.URL), nil)
	segs, duration, err := engine.Transcribe(context.Background(), path, Request{Task: TaskTranslate, Output: "en", Track: models.TrackTranslated})
	require.NoError(t, err)

	require.Len(t, segs, 1)
	assert.Equal(t, "Hello", segs[0].Text)
	assert.InDelta(t, 1.5, duration, 1e-9)
}

func TestWhisperEngine_Health(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer server.Close()

	assert.NoError(t, NewWhisperEngine(testEngineConfig(server.URL), nil).Health(context.Background()))
	assert.Error(t, NewWhisperEngine(testEngineConfig(server.URL+"/missing"), nil).Health(context.Background()))
}

func TestDecodeResponseError(t *testing.T) {
	_, _, err := decodeResponse([]byte(`{"status":"error","message":"model not loaded"}`), Request{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestOpen_BothModeTeesAudio(t *testing.T) {
	engine := NewStaticEngine(map[Task][]models.Segment{
		TaskTranscribe: {{Start: 0, End: 1, Text: "Привет"}, {Start: 1, End: 2, Text: "мир"}},
		TaskTranslate:  {{Start: 0, End: 2, Text: "Hello world"}},
	})
	vocab := filter.NewSnapshot(filter.FilterDocument{}, filter.VocabularyDocument{
		CustomVocabulary: map[string][]string{"ru": {"Газпром", "ЦБ"}},
	})

	producers, err := Open(context.Background(), engine, bytes.NewReader(make([]byte, 256*1024)), OpenOptions{
		Stream:     "live",
		Language:   "ru",
		Mode:       models.ModeBoth,
		Vocabulary: vocab,
	})
	require.NoError(t, err)
	require.Len(t, producers, 2)

	out := make(chan models.Segment, 10)
	var wg sync.WaitGroup
	for _, p := range producers {
		wg.Add(1)
		go func(p *Producer) {
			defer wg.Done()
			assert.NoError(t, p.Run(context.Background(), out))
		}(p)
	}
	wg.Wait()
	close(out)

	byTrack := map[models.Track][]models.Segment{}
	for seg := range out {
		byTrack[seg.Track] = append(byTrack[seg.Track], seg)
	}
	require.Len(t, byTrack[models.TrackOriginal], 2)
	require.Len(t, byTrack[models.TrackTranslated], 1)
	assert.Equal(t, "ru", byTrack[models.TrackOriginal][0].Language)
	assert.Equal(t, "en", byTrack[models.TrackTranslated][0].Language)

	reqs := engine.Requests()
	require.Len(t, reqs, 2)
	for _, req := range reqs {
		assert.Equal(t, "Газпром, ЦБ", req.Prompt)
	}
}

func TestOpen_NoVocabularyNoPrompt(t *testing.T) {
	engine := NewStaticEngine(nil)

	producers, err := Open(context.Background(), engine, bytes.NewReader(nil), OpenOptions{
		Language:   "fr",
		Mode:       models.ModeTranscribeOnly,
		Vocabulary: filter.Empty,
	})
	require.NoError(t, err)
	require.Len(t, producers, 1)
	assert.Equal(t, models.TrackOriginal, producers[0].Track())
	assert.Empty(t, engine.Requests()[0].Prompt)
}

func TestOpen_UnknownMode(t *testing.T) {
	_, err := Open(context.Background(), NewStaticEngine(nil), bytes.NewReader(nil), OpenOptions{Mode: "SIDEWAYS"})
	assert.Error(t, err)
}

func TestProducer_FatalEngineError(t *testing.T) {
	engine := NewStaticEngine(nil)
	engine.Script(TaskTranscribe,
		Step{Segment: models.Segment{Start: 0, End: 1, Text: "first"}},
		Step{Err: &TransientError{Err: errors.New("timeout")}},
		Step{Segment: models.Segment{Start: 1, End: 2, Text: "second"}},
		Step{Err: errors.New("model crashed")},
	)

	stream, err := engine.Stream(context.Background(), nil, Request{Task: TaskTranscribe})
	require.NoError(t, err)

	segs, err := collect(t, NewProducer("live", models.TrackOriginal, "en", stream, nil, nil))
	require.Len(t, segs, 2)
	assert.Equal(t, "second", segs[1].Text)
	assert.True(t, IsFatal(err))
	assert.False(t, IsTransient(err))
}

func TestProducer_RunCancelled(t *testing.T) {
	engine := NewStaticEngine(nil)
	engine.Script(TaskTranscribe, Step{Segment: models.Segment{Start: 0, End: 1, Text: "late"}, Delay: time.Minute})

	stream, err := engine.Stream(context.Background(), nil, Request{Task: TaskTranscribe})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewProducer("live", models.TrackOriginal, "en", stream, nil, nil).Run(ctx, make(chan models.Segment))
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not stop")
	}
}

func TestTee_SlowReaderDoesNotStallOthers(t *testing.T) {
	data := bytes.Repeat([]byte{7}, 40*teeChunkSize)
	readers := Tee(context.Background(), bytes.NewReader(data), 2, 4, logging.Nop())

	// Reader 1 is never read; reader 0 must still see end of stream.
	done := make(chan int64, 1)
	go func() {
		n, _ := io.Copy(io.Discard, readers[0])
		done <- n
	}()

	select {
	case n := <-done:
		assert.Greater(t, n, int64(0))
		assert.LessOrEqual(t, n, int64(len(data)))
	case <-time.After(5 * time.Second):
		t.Fatal("fast reader stalled behind slow reader")
	}
	readers[1].Close()
}

type pacedReader struct {
	remaining int
	chunk     int
	delay     time.Duration
}

func (r *pacedReader) Read(p []byte) (int, error) {
	if r.remaining == 0 {
		return 0, io.EOF
	}
	time.Sleep(r.delay)
	n := min(len(p), r.chunk, r.remaining)
	r.remaining -= n
	return n, nil
}

func TestTee_OverflowKeepsSourceTimeline(t *testing.T) {
	var stalled atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<22)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, header, err := r.FormFile("audio")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.FormValue("task") == "translate" && stalled.CompareAndSwap(false, true) {
			time.Sleep(150 * time.Millisecond)
		}
		seconds := float64((header.Size-44)/2) / 16000
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "success",
			"segments": []whisperSegment{{Start: 0, End: seconds, Text: "window"}},
		})
	}))
	defer server.Close()

	cfg := testEngineConfig(server.URL)
	cfg.SampleRate = 16000
	engine := NewWhisperEngine(cfg, nil)

	// 40 chunks of 32 KiB at 16 kHz is 40.96s of audio
	source := &pacedReader{remaining: 40 * teeChunkSize, chunk: teeChunkSize, delay: 10 * time.Millisecond}
	readers := Tee(context.Background(), source, 2, 2, logging.Nop())

	passes := []Request{
		{Task: TaskTranscribe, Track: models.TrackOriginal, Output: "ru"},
		{Task: TaskTranslate, Track: models.TrackTranslated, Output: "en"},
	}
	results := make([][]models.Segment, len(passes))
	var wg sync.WaitGroup
	for i, req := range passes {
		stream, err := engine.Stream(context.Background(), readers[i], req)
		require.NoError(t, err)
		wg.Add(1)
		go func(i int, p *Producer) {
			defer wg.Done()
			segs, err := collect(t, p)
			assert.NoError(t, err)
			results[i] = segs
		}(i, NewProducer("live", req.Track, req.Output, stream, readers[i], nil))
	}
	wg.Wait()

	assert.Greater(t, readers[1].Dropped(), int64(0), "stalled pass should have skipped audio")
	assert.Zero(t, readers[1].Dropped()%2)

	for i, segs := range results {
		require.NotEmpty(t, segs, "pass %d", i)
		last := segs[len(segs)-1]
		assert.InDelta(t, 40.96, last.End, 1e-6, "pass %d", i)
		for j := 1; j < len(segs); j++ {
			assert.GreaterOrEqual(t, segs[j].Start, segs[j-1].End-1e-9, "pass %d segment %d", i, j)
		}
	}
}

func TestTaskFor(t *testing.T) {
	assert.Equal(t, TaskTranslate, TaskFor(models.TrackTranslated))
	assert.Equal(t, TaskTranscribe, TaskFor(models.TrackOriginal))
}
