package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/config"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/filter"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/logging"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/media"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/sink"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/source"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

// recordingSink stores every delivered segment. accept, when set, decides
// the result of each delivery.
type recordingSink struct {
	target string
	accept func(seg models.Segment) (sink.Outcome, error)
	probe  func() error

	mu       sync.Mutex
	received []models.Segment
	closed   bool
}

func (s *recordingSink) Kind() models.SinkKind { return models.SinkKindRemote }
func (s *recordingSink) Target() string        { return s.target }

func (s *recordingSink) Accept(ctx context.Context, seg models.Segment) (sink.Outcome, error) {
	if s.accept != nil {
		outcome, err := s.accept(seg)
		if err != nil || outcome != sink.OutcomeDelivered {
			return outcome, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, seg)
	return sink.OutcomeDelivered, nil
}

func (s *recordingSink) Probe(ctx context.Context) error {
	if s.probe != nil {
		return s.probe()
	}
	return nil
}

func (s *recordingSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.received))
	for _, seg := range s.received {
		out = append(out, seg.Text)
	}
	return out
}

func (s *recordingSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func testOptions() Options {
	return Options{
		QueueCapacity:    16,
		FailureThreshold: 5,
		RecoveryBackoff:  time.Minute,
		DeliveryTimeout:  time.Second,
		DrainTimeout:     2 * time.Second,
		OverlapTolerance: 0.5,
		IngestBuffer:     16,
		Language:         "en",
	}
}

func segment(track models.Track, start, end float64, text string) models.Segment {
	return models.Segment{Start: start, End: end, Text: text, Track: track, Language: "en"}
}

func startRouter(t *testing.T, opts Options, store *filter.Store, sinks ...sink.Sink) *Router {
	t.Helper()
	r := New("live", opts, store, logging.Nop())
	for _, s := range sinks {
		_, err := r.AddSink(s)
		require.NoError(t, err)
	}
	require.NoError(t, r.Start(context.Background()))
	return r
}

func inject(t *testing.T, r *Router, segs ...models.Segment) {
	t.Helper()
	for _, seg := range segs {
		require.NoError(t, r.Inject(context.Background(), seg))
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	opts := OptionsFromConfig(cfg.Router)
	assert.Equal(t, cfg.Router.QueueCapacity, opts.QueueCapacity)
	assert.Equal(t, cfg.Router.FailureThreshold, opts.FailureThreshold)
	assert.Equal(t, cfg.Router.OverlapTolerance, opts.OverlapTolerance)

	defaults := Options{}.withDefaults()
	assert.Equal(t, 64, defaults.QueueCapacity)
	assert.Equal(t, 5, defaults.FailureThreshold)
	assert.Equal(t, 10*time.Second, defaults.RecoveryBackoff)
}

func TestRouter_Lifecycle(t *testing.T) {
	s := &recordingSink{target: "a"}
	r := New("live", testOptions(), nil, logging.Nop())
	assert.Equal(t, models.StreamStateInit, r.State())

	err := r.Inject(context.Background(), segment(models.TrackOriginal, 0, 1, "early"))
	assert.ErrorIs(t, err, ErrNotStarted)

	_, err = r.AddSink(s)
	require.NoError(t, err)
	_, err = r.AddSink(s)
	assert.Error(t, err, "duplicate sink should be rejected")

	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, models.StreamStateActive, r.State())
	assert.Error(t, r.Start(context.Background()))

	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, models.StreamStateClosed, r.State())
	assert.True(t, s.isClosed())

	select {
	case <-r.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}

	assert.ErrorIs(t, r.Inject(context.Background(), segment(models.TrackOriginal, 0, 1, "late")), ErrClosed)
	_, err = r.AddSink(&recordingSink{target: "b"})
	assert.ErrorIs(t, err, ErrClosed)

	// Stopping twice is a no-op
	assert.NoError(t, r.Stop(context.Background()))
}

func TestRouter_FIFOPerSinkWithInterleavedTracks(t *testing.T) {
	s := &recordingSink{target: "a"}
	r := startRouter(t, testOptions(), nil, s)

	inject(t, r,
		segment(models.TrackOriginal, 0, 1, "o1"),
		segment(models.TrackTranslated, 0, 1.5, "t1"),
		segment(models.TrackOriginal, 1, 2, "o2"),
		segment(models.TrackTranslated, 1.5, 3, "t2"),
		segment(models.TrackOriginal, 2, 3, "o3"),
	)
	require.NoError(t, r.Stop(context.Background()))

	assert.Equal(t, []string{"o1", "t1", "o2", "t2", "o3"}, s.texts())

	stats := r.Stats()
	assert.Equal(t, uint64(5), stats.Ingested)
	require.Len(t, stats.Sinks, 1)
	assert.Equal(t, uint64(5), stats.Sinks[0].Delivered)
}

func TestRouter_RejectsInvalidAndOutOfOrder(t *testing.T) {
	s := &recordingSink{target: "a"}
	r := startRouter(t, testOptions(), nil, s)

	inject(t, r,
		segment(models.TrackOriginal, 2, 1, "backwards"),
		segment(models.TrackOriginal, 0, 1, "   "),
		segment(models.TrackOriginal, 0, 4, "first"),
		segment(models.TrackOriginal, 3.7, 5, "small overlap"),
		segment(models.TrackOriginal, 1, 2, "too old"),
		// Ordering is tracked per track
		segment(models.TrackTranslated, 0, 1, "other track"),
	)
	require.NoError(t, r.Stop(context.Background()))

	assert.Equal(t, []string{"first", "small overlap", "other track"}, s.texts())
	assert.Equal(t, uint64(3), r.Stats().Ingested)
}

func TestRouter_FailingSinkIsIsolated(t *testing.T) {
	good1 := &recordingSink{target: "good1"}
	good2 := &recordingSink{target: "good2"}
	bad := &recordingSink{
		target: "bad",
		accept: func(models.Segment) (sink.Outcome, error) {
			return sink.OutcomeDelivered, errors.New("connection refused")
		},
	}
	r := startRouter(t, testOptions(), nil, good1, bad, good2)

	var segs []models.Segment
	for i := 0; i < 10; i++ {
		segs = append(segs, segment(models.TrackOriginal, float64(i), float64(i)+1, "line"))
	}
	inject(t, r, segs...)
	require.NoError(t, r.Stop(context.Background()))

	assert.Len(t, good1.texts(), 10)
	assert.Len(t, good2.texts(), 10)
	assert.Empty(t, bad.texts())

	var badStatus models.SinkStatus
	for _, st := range r.Sinks() {
		if st.Target == "bad" {
			badStatus = st
		} else {
			assert.Equal(t, models.HealthHealthy, st.Health)
		}
	}
	assert.Equal(t, models.HealthFailed, badStatus.Health)
	assert.Equal(t, uint64(5), badStatus.Failed)
	assert.Equal(t, "connection refused", badStatus.LastError)
}

func TestRouter_QueueOverflowDropsNewest(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	s := &recordingSink{
		target: "slow",
		accept: func(models.Segment) (sink.Outcome, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return sink.OutcomeDelivered, nil
		},
	}

	opts := testOptions()
	opts.QueueCapacity = 2
	opts.DeliveryTimeout = 5 * time.Second
	r := startRouter(t, opts, nil, s)
	h := r.Handles()[0]

	inject(t, r, segment(models.TrackOriginal, 0, 1, "s1"))
	<-started

	inject(t, r,
		segment(models.TrackOriginal, 1, 2, "s2"),
		segment(models.TrackOriginal, 2, 3, "s3"),
		segment(models.TrackOriginal, 3, 4, "s4"),
	)
	require.Eventually(t, func() bool { return h.Status().Dropped == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.Len())
	// Health only moves on the delivery worker, which is still busy with s1.
	assert.Equal(t, models.HealthHealthy, h.Health())

	release <- struct{}{}
	require.Eventually(t, func() bool { return h.Health() == models.HealthDegraded }, time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, r.Stop(context.Background()))

	assert.Equal(t, []string{"s1", "s2", "s3"}, s.texts())
	assert.Equal(t, models.HealthHealthy, h.Health())
}

func TestRouter_AbsentStreamDoesNotFail(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	remote := sink.NewRemoteSink(sink.RemoteOptions{Endpoint: srv.URL, Stream: "live"}, config.Default().Remote, logging.Nop())
	r := startRouter(t, testOptions(), nil, remote)

	inject(t, r,
		segment(models.TrackOriginal, 0, 1, "first"),
		segment(models.TrackOriginal, 1, 2, "second"),
	)
	require.NoError(t, r.Stop(context.Background()))

	st := r.Sinks()[0]
	assert.Equal(t, models.HealthHealthy, st.Health)
	assert.Equal(t, uint64(1), st.Absent)
	assert.Equal(t, uint64(1), st.Delivered)
	assert.Equal(t, 0, st.ConsecutiveFailures)
}

func TestRouter_FailedSinkRecovers(t *testing.T) {
	var posts, probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/status") {
			probes.Add(1)
			w.WriteHeader(http.StatusOK)
			return
		}
		if posts.Add(1) <= 5 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	opts := testOptions()
	opts.RecoveryBackoff = 20 * time.Millisecond
	remote := sink.NewRemoteSink(sink.RemoteOptions{Endpoint: srv.URL, Stream: "live"}, config.Default().Remote, logging.Nop())
	r := startRouter(t, opts, nil, remote)
	h := r.Handles()[0]

	for i := 0; i < 5; i++ {
		inject(t, r, segment(models.TrackOriginal, float64(i), float64(i)+1, "fail"))
	}
	require.Eventually(t, func() bool { return h.Status().Failed == 5 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.Health() == models.HealthHealthy }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, probes.Load(), int32(1))

	inject(t, r, segment(models.TrackOriginal, 10, 11, "back"))
	require.NoError(t, r.Stop(context.Background()))

	st := h.Status()
	assert.Equal(t, uint64(1), st.Delivered)
	assert.Equal(t, models.HealthHealthy, st.Health)
}

func TestRouter_EndToEndFromProducers(t *testing.T) {
	engine := source.NewStaticEngine(map[source.Task][]models.Segment{
		source.TaskTranscribe: {
			{Start: 0.0, End: 1.2, Text: "Hello"},
			{Start: 1.2, End: 2.5, Text: "World"},
		},
		source.TaskTranslate: {
			{Start: 0.0, End: 2.5, Text: "Bonjour le monde"},
		},
	})
	producers, err := source.Open(context.Background(), engine, strings.NewReader("pcm"), source.OpenOptions{
		Stream:         "live",
		Language:       "en",
		TargetLanguage: "fr",
		Mode:           models.ModeBoth,
	})
	require.NoError(t, err)
	require.Len(t, producers, 2)

	var calls atomic.Int32
	var mu sync.Mutex
	var posted []models.CaptionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body models.CaptionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			mu.Lock()
			posted = append(posted, body)
			mu.Unlock()
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hls := sink.NewHLSSink("live", nil, config.Default().HLS)
	remote := sink.NewRemoteSink(sink.RemoteOptions{Endpoint: srv.URL, Stream: "live"}, config.Default().Remote, logging.Nop())

	r := New("live", testOptions(), nil, logging.Nop())
	_, err = r.AddSink(hls)
	require.NoError(t, err)
	_, err = r.AddSink(remote)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background(), producers...))

	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("router should close after its producers end")
	}

	assert.Equal(t, models.StreamStateClosed, r.State())
	assert.Equal(t, uint64(3), r.Stats().Ingested)

	original := hls.Cues(models.TrackOriginal)
	require.Len(t, original, 2)
	assert.Equal(t, "Hello", original[0].Text)
	assert.Equal(t, "World", original[1].Text)
	translated := hls.Cues(models.TrackTranslated)
	require.Len(t, translated, 1)
	assert.Equal(t, "Bonjour le monde", translated[0].Text)

	mu.Lock()
	assert.Len(t, posted, 3)
	mu.Unlock()

	for _, st := range r.Sinks() {
		assert.NotEqual(t, models.HealthFailed, st.Health, st.Target)
	}
	assert.Equal(t, r.HLS(), hls)
}

func TestRouter_FilteredSegmentReachesNoSink(t *testing.T) {
	store := filter.NewStore(filter.NewSnapshot(filter.FilterDocument{FilterWords: []string{"badword"}}, filter.VocabularyDocument{}))
	a := &recordingSink{target: "a"}
	b := &recordingSink{target: "b"}
	r := startRouter(t, testOptions(), store, a, b)

	inject(t, r,
		segment(models.TrackOriginal, 0, 1, "this has a badword in it"),
		segment(models.TrackOriginal, 1, 2, "a clean line"),
	)
	require.NoError(t, r.Stop(context.Background()))

	assert.Equal(t, []string{"a clean line"}, a.texts())
	assert.Equal(t, []string{"a clean line"}, b.texts())

	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.Ingested)
	assert.Equal(t, uint64(1), stats.Filtered)
}

func TestRouter_InjectTextNeverOverlaps(t *testing.T) {
	s := &recordingSink{target: "a"}
	r := startRouter(t, testOptions(), nil, s)

	first, err := r.InjectText(context.Background(), models.TrackOriginal, "", "one", 3*time.Second)
	require.NoError(t, err)
	second, err := r.InjectText(context.Background(), models.TrackOriginal, "de", "two", 3*time.Second)
	require.NoError(t, err)

	assert.Equal(t, "en", first.Language)
	assert.Equal(t, "de", second.Language)
	assert.GreaterOrEqual(t, second.Start, first.End)

	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, []string{"one", "two"}, s.texts())
}

func TestRouter_DrainTimeoutForcesClose(t *testing.T) {
	s := &recordingSink{
		target: "stuck",
		accept: func(models.Segment) (sink.Outcome, error) {
			time.Sleep(200 * time.Millisecond)
			return sink.OutcomeDelivered, nil
		},
	}
	opts := testOptions()
	opts.DrainTimeout = 50 * time.Millisecond
	r := startRouter(t, opts, nil, s)

	for i := 0; i < 5; i++ {
		inject(t, r, segment(models.TrackOriginal, float64(i), float64(i)+1, "slow"))
	}

	err := r.Stop(context.Background())
	assert.Error(t, err)
	assert.Equal(t, models.StreamStateClosed, r.State())
	assert.True(t, s.isClosed())
	assert.Less(t, len(s.texts()), 5)
}

func TestRouter_InjectAfterStopIsRejected(t *testing.T) {
	s := &recordingSink{target: "a"}
	r := startRouter(t, testOptions(), nil, s)

	var accepted atomic.Int64
	injected := make(chan struct{})
	go func() {
		defer close(injected)
		for i := 0; ; i++ {
			err := r.Inject(context.Background(), segment(models.TrackOriginal, float64(i), float64(i)+1, "line"))
			if err != nil {
				assert.ErrorIs(t, err, ErrClosed)
				return
			}
			accepted.Add(1)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Stop(context.Background()))
	<-injected

	// Every injection that reported success went through the dispatch loop.
	assert.Equal(t, uint64(accepted.Load()), r.Stats().Ingested)
	assert.Len(t, s.texts(), int(accepted.Load()))
	assert.ErrorIs(t, r.Inject(context.Background(), segment(models.TrackOriginal, 0, 1, "late")), ErrClosed)
}

// gatedEncoder blocks every burn until release is closed
type gatedEncoder struct {
	started chan struct{}
	release chan struct{}
}

func (e *gatedEncoder) BurnSubtitles(ctx context.Context, opts media.BurnOptions) error {
	select {
	case e.started <- struct{}{}:
	default:
	}
	select {
	case <-e.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return os.WriteFile(opts.OutputPath, []byte("burned"), 0o644)
}

// armedChunks hands out its chunk once, after armed is closed
type armedChunks struct {
	armed chan struct{}
	once  sync.Once
	chunk media.Chunk
}

func (c *armedChunks) Chunks(ctx context.Context) ([]media.Chunk, error) {
	select {
	case <-c.armed:
	default:
		return nil, nil
	}
	var out []media.Chunk
	c.once.Do(func() { out = []media.Chunk{c.chunk} })
	return out, nil
}

func TestRouter_BusyEncoderDegradesHardSub(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "chunk_00000.ts")
	require.NoError(t, os.WriteFile(in, []byte("video"), 0o644))

	encoder := &gatedEncoder{started: make(chan struct{}, 1), release: make(chan struct{})}
	chunks := &armedChunks{armed: make(chan struct{}), chunk: media.Chunk{Path: in, Start: 0, Duration: 10}}
	hs := sink.NewHardSubSink(sink.HardSubOptions{
		WorkDir: dir,
		Encoder: encoder,
		Chunks:  chunks,
	}, config.HardSubConfig{QueueSize: 1, Track: "TRANSLATED", ChunkDuration: 20 * time.Millisecond}, logging.Nop())

	r := startRouter(t, testOptions(), nil, hs)
	h := r.Handles()[0]

	inject(t, r, segment(models.TrackTranslated, 1, 3, "burned in"))
	require.Eventually(t, func() bool { return hs.TextAt(2) == "burned in" }, 2*time.Second, 5*time.Millisecond)
	close(chunks.armed)
	select {
	case <-encoder.started:
	case <-time.After(2 * time.Second):
		t.Fatal("encoder never started")
	}

	// The encoder holds the loop: one segment fits the sink queue, the
	// next one is refused.
	inject(t, r,
		segment(models.TrackTranslated, 3, 4, "queued"),
		segment(models.TrackTranslated, 4, 5, "refused"),
	)
	require.Eventually(t, func() bool { return h.Health() == models.HealthDegraded }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), h.Status().Failed)
	assert.ErrorIs(t, hs.Probe(context.Background()), sink.ErrEncoderBusy)

	close(encoder.release)
	require.Eventually(t, func() bool { return hs.Encoded() == 1 }, 2*time.Second, 5*time.Millisecond)

	inject(t, r, segment(models.TrackTranslated, 5, 6, "after"))
	require.Eventually(t, func() bool { return h.Health() == models.HealthHealthy }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Stop(context.Background()))
}
