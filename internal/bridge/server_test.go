package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/config"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/filter"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/logging"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/router"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

type testBridge struct {
	server  *Server
	manager *router.Manager
	handler http.Handler
}

func newTestBridge(t *testing.T, cfg *config.Config, filters *filter.Store) *testBridge {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if cfg == nil {
		cfg = config.Default()
	}
	cfg.Bridge.RateLimit = 0

	manager := router.NewManager(router.ManagerDeps{Config: cfg, Filters: filters, Logger: logging.Nop()})
	server := NewServer(cfg, manager, filters, logging.Nop())
	t.Cleanup(func() {
		manager.Shutdown(context.Background())
	})

	return &testBridge{server: server, manager: manager, handler: server.Handler()}
}

func (b *testBridge) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		switch v := body.(type) {
		case string:
			buf.WriteString(v)
		default:
			json.NewEncoder(&buf).Encode(v)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	b.handler.ServeHTTP(w, req)
	return w
}

func (b *testBridge) publish(t *testing.T, name string) {
	t.Helper()
	w := b.do("POST", "/api/v1/streams/"+name+"/publish", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func decodeCaptionResponse(t *testing.T, w *httptest.ResponseRecorder) models.CaptionResponse {
	t.Helper()
	var resp models.CaptionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestPostCaption(t *testing.T) {
	b := newTestBridge(t, nil, nil)
	b.publish(t, "myStream")

	w := b.do("POST", "/livevtt/captions", models.CaptionRequest{
		Text: "Hello world", Lang: "eng", TrackID: models.TrackNumber(99), StreamName: "myStream",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeCaptionResponse(t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, "Caption added successfully", resp.Message)

	w = b.do("POST", "/livevtt/captions", models.CaptionRequest{
		Text: "Bonjour", Lang: "fra", TrackID: models.TrackNumber(100), StreamName: "myStream",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	r, ok := b.manager.Get("myStream")
	require.True(t, ok)
	hls := r.HLS()
	require.NotNil(t, hls)

	require.Eventually(t, func() bool {
		return len(hls.Cues(models.TrackOriginal)) == 1 && len(hls.Cues(models.TrackTranslated)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Hello world", hls.Cues(models.TrackOriginal)[0].Text)
	assert.Equal(t, "fra", hls.Language(models.TrackTranslated))
}

func TestPostCaption_OptionalFields(t *testing.T) {
	b := newTestBridge(t, nil, nil)
	w := b.do("POST", "/api/v1/streams/ru/publish", map[string]interface{}{
		"language": "ru",
		"sinks":    []map[string]string{{"kind": "hls"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	b.publish(t, "plain")

	tests := []struct {
		name     string
		body     map[string]interface{}
		stream   string
		track    models.Track
		language string
	}{
		{
			name:     "No lang or trackid",
			body:     map[string]interface{}{"text": "Привет", "streamname": "ru"},
			stream:   "ru",
			track:    models.TrackOriginal,
			language: "ru",
		},
		{
			name:     "Zero trackid",
			body:     map[string]interface{}{"text": "zero", "trackid": 0, "streamname": "plain"},
			stream:   "plain",
			track:    models.TrackOriginal,
			language: "eng",
		},
		{
			name:     "Translated trackid without lang",
			body:     map[string]interface{}{"text": "Hello", "trackid": 100, "streamname": "ru"},
			stream:   "ru",
			track:    models.TrackTranslated,
			language: "en",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := b.do("POST", "/livevtt/captions", tt.body)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.True(t, decodeCaptionResponse(t, w).Success)

			r, ok := b.manager.Get(tt.stream)
			require.True(t, ok)
			hls := r.HLS()
			require.NotNil(t, hls)
			require.Eventually(t, func() bool {
				cues := hls.Cues(tt.track)
				return len(cues) > 0 && cues[len(cues)-1].Text == tt.body["text"]
			}, time.Second, 5*time.Millisecond)
			assert.Equal(t, tt.language, hls.Language(tt.track))
		})
	}
}

func TestPostCaption_Errors(t *testing.T) {
	b := newTestBridge(t, nil, nil)
	b.publish(t, "myStream")

	tests := []struct {
		name           string
		body           interface{}
		expectedStatus int
	}{
		{
			name:           "Malformed JSON",
			body:           "{not json",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Missing text",
			body:           map[string]interface{}{"lang": "eng", "trackid": 99, "streamname": "myStream"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Missing stream name",
			body:           map[string]interface{}{"text": "hi", "lang": "eng", "trackid": 99},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Blank text",
			body:           models.CaptionRequest{Text: "   ", Lang: "eng", TrackID: models.TrackNumber(99), StreamName: "myStream"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Unknown stream",
			body:           models.CaptionRequest{Text: "hi", Lang: "eng", TrackID: models.TrackNumber(99), StreamName: "other"},
			expectedStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := b.do("POST", "/livevtt/captions", tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code)
			resp := decodeCaptionResponse(t, w)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestPostCaption_RequiresAuthWhenConfigured(t *testing.T) {
	cfg := config.Default()
	cfg.Bridge.Username = "wowza"
	cfg.Bridge.Password = "secret"
	b := newTestBridge(t, cfg, nil)

	w := b.do("POST", "/livevtt/captions", models.CaptionRequest{Text: "hi", Lang: "eng", TrackID: models.TrackNumber(99), StreamName: "s"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(models.CaptionRequest{Text: "hi", Lang: "eng", TrackID: models.TrackNumber(99), StreamName: "s"})
	req := httptest.NewRequest("POST", "/livevtt/captions", &buf)
	req.SetBasicAuth("wowza", "secret")
	w = httptest.NewRecorder()
	b.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code, "authenticated request reaches the handler")

	// The status endpoint stays open
	w = b.do("GET", "/livevtt/captions/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCaptionStatus(t *testing.T) {
	b := newTestBridge(t, nil, nil)

	before := time.Now().UnixMilli()
	w := b.do("GET", "/livevtt/captions/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status models.BridgeStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "active", status.Status)
	assert.Equal(t, "1.0.0", status.Version)
	assert.GreaterOrEqual(t, status.Timestamp, before)
}

func TestStreamLifecycle(t *testing.T) {
	b := newTestBridge(t, nil, nil)

	w := b.do("POST", "/api/v1/streams/live/publish", models.StreamSpec{
		Language: "ru",
		Mode:     models.ModeBoth,
		Sinks:    []models.SinkSpec{{Kind: models.SinkKindHLS, Tracks: []models.Track{models.TrackTranslated}}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = b.do("POST", "/api/v1/streams/live/publish", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = b.do("GET", "/api/v1/streams", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Streams []models.StreamStatus `json:"streams"`
		Count   int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, models.ModeBoth, list.Streams[0].Mode)

	w = b.do("GET", "/api/v1/streams/live/sinks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sinks struct {
		State models.StreamState  `json:"state"`
		Sinks []models.SinkStatus `json:"sinks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sinks))
	assert.Equal(t, models.StreamStateActive, sinks.State)
	require.Len(t, sinks.Sinks, 1)
	assert.Equal(t, models.SinkKindHLS, sinks.Sinks[0].Kind)
	assert.Equal(t, models.HealthHealthy, sinks.Sinks[0].Health)

	w = b.do("GET", "/api/v1/streams/missing/sinks", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = b.do("POST", "/api/v1/streams/bad/publish", models.StreamSpec{Mode: "sideways"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = b.do("DELETE", "/api/v1/streams/live", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var closed models.StreamStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &closed))
	assert.Equal(t, models.StreamStateClosed, closed.State)

	w = b.do("DELETE", "/api/v1/streams/live", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = b.do("GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"streams":0`)
}

func TestPublishUsesConfiguredStream(t *testing.T) {
	cfg := config.Default()
	cfg.Streams = []models.StreamSpec{{
		Name:     "news",
		Language: "de",
		Mode:     models.ModeTranslateOnly,
		Sinks:    []models.SinkSpec{{Kind: models.SinkKindHLS}},
	}}
	b := newTestBridge(t, cfg, nil)
	b.publish(t, "news")

	r, ok := b.manager.Get("news")
	require.True(t, ok)
	stats := r.Stats()
	assert.Equal(t, "de", stats.Language)
	assert.Equal(t, models.ModeTranslateOnly, stats.Mode)
}

func TestReloadFilters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "filter.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"filter_words": ["badword"]}`), 0644))

	store, err := filter.Load(path, "", logging.Nop())
	require.NoError(t, err)
	b := newTestBridge(t, nil, store)

	require.NoError(t, os.WriteFile(path, []byte(`{"filter_words": ["badword", "worse"]}`), 0644))
	w := b.do("POST", "/api/v1/filters/reload", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, matched := store.Snapshot().Match("en", "this is worse")
	assert.True(t, matched)

	require.NoError(t, os.WriteFile(path, []byte(`{"filter_words": `), 0644))
	w = b.do("POST", "/api/v1/filters/reload", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// The previous configuration stays active
	_, matched = store.Snapshot().Match("en", "this is worse")
	assert.True(t, matched)
}

func TestFilteredCaptionNeverReachesTextTrack(t *testing.T) {
	store := filter.NewStore(filter.NewSnapshot(filter.FilterDocument{FilterWords: []string{"badword"}}, filter.VocabularyDocument{}))
	b := newTestBridge(t, nil, store)
	b.publish(t, "live")

	for _, text := range []string{"this has a badword in it", "clean"} {
		w := b.do("POST", "/livevtt/captions", models.CaptionRequest{Text: text, Lang: "eng", TrackID: models.TrackNumber(99), StreamName: "live"})
		require.Equal(t, http.StatusOK, w.Code)
	}

	r, _ := b.manager.Get("live")
	hls := r.HLS()
	require.Eventually(t, func() bool { return len(hls.Cues(models.TrackOriginal)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	cues := hls.Cues(models.TrackOriginal)
	require.Len(t, cues, 1)
	assert.Equal(t, "clean", cues[0].Text)
}

func TestTextTrackRoutes(t *testing.T) {
	b := newTestBridge(t, nil, nil)
	b.publish(t, "live")

	w := b.do("POST", "/livevtt/captions", models.CaptionRequest{Text: "Hello", Lang: "eng", TrackID: models.TrackNumber(99), StreamName: "live"})
	require.Equal(t, http.StatusOK, w.Code)

	r, _ := b.manager.Get("live")
	require.Eventually(t, func() bool { return len(r.HLS().Cues(models.TrackOriginal)) == 1 }, time.Second, 5*time.Millisecond)

	w = b.do("GET", "/streams/live/subs/original/playlist.m3u8", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "#EXTM3U")
	assert.Contains(t, w.Body.String(), "0.vtt")

	w = b.do("GET", "/streams/live/subs/original/0.vtt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "WEBVTT"))
	assert.Contains(t, w.Body.String(), "Hello")

	w = b.do("GET", "/streams/live/subs.m3u8", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `URI="subs/original/playlist.m3u8"`)
	assert.NotContains(t, w.Body.String(), "translated")

	for _, path := range []string{
		"/streams/live/subs/original/999.vtt",
		"/streams/live/subs/original/zero.vtt",
		"/streams/live/subs/klingon/playlist.m3u8",
		"/streams/missing/subs/original/playlist.m3u8",
	} {
		w = b.do("GET", path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}
