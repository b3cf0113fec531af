// Package bridge exposes the caption HTTP API: the caption ingest endpoint
// streaming servers and operators post to, stream lifecycle and health
// queries, filter reloads and the HLS text track routes.
package bridge

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/config"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/filter"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/logging"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/metrics"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/middleware"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/router"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/sink"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

// Server holds the handlers of the caption bridge
type Server struct {
	cfg     *config.Config
	manager *router.Manager
	filters *filter.Store
	limiter *middleware.RateLimiter
	logger  *logging.Logger
}

// NewServer creates the caption bridge
func NewServer(cfg *config.Config, manager *router.Manager, filters *filter.Store, logger *logging.Logger) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if filters == nil {
		filters = filter.NewStore(filter.Empty)
	}
	middleware.SetJWTSecret(cfg.Bridge.JWTSecret)

	var limiter *middleware.RateLimiter
	if cfg.Bridge.RateLimit > 0 {
		limiter = middleware.NewRateLimiter(cfg.Bridge.RateLimit, cfg.Bridge.RateBurst)
	}

	return &Server{
		cfg:     cfg,
		manager: manager,
		filters: filters,
		limiter: limiter,
		logger:  logger,
	}
}

// Limiter returns the caption rate limiter, nil when rate limiting is off
func (s *Server) Limiter() *middleware.RateLimiter {
	return s.limiter
}

// Handler builds the gin engine serving every route
func (s *Server) Handler() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.Logger(s.logger))

	engine.GET("/health", s.health)

	if s.cfg.Bridge.Enabled {
		captions := engine.Group("/livevtt/captions")
		if s.limiter != nil {
			captions.Use(middleware.RateLimit(s.limiter))
		}
		captions.GET("/status", s.captionStatus)
		captions.POST("", middleware.CaptionAuth(s.cfg.Bridge.Username, s.cfg.Bridge.Password), s.postCaption)
	}

	api := engine.Group("/api/v1")
	api.Use(middleware.CaptionAuth(s.cfg.Bridge.Username, s.cfg.Bridge.Password))
	{
		api.GET("/streams", s.listStreams)
		api.GET("/streams/:name/sinks", s.streamSinks)
		api.POST("/streams/:name/publish", s.publishStream)
		api.DELETE("/streams/:name", s.unpublishStream)
		api.POST("/filters/reload", s.reloadFilters)
	}

	engine.GET("/streams/:name/subs.m3u8", s.masterPlaylist)
	engine.GET("/streams/:name/subs/:track/:file", s.textTrack)

	return engine
}

// defaultCaptionLang is used when neither the request nor the stream names
// a language
const defaultCaptionLang = "eng"

func captionError(c *gin.Context, status int, message string) {
	c.JSON(status, models.CaptionResponse{Success: false, Message: message})
}

// postCaption injects an operator or server caption into a running stream
func (s *Server) postCaption(c *gin.Context) {
	var req models.CaptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		captionError(c, http.StatusBadRequest, fmt.Sprintf("Invalid caption request: %v", err))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		captionError(c, http.StatusBadRequest, "Missing required field: text")
		return
	}

	r, ok := s.manager.Get(req.StreamName)
	if !ok || r.State() != models.StreamStateActive {
		captionError(c, http.StatusNotFound, "Stream not found: "+req.StreamName)
		return
	}

	track := models.TrackOriginal
	if req.TrackID != nil && *req.TrackID == s.cfg.Remote.TranslatedTrackID {
		track = models.TrackTranslated
	}
	lang := req.Lang
	if lang == "" {
		lang = r.Language(track)
	}
	if lang == "" {
		lang = defaultCaptionLang
	}

	duration := s.cfg.Bridge.CaptionDuration
	if duration <= 0 {
		duration = 3 * time.Second
	}

	seg, err := r.InjectText(c.Request.Context(), track, lang, req.Text, duration)
	switch {
	case err == nil:
	case errors.Is(err, router.ErrClosed), errors.Is(err, router.ErrNotStarted):
		captionError(c, http.StatusNotFound, "Stream not found: "+req.StreamName)
		return
	case errors.Is(err, models.ErrInvalidText), errors.Is(err, models.ErrEmptyText):
		captionError(c, http.StatusBadRequest, err.Error())
		return
	default:
		metrics.RecordError("bridge", "inject")
		s.logger.WithStream(req.StreamName).ErrorWithErr("Failed to inject caption", err)
		captionError(c, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	s.logger.WithStream(req.StreamName).WithTrack(string(track)).Debugf("Caption %s injected at %.3f", seg.ID, seg.Start)
	c.JSON(http.StatusOK, models.CaptionResponse{Success: true, Message: "Caption added successfully"})
}

func (s *Server) captionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, models.BridgeStatus{
		Status:    "active",
		Version:   s.cfg.Bridge.Version,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"streams": len(s.manager.Streams()),
		"filters": s.filters.Snapshot().Size(),
	})
}

func (s *Server) listStreams(c *gin.Context) {
	streams := s.manager.Streams()
	c.JSON(http.StatusOK, gin.H{
		"streams": streams,
		"count":   len(streams),
	})
}

func (s *Server) streamSinks(c *gin.Context) {
	r, ok := s.manager.Get(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Stream not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stream": r.Stream(),
		"state":  r.State(),
		"sinks":  r.Sinks(),
	})
}

type publishRequest struct {
	Source   string            `json:"source"`
	Language string            `json:"language"`
	Mode     models.Mode       `json:"mode"`
	Sinks    []models.SinkSpec `json:"sinks"`
}

// publishStream opens a router for the stream. The body may carry a full
// stream spec; without one the configured spec of that name is used, and
// failing that a stream with a single HLS text track sink.
func (s *Server) publishStream(c *gin.Context) {
	name := c.Param("name")

	spec, found := s.configuredStream(name)
	if c.Request.ContentLength > 0 {
		var body publishRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		spec = models.StreamSpec{
			Source:   body.Source,
			Language: body.Language,
			Mode:     body.Mode,
			Sinks:    body.Sinks,
		}
		found = true
	}
	if !found {
		spec = models.StreamSpec{
			Name:  name,
			Mode:  models.ModeTranscribeOnly,
			Sinks: []models.SinkSpec{{Kind: models.SinkKindHLS}},
		}
	}
	spec.Name = name

	r, err := s.manager.Open(c.Request.Context(), spec)
	if err != nil {
		if errors.Is(err, router.ErrStreamExists) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Failed to open stream: %v", err)})
		return
	}

	c.JSON(http.StatusCreated, r.Stats())
}

func (s *Server) configuredStream(name string) (models.StreamSpec, bool) {
	for _, spec := range s.cfg.Streams {
		if spec.Name == name {
			return spec, true
		}
	}
	return models.StreamSpec{}, false
}

func (s *Server) unpublishStream(c *gin.Context) {
	name := c.Param("name")
	r, ok := s.manager.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Stream not found"})
		return
	}

	if err := r.Stop(c.Request.Context()); err != nil {
		s.logger.WithStream(name).WarnWithErr("Stream drained with errors", err)
	}

	c.JSON(http.StatusOK, r.Stats())
}

func (s *Server) reloadFilters(c *gin.Context) {
	if err := s.filters.Reload(); err != nil {
		if errors.Is(err, filter.ErrMalformed) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	snap := s.filters.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"phrases":   snap.Size(),
		"languages": snap.Languages(),
		"loaded_at": snap.LoadedAt(),
	})
}

func (s *Server) hlsSink(c *gin.Context) (*sink.HLSSink, bool) {
	r, ok := s.manager.Get(c.Param("name"))
	if !ok {
		c.String(http.StatusNotFound, "stream not found")
		return nil, false
	}
	hls := r.HLS()
	if hls == nil {
		c.String(http.StatusNotFound, "stream has no text tracks")
		return nil, false
	}
	return hls, true
}

func (s *Server) masterPlaylist(c *gin.Context) {
	hls, ok := s.hlsSink(c)
	if !ok {
		return
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, track := range []models.Track{models.TrackOriginal, models.TrackTranslated} {
		if len(hls.Cues(track)) == 0 {
			continue
		}
		uri := fmt.Sprintf("subs/%s/playlist.m3u8", strings.ToLower(string(track)))
		b.WriteString(hls.MasterMedia(track, uri))
		b.WriteString("\n")
	}

	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "application/vnd.apple.mpegurl", []byte(b.String()))
}

// textTrack serves playlist.m3u8 and the numbered .vtt segments of a track
func (s *Server) textTrack(c *gin.Context) {
	track := models.Track(strings.ToUpper(c.Param("track")))
	if !track.Valid() {
		c.String(http.StatusNotFound, "unknown track")
		return
	}
	hls, ok := s.hlsSink(c)
	if !ok {
		return
	}

	file := c.Param("file")
	if file == "playlist.m3u8" {
		c.Header("Cache-Control", "no-cache")
		c.Data(http.StatusOK, "application/vnd.apple.mpegurl", []byte(hls.Playlist(track)))
		return
	}

	seq, err := strconv.Atoi(strings.TrimSuffix(file, ".vtt"))
	if err != nil || !strings.HasSuffix(file, ".vtt") {
		c.String(http.StatusNotFound, "not found")
		return
	}

	body, err := hls.SegmentVTT(track, seq)
	if err != nil {
		c.String(http.StatusNotFound, err.Error())
		return
	}
	c.Header("Cache-Control", "max-age=60")
	c.Data(http.StatusOK, "text/vtt; charset=utf-8", []byte(body))
}
