package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/livevtt/internal/config"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/filter"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/logging"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/media"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/sink"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/source"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

// HealthPublisher stores stream health snapshots for other processes
type HealthPublisher interface {
	SetStreamHealth(ctx context.Context, status models.StreamStatus, ttl time.Duration) error
	DeleteStreamHealth(ctx context.Context, stream string) error
}

// ManagerDeps holds what the manager needs to open streams
type ManagerDeps struct {
	Config  *config.Config
	Engine  source.Engine
	FFmpeg  *media.FFmpeg
	Filters *filter.Store
	Health  HealthPublisher // optional
	Logger  *logging.Logger
}

// Manager keeps the registry of active stream routers
type Manager struct {
	cfg     *config.Config
	engine  source.Engine
	ffmpeg  *media.FFmpeg
	filters *filter.Store
	health  HealthPublisher
	logger  *logging.Logger

	routers map[string]*Router
	mu      sync.RWMutex
}

// NewManager creates a new router manager
func NewManager(deps ManagerDeps) *Manager {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	ffmpeg := deps.FFmpeg
	if ffmpeg == nil {
		ffmpeg = media.NewFFmpeg(cfg.Archive.FFmpegPath, cfg.Archive.FFprobePath)
	}
	filters := deps.Filters
	if filters == nil {
		filters = filter.NewStore(filter.Empty)
	}

	return &Manager{
		cfg:     cfg,
		engine:  deps.Engine,
		ffmpeg:  ffmpeg,
		filters: filters,
		health:  deps.Health,
		logger:  logger,
		routers: make(map[string]*Router),
	}
}

// Open builds the sinks of spec, starts the segment source when the spec
// names one and registers the running router
func (m *Manager) Open(ctx context.Context, spec models.StreamSpec) (*Router, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if spec.Mode == "" {
		spec.Mode = models.ModeTranscribeOnly
	}
	mode, err := models.ParseMode(string(spec.Mode))
	if err != nil {
		return nil, err
	}
	spec.Mode = mode

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.routers[spec.Name]; exists && existing.State() != models.StreamStateClosed {
		return nil, fmt.Errorf("%w: %s", ErrStreamExists, spec.Name)
	}

	opts := OptionsFromConfig(m.cfg.Router)
	opts.Language = spec.Language
	opts.Mode = spec.Mode
	r := New(spec.Name, opts, m.filters, m.logger)

	deps := sink.Deps{Config: m.cfg, FFmpeg: m.ffmpeg, Source: spec.Source, Logger: m.logger}
	for _, ss := range spec.Sinks {
		s, err := sink.Build(spec.Name, ss, deps)
		if err == nil {
			_, err = r.AddSink(s)
			if err != nil {
				s.Close(ctx)
			}
		}
		if err != nil {
			r.Stop(ctx)
			return nil, fmt.Errorf("stream %s: %w", spec.Name, err)
		}
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	var producers []*source.Producer
	if spec.Source != "" {
		producers, err = m.openSource(streamCtx, spec)
		if err != nil {
			cancel()
			r.Stop(ctx)
			return nil, fmt.Errorf("stream %s: %w", spec.Name, err)
		}
	}

	if err := r.Start(streamCtx, producers...); err != nil {
		cancel()
		return nil, err
	}

	m.routers[spec.Name] = r
	go m.watch(r, cancel)

	m.logger.WithStream(spec.Name).Infof("Opened stream with %d sinks in %s mode", len(spec.Sinks), spec.Mode)
	return r, nil
}

func (m *Manager) openSource(ctx context.Context, spec models.StreamSpec) ([]*source.Producer, error) {
	if m.engine == nil {
		return nil, fmt.Errorf("no speech engine configured for source %s", spec.Source)
	}

	audio, err := m.ffmpeg.StreamAudio(ctx, spec.Source, m.cfg.Engine.SampleRate)
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		audio.Close()
	}()

	return source.Open(ctx, m.engine, audio, source.OpenOptions{
		Stream:     spec.Name,
		Language:   spec.Language,
		Mode:       spec.Mode,
		Vocabulary: m.filters.Snapshot(),
		Model:      m.cfg.Engine.Model,
		BeamSize:   m.cfg.Engine.BeamSize,
		VADFilter:  m.cfg.Engine.VADFilter,
		Logger:     m.logger,
	})
}

// watch removes a router from the registry once it closes, whether it was
// stopped or its producers ended
func (m *Manager) watch(r *Router, cancel context.CancelFunc) {
	<-r.Done()
	cancel()

	m.mu.Lock()
	if m.routers[r.Stream()] == r {
		delete(m.routers, r.Stream())
	}
	m.mu.Unlock()

	if m.health != nil {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := m.health.DeleteStreamHealth(ctx, r.Stream()); err != nil {
			m.logger.WithStream(r.Stream()).WarnWithErr("Failed to delete stream health", err)
		}
	}
}

// Close drains and closes a stream
func (m *Manager) Close(ctx context.Context, name string) error {
	r, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, name)
	}
	return r.Stop(ctx)
}

// Get returns the router of an open stream
func (m *Manager) Get(name string) (*Router, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routers[name]
	if !ok || r.State() == models.StreamStateClosed {
		return nil, false
	}
	return r, true
}

// Streams returns the status of every open stream sorted by name
func (m *Manager) Streams() []models.StreamStatus {
	m.mu.RLock()
	routers := make([]*Router, 0, len(m.routers))
	for _, r := range m.routers {
		routers = append(routers, r)
	}
	m.mu.RUnlock()

	out := make([]models.StreamStatus, 0, len(routers))
	for _, r := range routers {
		if st := r.Stats(); st.State != models.StreamStateClosed {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stream < out[j].Stream })
	return out
}

// OpenConfigured opens every stream declared in configuration
func (m *Manager) OpenConfigured(ctx context.Context) error {
	for _, spec := range m.cfg.Streams {
		if _, err := m.Open(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

// Run publishes stream health every interval until ctx is done
func (m *Manager) Run(ctx context.Context) {
	if m.health == nil {
		<-ctx.Done()
		return
	}

	interval := m.cfg.Redis.HealthInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.publishHealth(ctx)
		}
	}
}

func (m *Manager) publishHealth(ctx context.Context) {
	ttl := m.cfg.Redis.HealthTTL
	if ttl <= 0 {
		ttl = 3 * m.cfg.Redis.HealthInterval
	}
	for _, status := range m.Streams() {
		if err := m.health.SetStreamHealth(ctx, status, ttl); err != nil {
			m.logger.WithStream(status.Stream).WarnWithErr("Failed to publish stream health", err)
		}
	}
}

// Shutdown drains every open stream
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	routers := make([]*Router, 0, len(m.routers))
	for _, r := range m.routers {
		routers = append(routers, r)
	}
	m.mu.RUnlock()

	m.logger.Infof("Shutting down %d streams", len(routers))

	var wg sync.WaitGroup
	errs := make(chan error, len(routers))
	for _, r := range routers {
		wg.Add(1)
		go func(r *Router) {
			defer wg.Done()
			if err := r.Stop(ctx); err != nil {
				errs <- err
			}
		}(r)
	}
	wg.Wait()
	close(errs)

	var first error
	for err := range errs {
		if first == nil {
			first = err
		}
	}
	return first
}
