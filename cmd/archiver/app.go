package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/livevtt/internal/archive"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/cache"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/config"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/database"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/filter"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/logging"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/monitoring"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/source"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/storage"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/tracing"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/webhook"
)

// app holds the configuration and services shared by the commands
type app struct {
	configFlag *string
	verbose    *bool

	cfg     *config.Config
	logger  *logging.Logger
	closers []func()
}

func newApp(configFlag *string, verbose *bool) *app {
	return &app{configFlag: configFlag, verbose: verbose}
}

func (a *app) load() error {
	path := strings.TrimSpace(*a.configFlag)
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	var cfg *config.Config
	if path == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *a.verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	tracer, err := tracing.InitTracer(cfg.Tracing.Enabled, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.onClose(func() { tracer.Close() })

	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// close releases services in reverse order of creation
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// manifestMirror connects the postgres mirror when it is enabled
func (a *app) manifestMirror(ctx context.Context) (*database.ManifestRepository, error) {
	if !a.cfg.Archive.UseDatabase {
		return nil, nil
	}
	db, err := database.New(a.cfg.Database)
	if err != nil {
		return nil, err
	}
	a.onClose(db.Close)

	if err := db.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return database.NewManifestRepository(db, a.logger), nil
}

func (a *app) manifest(ctx context.Context) (*archive.Manifest, error) {
	repo, err := a.manifestMirror(ctx)
	if err != nil {
		return nil, err
	}
	var mirror archive.Mirror
	if repo != nil {
		mirror = repo
	}
	return archive.OpenManifest(a.cfg.Archive.Manifest, mirror, a.logger)
}

// pipeline builds the archive pipeline with every optional service the
// configuration enables
func (a *app) pipeline(ctx context.Context) (*archive.Pipeline, error) {
	manifest, err := a.manifest(ctx)
	if err != nil {
		return nil, err
	}

	filters, err := filter.Load(a.cfg.Filters.FilterFile, a.cfg.Filters.VocabularyFile, a.logger)
	if err != nil {
		return nil, err
	}

	deps := archive.Deps{
		Config:   a.cfg,
		Engine:   source.NewWhisperEngine(a.cfg.Engine, a.logger),
		Filters:  filters,
		Manifest: manifest,
		Logger:   a.logger,
	}

	if a.cfg.Redis.Enabled {
		c, err := cache.NewCache(a.cfg.Redis.Host, a.cfg.Redis.Port, a.cfg.Redis.Password, a.cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.onClose(func() { c.Close() })
		deps.Locks = c
	}

	if a.cfg.Storage.Enabled && a.cfg.Archive.UploadOutputs {
		s, err := storage.New(a.cfg.Storage, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		deps.Storage = s
	}

	if a.cfg.Webhook.Enabled {
		hooks := webhook.NewService(a.cfg.Webhook, a.logger)
		a.onClose(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := hooks.Wait(ctx); err != nil {
				a.logger.WarnWithErr("Webhook deliveries still pending at exit", err)
			}
		})
		deps.Notifier = hooks
	}

	return archive.NewPipeline(deps)
}

// monitor starts the backlog monitor; queue may be nil
func (a *app) monitor(ctx context.Context, manifest *archive.Manifest, queue monitoring.QueueProvider) *monitoring.Monitor {
	m := monitoring.NewMonitor(a.cfg.Monitor, manifest, queue, a.logger)
	m.Start(ctx)
	return m
}
