package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
	Tracing  TracingConfig
	Router   RouterConfig
	HLS      HLSConfig
	HardSub  HardSubConfig
	Remote   RemoteConfig
	Bridge   BridgeConfig
	Filters  FiltersConfig
	Engine   EngineConfig
	Archive  ArchiveConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Queue    QueueConfig
	Webhook  WebhookConfig
	Monitor  MonitorConfig
	Streams  []models.StreamSpec
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string
	Format string // json, console, auto
	Output string
}

// MetricsConfig holds the prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// TracingConfig holds jaeger configuration
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
}

// RouterConfig holds caption router tuning
type RouterConfig struct {
	QueueCapacity    int
	FailureThreshold int
	RecoveryBackoff  time.Duration
	DeliveryTimeout  time.Duration
	DrainTimeout     time.Duration
	OverlapTolerance float64
	IngestBuffer     int
}

// HLSConfig holds the HLS text track sink configuration
type HLSConfig struct {
	Retention       time.Duration
	MaxCues         int
	SegmentDuration time.Duration
}

// HardSubConfig holds the hard-subtitle sink configuration
type HardSubConfig struct {
	QueueSize int
	Track     string
	WorkDir   string
	FontName  string
	FontSize  int
	CueLinger time.Duration
	// ChunkDuration is the length of the video chunks cut from the source
	// and the cadence of the encoder loop.
	ChunkDuration time.Duration
}

// RemoteConfig holds the remote caption sink configuration
type RemoteConfig struct {
	Timeout           time.Duration
	OriginalTrackID   int
	TranslatedTrackID int
	TokenSecret       string
	TokenTTL          time.Duration
	SigningSecret     string
}

// BridgeConfig holds the inbound caption bridge configuration
type BridgeConfig struct {
	Enabled         bool
	Version         string
	CaptionDuration time.Duration
	RateLimit       int
	RateBurst       int
	Username        string
	Password        string
	JWTSecret       string
}

// FiltersConfig holds filter and vocabulary document paths
type FiltersConfig struct {
	FilterFile     string
	VocabularyFile string
	Watch          bool
}

// EngineConfig holds the speech recognition engine connection
type EngineConfig struct {
	URL                  string
	Timeout              time.Duration
	ChunkSeconds         float64
	SampleRate           int
	BeamSize             int
	VADFilter            bool
	Model                string
	TranslationModel     string
	MaxConsecutiveErrors int
}

// ArchiveConfig holds batch pipeline configuration
type ArchiveConfig struct {
	InputRoot      string
	OutputRoot     string
	Manifest       string
	Workers        int
	Interval       time.Duration
	BatchSize      int
	SourceLanguage string
	TargetLanguage string
	FallbackModel  string
	FFmpegPath     string
	FFprobePath    string
	TempDir        string
	VTTInSMIL      bool
	NoTTML         bool
	UploadOutputs  bool
	LockTTL        time.Duration
	UseDatabase    bool
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           int
	Password       string
	DB             int
	HealthInterval time.Duration
	HealthTTL      time.Duration
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Enabled         bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
	Prefix          string
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
}

// WebhookConfig holds archive notification configuration
type WebhookConfig struct {
	Enabled     bool
	URLs        []string
	Secret      string
	Events      []string // empty subscribes to every event
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// MonitorConfig holds archive backlog monitoring thresholds
type MonitorConfig struct {
	Interval           time.Duration
	QueueWarning       int
	DLQCritical        int
	FailureRateWarning float64
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LIVEVTT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Default returns a configuration populated only with defaults
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	// Defaults always decode.
	_ = v.Unmarshal(&config)
	return &config
}

// Validate rejects values the services cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Router.QueueCapacity < 1 {
		errs = append(errs, errors.New("router.queueCapacity must be at least 1"))
	}
	if c.Router.FailureThreshold < 1 {
		errs = append(errs, errors.New("router.failureThreshold must be at least 1"))
	}
	if c.Router.RecoveryBackoff <= 0 {
		errs = append(errs, errors.New("router.recoveryBackoff must be positive"))
	}
	if c.Router.DrainTimeout <= 0 {
		errs = append(errs, errors.New("router.drainTimeout must be positive"))
	}
	if c.HLS.MaxCues < 1 {
		errs = append(errs, errors.New("hls.maxCues must be at least 1"))
	}
	if c.HardSub.QueueSize < 1 {
		errs = append(errs, errors.New("hardsub.queueSize must be at least 1"))
	}
	if c.HardSub.ChunkDuration <= 0 {
		errs = append(errs, errors.New("hardsub.chunkDuration must be positive"))
	}
	if c.Webhook.Enabled && len(c.Webhook.URLs) == 0 {
		errs = append(errs, errors.New("webhook.urls must not be empty when webhooks are enabled"))
	}
	if c.Archive.Workers < 1 {
		errs = append(errs, errors.New("archive.workers must be at least 1"))
	}
	for i, s := range c.Streams {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("streams[%d]: name is required", i))
		}
		if s.Mode != "" && s.Mode.Tracks() == nil {
			errs = append(errs, fmt.Errorf("streams[%d]: unknown mode %q", i, s.Mode))
		}
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.readTimeout", "30s")
	v.SetDefault("server.writeTimeout", "30s")
	v.SetDefault("server.shutdownTimeout", "15s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "auto")
	v.SetDefault("logging.output", "stdout")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "livevtt")
	v.SetDefault("tracing.endpoint", "http://localhost:14268/api/traces")

	// Router defaults
	v.SetDefault("router.queueCapacity", 64)
	v.SetDefault("router.failureThreshold", 5)
	v.SetDefault("router.recoveryBackoff", "10s")
	v.SetDefault("router.deliveryTimeout", "5s")
	v.SetDefault("router.drainTimeout", "5s")
	v.SetDefault("router.overlapTolerance", 0.5)
	v.SetDefault("router.ingestBuffer", 32)

	// HLS sink defaults
	v.SetDefault("hls.retention", "60s")
	v.SetDefault("hls.maxCues", 512)
	v.SetDefault("hls.segmentDuration", "6s")

	// Hard-subtitle sink defaults
	v.SetDefault("hardsub.queueSize", 16)
	v.SetDefault("hardsub.track", string(models.TrackTranslated))
	v.SetDefault("hardsub.workDir", "/tmp/livevtt/hardsub")
	v.SetDefault("hardsub.fontSize", 24)
	v.SetDefault("hardsub.cueLinger", "2s")
	v.SetDefault("hardsub.chunkDuration", "10s")

	// Remote sink defaults
	v.SetDefault("remote.timeout", "5s")
	v.SetDefault("remote.originalTrackID", 99)
	v.SetDefault("remote.translatedTrackID", 100)
	v.SetDefault("remote.tokenTTL", "1h")

	// Bridge defaults
	v.SetDefault("bridge.enabled", true)
	v.SetDefault("bridge.version", "1.0.0")
	v.SetDefault("bridge.captionDuration", "3s")
	v.SetDefault("bridge.rateLimit", 50)
	v.SetDefault("bridge.rateBurst", 100)

	// Filter defaults
	v.SetDefault("filters.filterFile", "")
	v.SetDefault("filters.vocabularyFile", "")
	v.SetDefault("filters.watch", true)

	// Engine defaults
	v.SetDefault("engine.url", "http://localhost:8000")
	v.SetDefault("engine.timeout", "10m")
	v.SetDefault("engine.chunkSeconds", 10.0)
	v.SetDefault("engine.sampleRate", 16000)
	v.SetDefault("engine.beamSize", 5)
	v.SetDefault("engine.vadFilter", false)
	v.SetDefault("engine.model", "large-v3-turbo")
	v.SetDefault("engine.translationModel", "large-v3")
	v.SetDefault("engine.maxConsecutiveErrors", 5)

	// Archive defaults
	v.SetDefault("archive.inputRoot", ".")
	v.SetDefault("archive.outputRoot", "")
	v.SetDefault("archive.manifest", "logs/archive_transcriber_manifest.jsonl")
	v.SetDefault("archive.workers", 1)
	v.SetDefault("archive.interval", "10m")
	v.SetDefault("archive.batchSize", 10)
	v.SetDefault("archive.sourceLanguage", "ru")
	v.SetDefault("archive.targetLanguage", "en")
	v.SetDefault("archive.fallbackModel", "large-v3")
	v.SetDefault("archive.ffmpegPath", "ffmpeg")
	v.SetDefault("archive.ffprobePath", "ffprobe")
	v.SetDefault("archive.tempDir", "/tmp/livevtt")
	v.SetDefault("archive.lockTTL", "2h")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "livevtt")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 1)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.healthInterval", "5s")
	v.SetDefault("redis.healthTTL", "30s")

	// Storage defaults
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.accessKeyID", "minioadmin")
	v.SetDefault("storage.secretAccessKey", "minioadmin")
	v.SetDefault("storage.bucketName", "captions")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.useSSL", false)
	v.SetDefault("storage.prefix", "archive")

	// Queue defaults
	v.SetDefault("queue.host", "localhost")
	v.SetDefault("queue.port", 5672)
	v.SetDefault("queue.user", "guest")
	v.SetDefault("queue.password", "guest")
	v.SetDefault("queue.vhost", "/")

	// Webhook defaults
	v.SetDefault("webhook.enabled", false)
	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.maxAttempts", 3)
	v.SetDefault("webhook.retryDelay", "2s")

	// Monitor defaults
	v.SetDefault("monitor.interval", "30s")
	v.SetDefault("monitor.queueWarning", 1000)
	v.SetDefault("monitor.dlqCritical", 100)
	v.SetDefault("monitor.failureRateWarning", 0.1)
}
