package monitoring

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/livevtt/internal/archive"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/config"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/logging"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/metrics"
)

// Health levels
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// Metrics holds the archive backlog figures
type Metrics struct {
	QueueDepth  int       `json:"queue_depth"`
	DLQDepth    int       `json:"dlq_depth"`
	Files       int       `json:"files"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Invalid     int       `json:"invalid_lines"`
	FailureRate float64   `json:"failure_rate"`
	LastUpdated time.Time `json:"last_updated"`
}

// QueueProvider defines the interface for queue metrics
type QueueProvider interface {
	GetQueueDepth() (int, error)
	GetDLQDepth() (int, error)
}

// ManifestProvider exposes the manifest totals
type ManifestProvider interface {
	Refresh(ctx context.Context) error
	Summary(failures int) archive.ManifestSummary
}

// Monitor tracks the archive backlog and raises alerts
type Monitor struct {
	cfg      config.MonitorConfig
	queue    QueueProvider // optional
	manifest ManifestProvider
	logger   *logging.Logger

	mu      sync.RWMutex
	metrics Metrics
	alerts  []string
}

// NewMonitor creates a new monitoring service. queue may be nil when the
// archive runs without a job queue.
func NewMonitor(cfg config.MonitorConfig, manifest ManifestProvider, queue QueueProvider, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Monitor{
		cfg:      cfg,
		queue:    queue,
		manifest: manifest,
		logger:   logger,
	}
}

// Start collects metrics every interval until ctx is done
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			if err := m.Update(ctx); err != nil && ctx.Err() == nil {
				m.logger.WarnWithErr("Failed to update archive metrics", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Update refreshes the metrics, publishes them and logs new alerts
func (m *Monitor) Update(ctx context.Context) error {
	var next Metrics

	if m.queue != nil {
		depth, err := m.queue.GetQueueDepth()
		if err != nil {
			return fmt.Errorf("failed to get queue depth: %w", err)
		}
		dlq, err := m.queue.GetDLQDepth()
		if err != nil {
			return fmt.Errorf("failed to get DLQ depth: %w", err)
		}
		next.QueueDepth = depth
		next.DLQDepth = dlq
		metrics.ArchiveQueueDepth.WithLabelValues("jobs").Set(float64(depth))
		metrics.ArchiveQueueDepth.WithLabelValues("dead_letter").Set(float64(dlq))
	}

	if err := m.manifest.Refresh(ctx); err != nil {
		return err
	}
	summary := m.manifest.Summary(0)
	next.Files = summary.Files
	next.Succeeded = summary.Succeeded
	next.Failed = summary.Failed
	next.Invalid = summary.Invalid
	if summary.Files > 0 {
		next.FailureRate = float64(summary.Failed) / float64(summary.Files)
	}
	next.LastUpdated = time.Now()

	metrics.ArchiveManifestFiles.WithLabelValues("success").Set(float64(summary.Succeeded))
	metrics.ArchiveManifestFiles.WithLabelValues("error").Set(float64(summary.Failed))

	alerts := m.evaluate(next)

	m.mu.Lock()
	previous := m.alerts
	m.metrics = next
	m.alerts = alerts
	m.mu.Unlock()

	if strings.Join(previous, "\n") != strings.Join(alerts, "\n") {
		for _, alert := range alerts {
			m.logger.Warn(alert)
		}
	}
	return nil
}

func (m *Monitor) evaluate(cur Metrics) []string {
	var alerts []string

	if m.cfg.DLQCritical > 0 && cur.DLQDepth > m.cfg.DLQCritical {
		alerts = append(alerts, fmt.Sprintf("High DLQ depth: %d messages", cur.DLQDepth))
	}
	if m.cfg.QueueWarning > 0 && cur.QueueDepth > m.cfg.QueueWarning {
		alerts = append(alerts, fmt.Sprintf("High queue depth: %d jobs pending", cur.QueueDepth))
	}
	if m.cfg.FailureRateWarning > 0 && cur.FailureRate > m.cfg.FailureRateWarning {
		alerts = append(alerts, fmt.Sprintf("High failure rate: %.1f%% of %d files", cur.FailureRate*100, cur.Files))
	}
	if cur.Invalid > 0 {
		alerts = append(alerts, fmt.Sprintf("Manifest has %d unreadable lines", cur.Invalid))
	}

	sort.Strings(alerts)
	return alerts
}

// GetMetrics returns the latest metrics
func (m *Monitor) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// GetAlerts returns the current alerts
func (m *Monitor) GetAlerts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.alerts...)
}

// GetSystemHealth returns overall archive health
func (m *Monitor) GetSystemHealth() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.cfg.DLQCritical > 0 && m.metrics.DLQDepth > m.cfg.DLQCritical {
		return HealthCritical
	}
	if len(m.alerts) > 0 {
		return HealthWarning
	}
	return HealthHealthy
}
