// Package webhook posts archive events to operator endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/config"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/logging"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/metrics"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

// maxResponseBody bounds how much of an endpoint's reply is kept
const maxResponseBody = 1024

// Service handles webhook delivery and retry logic
type Service struct {
	client      *http.Client
	urls        []string
	secret      string
	events      map[string]bool
	maxAttempts int
	retryDelay  time.Duration
	logger      *logging.Logger

	wg         sync.WaitGroup
	mu         sync.Mutex
	deliveries []models.WebhookDelivery
}

// NewService creates a new webhook service
func NewService(cfg config.WebhookConfig, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var events map[string]bool
	if len(cfg.Events) > 0 {
		events = make(map[string]bool, len(cfg.Events))
		for _, e := range cfg.Events {
			events[e] = true
		}
	}

	return &Service{
		client:      &http.Client{Timeout: timeout},
		urls:        cfg.URLs,
		secret:      cfg.Secret,
		events:      events,
		maxAttempts: attempts,
		retryDelay:  cfg.RetryDelay,
		logger:      logger,
	}
}

// Subscribed reports whether event is delivered at all
func (s *Service) Subscribed(event string) bool {
	return len(s.urls) > 0 && (s.events == nil || s.events[event])
}

// Notify sends an event to every endpoint in the background. Use Wait to
// block until the deliveries finish.
func (s *Service) Notify(ctx context.Context, event string, data interface{}) error {
	if !s.Subscribed(event) {
		return nil
	}

	payload := models.WebhookEvent{
		ID:        uuid.New().String(),
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	for _, url := range s.urls {
		s.wg.Add(1)
		// Deliveries outlive the request that triggered them.
		go func(url string) {
			defer s.wg.Done()
			s.deliver(context.WithoutCancel(ctx), url, payload, payloadBytes)
		}(url)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish or ctx ends
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliveries returns the outcomes recorded so far
func (s *Service) Deliveries() []models.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.WebhookDelivery, len(s.deliveries))
	copy(out, s.deliveries)
	return out
}

// deliver posts payload to url, retrying failures with exponential backoff
func (s *Service) deliver(ctx context.Context, url string, event models.WebhookEvent, payload []byte) {
	delivery := models.WebhookDelivery{
		ID:    uuid.New().String(),
		URL:   url,
		Event: event.Event,
	}
	log := s.logger.WithField("event", event.Event).WithField("url", url)

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		delivery.Attempts = attempt
		code, err := s.post(ctx, url, event, delivery.ID, payload)
		delivery.StatusCode = code
		if err == nil {
			delivery.Status = models.WebhookDeliveryStatusDelivered
			delivery.Error = ""
			break
		}
		delivery.Status = models.WebhookDeliveryStatusFailed
		delivery.Error = err.Error()

		if attempt < s.maxAttempts {
			delay := s.retryDelay << (attempt - 1)
			log.Debugf("Webhook delivery attempt %d failed, retrying in %v: %v", attempt, delay, err)
			select {
			case <-ctx.Done():
				attempt = s.maxAttempts
			case <-time.After(delay):
			}
		}
	}
	delivery.CompletedAt = time.Now().UTC()

	metrics.RecordWebhookDelivery(event.Event, delivery.Status)
	if delivery.Status == models.WebhookDeliveryStatusFailed {
		log.Warnf("Webhook delivery failed after %d attempts: %s", delivery.Attempts, delivery.Error)
	}

	s.mu.Lock()
	s.deliveries = append(s.deliveries, delivery)
	s.mu.Unlock()
}

func (s *Service) post(ctx context.Context, url string, event models.WebhookEvent, deliveryID string, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "LiveVTT-Webhook/1.0")
	req.Header.Set("X-Webhook-Event", event.Event)
	req.Header.Set("X-Webhook-Delivery", deliveryID)

	// Add HMAC signature if secret is configured
	if s.secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return resp.StatusCode, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// Sign returns the HMAC-SHA256 signature header value for a payload
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// NotifyManifestEntry sends the completion or failure event of an archive file
func (s *Service) NotifyManifestEntry(ctx context.Context, entry *models.ManifestEntry) error {
	event := models.WebhookEventArchiveCompleted
	if !entry.Succeeded() {
		event = models.WebhookEventArchiveFailed
	}
	return s.Notify(ctx, event, entry)
}

// NotifyRun sends the summary of a finished archive run
func (s *Service) NotifyRun(ctx context.Context, report interface{}) error {
	return s.Notify(ctx, models.WebhookEventArchiveRun, report)
}
