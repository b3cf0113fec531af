package models

import "time"

// Webhook event names
const (
	WebhookEventArchiveCompleted = "archive.file.completed"
	WebhookEventArchiveFailed    = "archive.file.failed"
	WebhookEventArchiveRun       = "archive.run.finished"
)

// Webhook delivery status constants
const (
	WebhookDeliveryStatusDelivered = "delivered"
	WebhookDeliveryStatusFailed    = "failed"
)

// WebhookEvent is the JSON body posted to webhook endpoints
type WebhookEvent struct {
	ID        string      `json:"id"`
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// WebhookDelivery records the outcome of delivering one event to one URL
type WebhookDelivery struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Event       string    `json:"event"`
	Status      string    `json:"status"`
	StatusCode  int       `json:"status_code,omitempty"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}
