package models

import "time"

// SinkKind identifies an output sink variant
type SinkKind string

// SinkKind constants
const (
	SinkKindHLS     SinkKind = "hls"
	SinkKindHardSub SinkKind = "hardsub"
	SinkKindRemote  SinkKind = "remote"
)

// HealthState is the delivery health of a sink
type HealthState string

// HealthState constants
const (
	HealthHealthy  HealthState = "HEALTHY"
	HealthDegraded HealthState = "DEGRADED" // Shedding load, still receiving
	HealthFailed   HealthState = "FAILED"   // Skipped by fan-out until a probe succeeds
)

// Gauge returns the numeric value exported to metrics
func (h HealthState) Gauge() float64 {
	switch h {
	case HealthDegraded:
		return 1
	case HealthFailed:
		return 2
	default:
		return 0
	}
}

// StreamState is the lifecycle state of a caption router
type StreamState string

// StreamState constants
const (
	StreamStateInit     StreamState = "INIT"
	StreamStateActive   StreamState = "ACTIVE"
	StreamStateDraining StreamState = "DRAINING"
	StreamStateClosed   StreamState = "CLOSED"
)

// SinkStatus is a point-in-time view of one sink handle
type SinkStatus struct {
	Kind                SinkKind    `json:"kind"`
	Target              string      `json:"target"`
	Health              HealthState `json:"health"`
	QueueDepth          int         `json:"queue_depth"`
	QueueCapacity       int         `json:"queue_capacity"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	Delivered           uint64      `json:"delivered"`
	Dropped             uint64      `json:"dropped"`
	Failed              uint64      `json:"failed"`
	Absent              uint64      `json:"absent"`
	LastError           string      `json:"last_error,omitempty"`
	LastChange          time.Time   `json:"last_change"`
}

// StreamStatus is a point-in-time view of one stream router
type StreamStatus struct {
	Stream    string       `json:"stream"`
	State     StreamState  `json:"state"`
	Language  string       `json:"language,omitempty"`
	Mode      Mode         `json:"mode,omitempty"`
	Ingested  uint64       `json:"ingested"`
	Filtered  uint64       `json:"filtered"`
	StartedAt time.Time    `json:"started_at"`
	Sinks     []SinkStatus `json:"sinks"`
}
