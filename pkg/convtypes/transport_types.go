// Package convtypes defines transport telemetry types.
package convtypes

import "time"

// ConnectionQuality is a categorical reading derived from latency.
type ConnectionQuality string

// Connection quality buckets.
const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityPoor      ConnectionQuality = "poor"
)

// TransportState is pushed to state listeners whenever a transport changes.
type TransportState struct {
	Transport    string            `json:"transport"`
	Connected    bool              `json:"connected"`
	LastActivity time.Time         `json:"lastActivity"`
	Latency      *int64            `json:"latency,omitempty"` // Milliseconds
	Quality      ConnectionQuality `json:"quality,omitempty"`
}
