// Package events holds the canonical vehicle event record and the
// per-pipeline processing record written by fan-out consumers.
package events

import (
	"fmt"
	"time"

	errspkg "github.com/drblury/vehiclerelay/internal/runtime/errors"
)

// Status is the processing status carried on the event itself.
type Status string

const (
	StatusReceived  Status = "RECEIVED"
	StatusProcessed Status = "PROCESSED"
	StatusFailed    Status = "FAILED"
)

const (
	DefaultLicensePlate = "UNKNOWN"
	DefaultVehicleType  = "CAR"
	DefaultEventType    = "DETECTION"
	DefaultSource       = "flask-client"
)

// VehicleEvent is the canonical record produced by normalization and relayed
// to the sink broker.
type VehicleEvent struct {
	ID              string         `json:"id"`
	SourceMessageID string         `json:"sourceMessageId,omitempty"`
	LicensePlate    string         `json:"licensePlate"`
	VehicleType     string         `json:"vehicleType"`
	EventType       string         `json:"eventType"`
	Latitude        *float64       `json:"latitude,omitempty"`
	Longitude       *float64       `json:"longitude,omitempty"`
	Speed           *float64       `json:"speed,omitempty"`
	Direction       *string        `json:"direction,omitempty"`
	Source          string         `json:"source"`
	ProcessedBy     string         `json:"processedBy,omitempty"`
	Status          Status         `json:"status"`
	EventTime       time.Time      `json:"eventTime"`
	ReceivedAt      time.Time      `json:"receivedAt"`
	ProcessedAt     time.Time      `json:"processedAt"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Transition moves the event to status to. Only RECEIVED may change, and
// only forward to PROCESSED or FAILED.
func (e *VehicleEvent) Transition(to Status) error {
	if e.Status == to {
		return nil
	}
	if e.Status != StatusReceived || (to != StatusProcessed && to != StatusFailed) {
		return fmt.Errorf("%w: %s -> %s", errspkg.ErrInvalidTransition, e.Status, to)
	}
	e.Status = to
	return nil
}

// ProcessingRecord is what a fan-out pipeline persists once per event.
// (SourceEventID, PipelineName) is unique per pipeline store.
type ProcessingRecord struct {
	ConsumerID    string       `json:"consumerId"`
	SourceEventID string       `json:"sourceEventId"`
	PipelineName  string       `json:"pipelineName"`
	ProcessedBy   string       `json:"processedBy"`
	ProcessedAt   time.Time    `json:"processedAt"`
	Event         VehicleEvent `json:"event"`
}
