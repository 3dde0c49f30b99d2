// Package normalize turns raw source payloads into canonical vehicle events.
// It never fails: anything that is not a JSON object is kept as a plate-only
// fallback record so no delivery is silently dropped.
package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/drblury/vehiclerelay/internal/runtime/clock"
	"github.com/drblury/vehiclerelay/internal/runtime/events"
	idspkg "github.com/drblury/vehiclerelay/internal/runtime/ids"
	"github.com/drblury/vehiclerelay/internal/runtime/jsoncodec"
)

// Kind tags the outcome of parsing a payload.
type Kind int

const (
	Structured Kind = iota
	Fallback
)

func (k Kind) String() string {
	if k == Structured {
		return "structured"
	}
	return "fallback"
}

// Parsed is the tagged parse result. Fields is set for Structured, Text for Fallback.
type Parsed struct {
	Kind   Kind
	Fields map[string]any
	Text   string
}

// Parse classifies a payload as a structured JSON object or fallback text.
func Parse(payload []byte) Parsed {
	fields, err := jsoncodec.DecodeObject(payload)
	if err != nil {
		return Parsed{Kind: Fallback, Text: strings.TrimSpace(string(payload))}
	}
	return Parsed{Kind: Structured, Fields: fields}
}

// PayloadID returns the client-assigned "id" of a structured payload, or ""
// when the payload is fallback text or carries none.
func PayloadID(payload []byte) string {
	parsed := Parse(payload)
	if parsed.Kind != Structured {
		return ""
	}
	id, ok := scalarString(parsed.Fields["id"])
	if !ok {
		return ""
	}
	return strings.TrimSpace(id)
}

// Raw is a delivery as seen by the normalizer.
type Raw struct {
	Payload         []byte
	ID              string
	SourceMessageID string
}

// Normalizer builds VehicleEvents. The zero value uses the real clock.
type Normalizer struct {
	Clock       clock.Clock
	ProcessedBy string
}

// Normalize never returns an error; unparseable payloads become fallback records.
func (n Normalizer) Normalize(raw Raw) events.VehicleEvent {
	c := n.Clock
	if c == nil {
		c = clock.Real()
	}
	now := c.Now().UTC()

	id := raw.ID
	if id == "" {
		id = idspkg.NewEventID()
	}

	ev := events.VehicleEvent{
		ID:              id,
		SourceMessageID: raw.SourceMessageID,
		ProcessedBy:     n.ProcessedBy,
		Status:          events.StatusReceived,
		EventTime:       now,
		ReceivedAt:      now,
		ProcessedAt:     now,
	}

	parsed := Parse(raw.Payload)
	switch parsed.Kind {
	case Structured:
		applyFields(&ev, parsed.Fields)
	case Fallback:
		ev.LicensePlate = parsed.Text
		ev.VehicleType = events.DefaultVehicleType
		ev.EventType = events.DefaultEventType
		ev.Source = events.DefaultSource
	}

	mustTransition(&ev, events.StatusProcessed)
	return ev
}

// mustTransition applies a transition that is legal by construction. Every
// event built here starts RECEIVED, and RECEIVED -> PROCESSED is always allowed.
func mustTransition(ev *events.VehicleEvent, to events.Status) {
	if err := ev.Transition(to); err != nil {
		panic(err)
	}
}

func applyFields(ev *events.VehicleEvent, fields map[string]any) {
	ev.LicensePlate = pick(fields, events.DefaultLicensePlate, "licensePlate", "license_plate")
	ev.VehicleType = pick(fields, events.DefaultVehicleType, "vehicleType", "vehicle_type")
	ev.EventType = pick(fields, events.DefaultEventType, "eventType", "event_type")
	ev.Source = pick(fields, events.DefaultSource, "source")
	ev.Latitude = parseFloat(fields["latitude"])
	ev.Longitude = parseFloat(fields["longitude"])
	ev.Speed = parseFloat(fields["speed"])
	if dir, ok := scalarString(fields["direction"]); ok {
		ev.Direction = &dir
	}
	ev.Metadata = fields
}

// pick returns the first present, non-null key. camelCase keys are listed
// first so they win over snake_case when both are present.
func pick(fields map[string]any, fallback string, keys ...string) string {
	for _, key := range keys {
		if s, ok := scalarString(fields[key]); ok {
			return s
		}
	}
	return fallback
}

func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case bool:
		return strconv.FormatBool(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	default:
		return "", false
	}
}

// parseFloat coerces numbers and numeric strings; anything else is absent.
func parseFloat(v any) *float64 {
	var (
		f   float64
		err error
	)
	switch val := v.(type) {
	case json.Number:
		f, err = val.Float64()
	case float64:
		f = val
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(val), 64)
	default:
		return nil
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
