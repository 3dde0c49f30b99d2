package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	errspkg "github.com/drblury/vehiclerelay/internal/runtime/errors"
	"github.com/drblury/vehiclerelay/internal/runtime/events"
	idspkg "github.com/drblury/vehiclerelay/internal/runtime/ids"
	"github.com/drblury/vehiclerelay/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/vehiclerelay/internal/runtime/metadata"
)

type correlationKey struct{}

// WithCorrelationID carries the correlation id of the delivery being relayed
// so the published message keeps it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the id set by WithCorrelationID.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(correlationKey{}).(string)
	return id, ok && id != ""
}

func correlationID(ctx context.Context) string {
	if id, ok := CorrelationIDFromContext(ctx); ok {
		return id
	}
	return idspkg.CreateULID()
}

// NewMessage encodes ev as a Watermill message whose UUID is the event id,
// so downstream deduplication and broker message ids line up.
func NewMessage(ctx context.Context, ev *events.VehicleEvent, relayedAt time.Time) (*message.Message, error) {
	if ev == nil {
		return nil, errspkg.ErrEventRequired
	}
	payload, err := jsoncodec.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}

	msg := message.NewMessage(ev.ID, payload)
	msg.Metadata = metadatapkg.ToWatermill(metadatapkg.New(
		metadatapkg.KeyEventID, ev.ID,
		metadatapkg.KeySourceMessageID, ev.SourceMessageID,
		metadatapkg.KeySource, ev.Source,
		metadatapkg.KeyProcessedBy, ev.ProcessedBy,
		metadatapkg.KeyEventType, ev.EventType,
		metadatapkg.KeyRelayedAt, relayedAt.UTC().Format(time.RFC3339Nano),
	))
	middleware.SetCorrelationID(correlationID(ctx), msg)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return msg, nil
}

// DecodeEvent reads a relayed event back from a message payload. Payloads
// that are not a valid event are reported as MalformedPayloadError.
func DecodeEvent(msg *message.Message) (events.VehicleEvent, error) {
	var ev events.VehicleEvent
	if err := jsoncodec.Unmarshal(msg.Payload, &ev); err != nil {
		return events.VehicleEvent{}, &errspkg.MalformedPayloadError{Payload: string(msg.Payload), Err: err}
	}
	if ev.ID == "" {
		ev.ID = msg.Metadata.Get(metadatapkg.KeyEventID)
	}
	if ev.ID == "" {
		return events.VehicleEvent{}, &errspkg.MalformedPayloadError{
			Payload: string(msg.Payload),
			Err:     fmt.Errorf("event id missing"),
		}
	}
	return ev, nil
}
