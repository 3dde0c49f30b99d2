package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/drblury/vehiclerelay/internal/runtime/clock"
	loggingpkg "github.com/drblury/vehiclerelay/internal/runtime/logging"
	metadatapkg "github.com/drblury/vehiclerelay/internal/runtime/metadata"
)

// JobContext describes one delivery to the hooks.
type JobContext struct {
	HandlerName   string
	Topic         string
	MessageUUID   string
	EventID       string
	CorrelationID string
	Metadata      message.Metadata
	Context       context.Context
	StartedAt     time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
}

// JobHooks are optional callbacks around every delivery the router handles.
// They run outside the per-handler retry loop, so OnJobError fires once per
// delivery that finally failed.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

func (h JobHooks) empty() bool {
	return h.OnJobStart == nil && h.OnJobDone == nil && h.OnJobError == nil
}

// JobHooksMiddleware registers the hooks on the router.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "job_hooks",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return jobHooksMiddleware(hooks, s.getClock()), nil
		},
	}
}

func jobHooksMiddleware(hooks JobHooks, c clock.Clock) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx := msg.Context()
			job := JobContext{
				HandlerName:   message.HandlerNameFromCtx(ctx),
				Topic:         message.SubscribeTopicFromCtx(ctx),
				MessageUUID:   msg.UUID,
				EventID:       msg.Metadata.Get(metadatapkg.KeyEventID),
				CorrelationID: middleware.MessageCorrelationID(msg),
				Metadata:      msg.Metadata,
				Context:       ctx,
				StartedAt:     c.Now(),
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(job)
			}

			msgs, err := h(msg)
			job.Duration = c.Now().Sub(job.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(job, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(job)
			}
			return msgs, err
		}
	}
}

// LoggingHooks logs delivery outcomes. Successes go to debug.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	fields := func(ctx JobContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"handler":        ctx.HandlerName,
			"topic":          ctx.Topic,
			"message_uuid":   ctx.MessageUUID,
			"event_id":       ctx.EventID,
			"correlation_id": ctx.CorrelationID,
			"duration_ms":    ctx.Duration.Milliseconds(),
		}
	}
	return JobHooks{
		OnJobDone: func(ctx JobContext) {
			logger.Debug("Delivery handled", fields(ctx))
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Delivery failed", err, fields(ctx))
		},
	}
}
