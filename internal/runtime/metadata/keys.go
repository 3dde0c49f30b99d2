package metadata

// Well-known metadata keys carried on relayed messages.
const (
	KeyCorrelationID   = "correlation_id"
	KeySourceMessageID = "source_message_id"
	KeyEventID         = "event_id"
	KeyEventType       = "event_type"
	KeySource          = "source"
	KeyProcessedBy     = "processed_by"
	KeyRelayedAt       = "relayed_at"
	KeyPipeline        = "pipeline"
	KeyFailureReason   = "failure_reason"
)

// Get returns the value stored under key or fallback when it is missing or empty.
func (m Metadata) Get(key, fallback string) string {
	if v, ok := m[key]; ok && v != "" {
		return v
	}
	return fallback
}
