package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetCapabilities(t *testing.T) {
	rabbit := GetCapabilities("rabbitmq")
	assert.True(t, rabbit.SupportsNativeDLQ)
	assert.True(t, rabbit.SupportsReliableDelivery())

	nats := GetCapabilities("NATS")
	assert.False(t, nats.SupportsReliableDelivery())
	assert.Equal(t, 4, nats.EffectiveConcurrency(4))

	ch := GetCapabilities("gochannel")
	assert.Equal(t, "channel", ch.Name)
	assert.Equal(t, 1, ch.EffectiveConcurrency(8))
}

func TestGetCapabilitiesUnknown(t *testing.T) {
	caps := GetCapabilities("unknown-transport")
	assert.Equal(t, "unknown-transport", caps.Name)
	assert.True(t, caps.RequiresDLQEmulation())
}
