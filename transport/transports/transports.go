// Package transports registers every built-in broker with the default
// registry. Import it once from a main package.
package transports

import (
	"sync"

	"github.com/drblury/vehiclerelay/transport/channel"
	"github.com/drblury/vehiclerelay/transport/kafka"
	"github.com/drblury/vehiclerelay/transport/mqtt"
	"github.com/drblury/vehiclerelay/transport/nats"
	"github.com/drblury/vehiclerelay/transport/rabbitmq"
)

var once sync.Once

func init() {
	RegisterAll()
}

// RegisterAll registers the channel, kafka, mqtt, nats and rabbitmq
// transports. It is safe to call more than once.
func RegisterAll() {
	once.Do(func() {
		channel.Register()
		kafka.Register()
		mqtt.Register()
		nats.Register()
		rabbitmq.Register()
	})
}
