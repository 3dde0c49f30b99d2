// Package transport connects the runtime to the broker registry.
package transport

import (
	brokers "github.com/drblury/vehiclerelay/transport"
	"github.com/drblury/vehiclerelay/transport/transports"
)

type Capabilities = brokers.Capabilities

// GetCapabilities returns what the named broker supports.
func GetCapabilities(system string) Capabilities {
	transports.RegisterAll()
	return brokers.GetCapabilities(system)
}
