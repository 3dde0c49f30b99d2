package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/vehiclerelay/internal/runtime/config"
	brokers "github.com/drblury/vehiclerelay/transport"
	"github.com/drblury/vehiclerelay/transport/transports"
)

// Transport is the publisher and subscriber pair for one broker endpoint.
type Transport = brokers.Transport

// Factory abstracts how the bridge and the consumers connect to brokers.
type Factory interface {
	Build(ctx context.Context, endpoint *config.EndpointConfig, logger watermill.LoggerAdapter) (Transport, error)
}

// DefaultFactory returns the factory backed by the transport registry, with
// every built-in broker registered.
func DefaultFactory() Factory {
	transports.RegisterAll()
	return registryFactory{registry: brokers.DefaultRegistry}
}

// NewFactory builds transports from a specific registry.
func NewFactory(registry *brokers.Registry) Factory {
	return registryFactory{registry: registry}
}

type registryFactory struct {
	registry *brokers.Registry
}

func (f registryFactory) Build(ctx context.Context, endpoint *config.EndpointConfig, logger watermill.LoggerAdapter) (Transport, error) {
	if endpoint == nil {
		return Transport{}, fmt.Errorf("endpoint config is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	t, err := f.registry.Build(ctx, endpoint, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("build %s transport for %q: %w", endpoint.System, endpoint.Destination, err)
	}
	return t, nil
}

// FactoryFunc adapts a function to Factory. Tests use it to inject fakes.
type FactoryFunc func(ctx context.Context, endpoint *config.EndpointConfig, logger watermill.LoggerAdapter) (Transport, error)

func (f FactoryFunc) Build(ctx context.Context, endpoint *config.EndpointConfig, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, endpoint, logger)
}
