package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okBuilder(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return Transport{Publisher: &mockPublisher{}, Subscriber: &mockSubscriber{}}, nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg.builders)
	assert.NotNil(t, reg.capabilities)
	assert.Empty(t, reg.Names())
}

func TestRegistry_RegisterWithCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("test-transport", okBuilder, Capabilities{Name: "test-transport", SupportsNativeDLQ: true})

	assert.True(t, reg.Has("test-transport"))
	caps := reg.GetCapabilities("test-transport")
	assert.Equal(t, "test-transport", caps.Name)
	assert.True(t, caps.SupportsNativeDLQ)
}

func TestRegistry_GetCapabilities_Unknown(t *testing.T) {
	caps := NewRegistry().GetCapabilities("unknown")
	assert.Equal(t, "unknown", caps.Name)
	assert.False(t, caps.SupportsAck)
}

func TestRegistry_NamesAreCaseInsensitive(t *testing.T) {
	reg := NewRegistry()
	reg.Register("RabbitMQ", okBuilder)

	assert.True(t, reg.Has("rabbitmq"))
	assert.True(t, reg.Has(" RABBITMQ "))
	assert.Equal(t, []string{"rabbitmq"}, reg.Names())
}

func TestRegistry_GochannelAlias(t *testing.T) {
	reg := NewRegistry()
	reg.Register("channel", okBuilder)

	tr, err := reg.Build(context.Background(), &mockConfig{system: "gochannel"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
}

func TestRegistry_Build(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test-transport", okBuilder)

	tr, err := reg.Build(context.Background(), &mockConfig{system: "test-transport"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
}

func TestRegistry_Build_NilConfig(t *testing.T) {
	_, err := NewRegistry().Build(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "config is required")
}

func TestRegistry_Build_UnknownTransport(t *testing.T) {
	reg := NewRegistry()
	reg.Register("kafka", okBuilder)
	reg.Register("channel", okBuilder)

	_, err := reg.Build(context.Background(), &mockConfig{system: "artemis"}, nil)
	assert.ErrorContains(t, err, `unknown transport: "artemis"`)
	assert.ErrorContains(t, err, "[channel kafka]")
}

func TestRegistry_Build_BuilderError(t *testing.T) {
	reg := NewRegistry()
	expectedErr := errors.New("builder error")
	reg.Register("failing-transport", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, expectedErr
	})

	_, err := reg.Build(context.Background(), &mockConfig{system: "failing-transport"}, nil)
	assert.Equal(t, expectedErr, err)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.Register("transport", okBuilder)
				reg.Has("transport")
				reg.Names()
				reg.GetCapabilities("transport")
			}
		}()
	}
	wg.Wait()

	assert.True(t, reg.Has("transport"))
}

func TestPackageLevelRegistration(t *testing.T) {
	original := DefaultRegistry
	defer func() { DefaultRegistry = original }()
	DefaultRegistry = NewRegistry()

	Register("plain", okBuilder)
	RegisterWithCapabilities("with-caps", okBuilder, Capabilities{Name: "with-caps", SupportsAck: true})

	assert.True(t, DefaultRegistry.Has("plain"))
	assert.True(t, DefaultRegistry.GetCapabilities("with-caps").SupportsAck)

	_, err := Build(context.Background(), &mockConfig{system: "plain"}, nil)
	assert.NoError(t, err)
	_, err = Build(context.Background(), &mockConfig{system: "nonexistent"}, nil)
	assert.Error(t, err)
}
