// Package mqtt provides an MQTT 3.1.1 transport on the Eclipse Paho client.
// It uses a persistent session with manual acknowledgement, so a delivery
// that is never acked comes back when the session resumes. MQTT brokers that
// front other systems (Artemis, for instance) can feed the relay this way.
//
// MQTT 3.1.1 carries no headers: watermill metadata is dropped on publish and
// incoming messages have no delivery key.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/drblury/vehiclerelay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "mqtt"

// MetadataTopic holds the concrete topic a message arrived on.
const MetadataTopic = "mqtt_topic"

var errTokenTimeout = errors.New("mqtt: operation timed out")

// ClientFactory allows overriding the client creation for testing.
var ClientFactory = func(opts *paho.ClientOptions) paho.Client {
	return paho.NewClient(opts)
}

// ConnectTimeout bounds the initial connection attempt made by Build.
var ConnectTimeout = 30 * time.Second

// OperationTimeout bounds subscribe, unsubscribe and publish round trips.
var OperationTimeout = 10 * time.Second

// Register registers the MQTT transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MQTTCapabilities)
}

// Build connects one client and shares it between the publisher and the
// subscriber. The connection is closed once both halves are closed.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	qos := clampQoS(cfg.GetQoS())
	conn := &connection{}
	conn.refs.Store(2)

	sub := newSubscriber(conn, qos, logger)

	opts := ClientOptions(cfg)
	opts.SetOnConnectHandler(func(c paho.Client) {
		logger.Info("MQTT connected", watermill.LogFields{"broker": cfg.GetURL()})
		sub.resubscribe(c)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Error("MQTT connection lost", err, watermill.LogFields{"broker": cfg.GetURL()})
	})

	conn.client = ClientFactory(opts)
	if err := waitToken(ctx, conn.client.Connect(), ConnectTimeout); err != nil {
		conn.client.Disconnect(0)
		return transport.Transport{}, fmt.Errorf("mqtt connect %s: %w", cfg.GetURL(), err)
	}

	pub := &Publisher{conn: conn, qos: qos}
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}

// ClientOptions builds the paho options for an endpoint: persistent session,
// unordered concurrent handlers, manual acks and never-ending reconnects.
func ClientOptions(cfg transport.Config) *paho.ClientOptions {
	clientID := cfg.GetClientID()
	if clientID == "" {
		clientID = "vehiclerelay-" + watermill.NewShortUUID()
	}
	maxInterval := cfg.GetReconnectMaxInterval()
	if maxInterval <= 0 {
		maxInterval = time.Minute
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.GetURL()).
		SetClientID(clientID).
		SetCleanSession(false).
		SetResumeSubs(true).
		SetOrderMatters(false).
		SetAutoAckDisabled(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(transport.ReconnectDelay(cfg, 1)).
		SetMaxReconnectInterval(maxInterval)

	if user := cfg.GetUsername(); user != "" {
		opts.SetUsername(user)
	}
	if password := cfg.GetPassword(); password != "" {
		opts.SetPassword(password)
	}
	return opts
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.MQTTCapabilities
}

type connection struct {
	client paho.Client
	refs   atomic.Int32
}

func (c *connection) release() {
	if c.refs.Add(-1) == 0 && c.client != nil {
		c.client.Disconnect(250)
	}
}

func clampQoS(qos int) byte {
	switch {
	case qos <= 0:
		return 0
	case qos >= 2:
		return 2
	default:
		return byte(qos)
	}
}

func waitToken(ctx context.Context, token paho.Token, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errTokenTimeout
	}
}
