package mqtt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

var errPublisherClosed = errors.New("mqtt: publisher closed")

// Publisher publishes message payloads. Publish returns once the broker
// acknowledged each message at the configured QoS.
type Publisher struct {
	conn *connection
	qos  byte

	closeOnce sync.Once
	closed    bool
	mu        sync.RWMutex
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errPublisherClosed
	}

	for _, msg := range messages {
		token := p.conn.client.Publish(topic, p.qos, false, []byte(msg.Payload))
		if err := waitToken(msg.Context(), token, OperationTimeout); err != nil {
			return fmt.Errorf("publish %s to %s: %w", msg.UUID, topic, err)
		}
	}
	return nil
}

func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.conn.release()
	})
	return nil
}
