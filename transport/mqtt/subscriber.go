package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	paho "github.com/eclipse/paho.mqtt.golang"
)

var errSubscriberClosed = errors.New("mqtt: subscriber closed")

// NackResendSleep is how long a nacked message waits before it is handed to
// the handler again. MQTT has no negative acknowledgement, so redelivery is
// local.
var NackResendSleep = 100 * time.Millisecond

// Subscriber delivers MQTT messages one at a time per incoming publish and
// acks them on the broker only after the watermill message is acked.
type Subscriber struct {
	conn   *connection
	qos    byte
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	subs    map[string]*subscription
	closed  bool
	closing chan struct{}
}

type subscription struct {
	topic   string
	ctx     context.Context
	output  chan *message.Message
	handler paho.MessageHandler

	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
}

func newSubscriber(conn *connection, qos byte, logger watermill.LoggerAdapter) *Subscriber {
	return &Subscriber{
		conn:    conn,
		qos:     qos,
		logger:  logger,
		subs:    make(map[string]*subscription),
		closing: make(chan struct{}),
	}
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errSubscriberClosed
	}
	if _, exists := s.subs[topic]; exists {
		return nil, fmt.Errorf("mqtt: already subscribed to %s", topic)
	}

	sub := &subscription{
		topic:  topic,
		ctx:    ctx,
		output: make(chan *message.Message),
	}
	sub.handler = func(_ paho.Client, m paho.Message) {
		s.deliver(sub, m)
	}

	if err := waitToken(ctx, s.conn.client.Subscribe(topic, s.qos, sub.handler), OperationTimeout); err != nil {
		return nil, fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	s.subs[topic] = sub

	go func() {
		select {
		case <-ctx.Done():
		case <-s.closing:
			return
		}
		s.mu.Lock()
		if s.subs[topic] == sub {
			delete(s.subs, topic)
		}
		s.mu.Unlock()
		s.stop(sub)
	}()

	return sub.output, nil
}

// deliver hands one broker message to the consumer, re-sending it after a
// nack, and acks it on the broker once the consumer acks.
func (s *Subscriber) deliver(sub *subscription, m paho.Message) {
	sub.mu.Lock()
	if sub.stopped {
		sub.mu.Unlock()
		return
	}
	sub.inflight.Add(1)
	sub.mu.Unlock()
	defer sub.inflight.Done()

	for {
		msg := message.NewMessage("", m.Payload())
		msg.Metadata.Set(MetadataTopic, m.Topic())
		ctx, cancel := context.WithCancel(sub.ctx)
		msg.SetContext(ctx)

		select {
		case sub.output <- msg:
		case <-sub.ctx.Done():
			cancel()
			return
		case <-s.closing:
			cancel()
			return
		}

		select {
		case <-msg.Acked():
			cancel()
			m.Ack()
			return
		case <-msg.Nacked():
			cancel()
			select {
			case <-time.After(NackResendSleep):
			case <-sub.ctx.Done():
				return
			case <-s.closing:
				return
			}
		case <-sub.ctx.Done():
			cancel()
			return
		case <-s.closing:
			cancel()
			return
		}
	}
}

// resubscribe restores subscriptions after a reconnect. Brokers keep them
// for persistent sessions, but not every broker honours that.
func (s *Subscriber) resubscribe(c paho.Client) {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		token := c.Subscribe(sub.topic, s.qos, sub.handler)
		go func(topic string) {
			if err := waitToken(context.Background(), token, OperationTimeout); err != nil {
				s.logger.Error("MQTT resubscribe failed", err, watermill.LogFields{"topic": topic})
			}
		}(sub.topic)
	}
}

func (s *Subscriber) stop(sub *subscription) {
	sub.mu.Lock()
	if sub.stopped {
		sub.mu.Unlock()
		return
	}
	sub.stopped = true
	sub.mu.Unlock()

	if err := waitToken(context.Background(), s.conn.client.Unsubscribe(sub.topic), OperationTimeout); err != nil {
		s.logger.Error("MQTT unsubscribe failed", err, watermill.LogFields{"topic": sub.topic})
	}
	sub.inflight.Wait()
	close(sub.output)
}

func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)
	subs := s.subs
	s.subs = map[string]*subscription{}
	s.mu.Unlock()

	for _, sub := range subs {
		s.stop(sub)
	}
	s.conn.release()
	return nil
}
