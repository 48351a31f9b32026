package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mindteam/mindteam/internal/common/config"
	"github.com/mindteam/mindteam/internal/common/logger"
)

// AMQPTransport is the production transport over an AMQP 0-9-1 broker.
//
// Channel discipline: AMQP channels are not safe for concurrent use, so all
// publishing funnels through one mutex-guarded channel and every consumer
// owns a channel of its own. Keeping publishers (heartbeats included) off the
// consumer channels avoids the deadlock seen when both directions share one.
type AMQPTransport struct {
	conn     *amqp.Connection
	exchange string
	clientID string
	logger   *logger.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel

	mu     sync.Mutex
	closed bool
}

// NewAMQPTransport dials the broker, declares the durable topic exchange, and
// opens the shared publisher channel.
func NewAMQPTransport(cfg config.BrokerConfig, log *logger.Logger) (*AMQPTransport, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: time.Duration(cfg.HeartbeatSeconds) * time.Second,
		Properties: amqp.Table{
			"connection_name": cfg.ClientID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open publisher channel: %w", err)
	}

	if err := pubCh.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // kind
		true,         // durable
		false,        // auto-delete
		false,        // internal
		false,        // no-wait
		nil,          // args
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	t := &AMQPTransport{
		conn:     conn,
		exchange: cfg.Exchange,
		clientID: cfg.ClientID,
		logger:   log.WithFields(zap.String("transport", "amqp")),
		pubCh:    pubCh,
	}

	t.logger.Info("connected to AMQP broker",
		zap.String("exchange", cfg.Exchange))
	return t, nil
}

// PublishTopic publishes to the topic exchange under a routing key.
func (t *AMQPTransport) PublishTopic(ctx context.Context, key string, body []byte, priority uint8, messageID, correlationID string) error {
	return t.publish(ctx, t.exchange, key, body, priority, messageID, correlationID)
}

// PublishQueue publishes directly to a queue via the default exchange.
func (t *AMQPTransport) PublishQueue(ctx context.Context, queue string, body []byte, priority uint8, messageID, correlationID string) error {
	return t.publish(ctx, "", queue, body, priority, messageID, correlationID)
}

func (t *AMQPTransport) publish(ctx context.Context, exchange, key string, body []byte, priority uint8, messageID, correlationID string) error {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	return t.pubCh.PublishWithContext(ctx,
		exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			Priority:      priority,
			MessageId:     messageID,
			CorrelationId: correlationID,
			Timestamp:     time.Now().UTC(),
			Body:          body,
		})
}

// Subscribe declares a durable queue bound to the exchange with the pattern
// and consumes it on a dedicated channel.
func (t *AMQPTransport) Subscribe(pattern string, fn DeliveryFunc) (Subscription, error) {
	queueName := fmt.Sprintf("%s.%s", t.clientID, pattern)
	return t.consume(queueName, pattern, fn)
}

// SubscribeQueue declares and consumes a named queue with no binding.
func (t *AMQPTransport) SubscribeQueue(queue string, fn DeliveryFunc) (Subscription, error) {
	return t.consume(queue, "", fn)
}

func (t *AMQPTransport) consume(queueName, bindPattern string, fn DeliveryFunc) (Subscription, error) {
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}

	queue, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	if bindPattern != "" {
		if err := ch.QueueBind(queue.Name, bindPattern, t.exchange, false, nil); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("failed to bind queue %s to %s: %w", queue.Name, bindPattern, err)
		}
	}

	deliveries, err := ch.Consume(
		queue.Name,
		"",    // consumer tag (server-generated)
		false, // auto-ack: acking is the delivery contract's job
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to consume queue %s: %w", queue.Name, err)
	}

	sub := &amqpSubscription{ch: ch, active: true}
	go t.deliveryLoop(queue.Name, deliveries, fn)

	t.logger.Debug("consuming queue",
		zap.String("queue", queue.Name),
		zap.String("binding", bindPattern))
	return sub, nil
}

// deliveryLoop drains one consumer's deliveries until its channel closes.
func (t *AMQPTransport) deliveryLoop(queue string, deliveries <-chan amqp.Delivery, fn DeliveryFunc) {
	for d := range deliveries {
		if err := fn(context.Background(), Delivery{Body: d.Body}); err != nil {
			// Reject without requeue; the queue's dead-letter policy decides
			// what happens next.
			if nackErr := d.Nack(false, false); nackErr != nil {
				t.logger.Warn("failed to nack delivery",
					zap.String("queue", queue),
					zap.Error(nackErr))
			}
			continue
		}
		if ackErr := d.Ack(false); ackErr != nil {
			t.logger.Warn("failed to ack delivery",
				zap.String("queue", queue),
				zap.Error(ackErr))
		}
	}
}

// Close closes the broker connection, which tears down every channel.
func (t *AMQPTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	if err := t.conn.Close(); err != nil {
		t.logger.Warn("error closing AMQP connection", zap.Error(err))
	}
	t.logger.Info("AMQP connection closed")
}

// IsConnected reports whether the broker connection is open.
func (t *AMQPTransport) IsConnected() bool {
	return t.conn != nil && !t.conn.IsClosed()
}

type amqpSubscription struct {
	ch     *amqp.Channel
	mu     sync.Mutex
	active bool
}

// Unsubscribe closes the consumer's channel, stopping deliveries.
func (s *amqpSubscription) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	s.active = false
	return s.ch.Close()
}

// IsValid reports whether the subscription is still consuming.
func (s *amqpSubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
