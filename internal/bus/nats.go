package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mindteam/mindteam/internal/common/config"
	"github.com/mindteam/mindteam/internal/common/logger"
)

// NATSTransport is the alternative transport for deployments already running
// NATS. Routing keys map directly onto subjects; AMQP binding wildcards are
// translated to their NATS equivalents ("*" stays "*", a terminal "#" becomes
// ">"). Named queues become plain subjects with a queue group so replies land
// on one consumer.
type NATSTransport struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSTransport connects to NATS with reconnection handling.
func NewNATSTransport(cfg config.BrokerConfig, log *logger.Logger) (*NATSTransport, error) {
	tlog := log.WithFields(zap.String("transport", "nats"))

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				tlog.Warn("NATS disconnected", zap.Error(err))
			} else {
				tlog.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			tlog.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				tlog.Error("NATS connection closed", zap.Error(err))
			} else {
				tlog.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			tlog.Error("NATS error",
				zap.Error(err),
				zap.String("subject", sub.Subject))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	tlog.Info("connected to NATS", zap.String("url", cfg.URL))
	return &NATSTransport{conn: conn, logger: tlog}, nil
}

// PublishTopic publishes under the routing key as a subject.
func (t *NATSTransport) PublishTopic(ctx context.Context, key string, body []byte, priority uint8, messageID, correlationID string) error {
	if err := t.conn.Publish(key, body); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", key, err)
	}
	return nil
}

// PublishQueue publishes to the queue name as a subject.
func (t *NATSTransport) PublishQueue(ctx context.Context, queue string, body []byte, priority uint8, messageID, correlationID string) error {
	if err := t.conn.Publish(queue, body); err != nil {
		return fmt.Errorf("failed to publish to queue %s: %w", queue, err)
	}
	return nil
}

// Subscribe consumes a subject pattern translated from AMQP wildcards.
func (t *NATSTransport) Subscribe(pattern string, fn DeliveryFunc) (Subscription, error) {
	subject := translatePattern(pattern)
	sub, err := t.conn.Subscribe(subject, t.msgHandler(subject, fn))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	t.logger.Debug("subscribed to subject", zap.String("subject", subject))
	return &natsSubscription{sub: sub}, nil
}

// SubscribeQueue consumes a named queue as a queue-group subject, so multiple
// consumers split the messages instead of each receiving a copy.
func (t *NATSTransport) SubscribeQueue(queue string, fn DeliveryFunc) (Subscription, error) {
	sub, err := t.conn.QueueSubscribe(queue, queue, t.msgHandler(queue, fn))
	if err != nil {
		return nil, fmt.Errorf("failed to queue subscribe to %s: %w", queue, err)
	}
	t.logger.Debug("subscribed to queue subject", zap.String("queue", queue))
	return &natsSubscription{sub: sub}, nil
}

func (t *NATSTransport) msgHandler(subject string, fn DeliveryFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if err := fn(context.Background(), Delivery{Body: msg.Data}); err != nil {
			// Core NATS has no reject path; the delivery contract already
			// logged the reason.
			t.logger.Debug("delivery rejected", zap.String("subject", subject))
		}
	}
}

// Close drains pending messages before closing the connection.
func (t *NATSTransport) Close() {
	if t.conn == nil {
		return
	}
	if err := t.conn.Drain(); err != nil {
		t.logger.Warn("error draining NATS connection", zap.Error(err))
		t.conn.Close()
	}
}

// IsConnected reports whether the NATS connection is active.
func (t *NATSTransport) IsConnected() bool {
	return t.conn != nil && t.conn.IsConnected()
}

// translatePattern converts an AMQP binding pattern to a NATS subject
// pattern. "#" only has a NATS equivalent (">") in terminal position; an
// embedded "#" falls back to ">" from that point, which over-matches but
// never under-matches.
func translatePattern(pattern string) string {
	segments := strings.Split(pattern, ".")
	for i, seg := range segments {
		if seg == "#" {
			return strings.Join(append(segments[:i], ">"), ".")
		}
	}
	return pattern
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub.IsValid()
}
