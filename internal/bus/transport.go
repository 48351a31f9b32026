package bus

import "context"

// Delivery is a raw message handed up by a transport. Returning a non-nil
// error from a DeliveryFunc rejects the message without requeue; nil
// acknowledges it.
type Delivery struct {
	Body []byte
}

// DeliveryFunc consumes raw deliveries on a transport's consumer context.
type DeliveryFunc func(ctx context.Context, d Delivery) error

// Transport moves opaque bytes; the Client layers envelopes and validation on
// top. Implementations must be safe for concurrent publishing.
type Transport interface {
	// PublishTopic publishes to the shared topic exchange under a routing key.
	PublishTopic(ctx context.Context, key string, body []byte, priority uint8, messageID, correlationID string) error

	// PublishQueue publishes directly to a named queue (default exchange).
	PublishQueue(ctx context.Context, queue string, body []byte, priority uint8, messageID, correlationID string) error

	// Subscribe consumes a durable queue bound to the topic exchange with the
	// given pattern.
	Subscribe(pattern string, fn DeliveryFunc) (Subscription, error)

	// SubscribeQueue consumes a named queue with no binding.
	SubscribeQueue(queue string, fn DeliveryFunc) (Subscription, error)

	Close()
	IsConnected() bool
}
