package bus

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mindteam/mindteam/internal/common/logger"
)

// MemoryTransport is an in-process transport used by tests and single-binary
// deployments. Topic subscriptions each act as their own bound queue; named
// queues load-balance round-robin across their consumers, mirroring broker
// behavior.
type MemoryTransport struct {
	mu     sync.RWMutex
	topics []*memorySubscription
	queues map[string]*memoryQueue
	logger *logger.Logger
	closed bool
	wg     sync.WaitGroup
}

type memorySubscription struct {
	transport *MemoryTransport
	pattern   string
	regex     *regexp.Regexp
	queue     string // set for named-queue subscriptions
	fn        DeliveryFunc
	mu        sync.Mutex
	active    bool
}

type memoryQueue struct {
	subscribers []*memorySubscription
	nextIndex   int
	mu          sync.Mutex
}

// NewMemoryTransport creates an in-memory transport.
func NewMemoryTransport(log *logger.Logger) *MemoryTransport {
	return &MemoryTransport{
		queues: make(map[string]*memoryQueue),
		logger: log.WithFields(zap.String("transport", "memory")),
	}
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	t := s.transport
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, sub := range t.topics {
		if sub == s {
			t.topics = append(t.topics[:i], t.topics[i+1:]...)
			break
		}
	}

	if s.queue != "" {
		if q, ok := t.queues[s.queue]; ok {
			q.mu.Lock()
			for i, sub := range q.subscribers {
				if sub == s {
					q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
					break
				}
			}
			q.mu.Unlock()
		}
	}

	return nil
}

// IsValid reports whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// PublishTopic fans a message out to every matching topic subscription.
func (t *MemoryTransport) PublishTopic(ctx context.Context, key string, body []byte, priority uint8, messageID, correlationID string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrClosed
	}

	for _, sub := range t.topics {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active || !matchesKey(key, sub.pattern, sub.regex) {
			continue
		}
		t.dispatch(sub, body, key)
	}
	return nil
}

// PublishQueue delivers to one consumer of the named queue (round-robin).
func (t *MemoryTransport) PublishQueue(ctx context.Context, queue string, body []byte, priority uint8, messageID, correlationID string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrClosed
	}

	q, ok := t.queues[queue]
	if !ok {
		t.logger.Warn("dropping message for queue with no consumers",
			zap.String("queue", queue),
			zap.String("message_id", messageID))
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	startIndex := q.nextIndex
	for i := 0; i < len(q.subscribers); i++ {
		idx := (startIndex + i) % len(q.subscribers)
		sub := q.subscribers[idx]

		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()

		if active {
			q.nextIndex = (idx + 1) % len(q.subscribers)
			t.dispatch(sub, body, queue)
			return nil
		}
	}

	t.logger.Warn("dropping message for queue with no active consumers",
		zap.String("queue", queue),
		zap.String("message_id", messageID))
	return nil
}

// dispatch runs the delivery on its own goroutine, like a broker callback.
func (t *MemoryTransport) dispatch(sub *memorySubscription, body []byte, origin string) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := sub.fn(context.Background(), Delivery{Body: body}); err != nil {
			// The in-memory broker has no dead-letter queue; rejection is
			// terminal here.
			t.logger.Debug("delivery rejected",
				zap.String("origin", origin),
				zap.Error(err))
		}
	}()
}

// Subscribe registers a topic-pattern subscription.
func (t *MemoryTransport) Subscribe(pattern string, fn DeliveryFunc) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		transport: t,
		pattern:   pattern,
		regex:     compilePattern(pattern),
		fn:        fn,
		active:    true,
	}
	t.topics = append(t.topics, sub)

	t.logger.Debug("subscribed to pattern", zap.String("pattern", pattern))
	return sub, nil
}

// SubscribeQueue registers a named-queue consumer.
func (t *MemoryTransport) SubscribeQueue(queue string, fn DeliveryFunc) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		transport: t,
		queue:     queue,
		fn:        fn,
		active:    true,
	}

	q, ok := t.queues[queue]
	if !ok {
		q = &memoryQueue{}
		t.queues[queue] = q
	}
	q.subscribers = append(q.subscribers, sub)

	t.logger.Debug("subscribed to queue", zap.String("queue", queue))
	return sub, nil
}

// Close deactivates all subscriptions and waits for in-flight deliveries.
func (t *MemoryTransport) Close() {
	t.mu.Lock()
	t.closed = true
	for _, sub := range t.topics {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	for _, q := range t.queues {
		for _, sub := range q.subscribers {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	t.topics = nil
	t.queues = make(map[string]*memoryQueue)
	t.mu.Unlock()

	t.wg.Wait()
	t.logger.Debug("memory transport closed")
}

// IsConnected reports whether the transport is open.
func (t *MemoryTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.closed
}

// matchesKey checks a routing key against an AMQP-style binding pattern.
func matchesKey(key, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, "#") {
		return key == pattern
	}
	if regex != nil {
		return regex.MatchString(key)
	}
	return false
}

// compilePattern converts an AMQP binding pattern to a regex:
// "*" matches exactly one dot-separated segment, "#" zero or more.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, "#") {
		return nil
	}

	segments := strings.Split(pattern, ".")
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "*":
			parts = append(parts, `[^.]+`)
		case "#":
			parts = append(parts, `(?:[^.]+(?:\.[^.]+)*)?`)
		default:
			parts = append(parts, regexp.QuoteMeta(seg))
		}
	}

	// A "#" segment may match nothing, which would leave a dangling dot in a
	// plain join; collapse the separator around it instead.
	expr := "^" + parts[0]
	for i := 1; i < len(parts); i++ {
		if segments[i] == "#" || segments[i-1] == "#" {
			expr += `\.?` + parts[i]
		} else {
			expr += `\.` + parts[i]
		}
	}
	expr += "$"

	regex, err := regexp.Compile(expr)
	if err != nil {
		return nil
	}
	return regex
}
