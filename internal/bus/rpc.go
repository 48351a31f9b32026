package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mindteam/mindteam/internal/common/logger"
	"github.com/mindteam/mindteam/pkg/protocol"
)

// ErrAlreadyPending is returned when a correlation id is registered twice.
var ErrAlreadyPending = errors.New("correlation id already pending")

// Requester owns a reply queue and matches replies to outstanding commands by
// correlation id. Replies are never matched by arrival order: the consumer
// callback completes whichever waiter the correlation id names, so
// interleaved replies resolve correctly.
type Requester struct {
	bus    Bus
	queue  string
	logger *logger.Logger

	mu      sync.Mutex
	pending map[string]chan *protocol.Envelope
	sub     Subscription
}

// NewRequester builds a requester over the given reply queue.
func NewRequester(b Bus, queue string, log *logger.Logger) *Requester {
	return &Requester{
		bus:     b,
		queue:   queue,
		logger:  log.WithFields(zap.String("component", "requester"), zap.String("queue", queue)),
		pending: make(map[string]chan *protocol.Envelope),
	}
}

// Start subscribes to the reply queue.
func (r *Requester) Start() error {
	sub, err := r.bus.SubscribeQueue(r.queue, r.handleReply)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	return nil
}

// Stop unsubscribes from the reply queue and fails all outstanding waiters.
func (r *Requester) Stop() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

// Queue returns the reply queue name for use as a command's reply_to.
func (r *Requester) Queue() string {
	return r.queue
}

// Register reserves a waiter for a correlation id. Call it before publishing
// the command so the reply cannot race the registration.
func (r *Requester) Register(correlationID string) (<-chan *protocol.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[correlationID]; exists {
		return nil, ErrAlreadyPending
	}
	ch := make(chan *protocol.Envelope, 1)
	r.pending[correlationID] = ch
	return ch, nil
}

// Cancel abandons a waiter. Any reply arriving afterwards is logged and
// dropped.
func (r *Requester) Cancel(correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, correlationID)
}

// Await blocks until the reply for correlationID arrives, the timeout
// elapses, or the context is cancelled. The waiter must have been registered
// first.
func (r *Requester) Await(ctx context.Context, correlationID string, ch <-chan *protocol.Envelope, timeout time.Duration) (*protocol.Envelope, error) {
	defer r.Cancel(correlationID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, protocol.NewError(protocol.CodeUnavailable, "requester stopped while awaiting reply")
		}
		return env, nil
	case <-timer.C:
		return nil, protocol.Errorf(protocol.CodeDeadlineExceeded, "no reply for %s within %s", correlationID, timeout)
	case <-ctx.Done():
		return nil, protocol.MapError(ctx.Err())
	}
}

// handleReply completes the waiter matching the reply's correlation id.
func (r *Requester) handleReply(ctx context.Context, env *protocol.Envelope) error {
	if env.Type != protocol.TypeResult && env.Type != protocol.TypeError {
		return protocol.Errorf(protocol.CodeInvalidArgument, "unexpected %s message on reply queue", env.Type)
	}

	r.mu.Lock()
	ch, ok := r.pending[env.CorrelationID]
	if ok {
		delete(r.pending, env.CorrelationID)
	}
	r.mu.Unlock()

	if !ok {
		// Late or duplicate reply: the command's deadline already fired.
		r.logger.Warn("dropping unmatched reply",
			zap.String("correlation_id", env.CorrelationID),
			zap.String("message_id", env.ID))
		return nil
	}

	ch <- env
	return nil
}
