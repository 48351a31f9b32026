package bus

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mindteam/mindteam/internal/common/config"
	"github.com/mindteam/mindteam/internal/common/logger"
	"github.com/mindteam/mindteam/pkg/protocol"
)

// Client implements Bus over a Transport. It owns envelope construction,
// schema validation on both send and receive, and priority assignment.
type Client struct {
	transport Transport
	logger    *logger.Logger
	strict    bool
	priority  map[protocol.MessageType]uint8
}

// NewClient wraps a transport with the typed MindBus API.
func NewClient(t Transport, cfg config.BrokerConfig, log *logger.Logger) *Client {
	return &Client{
		transport: t,
		logger:    log.WithFields(zap.String("component", "bus")),
		strict:    cfg.StrictValidation,
		priority:  priorityTable(cfg.Priorities),
	}
}

// New builds the configured transport and wraps it in a Client.
func New(cfg config.BrokerConfig, log *logger.Logger) (*Client, error) {
	var (
		t   Transport
		err error
	)
	switch strings.ToLower(cfg.Kind) {
	case "amqp":
		t, err = NewAMQPTransport(cfg, log)
	case "nats":
		t, err = NewNATSTransport(cfg, log)
	case "memory", "":
		t = NewMemoryTransport(log)
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return NewClient(t, cfg, log), nil
}

// priorityTable merges configured priorities with the protocol defaults.
func priorityTable(p config.PriorityConfig) map[protocol.MessageType]uint8 {
	table := map[protocol.MessageType]uint8{
		protocol.TypeCommand: protocol.PriorityCommand,
		protocol.TypeResult:  protocol.PriorityResult,
		protocol.TypeError:   protocol.PriorityError,
		protocol.TypeEvent:   protocol.PriorityEvent,
		protocol.TypeControl: protocol.PriorityControl,
	}
	set := func(t protocol.MessageType, v int) {
		if v > 0 && v <= 255 {
			table[t] = uint8(v)
		}
	}
	set(protocol.TypeCommand, p.Command)
	set(protocol.TypeResult, p.Result)
	set(protocol.TypeError, p.Error)
	set(protocol.TypeEvent, p.Event)
	set(protocol.TypeControl, p.Control)
	return table
}

// SendCommand publishes a command to cmd.{role}.{id|any} and returns its id.
func (c *Client) SendCommand(ctx context.Context, spec CommandSpec) (string, error) {
	if spec.ReplyTo == "" {
		return "", ErrNoReplyTo
	}

	env := protocol.NewEnvelope(protocol.TypeCommand, spec.Source, &protocol.CommandPayload{
		Action:         spec.Action,
		Params:         spec.Params,
		TimeoutSeconds: spec.Timeout.Seconds(),
	})
	if spec.ID != "" {
		env.ID = spec.ID
	}
	env.Subject = spec.Subject
	env.TraceParent = spec.TraceParent
	env.ReplyTo = spec.ReplyTo
	env.Priority = c.priority[protocol.TypeCommand]

	key := CommandKey(spec.TargetRole, spec.TargetID)
	if err := c.publishTopic(ctx, key, env); err != nil {
		return "", err
	}
	return env.ID, nil
}

// SendResult publishes a success reply directly to the reply queue.
func (c *Client) SendResult(ctx context.Context, spec ResultSpec) error {
	env := protocol.NewEnvelope(protocol.TypeResult, spec.Source, &protocol.ResultPayload{
		Status:          protocol.StatusSuccess,
		Output:          spec.Output,
		ExecutionTimeMS: spec.ExecutionTime.Milliseconds(),
		Metrics:         spec.Metrics,
	})
	env.Subject = spec.Subject
	env.TraceParent = spec.TraceParent
	env.CorrelationID = spec.CorrelationID
	env.Priority = c.priority[protocol.TypeResult]

	return c.publishQueue(ctx, spec.ReplyTo, env)
}

// SendError publishes a failure reply directly to the reply queue.
func (c *Client) SendError(ctx context.Context, spec ErrorSpec) error {
	env := protocol.NewEnvelope(protocol.TypeError, spec.Source, &protocol.ErrorPayload{
		Error: protocol.Error{
			Code:      spec.Code,
			Message:   spec.Message,
			Retryable: spec.Retryable,
		},
		Details:         spec.Details,
		ExecutionTimeMS: spec.ExecutionTime.Milliseconds(),
	})
	env.Subject = spec.Subject
	env.TraceParent = spec.TraceParent
	env.CorrelationID = spec.CorrelationID
	env.Priority = c.priority[protocol.TypeError]

	return c.publishQueue(ctx, spec.ReplyTo, env)
}

// SendEvent publishes a fire-and-forget event to evt.{topic}.{suffix}.
func (c *Client) SendEvent(ctx context.Context, spec EventSpec) error {
	severity := spec.Severity
	if severity == "" {
		severity = protocol.SeverityInfo
	}
	env := protocol.NewEnvelope(protocol.TypeEvent, spec.Source, &protocol.EventPayload{
		EventType: fmt.Sprintf("%s.%s", spec.Topic, spec.Suffix),
		EventData: spec.Data,
		Severity:  severity,
		Tags:      spec.Tags,
	})
	env.Priority = c.priority[protocol.TypeEvent]

	return c.publishTopic(ctx, EventKey(spec.Topic, spec.Suffix), env)
}

// SendControl publishes an operator directive at the highest priority.
func (c *Client) SendControl(ctx context.Context, spec ControlSpec) error {
	env := protocol.NewEnvelope(protocol.TypeControl, spec.Source, &protocol.ControlPayload{
		ControlType: spec.ControlType,
		Reason:      spec.Reason,
		Parameters:  spec.Parameters,
	})
	env.Priority = c.priority[protocol.TypeControl]

	return c.publishTopic(ctx, ControlKey(spec.Target, spec.ControlType), env)
}

// Subscribe binds a durable queue to the topic exchange with the pattern.
func (c *Client) Subscribe(pattern string, handler Handler) (Subscription, error) {
	return c.transport.Subscribe(pattern, c.deliveryFunc(pattern, handler))
}

// SubscribeQueue consumes a specific queue with no exchange binding.
func (c *Client) SubscribeQueue(queue string, handler Handler) (Subscription, error) {
	return c.transport.SubscribeQueue(queue, c.deliveryFunc(queue, handler))
}

// Close shuts the underlying transport down.
func (c *Client) Close() {
	c.transport.Close()
}

// IsConnected reports transport connection status.
func (c *Client) IsConnected() bool {
	return c.transport.IsConnected()
}

func (c *Client) publishTopic(ctx context.Context, key string, env *protocol.Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}
	if err := c.transport.PublishTopic(ctx, key, body, env.Priority, env.ID, correlationOf(env)); err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.Type, key, err)
	}
	c.logger.Debug("published message",
		zap.String("routing_key", key),
		zap.String("message_id", env.ID),
		zap.String("type", string(env.Type)))
	return nil
}

func (c *Client) publishQueue(ctx context.Context, queue string, env *protocol.Envelope) error {
	if queue == "" {
		return ErrNoReplyTo
	}
	body, err := env.Encode()
	if err != nil {
		return err
	}
	if err := c.transport.PublishQueue(ctx, queue, body, env.Priority, env.ID, correlationOf(env)); err != nil {
		return fmt.Errorf("publish %s to queue %s: %w", env.Type, queue, err)
	}
	c.logger.Debug("published reply",
		zap.String("queue", queue),
		zap.String("message_id", env.ID),
		zap.String("correlation_id", env.CorrelationID))
	return nil
}

// correlationOf returns the broker-level correlation id: the envelope's own
// correlation on replies, the envelope id on requests.
func correlationOf(env *protocol.Envelope) string {
	if env.CorrelationID != "" {
		return env.CorrelationID
	}
	return env.ID
}

// deliveryFunc adapts a typed handler into the transport contract: decode and
// validate, then dispatch. Any failure rejects the delivery without requeue.
func (c *Client) deliveryFunc(origin string, handler Handler) DeliveryFunc {
	return func(ctx context.Context, d Delivery) error {
		env, err := protocol.DecodeEnvelope(d.Body, c.strict)
		if err != nil {
			c.logger.Warn("rejecting undecodable message",
				zap.String("origin", origin),
				zap.Error(err))
			return err
		}

		if err := handler(ctx, env); err != nil {
			c.logger.Error("message handler failed",
				zap.String("origin", origin),
				zap.String("message_id", env.ID),
				zap.String("type", string(env.Type)),
				zap.Error(err))
			return err
		}
		return nil
	}
}
