// Package bus implements the MindBus client: typed request/reply messaging
// over a topic-routed broker with schema-validated envelopes.
//
// The Client handles envelope encoding, payload validation, and routing-key
// construction; broker specifics live in the Transport implementations (AMQP,
// NATS, in-memory). Handlers never see a message whose payload failed
// validation.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mindteam/mindteam/pkg/protocol"
)

var (
	// ErrClosed is returned when sending on a closed bus.
	ErrClosed = errors.New("bus is closed")
	// ErrNoReplyTo is returned when a command expecting a reply names no queue.
	ErrNoReplyTo = errors.New("command requires a reply_to queue")
)

// Handler processes a validated envelope. A non-nil error rejects the message
// (dead-lettered on brokers that support it); it is never requeued.
type Handler func(ctx context.Context, env *protocol.Envelope) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the typed message plane every MindTeam node talks through.
type Bus interface {
	// SendCommand publishes a command to cmd.{role}.{id|any} and returns the
	// command id for reply correlation.
	SendCommand(ctx context.Context, spec CommandSpec) (string, error)

	// SendResult publishes a success reply directly to the reply_to queue.
	SendResult(ctx context.Context, spec ResultSpec) error

	// SendError publishes a failure reply directly to the reply_to queue.
	SendError(ctx context.Context, spec ErrorSpec) error

	// SendEvent publishes a fire-and-forget event to evt.{topic}.{suffix}.
	SendEvent(ctx context.Context, spec EventSpec) error

	// SendControl publishes an operator directive to ctl.{target}.{type}
	// with the highest priority.
	SendControl(ctx context.Context, spec ControlSpec) error

	// Subscribe binds a durable queue to the topic exchange with the given
	// pattern ("*" matches one segment, "#" zero or more).
	Subscribe(pattern string, handler Handler) (Subscription, error)

	// SubscribeQueue consumes a specific queue with no exchange binding;
	// command senders use it to receive their RPC replies.
	SubscribeQueue(queue string, handler Handler) (Subscription, error)

	// Close shuts the connection down, draining in-flight deliveries.
	Close()

	// IsConnected reports connection status.
	IsConnected() bool
}

// CommandSpec describes a command publish.
type CommandSpec struct {
	// ID pre-assigns the envelope id. Callers awaiting a reply set it so the
	// reply waiter can be registered before the command is on the wire.
	ID          string
	Action      string
	Params      map[string]any
	TargetRole  string
	TargetID    string // empty targets any node of the role
	Source      string
	Subject     string
	TraceParent string
	Timeout     time.Duration
	ReplyTo     string
}

// ResultSpec describes a success reply publish.
type ResultSpec struct {
	Output        map[string]any
	ExecutionTime time.Duration
	Source        string
	ReplyTo       string
	CorrelationID string
	Subject       string
	TraceParent   string
	Metrics       map[string]any
}

// ErrorSpec describes a failure reply publish.
type ErrorSpec struct {
	Code          protocol.Code
	Message       string
	Retryable     bool
	Details       map[string]any
	ExecutionTime time.Duration
	Source        string
	ReplyTo       string
	CorrelationID string
	Subject       string
	TraceParent   string
}

// EventSpec describes an event publish.
type EventSpec struct {
	Topic    string // first routing segment after "evt.", e.g. "node"
	Suffix   string // event type suffix, e.g. "registered"
	Data     map[string]any
	Source   string
	Severity protocol.Severity
	Tags     []string
}

// ControlSpec describes a control publish.
type ControlSpec struct {
	ControlType string
	Target      string
	Source      string
	Reason      string
	Parameters  map[string]any
}

// AnyTarget routes a command to any node advertising the role.
const AnyTarget = "any"

// CommandKey builds the routing key for a command.
func CommandKey(role, id string) string {
	if id == "" {
		id = AnyTarget
	}
	return fmt.Sprintf("cmd.%s.%s", role, id)
}

// EventKey builds the routing key for an event.
func EventKey(topic, suffix string) string {
	return fmt.Sprintf("evt.%s.%s", topic, suffix)
}

// ControlKey builds the routing key for a control message.
func ControlKey(target, controlType string) string {
	return fmt.Sprintf("ctl.%s.%s", target, controlType)
}
