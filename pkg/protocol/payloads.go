package protocol

import "fmt"

// MessageType discriminates the payload carried in an envelope's data field.
type MessageType string

const (
	TypeCommand MessageType = "command"
	TypeResult  MessageType = "result"
	TypeError   MessageType = "error"
	TypeEvent   MessageType = "event"
	TypeControl MessageType = "control"
)

// IsValid reports whether t is a known message type.
func (t MessageType) IsValid() bool {
	switch t {
	case TypeCommand, TypeResult, TypeError, TypeEvent, TypeControl:
		return true
	}
	return false
}

// Severity grades event payloads.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// IsValid reports whether s is a known severity.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// StatusSuccess is the only status a result payload may carry; failures travel
// as error payloads instead.
const StatusSuccess = "SUCCESS"

// Control types understood by the worker runtime.
const (
	ControlPause    = "pause"
	ControlResume   = "resume"
	ControlShutdown = "shutdown"
)

// Payload is implemented by the five typed payload shapes.
type Payload interface {
	// Validate checks the payload's own shape invariants.
	Validate() error
}

// CommandPayload asks a worker to run an action.
type CommandPayload struct {
	Action         string         `json:"action"`
	Params         map[string]any `json:"params,omitempty"`
	TimeoutSeconds float64        `json:"timeout_seconds,omitempty"`
	Requirements   map[string]any `json:"requirements,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

func (p *CommandPayload) Validate() error {
	if p.Action == "" {
		return NewError(CodeInvalidArgument, "command payload requires an action")
	}
	if p.TimeoutSeconds < 0 {
		return NewError(CodeInvalidArgument, "timeout_seconds must not be negative")
	}
	return nil
}

// ResultPayload carries a successful command outcome.
type ResultPayload struct {
	Status          string         `json:"status"`
	Output          map[string]any `json:"output"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
	Metrics         map[string]any `json:"metrics,omitempty"`
}

func (p *ResultPayload) Validate() error {
	if p.Status != StatusSuccess {
		return Errorf(CodeInvalidArgument, "result payload status must be %q, got %q", StatusSuccess, p.Status)
	}
	if p.ExecutionTimeMS < 0 {
		return NewError(CodeInvalidArgument, "execution_time_ms must not be negative")
	}
	return nil
}

// ErrorPayload carries a failed command outcome.
type ErrorPayload struct {
	Error           Error          `json:"error"`
	Details         map[string]any `json:"details,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time_ms,omitempty"`
}

func (p *ErrorPayload) Validate() error {
	if !p.Error.Code.IsValid() {
		return Errorf(CodeInvalidArgument, "unknown error code %q", p.Error.Code)
	}
	if p.Error.Message == "" {
		return NewError(CodeInvalidArgument, "error payload requires a message")
	}
	return nil
}

// EventPayload is a fire-and-forget notification.
type EventPayload struct {
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data,omitempty"`
	Severity  Severity       `json:"severity"`
	Tags      []string       `json:"tags,omitempty"`
}

func (p *EventPayload) Validate() error {
	if p.EventType == "" {
		return NewError(CodeInvalidArgument, "event payload requires an event_type")
	}
	if !p.Severity.IsValid() {
		return Errorf(CodeInvalidArgument, "unknown event severity %q", p.Severity)
	}
	return nil
}

// ControlPayload is an operator directive to a node.
type ControlPayload struct {
	ControlType string         `json:"control_type"`
	Reason      string         `json:"reason,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func (p *ControlPayload) Validate() error {
	if p.ControlType == "" {
		return NewError(CodeInvalidArgument, "control payload requires a control_type")
	}
	return nil
}

// newPayload returns the zero payload value for a message type.
func newPayload(t MessageType) (Payload, error) {
	switch t {
	case TypeCommand:
		return &CommandPayload{}, nil
	case TypeResult:
		return &ResultPayload{}, nil
	case TypeError:
		return &ErrorPayload{}, nil
	case TypeEvent:
		return &EventPayload{}, nil
	case TypeControl:
		return &ControlPayload{}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", t)
	}
}
