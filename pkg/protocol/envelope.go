// Package protocol defines the MindBus wire format: the message envelope, the
// five typed payload shapes it can carry, and the error code taxonomy shared
// by every node on the bus.
//
// Envelopes serialize to JSON with CloudEvents-style attributes plus a data
// object whose shape is fixed by the envelope type. Validation happens on both
// send and receive; a message that does not parse into its declared payload
// type never reaches a handler.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Default publish priorities per message type. Control outranks everything.
const (
	PriorityCommand = 20
	PriorityResult  = 20
	PriorityError   = 20
	PriorityEvent   = 10
	PriorityControl = 255
)

// Envelope is the unit of transfer on the bus.
type Envelope struct {
	ID            string      `json:"id"`
	Type          MessageType `json:"type"`
	Source        string      `json:"source"`
	Subject       string      `json:"subject,omitempty"`
	Time          time.Time   `json:"time"`
	TraceParent   string      `json:"traceparent,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	ReplyTo       string      `json:"reply_to,omitempty"`
	Priority      uint8       `json:"priority"`
	Data          Payload     `json:"data"`
}

// NewEnvelope builds an envelope with a fresh id, the current time, and the
// default priority for the payload's type.
func NewEnvelope(t MessageType, source string, data Payload) *Envelope {
	return &Envelope{
		ID:       uuid.New().String(),
		Type:     t,
		Source:   source,
		Time:     time.Now().UTC(),
		Priority: DefaultPriority(t),
		Data:     data,
	}
}

// DefaultPriority returns the built-in publish priority for a message type.
func DefaultPriority(t MessageType) uint8 {
	switch t {
	case TypeEvent:
		return PriorityEvent
	case TypeControl:
		return PriorityControl
	default:
		return PriorityCommand
	}
}

// Validate checks the envelope attributes and the payload shape together.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return NewError(CodeInvalidArgument, "envelope requires an id")
	}
	if !e.Type.IsValid() {
		return Errorf(CodeInvalidArgument, "unknown envelope type %q", e.Type)
	}
	if e.Source == "" {
		return NewError(CodeInvalidArgument, "envelope requires a source")
	}
	if e.Data == nil {
		return NewError(CodeInvalidArgument, "envelope requires a data payload")
	}
	switch e.Type {
	case TypeResult, TypeError:
		if e.CorrelationID == "" {
			return Errorf(CodeInvalidArgument, "%s envelope requires a correlation_id", e.Type)
		}
	}
	if err := e.Data.Validate(); err != nil {
		return err
	}
	return nil
}

// Encode validates the envelope and serializes it to JSON.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// envelopeWire mirrors Envelope with the data field left raw so the payload
// can be decoded after the type is known.
type envelopeWire struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	Source        string          `json:"source"`
	Subject       string          `json:"subject,omitempty"`
	Time          time.Time       `json:"time"`
	TraceParent   string          `json:"traceparent,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	Priority      uint8           `json:"priority"`
	Data          json.RawMessage `json:"data"`
}

// DecodeEnvelope parses and validates a wire message. In strict mode unknown
// fields inside the payload are rejected instead of ignored.
func DecodeEnvelope(b []byte, strict bool) (*Envelope, error) {
	var wire envelopeWire
	if err := json.Unmarshal(b, &wire); err != nil {
		return nil, Errorf(CodeInvalidArgument, "malformed envelope: %v", err)
	}
	if !wire.Type.IsValid() {
		return nil, Errorf(CodeInvalidArgument, "unknown envelope type %q", wire.Type)
	}
	if len(wire.Data) == 0 {
		return nil, NewError(CodeInvalidArgument, "envelope requires a data payload")
	}

	payload, err := newPayload(wire.Type)
	if err != nil {
		return nil, NewError(CodeInvalidArgument, err.Error())
	}

	dec := json.NewDecoder(bytes.NewReader(wire.Data))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(payload); err != nil {
		return nil, Errorf(CodeInvalidArgument, "invalid %s payload: %v", wire.Type, err)
	}

	env := &Envelope{
		ID:            wire.ID,
		Type:          wire.Type,
		Source:        wire.Source,
		Subject:       wire.Subject,
		Time:          wire.Time,
		TraceParent:   wire.TraceParent,
		CorrelationID: wire.CorrelationID,
		ReplyTo:       wire.ReplyTo,
		Priority:      wire.Priority,
		Data:          payload,
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Command returns the command payload, or nil if the envelope carries another
// type. The accessors below save handlers a type assertion each.
func (e *Envelope) Command() *CommandPayload {
	p, _ := e.Data.(*CommandPayload)
	return p
}

// Result returns the result payload, or nil.
func (e *Envelope) Result() *ResultPayload {
	p, _ := e.Data.(*ResultPayload)
	return p
}

// ErrorData returns the error payload, or nil.
func (e *Envelope) ErrorData() *ErrorPayload {
	p, _ := e.Data.(*ErrorPayload)
	return p
}

// Event returns the event payload, or nil.
func (e *Envelope) Event() *EventPayload {
	p, _ := e.Data.(*EventPayload)
	return p
}

// Control returns the control payload, or nil.
func (e *Envelope) Control() *ControlPayload {
	p, _ := e.Data.(*ControlPayload)
	return p
}
