// Package orchestrator executes Process Cards: it walks a card's steps,
// expands variables, dispatches execute steps to capability-bearing workers,
// applies retry policy, and tracks each run as a process instance.
package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/mindteam/mindteam/pkg/protocol"
)

// InstanceStatus is the lifecycle state of one card execution.
type InstanceStatus string

const (
	StatusPending      InstanceStatus = "pending"
	StatusRunning      InstanceStatus = "running"
	StatusCompleted    InstanceStatus = "completed"
	StatusFailed       InstanceStatus = "failed"
	StatusCancelled    InstanceStatus = "cancelled"
	StatusWaitingHuman InstanceStatus = "waiting_human"
)

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusWaitingHuman:
		return true
	}
	return false
}

// StepResult records one step's outcome, including how many attempts the
// retry policy consumed.
type StepResult struct {
	StepID      string          `json:"step_id"`
	Status      string          `json:"status"` // completed | failed
	Attempts    int             `json:"attempts"`
	Output      map[string]any  `json:"output,omitempty"`
	Error       *protocol.Error `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Instance is the ephemeral runtime record of one card execution.
type Instance struct {
	ID            string         `json:"id"`
	CardID        string         `json:"card_id"`
	TraceID       string         `json:"trace_id"`
	InputParams   map[string]any `json:"input_params"`
	Variables     map[string]any `json:"variables"`
	Status        InstanceStatus `json:"status"`
	CurrentStepID string         `json:"current_step_id,omitempty"`
	StepResults   []StepResult   `json:"step_results"`
	Result        any            `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   time.Time      `json:"completed_at,omitempty"`
}

func newInstance(cardID string, input map[string]any) *Instance {
	if input == nil {
		input = map[string]any{}
	}
	return &Instance{
		ID:          uuid.New().String(),
		CardID:      cardID,
		TraceID:     uuid.New().String(),
		InputParams: input,
		Variables:   map[string]any{},
		Status:      StatusPending,
		StartedAt:   time.Now().UTC(),
	}
}

// LastStepResult returns the most recent step record.
func (i *Instance) LastStepResult() *StepResult {
	if len(i.StepResults) == 0 {
		return nil
	}
	return &i.StepResults[len(i.StepResults)-1]
}

func (i *Instance) finish(status InstanceStatus) {
	i.Status = status
	i.CurrentStepID = ""
	i.CompletedAt = time.Now().UTC()
}
