// Package card defines the Process Card model: a declarative multi-step
// workflow loaded from YAML, validated before it can run, with dotted-path
// variable expansion and a restricted condition grammar.
package card

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// StepType enumerates the step kinds the engine knows how to run.
type StepType string

const (
	StepExecute   StepType = "execute"
	StepCondition StepType = "condition"
	StepComplete  StepType = "complete"
	StepWait      StepType = "wait"
)

// OnFailure selects what happens when a step exhausts its retries.
type OnFailure string

const (
	FailureAbort    OnFailure = "abort"
	FailureContinue OnFailure = "continue"
	FailureEscalate OnFailure = "escalate"
)

var durationPattern = regexp.MustCompile(`^\d+(\.\d+)?[smh]$`)

// Metadata identifies a card.
type Metadata struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
}

// Retry configures re-execution of a failed step.
type Retry struct {
	MaxAttempts  int       `yaml:"max_attempts" json:"max_attempts"`
	DelaySeconds float64   `yaml:"delay_seconds" json:"delay_seconds"`
	OnFailure    OnFailure `yaml:"on_failure" json:"on_failure"`
}

// Delay returns the between-attempt pause.
func (r *Retry) Delay() time.Duration {
	return time.Duration(r.DelaySeconds * float64(time.Second))
}

// Step is one node of the workflow.
type Step struct {
	ID   string   `yaml:"id" json:"id"`
	Type StepType `yaml:"type" json:"type"`

	// execute
	Action         string         `yaml:"action,omitempty" json:"action,omitempty"`
	Params         map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Output         string         `yaml:"output,omitempty" json:"output,omitempty"`
	Retry          *Retry         `yaml:"retry,omitempty" json:"retry,omitempty"`
	TimeoutSeconds float64        `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Next           string         `yaml:"next,omitempty" json:"next,omitempty"`

	// condition
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
	Then      string `yaml:"then,omitempty" json:"then,omitempty"`
	Else      string `yaml:"else,omitempty" json:"else,omitempty"`

	// complete
	Result any `yaml:"result,omitempty" json:"result,omitempty"`

	// wait
	Duration string `yaml:"duration,omitempty" json:"duration,omitempty"`
}

// WaitDuration parses the wait step's duration string.
func (s *Step) WaitDuration() (time.Duration, error) {
	if !durationPattern.MatchString(s.Duration) {
		return 0, fmt.Errorf("invalid wait duration %q", s.Duration)
	}
	return time.ParseDuration(s.Duration)
}

// Spec holds the card's variables and steps.
type Spec struct {
	Variables map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`
	Steps     []Step         `yaml:"steps" json:"steps"`
}

// Card is a full process definition.
type Card struct {
	Metadata Metadata `yaml:"metadata" json:"metadata"`
	Spec     Spec     `yaml:"spec" json:"spec"`
}

// Parse decodes a card from YAML and validates it. A card that fails
// validation is never returned.
func Parse(data []byte) (*Card, error) {
	var c Card
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse process card: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads and parses a card file.
func Load(path string) (*Card, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read process card %s: %w", path, err)
	}
	return Parse(data)
}

// Step returns the step with the given id.
func (c *Card) Step(id string) (*Step, bool) {
	for i := range c.Spec.Steps {
		if c.Spec.Steps[i].ID == id {
			return &c.Spec.Steps[i], true
		}
	}
	return nil, false
}

// First returns the entry step of the card.
func (c *Card) First() *Step {
	if len(c.Spec.Steps) == 0 {
		return nil
	}
	return &c.Spec.Steps[0]
}

// MaxAttempts returns the largest retry budget any step declares, at least 1.
func (c *Card) MaxAttempts() int {
	max := 1
	for i := range c.Spec.Steps {
		if r := c.Spec.Steps[i].Retry; r != nil && r.MaxAttempts > max {
			max = r.MaxAttempts
		}
	}
	return max
}

// Validate rejects structurally broken cards: missing ids, duplicate ids,
// unknown step types, dangling references, execute steps without an action,
// malformed wait durations, retry blocks with bad policies.
func (c *Card) Validate() error {
	if c.Metadata.ID == "" {
		return fmt.Errorf("card requires metadata.id")
	}
	if len(c.Spec.Steps) == 0 {
		return fmt.Errorf("card %s has no steps", c.Metadata.ID)
	}

	ids := make(map[string]bool, len(c.Spec.Steps))
	for i := range c.Spec.Steps {
		step := &c.Spec.Steps[i]
		if step.ID == "" {
			return fmt.Errorf("card %s: step %d has no id", c.Metadata.ID, i)
		}
		if ids[step.ID] {
			return fmt.Errorf("card %s: duplicate step id %q", c.Metadata.ID, step.ID)
		}
		ids[step.ID] = true
	}

	for i := range c.Spec.Steps {
		step := &c.Spec.Steps[i]
		switch step.Type {
		case StepExecute:
			if step.Action == "" {
				return fmt.Errorf("card %s: execute step %q has no action", c.Metadata.ID, step.ID)
			}
			if r := step.Retry; r != nil {
				if r.MaxAttempts < 1 {
					return fmt.Errorf("card %s: step %q retry.max_attempts must be at least 1", c.Metadata.ID, step.ID)
				}
				switch r.OnFailure {
				case "", FailureAbort, FailureContinue, FailureEscalate:
				default:
					return fmt.Errorf("card %s: step %q has unknown on_failure %q", c.Metadata.ID, step.ID, r.OnFailure)
				}
			}
			if err := c.checkRef(step.ID, "next", step.Next, ids); err != nil {
				return err
			}
		case StepCondition:
			if step.Condition == "" {
				return fmt.Errorf("card %s: condition step %q has no condition", c.Metadata.ID, step.ID)
			}
			if step.Then == "" {
				return fmt.Errorf("card %s: condition step %q has no then branch", c.Metadata.ID, step.ID)
			}
			if err := c.checkRef(step.ID, "then", step.Then, ids); err != nil {
				return err
			}
			if err := c.checkRef(step.ID, "else", step.Else, ids); err != nil {
				return err
			}
		case StepComplete:
			// result is optional; no outgoing references.
		case StepWait:
			if _, err := step.WaitDuration(); err != nil {
				return fmt.Errorf("card %s: step %q: %w", c.Metadata.ID, step.ID, err)
			}
			if err := c.checkRef(step.ID, "next", step.Next, ids); err != nil {
				return err
			}
		default:
			return fmt.Errorf("card %s: step %q has unknown type %q", c.Metadata.ID, step.ID, step.Type)
		}
	}
	return nil
}

func (c *Card) checkRef(stepID, field, target string, ids map[string]bool) error {
	if target == "" {
		return nil
	}
	if !ids[target] {
		return fmt.Errorf("card %s: step %q %s references unknown step %q", c.Metadata.ID, stepID, field, target)
	}
	return nil
}
