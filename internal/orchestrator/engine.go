package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mindteam/mindteam/internal/artifact"
	"github.com/mindteam/mindteam/internal/common/config"
	"github.com/mindteam/mindteam/internal/common/logger"
	"github.com/mindteam/mindteam/internal/common/tracing"
	"github.com/mindteam/mindteam/internal/orchestrator/card"
	"github.com/mindteam/mindteam/pkg/protocol"
)

// resultVariable is where a complete step's expanded result lands.
const resultVariable = "_result"

// Engine runs Process Cards. Each instance executes on a single goroutine;
// concurrent instances are bounded by a semaphore. The engine is agnostic to
// the dispatch mode: bus and in-process dispatchers are interchangeable.
type Engine struct {
	dispatcher Dispatcher
	store      *artifact.Store
	cfg        config.OrchestratorConfig
	logger     *logger.Logger
	tracer     trace.Tracer
	sem        *semaphore.Weighted

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds an engine over a dispatcher.
func New(d Dispatcher, cfg config.OrchestratorConfig, log *logger.Logger) *Engine {
	maxConcurrent := int64(cfg.MaxConcurrentProcesses)
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Engine{
		dispatcher: d,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "orchestrator")),
		tracer:     tracing.Tracer("orchestrator"),
		sem:        semaphore.NewWeighted(maxConcurrent),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// AttachArtifactStore makes completed instances persist their result as an
// artifact.
func (e *Engine) AttachArtifactStore(s *artifact.Store) {
	e.store = s
}

// Cancel aborts a running instance. In-flight replies arriving afterwards are
// logged and dropped by the reply path; they never bind variables.
func (e *Engine) Cancel(instanceID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[instanceID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ExecuteProcess runs a validated card to a terminal status. The returned
// instance carries the outcome; the error return is reserved for failures to
// start at all.
func (e *Engine) ExecuteProcess(ctx context.Context, c *card.Card, input map[string]any) (*Instance, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire process slot: %w", err)
	}
	defer e.sem.Release(1)

	inst := newInstance(c.Metadata.ID, input)
	for k, v := range c.Spec.Variables {
		inst.Variables[k] = v
	}
	inst.Variables["input"] = inst.InputParams
	inst.Status = StatusRunning

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancels[inst.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, inst.ID)
		e.mu.Unlock()
	}()

	e.logger.Info("process started",
		zap.String("instance_id", inst.ID),
		zap.String("card_id", c.Metadata.ID),
		zap.String("trace_id", inst.TraceID))

	runCtx, span := e.tracer.Start(runCtx, "process.execute", trace.WithAttributes(
		attribute.String("card.id", c.Metadata.ID),
		attribute.String("instance.id", inst.ID),
		attribute.String("trace.id", inst.TraceID),
	))
	e.run(runCtx, c, inst)
	span.SetAttributes(attribute.String("process.status", string(inst.Status)))
	span.End()

	e.logger.Info("process finished",
		zap.String("instance_id", inst.ID),
		zap.String("status", string(inst.Status)),
		zap.Int("steps_executed", len(inst.StepResults)))

	if inst.Status == StatusCompleted {
		e.persistResult(inst)
	}
	return inst, nil
}

func (e *Engine) run(ctx context.Context, c *card.Card, inst *Instance) {
	maxAttempts := c.MaxAttempts()
	if cfgAttempts := e.cfg.MaxRetries + 1; cfgAttempts > maxAttempts {
		maxAttempts = cfgAttempts
	}
	bound := len(c.Spec.Steps) * maxAttempts * 2

	current := c.First().ID
	for iter := 0; current != ""; iter++ {
		if iter >= bound {
			inst.Error = fmt.Sprintf("step loop exceeded %d iterations", bound)
			inst.finish(StatusFailed)
			return
		}
		if ctx.Err() != nil {
			inst.finish(StatusCancelled)
			return
		}

		step, ok := c.Step(current)
		if !ok {
			inst.Error = fmt.Sprintf("step %q not found", current)
			inst.finish(StatusFailed)
			return
		}
		inst.CurrentStepID = step.ID

		stepCtx, stepSpan := e.tracer.Start(ctx, "step."+string(step.Type),
			trace.WithAttributes(attribute.String("step.id", step.ID)))

		var next string
		var halt InstanceStatus
		switch step.Type {
		case card.StepExecute:
			next, halt = e.runExecute(stepCtx, inst, step)
		case card.StepCondition:
			next, halt = e.runCondition(inst, step)
		case card.StepComplete:
			e.runComplete(inst, step)
		case card.StepWait:
			next, halt = e.runWait(stepCtx, inst, step)
		}
		stepSpan.End()

		if halt != "" {
			inst.finish(halt)
			return
		}
		current = next
	}

	inst.finish(StatusCompleted)
}

func (e *Engine) runExecute(ctx context.Context, inst *Instance, step *card.Step) (string, InstanceStatus) {
	maxAttempts := 1
	var delay time.Duration
	policy := card.FailureAbort
	if r := step.Retry; r != nil {
		maxAttempts = r.MaxAttempts
		delay = r.Delay()
		if r.OnFailure != "" {
			policy = r.OnFailure
		}
	}

	timeout := e.cfg.StepTimeout()
	if step.TimeoutSeconds > 0 {
		timeout = time.Duration(step.TimeoutSeconds * float64(time.Second))
	}

	started := time.Now().UTC()
	var lastErr *protocol.Error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		params, _ := card.Expand(step.Params, inst.Variables).(map[string]any)

		output, err := e.dispatcher.Dispatch(ctx, step.Action, params, DispatchOptions{
			TraceID: inst.TraceID,
			Subject: inst.ID,
			StepID:  step.ID,
			Timeout: timeout,
		})
		if ctx.Err() != nil {
			// Cancelled mid-dispatch: the reply, if any, must not bind.
			return "", StatusCancelled
		}
		if err == nil {
			if step.Output != "" {
				inst.Variables[step.Output] = output
			}
			inst.StepResults = append(inst.StepResults, StepResult{
				StepID:      step.ID,
				Status:      "completed",
				Attempts:    attempt,
				Output:      output,
				StartedAt:   started,
				CompletedAt: time.Now().UTC(),
			})
			return step.Next, ""
		}

		lastErr = protocol.MapError(err)
		e.logger.Warn("step attempt failed",
			zap.String("instance_id", inst.ID),
			zap.String("step_id", step.ID),
			zap.Int("attempt", attempt),
			zap.String("code", string(lastErr.Code)),
			zap.Error(err))

		if attempt < maxAttempts && !sleepCtx(ctx, delay) {
			return "", StatusCancelled
		}
	}

	inst.StepResults = append(inst.StepResults, StepResult{
		StepID:      step.ID,
		Status:      "failed",
		Attempts:    maxAttempts,
		Error:       lastErr,
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	})

	switch policy {
	case card.FailureContinue:
		return step.Next, ""
	case card.FailureEscalate:
		inst.Error = lastErr.Error()
		return "", StatusWaitingHuman
	default:
		inst.Error = lastErr.Error()
		return "", StatusFailed
	}
}

func (e *Engine) runCondition(inst *Instance, step *card.Step) (string, InstanceStatus) {
	started := time.Now().UTC()
	result, err := card.Evaluate(step.Condition, inst.Variables)
	if err != nil {
		perr := protocol.NewError(protocol.CodeInvalidArgument, err.Error())
		inst.StepResults = append(inst.StepResults, StepResult{
			StepID:      step.ID,
			Status:      "failed",
			Attempts:    1,
			Error:       perr,
			StartedAt:   started,
			CompletedAt: time.Now().UTC(),
		})
		inst.Error = err.Error()
		return "", StatusFailed
	}

	inst.StepResults = append(inst.StepResults, StepResult{
		StepID:      step.ID,
		Status:      "completed",
		Attempts:    1,
		Output:      map[string]any{"condition": result},
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	})
	if result {
		return step.Then, ""
	}
	return step.Else, ""
}

func (e *Engine) runComplete(inst *Instance, step *card.Step) {
	started := time.Now().UTC()
	if step.Result != nil {
		expanded := card.Expand(normalizeYAML(step.Result), inst.Variables)
		inst.Variables[resultVariable] = expanded
		inst.Result = expanded
	}
	inst.StepResults = append(inst.StepResults, StepResult{
		StepID:      step.ID,
		Status:      "completed",
		Attempts:    1,
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	})
}

func (e *Engine) runWait(ctx context.Context, inst *Instance, step *card.Step) (string, InstanceStatus) {
	started := time.Now().UTC()
	d, err := step.WaitDuration()
	if err != nil {
		// Validation rejects bad durations; this is unreachable for loaded cards.
		inst.Error = err.Error()
		return "", StatusFailed
	}
	if limit := e.cfg.WaitStepCap(); limit > 0 && d > limit {
		d = limit
	}
	if !sleepCtx(ctx, d) {
		return "", StatusCancelled
	}
	inst.StepResults = append(inst.StepResults, StepResult{
		StepID:      step.ID,
		Status:      "completed",
		Attempts:    1,
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	})
	return step.Next, ""
}

// persistResult stores the completed instance's result as an artifact when a
// store is attached. Persistence failures never fail the process.
func (e *Engine) persistResult(inst *Instance) {
	if e.store == nil || inst.Result == nil {
		return
	}
	content, err := json.Marshal(inst.Result)
	if err != nil {
		e.logger.Error("failed to encode process result",
			zap.String("instance_id", inst.ID),
			zap.Error(err))
		return
	}
	lastStep := ""
	if sr := inst.LastStepResult(); sr != nil {
		lastStep = sr.StepID
	}
	_, err = e.store.Register(context.Background(), artifact.RegisterRequest{
		Content:      content,
		ArtifactType: "process_result",
		TraceID:      inst.TraceID,
		CreatedBy:    "orchestrator",
		Filename:     "result.json",
		ContentType:  "application/json",
		StepID:       lastStep,
		Visibility:   artifact.VisibilityTrace,
		Context:      map[string]any{"card_id": inst.CardID, "instance_id": inst.ID},
	})
	if err != nil {
		e.logger.Error("failed to persist process result artifact",
			zap.String("instance_id", inst.ID),
			zap.Error(err))
	}
}

// sleepCtx sleeps for d unless the context ends first. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// normalizeYAML converts YAML-decoded containers (map[any]any) into the
// map[string]any shape the expander walks.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}
