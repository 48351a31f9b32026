package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mindteam/mindteam/internal/artifact"
	"github.com/mindteam/mindteam/internal/bus"
	"github.com/mindteam/mindteam/internal/common/config"
	"github.com/mindteam/mindteam/internal/common/logger"
	"github.com/mindteam/mindteam/internal/orchestrator/card"
	"github.com/mindteam/mindteam/internal/registry"
	"github.com/mindteam/mindteam/pkg/protocol"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func testEngineConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		ReplyQueue:             "orchestrator.replies",
		StepTimeoutSeconds:     5,
		MaxRetries:             3,
		WaitStepCapSeconds:     1,
		MaxConcurrentProcesses: 4,
	}
}

func mustParse(t *testing.T, yaml string) *card.Card {
	t.Helper()
	c, err := card.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("card parse failed: %v", err)
	}
	return c
}

func TestSingleStepHappyPath(t *testing.T) {
	dispatcher := NewLocalDispatcher()
	dispatcher.RegisterHandler("echo", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"echo": params["msg"]}, nil
	})
	engine := New(dispatcher, testEngineConfig(), newTestLogger(t))

	c := mustParse(t, `
metadata: {id: happy}
spec:
  steps:
    - id: run
      type: execute
      action: echo
      params: {msg: hi}
      output: r
      next: done
    - id: done
      type: complete
      result: "${r}"
`)

	inst, err := engine.ExecuteProcess(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("ExecuteProcess failed: %v", err)
	}
	if inst.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", inst.Status, inst.Error)
	}
	result, ok := inst.Result.(map[string]any)
	if !ok || result["echo"] != "hi" {
		t.Errorf("expected result {echo: hi}, got %v", inst.Result)
	}
	if inst.CurrentStepID != "" || inst.CompletedAt.IsZero() {
		t.Error("terminal instance must clear current step and set completed_at")
	}
}

func TestRetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	dispatcher := NewLocalDispatcher()
	dispatcher.RegisterHandler("flaky", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		if calls.Add(1) == 1 {
			return nil, protocol.NewError(protocol.CodeInternal, "transient fault")
		}
		return map[string]any{"ok": true}, nil
	})
	engine := New(dispatcher, testEngineConfig(), newTestLogger(t))

	c := mustParse(t, `
metadata: {id: retry}
spec:
  steps:
    - id: run
      type: execute
      action: flaky
      retry: {max_attempts: 3, delay_seconds: 0}
      output: r
      next: done
    - id: done
      type: complete
      result: "${r}"
`)

	inst, err := engine.ExecuteProcess(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("ExecuteProcess failed: %v", err)
	}
	if inst.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", inst.Status)
	}
	if sr := inst.StepResults[0]; sr.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", sr.Attempts)
	}
}

func TestConditionalBranching(t *testing.T) {
	dispatcher := NewLocalDispatcher()
	dispatcher.RegisterHandler("set", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"value": params["value"]}, nil
	})
	engine := New(dispatcher, testEngineConfig(), newTestLogger(t))

	const branching = `
metadata: {id: branch}
spec:
  variables: {x: %d}
  steps:
    - id: decide
      type: condition
      condition: "${x} > 3"
      then: yes_path
      else: no_path
    - id: yes_path
      type: execute
      action: set
      params: {value: "yes"}
      output: var
      next: done
    - id: no_path
      type: execute
      action: set
      params: {value: "no"}
      output: var
      next: done
    - id: done
      type: complete
      result: "${var.value}"
`

	run := func(x int) *Instance {
		inst, err := engine.ExecuteProcess(context.Background(), mustParse(t, fmt.Sprintf(branching, x)), nil)
		if err != nil {
			t.Fatalf("ExecuteProcess failed: %v", err)
		}
		return inst
	}

	if got := run(5).Result; got != "yes" {
		t.Errorf("x=5: expected yes, got %v", got)
	}
	if got := run(2).Result; got != "no" {
		t.Errorf("x=2: expected no, got %v", got)
	}
}

func TestStepTimeoutProducesDeadlineExceeded(t *testing.T) {
	dispatcher := NewLocalDispatcher()
	dispatcher.RegisterHandler("sleepy", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		select {
		case <-time.After(10 * time.Second):
			return map[string]any{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	engine := New(dispatcher, testEngineConfig(), newTestLogger(t))

	c := mustParse(t, `
metadata: {id: timeout}
spec:
  steps:
    - id: run
      type: execute
      action: sleepy
      timeout_seconds: 0.2
`)

	inst, err := engine.ExecuteProcess(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("ExecuteProcess failed: %v", err)
	}
	if inst.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", inst.Status)
	}
	sr := inst.LastStepResult()
	if sr == nil || sr.Error == nil || sr.Error.Code != protocol.CodeDeadlineExceeded {
		t.Errorf("expected DEADLINE_EXCEEDED, got %+v", sr)
	}
}

func TestRetryPolicies(t *testing.T) {
	fail := func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, protocol.NewError(protocol.CodeInternal, "permanent fault")
	}

	tests := []struct {
		policy string
		want   InstanceStatus
	}{
		{"abort", StatusFailed},
		{"escalate", StatusWaitingHuman},
		{"continue", StatusCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			dispatcher := NewLocalDispatcher()
			dispatcher.RegisterHandler("doomed", fail)
			engine := New(dispatcher, testEngineConfig(), newTestLogger(t))

			c := mustParse(t, `
metadata: {id: policy}
spec:
  steps:
    - id: run
      type: execute
      action: doomed
      retry: {max_attempts: 2, delay_seconds: 0, on_failure: `+tt.policy+`}
      next: done
    - id: done
      type: complete
      result: "made it"
`)
			inst, err := engine.ExecuteProcess(context.Background(), c, nil)
			if err != nil {
				t.Fatalf("ExecuteProcess failed: %v", err)
			}
			if inst.Status != tt.want {
				t.Errorf("policy %s: expected %s, got %s", tt.policy, tt.want, inst.Status)
			}
			if inst.StepResults[0].Attempts != 2 {
				t.Errorf("expected retries exhausted at 2 attempts, got %d", inst.StepResults[0].Attempts)
			}
			if tt.policy == "continue" && inst.Result != "made it" {
				t.Errorf("continue policy must advance to the next step, got %v", inst.Result)
			}
		})
	}
}

func TestCancellationStopsBinding(t *testing.T) {
	started := make(chan struct{})
	dispatcher := NewLocalDispatcher()
	dispatcher.RegisterHandler("slow", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		close(started)
		select {
		case <-time.After(5 * time.Second):
			return map[string]any{"late": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	engine := New(dispatcher, testEngineConfig(), newTestLogger(t))

	c := mustParse(t, `
metadata: {id: cancel}
spec:
  steps:
    - id: run
      type: execute
      action: slow
      output: r
`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	inst, err := engine.ExecuteProcess(ctx, c, nil)
	if err != nil {
		t.Fatalf("ExecuteProcess failed: %v", err)
	}
	if inst.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", inst.Status)
	}
	if _, bound := inst.Variables["r"]; bound {
		t.Error("cancelled instance bound a variable from a late reply")
	}
}

func TestWaitStepIsCapped(t *testing.T) {
	engine := New(NewLocalDispatcher(), testEngineConfig(), newTestLogger(t))

	c := mustParse(t, `
metadata: {id: waiting}
spec:
  steps:
    - id: pause
      type: wait
      duration: 2h
      next: done
    - id: done
      type: complete
      result: "done"
`)

	start := time.Now()
	inst, err := engine.ExecuteProcess(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("ExecuteProcess failed: %v", err)
	}
	if inst.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", inst.Status)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("wait step ran %s, cap not applied", elapsed)
	}
}

func TestLoopBound(t *testing.T) {
	dispatcher := NewLocalDispatcher()
	dispatcher.RegisterHandler("noop", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
	engine := New(dispatcher, testEngineConfig(), newTestLogger(t))

	// a and b reference each other forever.
	c := mustParse(t, `
metadata: {id: cycle}
spec:
  steps:
    - id: a
      type: execute
      action: noop
      next: b
    - id: b
      type: execute
      action: noop
      next: a
`)

	inst, err := engine.ExecuteProcess(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("ExecuteProcess failed: %v", err)
	}
	if inst.Status != StatusFailed {
		t.Errorf("expected the loop bound to fail the instance, got %s", inst.Status)
	}
}

func TestInputParamsVisibleToSteps(t *testing.T) {
	dispatcher := NewLocalDispatcher()
	dispatcher.RegisterHandler("echo", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"echo": params["msg"]}, nil
	})
	engine := New(dispatcher, testEngineConfig(), newTestLogger(t))

	c := mustParse(t, `
metadata: {id: inputs}
spec:
  steps:
    - id: run
      type: execute
      action: echo
      params: {msg: "${input.greeting}"}
      output: r
      next: done
    - id: done
      type: complete
      result: "${r.echo}"
`)

	inst, err := engine.ExecuteProcess(context.Background(), c, map[string]any{"greeting": "bonjour"})
	if err != nil {
		t.Fatalf("ExecuteProcess failed: %v", err)
	}
	if inst.Result != "bonjour" {
		t.Errorf("expected bonjour, got %v", inst.Result)
	}
}

func TestCompletedProcessPersistsResultArtifact(t *testing.T) {
	store, err := artifact.NewStore(config.ArtifactConfig{
		Root:            t.TempDir(),
		CatalogDriver:   "sqlite",
		BufferMaxItems:  10,
		BufferMaxSizeMB: 16,
	}, newTestLogger(t))
	if err != nil {
		t.Fatalf("failed to open artifact store: %v", err)
	}
	defer store.Close()

	dispatcher := NewLocalDispatcher()
	dispatcher.RegisterHandler("echo", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"echo": params["msg"]}, nil
	})
	engine := New(dispatcher, testEngineConfig(), newTestLogger(t))
	engine.AttachArtifactStore(store)

	c := mustParse(t, `
metadata: {id: persist}
spec:
  steps:
    - id: run
      type: execute
      action: echo
      params: {msg: hi}
      output: r
      next: done
    - id: done
      type: complete
      result: "${r}"
`)

	inst, err := engine.ExecuteProcess(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("ExecuteProcess failed: %v", err)
	}
	if inst.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", inst.Status)
	}

	artifacts, err := store.List(context.Background(), artifact.Filter{TraceID: inst.TraceID})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(artifacts) != 1 || artifacts[0].ArtifactType != "process_result" {
		t.Fatalf("expected one process_result artifact, got %+v", artifacts)
	}
	content, err := store.GetContent(context.Background(), artifacts[0].ID)
	if err != nil {
		t.Fatalf("GetContent failed: %v", err)
	}
	if string(content) != `{"echo":"hi"}` {
		t.Errorf("unexpected artifact content %s", content)
	}
}

func TestProcessExecutionEmitsSpans(t *testing.T) {
	dispatcher := NewLocalDispatcher()
	dispatcher.RegisterHandler("echo", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	engine := New(dispatcher, testEngineConfig(), newTestLogger(t))
	engine.tracer = tp.Tracer("orchestrator")

	c := mustParse(t, `
metadata: {id: traced}
spec:
  steps:
    - id: run
      type: execute
      action: echo
      next: done
    - id: done
      type: complete
      result: ok
`)

	inst, err := engine.ExecuteProcess(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("ExecuteProcess failed: %v", err)
	}
	if inst.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", inst.Status, inst.Error)
	}

	names := make(map[string]int)
	for _, s := range exporter.GetSpans() {
		names[s.Name]++
	}
	if names["process.execute"] != 1 {
		t.Errorf("expected one process.execute span, got %d", names["process.execute"])
	}
	if names["step.execute"] != 1 || names["step.complete"] != 1 {
		t.Errorf("expected one span per step, got %v", names)
	}
}

func TestBusDispatchEndToEnd(t *testing.T) {
	log := newTestLogger(t)
	client := bus.NewClient(bus.NewMemoryTransport(log), config.BrokerConfig{Kind: "memory", StrictValidation: true}, log)
	defer client.Close()

	// A fake agent consuming its command queue and echoing back.
	var seenTrace atomic.Value
	_, err := client.Subscribe("cmd.agent.*", func(ctx context.Context, env *protocol.Envelope) error {
		cmd := env.Command()
		seenTrace.Store(env.TraceParent)
		return client.SendResult(ctx, bus.ResultSpec{
			Output:        map[string]any{"echo": cmd.Params["msg"]},
			Source:        "agent-1",
			ReplyTo:       env.ReplyTo,
			CorrelationID: env.ID,
		})
	})
	if err != nil {
		t.Fatalf("agent subscribe failed: %v", err)
	}

	reg := registry.New(registry.Options{TTL: 30 * time.Second, CleanupInterval: time.Second}, log)
	if err := reg.Register(&registry.Passport{
		Metadata: registry.PassportMeta{UID: "n-1", Name: "agent-1", NodeType: registry.NodeTypeAgent},
		Spec: registry.PassportSpec{
			Capabilities: []registry.Capability{{Name: "echo"}},
			Endpoint:     registry.Endpoint{Protocol: "memory", Queue: "cmd.agent.agent-1"},
		},
		Status: registry.PassportStatus{Phase: registry.PhaseRunning},
	}); err != nil {
		t.Fatalf("registry register failed: %v", err)
	}

	requester := bus.NewRequester(client, "orchestrator.replies", log)
	if err := requester.Start(); err != nil {
		t.Fatalf("requester start failed: %v", err)
	}
	defer requester.Stop()

	dispatcher := NewBusDispatcher(client, requester, reg, "orchestrator", log)
	engine := New(dispatcher, testEngineConfig(), log)

	c := mustParse(t, `
metadata: {id: bus-e2e}
spec:
  steps:
    - id: run
      type: execute
      action: echo
      params: {msg: over-the-bus}
      output: r
      next: done
    - id: done
      type: complete
      result: "${r.echo}"
`)

	inst, err := engine.ExecuteProcess(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("ExecuteProcess failed: %v", err)
	}
	if inst.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", inst.Status, inst.Error)
	}
	if inst.Result != "over-the-bus" {
		t.Errorf("expected over-the-bus, got %v", inst.Result)
	}
	if got, _ := seenTrace.Load().(string); got != inst.TraceID {
		t.Errorf("dispatched command carried trace %q, want instance trace %q", got, inst.TraceID)
	}
}

func TestBusDispatchNoCapableNode(t *testing.T) {
	log := newTestLogger(t)
	client := bus.NewClient(bus.NewMemoryTransport(log), config.BrokerConfig{Kind: "memory", StrictValidation: true}, log)
	defer client.Close()

	reg := registry.New(registry.Options{TTL: 30 * time.Second, CleanupInterval: time.Second}, log)
	requester := bus.NewRequester(client, "orchestrator.replies", log)
	if err := requester.Start(); err != nil {
		t.Fatalf("requester start failed: %v", err)
	}
	defer requester.Stop()

	dispatcher := NewBusDispatcher(client, requester, reg, "orchestrator", log)
	_, err := dispatcher.Dispatch(context.Background(), "unknown", nil, DispatchOptions{Timeout: time.Second})
	perr := protocol.MapError(err)
	if perr.Code != protocol.CodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}
