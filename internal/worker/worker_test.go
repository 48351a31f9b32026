package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mindteam/mindteam/internal/bus"
	"github.com/mindteam/mindteam/internal/common/config"
	"github.com/mindteam/mindteam/internal/common/logger"
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

type fixture struct {
	client    *bus.Client
	registry  *registry.Registry
	requester *bus.Requester
	worker    *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := newTestLogger(t)
	client := bus.NewClient(bus.NewMemoryTransport(log), config.BrokerConfig{Kind: "memory", StrictValidation: true}, log)

	reg := registry.New(registry.Options{TTL: 30 * time.Second, CleanupInterval: time.Second}, log)
	svc := registry.NewService(reg, client, "registry", log)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("registry service start failed: %v", err)
	}

	requester := bus.NewRequester(client, "test.replies", log)
	if err := requester.Start(); err != nil {
		t.Fatalf("requester start failed: %v", err)
	}

	w := New(Options{
		Name:              "agent-1",
		NodeType:          registry.NodeTypeAgent,
		Labels:            map[string]string{"team": "alpha"},
		Version:           "1.0.0",
		HeartbeatInterval: 50 * time.Millisecond,
	}, client, log)

	t.Cleanup(func() {
		w.Stop(context.Background())
		requester.Stop()
		svc.Stop()
		client.Close()
	})
	return &fixture{client: client, registry: reg, requester: requester, worker: w}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// request sends a command to the worker and waits for its correlated reply.
func (f *fixture) request(t *testing.T, action string, params map[string]any) *protocol.Envelope {
	t.Helper()
	ctx := context.Background()

	id, err := f.client.SendCommand(ctx, bus.CommandSpec{
		Action:     action,
		Params:     params,
		TargetRole: "agent",
		TargetID:   "agent-1",
		Source:     "test",
		ReplyTo:    f.requester.Queue(),
	})
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	// The memory transport delivers asynchronously, so registering right
	// after publish is still ahead of the reply.
	ch, err := f.requester.Register(id)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	reply, err := f.requester.Await(ctx, id, ch, 2*time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	return reply
}

func TestWorkerAnnouncesAndServes(t *testing.T) {
	f := newFixture(t)
	f.worker.RegisterHandler("echo", HandlerFunc(func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		return map[string]any{"echo": params["msg"]}, nil
	}))

	if err := f.worker.Start(context.Background()); err != nil {
		t.Fatalf("worker start failed: %v", err)
	}
	waitFor(t, func() bool { return f.registry.Len() == 1 }, "worker never appeared in the registry")

	nodes := f.registry.Find(registry.FindOptions{Capability: "echo"})
	if len(nodes) != 1 || nodes[0].Passport.Metadata.Name != "agent-1" {
		t.Fatalf("capability lookup failed: %+v", nodes)
	}

	reply := f.request(t, "echo", map[string]any{"msg": "hi"})
	if reply.Type != protocol.TypeResult {
		t.Fatalf("expected result, got %s", reply.Type)
	}
	if reply.Result().Output["echo"] != "hi" {
		t.Errorf("unexpected output %v", reply.Result().Output)
	}
}

func TestWorkerHeartbeatsRenewLease(t *testing.T) {
	f := newFixture(t)
	f.worker.RegisterHandler("noop", HandlerFunc(func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		return nil, nil
	}))
	if err := f.worker.Start(context.Background()); err != nil {
		t.Fatalf("worker start failed: %v", err)
	}
	waitFor(t, func() bool { return f.registry.Len() == 1 }, "worker never registered")

	// Demote the node, then let a heartbeat arrive.
	f.registry.Sweep(time.Now().UTC().Add(16 * time.Second))
	waitFor(t, func() bool {
		entry, ok := f.registry.Get(f.worker.UID())
		return ok && entry.Health == registry.HealthAlive
	}, "heartbeat did not restore the lease")
}

func TestWorkerMapsHandlerErrors(t *testing.T) {
	f := newFixture(t)
	f.worker.RegisterHandler("broken", HandlerFunc(func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		return nil, errors.New("something tore")
	}))
	if err := f.worker.Start(context.Background()); err != nil {
		t.Fatalf("worker start failed: %v", err)
	}

	reply := f.request(t, "broken", nil)
	if reply.Type != protocol.TypeError {
		t.Fatalf("expected error reply, got %s", reply.Type)
	}
	if reply.ErrorData().Error.Code != protocol.CodeInternal {
		t.Errorf("expected INTERNAL, got %s", reply.ErrorData().Error.Code)
	}
}

func TestWorkerRejectsUnknownCapability(t *testing.T) {
	f := newFixture(t)
	f.worker.RegisterHandler("known", HandlerFunc(func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		return nil, nil
	}))
	if err := f.worker.Start(context.Background()); err != nil {
		t.Fatalf("worker start failed: %v", err)
	}

	reply := f.request(t, "unknown", nil)
	if reply.Type != protocol.TypeError {
		t.Fatalf("expected error reply, got %s", reply.Type)
	}
	if reply.ErrorData().Error.Code != protocol.CodeNotFound {
		t.Errorf("expected NOT_FOUND, got %s", reply.ErrorData().Error.Code)
	}
}

func TestWorkerCommandTimeout(t *testing.T) {
	f := newFixture(t)
	f.worker.RegisterHandler("sleepy", HandlerFunc(func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		select {
		case <-time.After(10 * time.Second):
			return map[string]any{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	if err := f.worker.Start(context.Background()); err != nil {
		t.Fatalf("worker start failed: %v", err)
	}

	ctx := context.Background()
	id, err := f.client.SendCommand(ctx, bus.CommandSpec{
		Action:     "sleepy",
		TargetRole: "agent",
		TargetID:   "agent-1",
		Source:     "test",
		ReplyTo:    f.requester.Queue(),
		Timeout:    200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	ch, err := f.requester.Register(id)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	reply, err := f.requester.Await(ctx, id, ch, 2*time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if reply.Type != protocol.TypeError || reply.ErrorData().Error.Code != protocol.CodeDeadlineExceeded {
		t.Errorf("expected DEADLINE_EXCEEDED error reply, got %s", reply.Type)
	}
}

func TestWorkerPauseAndResume(t *testing.T) {
	f := newFixture(t)
	f.worker.RegisterHandler("echo", HandlerFunc(func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}))
	if err := f.worker.Start(context.Background()); err != nil {
		t.Fatalf("worker start failed: %v", err)
	}

	ctx := context.Background()
	if err := f.client.SendControl(ctx, bus.ControlSpec{
		ControlType: protocol.ControlPause,
		Target:      "agent-1",
		Source:      "operator",
	}); err != nil {
		t.Fatalf("SendControl failed: %v", err)
	}
	waitFor(t, func() bool { return f.worker.paused.Load() }, "pause control never applied")

	reply := f.request(t, "echo", nil)
	if reply.Type != protocol.TypeError || reply.ErrorData().Error.Code != protocol.CodeUnavailable {
		t.Fatalf("paused worker should reply UNAVAILABLE, got %s", reply.Type)
	}
	if !reply.ErrorData().Error.Retryable {
		t.Error("pause rejection should be retryable")
	}

	if err := f.client.SendControl(ctx, bus.ControlSpec{
		ControlType: protocol.ControlResume,
		Target:      "agent-1",
		Source:      "operator",
	}); err != nil {
		t.Fatalf("SendControl failed: %v", err)
	}
	waitFor(t, func() bool { return !f.worker.paused.Load() }, "resume control never applied")

	reply = f.request(t, "echo", nil)
	if reply.Type != protocol.TypeResult {
		t.Errorf("resumed worker should serve again, got %s", reply.Type)
	}
}

func TestWorkerHandlerRunsOffDeliveryGoroutine(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.worker.RegisterHandler("slow", HandlerFunc(func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		select {
		case <-release:
			return map[string]any{"done": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	if err := f.worker.Start(context.Background()); err != nil {
		t.Fatalf("worker start failed: %v", err)
	}

	env := protocol.NewEnvelope(protocol.TypeCommand, "test", &protocol.CommandPayload{Action: "slow"})
	env.ReplyTo = f.requester.Queue()
	ch, err := f.requester.Register(env.ID)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// The delivery callback must hand the handler off and return while the
	// handler is still parked.
	returned := make(chan error, 1)
	go func() { returned <- f.worker.handleCommand(context.Background(), env) }()
	select {
	case err := <-returned:
		if err != nil {
			t.Fatalf("handleCommand failed: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("delivery callback blocked on the handler")
	}

	close(release)
	reply, err := f.requester.Await(context.Background(), env.ID, ch, 2*time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if reply.Type != protocol.TypeResult {
		t.Errorf("expected result after release, got %s", reply.Type)
	}
}

func TestWorkerStopDeregisters(t *testing.T) {
	f := newFixture(t)
	f.worker.RegisterHandler("echo", HandlerFunc(func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		return nil, nil
	}))
	if err := f.worker.Start(context.Background()); err != nil {
		t.Fatalf("worker start failed: %v", err)
	}
	waitFor(t, func() bool { return f.registry.Len() == 1 }, "worker never registered")

	f.worker.Stop(context.Background())
	waitFor(t, func() bool { return f.registry.Len() == 0 }, "worker never deregistered")
}
