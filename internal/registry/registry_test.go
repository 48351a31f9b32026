package registry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mindteam/mindteam/internal/bus"
	"github.com/mindteam/mindteam/internal/common/config"
	"github.com/mindteam/mindteam/internal/common/logger"
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

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(Options{
		TTL:             30 * time.Second,
		CleanupInterval: time.Second,
	}, newTestLogger(t))
}

func testPassport(uid, name string, caps ...string) *Passport {
	p := &Passport{
		Metadata: PassportMeta{
			UID:      uid,
			Name:     name,
			NodeType: NodeTypeAgent,
			Labels:   map[string]string{"team": "alpha"},
		},
		Spec: PassportSpec{
			Endpoint: Endpoint{Protocol: "amqp", Queue: "cmd." + name},
		},
		Status: PassportStatus{Phase: PhaseRunning},
	}
	for _, c := range caps {
		p.Spec.Capabilities = append(p.Spec.Capabilities, Capability{Name: c})
	}
	return p
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Register(testPassport("n-1", "agent-1")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(testPassport("n-1", "agent-other")); err != ErrDuplicateNode {
		t.Errorf("duplicate uid: expected ErrDuplicateNode, got %v", err)
	}
	if err := r.Register(testPassport("n-2", "agent-1")); err != ErrDuplicateNode {
		t.Errorf("duplicate name: expected ErrDuplicateNode, got %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 node, got %d", r.Len())
	}
}

func TestRegisterValidatesPassport(t *testing.T) {
	r := newTestRegistry(t)

	p := testPassport("n-1", "agent-1")
	p.Metadata.NodeType = ""
	if err := r.Register(p); err == nil {
		t.Error("expected validation error for missing node_type")
	}
}

func TestHeartbeatUnknownNodeIgnored(t *testing.T) {
	r := newTestRegistry(t)
	// Must not panic or create an entry.
	r.Heartbeat("ghost")
	if r.Len() != 0 {
		t.Errorf("heartbeat created an entry for an unknown node")
	}
}

func TestSweepDemotesThenEvicts(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(testPassport("n-1", "agent-1")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	now := time.Now().UTC()

	// Past half the TTL: demoted but still registered.
	r.Sweep(now.Add(16 * time.Second))
	entry, ok := r.Get("n-1")
	if !ok {
		t.Fatal("node evicted too early")
	}
	if entry.Health != HealthNotReady {
		t.Errorf("expected not_ready, got %s", entry.Health)
	}

	// A heartbeat restores full health.
	r.Heartbeat("n-1")
	entry, _ = r.Get("n-1")
	if entry.Health != HealthAlive {
		t.Errorf("heartbeat did not restore health, got %s", entry.Health)
	}

	// Past the full TTL with no renewal: evicted.
	var gotReason string
	r.OnNodeRemoved(func(e *Entry, reason string) { gotReason = reason })
	r.Sweep(time.Now().UTC().Add(31 * time.Second))
	if _, ok := r.Get("n-1"); ok {
		t.Error("node survived past its TTL")
	}
	if gotReason != "ttl_expired" {
		t.Errorf("expected ttl_expired callback, got %q", gotReason)
	}
}

func TestEvictedNodeCanReRegister(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(testPassport("n-1", "agent-1")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	r.Sweep(time.Now().UTC().Add(time.Minute))

	if err := r.Register(testPassport("n-1", "agent-1")); err != nil {
		t.Errorf("re-register after eviction failed: %v", err)
	}
}

func TestFindFiltersAndOrder(t *testing.T) {
	r := newTestRegistry(t)

	for i, spec := range []struct {
		uid, name string
		caps      []string
		team      string
	}{
		{"n-1", "agent-1", []string{"echo"}, "alpha"},
		{"n-2", "agent-2", []string{"echo", "translate"}, "beta"},
		{"n-3", "agent-3", []string{"translate"}, "alpha"},
	} {
		p := testPassport(spec.uid, spec.name, spec.caps...)
		p.Metadata.Labels["team"] = spec.team
		if err := r.Register(p); err != nil {
			t.Fatalf("Register %d failed: %v", i, err)
		}
		// Distinct registration times so FIFO ordering is observable.
		time.Sleep(2 * time.Millisecond)
	}

	echo := r.Find(FindOptions{Capability: "echo"})
	if len(echo) != 2 {
		t.Fatalf("expected 2 echo nodes, got %d", len(echo))
	}
	if echo[0].Passport.Metadata.UID != "n-1" {
		t.Errorf("expected FIFO order with n-1 first, got %s", echo[0].Passport.Metadata.UID)
	}

	alpha := r.Find(FindOptions{Selector: map[string]string{"team": "alpha"}})
	if len(alpha) != 2 {
		t.Errorf("expected 2 alpha nodes, got %d", len(alpha))
	}

	both := r.Find(FindOptions{
		Capability: "translate",
		Selector:   map[string]string{"team": "alpha"},
	})
	if len(both) != 1 || both[0].Passport.Metadata.UID != "n-3" {
		t.Errorf("combined filter returned %d nodes", len(both))
	}

	none := r.Find(FindOptions{Selector: map[string]string{"team": "gamma"}})
	if len(none) != 0 {
		t.Errorf("expected no gamma nodes, got %d", len(none))
	}
}

func TestFindOnlyHealthySkipsDemoted(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(testPassport("n-1", "agent-1", "echo")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	r.Sweep(time.Now().UTC().Add(16 * time.Second))

	if got := r.Find(FindOptions{Capability: "echo", OnlyHealthy: true}); len(got) != 0 {
		t.Errorf("demoted node returned from healthy-only query")
	}
	if got := r.Find(FindOptions{Capability: "echo"}); len(got) != 1 {
		t.Errorf("demoted node missing from unrestricted query")
	}
}

func newBridgedService(t *testing.T) (*Service, *Registry, bus.Bus) {
	t.Helper()
	log := newTestLogger(t)
	client := bus.NewClient(bus.NewMemoryTransport(log), config.BrokerConfig{Kind: "memory", StrictValidation: true}, log)
	r := New(Options{TTL: 30 * time.Second, CleanupInterval: time.Second}, log)
	svc := NewService(r, client, "registry-test", log)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("service start failed: %v", err)
	}
	t.Cleanup(func() {
		svc.Stop()
		client.Close()
	})
	return svc, r, client
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

func TestServiceAppliesLifecycleEvents(t *testing.T) {
	_, r, client := newBridgedService(t)
	ctx := context.Background()

	passport, err := testPassport("n-1", "agent-1", "echo").ToMap()
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}

	if err := client.SendEvent(ctx, bus.EventSpec{
		Topic:  "node",
		Suffix: "registered",
		Source: "agent-1",
		Data:   map[string]any{"passport": passport},
	}); err != nil {
		t.Fatalf("SendEvent registered failed: %v", err)
	}
	waitFor(t, func() bool { return r.Len() == 1 }, "node never registered via bus")

	if err := client.SendEvent(ctx, bus.EventSpec{
		Topic:  "node",
		Suffix: "deregistered",
		Source: "agent-1",
		Data:   map[string]any{"uid": "n-1", "reason": "shutdown"},
	}); err != nil {
		t.Fatalf("SendEvent deregistered failed: %v", err)
	}
	waitFor(t, func() bool { return r.Len() == 0 }, "node never deregistered via bus")
}

func TestServiceRejectsNameConflict(t *testing.T) {
	_, r, client := newBridgedService(t)
	ctx := context.Background()

	var rejections atomic.Int32
	if _, err := client.Subscribe("evt.node.rejected", func(ctx context.Context, env *protocol.Envelope) error {
		event := env.Event()
		if event.EventData["uid"] == "n-2" && event.EventData["reason"] == "name_conflict" {
			rejections.Add(1)
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	announce := func(uid string) {
		passport, err := testPassport(uid, "agent-1").ToMap()
		if err != nil {
			t.Fatalf("ToMap failed: %v", err)
		}
		if err := client.SendEvent(ctx, bus.EventSpec{
			Topic:  "node",
			Suffix: "registered",
			Source: "agent-1",
			Data:   map[string]any{"passport": passport},
		}); err != nil {
			t.Fatalf("SendEvent failed: %v", err)
		}
	}

	announce("n-1")
	waitFor(t, func() bool { return r.Len() == 1 }, "node never registered")

	// Same name, different uid: the holder keeps the name and the loser is
	// told so.
	announce("n-2")
	waitFor(t, func() bool { return rejections.Load() == 1 }, "rejection event never published")
	if _, ok := r.Get("n-2"); ok {
		t.Error("conflicting node must not enter the registry")
	}
	if r.Len() != 1 {
		t.Errorf("expected one registered node, got %d", r.Len())
	}
}

func TestServiceTreatsReAnnounceAsRenewal(t *testing.T) {
	_, r, client := newBridgedService(t)
	ctx := context.Background()

	passport, err := testPassport("n-1", "agent-1").ToMap()
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}
	send := func() {
		if err := client.SendEvent(ctx, bus.EventSpec{
			Topic:  "node",
			Suffix: "registered",
			Source: "agent-1",
			Data:   map[string]any{"passport": passport},
		}); err != nil {
			t.Fatalf("SendEvent failed: %v", err)
		}
	}

	send()
	waitFor(t, func() bool { return r.Len() == 1 }, "node never registered")

	// Demote it, then re-announce: the node must come back to full health.
	r.Sweep(time.Now().UTC().Add(16 * time.Second))
	send()
	waitFor(t, func() bool {
		entry, ok := r.Get("n-1")
		return ok && entry.Health == HealthAlive
	}, "re-announce did not renew the lease")
}
