// Package worker implements the node runtime: it announces a passport on the
// bus, renews its lease with heartbeats, consumes commands for its
// capabilities, and replies with results or mapped errors.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mindteam/mindteam/internal/bus"
	"github.com/mindteam/mindteam/internal/common/logger"
	"github.com/mindteam/mindteam/internal/registry"
	"github.com/mindteam/mindteam/pkg/protocol"
)

// Handler executes one capability.
type Handler interface {
	Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, action string, params map[string]any) (map[string]any, error)

// Execute calls the function.
func (f HandlerFunc) Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	return f(ctx, action, params)
}

// Options configure a worker node.
type Options struct {
	Name              string
	NodeType          registry.NodeType
	Labels            map[string]string
	Version           string
	HeartbeatInterval time.Duration
	LeaseSeconds      int

	// DefaultTimeout bounds command execution when the command itself does
	// not carry a timeout.
	DefaultTimeout time.Duration
}

// Worker is one capability-bearing node. Start announces it; Stop
// deregisters and drains.
type Worker struct {
	opts   Options
	bus    bus.Bus
	logger *logger.Logger
	uid    string

	mu       sync.Mutex
	handlers map[string]Handler
	subs     []bus.Subscription
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup

	paused    atomic.Bool
	inflight  atomic.Int64
	processed atomic.Int64
}

// New builds a worker. Register handlers before Start.
func New(opts Options, b bus.Bus, log *logger.Logger) *Worker {
	if opts.NodeType == "" {
		opts.NodeType = registry.NodeTypeAgent
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.LeaseSeconds <= 0 {
		opts.LeaseSeconds = 3 * int(opts.HeartbeatInterval/time.Second)
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = time.Minute
	}
	return &Worker{
		opts:     opts,
		bus:      b,
		logger:   log.WithFields(zap.String("component", "worker"), zap.String("node", opts.Name)),
		uid:      uuid.New().String(),
		handlers: make(map[string]Handler),
	}
}

// UID returns the node's registry uid.
func (w *Worker) UID() string { return w.uid }

// RegisterHandler binds a capability name to a handler.
func (w *Worker) RegisterHandler(action string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[action] = h
}

// Passport builds the node's current registry passport.
func (w *Worker) Passport() *registry.Passport {
	w.mu.Lock()
	capabilities := make([]registry.Capability, 0, len(w.handlers))
	for name := range w.handlers {
		capabilities = append(capabilities, registry.Capability{Name: name})
	}
	w.mu.Unlock()

	phase := registry.PhaseRunning
	if w.paused.Load() {
		phase = registry.PhaseDegraded
	}
	return &registry.Passport{
		Metadata: registry.PassportMeta{
			UID:      w.uid,
			Name:     w.opts.Name,
			NodeType: w.opts.NodeType,
			Labels:   w.opts.Labels,
			Version:  w.opts.Version,
		},
		Spec: registry.PassportSpec{
			Capabilities: capabilities,
			Endpoint: registry.Endpoint{
				Protocol: "amqp",
				Queue:    bus.CommandKey(string(w.opts.NodeType), w.opts.Name),
			},
		},
		Status: registry.PassportStatus{
			Phase: phase,
			Lease: registry.Lease{
				HolderIdentity:       w.opts.Name,
				LeaseDurationSeconds: w.opts.LeaseSeconds,
				RenewTime:            time.Now().UTC(),
			},
			CurrentTasks:        int(w.inflight.Load()),
			TotalTasksProcessed: w.processed.Load(),
		},
	}
}

// Start subscribes to the node's command and control keys, announces the
// passport, and begins the heartbeat loop. Heartbeats go out on the shared
// publisher path, never on a consumer channel.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker %s is already running", w.opts.Name)
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	role := string(w.opts.NodeType)
	for _, pattern := range []string{
		bus.CommandKey(role, w.opts.Name),
		bus.CommandKey(role, bus.AnyTarget),
	} {
		sub, err := w.bus.Subscribe(pattern, w.handleCommand)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
		}
		w.addSub(sub)
	}
	for _, pattern := range []string{
		fmt.Sprintf("ctl.%s.*", w.opts.Name),
		"ctl.all.*",
	} {
		sub, err := w.bus.Subscribe(pattern, w.handleControl)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
		}
		w.addSub(sub)
	}

	if err := w.announce(ctx); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.heartbeatLoop(ctx)

	w.logger.Info("worker started",
		zap.String("uid", w.uid),
		zap.String("node_type", role))
	return nil
}

// Stop publishes evt.node.deregistered, stops the heartbeat, and drains
// subscriptions and in-flight command executions.
func (w *Worker) Stop(ctx context.Context) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()

	err := w.bus.SendEvent(ctx, bus.EventSpec{
		Topic:  "node",
		Suffix: "deregistered",
		Source: w.opts.Name,
		Data:   map[string]any{"uid": w.uid, "reason": "shutdown"},
	})
	if err != nil {
		w.logger.Warn("failed to publish deregistration", zap.Error(err))
	}

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	w.wg.Wait()
	w.logger.Info("worker stopped", zap.String("uid", w.uid))
}

func (w *Worker) addSub(sub bus.Subscription) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, sub)
}

func (w *Worker) announce(ctx context.Context) error {
	passport, err := w.Passport().ToMap()
	if err != nil {
		return err
	}
	if err := w.bus.SendEvent(ctx, bus.EventSpec{
		Topic:  "node",
		Suffix: "registered",
		Source: w.opts.Name,
		Data:   map[string]any{"passport": passport},
	}); err != nil {
		return fmt.Errorf("failed to announce node: %w", err)
	}
	return nil
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			err := w.bus.SendEvent(ctx, bus.EventSpec{
				Topic:  "node",
				Suffix: "heartbeat",
				Source: w.opts.Name,
				Data: map[string]any{
					"uid":           w.uid,
					"current_tasks": w.inflight.Load(),
				},
			})
			if err != nil {
				// A dropped heartbeat is recovered by the next one.
				w.logger.Warn("heartbeat publish failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) handleCommand(ctx context.Context, env *protocol.Envelope) error {
	cmd := env.Command()
	if cmd == nil {
		return protocol.NewError(protocol.CodeInvalidArgument, "expected a command payload")
	}
	if env.ReplyTo == "" {
		return protocol.NewError(protocol.CodeInvalidArgument, "command carries no reply_to")
	}

	if w.paused.Load() {
		return w.replyError(ctx, env, protocol.NewError(protocol.CodeUnavailable, fmt.Sprintf("node %s is paused", w.opts.Name)), 0)
	}

	w.mu.Lock()
	handler, ok := w.handlers[cmd.Action]
	running := w.running
	if ok && running {
		// Adding under the lock keeps the counter ahead of Stop's Wait.
		w.wg.Add(1)
	}
	w.mu.Unlock()
	if !ok {
		return w.replyError(ctx, env,
			protocol.Errorf(protocol.CodeNotFound, "capability %q not offered by %s", cmd.Action, w.opts.Name), 0)
	}
	if !running {
		return w.replyError(ctx, env,
			protocol.NewError(protocol.CodeUnavailable, fmt.Sprintf("node %s is shutting down", w.opts.Name)), 0)
	}

	timeout := w.opts.DefaultTimeout
	if cmd.TimeoutSeconds > 0 {
		timeout = time.Duration(cmd.TimeoutSeconds * float64(time.Second))
	}

	// Execution hops off the delivery goroutine so one slow capability
	// cannot stall the node's consumer channel.
	w.inflight.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.inflight.Add(-1)

		execCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		started := time.Now()
		output, err := handler.Execute(execCtx, cmd.Action, cmd.Params)
		elapsed := time.Since(started)
		w.processed.Add(1)

		if err != nil {
			if rerr := w.replyError(ctx, env, protocol.MapError(err), elapsed); rerr != nil {
				w.logger.Warn("failed to publish error reply", zap.Error(rerr))
			}
			return
		}
		rerr := w.bus.SendResult(ctx, bus.ResultSpec{
			Output:        output,
			ExecutionTime: elapsed,
			Source:        w.opts.Name,
			ReplyTo:       env.ReplyTo,
			CorrelationID: env.ID,
			Subject:       env.Subject,
			TraceParent:   env.TraceParent,
		})
		if rerr != nil {
			w.logger.Warn("failed to publish result reply", zap.Error(rerr))
		}
	}()
	return nil
}

func (w *Worker) replyError(ctx context.Context, env *protocol.Envelope, perr *protocol.Error, elapsed time.Duration) error {
	return w.bus.SendError(ctx, bus.ErrorSpec{
		Code:          perr.Code,
		Message:       perr.Message,
		Retryable:     perr.Retryable,
		ExecutionTime: elapsed,
		Source:        w.opts.Name,
		ReplyTo:       env.ReplyTo,
		CorrelationID: env.ID,
		Subject:       env.Subject,
		TraceParent:   env.TraceParent,
	})
}

func (w *Worker) handleControl(ctx context.Context, env *protocol.Envelope) error {
	ctl := env.Control()
	if ctl == nil {
		return protocol.NewError(protocol.CodeInvalidArgument, "expected a control payload")
	}

	w.logger.Info("control message received",
		zap.String("control_type", ctl.ControlType),
		zap.String("reason", ctl.Reason))

	switch ctl.ControlType {
	case protocol.ControlPause:
		w.paused.Store(true)
	case protocol.ControlResume:
		w.paused.Store(false)
	case protocol.ControlShutdown:
		// Stop drains subscriptions; run it off the delivery goroutine.
		go w.Stop(context.Background())
	default:
		w.logger.Warn("ignoring unknown control type", zap.String("control_type", ctl.ControlType))
	}
	return nil
}
