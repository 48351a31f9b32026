package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mindteam/mindteam/internal/bus"
	"github.com/mindteam/mindteam/internal/common/logger"
	"github.com/mindteam/mindteam/internal/registry"
	"github.com/mindteam/mindteam/pkg/protocol"
)

// DispatchOptions carry the per-step context a dispatcher needs.
type DispatchOptions struct {
	TraceID string
	Subject string // process instance id
	StepID  string
	Timeout time.Duration
}

// Dispatcher executes one action against a worker. Failures surface as
// *protocol.Error so the retry policy can consult the code and retryability.
// The step machine must behave identically over either implementation.
type Dispatcher interface {
	Dispatch(ctx context.Context, action string, params map[string]any, opts DispatchOptions) (map[string]any, error)
}

// BusDispatcher resolves actions to live workers through the registry and
// issues commands over the bus, correlating replies on a shared reply queue.
type BusDispatcher struct {
	bus       bus.Bus
	requester *bus.Requester
	registry  *registry.Registry
	source    string
	logger    *logger.Logger
}

// NewBusDispatcher wires the production dispatch path. The requester must be
// started before the first Dispatch call.
func NewBusDispatcher(b bus.Bus, req *bus.Requester, reg *registry.Registry, source string, log *logger.Logger) *BusDispatcher {
	return &BusDispatcher{
		bus:       b,
		requester: req,
		registry:  reg,
		source:    source,
		logger:    log.WithFields(zap.String("component", "bus_dispatcher")),
	}
}

// Dispatch finds a healthy worker advertising the action, sends the command,
// and blocks for the correlated reply bounded by the timeout.
func (d *BusDispatcher) Dispatch(ctx context.Context, action string, params map[string]any, opts DispatchOptions) (map[string]any, error) {
	nodes := d.registry.Find(registry.FindOptions{Capability: action, OnlyHealthy: true})
	if len(nodes) == 0 {
		return nil, protocol.Errorf(protocol.CodeNotFound, "no healthy node offers capability %q", action)
	}
	target := nodes[0].Passport

	commandID := uuid.New().String()
	ch, err := d.requester.Register(commandID)
	if err != nil {
		return nil, protocol.MapError(err)
	}

	_, err = d.bus.SendCommand(ctx, bus.CommandSpec{
		ID:          commandID,
		Action:      action,
		Params:      params,
		TargetRole:  string(target.Metadata.NodeType),
		TargetID:    target.Metadata.Name,
		Source:      d.source,
		Subject:     opts.Subject,
		TraceParent: opts.TraceID,
		Timeout:     opts.Timeout,
		ReplyTo:     d.requester.Queue(),
	})
	if err != nil {
		d.requester.Cancel(commandID)
		return nil, protocol.MapError(err)
	}

	d.logger.Debug("command dispatched",
		zap.String("action", action),
		zap.String("target", target.Metadata.Name),
		zap.String("command_id", commandID))

	reply, err := d.requester.Await(ctx, commandID, ch, opts.Timeout)
	if err != nil {
		return nil, protocol.MapError(err)
	}

	switch reply.Type {
	case protocol.TypeResult:
		return reply.Result().Output, nil
	case protocol.TypeError:
		e := reply.ErrorData().Error
		return nil, &e
	default:
		return nil, protocol.Errorf(protocol.CodeInternal, "unexpected reply type %s", reply.Type)
	}
}

// LocalHandler executes one action in-process.
type LocalHandler func(ctx context.Context, params map[string]any) (map[string]any, error)

// LocalDispatcher runs actions from an in-process handler table, bypassing
// the bus entirely. Handlers still run under the step deadline.
type LocalDispatcher struct {
	mu       sync.RWMutex
	handlers map[string]LocalHandler
}

// NewLocalDispatcher builds an empty handler table.
func NewLocalDispatcher() *LocalDispatcher {
	return &LocalDispatcher{handlers: make(map[string]LocalHandler)}
}

// RegisterHandler binds an action name to a handler.
func (d *LocalDispatcher) RegisterHandler(action string, h LocalHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[action] = h
}

// Dispatch runs the handler for the action under the step timeout.
func (d *LocalDispatcher) Dispatch(ctx context.Context, action string, params map[string]any, opts DispatchOptions) (map[string]any, error) {
	d.mu.RLock()
	h, ok := d.handlers[action]
	d.mu.RUnlock()
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "no handler registered for capability %q", action)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		output, err := h(ctx, params)
		done <- outcome{output: output, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, protocol.MapError(o.err)
		}
		return o.output, nil
	case <-ctx.Done():
		// Late handler results are discarded; the buffered channel lets the
		// goroutine finish.
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, protocol.MapError(ctx.Err())
		}
		return nil, protocol.Errorf(protocol.CodeDeadlineExceeded, "capability %q exceeded its deadline", action)
	}
}

var (
	_ Dispatcher = (*BusDispatcher)(nil)
	_ Dispatcher = (*LocalDispatcher)(nil)
)
