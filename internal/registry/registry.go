package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mindteam/mindteam/internal/common/logger"
)

// Common errors
var (
	ErrDuplicateNode  = errors.New("node with this uid or name is already registered")
	ErrAlreadyRunning = errors.New("registry sweeper is already running")
	ErrNotRunning     = errors.New("registry sweeper is not running")
)

// Health is the registry's view of a node's liveness.
type Health string

const (
	HealthAlive    Health = "alive"
	HealthNotReady Health = "not_ready"
	HealthOffline  Health = "offline"
)

// Entry is one registered node plus the registry's bookkeeping for it.
type Entry struct {
	Passport     *Passport
	RegisteredAt time.Time
	LastSeen     time.Time
	Health       Health
}

// Callback is invoked after a node leaves the registry (eviction or explicit
// deregistration). Callbacks run outside the registry lock.
type Callback func(entry *Entry, reason string)

// FindOptions narrows a registry query. Zero values match everything.
type FindOptions struct {
	Selector    map[string]string
	NodeType    NodeType
	Capability  string
	OnlyHealthy bool
}

// Options configures registry timing.
type Options struct {
	TTL             time.Duration
	CleanupInterval time.Duration
}

// Registry is the in-memory node directory. All mutating access is serialized
// by one lock; queries take the same lock briefly.
type Registry struct {
	mu    sync.Mutex
	nodes map[string]*Entry // uid -> entry
	names map[string]string // name -> uid

	logger *logger.Logger
	opts   Options

	onRemoved []Callback

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a registry with the given timing options.
func New(opts Options, log *logger.Logger) *Registry {
	return &Registry{
		nodes:  make(map[string]*Entry),
		names:  make(map[string]string),
		logger: log.WithFields(zap.String("component", "registry")),
		opts:   opts,
	}
}

// OnNodeRemoved registers a callback fired when a node is evicted or
// deregistered.
func (r *Registry) OnNodeRemoved(cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemoved = append(r.onRemoved, cb)
}

// Register inserts a node. Duplicate uid or name is rejected.
func (r *Registry) Register(passport *Passport) error {
	if err := passport.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	uid := passport.Metadata.UID
	name := passport.Metadata.Name
	if _, exists := r.nodes[uid]; exists {
		return ErrDuplicateNode
	}
	if _, exists := r.names[name]; exists {
		return ErrDuplicateNode
	}

	now := time.Now().UTC()
	passport.Status.Lease.RenewTime = now
	r.nodes[uid] = &Entry{
		Passport:     passport,
		RegisteredAt: now,
		LastSeen:     now,
		Health:       HealthAlive,
	}
	r.names[name] = uid

	r.logger.Info("node registered",
		zap.String("uid", uid),
		zap.String("name", name),
		zap.String("node_type", string(passport.Metadata.NodeType)))
	return nil
}

// Heartbeat renews a node's lease. Unknown uids are logged and ignored: the
// node may have been evicted and will re-register on its next announce.
func (r *Registry) Heartbeat(uid string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.nodes[uid]
	if !ok {
		r.logger.Debug("heartbeat from unknown node", zap.String("uid", uid))
		return
	}

	now := time.Now().UTC()
	entry.LastSeen = now
	entry.Health = HealthAlive
	entry.Passport.Status.Lease.RenewTime = now
}

// Deregister removes a node and fires removal callbacks.
func (r *Registry) Deregister(uid, reason string) bool {
	r.mu.Lock()
	entry, ok := r.nodes[uid]
	if ok {
		delete(r.nodes, uid)
		delete(r.names, entry.Passport.Metadata.Name)
	}
	callbacks := append([]Callback(nil), r.onRemoved...)
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.logger.Info("node deregistered",
		zap.String("uid", uid),
		zap.String("reason", reason))
	for _, cb := range callbacks {
		cb(entry, reason)
	}
	return true
}

// Get returns a snapshot of one entry.
func (r *Registry) Get(uid string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.nodes[uid]
	if !ok {
		return nil, false
	}
	snapshot := *entry
	return &snapshot, true
}

// Find returns the entries matching the options, ordered by registration time
// ascending (FIFO) so dispatch tie-breaking is stable.
func (r *Registry) Find(opts FindOptions) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matches []*Entry
	for _, entry := range r.nodes {
		if opts.OnlyHealthy && entry.Health != HealthAlive {
			continue
		}
		p := entry.Passport
		if opts.NodeType != "" && p.Metadata.NodeType != opts.NodeType {
			continue
		}
		if opts.Capability != "" && !p.HasCapability(opts.Capability) {
			continue
		}
		if len(opts.Selector) > 0 && !p.MatchesSelector(opts.Selector) {
			continue
		}
		snapshot := *entry
		matches = append(matches, &snapshot)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].RegisteredAt.Before(matches[j].RegisteredAt)
	})
	return matches
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// Start begins the TTL sweeper loop.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("registry sweeper starting",
		zap.Duration("ttl", r.opts.TTL),
		zap.Duration("cleanup_interval", r.opts.CleanupInterval))

	r.wg.Add(1)
	go r.sweepLoop(ctx)
	return nil
}

// Stop stops the sweeper.
func (r *Registry) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("registry sweeper stopped")
	return nil
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep(time.Now().UTC())
		}
	}
}

// Sweep evicts entries older than the TTL and demotes suspect ones. Exposed
// for tests; the sweeper loop calls it on every tick.
func (r *Registry) Sweep(now time.Time) {
	r.mu.Lock()
	var evicted []*Entry
	for uid, entry := range r.nodes {
		age := now.Sub(entry.LastSeen)
		switch {
		case age > r.opts.TTL:
			entry.Health = HealthOffline
			delete(r.nodes, uid)
			delete(r.names, entry.Passport.Metadata.Name)
			evicted = append(evicted, entry)
		case age > r.opts.TTL/2 && entry.Health == HealthAlive:
			// Still reachable but suspect; a heartbeat restores it.
			entry.Health = HealthNotReady
			r.logger.Warn("node demoted to not_ready",
				zap.String("uid", uid),
				zap.Duration("age", age))
		}
	}
	callbacks := append([]Callback(nil), r.onRemoved...)
	r.mu.Unlock()

	for _, entry := range evicted {
		r.logger.Warn("node evicted after ttl expiry",
			zap.String("uid", entry.Passport.Metadata.UID),
			zap.String("name", entry.Passport.Metadata.Name))
		for _, cb := range callbacks {
			cb(entry, "ttl_expired")
		}
	}
}
