package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Worker executes one node. Workers must honour ctx cancellation.
type Worker interface {
	Run(ctx context.Context, in *NodeInput) (any, error)
}

// WorkerFunc adapts a function to Worker
type WorkerFunc func(ctx context.Context, in *NodeInput) (any, error)

// Run implements Worker
func (f WorkerFunc) Run(ctx context.Context, in *NodeInput) (any, error) {
	return f(ctx, in)
}

// NodeInput is what a worker sees for one attempt.
// Upstream holds the outputs of the node's declared inputs that completed;
// Shared is a copy of the shared data at the time the attempt started.
type NodeInput struct {
	PipelineID  string
	ExecutionID string
	NodeID      string
	Attempt     int
	Upstream    map[string]any
	Shared      map[string]any
	Params      map[string]any // the node's static params; read-only

	mu     sync.Mutex
	writes map[string]any
	cost   float64
}

// Set buffers a shared-data write. Writes are applied when the node completes
// and discarded if the attempt fails.
func (in *NodeInput) Set(key string, value any) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.writes == nil {
		in.writes = make(map[string]any)
	}
	in.writes[key] = value
}

// AddCost charges cost units to the execution. Cost is kept even when the
// attempt fails.
func (in *NodeInput) AddCost(units float64) {
	if units <= 0 {
		return
	}
	in.mu.Lock()
	in.cost += units
	in.mu.Unlock()
}

// Input returns one upstream output
func (in *NodeInput) Input(nodeID string) (any, bool) {
	v, ok := in.Upstream[nodeID]
	return v, ok
}

func (in *NodeInput) drain() (map[string]any, float64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.writes, in.cost
}

// Registry binds worker names to implementations.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register binds name to w.
// Panics if name is already registered.
func (r *Registry) Register(name string, w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[name]; exists {
		panic(fmt.Sprintf("worker already registered for name: %s", name))
	}
	r.workers[name] = w
}

// RegisterFunc is Register for plain functions
func (r *Registry) RegisterFunc(name string, fn func(ctx context.Context, in *NodeInput) (any, error)) {
	r.Register(name, WorkerFunc(fn))
}

// Get returns the worker bound to name
func (r *Registry) Get(name string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	return w, ok
}

// Has implements WorkerLookup
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns registered worker names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workers))
	for name := range r.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
