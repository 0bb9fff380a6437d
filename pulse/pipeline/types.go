// Package pipeline runs a job as a graph of dependent nodes.
//
// A Graph is executed either sequentially (declaration order) or in parallel
// levels, where every node of a level runs concurrently and levels run
// strictly in order. Nodes may carry a predicate condition and a retry
// policy. Lifecycle transitions are reported as events.ChainEvent values.
package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/pulse/pipeline/predicate"
)

// Mode selects how a graph is walked
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m == ModeSequential || m == ModeParallel
}

// RetryPolicy bounds how often a failing node is attempted.
// MaxRetries is the total number of attempts; zero means one attempt.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	Delay      time.Duration `json:"delay"`
}

// Attempts returns the number of times a node may run
func (p RetryPolicy) Attempts() int {
	if p.MaxRetries < 1 {
		return 1
	}
	return p.MaxRetries
}

// Node is one step of a pipeline
type Node struct {
	ID        string
	Worker    string
	Inputs    []string
	Outputs   []string
	Condition predicate.Expr
	Retry     RetryPolicy
	Timeout   time.Duration

	// Params is static, worker-specific configuration
	Params map[string]any
}

// Graph is an immutable pipeline definition
type Graph struct {
	ID              string
	Name            string
	Schema          string
	Mode            Mode
	ContinueOnError bool
	Nodes           []Node
}

// Node returns the node with the given id
func (g *Graph) Node(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// WorkerLookup reports whether a worker name is bound
type WorkerLookup interface {
	Has(name string) bool
}

// Validate checks the graph before execution. Worker bindings are only
// checked when workers is non-nil. Dangling inputs and cycles are not
// errors: parallel execution degrades them into a final level.
func (g *Graph) Validate(workers WorkerLookup) error {
	if g.ID == "" {
		return errors.NewValidationError("pipeline id is required")
	}
	if g.Mode != "" && !g.Mode.Valid() {
		return errors.NewValidationError("pipeline %s: unknown mode %q", g.ID, g.Mode)
	}

	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return errors.NewValidationError("pipeline %s: node without id", g.ID)
		}
		if seen[n.ID] {
			return errors.NewValidationError("pipeline %s: duplicate node %s", g.ID, n.ID)
		}
		seen[n.ID] = true

		if n.Worker == "" {
			return errors.NewValidationError("pipeline %s: node %s has no worker", g.ID, n.ID)
		}
		if workers != nil && !workers.Has(n.Worker) {
			return errors.WithHintf(
				errors.NewValidationError("pipeline %s: node %s: no worker registered for %q", g.ID, n.ID, n.Worker),
				"register %q with the executor's worker registry", n.Worker)
		}
		if n.Retry.MaxRetries < 0 || n.Retry.Delay < 0 {
			return errors.NewValidationError("pipeline %s: node %s: retry values must not be negative", g.ID, n.ID)
		}
		if n.Timeout < 0 {
			return errors.NewValidationError("pipeline %s: node %s: timeout must not be negative", g.ID, n.ID)
		}
	}
	return nil
}

// NodeStatus is the state of one node within one execution
type NodeStatus string

const (
	StatusNotStarted NodeStatus = "not_started"
	StatusRunning    NodeStatus = "running"
	StatusCompleted  NodeStatus = "completed"
	StatusFailed     NodeStatus = "failed"
	StatusSkipped    NodeStatus = "skipped"
)

// NodeError records a final node failure. NodeID is empty for
// pipeline-level errors such as cancellation.
type NodeError struct {
	NodeID string `json:"node_id,omitempty"`
	Err    error  `json:"-"`
}

func (e NodeError) Error() string {
	if e.NodeID == "" {
		return e.Err.Error()
	}
	return e.NodeID + ": " + e.Err.Error()
}

// ExecutionContext is the state of one pipeline run. The executor is its
// only writer; it is read-only once Execute returns.
type ExecutionContext struct {
	PipelineID  string
	ExecutionID string
	SharedData  map[string]any
	NodeResults map[string]any
	Errors      []NodeError
	NodeStatus  map[string]NodeStatus
	Attempts    map[string]int
	CostUnits   float64
	Warnings    []string
	StartedAt   time.Time
	FinishedAt  time.Time

	mu sync.Mutex
}

func newExecutionContext(g *Graph, executionID string, input map[string]any) *ExecutionContext {
	ec := &ExecutionContext{
		PipelineID:  g.ID,
		ExecutionID: executionID,
		SharedData:  make(map[string]any, len(input)),
		NodeResults: make(map[string]any),
		NodeStatus:  make(map[string]NodeStatus, len(g.Nodes)),
		Attempts:    make(map[string]int),
	}
	for k, v := range input {
		ec.SharedData[k] = v
	}
	for _, n := range g.Nodes {
		ec.NodeStatus[n.ID] = StatusNotStarted
	}
	return ec
}

// Status returns the status of a node
func (ec *ExecutionContext) Status(nodeID string) NodeStatus {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.NodeStatus[nodeID]
}

// Result returns the output of a completed node
func (ec *ExecutionContext) Result(nodeID string) (any, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	v, ok := ec.NodeResults[nodeID]
	return v, ok
}

// ErrorCount returns the number of recorded errors
func (ec *ExecutionContext) ErrorCount() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return len(ec.Errors)
}

// Failed reports whether any error was recorded
func (ec *ExecutionContext) Failed() bool {
	return ec.ErrorCount() > 0
}

// Duration is the wall time of the run
func (ec *ExecutionContext) Duration() time.Duration {
	if ec.FinishedAt.IsZero() {
		return 0
	}
	return ec.FinishedAt.Sub(ec.StartedAt)
}

// Count returns how many nodes ended in status
func (ec *ExecutionContext) Count(status NodeStatus) int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	n := 0
	for _, s := range ec.NodeStatus {
		if s == status {
			n++
		}
	}
	return n
}

// CompletedNodes returns completed node ids, sorted
func (ec *ExecutionContext) CompletedNodes() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ids := make([]string, 0, len(ec.NodeResults))
	for id := range ec.NodeResults {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (ec *ExecutionContext) setStatus(nodeID string, s NodeStatus) {
	ec.mu.Lock()
	ec.NodeStatus[nodeID] = s
	ec.mu.Unlock()
}

func (ec *ExecutionContext) recordError(nodeID string, err error) {
	ec.mu.Lock()
	ec.Errors = append(ec.Errors, NodeError{NodeID: nodeID, Err: err})
	ec.mu.Unlock()
}

func (ec *ExecutionContext) warn(msg string) {
	ec.mu.Lock()
	ec.Warnings = append(ec.Warnings, msg)
	ec.mu.Unlock()
}

// complete stores a node's output and applies its buffered shared writes
func (ec *ExecutionContext) complete(nodeID string, result any, writes map[string]any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.NodeResults[nodeID] = result
	ec.NodeStatus[nodeID] = StatusCompleted
	for k, v := range writes {
		ec.SharedData[k] = v
	}
}

func (ec *ExecutionContext) finishAttempts(nodeID string, attempts int, cost float64) {
	ec.mu.Lock()
	ec.Attempts[nodeID] = attempts
	ec.CostUnits += cost
	ec.mu.Unlock()
}

// env snapshots the state a condition is evaluated against
func (ec *ExecutionContext) env() predicate.Env {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return predicate.Env{
		Shared:     copyMap(ec.SharedData),
		Results:    copyMap(ec.NodeResults),
		ErrorCount: len(ec.Errors),
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
