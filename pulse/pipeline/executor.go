package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
	"github.com/teranos/conductor/pulse/events"
	"github.com/teranos/conductor/pulse/pipeline/predicate"
)

// ContinueOnErrorKey in the initial input overrides Graph.ContinueOnError
const ContinueOnErrorKey = "continue_on_error"

// DefaultMaxParallel bounds concurrent nodes within one level
const DefaultMaxParallel = 8

type executionIDKey struct{}

// WithExecutionID makes Execute use id instead of generating one
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey{}, id)
}

func executionIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(executionIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// Executor runs graphs against a worker registry
type Executor struct {
	registry    *Registry
	bus         *events.Bus
	log         *zap.SugaredLogger
	maxParallel int
	now         func() time.Time
}

// Option configures an Executor
type Option func(*Executor)

// WithListener subscribes l to the executor's lifecycle events
func WithListener(l events.Listener) Option {
	return func(e *Executor) { e.bus.Subscribe(l) }
}

// WithLogger sets the executor's logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Executor) { e.log = logger.AddChainSymbol(l) }
}

// WithMaxParallel bounds the number of nodes of one level running at once.
// Zero or a negative value removes the bound.
func WithMaxParallel(n int) Option {
	return func(e *Executor) { e.maxParallel = n }
}

// WithClock injects a clock for timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an executor bound to registry
func NewExecutor(registry *Registry, opts ...Option) *Executor {
	if registry == nil {
		registry = NewRegistry()
	}
	e := &Executor{
		registry:    registry,
		bus:         events.NewBus(nil),
		log:         logger.AddChainSymbol(nil),
		maxParallel: DefaultMaxParallel,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the executor's worker registry
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs graph with initialInput as the starting shared data.
//
// The returned ExecutionContext is never nil. The error is non-nil when the
// graph failed validation, when a node failed and continue-on-error is off,
// or when ctx was cancelled. With continue-on-error, node failures are only
// recorded in ExecutionContext.Errors.
func (e *Executor) Execute(ctx context.Context, graph *Graph, initialInput map[string]any) (*ExecutionContext, error) {
	ec := newExecutionContext(graph, executionIDFrom(ctx), initialInput)
	ec.StartedAt = e.now()

	if err := graph.Validate(e.registry); err != nil {
		ec.FinishedAt = e.now()
		return ec, err
	}

	continueOnError := graph.ContinueOnError
	if v, ok := initialInput[ContinueOnErrorKey].(bool); ok {
		continueOnError = v
	}

	log := logger.FromContext(ctx, e.log).With(
		logger.FieldPipelineID, graph.ID,
		logger.FieldExecutionID, ec.ExecutionID,
	)
	log.Debugw("✿ Pipeline started", "mode", graph.mode(), "nodes", len(graph.Nodes))
	e.emit(ec, events.PipelineStarted, "", 0, nil)

	r := &run{exec: e, graph: graph, ec: ec, log: log, continueOnError: continueOnError}
	var err error
	if graph.mode() == ModeParallel {
		err = r.parallel(ctx)
	} else {
		err = r.sequential(ctx)
	}
	ec.FinishedAt = e.now()

	if err != nil {
		log.Warnw("❀ Pipeline failed",
			logger.FieldDurationMS, ec.Duration().Milliseconds(),
			logger.FieldError, err,
		)
		e.emit(ec, events.PipelineFailed, "", 0, err)
		return ec, err
	}

	log.Debugw("❀ Pipeline completed",
		logger.FieldDurationMS, ec.Duration().Milliseconds(),
		"completed", ec.Count(StatusCompleted),
		"skipped", ec.Count(StatusSkipped),
		"errors", ec.ErrorCount(),
	)
	e.emit(ec, events.PipelineCompleted, "", 0, nil)
	return ec, nil
}

func (g *Graph) mode() Mode {
	if g.Mode == "" {
		return ModeSequential
	}
	return g.Mode
}

func (e *Executor) emit(ec *ExecutionContext, t events.Type, nodeID string, attempt int, err error) {
	e.bus.Emit(events.ChainEvent{
		Type:        t,
		PipelineID:  ec.PipelineID,
		ExecutionID: ec.ExecutionID,
		NodeID:      nodeID,
		Attempt:     attempt,
		Err:         err,
		At:          e.now(),
	})
}

// run is the state of one Execute call
type run struct {
	exec            *Executor
	graph           *Graph
	ec              *ExecutionContext
	log             *zap.SugaredLogger
	continueOnError bool
}

func (r *run) sequential(ctx context.Context) error {
	for i := range r.graph.Nodes {
		if err := ctx.Err(); err != nil {
			return r.cancelled(err)
		}
		node := &r.graph.Nodes[i]
		if err := r.node(ctx, node, r.ec.env()); err != nil {
			if ctx.Err() != nil {
				return r.cancelled(ctx.Err())
			}
			if !r.continueOnError {
				return errors.Wrapf(err, "pipeline %s aborted", r.graph.ID)
			}
		}
	}
	return nil
}

func (r *run) parallel(ctx context.Context) error {
	levels, degraded := levelsWithDegraded(r.graph)
	if len(degraded) > 0 {
		msg := fmt.Sprintf("nodes %s have unsatisfiable inputs and run in a final level", strings.Join(degraded, ","))
		r.ec.warn(msg)
		r.log.Warnw("Pipeline has a cycle or dangling input", "nodes", degraded)
	}

	for _, level := range levels {
		if err := ctx.Err(); err != nil {
			return r.cancelled(err)
		}

		// every node of a level sees the state as it was when the level began
		env := r.ec.env()
		var g errgroup.Group
		if r.exec.maxParallel > 0 {
			g.SetLimit(r.exec.maxParallel)
		}
		for _, id := range level {
			node, _ := r.graph.Node(id)
			g.Go(func() error {
				return r.node(ctx, node, env)
			})
		}
		err := g.Wait()

		if ctx.Err() != nil {
			return r.cancelled(ctx.Err())
		}
		if err != nil && !r.continueOnError {
			return errors.Wrapf(err, "pipeline %s aborted", r.graph.ID)
		}
	}
	return nil
}

func (r *run) cancelled(err error) error {
	wrapped := errors.Wrapf(err, "pipeline %s cancelled", r.graph.ID)
	r.ec.recordError("", wrapped)
	return wrapped
}

// node runs one node through the skip/retry flow against the env snapshot.
// It returns the final error of a failed node and nil for completed or
// skipped nodes.
func (r *run) node(ctx context.Context, node *Node, env predicate.Env) error {
	log := r.log.With(logger.FieldNodeID, node.ID)

	if upstream := r.failedInput(node); upstream != "" {
		log.Debugw("Node skipped", "reason", "upstream failed", "upstream", upstream)
		r.skip(node)
		return nil
	}

	if node.Condition != nil {
		ok, err := node.Condition.Eval(env)
		if err != nil {
			log.Debugw("Node skipped", "reason", "condition error", logger.FieldError, err)
			r.skip(node)
			return nil
		}
		if !ok {
			log.Debugw("Node skipped", "reason", "condition false", "condition", node.Condition.String())
			r.skip(node)
			return nil
		}
	}

	worker, _ := r.exec.registry.Get(node.Worker)
	r.ec.setStatus(node.ID, StatusRunning)
	r.exec.emit(r.ec, events.NodeStarted, node.ID, 1, nil)

	attempts := node.Retry.Attempts()
	var (
		lastErr error
		cost    float64
		attempt int
	)
	for attempt = 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			r.exec.emit(r.ec, events.NodeRetrying, node.ID, attempt, lastErr)
			log.Infow("Retrying node", logger.FieldAttempt, attempt, logger.FieldError, lastErr)
		}

		in := &NodeInput{
			PipelineID:  r.ec.PipelineID,
			ExecutionID: r.ec.ExecutionID,
			NodeID:      node.ID,
			Attempt:     attempt,
			Upstream:    upstreamOf(node, env),
			Shared:      copyMap(env.Shared),
			Params:      node.Params,
		}
		result, err := r.call(ctx, worker, node, in)
		writes, spent := in.drain()
		cost += spent

		if err == nil {
			r.ec.finishAttempts(node.ID, attempt, cost)
			r.ec.complete(node.ID, result, writes)
			r.exec.emit(r.ec, events.NodeCompleted, node.ID, attempt, nil)
			return nil
		}
		lastErr = err

		if !retryable(ctx, err) || attempt == attempts {
			break
		}
		if !sleep(ctx, node.Retry.Delay) {
			lastErr = errors.WithSecondaryError(ctx.Err(), lastErr)
			break
		}
	}

	final := errors.WrapNodeError(node.ID, attempt, lastErr)
	r.ec.finishAttempts(node.ID, attempt, cost)
	r.ec.recordError(node.ID, final)
	r.ec.setStatus(node.ID, StatusFailed)
	log.Warnw("Node failed", logger.FieldAttempt, attempt, logger.FieldError, lastErr)
	r.exec.emit(r.ec, events.NodeFailed, node.ID, attempt, final)
	return final
}

// upstreamOf picks the node's declared inputs out of the snapshot
func upstreamOf(node *Node, env predicate.Env) map[string]any {
	up := make(map[string]any, len(node.Inputs))
	for _, id := range node.Inputs {
		if v, ok := env.Results[id]; ok {
			up[id] = v
		}
	}
	return up
}

func (r *run) skip(node *Node) {
	r.ec.setStatus(node.ID, StatusSkipped)
	r.exec.emit(r.ec, events.NodeSkipped, node.ID, 0, nil)
}

// failedInput returns the first declared input that ended Failed
func (r *run) failedInput(node *Node) string {
	for _, in := range node.Inputs {
		if r.ec.Status(in) == StatusFailed {
			return in
		}
	}
	return ""
}

// call runs one attempt with the node timeout applied and panics recovered
func (r *run) call(ctx context.Context, w Worker, node *Node, in *NodeInput) (result any, err error) {
	callCtx := ctx
	if node.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, node.Timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = errors.Newf("worker %s panicked: %v", node.Worker, p)
		}
	}()

	result, err = w.Run(callCtx, in)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = errors.NewTimeoutError(err, "node %s exceeded %s", node.ID, node.Timeout)
	}
	return result, err
}

// retryable reports whether another attempt may help
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.IsValidation(err) && !errors.IsTimeout(err)
}

// sleep waits d or until ctx is done; it reports whether d elapsed
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
