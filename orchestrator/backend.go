// Package orchestrator binds job definitions to the pipeline executor and
// the backend router, and persists pipeline results.
//
// Backend calls themselves are plug-ins: a Caller performs one request
// against one backend key, and BackendWorker wraps it into a pipeline worker
// that routes, paces, records usage and accounts cost.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
	"github.com/teranos/conductor/pulse/pipeline"
	"github.com/teranos/conductor/pulse/router"
	"github.com/teranos/conductor/pulse/usage"
)

// BackendWorkerName is the registry name of the built-in backend worker
const BackendWorkerName = "backend"

// DefaultMaxTokens is the completion budget assumed when a node sets none
const DefaultMaxTokens = 256

// ErrServer marks a backend-side failure (5xx and the like). Callers mark
// their errors with it, or with errors.ErrRateLimited / errors.ErrTimeout,
// so usage is classified correctly.
var ErrServer = errors.New("backend server error")

// Request is one call against a chosen backend key
type Request struct {
	Key       string
	Provider  string
	TaskType  string
	Prompt    string
	MaxTokens int
	Params    map[string]any
}

// Response is what a backend returned
type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int

	// CostUnits is the backend-reported cost; zero means derive it from tokens
	CostUnits float64
}

// TotalTokens is prompt plus completion tokens
func (r *Response) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// Caller performs backend requests
type Caller interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// CallerFunc adapts a function to Caller
type CallerFunc func(ctx context.Context, req Request) (*Response, error)

// Call implements Caller
func (f CallerFunc) Call(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }

// UsageRecorder is the part of usage.Tracker the worker needs
type UsageRecorder interface {
	Backend(key string) (usage.BackendConfig, bool)
	RecordUsage(key string, tokens int, latency time.Duration, success bool, kind usage.ErrorKind)
}

// BackendWorker runs one node as a backend call. Node params:
//
//	task_type              router task type (router.Task*), e.g. "extraction"
//	prompt                 request text; upstream results are appended as JSON
//	max_tokens             completion budget (default 256)
//	estimated_tokens       overrides the token estimate used for routing
//	preferred_providers    list of providers to favour
//	required_capabilities  list of capability tags a backend must have
//	min_availability       per-node availability floor
//	tight_deadline         favour low-latency backends
type BackendWorker struct {
	caller        Caller
	usage         UsageRecorder
	router        *router.Router // used when the context carries none
	costPer1K     float64
	now           func() time.Time
	log           *zap.SugaredLogger
	limitersMu    sync.Mutex
	limiters      map[string]*rate.Limiter
	limiterPerMin map[string]int
}

// BackendOption configures a BackendWorker
type BackendOption func(*BackendWorker)

// WithDefaultRouter sets the router used when the execution context carries none
func WithDefaultRouter(r *router.Router) BackendOption {
	return func(w *BackendWorker) { w.router = r }
}

// WithCostPer1KTokens sets the price used when a backend reports no cost
func WithCostPer1KTokens(units float64) BackendOption {
	return func(w *BackendWorker) { w.costPer1K = units }
}

// WithWorkerClock injects a clock for latency measurement
func WithWorkerClock(now func() time.Time) BackendOption {
	return func(w *BackendWorker) { w.now = now }
}

// WithWorkerLogger sets the worker's logger
func WithWorkerLogger(l *zap.SugaredLogger) BackendOption {
	return func(w *BackendWorker) { w.log = logger.AddRouteSymbol(l) }
}

// NewBackendWorker creates a worker that calls through caller and reports to u
func NewBackendWorker(caller Caller, u UsageRecorder, opts ...BackendOption) *BackendWorker {
	w := &BackendWorker{
		caller:        caller,
		usage:         u,
		now:           time.Now,
		log:           logger.AddRouteSymbol(nil),
		limiters:      make(map[string]*rate.Limiter),
		limiterPerMin: make(map[string]int),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run implements pipeline.Worker
func (w *BackendWorker) Run(ctx context.Context, in *pipeline.NodeInput) (any, error) {
	r := router.FromContext(ctx)
	if r == nil {
		r = w.router
	}
	if r == nil {
		return nil, errors.NewValidationError("node %s: no backend router available", in.NodeID)
	}

	p := params(in.Params)
	req := Request{
		TaskType:  p.str("task_type"),
		Prompt:    buildPrompt(p.str("prompt"), in.Upstream),
		MaxTokens: p.integer("max_tokens", DefaultMaxTokens),
		Params:    in.Params,
	}
	estimate := p.integer("estimated_tokens", estimateTokens(req.Prompt)+req.MaxTokens)

	key, sel, err := r.SelectBackend(estimate, router.Constraints{
		TaskType:             req.TaskType,
		PreferredProviders:   p.strings("preferred_providers"),
		RequiredCapabilities: p.strings("required_capabilities"),
		MinAvailability:      p.float("min_availability"),
		TightDeadline:        p.boolean("tight_deadline"),
	})
	if err != nil {
		return nil, err
	}
	req.Key, req.Provider = key, sel.Provider

	log := logger.FromContext(ctx, w.log).With(
		logger.FieldNodeID, in.NodeID,
		logger.FieldBackendKey, key,
		logger.FieldAttempt, in.Attempt,
	)
	if warn := sel.Err(); warn != nil {
		log.Warnw("Backend selected under capacity pressure", logger.FieldError, warn)
	}

	if lim := w.limiter(key); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, errors.Wrapf(err, "wait for backend %s", key)
		}
	}

	started := w.now()
	resp, err := w.caller.Call(ctx, req)
	latency := w.now().Sub(started)

	tokens := 0
	if resp != nil {
		tokens = resp.TotalTokens()
	}
	kind := classify(ctx, err)
	w.usage.RecordUsage(key, tokens, latency, err == nil, kind)

	if err != nil {
		log.Debugw("Backend call failed", logger.FieldErrorKind, kind, logger.FieldError, err)
		if kind == usage.ErrorRateLimited && !errors.IsRateLimited(err) {
			err = errors.Mark(err, errors.ErrRateLimited)
		}
		return nil, errors.Wrapf(err, "backend %s", key)
	}

	cost := resp.CostUnits
	if cost <= 0 {
		cost = float64(tokens) / 1000 * w.costPer1K
	}
	in.AddCost(cost)

	log.Debugw("Backend call finished",
		logger.FieldTokens, tokens,
		logger.FieldCostUnits, cost,
		logger.FieldDurationMS, latency.Milliseconds(),
	)

	out := map[string]any{
		"key":        key,
		"provider":   sel.Provider,
		"content":    resp.Content,
		"tokens":     tokens,
		"cost_units": cost,
		"reason":     sel.Reason,
	}
	if sel.CapacityWarning {
		out["warning"] = sel.Err().Error()
	}
	return out, nil
}

// limiter returns the request pacer for key, rebuilt when the configured
// rate changes. A backend without a request limit is not paced.
func (w *BackendWorker) limiter(key string) *rate.Limiter {
	cfg, ok := w.usage.Backend(key)
	if !ok || cfg.RequestsPerMinute <= 0 {
		return nil
	}

	w.limitersMu.Lock()
	defer w.limitersMu.Unlock()
	if lim, ok := w.limiters[key]; ok && w.limiterPerMin[key] == cfg.RequestsPerMinute {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	w.limiters[key] = lim
	w.limiterPerMin[key] = cfg.RequestsPerMinute
	return lim
}

// classify maps a call error to the usage tracker's error kinds
func classify(ctx context.Context, err error) usage.ErrorKind {
	switch {
	case err == nil:
		return usage.ErrorNone
	case errors.IsRateLimited(err):
		return usage.ErrorRateLimited
	case errors.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return usage.ErrorTimeout
	case errors.Is(err, ErrServer):
		return usage.ErrorServer
	case ctx.Err() != nil:
		return usage.ErrorTimeout
	default:
		return usage.ErrorOther
	}
}

// estimateTokens approximates four characters per token
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

func buildPrompt(prompt string, upstream map[string]any) string {
	if len(upstream) == 0 {
		return prompt
	}
	data, err := json.Marshal(upstream)
	if err != nil {
		return prompt
	}
	if prompt == "" {
		return string(data)
	}
	return prompt + "\n\n" + string(data)
}

// params reads typed values from a node's YAML params
type params map[string]any

func (p params) str(key string) string {
	if v, ok := p[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

func (p params) integer(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func (p params) float(key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func (p params) boolean(key string) bool {
	b, _ := p[key].(bool)
	return b
}

func (p params) strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}
