// Package router picks the best backend key for one unit of work from the
// usage tracker's view of load, a capability matrix and caller constraints.
package router

import (
	"context"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/internal/util"
	"github.com/teranos/conductor/logger"
	"github.com/teranos/conductor/pulse/usage"
)

// Defaults applied when Config fields are zero
const (
	DefaultQualityFloor     = 0.5
	DefaultMinAvailability  = 0.1
	DefaultLatencyReference = 2 * time.Second
)

// Selection reasons
const (
	ReasonBestScore       = "best score"
	ReasonCapacityWarning = "best score, no candidate can accept"
	ReasonVarietyGateway  = "variety gateway fallback"
	ReasonBestAvailable   = "best availability fallback"
	ReasonDeterministic   = "alphabetical fallback"
)

// UsageSource is the part of usage.Tracker the router reads
type UsageSource interface {
	Keys() []string
	Backend(key string) (usage.BackendConfig, bool)
	CanAccept(key string, estimatedTokens int) bool
	Availability(key string) float64
	AvgLatency(key string) time.Duration
}

// Config configures a Router
type Config struct {
	QualityFloor     float64
	VarietyGateway   string // key used when no candidate matches the task
	MinAvailability  float64
	LatencyReference time.Duration // latency that scores as neutral
}

// Constraints narrows and weights the candidate set for one request
type Constraints struct {
	TaskType             string
	PreferredProviders   []string
	RequiredCapabilities []string
	MinAvailability      float64 // 0 uses the router default
	TightDeadline        bool
	FeatureBonus         map[string]float64 // capability tag -> bonus added to the task score
}

// Selection describes the chosen backend
type Selection struct {
	Key             string  `json:"key"`
	Provider        string  `json:"provider"`
	Score           float64 `json:"score"`
	TaskScore       float64 `json:"task_score"`
	Availability    float64 `json:"availability"`
	Reason          string  `json:"reason"`
	CapacityWarning bool    `json:"capacity_warning"`
}

// Err returns an ErrCapacity-marked warning when the selection is degraded, nil otherwise
func (s Selection) Err() error {
	if !s.CapacityWarning {
		return nil
	}
	return errors.NewCapacityError(s.Key, s.Reason)
}

// Router selects backends. It never records usage; callers report outcomes
// to the tracker after the real call.
type Router struct {
	usage  UsageSource
	matrix CapabilityMatrix
	cfg    Config
	log    *zap.SugaredLogger
}

// New creates a router over src
func New(src UsageSource, matrix CapabilityMatrix, cfg Config, log *zap.SugaredLogger) *Router {
	if cfg.QualityFloor <= 0 {
		cfg.QualityFloor = DefaultQualityFloor
	}
	if cfg.MinAvailability <= 0 {
		cfg.MinAvailability = DefaultMinAvailability
	}
	if cfg.LatencyReference <= 0 {
		cfg.LatencyReference = DefaultLatencyReference
	}
	if matrix.Scores == nil {
		matrix = DefaultMatrix()
	}
	return &Router{
		usage:  src,
		matrix: matrix,
		cfg:    cfg,
		log:    logger.AddRouteSymbol(log),
	}
}

type candidate struct {
	key          string
	provider     string
	taskScore    float64
	availability float64
	score        float64
}

// SelectBackend returns the best key for estimatedTokens under c.
// The only error is an ErrCapacity-marked one when no backends are registered;
// a degraded choice is reported through Selection.CapacityWarning instead.
func (r *Router) SelectBackend(estimatedTokens int, c Constraints) (string, Selection, error) {
	keys := r.usage.Keys()
	if len(keys) == 0 {
		return "", Selection{}, errors.Mark(errors.New("no backends registered"), errors.ErrCapacity)
	}

	taskType := c.TaskType
	if taskType == "" {
		taskType = TaskGeneral
	}
	minAvail := c.MinAvailability
	if minAvail <= 0 {
		minAvail = r.cfg.MinAvailability
	}

	candidates := r.candidates(keys, taskType, minAvail, c)
	if len(candidates) == 0 {
		sel := r.fallback(keys, estimatedTokens, minAvail)
		r.log.Infow("No candidate matched, using fallback",
			logger.FieldBackendKey, sel.Key,
			"task_type", taskType,
			"reason", sel.Reason,
			"capacity_warning", sel.CapacityWarning,
		)
		return sel.Key, sel, nil
	}

	for _, cand := range candidates {
		if r.usage.CanAccept(cand.key, estimatedTokens) {
			sel := cand.selection(ReasonBestScore, false)
			r.log.Debugw("Backend selected",
				logger.FieldBackendKey, sel.Key,
				logger.FieldProvider, sel.Provider,
				"score", sel.Score,
				logger.FieldAvailability, sel.Availability,
			)
			return sel.Key, sel, nil
		}
	}

	sel := candidates[0].selection(ReasonCapacityWarning, true)
	r.log.Warnw("No backend can accept load, degrading to best candidate",
		logger.FieldBackendKey, sel.Key,
		logger.FieldTokens, estimatedTokens,
		"candidates", len(candidates),
	)
	return sel.Key, sel, nil
}

// candidates filters and scores keys, best first with ties broken by key
func (r *Router) candidates(keys []string, taskType string, minAvail float64, c Constraints) []candidate {
	var out []candidate
	for _, key := range keys {
		b, ok := r.usage.Backend(key)
		if !ok {
			continue
		}
		if len(c.PreferredProviders) > 0 && !slices.Contains(c.PreferredProviders, b.Provider) {
			continue
		}
		if !hasAll(b.Capabilities, c.RequiredCapabilities) {
			continue
		}
		taskScore := r.matrix.Score(b.Provider, taskType)
		if taskScore < r.cfg.QualityFloor {
			continue
		}
		avail := r.usage.Availability(key)
		if avail < minAvail {
			continue
		}

		bonus := 0.0
		for _, capability := range b.Capabilities {
			bonus += c.FeatureBonus[capability]
		}
		mult := r.latencyMultiplier(key, c.TightDeadline)

		out = append(out, candidate{
			key:          key,
			provider:     b.Provider,
			taskScore:    taskScore,
			availability: avail,
			score:        (taskScore*mult + bonus) * avail,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].key < out[j].key
	})
	return out
}

// latencyMultiplier favours fast backends under a tight deadline. Without one,
// fast backends get a small penalty so they stay free for urgent work.
func (r *Router) latencyMultiplier(key string, tightDeadline bool) float64 {
	avg := r.usage.AvgLatency(key)
	if avg <= 0 {
		return 1.0
	}
	ratio := float64(avg) / float64(r.cfg.LatencyReference)
	if tightDeadline {
		return util.Clamp(1+(1-ratio), 0.5, 1.5)
	}
	return 0.9 + 0.1*util.Clamp(ratio, 0, 1)
}

// fallback picks a key when no candidate matched: the variety gateway if healthy,
// else the most available key, else the first key alphabetically.
func (r *Router) fallback(keys []string, estimatedTokens int, minAvail float64) Selection {
	if gw := r.gatewayKey(keys); gw != "" {
		avail := r.usage.Availability(gw)
		if avail >= minAvail && r.usage.CanAccept(gw, estimatedTokens) {
			return r.fallbackSelection(gw, avail, ReasonVarietyGateway, false)
		}
	}

	bestKey, bestAvail := "", 0.0
	for _, key := range keys {
		if a := r.usage.Availability(key); a > bestAvail {
			bestKey, bestAvail = key, a
		}
	}
	if bestKey != "" {
		return r.fallbackSelection(bestKey, bestAvail, ReasonBestAvailable, !r.usage.CanAccept(bestKey, estimatedTokens))
	}

	// keys are sorted
	return r.fallbackSelection(keys[0], 0, ReasonDeterministic, !r.usage.CanAccept(keys[0], estimatedTokens))
}

// gatewayKey returns the configured gateway, or the first registered key flagged as one
func (r *Router) gatewayKey(keys []string) string {
	if r.cfg.VarietyGateway != "" {
		if _, ok := r.usage.Backend(r.cfg.VarietyGateway); ok {
			return r.cfg.VarietyGateway
		}
	}
	for _, key := range keys {
		if b, ok := r.usage.Backend(key); ok && b.Gateway {
			return key
		}
	}
	return ""
}

func (r *Router) fallbackSelection(key string, avail float64, reason string, warn bool) Selection {
	b, _ := r.usage.Backend(key)
	return Selection{
		Key:             key,
		Provider:        b.Provider,
		Score:           avail,
		Availability:    avail,
		Reason:          reason,
		CapacityWarning: warn,
	}
}

func (c candidate) selection(reason string, warn bool) Selection {
	return Selection{
		Key:             c.key,
		Provider:        c.provider,
		Score:           c.score,
		TaskScore:       c.taskScore,
		Availability:    c.availability,
		Reason:          reason,
		CapacityWarning: warn,
	}
}

func hasAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}

type contextKey struct{}

// NewContext returns ctx carrying r
func NewContext(ctx context.Context, r *Router) context.Context {
	return context.WithValue(ctx, contextKey{}, r)
}

// FromContext returns the router carried by ctx, or nil
func FromContext(ctx context.Context) *Router {
	r, _ := ctx.Value(contextKey{}).(*Router)
	return r
}
