// Package usage keeps a rolling view of load per backend key and turns it
// into an availability score in [0,1].
//
// Every backend key has its own lock; the tracker's map lock is only held to
// look keys up or register new ones.
package usage

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/conductor/internal/util"
	"github.com/teranos/conductor/logger"
)

const (
	// DecisionWindow is the trailing period CanAccept and Availability look at
	DecisionWindow       = 60 * time.Second
	// RetentionWindow is how long samples are kept before the sweep drops them
	RetentionWindow      = 120 * time.Second
	// RateLimitCooldown is how long a backend refuses work after a rate-limit event
	RateLimitCooldown    = 60 * time.Second
	// CapacityThreshold is the share of capacity CanAccept allows projected usage to reach
	CapacityThreshold    = 0.9
	// DefaultSweepInterval is the period of the background sweep
	DefaultSweepInterval = 10 * time.Second

	// rateLimitHitsShrink is the per-cycle hit count above which observed capacity shrinks
	rateLimitHitsShrink = 5
	shrinkFactor        = 0.9
	minCapacityDivisor  = 10

	successDecay  = 0.95
	successGrowth = 1.02

	latencySamples = 100
)

// ErrorKind classifies the outcome of a backend call
type ErrorKind string

const (
	ErrorNone        ErrorKind = ""
	ErrorRateLimited ErrorKind = "rate_limited"
	ErrorTimeout     ErrorKind = "timeout"
	ErrorServer      ErrorKind = "server"
	ErrorOther       ErrorKind = "other"
)

// BackendConfig declares one routable backend key.
// Zero limits mean unlimited.
type BackendConfig struct {
	Key               string
	Provider          string
	TokensPerMinute   int
	RequestsPerMinute int
	Capabilities      []string
	Gateway           bool
}

// Snapshot is a point-in-time copy of one backend's state
type Snapshot struct {
	Key                string        `json:"key"`
	Provider           string        `json:"provider"`
	ConfiguredTPM      int           `json:"configured_tpm"`
	ConfiguredRPM      int           `json:"configured_rpm"`
	ObservedTPM        int           `json:"observed_tpm"`
	ObservedRPM        int           `json:"observed_rpm"`
	TokensLastMinute   int           `json:"tokens_last_minute"`
	RequestsLastMinute int           `json:"requests_last_minute"`
	SuccessRate        float64       `json:"success_rate"`
	AvgLatency         time.Duration `json:"avg_latency"`
	LastRateLimitAt    *time.Time    `json:"last_rate_limit_at,omitempty"`
	RateLimitHits      int           `json:"rate_limit_hits"`
	Availability       float64       `json:"availability"`
	Capabilities       []string      `json:"capabilities,omitempty"`
	Gateway            bool          `json:"gateway"`
}

// StateStore persists the adaptive part of backend state across restarts
type StateStore interface {
	SaveStates(ctx context.Context, states []Snapshot) error
	LoadStates(ctx context.Context) ([]Snapshot, error)
}

// Config configures a Tracker
type Config struct {
	SweepInterval time.Duration
	Store         StateStore // optional
}

type backendState struct {
	mu sync.Mutex

	cfg         BackendConfig
	observedTPM int
	observedRPM int

	tokens   window
	requests window
	latency  latencyRing

	successRate     float64
	lastRateLimitAt time.Time
	rateLimitHits   int
}

// Tracker records per-backend usage and answers capacity questions
type Tracker struct {
	mu       sync.RWMutex
	backends map[string]*backendState

	sweepInterval time.Duration
	store         StateStore
	timeNow       func() time.Time
	log           *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a tracker with real time
func NewTracker(cfg Config, log *zap.SugaredLogger) *Tracker {
	return NewTrackerWithClock(cfg, log, time.Now)
}

// NewTrackerWithClock creates a tracker with an injectable clock
func NewTrackerWithClock(cfg Config, log *zap.SugaredLogger, timeNow func() time.Time) *Tracker {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Tracker{
		backends:      make(map[string]*backendState),
		sweepInterval: cfg.SweepInterval,
		store:         cfg.Store,
		timeNow:       timeNow,
		log:           logger.AddGaugeSymbol(log),
	}
}

// Register adds a backend key. Registering an existing key replaces its
// configured limits and keeps its history.
func (t *Tracker) Register(cfg BackendConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.backends[cfg.Key]; ok {
		s.mu.Lock()
		s.cfg = cfg
		s.observedTPM = cfg.TokensPerMinute
		s.observedRPM = cfg.RequestsPerMinute
		s.mu.Unlock()
		return
	}

	t.backends[cfg.Key] = &backendState{
		cfg:         cfg,
		observedTPM: cfg.TokensPerMinute,
		observedRPM: cfg.RequestsPerMinute,
		successRate: 1.0,
	}
}

// Keys returns all registered keys sorted alphabetically
func (t *Tracker) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]string, 0, len(t.backends))
	for k := range t.backends {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Backend returns the configuration of a registered key
func (t *Tracker) Backend(key string) (BackendConfig, bool) {
	s := t.get(key)
	if s == nil {
		return BackendConfig{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, true
}

func (t *Tracker) get(key string) *backendState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.backends[key]
}

// RecordUsage records one call against key. Unknown keys are logged and ignored.
func (t *Tracker) RecordUsage(key string, tokens int, latency time.Duration, success bool, kind ErrorKind) {
	s := t.get(key)
	if s == nil {
		t.log.Warnw("Usage recorded for unknown backend", logger.FieldBackendKey, key)
		return
	}

	now := t.timeNow()

	s.mu.Lock()
	defer s.mu.Unlock()

	if tokens < 0 {
		tokens = 0
	}
	s.tokens.add(now, tokens)
	s.requests.add(now, 1)
	if latency >= 0 {
		s.latency.add(latency)
	}

	if success {
		s.successRate = math.Min(1.0, s.successRate*successGrowth)
	} else {
		s.successRate *= successDecay
	}

	if kind == ErrorRateLimited {
		s.lastRateLimitAt = now
		s.rateLimitHits++
	}
}

// CanAccept reports whether key can take estimatedTokens more in the trailing minute
// without crossing 90% of its token or request capacity, and is not cooling down
// after a rate-limit event.
func (t *Tracker) CanAccept(key string, estimatedTokens int) bool {
	s := t.get(key)
	if s == nil {
		return false
	}

	now := t.timeNow()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastRateLimitAt.IsZero() && now.Sub(s.lastRateLimitAt) < RateLimitCooldown {
		return false
	}

	cutoff := now.Add(-DecisionWindow)
	if s.cfg.TokensPerMinute > 0 {
		projected := s.tokens.sumSince(cutoff) + estimatedTokens
		if float64(projected) > CapacityThreshold*float64(s.observedTPM) {
			return false
		}
	}
	if s.cfg.RequestsPerMinute > 0 {
		projected := s.requests.sumSince(cutoff) + 1
		if float64(projected) > CapacityThreshold*float64(s.observedRPM) {
			return false
		}
	}
	return true
}

// Availability returns min(token headroom, request headroom) × success rate.
// Unknown keys score 0.
func (t *Tracker) Availability(key string) float64 {
	s := t.get(key)
	if s == nil {
		return 0
	}

	now := t.timeNow()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.availabilityLocked(now)
}

func (s *backendState) availabilityLocked(now time.Time) float64 {
	cutoff := now.Add(-DecisionWindow)
	tokenHeadroom := headroom(s.tokens.sumSince(cutoff), s.cfg.TokensPerMinute, s.observedTPM)
	requestHeadroom := headroom(s.requests.sumSince(cutoff), s.cfg.RequestsPerMinute, s.observedRPM)

	return util.Clamp(math.Min(tokenHeadroom, requestHeadroom)*s.successRate, 0, 1)
}

func headroom(used, configured, observed int) float64 {
	if configured <= 0 || observed <= 0 {
		return 1.0
	}
	return math.Max(0, 1-util.Ratio(float64(used), float64(observed)))
}

// AvgLatency returns the mean of the last 100 recorded latencies for key
func (t *Tracker) AvgLatency(key string) time.Duration {
	s := t.get(key)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency.mean()
}

// Sweep purges samples older than the retention window and adapts observed
// capacity for backends that hit rate limits more than 5 times since the last sweep.
func (t *Tracker) Sweep() {
	now := t.timeNow()
	cutoff := now.Add(-RetentionWindow)

	t.mu.RLock()
	states := make([]*backendState, 0, len(t.backends))
	for _, s := range t.backends {
		states = append(states, s)
	}
	t.mu.RUnlock()

	for _, s := range states {
		s.mu.Lock()
		s.tokens.purge(cutoff)
		s.requests.purge(cutoff)

		if s.rateLimitHits > rateLimitHitsShrink {
			beforeTPM, beforeRPM := s.observedTPM, s.observedRPM
			s.observedTPM = shrink(s.observedTPM, s.cfg.TokensPerMinute)
			s.observedRPM = shrink(s.observedRPM, s.cfg.RequestsPerMinute)
			t.log.Infow("Shrinking observed capacity after repeated rate limits",
				logger.FieldBackendKey, s.cfg.Key,
				"rate_limit_hits", s.rateLimitHits,
				"observed_tpm", s.observedTPM,
				"previous_tpm", beforeTPM,
				"observed_rpm", s.observedRPM,
				"previous_rpm", beforeRPM,
			)
		}
		s.rateLimitHits = 0
		s.mu.Unlock()
	}

	if t.store != nil {
		if err := t.store.SaveStates(context.Background(), t.Snapshots()); err != nil {
			t.log.Warnw("Failed to persist backend state", logger.FieldError, err)
		}
	}
}

// shrink reduces an observed limit by 10%, never below 10% of the configured limit
func shrink(observed, configured int) int {
	if configured <= 0 {
		return observed
	}
	floor := capacityFloor(configured)
	next := int(float64(observed) * shrinkFactor)
	if next < floor {
		next = floor
	}
	return next
}

// State returns a snapshot of one backend
func (t *Tracker) State(key string) (Snapshot, bool) {
	s := t.get(key)
	if s == nil {
		return Snapshot{}, false
	}
	now := t.timeNow()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(now), true
}

// Snapshots returns a snapshot of every backend sorted by key
func (t *Tracker) Snapshots() []Snapshot {
	keys := t.Keys()
	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		if snap, ok := t.State(k); ok {
			out = append(out, snap)
		}
	}
	return out
}

func (s *backendState) snapshotLocked(now time.Time) Snapshot {
	cutoff := now.Add(-DecisionWindow)
	snap := Snapshot{
		Key:                s.cfg.Key,
		Provider:           s.cfg.Provider,
		ConfiguredTPM:      s.cfg.TokensPerMinute,
		ConfiguredRPM:      s.cfg.RequestsPerMinute,
		ObservedTPM:        s.observedTPM,
		ObservedRPM:        s.observedRPM,
		TokensLastMinute:   s.tokens.sumSince(cutoff),
		RequestsLastMinute: s.requests.sumSince(cutoff),
		SuccessRate:        s.successRate,
		AvgLatency:         s.latency.mean(),
		RateLimitHits:      s.rateLimitHits,
		Availability:       s.availabilityLocked(now),
		Capabilities:       append([]string(nil), s.cfg.Capabilities...),
		Gateway:            s.cfg.Gateway,
	}
	if !s.lastRateLimitAt.IsZero() {
		at := s.lastRateLimitAt
		snap.LastRateLimitAt = &at
	}
	return snap
}

// Restore re-applies persisted adaptive state to a registered key.
// Observed limits are clamped to [10% of configured, configured].
func (t *Tracker) Restore(snap Snapshot) bool {
	s := t.get(snap.Key)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observedTPM = clampObserved(snap.ObservedTPM, s.cfg.TokensPerMinute)
	s.observedRPM = clampObserved(snap.ObservedRPM, s.cfg.RequestsPerMinute)
	if snap.SuccessRate > 0 && snap.SuccessRate <= 1 {
		s.successRate = snap.SuccessRate
	}
	s.latency.seed(snap.AvgLatency)
	if snap.LastRateLimitAt != nil {
		s.lastRateLimitAt = *snap.LastRateLimitAt
	}
	return true
}

// capacityFloor is 10% of configured, rounded up, and at least 1
func capacityFloor(configured int) int {
	floor := (configured + minCapacityDivisor - 1) / minCapacityDivisor
	if floor < 1 {
		floor = 1
	}
	return floor
}

func clampObserved(observed, configured int) int {
	if configured <= 0 {
		return configured
	}
	floor := capacityFloor(configured)
	if observed < floor {
		return floor
	}
	if observed > configured {
		return configured
	}
	return observed
}

// LoadState restores every persisted snapshot from the configured store
func (t *Tracker) LoadState(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	states, err := t.store.LoadStates(ctx)
	if err != nil {
		return err
	}
	restored := 0
	for _, snap := range states {
		if t.Restore(snap) {
			restored++
		}
	}
	t.log.Infow("Restored backend state", logger.FieldCount, restored, "persisted", len(states))
	return nil
}

// Start runs Sweep every sweep interval until Stop is called
func (t *Tracker) Start(ctx context.Context) {
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.run()
}

func (t *Tracker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// Stop halts the background sweep and waits for it to exit
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}
