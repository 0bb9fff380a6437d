package router

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/pulse/usage"
)

type fakeBackend struct {
	cfg          usage.BackendConfig
	availability float64
	canAccept    bool
	latency      time.Duration
}

// fakeUsage serves fixed answers so scores are exact
type fakeUsage struct {
	backends map[string]*fakeBackend
}

func newFakeUsage(backends ...*fakeBackend) *fakeUsage {
	f := &fakeUsage{backends: map[string]*fakeBackend{}}
	for _, b := range backends {
		f.backends[b.cfg.Key] = b
	}
	return f
}

func (f *fakeUsage) Keys() []string {
	keys := make([]string, 0, len(f.backends))
	for k := range f.backends {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeUsage) Backend(key string) (usage.BackendConfig, bool) {
	b, ok := f.backends[key]
	if !ok {
		return usage.BackendConfig{}, false
	}
	return b.cfg, true
}

func (f *fakeUsage) CanAccept(key string, _ int) bool {
	b, ok := f.backends[key]
	return ok && b.canAccept
}

func (f *fakeUsage) Availability(key string) float64 {
	if b, ok := f.backends[key]; ok {
		return b.availability
	}
	return 0
}

func (f *fakeUsage) AvgLatency(key string) time.Duration {
	if b, ok := f.backends[key]; ok {
		return b.latency
	}
	return 0
}

func backend(key, provider string, avail float64, caps ...string) *fakeBackend {
	return &fakeBackend{
		cfg:          usage.BackendConfig{Key: key, Provider: provider, Capabilities: caps},
		availability: avail,
		canAccept:    true,
	}
}

func newTestRouter(t *testing.T, src UsageSource, cfg Config) *Router {
	return New(src, CapabilityMatrix{}, cfg, zaptest.NewLogger(t).Sugar())
}

func TestSelectBackend_PicksMostAvailable(t *testing.T) {
	src := newFakeUsage(
		backend("a", "openai", 0.9),
		backend("b", "openai", 0.05),
		backend("c", "openai", 0.5),
	)
	r := newTestRouter(t, src, Config{MinAvailability: 0.1})

	key, sel, err := r.SelectBackend(100, Constraints{})
	require.NoError(t, err)
	assert.Equal(t, "a", key)
	assert.Equal(t, ReasonBestScore, sel.Reason)
	assert.False(t, sel.CapacityWarning)
	assert.InDelta(t, 0.9*0.9, sel.Score, 1e-9)
	assert.NoError(t, sel.Err())

	// drop the best: the 0.05 backend is still never chosen
	src.backends["a"].canAccept = false
	key, _, err = r.SelectBackend(100, Constraints{})
	require.NoError(t, err)
	assert.Equal(t, "c", key)
}

func TestSelectBackend_Filters(t *testing.T) {
	src := newFakeUsage(
		backend("claude-1", "anthropic", 0.6, "code", "vision"),
		backend("gpt-1", "openai", 0.9, "code"),
		backend("local-1", "local", 1.0),
	)
	r := newTestRouter(t, src, Config{})

	t.Run("preferred providers", func(t *testing.T) {
		key, sel, err := r.SelectBackend(10, Constraints{PreferredProviders: []string{"anthropic"}})
		require.NoError(t, err)
		assert.Equal(t, "claude-1", key)
		assert.Equal(t, "anthropic", sel.Provider)
	})

	t.Run("required capabilities", func(t *testing.T) {
		key, _, err := r.SelectBackend(10, Constraints{RequiredCapabilities: []string{"vision"}})
		require.NoError(t, err)
		assert.Equal(t, "claude-1", key)
	})

	t.Run("quality floor", func(t *testing.T) {
		// local scores 0.4 for reasoning, below the 0.5 floor
		key, _, err := r.SelectBackend(10, Constraints{TaskType: TaskReasoning, PreferredProviders: []string{"openai", "local"}})
		require.NoError(t, err)
		assert.Equal(t, "gpt-1", key)
	})

	t.Run("feature bonus", func(t *testing.T) {
		// claude: (0.95+1.0)*0.6 = 1.17 beats gpt: (0.9+0)*0.9 = 0.81
		key, sel, err := r.SelectBackend(10, Constraints{TaskType: TaskCode, FeatureBonus: map[string]float64{"vision": 1.0}})
		require.NoError(t, err)
		assert.Equal(t, "claude-1", key)
		assert.InDelta(t, 1.17, sel.Score, 1e-9)
	})
}

func TestSelectBackend_CapacityWarning(t *testing.T) {
	a := backend("a", "openai", 0.9)
	b := backend("b", "openai", 0.5)
	a.canAccept, b.canAccept = false, false
	r := newTestRouter(t, newFakeUsage(a, b), Config{})

	key, sel, err := r.SelectBackend(5000, Constraints{})
	require.NoError(t, err, "capacity is a soft signal")
	assert.Equal(t, "a", key)
	assert.True(t, sel.CapacityWarning)
	assert.Equal(t, ReasonCapacityWarning, sel.Reason)
	assert.True(t, errors.IsCapacity(sel.Err()))
}

func TestSelectBackend_Fallback(t *testing.T) {
	t.Run("healthy gateway", func(t *testing.T) {
		src := newFakeUsage(
			backend("gw", "openrouter", 0.4),
			backend("local-1", "local", 0.9),
		)
		r := newTestRouter(t, src, Config{VarietyGateway: "gw"})

		key, sel, err := r.SelectBackend(10, Constraints{PreferredProviders: []string{"gemini"}})
		require.NoError(t, err)
		assert.Equal(t, "gw", key)
		assert.Equal(t, ReasonVarietyGateway, sel.Reason)
	})

	t.Run("gateway flag on backend", func(t *testing.T) {
		gw := backend("gw", "openrouter", 0.4)
		gw.cfg.Gateway = true
		r := newTestRouter(t, newFakeUsage(gw, backend("local-1", "local", 0.9)), Config{})

		key, _, err := r.SelectBackend(10, Constraints{PreferredProviders: []string{"gemini"}})
		require.NoError(t, err)
		assert.Equal(t, "gw", key)
	})

	t.Run("unhealthy gateway falls to best availability", func(t *testing.T) {
		gw := backend("gw", "openrouter", 0.4)
		gw.canAccept = false
		src := newFakeUsage(gw, backend("local-1", "local", 0.9), backend("local-2", "local", 0.7))
		r := newTestRouter(t, src, Config{VarietyGateway: "gw"})

		key, sel, err := r.SelectBackend(10, Constraints{PreferredProviders: []string{"gemini"}})
		require.NoError(t, err)
		assert.Equal(t, "local-1", key)
		assert.Equal(t, ReasonBestAvailable, sel.Reason)
		assert.False(t, sel.CapacityWarning)
	})

	t.Run("nothing available is deterministic", func(t *testing.T) {
		z := backend("zeta", "local", 0)
		a := backend("alpha", "local", 0)
		z.canAccept, a.canAccept = false, false
		r := newTestRouter(t, newFakeUsage(z, a), Config{})

		for i := 0; i < 5; i++ {
			key, sel, err := r.SelectBackend(10, Constraints{})
			require.NoError(t, err)
			assert.Equal(t, "alpha", key)
			assert.Equal(t, ReasonDeterministic, sel.Reason)
			assert.True(t, sel.CapacityWarning)
		}
	})
}

func TestSelectBackend_NoBackends(t *testing.T) {
	r := newTestRouter(t, newFakeUsage(), Config{})
	_, _, err := r.SelectBackend(10, Constraints{})
	require.Error(t, err)
	assert.True(t, errors.IsCapacity(err))
}

func TestSelectBackend_TiesBrokenByKey(t *testing.T) {
	r := newTestRouter(t, newFakeUsage(
		backend("b", "openai", 0.8),
		backend("a", "openai", 0.8),
	), Config{})

	key, _, err := r.SelectBackend(10, Constraints{})
	require.NoError(t, err)
	assert.Equal(t, "a", key)
}

func TestLatencyMultiplier(t *testing.T) {
	fast := backend("fast", "openai", 1.0)
	fast.latency = 200 * time.Millisecond
	slow := backend("slow", "openai", 1.0)
	slow.latency = 4 * time.Second
	r := newTestRouter(t, newFakeUsage(fast, slow), Config{LatencyReference: 2 * time.Second})

	assert.InDelta(t, 1.5, r.latencyMultiplier("fast", true), 1e-9, "clamped")
	assert.InDelta(t, 0.5, r.latencyMultiplier("slow", true), 1e-9, "clamped")
	assert.InDelta(t, 0.91, r.latencyMultiplier("fast", false), 1e-9)
	assert.InDelta(t, 1.0, r.latencyMultiplier("slow", false), 1e-9)

	key, _, err := r.SelectBackend(10, Constraints{TightDeadline: true})
	require.NoError(t, err)
	assert.Equal(t, "fast", key)

	key, _, err = r.SelectBackend(10, Constraints{})
	require.NoError(t, err)
	assert.Equal(t, "slow", key, "fast backends are kept free without a deadline")
}

func TestSelectBackend_WithTracker(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tr := usage.NewTrackerWithClock(usage.Config{}, nil, func() time.Time { return now })
	tr.Register(usage.BackendConfig{Key: "local-1", Provider: "local", TokensPerMinute: 1000})
	tr.Register(usage.BackendConfig{Key: "local-2", Provider: "local", TokensPerMinute: 1000})
	tr.RecordUsage("local-1", 880, 0, true, usage.ErrorNone)

	r := New(tr, CapabilityMatrix{}, Config{}, nil)
	key, sel, err := r.SelectBackend(100, Constraints{})
	require.NoError(t, err)
	assert.Equal(t, "local-2", key)
	assert.False(t, sel.CapacityWarning)
}

func TestMatrixMerge(t *testing.T) {
	m := DefaultMatrix().Merge(map[string]map[string]float64{
		"local":  {TaskReasoning: 0.8},
		"gemini": {TaskGeneral: 0.7},
	})
	assert.Equal(t, 0.8, m.Score("local", TaskReasoning))
	assert.Equal(t, 0.6, m.Score("local", TaskGeneral))
	assert.Equal(t, 0.7, m.Score("gemini", TaskGeneral))
	assert.Equal(t, 0.5, m.Score("unknown", TaskGeneral))
	assert.Equal(t, 0.4, DefaultMatrix().Score("local", TaskReasoning), "original untouched")
}

func TestContext(t *testing.T) {
	r := newTestRouter(t, newFakeUsage(), Config{})
	ctx := NewContext(context.Background(), r)
	assert.Same(t, r, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
}

func TestDefaultMatrix_DeclaresEveryTaskType(t *testing.T) {
	m := DefaultMatrix()
	tasks := []string{TaskGeneral, TaskCode, TaskReasoning, TaskExtraction, TaskSummarization, TaskCreative}
	for provider, scores := range m.Scores {
		for _, task := range tasks {
			_, ok := scores[task]
			assert.True(t, ok, "%s has no score for %s", provider, task)
		}
	}
	assert.Equal(t, 0.7, m.Score("local", TaskExtraction))
	assert.Equal(t, m.Default, m.Score("local", "classification"), "undeclared task types fall back to the default")
}
