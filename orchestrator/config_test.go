package orchestrator

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/errors"
)

// testConfig returns validated defaults pointed at a temp directory
func testConfig(t *testing.T) *am.Config {
	t.Helper()
	v := viper.New()
	am.SetDefaults(v)
	cfg, err := am.LoadWithViper(v)
	require.NoError(t, err)

	dir := t.TempDir()
	cfg.Pulse.Location = "UTC"
	cfg.Pulse.SelfTuning = false
	cfg.Pulse.StatusLogEvery = 0
	cfg.Pipeline.Dir = filepath.Join(dir, "pipelines")
	cfg.Orchestrator.JobsFile = filepath.Join(dir, "jobs.toml")
	cfg.Backends = []am.BackendConfig{
		{Key: "local-1", Provider: "local", TokensPerMinute: 100000},
		{Key: "gateway-1", Provider: "openrouter", TokensPerMinute: 50000, RequestsPerMinute: 600, Capabilities: []string{"vision"}},
	}
	return cfg
}

func TestSchedulerConfig(t *testing.T) {
	cfg := testConfig(t)
	sc, err := SchedulerConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, sc.TickInterval)
	assert.Equal(t, 3, sc.MaxConcurrent)
	assert.Equal(t, 9, sc.BusinessHoursStart)
	assert.Equal(t, 17, sc.BusinessHoursEnd)
	assert.Equal(t, 300*time.Second, sc.DefaultTimeout)
	assert.Equal(t, 300*time.Second, sc.RetryDelay)
	assert.Equal(t, 50.0, sc.DailyCostLimit)
	assert.False(t, sc.SelfTuning)
	assert.Equal(t, time.UTC, sc.Location)

	cfg.Pulse.Location = "Mars/Olympus"
	_, err = SchedulerConfig(cfg)
	assert.True(t, errors.IsValidation(err))
}

func TestRouterConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Router.VarietyGateway = "gateway-1"

	rc := RouterConfig(cfg)
	assert.Equal(t, 0.5, rc.QualityFloor)
	assert.Equal(t, 0.1, rc.MinAvailability)
	assert.Equal(t, "gateway-1", rc.VarietyGateway)
	assert.Equal(t, 2*time.Second, rc.LatencyReference)
}

func TestBackends(t *testing.T) {
	cfg := testConfig(t)
	cfg.Router.VarietyGateway = "gateway-1"

	backends := Backends(cfg)
	require.Len(t, backends, 2)
	assert.Equal(t, "local-1", backends[0].Key)
	assert.False(t, backends[0].Gateway)
	assert.Equal(t, "gateway-1", backends[1].Key)
	assert.True(t, backends[1].Gateway, "the variety gateway is flagged")
	assert.Equal(t, 600, backends[1].RequestsPerMinute)
	assert.Equal(t, []string{"vision"}, backends[1].Capabilities)
}
