package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/pulse/schedule"
)

func TestDecodeJobSpecs(t *testing.T) {
	specs, err := DecodeJobSpecs(strings.NewReader(`
[[job]]
id = "nightly-triage"
name = "Nightly triage"
pipeline = "triage"
cron = "0 2 * * *"
priority = "high"
max_cost_units = 5.0
timeout_minutes = 10
weekdays_only = true
[job.input]
team = "support"

[[job]]
name = "digest"
pipeline = "digest"
interval_minutes = 90
min_gap_minutes = 15
business_hours_only = true

[[job]]
name = "backfill"
pipeline = "triage"
run_at = 2026-03-02T10:00:00Z
retry_attempts = 2

[[job]]
name = "warmup"
pipeline = "digest"
kind = "adaptive"
`))
	require.NoError(t, err)
	require.Len(t, specs, 4)

	nightly := specs[0]
	assert.Equal(t, "nightly-triage", nightly.ID)
	assert.Equal(t, "Nightly triage", nightly.Name)
	assert.Equal(t, "triage", nightly.PipelineID)
	assert.Equal(t, schedule.KindCron, nightly.Kind)
	assert.Equal(t, "0 2 * * *", nightly.CronExpr)
	assert.Equal(t, schedule.PriorityHigh, nightly.Priority)
	assert.Equal(t, 5.0, nightly.MaxCostUnits)
	assert.Equal(t, 10*time.Minute, nightly.Timeout)
	assert.True(t, nightly.WeekdaysOnly)
	assert.Equal(t, map[string]any{"team": "support"}, nightly.Input)

	digest := specs[1]
	assert.Equal(t, "digest", digest.ID, "id defaults to the name")
	assert.Equal(t, schedule.KindRecurring, digest.Kind)
	assert.Equal(t, 90*time.Minute, digest.Interval)
	assert.Equal(t, 15*time.Minute, digest.MinGap)
	assert.True(t, digest.BusinessHoursOnly)
	assert.Equal(t, schedule.PriorityNormal, digest.Priority)

	backfill := specs[2]
	assert.Equal(t, schedule.KindOnce, backfill.Kind)
	assert.True(t, backfill.RunAt.Equal(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, 2, backfill.RetryAttempts)

	assert.Equal(t, schedule.KindAdaptive, specs[3].Kind)
}

func TestDecodeJobSpecs_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown key": `
[[job]]
name = "a"
pipeline = "p"
intervl_minutes = 5
`,
		"duplicate id": `
[[job]]
name = "a"
pipeline = "p"

[[job]]
id = "a"
name = "other"
pipeline = "p"
`,
		"bad priority": `
[[job]]
name = "a"
pipeline = "p"
priority = "urgent"
`,
		"missing pipeline": `
[[job]]
name = "a"
`,
		"recurring without interval": `
[[job]]
name = "a"
pipeline = "p"
kind = "recurring"
`,
		"not toml": `[[job]`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeJobSpecs(strings.NewReader(doc))
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err), "got %v", err)
		})
	}
}

func TestDecodeJobSpecs_Empty(t *testing.T) {
	specs, err := DecodeJobSpecs(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, specs)
}

func TestLoadJobSpecs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[job]]\nname = \"a\"\npipeline = \"p\"\n"), 0644))

	specs, err := LoadJobSpecs(path)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "a", specs[0].ID)

	_, err = LoadJobSpecs(filepath.Join(dir, "missing.toml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
