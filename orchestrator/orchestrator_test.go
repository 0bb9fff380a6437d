package orchestrator

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/conductor/errors"
	conductortest "github.com/teranos/conductor/internal/testing"
	"github.com/teranos/conductor/pulse/events"
	"github.com/teranos/conductor/pulse/pipeline"
	"github.com/teranos/conductor/pulse/schedule"
)

const triageJobs = `
[[job]]
name = "triage-once"
pipeline = "triage"
[job.input]
ticket = "T-1"

[[job]]
name = "triage-hourly"
pipeline = "triage"
interval_minutes = 60
`

func setupOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, *events.Recorder) {
	t.Helper()
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Pipeline.Dir, 0755))
	writeFile(t, cfg.Pipeline.Dir, "triage.yaml", triageYAML)
	require.NoError(t, os.WriteFile(cfg.Orchestrator.JobsFile, []byte(triageJobs), 0644))

	rec := &events.Recorder{}
	base := []Option{
		WithDB(conductortest.CreateTestDB(t)),
		WithCaller(SimulatedCaller{}),
		WithEventListener(rec),
		WithOrchestratorLogger(zaptest.NewLogger(t).Sugar()),
	}
	orc, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	return orc, rec
}

func waitForStatus(t *testing.T, s *schedule.Scheduler, id string, want schedule.Status) *schedule.Job {
	t.Helper()
	var job *schedule.Job
	require.Eventually(t, func() bool {
		j, err := s.GetJob(id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestOrchestrator_EndToEnd(t *testing.T) {
	orc, rec := setupOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, orc.Start(ctx))
	t.Cleanup(func() { _ = orc.Stop() })

	assert.Equal(t, []string{"triage"}, orc.Catalog().IDs())
	assert.True(t, orc.Registry().Has(BackendWorkerName))
	assert.True(t, orc.Registry().Has(PassthroughWorkerName))
	require.Len(t, orc.Scheduler().ListJobs(), 2)

	admitted := orc.Scheduler().Tick(time.Now())
	assert.Equal(t, 2, admitted)

	once := waitForStatus(t, orc.Scheduler(), "triage-once", schedule.StatusCompleted)
	assert.Equal(t, 1, once.ExecutionCount)
	assert.Greater(t, once.TotalCostSpent, 0.0)

	hourly := waitForStatus(t, orc.Scheduler(), "triage-hourly", schedule.StatusPending)
	assert.Equal(t, 1, hourly.ExecutionCount)
	assert.True(t, hourly.NextRunAt.After(time.Now().Add(50*time.Minute)))

	results, err := orc.Results().ListByJob(ctx, "triage-once", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "triage", results[0].PipelineID)
	assert.Contains(t, string(results[0].Output), "simulated extraction response from")

	requests := 0
	for _, snap := range orc.Tracker().Snapshots() {
		requests += snap.RequestsLastMinute
	}
	assert.Equal(t, 2, requests)
	assert.Greater(t, orc.Scheduler().Budget().Spent(), 0.0)

	assert.Equal(t, 2, rec.Count(events.PipelineCompleted))
	assert.Equal(t, 2, rec.Count(events.JobCompleted))
}

func TestOrchestrator_RestartKeepsJobs(t *testing.T) {
	conn := conductortest.CreateTestDB(t)
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Pipeline.Dir, 0755))
	writeFile(t, cfg.Pipeline.Dir, "triage.yaml", triageYAML)
	require.NoError(t, os.WriteFile(cfg.Orchestrator.JobsFile, []byte(triageJobs), 0644))
	ctx := context.Background()

	first, err := New(cfg, WithDB(conn))
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	require.Len(t, first.Scheduler().ListJobs(), 2)
	require.NoError(t, first.Stop())

	second, err := New(cfg, WithDB(conn))
	require.NoError(t, err)
	require.NoError(t, second.Start(ctx))
	t.Cleanup(func() { _ = second.Stop() })

	assert.Len(t, second.Scheduler().ListJobs(), 2)
	added, err := second.LoadJobs(cfg.Orchestrator.JobsFile)
	require.NoError(t, err)
	assert.Zero(t, added)
}

func TestOrchestrator_MissingJobsFile(t *testing.T) {
	cfg := testConfig(t)
	orc, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, orc.Start(context.Background()))
	t.Cleanup(func() { _ = orc.Stop() })

	assert.Empty(t, orc.Scheduler().ListJobs())
	assert.Nil(t, orc.Results(), "no database means no result store")
	assert.False(t, orc.Registry().Has(BackendWorkerName), "no caller means no backend worker")
}

func TestOrchestrator_BadJobsFileFailsStart(t *testing.T) {
	orc, _ := setupOrchestrator(t)
	require.NoError(t, os.WriteFile(orc.cfg.Orchestrator.JobsFile, []byte("[[job]]\nname = \"x\"\npipeline = \"nope\"\n"), 0644))

	err := orc.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	require.NoError(t, orc.Stop())
}

func TestOrchestrator_DoubleStart(t *testing.T) {
	orc, _ := setupOrchestrator(t)
	require.NoError(t, orc.Start(context.Background()))
	t.Cleanup(func() { _ = orc.Stop() })
	assert.Error(t, orc.Start(context.Background()))
}

func TestOrchestrator_CustomWorker(t *testing.T) {
	orc, _ := setupOrchestrator(t, WithWorker("crm.fetch", pipeline.WorkerFunc(func(context.Context, *pipeline.NodeInput) (any, error) {
		return "ticket", nil
	})))
	assert.True(t, orc.Registry().Has("crm.fetch"))
}

func TestOrchestrator_ApplyConfig(t *testing.T) {
	orc, _ := setupOrchestrator(t)
	require.NoError(t, orc.Start(context.Background()))
	t.Cleanup(func() { _ = orc.Stop() })

	next := *orc.cfg
	next.Budget.DailyCostLimit = 7
	next.Pulse.MaxConcurrentJobs = 1
	writeFile(t, next.Pipeline.Dir, "digest.yaml", digestYAML)

	orc.ApplyConfig(&next)
	assert.Equal(t, 7.0, orc.Scheduler().Budget().Status().Limit)
	assert.Equal(t, 1, orc.Scheduler().Status().MaxConcurrent)
	assert.Equal(t, []string{"digest", "triage"}, orc.Catalog().IDs())
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(nil)
	assert.True(t, errors.IsValidation(err))

	cfg := testConfig(t)
	cfg.Pulse.TickIntervalSeconds = 0
	_, err = New(cfg)
	assert.True(t, errors.IsValidation(err))
}

func TestOrchestrator_OwnsDatabaseFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Path = conductortest.TestDBPath(t)
	require.NoError(t, os.MkdirAll(cfg.Pipeline.Dir, 0755))
	require.NoError(t, os.WriteFile(cfg.Orchestrator.JobsFile, []byte(triageJobs), 0644))
	writeFile(t, cfg.Pipeline.Dir, "triage.yaml", triageYAML)
	ctx := context.Background()

	first, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, first.Results())
	require.NoError(t, first.Start(ctx))
	require.NoError(t, first.Stop())

	_, err = os.Stat(cfg.Database.Path)
	require.NoError(t, err)

	second, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, second.Start(ctx))
	t.Cleanup(func() { _ = second.Stop() })
	assert.Len(t, second.Scheduler().ListJobs(), 2)
}
