package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/conductor/errors"
	conductortest "github.com/teranos/conductor/internal/testing"
	"github.com/teranos/conductor/pulse/pipeline"
)

func TestResultStore_SaveAndList(t *testing.T) {
	store := NewResultStore(conductortest.CreateTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	for i, ok := range []bool{true, false, true} {
		r := Result{
			ID:           "exec-" + string(rune('a'+i)),
			JobID:        "j1",
			PipelineID:   "triage",
			Success:      ok,
			NodeCount:    2,
			SkippedCount: i,
			StartedAt:    base.Add(time.Duration(i) * time.Minute),
			Duration:     1500 * time.Millisecond,
			Output:       json.RawMessage(`{"fetch":1}`),
		}
		if !ok {
			r.ErrorMessage = "classify: upstream unavailable"
		}
		require.NoError(t, store.Save(ctx, r))
	}
	require.NoError(t, store.Save(ctx, Result{ID: "other", JobID: "j2", PipelineID: "digest", StartedAt: base}))

	results, err := store.ListByJob(ctx, "j1", 0)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"exec-c", "exec-b", "exec-a"}, []string{results[0].ID, results[1].ID, results[2].ID})

	failed := results[1]
	assert.False(t, failed.Success)
	assert.Equal(t, "classify: upstream unavailable", failed.ErrorMessage)
	assert.Equal(t, 1, failed.SkippedCount)
	assert.Equal(t, 1500*time.Millisecond, failed.Duration)
	assert.True(t, failed.StartedAt.Equal(base.Add(time.Minute)))
	assert.JSONEq(t, `{"fetch":1}`, string(failed.Output))

	limited, err := store.ListByJob(ctx, "j1", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "exec-c", limited[0].ID)

	other, err := store.ListByJob(ctx, "j2", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.JSONEq(t, `{}`, string(other[0].Output))
}

func TestResultStore_DuplicateID(t *testing.T) {
	store := NewResultStore(conductortest.CreateTestDB(t))
	r := Result{ID: "exec-1", PipelineID: "triage", StartedAt: time.Now()}
	require.NoError(t, store.Save(context.Background(), r))
	assert.Error(t, store.Save(context.Background(), r))
}

func TestRecordingExecutor(t *testing.T) {
	registry := pipeline.NewRegistry()
	registry.RegisterFunc("ok", func(_ context.Context, in *pipeline.NodeInput) (any, error) {
		return map[string]any{"node": in.NodeID}, nil
	})
	registry.RegisterFunc("fail", func(context.Context, *pipeline.NodeInput) (any, error) {
		return nil, errors.New("upstream unavailable")
	})
	exec := pipeline.NewExecutor(registry, pipeline.WithLogger(zaptest.NewLogger(t).Sugar()))
	store := NewResultStore(conductortest.CreateTestDB(t))
	rec := NewRecordingExecutor(exec, store, nil)
	ctx := context.Background()

	good := &pipeline.Graph{ID: "good", Nodes: []pipeline.Node{
		{ID: "a", Worker: "ok"},
		{ID: "b", Worker: "ok", Inputs: []string{"a"}},
	}}
	ec, err := rec.Execute(ctx, good, map[string]any{"job_id": "j1"})
	require.NoError(t, err)

	results, err := store.ListByJob(ctx, "j1", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ec.ExecutionID, results[0].ID)
	assert.Equal(t, "good", results[0].PipelineID)
	assert.True(t, results[0].Success)
	assert.Equal(t, 2, results[0].NodeCount)
	assert.JSONEq(t, `{"a":{"node":"a"},"b":{"node":"b"}}`, string(results[0].Output))

	bad := &pipeline.Graph{ID: "bad", ContinueOnError: true, Nodes: []pipeline.Node{
		{ID: "a", Worker: "fail"},
		{ID: "b", Worker: "ok", Inputs: []string{"a"}},
	}}
	ec, err = rec.Execute(ctx, bad, map[string]any{"job_id": "j2"})
	require.NoError(t, err)
	require.True(t, ec.Failed())

	results, err = store.ListByJob(ctx, "j2", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].ErrorMessage, "upstream unavailable")
	assert.Equal(t, 1, results[0].SkippedCount)
}

func TestRecordingExecutor_SkipsRejectedGraphs(t *testing.T) {
	exec := pipeline.NewExecutor(pipeline.NewRegistry())
	store := NewResultStore(conductortest.CreateTestDB(t))
	rec := NewRecordingExecutor(exec, store, nil)

	unbound := &pipeline.Graph{ID: "unbound", Nodes: []pipeline.Node{{ID: "a", Worker: "nobody"}}}
	_, err := rec.Execute(context.Background(), unbound, map[string]any{"job_id": "j1"})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	results, err := store.ListByJob(context.Background(), "j1", 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}
