package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/conductor/errors"
	conductortest "github.com/teranos/conductor/internal/testing"
)

func sampleJob() *Job {
	last := at(2, 9, 0)
	return &Job{
		ID: "job-1",
		Spec: JobSpec{
			ID:                "job-1",
			Name:              "nightly triage",
			PipelineID:        "triage",
			Kind:              KindRecurring,
			Interval:          time.Hour,
			Priority:          PriorityHigh,
			MaxCostUnits:      2.5,
			Timeout:           10 * time.Minute,
			RetryAttempts:     2,
			BusinessHoursOnly: true,
			MinGap:            30 * time.Minute,
			Input:             map[string]any{"repo": "conductor"},
		},
		Status:              StatusPending,
		Interval:            72 * time.Minute,
		NextRunAt:           at(2, 10, 12),
		LastRunAt:           &last,
		LastStatus:          StatusFailed,
		LastError:           "upstream unavailable",
		ExecutionCount:      4,
		FailureCount:        1,
		ConsecutiveFailures: 1,
		TotalCostSpent:      7.5,
		History: []ExecutionRecord{
			{ExecutionID: "e1", StartedAt: at(2, 8, 0), Duration: 3 * time.Second, Status: StatusCompleted, CostUnits: 2.5},
			{ExecutionID: "e2", StartedAt: at(2, 9, 0), Duration: time.Second, Status: StatusFailed, Error: "upstream unavailable", Skipped: 2},
		},
		CreatedAt: at(1, 12, 0),
		UpdatedAt: at(2, 9, 1),
	}
}

func TestStore_RoundTrip(t *testing.T) {
	store := NewStore(conductortest.CreateTestDB(t))
	ctx := context.Background()
	job := sampleJob()

	require.NoError(t, store.SaveJob(ctx, job))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Spec, got.Spec)
	assert.Equal(t, job.Status, got.Status)
	assert.Equal(t, job.Interval, got.Interval)
	assert.True(t, job.NextRunAt.Equal(got.NextRunAt))
	require.NotNil(t, got.LastRunAt)
	assert.True(t, job.LastRunAt.Equal(*got.LastRunAt))
	assert.Equal(t, job.LastStatus, got.LastStatus)
	assert.Equal(t, job.LastError, got.LastError)
	assert.Equal(t, job.ExecutionCount, got.ExecutionCount)
	assert.Equal(t, job.ConsecutiveFailures, got.ConsecutiveFailures)
	assert.Equal(t, job.TotalCostSpent, got.TotalCostSpent)
	require.Len(t, got.History, 2)
	assert.Equal(t, "e2", got.History[1].ExecutionID)
	assert.Equal(t, 2, got.History[1].Skipped)
}

func TestStore_Upsert(t *testing.T) {
	store := NewStore(conductortest.CreateTestDB(t))
	ctx := context.Background()
	job := sampleJob()
	require.NoError(t, store.SaveJob(ctx, job))

	job.Status = StatusPaused
	job.LastRunAt = nil
	job.History = nil
	require.NoError(t, store.SaveJob(ctx, job))

	jobs, err := store.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusPaused, jobs[0].Status)
	assert.Nil(t, jobs[0].LastRunAt)
	assert.Empty(t, jobs[0].History)
}

func TestStore_LoadOrderAndDelete(t *testing.T) {
	store := NewStore(conductortest.CreateTestDB(t))
	ctx := context.Background()

	for i, id := range []string{"late", "early"} {
		job := sampleJob()
		job.ID, job.Spec.ID = id, id
		job.NextRunAt = at(2, 12-i, 0)
		require.NoError(t, store.SaveJob(ctx, job))
	}

	jobs, err := store.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "early", jobs[0].ID)
	assert.Equal(t, "late", jobs[1].ID)

	require.NoError(t, store.DeleteJob(ctx, "early"))
	require.NoError(t, store.DeleteJob(ctx, "early"), "deleting twice is fine")

	_, err = store.GetJob(ctx, "early")
	assert.True(t, errors.IsNotFound(err))
}

func TestStore_SaveError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO scheduled_jobs").WillReturnError(errors.New("disk I/O error"))

	err = NewStore(db).SaveJob(context.Background(), sampleJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save scheduled job job-1")
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CorruptTimestamp(t *testing.T) {
	conn := conductortest.CreateTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()
	require.NoError(t, store.SaveJob(ctx, sampleJob()))

	_, err := conn.Exec(`UPDATE scheduled_jobs SET next_run_at = 'yesterday' WHERE id = ?`, "job-1")
	require.NoError(t, err)

	_, err = store.GetJob(ctx, "job-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "next_run_at")
}

func TestScheduler_PersistsAndRecovers(t *testing.T) {
	store := NewStore(conductortest.CreateTestDB(t))
	ctx := context.Background()

	orphan := sampleJob()
	orphan.Spec.PipelineID = "ok"
	orphan.Status = StatusRunning
	orphan.NextRunAt = at(2, 11, 0)
	require.NoError(t, store.SaveJob(ctx, orphan))

	h := newHarness(t, testConfig(), WithStore(store))
	require.NoError(t, h.s.Start(ctx))
	assert.ErrorIs(t, h.s.Start(ctx), errAlreadyStart)
	assert.True(t, h.s.Status().Running)

	job := h.job(t, orphan.ID)
	assert.Equal(t, StatusPending, job.Status, "orphaned executions go back to pending")

	saved, err := store.GetJob(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, saved.Status)

	id, err := h.s.ScheduleJob(JobSpec{Name: "report", PipelineID: "ok", Kind: KindOnce, RunAt: at(3, 8, 0)})
	require.NoError(t, err)
	_, err = store.GetJob(ctx, id)
	require.NoError(t, err, "scheduled jobs are persisted")

	assert.True(t, h.s.Unschedule(id))
	_, err = store.GetJob(ctx, id)
	assert.True(t, errors.IsNotFound(err))

	h.s.Stop()
	assert.False(t, h.s.Status().Running)
}

func TestScheduler_PersistFailureRejectsJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec("INSERT INTO scheduled_jobs").WillReturnError(errors.New("database is locked"))

	h := newHarness(t, testConfig(), WithStore(NewStore(db)))
	_, err = h.s.ScheduleJob(JobSpec{Name: "report", PipelineID: "ok", Kind: KindOnce})
	require.Error(t, err)
	assert.Zero(t, h.s.Status().TotalJobs)
}
