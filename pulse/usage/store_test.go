package usage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	conductortest "github.com/teranos/conductor/internal/testing"
)

func TestStore_RoundTrip(t *testing.T) {
	db := conductortest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	at := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	require.NoError(t, store.SaveStates(ctx, []Snapshot{
		{Key: "b", Provider: "openrouter", ObservedTPM: 900, ObservedRPM: 9, SuccessRate: 0.9, AvgLatency: 1500 * time.Millisecond, LastRateLimitAt: &at},
		{Key: "a", Provider: "local", ObservedTPM: 1000, ObservedRPM: 10, SuccessRate: 1.0},
	}))

	// second save updates in place
	require.NoError(t, store.SaveStates(ctx, []Snapshot{
		{Key: "a", Provider: "local", ObservedTPM: 800, ObservedRPM: 8, SuccessRate: 0.95},
	}))

	states, err := store.LoadStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)

	assert.Equal(t, "a", states[0].Key)
	assert.Equal(t, 800, states[0].ObservedTPM)
	assert.Nil(t, states[0].LastRateLimitAt)

	assert.Equal(t, "b", states[1].Key)
	assert.Equal(t, 1500*time.Millisecond, states[1].AvgLatency)
	require.NotNil(t, states[1].LastRateLimitAt)
	assert.True(t, at.Equal(*states[1].LastRateLimitAt))
}

func TestStore_SaveRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO backend_state").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err = NewStore(db).SaveStates(context.Background(), []Snapshot{{Key: "a", Provider: "local"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save backend state a")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTracker_PersistsOnSweep(t *testing.T) {
	db := conductortest.CreateTestDB(t)
	store := NewStore(db)
	clock := newMockClock()

	first := NewTrackerWithClock(Config{Store: store}, nil, clock.Now)
	first.Register(BackendConfig{Key: "k", Provider: "p", TokensPerMinute: 1000})
	for i := 0; i < 6; i++ {
		first.RecordUsage("k", 0, 0, false, ErrorRateLimited)
	}
	first.Sweep()

	second := NewTrackerWithClock(Config{Store: store}, nil, clock.Now)
	second.Register(BackendConfig{Key: "k", Provider: "p", TokensPerMinute: 1000})
	require.NoError(t, second.LoadState(context.Background()))

	snap, ok := second.State("k")
	require.True(t, ok)
	assert.Equal(t, 900, snap.ObservedTPM)
	assert.InDelta(t, 0.95*0.95*0.95*0.95*0.95*0.95, snap.SuccessRate, 1e-9)
}
