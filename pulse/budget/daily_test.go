package budget

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func newTestTracker(limit float64) (*DailyTracker, *mockClock) {
	clock := &mockClock{now: time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)}
	return NewDailyTrackerWithClock(limit, time.UTC, clock.Now), clock
}

func TestTryReserve_NearLimit(t *testing.T) {
	d, _ := newTestTracker(50)
	d.Record(48)

	assert.False(t, d.TryReserve(5), "48 + 5 exceeds 50")
	assert.True(t, d.TryReserve(2), "48 + 2 fits exactly")
	assert.False(t, d.TryReserve(0.5), "reservation counts against the limit")

	st := d.Status()
	assert.Equal(t, 48.0, st.Spent)
	assert.Equal(t, 2.0, st.Reserved)
	assert.Equal(t, 0.0, st.Remaining)
}

func TestSettle(t *testing.T) {
	d, _ := newTestTracker(10)
	require.True(t, d.TryReserve(4))

	d.Settle(4, 3)
	st := d.Status()
	assert.Equal(t, 3.0, st.Spent)
	assert.Equal(t, 0.0, st.Reserved)
	assert.Equal(t, 7.0, st.Remaining)

	d.Settle(100, 0)
	assert.Equal(t, 0.0, d.Status().Reserved, "reservation never goes negative")
}

func TestUnlimited(t *testing.T) {
	d, _ := newTestTracker(0)
	d.Record(1e9)
	assert.True(t, d.TryReserve(1e9))
	assert.True(t, d.CanAfford(1e9))
	assert.Equal(t, -1.0, d.Status().Remaining)
	assert.Contains(t, d.Status().String(), "unlimited")
}

func TestRollover(t *testing.T) {
	d, clock := newTestTracker(50)
	d.Record(49)
	require.True(t, d.TryReserve(1))
	assert.False(t, d.CanAfford(1))

	clock.Advance(3 * time.Hour) // past midnight UTC

	st := d.Status()
	assert.Equal(t, "2026-03-03", st.Day)
	assert.Equal(t, 0.0, st.Spent)
	assert.Equal(t, 1.0, st.Reserved, "in-flight reservation carries over")
	assert.True(t, d.CanAfford(49))
	assert.False(t, d.CanAfford(49.5))
}

func TestRollover_UsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	clock := &mockClock{now: time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)} // 22:00 local
	d := NewDailyTrackerWithClock(10, loc, clock.Now)
	d.Record(5)

	clock.Advance(90 * time.Minute) // 23:30 local
	assert.Equal(t, 5.0, d.Spent())

	clock.Advance(time.Hour) // 00:30 local next day, still 2026-03-02 in UTC
	assert.Equal(t, 0.0, d.Spent())
}

func TestSetLimit(t *testing.T) {
	d, _ := newTestTracker(10)
	d.Record(9)
	assert.False(t, d.CanAfford(2))
	d.SetLimit(20)
	assert.True(t, d.CanAfford(2))
}

func TestTryReserve_Concurrent(t *testing.T) {
	d, _ := newTestTracker(100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.TryReserve(3) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 33, admitted)
	assert.Equal(t, 99.0, d.Status().Reserved)
}
