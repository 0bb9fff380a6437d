// Package budget enforces the daily cost-unit budget shared by all jobs.
package budget

import (
	"fmt"
	"sync"
	"time"
)

const dayLayout = "2006-01-02"

// Status is a point-in-time view of the daily budget
type Status struct {
	Day       string  `json:"day"`
	Spent     float64 `json:"spent"`
	Reserved  float64 `json:"reserved"`
	Limit     float64 `json:"limit"`
	Remaining float64 `json:"remaining"` // -1 when unlimited
}

// DailyTracker counts cost units spent today in a fixed location.
// Units are reserved when a job is admitted and settled when it finishes,
// so concurrent admissions cannot overshoot the limit together.
type DailyTracker struct {
	mu       sync.Mutex
	limit    float64
	spent    float64
	reserved float64
	day      string
	loc      *time.Location
	timeNow  func() time.Time
}

// NewDailyTracker creates a tracker with real time. A limit <= 0 means unlimited.
func NewDailyTracker(limit float64, loc *time.Location) *DailyTracker {
	return NewDailyTrackerWithClock(limit, loc, time.Now)
}

// NewDailyTrackerWithClock creates a tracker with an injectable clock
func NewDailyTrackerWithClock(limit float64, loc *time.Location, timeNow func() time.Time) *DailyTracker {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTracker{
		limit:   limit,
		loc:     loc,
		timeNow: timeNow,
	}
	d.day = d.today()
	return d
}

func (d *DailyTracker) today() string {
	return d.timeNow().In(d.loc).Format(dayLayout)
}

// rolloverLocked resets spend on a new local date. Reservations belong to
// executions still in flight and carry over.
func (d *DailyTracker) rolloverLocked() {
	if today := d.today(); today != d.day {
		d.day = today
		d.spent = 0
	}
}

// CanAfford reports whether units fit in today's remaining budget
func (d *DailyTracker) CanAfford(units float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rolloverLocked()
	return d.fitsLocked(units)
}

func (d *DailyTracker) fitsLocked(units float64) bool {
	if d.limit <= 0 {
		return true
	}
	return d.spent+d.reserved+units <= d.limit
}

// TryReserve reserves units if they fit, returning false otherwise
func (d *DailyTracker) TryReserve(units float64) bool {
	if units < 0 {
		units = 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rolloverLocked()
	if !d.fitsLocked(units) {
		return false
	}
	d.reserved += units
	return true
}

// Settle releases a reservation and records what was actually spent
func (d *DailyTracker) Settle(reserved, actual float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rolloverLocked()
	d.reserved -= reserved
	if d.reserved < 0 {
		d.reserved = 0
	}
	if actual > 0 {
		d.spent += actual
	}
}

// Record adds units to today's spend without a reservation
func (d *DailyTracker) Record(units float64) {
	if units <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rolloverLocked()
	d.spent += units
}

// Spent returns today's settled spend
func (d *DailyTracker) Spent() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rolloverLocked()
	return d.spent
}

// SetLimit changes the daily limit; it applies to the next admission
func (d *DailyTracker) SetLimit(limit float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.limit = limit
}

// Status returns the current budget figures
func (d *DailyTracker) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rolloverLocked()

	remaining := -1.0
	if d.limit > 0 {
		remaining = d.limit - d.spent - d.reserved
		if remaining < 0 {
			remaining = 0
		}
	}
	return Status{
		Day:       d.day,
		Spent:     d.spent,
		Reserved:  d.reserved,
		Limit:     d.limit,
		Remaining: remaining,
	}
}

// String renders the status for log lines
func (s Status) String() string {
	if s.Limit <= 0 {
		return fmt.Sprintf("%s: %.2f spent, unlimited", s.Day, s.Spent)
	}
	return fmt.Sprintf("%s: %.2f/%.2f spent, %.2f reserved", s.Day, s.Spent, s.Limit, s.Reserved)
}
