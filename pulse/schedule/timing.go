package schedule

import (
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// tuneWindow is how many recent executions self-tuning inspects
	tuneWindow = 5

	stretchFactor  = 1.2
	compressFactor = 0.8
	maxInterval    = 24 * time.Hour

	// minTunedInterval floors compression when a job has no min gap
	minTunedInterval = time.Minute

	// adaptiveMinHistory is the number of finished runs before adaptive timing kicks in
	adaptiveMinHistory = 3

	maxCronSteps = 10000
)

func isWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// inBusinessHours reports whether t falls on a weekday in [start, end)
func inBusinessHours(t time.Time, start, end int) bool {
	h := t.Hour()
	return isWeekday(t) && h >= start && h < end
}

// nextRecurring is max(lastRun + interval, now + minGap); a late tick never
// produces a burst of catch-up runs.
func nextRecurring(lastRun, now time.Time, interval, minGap time.Duration) time.Time {
	next := lastRun.Add(interval)
	if earliest := now.Add(minGap); next.Before(earliest) {
		return earliest
	}
	return next
}

// nextCron returns the first activation of sched after now that is at
// least minGap away. A zero time means the expression never fires again.
func nextCron(sched cron.Schedule, now time.Time, minGap time.Duration) time.Time {
	earliest := now.Add(minGap)
	next := sched.Next(now)
	for i := 0; !next.IsZero() && next.Before(earliest) && i < maxCronSteps; i++ {
		next = sched.Next(next)
	}
	return next
}

// adaptiveHour picks the hour of day with the most successful runs.
// Ties go to the earlier hour. Without enough history, or without any
// success, fallback is returned.
func adaptiveHour(history []ExecutionRecord, loc *time.Location, fallback int) int {
	if len(history) < adaptiveMinHistory {
		return fallback
	}
	var counts [24]int
	for _, r := range history {
		if r.Succeeded() {
			counts[r.StartedAt.In(loc).Hour()]++
		}
	}
	best, bestCount := fallback, 0
	for h, c := range counts {
		if c > bestCount {
			best, bestCount = h, c
		}
	}
	return best
}

// nextAdaptive places the next run at hour:00 today, or on a later day when
// that moment has passed or is closer than minGap.
func nextAdaptive(now time.Time, loc *time.Location, hour int, minGap time.Duration) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	earliest := now.Add(minGap)
	for !next.After(now) || next.Before(earliest) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// tuneInterval stretches the interval of a struggling job and compresses
// the interval of a healthy, fast one. It is a best-effort feedback loop
// and reports whether the interval changed.
func tuneInterval(history []ExecutionRecord, interval, timeout, minGap time.Duration) (time.Duration, bool) {
	if len(history) < tuneWindow || interval <= 0 {
		return interval, false
	}
	recent := history[len(history)-tuneWindow:]

	var successes int
	var total time.Duration
	for _, r := range recent {
		if r.Succeeded() {
			successes++
		}
		total += r.Duration
	}
	rate := float64(successes) / float64(len(recent))
	avg := total / time.Duration(len(recent))

	next := interval
	switch {
	case rate < 0.5:
		next = time.Duration(float64(interval) * stretchFactor)
		if next > maxInterval {
			next = maxInterval
		}
		if next < interval {
			next = interval
		}
	case rate > 0.9 && (timeout <= 0 || avg < timeout/2):
		floor := max(minGap, minTunedInterval)
		next = time.Duration(float64(interval) * compressFactor)
		if next < floor {
			next = floor
		}
		if next > interval {
			next = interval
		}
	}
	return next, next != interval
}
