package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/internal/sysmetrics"
	"github.com/teranos/conductor/logger"
	"github.com/teranos/conductor/sym"
)

// Start recovers persisted jobs and begins the tick loop. The first tick
// happens immediately, then every TickInterval until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errAlreadyStart
	}
	s.mu.Unlock()

	if err := s.recover(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.started = true
	s.loopCancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(loopCtx)
	s.pulseLog.Infow("✿ Pulse scheduler started",
		"tick", s.cfg.TickInterval,
		"max_concurrent", s.cfg.MaxConcurrent,
		logger.FieldDailyLimit, s.budget.Status().Limit,
	)
	return nil
}

// Stop ends the tick loop, cancels every in-flight execution and waits for
// them to unwind. Cancelled jobs return to pending.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.loopCancel != nil {
		s.loopCancel()
		s.loopCancel = nil
	}
	for _, ex := range s.running {
		ex.cancel(errStopped)
	}
	inFlight := len(s.running)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	s.pulseLog.Infow("❀ Pulse scheduler stopped", "cancelled", inFlight)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.Tick(s.now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(s.now())
		}
	}
}

// recover loads persisted jobs. A job persisted as running was orphaned by
// a crash and goes back to pending.
func (s *Scheduler) recover(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	jobs, err := s.store.LoadJobs(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load scheduled jobs")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	orphans := 0
	for _, job := range jobs {
		if _, exists := s.jobs[job.ID]; exists {
			continue
		}
		if job.Status == StatusRunning {
			job.Status = StatusPending
			orphans++
			s.persistLogged(job)
		}
		s.jobs[job.ID] = job
	}
	if len(jobs) > 0 {
		s.pulseLog.Infow("Recovered scheduled jobs", logger.FieldCount, len(jobs), "orphaned", orphans)
	}
	return nil
}

// LastTick returns when the scheduler last ticked and how many ticks ran
func (s *Scheduler) LastTick() (time.Time, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTickAt, s.ticks
}

// logStatusLocked writes one status line: next due job, active work,
// budget and host memory
func (s *Scheduler) logStatusLocked(now time.Time) {
	active := len(s.running)

	indicator := ""
	if active > 0 {
		indicator = strings.Repeat(sym.Pulse+" ", min(active, 10))
	}

	var next *Job
	for _, j := range s.jobs {
		if j.Status != StatusPending {
			continue
		}
		if next == nil || j.NextRunAt.Before(next.NextRunAt) {
			next = j
		}
	}

	var msg string
	if next == nil {
		msg = fmt.Sprintf("%sPulse - no scheduled executions", indicator)
	} else {
		until := next.NextRunAt.Sub(now)
		if until < 0 {
			until = 0
		}
		msg = fmt.Sprintf("%sPulse - next execution '%s' in %s", indicator, next.Spec.Name, until.Round(time.Second))
	}
	msg += fmt.Sprintf(" │ Jobs: %d/%d active │ Budget: %s", active, s.maxConcurrent, s.budget.Status())

	if m, err := sysmetrics.ReadMemory(); err == nil {
		msg += fmt.Sprintf(" │ Mem: %.1f/%.1fGB (%.0f%%)", m.UsedGB, m.TotalGB, m.Percent)
	}
	s.pulseLog.Infow(msg)
}
