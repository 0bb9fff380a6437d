// Package schedule decides when jobs run.
//
// A single tick loop admits due jobs under business-hour, weekday, daily
// cost budget and concurrency gates, runs each admitted job's pipeline as an
// independent goroutine with a hard timeout, and reschedules recurring jobs
// afterwards.
package schedule

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/conductor/errors"
)

// HistoryCap is the number of execution records kept per job
const HistoryCap = 20

// ScheduleKind selects how a job's next run is computed
type ScheduleKind string

const (
	KindOnce      ScheduleKind = "once"
	KindRecurring ScheduleKind = "recurring"
	KindCron      ScheduleKind = "cron"
	KindAdaptive  ScheduleKind = "adaptive"
)

// Valid reports whether k is a known kind
func (k ScheduleKind) Valid() bool {
	switch k {
	case KindOnce, KindRecurring, KindCron, KindAdaptive:
		return true
	}
	return false
}

// Priority orders ready jobs; lower runs first. Zero means Normal.
type Priority int

const (
	PriorityCritical Priority = iota + 1
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

var priorityNames = map[Priority]string{
	PriorityCritical:   "critical",
	PriorityHigh:       "high",
	PriorityNormal:     "normal",
	PriorityLow:        "low",
	PriorityBackground: "background",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "normal"
}

// ParsePriority maps a name such as "high" to a Priority. Empty is Normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, errors.NewValidationError("unknown priority %q", s)
}

// Status is a job's lifecycle state
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
)

// JobSpec is what a caller submits to ScheduleJob
type JobSpec struct {
	ID                string         `json:"id,omitempty"` // generated when empty
	Name              string         `json:"name"`
	PipelineID        string         `json:"pipeline_id"`
	Kind              ScheduleKind   `json:"kind"`
	RunAt             time.Time      `json:"run_at,omitempty"` // first run; zero means as soon as possible
	Interval          time.Duration  `json:"interval,omitempty"`
	CronExpr          string         `json:"cron_expr,omitempty"`
	Priority          Priority       `json:"priority,omitempty"`
	MaxCostUnits      float64        `json:"max_cost_units,omitempty"`
	Timeout           time.Duration  `json:"timeout,omitempty"` // zero uses the scheduler default
	RetryAttempts     int            `json:"retry_attempts,omitempty"`
	BusinessHoursOnly bool           `json:"business_hours_only,omitempty"`
	WeekdaysOnly      bool           `json:"weekdays_only,omitempty"`
	MinGap            time.Duration  `json:"min_gap,omitempty"`
	Input             map[string]any `json:"input,omitempty"`
}

// cronParser accepts standard five-field expressions and descriptors like @hourly
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the spec in isolation
func (s *JobSpec) Validate() error {
	if s.Name == "" {
		return errors.NewValidationError("job name is required")
	}
	if s.PipelineID == "" {
		return errors.NewValidationError("job %q: pipeline is required", s.Name)
	}
	if !s.Kind.Valid() {
		return errors.NewValidationError("job %q: unknown schedule kind %q", s.Name, s.Kind)
	}
	if _, ok := priorityNames[s.Priority]; !ok && s.Priority != 0 {
		return errors.NewValidationError("job %q: unknown priority %d", s.Name, s.Priority)
	}

	switch s.Kind {
	case KindRecurring:
		if s.Interval <= 0 {
			return errors.NewValidationError("job %q: recurring jobs need a positive interval", s.Name)
		}
	case KindCron:
		if _, err := cronParser.Parse(s.CronExpr); err != nil {
			return errors.WrapValidation(err, "job "+s.Name+": cron expression")
		}
	}

	if s.MaxCostUnits < 0 {
		return errors.NewValidationError("job %q: max cost units must not be negative", s.Name)
	}
	if s.Timeout < 0 || s.MinGap < 0 || s.Interval < 0 {
		return errors.NewValidationError("job %q: durations must not be negative", s.Name)
	}
	if s.RetryAttempts < 0 {
		return errors.NewValidationError("job %q: retry attempts must not be negative", s.Name)
	}
	return nil
}

// ExecutionRecord is one entry of a job's history
type ExecutionRecord struct {
	ExecutionID  string        `json:"execution_id"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Status       Status        `json:"status"` // completed, failed or cancelled
	Error        string        `json:"error,omitempty"`
	ErrorDetails []string      `json:"error_details,omitempty"`
	CostUnits    float64       `json:"cost_units"`
	Skipped      int           `json:"skipped_nodes,omitempty"`
	Warnings     []string      `json:"warnings,omitempty"`
}

// Succeeded reports whether the execution completed
func (r ExecutionRecord) Succeeded() bool {
	return r.Status == StatusCompleted
}

// Job is a scheduled unit bound to one pipeline
type Job struct {
	ID     string  `json:"id"`
	Spec   JobSpec `json:"spec"`
	Status Status  `json:"status"`

	// Interval is the effective interval; self-tuning may move it away from Spec.Interval
	Interval time.Duration `json:"interval"`

	NextRunAt           time.Time         `json:"next_run_at"`
	LastRunAt           *time.Time        `json:"last_run_at,omitempty"`
	LastStatus          Status            `json:"last_status,omitempty"`
	LastError           string            `json:"last_error,omitempty"`
	ExecutionCount      int               `json:"execution_count"`
	FailureCount        int               `json:"failure_count"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	TotalCostSpent      float64           `json:"total_cost_spent"`
	History             []ExecutionRecord `json:"history"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`

	// skipReason is the last gate that held a due job back
	skipReason string
}

// clone returns a copy safe to hand to callers
func (j *Job) clone() *Job {
	c := *j
	c.History = append([]ExecutionRecord(nil), j.History...)
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		c.LastRunAt = &t
	}
	if j.Spec.Input != nil {
		c.Spec.Input = make(map[string]any, len(j.Spec.Input))
		for k, v := range j.Spec.Input {
			c.Spec.Input[k] = v
		}
	}
	return &c
}

// appendHistory adds a record, evicting the oldest beyond HistoryCap
func (j *Job) appendHistory(rec ExecutionRecord) {
	j.History = append(j.History, rec)
	if n := len(j.History) - HistoryCap; n > 0 {
		j.History = append([]ExecutionRecord(nil), j.History[n:]...)
	}
}

// finished returns completed and failed records, oldest first
func (j *Job) finished() []ExecutionRecord {
	out := make([]ExecutionRecord, 0, len(j.History))
	for _, r := range j.History {
		if r.Status == StatusCompleted || r.Status == StatusFailed {
			out = append(out, r)
		}
	}
	return out
}

// priority returns the effective priority
func (j *Job) priority() Priority {
	if j.Spec.Priority == 0 {
		return PriorityNormal
	}
	return j.Spec.Priority
}
