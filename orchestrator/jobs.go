package orchestrator

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/pulse/schedule"
)

type jobsFile struct {
	Jobs []jobEntry `toml:"job"`
}

type jobEntry struct {
	ID                string         `toml:"id"`
	Name              string         `toml:"name"`
	Pipeline          string         `toml:"pipeline"`
	Kind              string         `toml:"kind"`
	RunAt             time.Time      `toml:"run_at"`
	IntervalMinutes   float64        `toml:"interval_minutes"`
	Cron              string         `toml:"cron"`
	Priority          string         `toml:"priority"`
	MaxCostUnits      float64        `toml:"max_cost_units"`
	TimeoutMinutes    float64        `toml:"timeout_minutes"`
	RetryAttempts     int            `toml:"retry_attempts"`
	BusinessHoursOnly bool           `toml:"business_hours_only"`
	WeekdaysOnly      bool           `toml:"weekdays_only"`
	MinGapMinutes     float64        `toml:"min_gap_minutes"`
	Input             map[string]any `toml:"input"`
}

// DecodeJobSpecs reads job definitions:
//
//	[[job]]
//	id = "nightly-triage"
//	name = "Nightly triage"
//	pipeline = "triage"
//	kind = "cron"
//	cron = "0 2 * * *"
//	priority = "high"
//	max_cost_units = 5.0
//	timeout_minutes = 10
//	[job.input]
//	team = "support"
//
// A job without an id uses its name, so that reloading the file after a
// restart matches the persisted jobs. Every problem is a validation error.
func DecodeJobSpecs(r io.Reader) ([]schedule.JobSpec, error) {
	var f jobsFile
	md, err := toml.NewDecoder(r).Decode(&f)
	if err != nil {
		return nil, errors.WrapValidation(err, "decode jobs")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.NewValidationError("unknown keys in jobs file: %s", strings.Join(keys, ", "))
	}

	specs := make([]schedule.JobSpec, 0, len(f.Jobs))
	seen := make(map[string]bool, len(f.Jobs))
	for i, e := range f.Jobs {
		spec, err := e.spec()
		if err != nil {
			return nil, errors.Wrapf(err, "job[%d]", i)
		}
		if seen[spec.ID] {
			return nil, errors.NewValidationError("job[%d]: duplicate id %q", i, spec.ID)
		}
		seen[spec.ID] = true
		specs = append(specs, spec)
	}
	return specs, nil
}

// LoadJobSpecs reads job definitions from a TOML file
func LoadJobSpecs(path string) ([]schedule.JobSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open jobs file %s", path)
	}
	defer f.Close()

	specs, err := DecodeJobSpecs(f)
	if err != nil {
		return nil, errors.Wrapf(err, "load jobs file %s", path)
	}
	return specs, nil
}

func (e jobEntry) spec() (schedule.JobSpec, error) {
	priority, err := schedule.ParsePriority(e.Priority)
	if err != nil {
		return schedule.JobSpec{}, err
	}
	id := e.ID
	if id == "" {
		id = e.Name
	}
	kind := schedule.ScheduleKind(e.Kind)
	if kind == "" {
		kind = schedule.KindOnce
		if e.Cron != "" {
			kind = schedule.KindCron
		} else if e.IntervalMinutes > 0 {
			kind = schedule.KindRecurring
		}
	}

	spec := schedule.JobSpec{
		ID:                id,
		Name:              e.Name,
		PipelineID:        e.Pipeline,
		Kind:              kind,
		RunAt:             e.RunAt,
		Interval:          minutes(e.IntervalMinutes),
		CronExpr:          e.Cron,
		Priority:          priority,
		MaxCostUnits:      e.MaxCostUnits,
		Timeout:           minutes(e.TimeoutMinutes),
		RetryAttempts:     e.RetryAttempts,
		BusinessHoursOnly: e.BusinessHoursOnly,
		WeekdaysOnly:      e.WeekdaysOnly,
		MinGap:            minutes(e.MinGapMinutes),
		Input:             e.Input,
	}
	if err := spec.Validate(); err != nil {
		return schedule.JobSpec{}, err
	}
	return spec, nil
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}
