package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/conductor/errors"
)

// Store persists jobs in the scheduled_jobs table
type Store struct {
	db *sql.DB
}

// NewStore creates a new schedule store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `
	id, name, pipeline_id, schedule_type, interval_seconds, cron_expr,
	priority, status, next_run_at, last_run_at, last_status, last_error,
	run_count, failure_count, consecutive_failures, total_cost,
	spec_json, history_json, created_at, updated_at`

// SaveJob inserts or replaces a job
func (s *Store) SaveJob(ctx context.Context, job *Job) error {
	specJSON, err := json.Marshal(job.Spec)
	if err != nil {
		return errors.Wrapf(err, "failed to encode spec for job %s", job.ID)
	}
	history := job.History
	if history == nil {
		history = []ExecutionRecord{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return errors.Wrapf(err, "failed to encode history for job %s", job.ID)
	}

	var lastRunAt interface{}
	if job.LastRunAt != nil {
		lastRunAt = formatTime(*job.LastRunAt)
	}

	query := `
		INSERT INTO scheduled_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			pipeline_id = excluded.pipeline_id,
			schedule_type = excluded.schedule_type,
			interval_seconds = excluded.interval_seconds,
			cron_expr = excluded.cron_expr,
			priority = excluded.priority,
			status = excluded.status,
			next_run_at = excluded.next_run_at,
			last_run_at = excluded.last_run_at,
			last_status = excluded.last_status,
			last_error = excluded.last_error,
			run_count = excluded.run_count,
			failure_count = excluded.failure_count,
			consecutive_failures = excluded.consecutive_failures,
			total_cost = excluded.total_cost,
			spec_json = excluded.spec_json,
			history_json = excluded.history_json,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.Spec.Name,
		job.Spec.PipelineID,
		string(job.Spec.Kind),
		int64(job.Interval/time.Second),
		job.Spec.CronExpr,
		job.priority().String(),
		string(job.Status),
		formatTime(job.NextRunAt),
		lastRunAt,
		string(job.LastStatus),
		job.LastError,
		job.ExecutionCount,
		job.FailureCount,
		job.ConsecutiveFailures,
		job.TotalCostSpent,
		string(specJSON),
		string(historyJSON),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save scheduled job %s", job.ID)
	}
	return nil
}

// DeleteJob removes a job. Deleting a missing job is not an error.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "failed to delete scheduled job %s", id)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("scheduled job %s", id)
		}
		return nil, err
	}
	return job, nil
}

// LoadJobs returns every persisted job ordered by next run
func (s *Store) LoadJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY next_run_at ASC, id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list scheduled jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                                Job
		kind, priority, status, lastStatus string
		intervalSeconds                    int64
		cronExpr, specJSON, historyJSON    string
		nextRunAt, createdAt, updatedAt    string
		lastRunAt                          sql.NullString
	)
	err := row.Scan(
		&job.ID,
		&job.Spec.Name,
		&job.Spec.PipelineID,
		&kind,
		&intervalSeconds,
		&cronExpr,
		&priority,
		&status,
		&nextRunAt,
		&lastRunAt,
		&lastStatus,
		&job.LastError,
		&job.ExecutionCount,
		&job.FailureCount,
		&job.ConsecutiveFailures,
		&job.TotalCostSpent,
		&specJSON,
		&historyJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	// spec_json is authoritative for the spec; the flat columns exist for queries
	if err := json.Unmarshal([]byte(specJSON), &job.Spec); err != nil {
		return nil, errors.Wrapf(err, "failed to decode spec for job %s", job.ID)
	}
	if err := json.Unmarshal([]byte(historyJSON), &job.History); err != nil {
		return nil, errors.Wrapf(err, "failed to decode history for job %s", job.ID)
	}

	job.Status = Status(status)
	job.LastStatus = Status(lastStatus)
	job.Interval = time.Duration(intervalSeconds) * time.Second

	// Parse timestamps (return error if parsing fails - indicates data corruption or schema mismatch)
	if job.NextRunAt, err = parseTime(nextRunAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse next_run_at for job %s", job.ID)
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for job %s", job.ID)
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for job %s", job.ID)
	}
	if lastRunAt.Valid {
		t, err := parseTime(lastRunAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse last_run_at for job %s", job.ID)
		}
		job.LastRunAt = &t
	}
	return &job, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
