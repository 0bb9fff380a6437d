package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/conductor/db"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
	"github.com/teranos/conductor/pulse/pipeline"
	"github.com/teranos/conductor/pulse/schedule"
)

// Result is one finished pipeline run
type Result struct {
	ID           string          `json:"id"` // execution id
	JobID        string          `json:"job_id,omitempty"`
	PipelineID   string          `json:"pipeline_id"`
	Success      bool            `json:"success"`
	ErrorMessage string          `json:"error_message,omitempty"`
	NodeCount    int             `json:"node_count"`
	SkippedCount int             `json:"skipped_count"`
	StartedAt    time.Time       `json:"started_at"`
	Duration     time.Duration   `json:"duration"`
	Output       json.RawMessage `json:"output"`
}

// ResultStore persists pipeline results in the pipeline_results table
type ResultStore struct {
	db *sql.DB
}

// NewResultStore creates a new result store
func NewResultStore(conn *sql.DB) *ResultStore {
	return &ResultStore{db: conn}
}

// Save inserts one result
func (s *ResultStore) Save(ctx context.Context, r Result) error {
	output := string(r.Output)
	if output == "" {
		output = "{}"
	}
	var errMsg interface{}
	if r.ErrorMessage != "" {
		errMsg = r.ErrorMessage
	}

	query := `
		INSERT INTO pipeline_results (
			id, job_id, pipeline_id, success, error_message,
			node_count, skipped_count, started_at, duration_ms, output_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.JobID,
		r.PipelineID,
		r.Success,
		errMsg,
		r.NodeCount,
		r.SkippedCount,
		r.StartedAt.UTC().Format(time.RFC3339Nano),
		r.Duration.Milliseconds(),
		output,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save pipeline result %s", r.ID)
	}
	return nil
}

// ListByJob returns a job's most recent results, newest first
func (s *ResultStore) ListByJob(ctx context.Context, jobID string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, pipeline_id, success, error_message,
		       node_count, skipped_count, started_at, duration_ms, output_json
		FROM pipeline_results
		WHERE job_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, jobID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list results for job %s", jobID)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r          Result
			errMsg     sql.NullString
			startedAt  string
			durationMS int64
			output     string
		)
		if err := rows.Scan(&r.ID, &r.JobID, &r.PipelineID, &r.Success, &errMsg,
			&r.NodeCount, &r.SkippedCount, &startedAt, &durationMS, &output); err != nil {
			return nil, errors.Wrap(err, "failed to scan pipeline result")
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, errors.Wrapf(err, "failed to parse started_at for result %s", r.ID)
		}
		r.ErrorMessage = errMsg.String
		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.Output = json.RawMessage(output)
		results = append(results, r)
	}
	return results, rows.Err()
}

// RecordingExecutor persists every finished run of the wrapped executor.
// The job id is taken from the "job_id" input the scheduler injects.
type RecordingExecutor struct {
	inner schedule.PipelineExecutor
	store *ResultStore
	log   *zap.SugaredLogger
}

// NewRecordingExecutor wraps inner so that results land in store
func NewRecordingExecutor(inner schedule.PipelineExecutor, store *ResultStore, log *zap.SugaredLogger) *RecordingExecutor {
	return &RecordingExecutor{inner: inner, store: store, log: logger.AddDBSymbol(log)}
}

// Execute implements schedule.PipelineExecutor
func (e *RecordingExecutor) Execute(ctx context.Context, graph *pipeline.Graph, input map[string]any) (*pipeline.ExecutionContext, error) {
	ec, err := e.inner.Execute(ctx, graph, input)
	if ec == nil || (err != nil && ec.Count(pipeline.StatusNotStarted) == len(graph.Nodes)) {
		// rejected before any node ran
		return ec, err
	}

	jobID, _ := input["job_id"].(string)
	r := Result{
		ID:           ec.ExecutionID,
		JobID:        jobID,
		PipelineID:   graph.ID,
		Success:      err == nil && !ec.Failed(),
		NodeCount:    len(graph.Nodes),
		SkippedCount: ec.Count(pipeline.StatusSkipped),
		StartedAt:    ec.StartedAt,
		Duration:     ec.Duration(),
		Output:       encodeResults(ec.NodeResults, e.log),
	}
	if err != nil {
		r.ErrorMessage = err.Error()
	} else if ec.Failed() {
		r.ErrorMessage = ec.Errors[len(ec.Errors)-1].Error()
	}

	// the run's own context may already be cancelled
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if serr := e.store.Save(saveCtx, r); serr != nil {
		logf := e.log.Warnw
		if db.IsDatabaseClosed(serr) {
			// run outlived Stop
			logf = e.log.Debugw
		}
		logf("Failed to record pipeline result",
			logger.FieldExecutionID, r.ID,
			logger.FieldPipelineID, r.PipelineID,
			logger.FieldError, serr,
		)
	}
	return ec, err
}

func encodeResults(results map[string]any, log *zap.SugaredLogger) json.RawMessage {
	data, err := json.Marshal(results)
	if err != nil {
		log.Debugw("Pipeline output is not JSON-encodable", logger.FieldError, err)
		return json.RawMessage("{}")
	}
	return data
}
