package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings.
const (
	// Identity
	FieldJobID       = "job_id"
	FieldJobName     = "job_name"
	FieldExecutionID = "execution_id"
	FieldPipelineID  = "pipeline_id"
	FieldNodeID      = "node_id"
	FieldBackendKey  = "backend_key"
	FieldProvider    = "provider"

	// Components
	FieldComponent = "component"
	FieldSymbol    = "symbol"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldNextRunAt  = "next_run_at"
	FieldAttempt    = "attempt"

	// Errors
	FieldError     = "error"
	FieldErrorKind = "error_kind"

	// Budget and capacity
	FieldCostUnits    = "cost_units"
	FieldDailySpent   = "daily_spent"
	FieldDailyLimit   = "daily_limit"
	FieldTokens       = "tokens"
	FieldAvailability = "availability"

	// Status
	FieldStatus = "status"
	FieldCount  = "count"
)

type contextKey string

const (
	jobIDKey       contextKey = "logger_job_id"
	executionIDKey contextKey = "logger_execution_id"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithExecutionID adds an execution ID to the context for logging
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if execID, ok := ctx.Value(executionIDKey).(string); ok && execID != "" {
		fields = append(fields, FieldExecutionID, execID)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	base = OrDefault(base)
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
//
//	t := usage.NewTracker(cfg, logger.ComponentLogger("usage"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
