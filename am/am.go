// Package am holds conductor's configuration: defaults, file and env loading,
// validation and live reload.
package am

import "time"

// Config represents the conductor configuration
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database" toml:"database" json:"database"`
	Pulse        PulseConfig        `mapstructure:"pulse" toml:"pulse" json:"pulse"`
	Budget       BudgetConfig       `mapstructure:"budget" toml:"budget" json:"budget"`
	Router       RouterConfig       `mapstructure:"router" toml:"router" json:"router"`
	Usage        UsageConfig        `mapstructure:"usage" toml:"usage" json:"usage"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline" toml:"pipeline" json:"pipeline"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" toml:"orchestrator" json:"orchestrator"`
	Backends     []BackendConfig    `mapstructure:"backends" toml:"backends" json:"backends"`
}

// DatabaseConfig configures the SQLite database.
// An empty path keeps all state in memory.
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" json:"path"`
}

// PulseConfig configures the scheduler tick loop
type PulseConfig struct {
	TickIntervalSeconds   int    `mapstructure:"tick_interval_seconds" toml:"tick_interval_seconds" json:"tick_interval_seconds"`
	MaxConcurrentJobs     int    `mapstructure:"max_concurrent_jobs" toml:"max_concurrent_jobs" json:"max_concurrent_jobs"`
	BusinessHoursStart    int    `mapstructure:"business_hours_start" toml:"business_hours_start" json:"business_hours_start"` // hour of day, inclusive
	BusinessHoursEnd      int    `mapstructure:"business_hours_end" toml:"business_hours_end" json:"business_hours_end"`       // hour of day, exclusive
	DefaultTimeoutSeconds int    `mapstructure:"default_timeout_seconds" toml:"default_timeout_seconds" json:"default_timeout_seconds"`
	RetryDelaySeconds     int    `mapstructure:"retry_delay_seconds" toml:"retry_delay_seconds" json:"retry_delay_seconds"`
	SelfTuning            bool   `mapstructure:"self_tuning" toml:"self_tuning" json:"self_tuning"`
	StatusLogEvery        int    `mapstructure:"status_log_every" toml:"status_log_every" json:"status_log_every"` // ticks between status lines, 0 = never
	Location              string `mapstructure:"location" toml:"location" json:"location"`                         // IANA name, "Local" = host zone
}

// BudgetConfig configures the daily cost budget.
// A limit of 0 disables the gate.
type BudgetConfig struct {
	DailyCostLimit float64 `mapstructure:"daily_cost_limit" toml:"daily_cost_limit" json:"daily_cost_limit"`
}

// RouterConfig configures backend selection
type RouterConfig struct {
	QualityFloor       float64 `mapstructure:"quality_floor" toml:"quality_floor" json:"quality_floor"`
	VarietyGateway     string  `mapstructure:"variety_gateway" toml:"variety_gateway" json:"variety_gateway"`
	MinAvailability    float64 `mapstructure:"min_availability" toml:"min_availability" json:"min_availability"`
	LatencyReferenceMS int     `mapstructure:"latency_reference_ms" toml:"latency_reference_ms" json:"latency_reference_ms"`

	// Matrix overrides capability scores: provider -> task type -> score in [0,1]
	Matrix map[string]map[string]float64 `mapstructure:"matrix" toml:"matrix,omitempty" json:"matrix,omitempty"`
}

// UsageConfig configures the usage tracker sweep
type UsageConfig struct {
	SweepIntervalSeconds int  `mapstructure:"sweep_interval_seconds" toml:"sweep_interval_seconds" json:"sweep_interval_seconds"`
	Persist              bool `mapstructure:"persist" toml:"persist" json:"persist"`
}

// PipelineConfig configures pipeline loading and execution
type PipelineConfig struct {
	Dir              string `mapstructure:"dir" toml:"dir" json:"dir"`
	MaxParallelNodes int    `mapstructure:"max_parallel_nodes" toml:"max_parallel_nodes" json:"max_parallel_nodes"` // 0 = unbounded
}

// OrchestratorConfig configures job definitions and backend call accounting
type OrchestratorConfig struct {
	JobsFile        string  `mapstructure:"jobs_file" toml:"jobs_file" json:"jobs_file"`
	CostPer1KTokens float64 `mapstructure:"cost_per_1k_tokens" toml:"cost_per_1k_tokens" json:"cost_per_1k_tokens"` // used when a backend reports no cost
}

// BackendConfig declares one routable backend key
type BackendConfig struct {
	Key               string   `mapstructure:"key" toml:"key" json:"key"`
	Provider          string   `mapstructure:"provider" toml:"provider" json:"provider"`
	TokensPerMinute   int      `mapstructure:"tokens_per_minute" toml:"tokens_per_minute" json:"tokens_per_minute"`
	RequestsPerMinute int      `mapstructure:"requests_per_minute" toml:"requests_per_minute" json:"requests_per_minute"`
	Capabilities      []string `mapstructure:"capabilities" toml:"capabilities" json:"capabilities"`
	Gateway           bool     `mapstructure:"gateway" toml:"gateway" json:"gateway"`
}

// TickInterval returns the tick period as a duration
func (p PulseConfig) TickInterval() time.Duration {
	return time.Duration(p.TickIntervalSeconds) * time.Second
}

// DefaultTimeout returns the default job timeout as a duration
func (p PulseConfig) DefaultTimeout() time.Duration {
	return time.Duration(p.DefaultTimeoutSeconds) * time.Second
}

// RetryDelay returns the job-level retry delay as a duration
func (p PulseConfig) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelaySeconds) * time.Second
}

// LoadLocation resolves the configured location, defaulting to the host zone
func (p PulseConfig) LoadLocation() (*time.Location, error) {
	if p.Location == "" || p.Location == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(p.Location)
}

// SweepInterval returns the usage sweep period
func (u UsageConfig) SweepInterval() time.Duration {
	return time.Duration(u.SweepIntervalSeconds) * time.Second
}

// LatencyReference returns the latency that scores as neutral in routing
func (r RouterConfig) LatencyReference() time.Duration {
	return time.Duration(r.LatencyReferenceMS) * time.Millisecond
}
