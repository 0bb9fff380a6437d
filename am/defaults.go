package am

import "github.com/spf13/viper"

// Default directory permissions for ~/.conductor
const DefaultDirPermissions = 0750

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "")

	v.SetDefault("pulse.tick_interval_seconds", 30)
	v.SetDefault("pulse.max_concurrent_jobs", 3)
	v.SetDefault("pulse.business_hours_start", 9)
	v.SetDefault("pulse.business_hours_end", 17)
	v.SetDefault("pulse.default_timeout_seconds", 300)
	v.SetDefault("pulse.retry_delay_seconds", 300)
	v.SetDefault("pulse.self_tuning", true)
	v.SetDefault("pulse.status_log_every", 10)
	v.SetDefault("pulse.location", "Local")

	v.SetDefault("budget.daily_cost_limit", 50.0)

	v.SetDefault("router.quality_floor", 0.5)
	v.SetDefault("router.variety_gateway", "")
	v.SetDefault("router.min_availability", 0.1)
	v.SetDefault("router.latency_reference_ms", 2000)

	v.SetDefault("usage.sweep_interval_seconds", 10)
	v.SetDefault("usage.persist", true)

	v.SetDefault("pipeline.dir", "pipelines")
	v.SetDefault("pipeline.max_parallel_nodes", 0)

	v.SetDefault("orchestrator.jobs_file", "jobs.toml")
	v.SetDefault("orchestrator.cost_per_1k_tokens", 0.1)
}
