package am

import "github.com/teranos/conductor/errors"

// Validate checks that the configuration is valid.
// Every failure is marked errors.ErrValidation.
func (c *Config) Validate() error {
	if c.Pulse.TickIntervalSeconds <= 0 {
		return errors.NewValidationError("pulse.tick_interval_seconds must be > 0, got %d", c.Pulse.TickIntervalSeconds)
	}
	if c.Pulse.MaxConcurrentJobs <= 0 {
		return errors.NewValidationError("pulse.max_concurrent_jobs must be > 0, got %d", c.Pulse.MaxConcurrentJobs)
	}
	if c.Pulse.BusinessHoursStart < 0 || c.Pulse.BusinessHoursStart > 23 {
		return errors.NewValidationError("pulse.business_hours_start must be in [0,23], got %d", c.Pulse.BusinessHoursStart)
	}
	if c.Pulse.BusinessHoursEnd < 1 || c.Pulse.BusinessHoursEnd > 24 {
		return errors.NewValidationError("pulse.business_hours_end must be in [1,24], got %d", c.Pulse.BusinessHoursEnd)
	}
	if c.Pulse.BusinessHoursEnd <= c.Pulse.BusinessHoursStart {
		return errors.NewValidationError("pulse.business_hours_end (%d) must be after business_hours_start (%d)",
			c.Pulse.BusinessHoursEnd, c.Pulse.BusinessHoursStart)
	}
	if c.Pulse.DefaultTimeoutSeconds <= 0 {
		return errors.NewValidationError("pulse.default_timeout_seconds must be > 0, got %d", c.Pulse.DefaultTimeoutSeconds)
	}
	if c.Pulse.RetryDelaySeconds < 0 {
		return errors.NewValidationError("pulse.retry_delay_seconds must be >= 0, got %d", c.Pulse.RetryDelaySeconds)
	}
	if c.Pulse.StatusLogEvery < 0 {
		return errors.NewValidationError("pulse.status_log_every must be >= 0, got %d", c.Pulse.StatusLogEvery)
	}
	if _, err := c.Pulse.LoadLocation(); err != nil {
		return errors.WrapValidation(err, "pulse.location")
	}

	// zero means no limit
	if c.Budget.DailyCostLimit < 0 {
		return errors.NewValidationError("budget.daily_cost_limit must be >= 0, got %f", c.Budget.DailyCostLimit)
	}

	if c.Router.QualityFloor < 0 || c.Router.QualityFloor > 1 {
		return errors.NewValidationError("router.quality_floor must be in [0,1], got %f", c.Router.QualityFloor)
	}
	if c.Router.MinAvailability < 0 || c.Router.MinAvailability > 1 {
		return errors.NewValidationError("router.min_availability must be in [0,1], got %f", c.Router.MinAvailability)
	}
	if c.Router.LatencyReferenceMS <= 0 {
		return errors.NewValidationError("router.latency_reference_ms must be > 0, got %d", c.Router.LatencyReferenceMS)
	}

	for provider, tasks := range c.Router.Matrix {
		for task, score := range tasks {
			if score < 0 || score > 1 {
				return errors.NewValidationError("router.matrix.%s.%s must be in [0,1], got %f", provider, task, score)
			}
		}
	}

	if c.Usage.SweepIntervalSeconds <= 0 {
		return errors.NewValidationError("usage.sweep_interval_seconds must be > 0, got %d", c.Usage.SweepIntervalSeconds)
	}
	if c.Pipeline.MaxParallelNodes < 0 {
		return errors.NewValidationError("pipeline.max_parallel_nodes must be >= 0, got %d", c.Pipeline.MaxParallelNodes)
	}

	if c.Orchestrator.CostPer1KTokens < 0 {
		return errors.NewValidationError("orchestrator.cost_per_1k_tokens must be >= 0, got %f", c.Orchestrator.CostPer1KTokens)
	}

	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.Key == "" {
			return errors.NewValidationError("backends[%d].key cannot be empty", i)
		}
		if seen[b.Key] {
			return errors.NewValidationError("backends[%d]: duplicate key %q", i, b.Key)
		}
		seen[b.Key] = true
		if b.Provider == "" {
			return errors.NewValidationError("backend %q: provider cannot be empty", b.Key)
		}
		if b.TokensPerMinute < 0 || b.RequestsPerMinute < 0 {
			return errors.NewValidationError("backend %q: limits must be >= 0 (0 = unlimited)", b.Key)
		}
	}
	if c.Router.VarietyGateway != "" && len(c.Backends) > 0 && !seen[c.Router.VarietyGateway] {
		return errors.NewValidationError("router.variety_gateway %q is not a configured backend", c.Router.VarietyGateway)
	}

	return nil
}

