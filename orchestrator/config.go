package orchestrator

import (
	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/pulse/router"
	"github.com/teranos/conductor/pulse/schedule"
	"github.com/teranos/conductor/pulse/usage"
)

// SchedulerConfig translates the pulse and budget sections
func SchedulerConfig(cfg *am.Config) (schedule.Config, error) {
	loc, err := cfg.Pulse.LoadLocation()
	if err != nil {
		return schedule.Config{}, errors.WrapValidation(err, "pulse.location")
	}
	return schedule.Config{
		TickInterval:       cfg.Pulse.TickInterval(),
		MaxConcurrent:      cfg.Pulse.MaxConcurrentJobs,
		BusinessHoursStart: cfg.Pulse.BusinessHoursStart,
		BusinessHoursEnd:   cfg.Pulse.BusinessHoursEnd,
		DefaultTimeout:     cfg.Pulse.DefaultTimeout(),
		RetryDelay:         cfg.Pulse.RetryDelay(),
		DailyCostLimit:     cfg.Budget.DailyCostLimit,
		SelfTuning:         cfg.Pulse.SelfTuning,
		StatusLogEvery:     cfg.Pulse.StatusLogEvery,
		Location:           loc,
	}, nil
}

// RouterConfig translates the router section
func RouterConfig(cfg *am.Config) router.Config {
	return router.Config{
		QualityFloor:     cfg.Router.QualityFloor,
		VarietyGateway:   cfg.Router.VarietyGateway,
		MinAvailability:  cfg.Router.MinAvailability,
		LatencyReference: cfg.Router.LatencyReference(),
	}
}

// Backends translates the configured backend list
func Backends(cfg *am.Config) []usage.BackendConfig {
	out := make([]usage.BackendConfig, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		gateway := b.Gateway || (cfg.Router.VarietyGateway != "" && b.Key == cfg.Router.VarietyGateway)
		out = append(out, usage.BackendConfig{
			Key:               b.Key,
			Provider:          b.Provider,
			TokensPerMinute:   b.TokensPerMinute,
			RequestsPerMinute: b.RequestsPerMinute,
			Capabilities:      append([]string(nil), b.Capabilities...),
			Gateway:           gateway,
		})
	}
	return out
}
