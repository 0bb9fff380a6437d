// Package sym defines the glyphs conductor uses in log fields and CLI output.
// These symbols are stable across CLI output and logs so they can be grepped.
package sym

// System markers
const (
	Pulse      = "꩜" // scheduler ticks and admissions
	PulseOpen  = "✿" // graceful start, execution opening
	PulseClose = "❀" // graceful stop, execution closing
	DB         = "⊔" // storage
	AM         = "≡" // configuration
)

// Orchestration markers
const (
	Chain = "⛓" // pipeline (DAG) executions
	Route = "⟶" // backend routing decisions
	Gauge = "◔" // usage tracker sweeps
)

// All returns every glyph keyed by its name.
func All() map[string]string {
	return map[string]string{
		"pulse":       Pulse,
		"pulse_open":  PulseOpen,
		"pulse_close": PulseClose,
		"db":          DB,
		"am":          AM,
		"chain":       Chain,
		"route":       Route,
		"gauge":       Gauge,
	}
}
