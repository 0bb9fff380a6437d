package router

// Task types known to the default capability matrix
const (
	TaskGeneral       = "general"
	TaskCode          = "code"
	TaskReasoning     = "reasoning"
	TaskExtraction    = "extraction"
	TaskSummarization = "summarization"
	TaskCreative      = "creative"
)

// CapabilityMatrix scores how well each provider handles each task type
type CapabilityMatrix struct {
	Scores  map[string]map[string]float64
	Default float64 // score for unknown provider/task pairs
}

// DefaultMatrix returns the built-in provider × task scores
func DefaultMatrix() CapabilityMatrix {
	return CapabilityMatrix{
		Scores: map[string]map[string]float64{
			"anthropic": {
				TaskGeneral: 0.9, TaskCode: 0.95, TaskReasoning: 0.95,
				TaskExtraction: 0.85, TaskSummarization: 0.9, TaskCreative: 0.9,
			},
			"openai": {
				TaskGeneral: 0.9, TaskCode: 0.9, TaskReasoning: 0.9,
				TaskExtraction: 0.9, TaskSummarization: 0.85, TaskCreative: 0.85,
			},
			"openrouter": {
				TaskGeneral: 0.8, TaskCode: 0.75, TaskReasoning: 0.75,
				TaskExtraction: 0.8, TaskSummarization: 0.8, TaskCreative: 0.8,
			},
			"local": {
				TaskGeneral: 0.6, TaskCode: 0.55, TaskReasoning: 0.4,
				TaskExtraction: 0.7, TaskSummarization: 0.65, TaskCreative: 0.5,
			},
		},
		Default: 0.5,
	}
}

// Score returns the provider's strength for taskType
func (m CapabilityMatrix) Score(provider, taskType string) float64 {
	if tasks, ok := m.Scores[provider]; ok {
		if s, ok := tasks[taskType]; ok {
			return s
		}
	}
	return m.Default
}

// Merge returns a copy of m with overrides applied on top
func (m CapabilityMatrix) Merge(overrides map[string]map[string]float64) CapabilityMatrix {
	out := CapabilityMatrix{
		Scores:  make(map[string]map[string]float64, len(m.Scores)+len(overrides)),
		Default: m.Default,
	}
	for provider, tasks := range m.Scores {
		cp := make(map[string]float64, len(tasks))
		for task, s := range tasks {
			cp[task] = s
		}
		out.Scores[provider] = cp
	}
	for provider, tasks := range overrides {
		if out.Scores[provider] == nil {
			out.Scores[provider] = make(map[string]float64, len(tasks))
		}
		for task, s := range tasks {
			out.Scores[provider][task] = s
		}
	}
	return out
}
