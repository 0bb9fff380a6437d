package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// SimulatedCaller answers every request locally without contacting a
// backend. It is used for dry runs of pipelines and for tests.
type SimulatedCaller struct {
	// Latency is slept before answering; the context still wins
	Latency time.Duration

	// CompletionTokens caps the simulated completion size (default 32)
	CompletionTokens int
}

// Call implements Caller
func (s SimulatedCaller) Call(ctx context.Context, req Request) (*Response, error) {
	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	completion := s.CompletionTokens
	if completion <= 0 {
		completion = 32
	}
	if req.MaxTokens > 0 && completion > req.MaxTokens {
		completion = req.MaxTokens
	}

	task := req.TaskType
	if task == "" {
		task = "general"
	}
	return &Response{
		Content:          fmt.Sprintf("simulated %s response from %s", task, req.Key),
		PromptTokens:     estimateTokens(req.Prompt),
		CompletionTokens: completion,
	}, nil
}
