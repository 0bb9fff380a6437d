package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/conductor/logger"
)

// LogListener writes every event to a logger at debug level.
// Failures are logged at warn level.
func LogListener(log *zap.SugaredLogger) Listener {
	log = logger.OrDefault(log)
	return ListenerFunc(func(e Event) {
		switch ev := e.(type) {
		case ChainEvent:
			kv := []interface{}{
				"event", ev.Type,
				logger.FieldPipelineID, ev.PipelineID,
				logger.FieldExecutionID, ev.ExecutionID,
			}
			if ev.NodeID != "" {
				kv = append(kv, logger.FieldNodeID, ev.NodeID, logger.FieldAttempt, ev.Attempt)
			}
			if ev.Err != nil {
				log.Warnw("Chain event", append(kv, logger.FieldError, ev.Err)...)
				return
			}
			log.Debugw("Chain event", kv...)
		case AgentEvent:
			kv := []interface{}{
				"event", ev.Type,
				logger.FieldJobID, ev.JobID,
				logger.FieldJobName, ev.JobName,
				logger.FieldStatus, ev.Status,
			}
			if ev.Reason != "" {
				kv = append(kv, "reason", ev.Reason)
			}
			if ev.Err != nil {
				log.Warnw("Agent event", append(kv, logger.FieldError, ev.Err)...)
				return
			}
			log.Debugw("Agent event", kv...)
		}
	})
}

// Recorder keeps every event it receives, in order
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// OnEvent implements Listener
func (r *Recorder) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order
func (r *Recorder) Types() []Type {
	evs := r.Events()
	out := make([]Type, len(evs))
	for i, e := range evs {
		out[i] = e.EventType()
	}
	return out
}

// NodeTypes returns the types of chain events for one node, in order
func (r *Recorder) NodeTypes(nodeID string) []Type {
	var out []Type
	for _, e := range r.Events() {
		if ce, ok := e.(ChainEvent); ok && ce.NodeID == nodeID {
			out = append(out, ce.Type)
		}
	}
	return out
}

// Count returns how many events of type t were recorded
func (r *Recorder) Count(t Type) int {
	n := 0
	for _, e := range r.Events() {
		if e.EventType() == t {
			n++
		}
	}
	return n
}
