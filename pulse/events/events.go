// Package events carries pipeline and job lifecycle notifications to
// injected listeners. It owns no transport.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/conductor/logger"
)

// Type names one lifecycle transition
type Type string

// Pipeline lifecycle
const (
	PipelineStarted   Type = "pipeline_started"
	PipelineCompleted Type = "pipeline_completed"
	PipelineFailed    Type = "pipeline_failed"
	NodeStarted       Type = "node_started"
	NodeCompleted     Type = "node_completed"
	NodeFailed        Type = "node_failed"
	NodeSkipped       Type = "node_skipped"
	NodeRetrying      Type = "node_retrying"
)

// Job lifecycle
const (
	JobScheduled Type = "job_scheduled"
	JobStarted   Type = "job_started"
	JobCompleted Type = "job_completed"
	JobFailed    Type = "job_failed"
	JobSkipped   Type = "job_skipped"
	JobCancelled Type = "job_cancelled"
)

// Event is either a ChainEvent or an AgentEvent
type Event interface {
	EventType() Type
	OccurredAt() time.Time
}

// ChainEvent reports a pipeline or node transition
type ChainEvent struct {
	Type        Type      `json:"type"`
	PipelineID  string    `json:"pipeline_id"`
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	Err         error     `json:"-"`
	At          time.Time `json:"at"`
}

// EventType implements Event
func (e ChainEvent) EventType() Type { return e.Type }

// OccurredAt implements Event
func (e ChainEvent) OccurredAt() time.Time { return e.At }

// AgentEvent reports a scheduled job transition
type AgentEvent struct {
	Type        Type      `json:"type"`
	JobID       string    `json:"job_id"`
	JobName     string    `json:"job_name"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Err         error     `json:"-"`
	At          time.Time `json:"at"`
}

// EventType implements Event
func (e AgentEvent) EventType() Type { return e.Type }

// OccurredAt implements Event
func (e AgentEvent) OccurredAt() time.Time { return e.At }

// Listener receives lifecycle events. Implementations must not block for long;
// events are delivered synchronously on the emitting goroutine.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(Event)

// OnEvent implements Listener
func (f ListenerFunc) OnEvent(e Event) { f(e) }

// Bus fans events out to every subscribed listener.
// A panicking listener is logged and does not affect the others.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
	log       *zap.SugaredLogger
}

// NewBus creates a bus with the given listeners
func NewBus(log *zap.SugaredLogger, listeners ...Listener) *Bus {
	b := &Bus{log: logger.OrDefault(log)}
	for _, l := range listeners {
		b.Subscribe(l)
	}
	return b
}

// Subscribe adds a listener; nil is ignored
func (b *Bus) Subscribe(l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// OnEvent lets a Bus be used wherever a Listener is expected
func (b *Bus) OnEvent(e Event) {
	b.Emit(e)
}

// Emit delivers e to every listener in subscription order
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		b.deliver(l, e)
	}
}

func (b *Bus) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorw("Event listener panicked",
				"event_type", e.EventType(),
				"panic", r,
			)
		}
	}()
	l.OnEvent(e)
}
