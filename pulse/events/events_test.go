package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/conductor/errors"
)

func TestBus_FanOut(t *testing.T) {
	first, second := &Recorder{}, &Recorder{}
	bus := NewBus(nil, first, nil, second)

	bus.Emit(ChainEvent{Type: PipelineStarted, PipelineID: "p", At: time.Now()})
	bus.Emit(AgentEvent{Type: JobStarted, JobID: "j", At: time.Now()})

	assert.Equal(t, []Type{PipelineStarted, JobStarted}, first.Types())
	assert.Equal(t, []Type{PipelineStarted, JobStarted}, second.Types())
}

func TestBus_PanicIsolation(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	rec := &Recorder{}
	bus := NewBus(zap.New(core).Sugar(),
		ListenerFunc(func(Event) { panic("listener bug") }),
		rec,
	)

	assert.NotPanics(t, func() {
		bus.Emit(ChainEvent{Type: NodeFailed, NodeID: "A"})
	})
	assert.Equal(t, 1, rec.Count(NodeFailed), "later listeners still receive the event")
	assert.Equal(t, 1, logs.FilterMessage("Event listener panicked").Len())
}

func TestBus_NilSafe(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Emit(AgentEvent{Type: JobSkipped}) })
}

func TestBus_AsListener(t *testing.T) {
	rec := &Recorder{}
	inner := NewBus(nil, rec)
	outer := NewBus(nil, inner)

	outer.Emit(AgentEvent{Type: JobCancelled})
	assert.Equal(t, 1, rec.Count(JobCancelled))
}

func TestRecorder_NodeTypes(t *testing.T) {
	rec := &Recorder{}
	rec.OnEvent(ChainEvent{Type: NodeStarted, NodeID: "A"})
	rec.OnEvent(ChainEvent{Type: NodeStarted, NodeID: "B"})
	rec.OnEvent(ChainEvent{Type: NodeCompleted, NodeID: "A"})

	assert.Equal(t, []Type{NodeStarted, NodeCompleted}, rec.NodeTypes("A"))
	assert.Empty(t, rec.NodeTypes("C"))
}

func TestLogListener(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := LogListener(zap.New(core).Sugar())

	l.OnEvent(ChainEvent{Type: NodeCompleted, PipelineID: "p", NodeID: "A", Attempt: 1})
	l.OnEvent(AgentEvent{Type: JobFailed, JobID: "j", Err: errors.New("boom")})

	entries := logs.All()
	assert.Len(t, entries, 2)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "A", entries[0].ContextMap()["node_id"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "j", entries[1].ContextMap()["job_id"])
}
