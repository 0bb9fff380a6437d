package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(-1))
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
	assert.Equal(t, "Info (-v)", LevelName(1))
}

func TestInitialize(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev })

	require.NoError(t, Initialize(true, VerbosityInfo))
	assert.True(t, JSONOutput)
	require.NotNil(t, Logger)

	require.NoError(t, Initialize(false, VerbosityDebug))
	assert.False(t, JSONOutput)
}

func TestOrDefault(t *testing.T) {
	assert.Same(t, Logger, OrDefault(nil))
	custom := zap.NewNop().Sugar()
	assert.Same(t, custom, OrDefault(custom))
}

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core).Sugar()

	ctx := WithExecutionID(WithJobID(context.Background(), "job-1"), "exec-9")
	FromContext(ctx, base).Infow("done")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "job-1", fields[FieldJobID])
	assert.Equal(t, "exec-9", fields[FieldExecutionID])
}

func TestAddPulseSymbol(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	AddPulseSymbol(zap.New(core).Sugar()).Infow("tick")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "꩜", logs.All()[0].ContextMap()[FieldSymbol])
}
