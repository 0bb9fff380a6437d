package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestValidationError_SurvivesWrapping(t *testing.T) {
	err := NewValidationError("job %q: interval required", "nightly")
	require.Error(t, err)
	assert.Equal(t, `job "nightly": interval required`, err.Error())
	assert.True(t, IsValidation(err))

	wrapped := Wrap(err, "schedule job")
	assert.True(t, IsValidation(wrapped))
	assert.False(t, IsTimeout(wrapped))

	// fmt wrapping is also understood by cockroachdb/errors
	assert.True(t, IsValidation(fmt.Errorf("outer: %w", err)))
}

func TestWrapValidation_Nil(t *testing.T) {
	assert.NoError(t, WrapValidation(nil, "ignored"))
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError(context.DeadlineExceeded, "job %s exceeded %s", "j1", "30s")
	assert.True(t, IsTimeout(err))
	assert.True(t, Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "job j1 exceeded 30s")

	bare := NewTimeoutError(nil, "node %s timed out", "A")
	assert.True(t, IsTimeout(bare))
}

func TestNodeError(t *testing.T) {
	cause := New("boom")
	err := WrapNodeError("B", 3, cause)

	assert.True(t, IsNodeExecution(err))
	assert.True(t, Is(err, cause))
	assert.Contains(t, err.Error(), "node B failed after 3 attempt(s)")
	assert.Contains(t, GetAllDetails(err), "node=B attempts=3")
	assert.NoError(t, WrapNodeError("B", 1, nil))
}

func TestNodeError_KeepsRateLimitMark(t *testing.T) {
	err := WrapNodeError("call", 2, NewRateLimitedError("openrouter-1"))
	assert.True(t, IsNodeExecution(err))
	assert.True(t, IsRateLimited(err))
}

func TestCapacityError(t *testing.T) {
	err := NewCapacityError("local-1", "all candidates above 90% token capacity")
	assert.True(t, IsCapacity(err))
	assert.Contains(t, GetAllDetails(err), "all candidates above 90% token capacity")
}

func TestNotFound(t *testing.T) {
	err := NewNotFoundError("job %s", "abc")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(nil))
	assert.False(t, IsValidation(nil))
}
