package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobError(t *testing.T) {
	original := errors.New("process exited with code 1")
	err := WrapJobError("job-123", "start", original)

	assert.Equal(t, "job job-123: operation start: process exited with code 1", err.Error())
	assert.ErrorIs(t, err, original)
	assert.True(t, IsJobError(err))

	id, ok := GetJobID(err)
	assert.True(t, ok)
	assert.Equal(t, "job-123", id)
}

func TestWrapJobError_NilPassthrough(t *testing.T) {
	assert.Nil(t, WrapJobError("job-123", "start", nil))
}

func TestResourceError(t *testing.T) {
	original := errors.New("already held")
	err := WrapResourceError("lpar01", "enqueue", original)

	assert.Equal(t, "resource lpar01: operation enqueue: already held", err.Error())
	assert.True(t, IsResourceError(err))
}

func TestSentinelClassification(t *testing.T) {
	wrapped := WrapJobError("job-1", "start", ErrSpawnFailed)
	assert.True(t, errors.Is(wrapped, ErrSpawnFailed))
	assert.False(t, errors.Is(wrapped, ErrJobNotFound))
}

func TestJoinErrors(t *testing.T) {
	assert.Nil(t, JoinErrors(nil, nil))

	single := errors.New("only one")
	assert.Equal(t, single, JoinErrors(nil, single))

	joined := JoinErrors(errors.New("a"), nil, errors.New("b"))
	assert.Contains(t, joined.Error(), "2 errors occurred")
	assert.Contains(t, joined.Error(), "* a")
	assert.Contains(t, joined.Error(), "* b")
}
