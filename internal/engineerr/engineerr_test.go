package engineerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("daemon unreachable")
	err := Wrap(Unavailable, "failed to create container", cause)

	require.Error(t, err)
	assert.Equal(t, Unavailable, KindOf(err))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "daemon unreachable")
}

func TestKindOfDefaultsToInternalError(t *testing.T) {
	assert.Equal(t, InternalError, KindOf(errors.New("plain")))
}

func TestIs(t *testing.T) {
	err := New(NotFound, "task not found")
	assert.True(t, Is(err, NotFound))
	assert.False(t, Is(err, Conflict))
}
