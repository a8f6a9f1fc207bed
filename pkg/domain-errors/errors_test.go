package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(cause, CodeInternal, "save snapshot")

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.True(t, HasCode(err, CodeInternal))
	assert.Equal(t, "save snapshot: disk full", err.Error())
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, CodeInternal, "nothing"))
}

func TestHasCodeUsesOutermost(t *testing.T) {
	inner := New(CodeConflict, "version mismatch")
	outer := Wrap(inner, CodeInternal, "persist")

	assert.True(t, HasCode(outer, CodeInternal))
	assert.False(t, HasCode(outer, CodeConflict))
	assert.True(t, Is(outer, CodeConflict))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeNotFound, CodeOf(fmt.Errorf("lookup: %w", New(CodeNotFound, "missing"))))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}
