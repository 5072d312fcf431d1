package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs(t *testing.T) {
	base := errors.New("connection reset")
	err := New(Transport, "bus.subscribe", base)

	assert.True(t, Is(err, Transport))
	assert.False(t, Is(err, Timeout))
	assert.ErrorIs(t, err, base)

	wrapped := fmt.Errorf("await: %w", err)
	assert.True(t, Is(wrapped, Transport))
	assert.Equal(t, Transport, KindOf(wrapped))
}

func TestIsNested(t *testing.T) {
	inner := New(Validation, "tools.validate", errors.New("missing field"))
	outer := New(Persistence, "runs.fail", inner)
	assert.True(t, Is(outer, Persistence))
	assert.True(t, Is(outer, Validation))
	assert.Equal(t, Persistence, KindOf(outer))
}

func TestPersist(t *testing.T) {
	assert.NoError(t, Persist("op", nil))

	err := Persist("runs.get", errors.New("boom"))
	assert.True(t, Is(err, Persistence))

	v := New(Validation, "x", nil)
	assert.Same(t, v, Persist("runs.get", v))
	assert.Equal(t, "x: validation", v.Error())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "duplicate_resolution", DuplicateResolution.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
