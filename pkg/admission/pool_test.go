package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPool_Default(t *testing.T) {
	assert.Equal(t, DefaultCapacity, NewPool(0).Capacity())
	assert.Equal(t, DefaultCapacity, NewPool(-3).Capacity())
	assert.Equal(t, 7, NewPool(7).Capacity())
}

func TestPool_AcquireRelease(t *testing.T) {
	p := NewPool(2)

	assert.True(t, p.TryAcquire())
	assert.True(t, p.TryAcquire())
	assert.False(t, p.TryAcquire())

	p.Release()
	assert.True(t, p.TryAcquire())

	p.Release()
	p.Release()
	p.Release() // extra release does not go negative
	_, inflight := p.Snapshot()
	assert.Equal(t, 0, inflight)
}

func TestPool_SetCapacity(t *testing.T) {
	p := NewPool(1)
	assert.True(t, p.TryAcquire())

	assert.Equal(t, 1, p.SetCapacity(0))
	assert.False(t, p.TryAcquire())

	assert.Equal(t, 0, p.SetCapacity(2))
	assert.True(t, p.TryAcquire())
	assert.False(t, p.TryAcquire())
}
