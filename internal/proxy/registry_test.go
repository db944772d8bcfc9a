package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRegistry(t *testing.T) {
	r := newMessageRegistry()
	a, b, c := &ActiveMessage{}, &ActiveMessage{}, &ActiveMessage{}

	assert.True(t, r.empty())
	assert.Nil(t, r.front())

	r.insert(a)
	r.insert(b)
	r.insert(c)
	r.insert(b)

	assert.Equal(t, 3, r.size())
	assert.Equal(t, int64(3), r.live.Load())
	assert.Equal(t, []*ActiveMessage{a, b, c}, r.snapshot())
	assert.Less(t, a.handle, b.handle)
	assert.Less(t, b.handle, c.handle)
	assert.Same(t, a, r.front())

	assert.True(t, r.remove(b))
	assert.False(t, r.remove(b))
	assert.Equal(t, []*ActiveMessage{a, c}, r.snapshot())

	assert.True(t, r.remove(a))
	assert.Same(t, c, r.front())

	oldHandle := b.handle
	r.insert(b)
	assert.Greater(t, b.handle, oldHandle, "handles are never reused")
	assert.Equal(t, []*ActiveMessage{c, b}, r.snapshot())
}

func TestMessageRegistry_SweepToEmpty(t *testing.T) {
	r := newMessageRegistry()
	for i := 0; i < 5; i++ {
		r.insert(&ActiveMessage{})
	}

	visits := 0
	for !r.empty() {
		front := r.front()
		require.True(t, front.inserted)
		r.remove(front)
		visits++
	}
	assert.Equal(t, 5, visits)
	assert.Zero(t, r.live.Load())
}
