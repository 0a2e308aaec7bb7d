package arena

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChargeWithinBudget(t *testing.T) {
	a := New(100)
	require.NoError(t, a.Charge(60))
	require.NoError(t, a.Charge(40))
	assert.Equal(t, int64(100), a.Used())
	assert.False(t, a.Overflowed())

	err := a.Charge(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExhausted))
	assert.True(t, a.Overflowed())
	assert.Equal(t, int64(100), a.Used())

	a.Reset()
	assert.False(t, a.Overflowed())
	assert.Zero(t, a.Used())
}

func TestUnlimited(t *testing.T) {
	a := New(Unlimited)
	require.NoError(t, a.Charge(1<<40))
	assert.Contains(t, a.String(), "unlimited")
}

func TestZeroBudgetRejectsFirstChunk(t *testing.T) {
	s := NewSlab[int64](New(0))
	h, p, err := s.Alloc()
	require.ErrorIs(t, err, ErrExhausted)
	assert.Zero(t, h)
	assert.Nil(t, p)
}

func TestSlabHandlesStayStable(t *testing.T) {
	s := NewSlab[int](New(Unlimited))
	var ptrs []*int
	for i := 0; i < ChunkLen*3+5; i++ {
		h, p, err := s.Alloc()
		require.NoError(t, err)
		require.Equal(t, Handle(i+1), h)
		*p = i
		ptrs = append(ptrs, p)
	}
	for i, p := range ptrs {
		assert.Same(t, p, s.Get(Handle(i+1)))
		assert.Equal(t, i, *p)
	}
	assert.Nil(t, s.Get(0))
	assert.Nil(t, s.Get(Handle(len(ptrs)+1)))
	assert.Equal(t, len(ptrs), s.Len())
}

func TestSlabChargesPerChunk(t *testing.T) {
	a := New(Unlimited)
	s := NewSlab[uint32](a)
	_, _, err := s.Alloc()
	require.NoError(t, err)
	assert.Equal(t, int64(4*ChunkLen), a.Used())
	for i := 1; i < ChunkLen; i++ {
		_, _, err = s.Alloc()
		require.NoError(t, err)
	}
	assert.Equal(t, int64(4*ChunkLen), a.Used())
	_, _, err = s.Alloc()
	require.NoError(t, err)
	assert.Equal(t, int64(8*ChunkLen), a.Used())
}
