package bitarray

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func collect(b BitArray) []int {
	var out []int
	b.ForEach(func(i int) { out = append(out, i) })
	return out
}

func TestSetClearHas(t *testing.T) {
	var b BitArray
	b.Set(3)
	b.Set(64)
	b.Set(200)
	assert.True(t, b.Has(3))
	assert.True(t, b.Has(200))
	assert.False(t, b.Has(4))
	assert.False(t, b.Has(10000))
	assert.False(t, b.Has(-1))
	b.Clear(64)
	b.Clear(9999)
	if diff := cmp.Diff([]int{3, 200}, collect(b)); diff != "" {
		t.Errorf("bits mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, b.Count())
	assert.Equal(t, "{3 200}", b.String())
}

func TestSetOperations(t *testing.T) {
	a := New(10)
	a.Set(1)
	a.Set(2)
	b := New(130)
	b.Set(2)
	b.Set(129)

	u := a.Clone()
	assert.True(t, u.Union(b))
	assert.False(t, u.Union(b))
	assert.Equal(t, []int{1, 2, 129}, collect(u))

	i := u.Clone()
	i.Intersect(a)
	assert.Equal(t, []int{1, 2}, collect(i))

	d := u.Clone()
	d.Difference(b)
	assert.Equal(t, []int{1}, collect(d))

	assert.True(t, i.Equal(a))
	assert.False(t, u.Equal(a))
	assert.False(t, a.Empty())
	a.Reset()
	assert.True(t, a.Empty())
	assert.True(t, a.Equal(BitArray{}))
}
