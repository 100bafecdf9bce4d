package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetAddRemove(t *testing.T) {
	s := NewSet[int]()
	assert.True(t, s.IsEmpty())

	s.Add(3)
	s.Add(1)
	s.Add(3)
	assert.Equal(t, 2, s.Count())
	assert.True(t, s.Contains(1))
	assert.False(t, s.Contains(2))
	assert.Equal(t, []int{1, 3}, s.GetSorted())

	s.Remove(1)
	assert.False(t, s.Contains(1))
	assert.Equal(t, 1, s.Count())
}

func TestSetComplement(t *testing.T) {
	a := NewSetFrom([]int{1, 2, 3, 4})
	b := NewSetFrom([]int{2, 4})

	res := a.Complement(b)
	assert.Equal(t, []int{1, 3}, res.GetSorted())

	// a is left untouched
	assert.Equal(t, 4, a.Count())
}

func TestSetIntersect(t *testing.T) {
	a := NewSetFrom([]int{1, 2, 3})
	b := NewSetFrom([]int{2, 3, 4})

	assert.Equal(t, []int{2, 3}, a.Intersect(b).GetSorted())
	assert.True(t, a.Intersect(NewSet[int]()).IsEmpty())
}

func TestSetBulkOps(t *testing.T) {
	a := NewSetFrom([]int{1, 2})
	a.AddAll(NewSetFrom([]int{2, 3}))
	assert.Equal(t, []int{1, 2, 3}, a.GetSorted())

	a.RemoveAll(NewSetFrom([]int{1, 3}))
	assert.Equal(t, []int{2}, a.GetSorted())

	c := a.Clone()
	c.Add(9)
	assert.False(t, a.Contains(9))
}
