package common

import (
	"sort"

	"golang.org/x/exp/constraints"
)

type Set[T constraints.Ordered] interface {
	Add(t T)
	AddAll(other Set[T])
	Remove(t T)
	RemoveAll(other Set[T])
	Contains(t T) bool
	Count() int
	IsEmpty() bool
	GetSorted() []T
	Complement(other Set[T]) Set[T]
	Intersect(other Set[T]) Set[T]
	Clone() Set[T]
}

func NewSet[T constraints.Ordered]() Set[T] {
	return &set[T]{
		Items: map[T]bool{},
	}
}

func NewSetFrom[T constraints.Ordered](i []T) Set[T] {
	s := NewSet[T]()
	for _, x := range i {
		s.Add(x)
	}
	return s
}

type set[T constraints.Ordered] struct {
	Items map[T]bool
}

func (s *set[T]) Add(t T) {
	s.Items[t] = true
}

func (s *set[T]) AddAll(other Set[T]) {
	for _, t := range other.GetSorted() {
		s.Add(t)
	}
}

func (s *set[T]) Remove(t T) {
	delete(s.Items, t)
}

func (s *set[T]) RemoveAll(other Set[T]) {
	for _, t := range other.GetSorted() {
		s.Remove(t)
	}
}

func (s *set[T]) Contains(t T) bool {
	_, found := s.Items[t]
	return found
}

func (s *set[T]) Count() int {
	return len(s.Items)
}

func (s *set[T]) IsEmpty() bool {
	return s.Count() == 0
}

// Complement Return a new Set which is the complement of the `current` set with `other`
// eg: `res = current - other`
func (s *set[T]) Complement(other Set[T]) Set[T] {
	res := NewSet[T]()
	for k := range s.Items {
		if !other.Contains(k) {
			res.Add(k)
		}
	}
	return res
}

// Intersect Return a new Set with the items present in both sets
func (s *set[T]) Intersect(other Set[T]) Set[T] {
	res := NewSet[T]()
	for k := range s.Items {
		if other.Contains(k) {
			res.Add(k)
		}
	}
	return res
}

func (s *set[T]) Clone() Set[T] {
	res := NewSet[T]()
	for k := range s.Items {
		res.Add(k)
	}
	return res
}

func (s *set[T]) GetSorted() []T {
	r := make([]T, 0)
	for k := range s.Items {
		r = append(r, k)
	}

	sort.SliceStable(r, func(i, j int) bool {
		return r[i] < r[j]
	})
	return r
}
