// Package arena provides the budgeted allocator backing compiler records.
// Nothing is freed individually; an arena is reset wholesale between
// compilations.
package arena

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/docker/go-units"
)

var ErrExhausted = errors.New("arena: budget exhausted")

// Unlimited disables the budget check.
const Unlimited int64 = -1

type Arena struct {
	budget   int64
	used     int64
	overflow bool
}

func New(budget int64) *Arena { return &Arena{budget: budget} }

// Charge accounts n bytes against the budget. Once a charge fails the arena
// stays overflowed until Reset.
func (a *Arena) Charge(n int64) error {
	if a.budget >= 0 && a.used+n > a.budget {
		a.overflow = true
		return fmt.Errorf("%w: need %s, %s of %s in use", ErrExhausted,
			units.BytesSize(float64(n)), units.BytesSize(float64(a.used)), units.BytesSize(float64(a.budget)))
	}
	a.used += n
	return nil
}

func (a *Arena) Used() int64      { return a.used }
func (a *Arena) Budget() int64    { return a.budget }
func (a *Arena) Overflowed() bool { return a.overflow }

func (a *Arena) SetBudget(budget int64) { a.budget = budget }

func (a *Arena) Reset() {
	a.used = 0
	a.overflow = false
}

func (a *Arena) String() string {
	if a.budget < 0 { return units.BytesSize(float64(a.used)) + " used, unlimited" }
	return units.BytesSize(float64(a.used)) + " of " + units.BytesSize(float64(a.budget))
}

// ChunkLen is the number of elements per slab chunk.
const ChunkLen = 256

// Handle is a stable 1-based index into a Slab. The zero Handle is nil.
type Handle uint32

// Slab hands out elements of T in fixed-size chunks. Pointers returned by
// Alloc and Get stay valid until Reset.
type Slab[T any] struct {
	arena    *Arena
	chunks   [][]T
	n        int
	elemSize int64
}

func NewSlab[T any](a *Arena) *Slab[T] {
	var zero T
	return &Slab[T]{arena: a, elemSize: int64(unsafe.Sizeof(zero))}
}

func (s *Slab[T]) Alloc() (Handle, *T, error) {
	if s.n == len(s.chunks)*ChunkLen {
		if err := s.arena.Charge(s.elemSize * ChunkLen); err != nil { return 0, nil, err }
		s.chunks = append(s.chunks, make([]T, ChunkLen))
	}
	i := s.n
	s.n++
	return Handle(i + 1), &s.chunks[i/ChunkLen][i%ChunkLen], nil
}

// Get returns the element for h, or nil for the zero handle.
func (s *Slab[T]) Get(h Handle) *T {
	if h == 0 || int(h) > s.n { return nil }
	i := int(h) - 1
	return &s.chunks[i/ChunkLen][i%ChunkLen]
}

func (s *Slab[T]) Len() int { return s.n }

// Reset forgets every element. The owning arena is reset separately.
func (s *Slab[T]) Reset() {
	s.chunks = nil
	s.n = 0
}

// Truncate forgets every element past the first n.
func (s *Slab[T]) Truncate(n int) {
	if n < s.n { s.n = n }
}
