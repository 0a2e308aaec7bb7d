// Package bitarray implements the growable bit vectors used for liveness
// sets and scheduler bookkeeping.
package bitarray

import (
	"math/bits"
	"strconv"
	"strings"
)

type BitArray struct {
	words []uint64
}

func New(n int) BitArray { return BitArray{words: make([]uint64, (n+63)/64)} }

func (b *BitArray) grow(i int) {
	if need := i/64 + 1; need > len(b.words) {
		b.words = append(b.words, make([]uint64, need-len(b.words))...)
	}
}

func (b *BitArray) Set(i int) {
	b.grow(i)
	b.words[i/64] |= 1 << (uint(i) % 64)
}

func (b *BitArray) Clear(i int) {
	if i/64 < len(b.words) { b.words[i/64] &^= 1 << (uint(i) % 64) }
}

func (b BitArray) Has(i int) bool {
	if i < 0 || i/64 >= len(b.words) { return false }
	return b.words[i/64]&(1<<(uint(i)%64)) != 0
}

func (b BitArray) Count() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

func (b BitArray) Empty() bool {
	for _, w := range b.words {
		if w != 0 { return false }
	}
	return true
}

// Union ORs o into b and reports whether b changed.
func (b *BitArray) Union(o BitArray) bool {
	if len(o.words) > len(b.words) { b.grow(len(o.words)*64 - 1) }
	changed := false
	for i, w := range o.words {
		if nw := b.words[i] | w; nw != b.words[i] {
			b.words[i] = nw
			changed = true
		}
	}
	return changed
}

func (b *BitArray) Intersect(o BitArray) {
	for i := range b.words {
		if i < len(o.words) {
			b.words[i] &= o.words[i]
		} else {
			b.words[i] = 0
		}
	}
}

func (b *BitArray) Difference(o BitArray) {
	for i := range b.words {
		if i < len(o.words) { b.words[i] &^= o.words[i] }
	}
}

func (b BitArray) Equal(o BitArray) bool {
	long, short := b.words, o.words
	if len(short) > len(long) { long, short = short, long }
	for i, w := range long {
		var v uint64
		if i < len(short) { v = short[i] }
		if w != v { return false }
	}
	return true
}

func (b BitArray) Clone() BitArray { return BitArray{words: append([]uint64(nil), b.words...)} }

func (b *BitArray) Reset() {
	for i := range b.words {
		b.words[i] = 0
	}
}

// ForEach calls fn for every set bit in ascending order.
func (b BitArray) ForEach(fn func(i int)) {
	for wi, w := range b.words {
		for w != 0 {
			t := bits.TrailingZeros64(w)
			fn(wi*64 + t)
			w &= w - 1
		}
	}
}

func (b BitArray) String() string {
	var parts []string
	b.ForEach(func(i int) { parts = append(parts, strconv.Itoa(i)) })
	return "{" + strings.Join(parts, " ") + "}"
}
