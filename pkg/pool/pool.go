// Package pool deduplicates literal data referenced by generated code and
// lays it out after the machine code.
package pool

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ConstID names one SnapData call. Identical literals get distinct ids that
// resolve to the same entry. 0 is reserved.
type ConstID uint32

// Widths supported by the pool, in 32-bit words.
var Widths = [...]int{4, 2, 1}

func widthIndex(words int) int {
	switch words {
	case 4: return 0
	case 2: return 1
	case 1: return 2
	}
	return -1
}

type entry struct {
	words  []uint32
	offset int
}

type table struct {
	entries []entry
	byHash  map[uint64][]int
}

type ref struct {
	width int // index into Widths
	entry int
}

type Storage struct {
	tables     [len(Widths)]table
	refs       []ref
	size       int
	compressed bool
}

func New() *Storage {
	s := &Storage{}
	s.Reset()
	return s
}

func (s *Storage) Reset() {
	for i := range s.tables {
		s.tables[i] = table{byHash: make(map[uint64][]int)}
	}
	s.refs = s.refs[:0]
	s.size = 0
	s.compressed = false
}

func key(words []uint32) uint64 {
	var buf [16]byte
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return xxhash.Sum64(buf[:len(words)*4])
}

func sameWords(a, b []uint32) bool {
	for i := range a {
		if a[i] != b[i] { return false }
	}
	return true
}

// Snap records a literal of 1, 2 or 4 words and returns its id.
func (s *Storage) Snap(words ...uint32) (ConstID, error) {
	wi := widthIndex(len(words))
	if wi < 0 { return 0, fmt.Errorf("pool: unsupported literal width %d words", len(words)) }
	t := &s.tables[wi]
	h := key(words)
	idx := -1
	for _, i := range t.byHash[h] {
		if sameWords(t.entries[i].words, words) {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = len(t.entries)
		t.entries = append(t.entries, entry{words: append([]uint32(nil), words...), offset: -1})
		t.byHash[h] = append(t.byHash[h], idx)
		s.compressed = false
	}
	s.refs = append(s.refs, ref{width: wi, entry: idx})
	return ConstID(len(s.refs)), nil
}

func (s *Storage) lookup(id ConstID) *ref {
	if id == 0 || int(id) > len(s.refs) { panic(fmt.Sprintf("pool: unknown constant %d", id)) }
	return &s.refs[id-1]
}

// Len is the number of Snap calls.
func (s *Storage) Len() int { return len(s.refs) }

// Unique is the number of distinct literals.
func (s *Storage) Unique() int {
	n := 0
	for _, t := range s.tables {
		n += len(t.entries)
	}
	return n
}

func (s *Storage) Width(id ConstID) int { return Widths[s.lookup(id).width] }

func (s *Storage) Words(id ConstID) []uint32 {
	r := s.lookup(id)
	return s.tables[r.width].entries[r.entry].words
}

// Compress assigns final offsets: 4-word entries first so every entry stays
// naturally aligned once the pool starts on a 16-byte boundary. It returns
// the number of unique entries.
func (s *Storage) Compress() int {
	off := 0
	for wi, t := range s.tables {
		for i := range t.entries {
			t.entries[i].offset = off
			off += Widths[wi] * 4
		}
	}
	s.size = off
	s.compressed = true
	return s.Unique()
}

// Offset is the pool-relative byte offset of id. Compress must run first.
func (s *Storage) Offset(id ConstID) int {
	if !s.compressed { panic("pool: offset requested before Compress") }
	r := s.lookup(id)
	return s.tables[r.width].entries[r.entry].offset
}

func (s *Storage) Size() int { return s.size }

// CopyData writes every entry at its offset into dst, which must hold Size
// bytes.
func (s *Storage) CopyData(dst []byte) {
	if !s.compressed { panic("pool: CopyData before Compress") }
	for _, t := range s.tables {
		for _, e := range t.entries {
			for i, w := range e.words {
				binary.LittleEndian.PutUint32(dst[e.offset+i*4:], w)
			}
		}
	}
}
