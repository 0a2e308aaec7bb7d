package jit

import (
	"fmt"

	"github.com/xplshn/pxjit/pkg/arena"
	"github.com/xplshn/pxjit/pkg/bitarray"
	"github.com/xplshn/pxjit/pkg/ir"
)

// Span is a maximal run of operators with a single entry and a single exit.
type Span struct {
	Index       int
	First, Last int // inclusive positions in the current order
	Providers   []int
	Consumers   []int
	LiveIn      bitarray.BitArray
	LiveOut     bitarray.BitArray
	Written     bitarray.BitArray
	Read        bitarray.BitArray // read before any write in the span

	gen      map[ir.VarID]ir.OpID
	reachIn  map[ir.VarID][]ir.OpID
	reachOut map[ir.VarID][]ir.OpID
}

func (s *Span) Len() int { return s.Last - s.First + 1 }

func (s *Span) String() string {
	return fmt.Sprintf("span %d [%d..%d] from %v to %v", s.Index, s.First, s.Last, s.Providers, s.Consumers)
}

func (p *Program) charge(n int, size int64, what string) error {
	if err := p.work.Charge(int64(n) * size); err != nil { return outOfMemory(what, err) }
	return nil
}

// indexOrder rebuilds the position side table from the current order.
func (p *Program) indexOrder() error {
	n := p.ops.Len() + 1
	if err := p.charge(n, 4, "positions"); err != nil { return err }
	p.pos = make([]int32, n)
	for i := range p.pos {
		p.pos[i] = -1
	}
	for i, id := range p.order {
		p.pos[id] = int32(i)
	}
	return nil
}

// Order returns the current operator order.
func (p *Program) Order() []ir.OpID { return p.order }

// Position reports where id sits in the current order, or -1.
func (p *Program) Position(id ir.OpID) int {
	if int(id) >= len(p.pos) { return -1 }
	return int(p.pos[id])
}

func (p *Program) Spans() []*Span { return p.spans }

// SpanOf reports the index of the span holding id, or -1.
func (p *Program) SpanOf(id ir.OpID) int {
	if int(id) >= len(p.spanOf) { return -1 }
	return int(p.spanOf[id])
}

// BuildSpanGraph splits the current order at control targets and after
// control transfers, wires span edges and computes liveness.
func (p *Program) BuildSpanGraph() error {
	if err := p.indexOrder(); err != nil { return err }
	if p.spanSlab == nil { p.spanSlab = arena.NewSlab[Span](p.work) }
	p.spanSlab.Reset()
	p.spans = p.spans[:0]
	if err := p.charge(len(p.pos), 4, "span index"); err != nil { return err }
	p.spanOf = make([]int32, len(p.pos))
	for i := range p.spanOf {
		p.spanOf[i] = -1
	}

	closeSpan := func(first, last int) error {
		_, s, err := p.spanSlab.Alloc()
		if err != nil { return outOfMemory("spans", err) }
		*s = Span{Index: len(p.spans), First: first, Last: last}
		for i := first; i <= last; i++ {
			p.spanOf[p.order[i]] = int32(s.Index)
		}
		p.spans = append(p.spans, s)
		return nil
	}

	start := 0
	for i, id := range p.order {
		o := p.op(id)
		if o.Has(ir.ControlTarget) && i > start {
			if err := closeSpan(start, i-1); err != nil { return err }
			start = i
		}
		if o.Has(ir.ControlTransfer) {
			if err := closeSpan(start, i); err != nil { return err }
			start = i + 1
		}
	}
	if start < len(p.order) {
		if err := closeSpan(start, len(p.order)-1); err != nil { return err }
	}

	addEdge := func(from, to int) {
		f := p.spans[from]
		for _, c := range f.Consumers {
			if c == to { return }
		}
		f.Consumers = append(f.Consumers, to)
		p.spans[to].Providers = append(p.spans[to].Providers, from)
	}
	for si, s := range p.spans {
		last := p.op(p.order[s.Last])
		if last.Has(ir.ControlTransfer) && last.Target != 0 {
			t := p.SpanOf(last.Target)
			if t < 0 { return internalf("o%d branches to o%d which is not in the operator order", last.ID, last.Target) }
			addEdge(si, t)
		}
		if !last.Has(ir.NoFallthrough) && si+1 < len(p.spans) { addEdge(si, si+1) }
	}

	p.computeLiveness()
	return nil
}

func (p *Program) computeLiveness() {
	for _, s := range p.spans {
		s.gen = make(map[ir.VarID]ir.OpID)
		for i := s.First; i <= s.Last; i++ {
			o := p.op(p.order[i])
			for _, v := range o.Reads() {
				if !s.Written.Has(int(v)) { s.Read.Set(int(v)) }
			}
			if o.Result != 0 {
				s.Written.Set(int(o.Result))
				s.gen[o.Result] = o.ID
			}
		}
	}
	for changed := true; changed; {
		changed = false
		for i := len(p.spans) - 1; i >= 0; i-- {
			s := p.spans[i]
			for _, c := range s.Consumers {
				if s.LiveOut.Union(p.spans[c].LiveIn) { changed = true }
			}
			in := s.LiveOut.Clone()
			in.Difference(s.Written)
			in.Union(s.Read)
			if s.LiveIn.Union(in) { changed = true }
		}
	}
}
