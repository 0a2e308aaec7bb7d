package jit

import (
	"math"

	"github.com/google/btree"

	"github.com/xplshn/pxjit/pkg/bitarray"
	"github.com/xplshn/pxjit/pkg/ir"
)

type readyOp struct {
	chain int
	rank  int
	id    ir.OpID
}

// Longest remaining chain first, then original order.
func readyLess(a, b readyOp) bool {
	if a.chain != b.chain { return a.chain > b.chain }
	return a.rank < b.rank
}

// Shuffle reorders the operators of every span to lower register pressure.
func (p *Program) Shuffle() error {
	if err := p.BuildInstructionGraph(); err != nil { return err }
	moved := 0
	for _, s := range p.spans {
		moved += p.ShuffleSpan(s)
	}
	p.log.Debug().Str("pass", "shuffle").Int("moved", moved).Msg("pass done")
	return nil
}

// ShuffleSpan list-schedules the movable part of s until a pass leaves every
// operator in place or ShufflePasses is reached. It returns how many
// positions changed in total.
func (p *Program) ShuffleSpan(s *Span) int {
	lo, hi := s.First, s.Last
	if p.op(p.order[lo]).Has(ir.ControlTarget) { lo++ }
	if p.op(p.order[hi]).Has(ir.ControlTransfer) { hi-- }
	if hi-lo < 1 { return 0 }

	total := 0
	for pass := 0; pass < p.cfg.ShufflePasses; pass++ {
		cur := append([]ir.OpID(nil), p.order[lo:hi+1]...)
		next := p.scheduleSpan(s, cur)
		variety := bitarray.New(len(cur))
		for i := range cur {
			if cur[i] != next[i] { variety.Set(i) }
		}
		copy(p.order[lo:], next)
		for i, id := range next {
			p.pos[id] = int32(lo + i)
		}
		total += variety.Count()
		if variety.Empty() { break }
	}
	return total
}

type schedState struct {
	uses    map[ir.VarID]int
	liveOut bitarray.BitArray
}

func (p *Program) scheduleSpan(s *Span, ids []ir.OpID) []ir.OpID {
	rank := make(map[ir.OpID]int, len(ids))
	for i, id := range ids {
		rank[id] = i
	}
	indeg := make(map[ir.OpID]int, len(ids))
	succs := make(map[ir.OpID][]ir.OpID, len(ids))
	st := schedState{uses: map[ir.VarID]int{}, liveOut: s.LiveOut}
	for _, id := range ids {
		for _, d := range p.before[id] {
			if _, ok := rank[d]; ok {
				indeg[id]++
				succs[d] = append(succs[d], id)
			}
		}
		for _, v := range p.op(id).Reads() {
			st.uses[v]++
		}
	}
	// ids is a valid topological order, so one backward sweep suffices.
	chain := make(map[ir.OpID]int, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		best := 0
		for _, c := range succs[ids[i]] {
			if chain[c] > best { best = chain[c] }
		}
		chain[ids[i]] = best + 1
	}

	ready := btree.NewG[readyOp](8, readyLess)
	for _, id := range ids {
		if indeg[id] == 0 { ready.ReplaceOrInsert(readyOp{chain: chain[id], rank: rank[id], id: id}) }
	}
	out := make([]ir.OpID, 0, len(ids))
	for ready.Len() > 0 {
		pick := p.ChooseNextOperator(ready, &st)
		ready.Delete(pick)
		out = append(out, pick.id)
		for _, v := range p.op(pick.id).Reads() {
			st.uses[v]--
		}
		for _, c := range succs[pick.id] {
			if indeg[c]--; indeg[c] == 0 { ready.ReplaceOrInsert(readyOp{chain: chain[c], rank: rank[c], id: c}) }
		}
	}
	assertf(len(out) == len(ids), "span %d has a dependency cycle", s.Index)
	return out
}

// ChooseNextOperator picks the ready operator with the lowest register
// pressure delta; ties go to the first in ready-set order.
func (p *Program) ChooseNextOperator(ready *btree.BTreeG[readyOp], st *schedState) readyOp {
	var best readyOp
	bestDelta := math.MaxInt
	ready.Ascend(func(it readyOp) bool {
		if d := p.pressureDelta(p.op(it.id), st); d < bestDelta {
			best, bestDelta = it, d
		}
		return true
	})
	return best
}

func (p *Program) pressureDelta(o *ir.Operator, st *schedState) int {
	d := 0
	if o.Result != 0 { d++ }
	for _, v := range o.Reads() {
		if v != ir.FrameVar && st.uses[v] == 1 && !st.liveOut.Has(int(v)) { d-- }
	}
	return d
}
