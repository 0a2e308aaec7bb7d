package jit

import (
	"math"

	"github.com/google/btree"

	"github.com/xplshn/pxjit/pkg/bitarray"
	"github.com/xplshn/pxjit/pkg/ir"
	"github.com/xplshn/pxjit/pkg/pool"
)

type rethinkItem struct {
	pos int32
	id  ir.OpID
}

func rethinkLess(a, b rethinkItem) bool {
	if a.pos != b.pos { return a.pos < b.pos }
	return a.id < b.id
}

// reducer holds the state of one Reduce round. Operators rewritten in the
// round, and their neighbors, carry stale graph data and are left alone until
// the graph is rebuilt.
type reducer struct {
	p       *Program
	touched bitarray.BitArray
}

// Reduce applies the rewrite rules until none fires or ReduceRounds is
// reached. The dependency graph is rebuilt between rounds.
func (p *Program) Reduce() error {
	var next bitarray.BitArray
	for round := 0; round < p.cfg.ReduceRounds; round++ {
		if err := p.BuildDependencyGraph(); err != nil { return err }
		p.rethink = btree.NewG[rethinkItem](8, rethinkLess)
		for i, id := range p.order {
			if round == 0 || next.Has(int(id)) || p.inputTouched(id, next) {
				p.rethink.ReplaceOrInsert(rethinkItem{pos: int32(i), id: id})
			}
		}
		r := &reducer{p: p}
		fired := 0
		for {
			it, ok := p.rethink.DeleteMin()
			if !ok { break }
			if r.touched.Has(int(it.id)) { continue }
			if r.reduceOperator(p.op(it.id)) { fired++ }
		}
		p.log.Debug().Str("pass", "reduce").Int("round", round).Int("rewrites", fired).Msg("pass done")
		if fired == 0 { break }
		next = r.touched
	}
	return p.BuildDependencyGraph()
}

// inputTouched reports whether a provider of id was rewritten last round.
func (p *Program) inputTouched(id ir.OpID, touched bitarray.BitArray) bool {
	for _, l := range p.Links(id) {
		for _, w := range l.Providers {
			if touched.Has(int(w)) { return true }
		}
	}
	return false
}

func (r *reducer) reduceOperator(o *ir.Operator) bool {
	if o.Op == ir.OpNop { return false }
	return r.RemoveUnused(o) ||
		r.RemoveAssignDown(o) ||
		r.RemoveAssignUp(o) ||
		r.OptimizeLoadDWord(o) ||
		r.OptimizeAndNot(o) ||
		r.OptimizePtrCompute(o) ||
		r.OptimizeIndicesUsage(o) ||
		r.OptimizePointersArithmetic(o)
}

// touch marks o and everything linked to it as stale for this round.
func (r *reducer) touch(ids ...ir.OpID) {
	for _, id := range ids {
		r.touched.Set(int(id))
		for _, l := range r.p.Links(id) {
			for _, w := range l.Providers {
				r.touched.Set(int(w))
			}
		}
		for _, c := range r.p.Consumers(id) {
			r.touched.Set(int(c))
		}
	}
}

func (r *reducer) fresh(id ir.OpID) bool { return !r.touched.Has(int(id)) }

// provider returns the single, untouched provider of slot when it sits
// earlier in the same span as o.
func (r *reducer) provider(o *ir.Operator, slot int) *ir.Operator {
	w := r.p.Provider(o.ID, slot)
	if w == 0 || !r.fresh(w) { return nil }
	if r.p.SpanOf(w) != r.p.SpanOf(o.ID) || r.p.Position(w) >= r.p.Position(o.ID) { return nil }
	wo := r.p.op(w)
	if wo.Op == ir.OpNop || wo.Op == ir.OpEntry || wo.Phi { return nil }
	return wo
}

func (r *reducer) soleConsumer(w, o *ir.Operator) bool {
	cs := r.p.Consumers(w.ID)
	return len(cs) == 1 && cs[0] == o.ID
}

// VarUnchangedInBetween reports whether no operator at positions [from, to)
// writes v.
func (p *Program) VarUnchangedInBetween(v ir.VarID, from, to int) bool {
	for i := from; i < to; i++ {
		if p.op(p.order[i]).Result == v { return false }
	}
	return true
}

func (p *Program) varUnreadInBetween(v ir.VarID, from, to int) bool {
	for i := from; i < to; i++ {
		if p.op(p.order[i]).Uses(v) { return false }
	}
	return true
}

func (p *Program) effectsInBetween(from, to int) bool {
	for i := from; i < to; i++ {
		if p.op(p.order[i]).Has(ir.OutsideEffect) { return true }
	}
	return false
}

// flagsObserved reports whether a later operator in o's span reads the flags
// o writes.
func (p *Program) flagsObserved(o *ir.Operator) bool {
	if !o.Has(ir.WritesFlags) { return false }
	s := p.spans[p.SpanOf(o.ID)]
	for i := p.Position(o.ID) + 1; i <= s.Last; i++ {
		n := p.op(p.order[i])
		if n.Has(ir.ReadsFlags) { return true }
		if n.Has(ir.WritesFlags) { return false }
	}
	return false
}

// NopifyOperator turns o into a no-op; compactOrder drops it later.
func (p *Program) NopifyOperator(o *ir.Operator) {
	*o = ir.Operator{ID: o.ID, Op: ir.OpNop}
	p.stats.Removed++
}

func fitsInt32(v int64) bool { return v >= math.MinInt32 && v <= math.MaxInt32 }

// RemoveUnused drops operators whose result and flags nobody observes.
func (r *reducer) RemoveUnused(o *ir.Operator) bool {
	if o.Op == ir.OpEntry || o.Has(ir.OutsideEffect) || o.Has(ir.ControlTransfer) || o.Has(ir.ControlTarget) { return false }
	if !r.fresh(o.ID) || len(r.p.Consumers(o.ID)) > 0 || r.p.flagsObserved(o) { return false }
	r.touch(o.ID)
	r.p.NopifyOperator(o)
	return true
}

// RemoveAssignDown rewrites the readers of y = x to read x directly.
func (r *reducer) RemoveAssignDown(o *ir.Operator) bool {
	if !ir.IsCopy(o.Op) || o.Phi || !r.fresh(o.ID) { return false }
	x, y := o.Operand[0], o.Result
	if x == y || r.p.vars[x].typ != r.p.vars[y].typ { return false }
	cs := r.p.Consumers(o.ID)
	if len(cs) == 0 { return false }
	from := r.p.Position(o.ID) + 1
	for _, c := range cs {
		if !r.fresh(c) || r.p.SpanOf(c) != r.p.SpanOf(o.ID) { return false }
		for _, l := range r.p.Links(c) {
			if l.Var == y && (l.Merged() || l.Providers[0] != o.ID) { return false }
		}
		if !r.p.VarUnchangedInBetween(x, from, r.p.Position(c)) { return false }
	}
	for _, c := range cs {
		co := r.p.op(c)
		for _, l := range r.p.Links(c) {
			if l.Var == y { co.Operand[l.Slot] = x }
		}
	}
	r.touch(append([]ir.OpID{o.ID}, cs...)...)
	return true
}

// RemoveAssignUp makes the producer of x in y = x write y directly.
func (r *reducer) RemoveAssignUp(o *ir.Operator) bool {
	if !ir.IsCopy(o.Op) || o.Phi || !r.fresh(o.ID) { return false }
	w := r.provider(o, 0)
	if w == nil || !r.soleConsumer(w, o) { return false }
	x, y := o.Operand[0], o.Result
	if w.Result != x || r.p.vars[x].typ != r.p.vars[y].typ { return false }
	from, to := r.p.Position(w.ID)+1, r.p.Position(o.ID)
	if !r.p.VarUnchangedInBetween(y, from, to) || !r.p.varUnreadInBetween(y, from, to) { return false }
	r.touch(w.ID, o.ID)
	w.Result = y
	r.p.NopifyOperator(o)
	return true
}

// OptimizeLoadDWord folds a 64-bit load masked to its low dword into a 32-bit
// load.
func (r *reducer) OptimizeLoadDWord(o *ir.Operator) bool {
	if o.Op != ir.OpAndImm || o.Imm != 0xFFFFFFFF || !r.fresh(o.ID) || r.p.flagsObserved(o) { return false }
	w := r.provider(o, 0)
	if w == nil || w.Op != ir.OpLoad64 || !r.soleConsumer(w, o) { return false }
	from, to := r.p.Position(w.ID)+1, r.p.Position(o.ID)
	if r.p.effectsInBetween(from, to) || !r.p.VarUnchangedInBetween(w.Operand[0], from, to) { return false }
	r.touch(w.ID, o.ID)
	o.Op, o.Ref = ir.OpLoad32, ir.RefMem
	o.Operand = [3]ir.VarID{w.Operand[0]}
	o.Imm = w.Imm
	r.p.NopifyOperator(w)
	return true
}

func (r *reducer) isAllOnes(v *ir.Operator) bool {
	if v == nil || v.Op != ir.OpVConst { return false }
	words := r.p.pool.Words(pool.ConstID(v.Imm))
	if len(words) != 4 { return false }
	for _, w := range words {
		if w != 0xFFFFFFFF { return false }
	}
	return true
}

// OptimizeAndNot turns (a ^ ones) & b into andnot(a, b).
func (r *reducer) OptimizeAndNot(o *ir.Operator) bool {
	if o.Op != ir.OpVAnd || !r.fresh(o.ID) { return false }
	for i := 0; i < 2; i++ {
		w := r.provider(o, i)
		if w == nil || w.Op != ir.OpVXor || !r.soleConsumer(w, o) { continue }
		for j := 0; j < 2; j++ {
			if !r.isAllOnes(r.provider(w, j)) { continue }
			a, b := w.Operand[1-j], o.Operand[1-i]
			// x & x would lose its only writer
			if b == w.Result { continue }
			if !r.p.VarUnchangedInBetween(a, r.p.Position(w.ID)+1, r.p.Position(o.ID)) { continue }
			r.touch(w.ID, o.ID)
			o.Op = ir.OpVAndNot
			o.Operand = [3]ir.VarID{a, b}
			r.p.NopifyOperator(w)
			return true
		}
	}
	return false
}

// OptimizePtrCompute folds two chained immediate additions into one.
func (r *reducer) OptimizePtrCompute(o *ir.Operator) bool {
	if o.Op != ir.OpAddImm || !r.fresh(o.ID) || r.p.flagsObserved(o) { return false }
	w := r.provider(o, 0)
	if w == nil || w.Op != ir.OpAddImm || !r.soleConsumer(w, o) || r.p.flagsObserved(w) { return false }
	if r.p.vars[w.Operand[0]].typ != r.p.vars[o.Result].typ || !fitsInt32(w.Imm+o.Imm) { return false }
	if !r.p.VarUnchangedInBetween(w.Operand[0], r.p.Position(w.ID)+1, r.p.Position(o.ID)) { return false }
	r.touch(w.ID, o.ID)
	o.Operand[0] = w.Operand[0]
	o.Imm += w.Imm
	r.p.NopifyOperator(w)
	return true
}

// OptimizeIndicesUsage folds base+imm into the displacement of a memory
// access.
func (r *reducer) OptimizeIndicesUsage(o *ir.Operator) bool {
	if !ir.IsMemoryAccess(o.Op) || !r.fresh(o.ID) { return false }
	w := r.provider(o, 0)
	if w == nil || w.Op != ir.OpAddImm || !r.p.vars[w.Result].typ.Wide() { return false }
	if !r.p.vars[w.Operand[0]].typ.Wide() || !fitsInt32(o.Imm+w.Imm) { return false }
	if !r.p.VarUnchangedInBetween(w.Operand[0], r.p.Position(w.ID)+1, r.p.Position(o.ID)) { return false }
	r.touch(w.ID, o.ID)
	o.Operand[0] = w.Operand[0]
	o.Imm += w.Imm
	return true
}

// OptimizePointersArithmetic turns base + (index << k) into a scaled lea, and
// folds a following immediate addition into the lea displacement.
func (r *reducer) OptimizePointersArithmetic(o *ir.Operator) bool {
	if !r.fresh(o.ID) || r.p.flagsObserved(o) || !r.p.vars[o.Result].typ.Wide() { return false }
	switch o.Op {
	case ir.OpAdd:
		for i := 0; i < 2; i++ {
			w := r.provider(o, i)
			if w == nil || w.Op != ir.OpShlImm || w.Imm < 1 || w.Imm > 3 { continue }
			if !r.soleConsumer(w, o) || r.p.flagsObserved(w) || !r.p.vars[w.Result].typ.Wide() { continue }
			idx, base := w.Operand[0], o.Operand[1-i]
			if base == w.Result || !r.p.vars[idx].typ.Wide() { continue }
			if !r.p.VarUnchangedInBetween(idx, r.p.Position(w.ID)+1, r.p.Position(o.ID)) { continue }
			r.touch(w.ID, o.ID)
			o.Op, o.Ref = ir.OpLea, ir.RefIndexed
			o.Operand = [3]ir.VarID{base, idx}
			o.Scale = 1 << uint(w.Imm)
			o.Imm = 0
			r.p.NopifyOperator(w)
			return true
		}
	case ir.OpAddImm:
		w := r.provider(o, 0)
		if w == nil || w.Op != ir.OpLea || !r.soleConsumer(w, o) || !fitsInt32(w.Imm+o.Imm) { return false }
		from, to := r.p.Position(w.ID)+1, r.p.Position(o.ID)
		for _, v := range w.Operand {
			if v != 0 && !r.p.VarUnchangedInBetween(v, from, to) { return false }
		}
		r.touch(w.ID, o.ID)
		o.Op, o.Ref = ir.OpLea, ir.RefIndexed
		o.Operand = w.Operand
		o.Scale = w.Scale
		o.Imm += w.Imm
		r.p.NopifyOperator(w)
		return true
	}
	return false
}

// compactOrder drops no-ops from the order.
func (p *Program) compactOrder() {
	out := p.order[:0]
	for _, id := range p.order {
		if p.op(id).Op != ir.OpNop { out = append(out, id) }
	}
	p.order = out
}
