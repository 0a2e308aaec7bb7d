package jit

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/xplshn/pxjit/pkg/ir"
)

// phiKey names the phi variable of v at the span starting with op.
type phiKey struct {
	span ir.OpID
	v    ir.VarID
}

type insertion struct {
	at int
	id ir.OpID
}

func copyOpFor(t ir.VarType) ir.Op {
	if t.Bank() == ir.BankVector { return ir.OpVMov }
	return ir.OpMov
}

// newVar allocates a compiler temporary. Temporaries are not subject to
// MaxVars.
func (p *Program) newVar(t ir.VarType) ir.VarID {
	p.vars = append(p.vars, varInfo{typ: t, slot: -1})
	return ir.VarID(len(p.vars) - 1)
}

// newOperator allocates an operator outside the recorded stream.
func (p *Program) newOperator(op ir.Op, result ir.VarID, operands ...ir.VarID) (*ir.Operator, error) {
	h, o, err := p.ops.Alloc()
	if err != nil { return nil, outOfMemory("operators", err) }
	*o = ir.Operator{ID: ir.OpID(h), Op: op, Result: result, Ref: op.Info().Ref}
	copy(o.Operand[:], operands)
	return o, nil
}

func (p *Program) insertOps(ins []insertion) {
	if len(ins) == 0 { return }
	sort.SliceStable(ins, func(i, j int) bool { return ins[i].at < ins[j].at })
	order := make([]ir.OpID, 0, len(p.order)+len(ins))
	k := 0
	for i, id := range p.order {
		for k < len(ins) && ins[k].at == i {
			order = append(order, ins[k].id)
			k++
		}
		order = append(order, id)
	}
	for ; k < len(ins); k++ {
		order = append(order, ins[k].id)
	}
	p.order = order
}

// phiResolved reports whether every provider of l is a phi copy of l.Var.
func (p *Program) phiResolved(l *Link) bool {
	for _, w := range l.Providers {
		o := p.op(w)
		if !o.Phi || o.Result != l.Var { return false }
	}
	return true
}

// ConvertToSSA makes every merged read go through a phi variable written by
// copies at the end of each predecessor span, then renames repeated
// non-phi writers so each variable has one.
func (p *Program) ConvertToSSA() error {
	if err := p.BuildDependencyGraph(); err != nil { return err }
	phis := map[phiKey]ir.VarID{}
	for round := 0; ; round++ {
		if round > len(p.spans)+2 { return internalf("SSA conversion did not converge after %d rounds", round) }
		var ins []insertion
		rewired := false
		for _, s := range p.spans {
			for i := s.First; i <= s.Last; i++ {
				o := p.op(p.order[i])
				for slot := 0; slot < 3; slot++ {
					l := p.LinkAt(o.ID, slot)
					if l == nil || !l.Merged() || p.phiResolved(l) { continue }
					key := phiKey{span: p.order[s.First], v: l.Var}
					pv, ok := phis[key]
					if !ok {
						pv = p.newVar(p.vars[l.Var].typ)
						phis[key] = pv
						for _, pi := range s.Providers {
							pred := p.spans[pi]
							if len(pred.reachOut[l.Var]) == 0 { continue }
							c, err := p.newOperator(copyOpFor(p.vars[l.Var].typ), pv, l.Var)
							if err != nil { return err }
							c.Phi = true
							at := pred.Last + 1
							if p.op(p.order[pred.Last]).Has(ir.ControlTransfer) { at = pred.Last }
							ins = append(ins, insertion{at: at, id: c.ID})
							p.stats.PhiCopies++
						}
					}
					o.Operand[slot] = pv
					rewired = true
				}
			}
		}
		if !rewired { break }
		p.insertOps(ins)
		if err := p.BuildDependencyGraph(); err != nil { return err }
	}
	p.renameWriters()
	if err := p.BuildDependencyGraph(); err != nil { return err }
	p.log.Debug().Str("pass", "ssa").Int("phis", len(phis)).Int("vars", len(p.vars)).Msg("pass done")
	return nil
}

func (p *Program) renameWriters() {
	writers := make([][]ir.OpID, len(p.vars))
	for _, id := range p.order {
		o := p.op(id)
		if o.Result != 0 && !o.Phi && o.Op != ir.OpEntry { writers[o.Result] = append(writers[o.Result], id) }
	}
	renamed := map[ir.OpID]ir.VarID{}
	for v, ws := range writers {
		if len(ws) < 2 { continue }
		for _, w := range ws[1:] {
			nv := p.newVar(p.vars[v].typ)
			p.op(w).Result = nv
			renamed[w] = nv
		}
	}
	if len(renamed) == 0 { return }
	for _, id := range p.order {
		o := p.op(id)
		for slot := 0; slot < 3; slot++ {
			l := p.LinkAt(id, slot)
			if l == nil || l.Merged() { continue }
			if nv, ok := renamed[l.Providers[0]]; ok { o.Operand[slot] = nv }
		}
	}
}

// CheckSSA verifies that every variable has exactly one non-phi writer, or
// only phi writers.
func (p *Program) CheckSSA() error {
	nonPhi := make([]int, len(p.vars))
	phi := make([]int, len(p.vars))
	for _, id := range p.order {
		o := p.op(id)
		if o.Result == 0 { continue }
		if o.Phi {
			phi[o.Result]++
		} else {
			nonPhi[o.Result]++
		}
	}
	var result error
	for v := range p.vars {
		if nonPhi[v] > 1 || (nonPhi[v] == 1 && phi[v] > 0) {
			result = multierror.Append(result, fmt.Errorf("v%d has %d writers and %d phi writers", v, nonPhi[v], phi[v]))
		}
	}
	return result
}
