package jit

import "github.com/xplshn/pxjit/pkg/ir"

// regsOf lists the registers an instruction touches, the frame register
// excluded.
func (p *Program) regsOf(m MInstr) []ir.Reg {
	if m.Kind != MOp { return []ir.Reg{m.Reg} }
	al := p.alloc[m.Op]
	var out []ir.Reg
	for _, r := range [...]ir.Reg{al.Result, al.Operand[0], al.Operand[1], al.Operand[2]} {
		if r.Valid() && r != ir.RAX { out = append(out, r) }
	}
	return out
}

func (p *Program) slotOf(m MInstr) (int32, bool) {
	if m.Kind != MOp { return m.Disp, true }
	if al := p.alloc[m.Op]; al.MemSlot >= 0 { return al.MemDisp, true }
	return 0, false
}

// canSwap reports whether the spill or reload m may trade places with its
// neighbor n: n must not be pinned in place, and the two share neither a
// register nor a frame slot.
func (p *Program) canSwap(m, n MInstr) bool {
	if n.Kind == MOp && p.op(n.Op).Has(ir.NoBubble) { return false }
	for _, a := range p.regsOf(m) {
		for _, b := range p.regsOf(n) {
			if a == b { return false }
		}
	}
	if d, ok := p.slotOf(n); ok && d == m.Disp { return false }
	return true
}

// Bubble moves every reload as early and every spill as late as its
// neighbors allow, so loads start sooner and stores leave the critical path.
// It returns the number of single-step moves.
func (p *Program) Bubble() int {
	mc := p.mcode
	moves := 0
	for i := 1; i < len(mc); i++ {
		if mc[i].Kind != MReload { continue }
		for j := i; j > 0 && mc[j-1].Kind != MSpill && p.canSwap(mc[j], mc[j-1]); j-- {
			mc[j], mc[j-1] = mc[j-1], mc[j]
			moves++
		}
	}
	for i := len(mc) - 2; i >= 0; i-- {
		if mc[i].Kind != MSpill { continue }
		for j := i; j+1 < len(mc) && mc[j+1].Kind != MReload && p.canSwap(mc[j], mc[j+1]); j++ {
			mc[j], mc[j+1] = mc[j+1], mc[j]
			moves++
		}
	}
	p.log.Debug().Str("pass", "bubble").Int("moves", moves).Msg("pass done")
	return moves
}
