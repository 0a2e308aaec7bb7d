package jit

import (
	"fmt"
	"math"

	"github.com/xplshn/pxjit/pkg/config"
	"github.com/xplshn/pxjit/pkg/ir"
	"github.com/xplshn/pxjit/pkg/locator"
)

type MKind uint8

const (
	MOp MKind = iota
	MReload
	MSpill
)

// MInstr is one entry of the machine instruction list: an operator, or a
// reload/spill of Var between Reg and the frame slot at Disp.
type MInstr struct {
	Kind MKind
	Op   ir.OpID
	Var  ir.VarID
	Reg  ir.Reg
	Disp int32
}

func (m MInstr) String() string {
	switch m.Kind {
	case MReload: return fmt.Sprintf("reload v%d -> %s [frame+%d]", m.Var, m.Reg, m.Disp)
	case MSpill: return fmt.Sprintf("spill v%d <- %s [frame+%d]", m.Var, m.Reg, m.Disp)
	}
	return fmt.Sprintf("o%d", m.Op)
}

// Alloc is the register assignment of one operator.
type Alloc struct {
	Result  ir.Reg
	Operand [3]ir.Reg
	MemSlot int8 // operand slot encoded as a frame memory operand, or -1
	MemDisp int32
	Swapped bool // operands 0 and 1 exchanged for a commutative operator
}

const slotSize = 16

func align16(n int) int { return (n + 15) &^ 15 }

func (p *Program) spillBase() int { return align16(p.cfg.UserFrameSize) }

// FrameSize is the number of bytes the caller's frame must provide.
func (p *Program) FrameSize() int { return p.spillBase() + int(p.slots)*slotSize }

func (p *Program) slotDisp(v ir.VarID) int32 {
	return int32(p.spillBase()) + p.vars[v].slot*slotSize
}

// AllocOf returns the register assignment of id after compilation.
func (p *Program) AllocOf(id ir.OpID) Alloc { return p.alloc[id] }

// MachineCode returns the allocated instruction list.
func (p *Program) MachineCode() []MInstr { return p.mcode }

// PeakLocator returns the register state at the point of highest pressure.
func (p *Program) PeakLocator() *locator.Locator { return p.peak }

// ExitLocator is the register state at the end of span si, restricted to
// the span's live-out variables.
func (p *Program) ExitLocator(si int) *locator.Locator {
	if si < 0 || si >= len(p.exits) { return nil }
	return p.exits[si]
}

// Stats describes the last compilation.
func (p *Program) Stats() Stats { return p.stats }

type regSet [ir.BankCount]uint16

func (s *regSet) add(r ir.Reg)      { s[r.Bank()] |= 1 << uint(r.Index()) }
func (s regSet) has(r ir.Reg) bool  { return s[r.Bank()]&(1<<uint(r.Index())) != 0 }

type allocator struct {
	p    *Program
	loc  *locator.Locator
	s    *Span
	uses map[ir.VarID][]int
	peak int
}

// AllocateRegisters walks every span in order, assigning registers and
// emitting reloads and spills. Values cross span boundaries in memory only.
func (p *Program) AllocateRegisters() error {
	n := len(p.pos)
	if err := p.charge(n, 24, "register assignment"); err != nil { return err }
	p.alloc = make([]Alloc, n)
	p.mcode = p.mcode[:0]
	p.slots = 0
	for v := range p.vars {
		p.vars[v].slot = -1
	}

	a := &allocator{p: p, loc: locator.New(len(p.vars)), peak: -1}
	a.loc.Pin(ir.FrameVar, ir.RAX)
	p.peak = a.loc.Fork()
	exits := make([]*locator.Locator, len(p.spans))
	for _, s := range p.spans {
		if err := a.span(s); err != nil { return err }
		exits[s.Index] = a.loc.Fork()
	}
	p.exits = exits

	for _, s := range p.spans {
		if len(s.Providers) < 2 { continue }
		ref := exits[s.Providers[0]]
		for _, pi := range s.Providers[1:] {
			if !ref.Agrees(exits[pi], s.LiveIn) {
				return internalf("register state of spans %d and %d disagrees at merge span %d", s.Providers[0], pi, s.Index)
			}
		}
	}
	p.stats.PeakPressure = a.peak
	p.log.Debug().Str("pass", "regalloc").Int("spills", p.stats.Spills).Int("reloads", p.stats.Reloads).
		Int("slots", int(p.slots)).Int("peak", a.peak).Msg("pass done")
	return nil
}

func (a *allocator) span(s *Span) error {
	p := a.p
	a.s = s
	a.loc.Setup(s.LiveIn)
	s.LiveIn.ForEach(func(v int) {
		if ir.VarID(v) != ir.FrameVar { a.ensureSlot(ir.VarID(v)) }
	})
	a.uses = map[ir.VarID][]int{}
	for i := s.First; i <= s.Last; i++ {
		for _, v := range p.op(p.order[i]).Reads() {
			a.uses[v] = append(a.uses[v], i)
		}
	}
	terminated := false
	for i := s.First; i <= s.Last; i++ {
		o := p.op(p.order[i])
		if o.Op == ir.OpEntry {
			p.alloc[o.ID] = Alloc{Result: ir.RAX, Operand: [3]ir.Reg{ir.NoReg, ir.NoReg, ir.NoReg}, MemSlot: -1}
			if err := a.emit(MInstr{Kind: MOp, Op: o.ID}); err != nil { return err }
			continue
		}
		if o.Has(ir.ControlTransfer) {
			if err := a.storeLiveOut(); err != nil { return err }
			p.alloc[o.ID] = Alloc{Result: ir.NoReg, Operand: [3]ir.Reg{ir.NoReg, ir.NoReg, ir.NoReg}, MemSlot: -1}
			if err := a.emit(MInstr{Kind: MOp, Op: o.ID}); err != nil { return err }
			terminated = true
			continue
		}
		if err := a.operator(o, i); err != nil { return err }
		if pr := a.loc.Pressure(ir.BankGPR) + a.loc.Pressure(ir.BankVector); pr >= a.peak {
			a.peak = pr
			p.peak = a.loc.Fork()
		}
	}
	if !terminated {
		if err := a.storeLiveOut(); err != nil { return err }
	}
	a.loc.ConsiderScope(s.LiveOut)
	return nil
}

func (a *allocator) emit(m MInstr) error {
	if err := a.p.charge(1, 16, "machine instructions"); err != nil { return err }
	a.p.mcode = append(a.p.mcode, m)
	return nil
}

// nextUse is the first position after i where v is read in the span, or -1.
func (a *allocator) nextUse(v ir.VarID, i int) int {
	for _, u := range a.uses[v] {
		if u > i { return u }
	}
	return -1
}

func (a *allocator) ensureSlot(v ir.VarID) {
	if a.p.vars[v].slot < 0 {
		a.p.vars[v].slot = a.p.slots
		a.p.slots++
	}
}

func (a *allocator) spill(v ir.VarID, r ir.Reg) error {
	if !a.loc.WasInMemory(v) { a.ensureSlot(v) }
	if err := a.emit(MInstr{Kind: MSpill, Var: v, Reg: r, Disp: a.p.slotDisp(v)}); err != nil { return err }
	a.loc.ConsiderSaveReg(r)
	a.p.stats.Spills++
	return nil
}

func (a *allocator) reload(v ir.VarID, r ir.Reg) error {
	if !a.loc.IsInMemory(v) { return internalf("v%d is neither in a register nor in memory", v) }
	if err := a.emit(MInstr{Kind: MReload, Var: v, Reg: r, Disp: a.p.slotDisp(v)}); err != nil { return err }
	a.loc.ConsiderLoadReg(v, r)
	a.p.stats.Reloads++
	return nil
}

// takeReg returns a free register of bank b outside reserved, evicting the
// value whose next use is furthest away when none is free.
func (a *allocator) takeReg(b ir.Bank, reserved regSet, i int) (ir.Reg, error) {
	regs := a.p.cfg.Registers[b]
	for _, r := range regs {
		if a.loc.Owner(r) == 0 && !reserved.has(r) { return r, nil }
	}
	victim, far, clean := ir.NoReg, -1, false
	for _, r := range regs {
		v := a.loc.Owner(r)
		if reserved.has(r) || a.loc.IsPinned(v) { continue }
		dist := a.nextUse(v, i)
		if dist < 0 { dist = math.MaxInt }
		inMem := a.loc.IsInMemory(v)
		if dist > far || (dist == far && inMem && !clean) {
			victim, far, clean = r, dist, inMem
		}
	}
	if victim == ir.NoReg { return ir.NoReg, internalf("no %s register left at position %d", b, i) }
	v := a.loc.Owner(victim)
	needed := far != math.MaxInt || a.s.LiveOut.Has(int(v))
	if !clean && needed {
		if err := a.spill(v, victim); err != nil { return ir.NoReg, err }
	}
	a.loc.ConsiderFreeReg(victim)
	if !needed { a.loc.ConsiderVarOutOfScope(v) }
	return victim, nil
}

func (a *allocator) operator(o *ir.Operator, i int) error {
	p := a.p
	al := &p.alloc[o.ID]
	*al = Alloc{Result: ir.NoReg, Operand: [3]ir.Reg{ir.NoReg, ir.NoReg, ir.NoReg}, MemSlot: -1}

	var reserved regSet
	for slot, v := range o.Operand {
		if v == 0 { continue }
		if r, ok := a.loc.IsInRegister(v); ok {
			al.Operand[slot] = r
			reserved.add(r)
		}
	}
	memOK := p.cfg.IsFeatureEnabled(config.FeatMemOperands) && o.Has(ir.MemOperand)
	for slot, v := range o.Operand {
		if v == 0 || al.Operand[slot] != ir.NoReg { continue }
		if r, ok := a.loc.IsInRegister(v); ok {
			al.Operand[slot] = r
			continue
		}
		if slot == 1 && memOK && a.loc.IsInMemory(v) && o.Operand[0] != v {
			al.MemSlot, al.MemDisp = 1, p.slotDisp(v)
			continue
		}
		r, err := a.takeReg(p.vars[v].typ.Bank(), reserved, i)
		if err != nil { return err }
		if err := a.reload(v, r); err != nil { return err }
		al.Operand[slot] = r
		reserved.add(r)
	}

	for _, v := range o.Reads() {
		if a.loc.IsPinned(v) || a.nextUse(v, i) >= 0 { continue }
		live := a.s.LiveOut.Has(int(v)) && v != o.Result
		r, inReg := a.loc.IsInRegister(v)
		if live && inReg && !a.loc.IsInMemory(v) {
			if err := a.spill(v, r); err != nil { return err }
		}
		if inReg { a.loc.ConsiderFreeReg(r) }
		if !live { a.loc.ConsiderVarOutOfScope(v) }
	}

	if o.Result != 0 {
		r, err := a.resultReg(o, al, reserved, i)
		if err != nil { return err }
		a.loc.ConsiderSetValue(o.Result, r)
		al.Result = r
		if a.nextUse(o.Result, i) < 0 && !a.s.LiveOut.Has(int(o.Result)) { a.loc.ConsiderVarOutOfScope(o.Result) }
	}
	return a.emit(MInstr{Kind: MOp, Op: o.ID})
}

// resultReg prefers the register of operand 0 so two-address forms need no
// copy; any other operand register is excluded.
func (a *allocator) resultReg(o *ir.Operator, al *Alloc, reserved regSet, i int) (ir.Reg, error) {
	b := a.p.vars[o.Result].typ.Bank()
	usable := func(r ir.Reg) bool {
		if !r.Valid() || r.Bank() != b { return false }
		owner := a.loc.Owner(r)
		return owner == 0 || owner == o.Result
	}
	if r0 := al.Operand[0]; usable(r0) { return r0, nil }
	if r1 := al.Operand[1]; o.Has(ir.Commutative) && al.MemSlot < 0 && usable(r1) {
		al.Swapped = true
		al.Operand[0], al.Operand[1] = al.Operand[1], al.Operand[0]
		return r1, nil
	}
	if old, ok := a.loc.IsInRegister(o.Result); ok && !reserved.has(old) { return old, nil }
	return a.takeReg(b, reserved, i)
}

// storeLiveOut writes every dirty live-out value to its slot.
func (a *allocator) storeLiveOut() error {
	for b := ir.Bank(0); b < ir.BankCount; b++ {
		for _, r := range a.p.cfg.Registers[b] {
			v := a.loc.Owner(r)
			if v == 0 || !a.s.LiveOut.Has(int(v)) || a.loc.IsInMemory(v) { continue }
			if err := a.spill(v, r); err != nil { return err }
		}
	}
	return nil
}
