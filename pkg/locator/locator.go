// Package locator tracks where every variable currently lives while the
// register allocator walks a span: in which register, and whether its stack
// slot holds an up-to-date copy.
package locator

import (
	"fmt"
	"strings"

	"github.com/xplshn/pxjit/pkg/bitarray"
	"github.com/xplshn/pxjit/pkg/ir"
)

type Locator struct {
	owner  [ir.BankCount][ir.RegsPerBank]ir.VarID
	where  []ir.Reg
	inMem  bitarray.BitArray
	wasMem bitarray.BitArray
	pinned bitarray.BitArray
}

func New(numVars int) *Locator {
	l := &Locator{}
	l.growVars(numVars)
	return l
}

func (l *Locator) growVars(n int) {
	for len(l.where) < n {
		l.where = append(l.where, ir.NoReg)
	}
}

func (l *Locator) reg(v ir.VarID) ir.Reg {
	if int(v) >= len(l.where) { return ir.NoReg }
	return l.where[v]
}

// Pin binds v to r for the whole compilation. Pinned registers are never
// handed out or freed.
func (l *Locator) Pin(v ir.VarID, r ir.Reg) {
	l.growVars(int(v) + 1)
	l.pinned.Set(int(v))
	l.owner[r.Bank()][r.Index()] = v
	l.where[v] = r
}

func (l *Locator) IsPinned(v ir.VarID) bool { return l.pinned.Has(int(v)) }

// Setup resets the register state at a span entry: only pinned variables
// stay in registers and every live-in variable is in memory.
func (l *Locator) Setup(liveIn bitarray.BitArray) {
	for b := range l.owner {
		for i, v := range l.owner[b] {
			if v != 0 && !l.pinned.Has(int(v)) {
				l.owner[b][i] = 0
				l.where[v] = ir.NoReg
			}
		}
	}
	l.inMem = liveIn.Clone()
	l.inMem.Difference(l.pinned)
}

// ConsiderSetValue records that r now holds a freshly computed value of v.
// Any memory copy of v is stale afterwards.
func (l *Locator) ConsiderSetValue(v ir.VarID, r ir.Reg) {
	l.growVars(int(v) + 1)
	if old := l.where[v]; old != ir.NoReg && old != r {
		l.owner[old.Bank()][old.Index()] = 0
	}
	if prev := l.owner[r.Bank()][r.Index()]; prev != 0 && prev != v {
		l.where[prev] = ir.NoReg
	}
	l.owner[r.Bank()][r.Index()] = v
	l.where[v] = r
	l.inMem.Clear(int(v))
}

// ConsiderLoadReg records a reload of v from its slot into r.
func (l *Locator) ConsiderLoadReg(v ir.VarID, r ir.Reg) {
	if !l.inMem.Has(int(v)) { panic(fmt.Sprintf("locator: reload of v%d which is not in memory", v)) }
	l.growVars(int(v) + 1)
	if prev := l.owner[r.Bank()][r.Index()]; prev != 0 && prev != v {
		l.where[prev] = ir.NoReg
	}
	l.owner[r.Bank()][r.Index()] = v
	l.where[v] = r
}

// ConsiderSaveReg records a spill of the value held in r.
func (l *Locator) ConsiderSaveReg(r ir.Reg) {
	v := l.Owner(r)
	if v == 0 { return }
	l.inMem.Set(int(v))
	l.wasMem.Set(int(v))
}

func (l *Locator) ConsiderFreeReg(r ir.Reg) {
	v := l.Owner(r)
	if v == 0 || l.pinned.Has(int(v)) { return }
	l.owner[r.Bank()][r.Index()] = 0
	l.where[v] = ir.NoReg
}

func (l *Locator) ConsiderVarOutOfScope(v ir.VarID) {
	if l.pinned.Has(int(v)) { return }
	if r := l.reg(v); r != ir.NoReg { l.ConsiderFreeReg(r) }
	l.inMem.Clear(int(v))
}

// ConsiderScope drops every variable outside live.
func (l *Locator) ConsiderScope(live bitarray.BitArray) {
	for v := range l.where {
		id := ir.VarID(v)
		if !live.Has(v) && (l.where[v] != ir.NoReg || l.inMem.Has(v)) { l.ConsiderVarOutOfScope(id) }
	}
}

func (l *Locator) IsInMemory(v ir.VarID) bool { return l.inMem.Has(int(v)) }

func (l *Locator) IsInRegister(v ir.VarID) (ir.Reg, bool) {
	r := l.reg(v)
	return r, r != ir.NoReg
}

// WasInMemory reports whether v was ever spilled, i.e. already owns a slot.
func (l *Locator) WasInMemory(v ir.VarID) bool { return l.wasMem.Has(int(v)) }

func (l *Locator) Owner(r ir.Reg) ir.VarID {
	if !r.Valid() { return 0 }
	return l.owner[r.Bank()][r.Index()]
}

// Pressure counts registers of bank b held by unpinned variables.
func (l *Locator) Pressure(b ir.Bank) int {
	n := 0
	for _, v := range l.owner[b] {
		if v != 0 && !l.pinned.Has(int(v)) { n++ }
	}
	return n
}

func (l *Locator) Memory() bitarray.BitArray { return l.inMem.Clone() }

func (l *Locator) Fork() *Locator {
	return &Locator{
		owner:  l.owner,
		where:  append([]ir.Reg(nil), l.where...),
		inMem:  l.inMem.Clone(),
		wasMem: l.wasMem.Clone(),
		pinned: l.pinned.Clone(),
	}
}

// Agrees reports whether l and o keep the same variables of vars in memory.
func (l *Locator) Agrees(o *Locator, vars bitarray.BitArray) bool {
	a := l.inMem.Clone()
	a.Intersect(vars)
	b := o.inMem.Clone()
	b.Intersect(vars)
	return a.Equal(b)
}

func (l *Locator) String() string {
	var sb strings.Builder
	for b := range l.owner {
		for i, v := range l.owner[b] {
			if v != 0 { fmt.Fprintf(&sb, "%s=v%d ", ir.MakeReg(ir.Bank(b), i), v) }
		}
	}
	fmt.Fprintf(&sb, "mem=%s", l.inMem)
	return sb.String()
}
