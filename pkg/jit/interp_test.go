package jit

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/xplshn/pxjit/pkg/ir"
	"github.com/xplshn/pxjit/pkg/pool"
)

// frameBase is the address the interpreter gives the frame pointer.
const frameBase = 0x10000

// machine executes operators directly on variables, without registers, as
// the reference the compiled code must agree with.
type machine struct {
	p     *Program
	gpr   map[ir.VarID]uint64
	vec   map[ir.VarID][4]uint32
	frame []byte

	cmpA, cmpB uint64
	cmpWide    bool
}

func (m *machine) set(v ir.VarID, x uint64) {
	if !m.p.vars[v].typ.Wide() { x &= 0xFFFFFFFF }
	m.gpr[v] = x
}

func (m *machine) mem(base ir.VarID, disp int64, size int) ([]byte, error) {
	addr := int64(m.gpr[base]) + disp - frameBase
	if addr < 0 || addr+int64(size) > int64(len(m.frame)) { return nil, fmt.Errorf("address %#x outside the frame", addr+frameBase) }
	return m.frame[addr : addr+int64(size)], nil
}

func (m *machine) cond(c ir.Cond) bool {
	a, b := m.cmpA, m.cmpB
	sa, sb := int64(a), int64(b)
	if !m.cmpWide {
		a, b = a&0xFFFFFFFF, b&0xFFFFFFFF
		sa, sb = int64(int32(a)), int64(int32(b))
	}
	switch c {
	case ir.CondE: return a == b
	case ir.CondNE: return a != b
	case ir.CondL: return sa < sb
	case ir.CondLE: return sa <= sb
	case ir.CondG: return sa > sb
	case ir.CondGE: return sa >= sb
	case ir.CondB: return a < b
	case ir.CondBE: return a <= b
	case ir.CondA: return a > b
	case ir.CondAE: return a >= b
	}
	panic(fmt.Sprintf("condition %s", c))
}

func lanes(f func(a, b float32) float32, x, y [4]uint32) [4]uint32 {
	var out [4]uint32
	for i := range out {
		out[i] = math.Float32bits(f(math.Float32frombits(x[i]), math.Float32frombits(y[i])))
	}
	return out
}

func bitwise(f func(a, b uint32) uint32, x, y [4]uint32) [4]uint32 {
	var out [4]uint32
	for i := range out {
		out[i] = f(x[i], y[i])
	}
	return out
}

var floatOps = map[ir.Op]func(a, b float32) float32{
	ir.OpVAdd: func(a, b float32) float32 { return a + b },
	ir.OpVSub: func(a, b float32) float32 { return a - b },
	ir.OpVMul: func(a, b float32) float32 { return a * b },
	ir.OpVDiv: func(a, b float32) float32 { return a / b },
	ir.OpVMin: func(a, b float32) float32 {
		if a < b { return a }
		return b
	},
	ir.OpVMax: func(a, b float32) float32 {
		if a > b { return a }
		return b
	},
}

var bitOps = map[ir.Op]func(a, b uint32) uint32{
	ir.OpVAnd:    func(a, b uint32) uint32 { return a & b },
	ir.OpVAndNot: func(a, b uint32) uint32 { return ^a & b },
	ir.OpVOr:     func(a, b uint32) uint32 { return a | b },
	ir.OpVXor:    func(a, b uint32) uint32 { return a ^ b },
}

// interpret runs ids against frame. Branch targets are looked up in ids.
func interpret(p *Program, ids []ir.OpID, frame []byte) error {
	m := &machine{p: p, gpr: map[ir.VarID]uint64{}, vec: map[ir.VarID][4]uint32{}, frame: frame}
	index := map[ir.OpID]int{}
	for i, id := range ids {
		index[id] = i
	}
	for pc, steps := 0, 0; pc < len(ids); steps++ {
		if steps > 1_000_000 { return fmt.Errorf("no return after %d steps", steps) }
		o := p.op(ids[pc])
		pc++
		r, a, b := o.Result, o.Operand[0], o.Operand[1]
		ga, gb := m.gpr[a], m.gpr[b]
		va, vb := m.vec[a], m.vec[b]
		switch o.Op {
		case ir.OpNop, ir.OpTarget, ir.OpLoopStart:
		case ir.OpEntry:
			m.gpr[ir.FrameVar] = frameBase
		case ir.OpJump:
			pc = index[o.Target]
		case ir.OpBranch, ir.OpLoopRepeat:
			if m.cond(o.Cond) { pc = index[o.Target] }
		case ir.OpRet:
			return nil

		case ir.OpMov: m.set(r, ga)
		case ir.OpLoadImm: m.set(r, uint64(o.Imm))
		case ir.OpAdd: m.set(r, ga+gb)
		case ir.OpSub: m.set(r, ga-gb)
		case ir.OpAnd: m.set(r, ga&gb)
		case ir.OpOr: m.set(r, ga|gb)
		case ir.OpXor: m.set(r, ga^gb)
		case ir.OpIMul: m.set(r, ga*gb)
		case ir.OpAddImm: m.set(r, ga+uint64(o.Imm))
		case ir.OpAndImm:
			// the 32-bit immediate of AND is sign-extended, except the low-dword mask
			mask := uint64(int64(int32(o.Imm)))
			if o.Imm == 0xFFFFFFFF { mask = 0xFFFFFFFF }
			m.set(r, ga&mask)
		case ir.OpShlImm: m.set(r, ga<<uint(o.Imm))
		case ir.OpShrImm:
			if !p.vars[r].typ.Wide() { ga &= 0xFFFFFFFF }
			m.set(r, ga>>uint(o.Imm))
		case ir.OpSarImm:
			if p.vars[r].typ.Wide() {
				m.set(r, uint64(int64(ga)>>uint(o.Imm)))
			} else {
				m.set(r, uint64(int32(ga)>>uint(o.Imm)))
			}
		case ir.OpNot: m.set(r, ^ga)
		case ir.OpNeg: m.set(r, -ga)
		case ir.OpLea: m.set(r, ga+gb*uint64(o.Scale)+uint64(o.Imm))
		case ir.OpCmp:
			m.cmpA, m.cmpB, m.cmpWide = ga, gb, p.vars[a].typ.Wide()
		case ir.OpCmpImm:
			m.cmpA, m.cmpB, m.cmpWide = ga, uint64(o.Imm), p.vars[a].typ.Wide()
		case ir.OpSetCC:
			var x uint64
			if m.cond(o.Cond) { x = 1 }
			m.set(r, x)
		case ir.OpLoad32, ir.OpLoad64, ir.OpStore32, ir.OpStore64:
			size := 4
			if o.Op == ir.OpLoad64 || o.Op == ir.OpStore64 { size = 8 }
			buf, err := m.mem(a, o.Imm, size)
			if err != nil { return fmt.Errorf("o%d (%s): %w", o.ID, o.Op, err) }
			switch o.Op {
			case ir.OpLoad32: m.set(r, uint64(binary.LittleEndian.Uint32(buf)))
			case ir.OpLoad64: m.set(r, binary.LittleEndian.Uint64(buf))
			case ir.OpStore32: binary.LittleEndian.PutUint32(buf, uint32(gb))
			case ir.OpStore64: binary.LittleEndian.PutUint64(buf, gb)
			}

		case ir.OpVMov: m.vec[r] = va
		case ir.OpVConst:
			var x [4]uint32
			copy(x[:], p.pool.Words(pool.ConstID(o.Imm)))
			m.vec[r] = x
		case ir.OpVLoad, ir.OpVLoad1, ir.OpVStore, ir.OpVStore1:
			n := 4
			if o.Op == ir.OpVLoad1 || o.Op == ir.OpVStore1 { n = 1 }
			buf, err := m.mem(a, o.Imm, 4*n)
			if err != nil { return fmt.Errorf("o%d (%s): %w", o.ID, o.Op, err) }
			if o.Op == ir.OpVLoad || o.Op == ir.OpVLoad1 {
				var x [4]uint32
				for i := 0; i < n; i++ {
					x[i] = binary.LittleEndian.Uint32(buf[4*i:])
				}
				m.vec[r] = x
			} else {
				for i := 0; i < n; i++ {
					binary.LittleEndian.PutUint32(buf[4*i:], vb[i])
				}
			}
		case ir.OpVAdd, ir.OpVSub, ir.OpVMul, ir.OpVDiv, ir.OpVMin, ir.OpVMax:
			m.vec[r] = lanes(floatOps[o.Op], va, vb)
		case ir.OpVAnd, ir.OpVAndNot, ir.OpVOr, ir.OpVXor:
			m.vec[r] = bitwise(bitOps[o.Op], va, vb)
		case ir.OpVCmp:
			var x [4]uint32
			for i := range x {
				fa, fb := math.Float32frombits(va[i]), math.Float32frombits(vb[i])
				var t bool
				switch o.Imm {
				case ir.CmpEQ: t = fa == fb
				case ir.CmpLT: t = fa < fb
				case ir.CmpLE: t = fa <= fb
				case ir.CmpNEQ: t = fa != fb
				case ir.CmpNLT: t = !(fa < fb)
				case ir.CmpNLE: t = !(fa <= fb)
				}
				if t { x[i] = 0xFFFFFFFF }
			}
			m.vec[r] = x
		case ir.OpVShuffle:
			sel := uint(o.Imm)
			m.vec[r] = [4]uint32{va[sel&3], va[sel>>2&3], vb[sel>>4&3], vb[sel>>6&3]}
		case ir.OpVSplat:
			m.vec[r] = [4]uint32{va[0], va[0], va[0], va[0]}
		case ir.OpVCvtIntToF:
			var x [4]uint32
			for i := range x {
				x[i] = math.Float32bits(float32(int32(va[i])))
			}
			m.vec[r] = x
		case ir.OpVCvtFToInt:
			var x [4]uint32
			for i := range x {
				x[i] = uint32(int32(math.Float32frombits(va[i])))
			}
			m.vec[r] = x
		case ir.OpVFromInt: m.vec[r] = [4]uint32{uint32(ga)}
		case ir.OpVToInt: m.set(r, uint64(va[0]))
		case ir.OpVMoveMask:
			var x uint64
			for i := range va {
				x |= uint64(va[i]>>31) << uint(i)
			}
			m.set(r, x)
		default:
			return fmt.Errorf("o%d: cannot interpret %s", o.ID, o.Op)
		}
	}
	return nil
}
