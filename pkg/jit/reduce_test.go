package jit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xplshn/pxjit/pkg/ir"
)

func reduce(t *testing.T, p *Program) {
	t.Helper()
	prepare(p)
	require.NoError(t, p.Reduce())
	p.compactOrder()
}

func countOps(p *Program, op ir.Op) int {
	n := 0
	for _, id := range p.Order() {
		if p.op(id).Op == op { n++ }
	}
	return n
}

func TestOptimizeLoadDWord(t *testing.T) {
	p := newTestProgram(t)
	x, lo := p.AllocVar(ir.TypeInt64), p.AllocVar(ir.TypeInt64)
	p.Load(ir.OpLoad64, x, ir.FrameVar, 8)
	mask := p.Imm(ir.OpAndImm, lo, x, 0xFFFFFFFF).ID
	p.Store(ir.OpStore64, ir.FrameVar, 0, lo)
	p.AddOperator(ir.OpRet, 0, 0, 0, 0)
	reduce(t, p)

	o := p.op(mask)
	assert.Equal(t, ir.OpLoad32, o.Op)
	assert.Equal(t, ir.RefMem, o.Ref)
	assert.Equal(t, ir.FrameVar, o.Operand[0])
	assert.Equal(t, int64(8), o.Imm)
	assert.Zero(t, countOps(p, ir.OpLoad64))
}

func TestOptimizeLoadDWordKeepsSharedLoad(t *testing.T) {
	p := newTestProgram(t)
	x, lo := p.AllocVar(ir.TypeInt64), p.AllocVar(ir.TypeInt64)
	p.Load(ir.OpLoad64, x, ir.FrameVar, 8)
	p.Imm(ir.OpAndImm, lo, x, 0xFFFFFFFF)
	p.Store(ir.OpStore64, ir.FrameVar, 0, lo)
	p.Store(ir.OpStore64, ir.FrameVar, 16, x)
	p.AddOperator(ir.OpRet, 0, 0, 0, 0)
	reduce(t, p)

	assert.Equal(t, 1, countOps(p, ir.OpLoad64))
	assert.Equal(t, 1, countOps(p, ir.OpAndImm))
}

func TestOptimizeAndNot(t *testing.T) {
	p := newTestProgram(t)
	a, b, ones := p.AllocVar(ir.TypeVec4), p.AllocVar(ir.TypeVec4), p.AllocVar(ir.TypeVec4)
	na, out := p.AllocVar(ir.TypeVec4), p.AllocVar(ir.TypeVec4)
	p.Load(ir.OpVLoad, a, ir.FrameVar, 0)
	p.Load(ir.OpVLoad, b, ir.FrameVar, 16)
	p.Const(ones, 0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF)
	p.AddOperator(ir.OpVXor, na, ones, a, 0)
	and := p.AddOperator(ir.OpVAnd, out, b, na, 0).ID
	p.Store(ir.OpVStore, ir.FrameVar, 32, out)
	p.AddOperator(ir.OpRet, 0, 0, 0, 0)
	reduce(t, p)

	o := p.op(and)
	assert.Equal(t, ir.OpVAndNot, o.Op)
	assert.Equal(t, [3]ir.VarID{a, b}, o.Operand)
	assert.Zero(t, countOps(p, ir.OpVXor))
	assert.Zero(t, countOps(p, ir.OpVConst), "the unused all-ones literal goes too")
}

func TestOptimizeAndNotNeedsAllOnes(t *testing.T) {
	p := newTestProgram(t)
	a, b, k := p.AllocVar(ir.TypeVec4), p.AllocVar(ir.TypeVec4), p.AllocVar(ir.TypeVec4)
	na, out := p.AllocVar(ir.TypeVec4), p.AllocVar(ir.TypeVec4)
	p.Load(ir.OpVLoad, a, ir.FrameVar, 0)
	p.Load(ir.OpVLoad, b, ir.FrameVar, 16)
	p.Const(k, 0xFFFFFFFF, 0, 0xFFFFFFFF, 0xFFFFFFFF)
	p.AddOperator(ir.OpVXor, na, a, k, 0)
	p.AddOperator(ir.OpVAnd, out, na, b, 0)
	p.Store(ir.OpVStore, ir.FrameVar, 32, out)
	p.AddOperator(ir.OpRet, 0, 0, 0, 0)
	reduce(t, p)

	assert.Zero(t, countOps(p, ir.OpVAndNot))
	assert.Equal(t, 1, countOps(p, ir.OpVXor))
}

func TestOptimizePtrComputeAndIndices(t *testing.T) {
	p := newTestProgram(t)
	lo, q, r := p.AllocVar(ir.TypeInt64), p.AllocVar(ir.TypeInt64), p.AllocVar(ir.TypeInt64)
	ptr := p.AllocVar(ir.TypePtr)
	p.Load(ir.OpLoad64, lo, ir.FrameVar, 0)
	p.Imm(ir.OpAddImm, q, lo, 5)
	sum := p.Imm(ir.OpAddImm, r, q, 7).ID
	p.Store(ir.OpStore64, ir.FrameVar, 8, r)
	p.Imm(ir.OpAddImm, ptr, ir.FrameVar, 24)
	st := p.Store(ir.OpStore64, ptr, 8, lo).ID
	p.AddOperator(ir.OpRet, 0, 0, 0, 0)
	reduce(t, p)

	o := p.op(sum)
	assert.Equal(t, ir.OpAddImm, o.Op)
	assert.Equal(t, lo, o.Operand[0])
	assert.Equal(t, int64(12), o.Imm)

	s := p.op(st)
	assert.Equal(t, ir.FrameVar, s.Operand[0])
	assert.Equal(t, int64(32), s.Imm)
	assert.Equal(t, 1, countOps(p, ir.OpAddImm))
	assert.Equal(t, 2, p.Stats().Removed)
}

func TestOptimizePointersArithmetic(t *testing.T) {
	p := newTestProgram(t)
	base, i, idx := p.AllocVar(ir.TypeInt64), p.AllocVar(ir.TypeInt64), p.AllocVar(ir.TypeInt64)
	addr, addr2 := p.AllocVar(ir.TypeInt64), p.AllocVar(ir.TypeInt64)
	p.Load(ir.OpLoad64, base, ir.FrameVar, 0)
	p.Load(ir.OpLoad64, i, ir.FrameVar, 8)
	p.Imm(ir.OpShlImm, idx, i, 2)
	p.AddOperator(ir.OpAdd, addr, idx, base, 0)
	lea := p.Imm(ir.OpAddImm, addr2, addr, -4).ID
	p.Store(ir.OpStore64, ir.FrameVar, 16, addr2)
	p.AddOperator(ir.OpRet, 0, 0, 0, 0)
	reduce(t, p)

	o := p.op(lea)
	assert.Equal(t, ir.OpLea, o.Op)
	assert.Equal(t, ir.RefIndexed, o.Ref)
	assert.Equal(t, [3]ir.VarID{base, i}, o.Operand)
	assert.Equal(t, uint8(4), o.Scale)
	assert.Equal(t, int64(-4), o.Imm)
	assert.Zero(t, countOps(p, ir.OpShlImm))
	assert.Zero(t, countOps(p, ir.OpAdd))

	frame := make([]byte, 24)
	frame[0], frame[8] = 100, 3
	require.NoError(t, interpret(p, p.Order(), frame))
	assert.Equal(t, byte(108), frame[16])
}

func TestOptimizePointersArithmeticSkipsSelfAdd(t *testing.T) {
	p := newTestProgram(t)
	x, s, y := p.AllocVar(ir.TypeInt64), p.AllocVar(ir.TypeInt64), p.AllocVar(ir.TypeInt64)
	p.Load(ir.OpLoad64, x, ir.FrameVar, 0)
	p.Imm(ir.OpShlImm, s, x, 2)
	add := p.AddOperator(ir.OpAdd, y, s, s, 0).ID
	p.Store(ir.OpStore64, ir.FrameVar, 8, y)
	p.AddOperator(ir.OpRet, 0, 0, 0, 0)

	_, err := p.Compile()
	require.NoError(t, err)
	assert.Equal(t, ir.OpAdd, p.op(add).Op)
	assert.Equal(t, 1, countOps(p, ir.OpShlImm))

	frame := make([]byte, 16)
	frame[0] = 5
	require.NoError(t, interpret(p, p.Order(), frame))
	assert.Equal(t, byte(40), frame[8])
}

func TestOptimizeAndNotSkipsSelfAnd(t *testing.T) {
	p := newTestProgram(t)
	a, ones := p.AllocVar(ir.TypeVec4), p.AllocVar(ir.TypeVec4)
	x, y := p.AllocVar(ir.TypeVec4), p.AllocVar(ir.TypeVec4)
	p.Load(ir.OpVLoad, a, ir.FrameVar, 0)
	p.Const(ones, 0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF)
	p.AddOperator(ir.OpVXor, x, a, ones, 0)
	and := p.AddOperator(ir.OpVAnd, y, x, x, 0).ID
	p.Store(ir.OpVStore, ir.FrameVar, 16, y)
	p.AddOperator(ir.OpRet, 0, 0, 0, 0)

	_, err := p.Compile()
	require.NoError(t, err)
	assert.Equal(t, ir.OpVAnd, p.op(and).Op)
	assert.Equal(t, 1, countOps(p, ir.OpVXor))

	frame := make([]byte, 32)
	frame[0], frame[4] = 0x0F, 0xFF
	require.NoError(t, interpret(p, p.Order(), frame))
	assert.Equal(t, []byte{0xF0, 0xFF, 0xFF, 0xFF, 0x00, 0xFF, 0xFF, 0xFF}, frame[16:24])
}

func TestRemoveAssignDown(t *testing.T) {
	p := newTestProgram(t)
	x, y := p.AllocVar(ir.TypeInt32), p.AllocVar(ir.TypeInt32)
	p.Load(ir.OpLoad32, x, ir.FrameVar, 0)
	p.AddOperator(ir.OpMov, y, x, 0, 0)
	st := p.Store(ir.OpStore32, ir.FrameVar, 4, y).ID
	p.Store(ir.OpStore32, ir.FrameVar, 8, x)
	p.AddOperator(ir.OpRet, 0, 0, 0, 0)
	reduce(t, p)

	assert.Equal(t, x, p.op(st).Operand[1])
	assert.Zero(t, countOps(p, ir.OpMov))
}

func TestRemoveAssignUpAcrossSpans(t *testing.T) {
	p := newTestProgram(t)
	x, y := p.AllocVar(ir.TypeInt32), p.AllocVar(ir.TypeInt32)
	def := p.Imm(ir.OpLoadImm, x, 0, 5).ID
	p.AddOperator(ir.OpMov, y, x, 0, 0)
	p.AddOperator(ir.OpTarget, 0, 0, 0, 0)
	p.Store(ir.OpStore32, ir.FrameVar, 0, y)
	p.AddOperator(ir.OpRet, 0, 0, 0, 0)
	reduce(t, p)

	assert.Equal(t, y, p.op(def).Result, "the producer writes the copy's target")
	assert.Zero(t, countOps(p, ir.OpMov))

	frame := make([]byte, 4)
	require.NoError(t, interpret(p, p.Order(), frame))
	assert.Equal(t, byte(5), frame[0])
}

func TestRemoveUnusedKeepsObservedFlags(t *testing.T) {
	p := newTestProgram(t)
	x, dead := p.AllocVar(ir.TypeInt32), p.AllocVar(ir.TypeInt32)
	p.Load(ir.OpLoad32, x, ir.FrameVar, 0)
	p.Imm(ir.OpAddImm, dead, x, 1)
	cmp := p.Imm(ir.OpCmpImm, 0, x, 3).ID
	set := p.AllocVar(ir.TypeInt32)
	p.AddOperator(ir.OpSetCC, set, 0, 0, 0).Cond = ir.CondE
	p.Store(ir.OpStore32, ir.FrameVar, 4, set)
	p.AddOperator(ir.OpRet, 0, 0, 0, 0)
	reduce(t, p)

	assert.Equal(t, ir.OpCmpImm, p.op(cmp).Op)
	assert.Zero(t, countOps(p, ir.OpAddImm))
	assert.Equal(t, 1, p.Stats().Removed)
}
