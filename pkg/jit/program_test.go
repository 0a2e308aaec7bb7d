package jit

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xplshn/pxjit/pkg/config"
	"github.com/xplshn/pxjit/pkg/ir"
)

func newTestProgram(t *testing.T) *Program {
	t.Helper()
	return NewProgram(config.NewConfig())
}

func opNames(p *Program, ids []ir.OpID) []string {
	var out []string
	for _, id := range ids {
		out = append(out, p.op(id).Op.String())
	}
	return out
}

func TestNewProgramRecordsEntry(t *testing.T) {
	p := newTestProgram(t)
	require.Equal(t, 1, p.NumOperators())
	entry := p.Operator(p.Stream()[0])
	assert.Equal(t, ir.OpEntry, entry.Op)
	assert.Equal(t, ir.FrameVar, entry.Result)
	assert.Equal(t, ir.TypePtr, p.VarType(ir.FrameVar))
	assert.Equal(t, 2, p.NumVars())
}

func TestAllocVar(t *testing.T) {
	p := newTestProgram(t)
	a := p.AllocVar(ir.TypeInt32)
	b := p.AllocVar(ir.TypeVec4)
	assert.Equal(t, ir.VarID(2), a)
	assert.Equal(t, ir.VarID(3), b)
	assert.Equal(t, ir.BankGPR, p.VarBank(a))
	assert.Equal(t, ir.BankVector, p.VarBank(b))
}

func TestAddOperatorReturnsStablePointer(t *testing.T) {
	p := newTestProgram(t)
	v := p.AllocVar(ir.TypeInt64)
	o := p.Imm(ir.OpLoadImm, v, 0, 0)
	for i := 0; i < 1000; i++ {
		p.Imm(ir.OpLoadImm, v, 0, int64(i))
	}
	o.Imm = 77
	assert.Equal(t, int64(77), p.Operator(o.ID).Imm)
	assert.Equal(t, ir.RefReg, o.Ref)
}

func TestFlowsMergeInIndexOrder(t *testing.T) {
	p := newTestProgram(t)
	v := p.AllocVar(ir.TypeInt32)
	rec := func(imm int64) ir.OpID { return p.Imm(ir.OpLoadImm, v, 0, imm).ID }

	first := rec(0)
	p.SplitFlow()
	p.SetFlow(3)
	d := rec(3)
	p.SetFlow(0)
	a := rec(1)
	p.SetFlow(1)
	b := rec(2)
	p.MergeFlow()
	last := rec(4)

	want := []ir.OpID{1, first, a, b, d, last}
	if diff := cmp.Diff(want, p.Stream()); diff != "" { t.Errorf("stream mismatch (-want +got):\n%s", diff) }
	assert.Zero(t, p.FlowDepth())
}

func TestNestedFlowsAndReverse(t *testing.T) {
	p := newTestProgram(t)
	v := p.AllocVar(ir.TypeInt32)
	rec := func(imm int64) ir.OpID { return p.Imm(ir.OpLoadImm, v, 0, imm).ID }

	p.SplitFlow()
	p.SetFlow(1)
	outer := rec(10)
	p.SetFlow(0)
	p.SplitFlow()
	x, y, z := rec(1), rec(2), rec(3)
	p.ReverseFlow(0)
	assert.Equal(t, 2, p.FlowDepth())
	p.MergeFlow()
	p.MergeFlow()

	want := []ir.OpID{1, z, y, x, outer}
	if diff := cmp.Diff(want, p.Stream()); diff != "" { t.Errorf("stream mismatch (-want +got):\n%s", diff) }
}

func assertionPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected an assertion")
		_, ok := r.(*AssertionError)
		assert.True(t, ok, "panic value %T is not *AssertionError", r)
	}()
	fn()
}

func TestStructuralViolationsPanic(t *testing.T) {
	p := newTestProgram(t)
	v := p.AllocVar(ir.TypeInt32)
	assertionPanic(t, func() { p.AddOperator(ir.OpMov, v, 99, 0, 0) })
	assertionPanic(t, func() { p.AddOperator(ir.OpMov, ir.FrameVar, v, 0, 0) })
	assertionPanic(t, func() { p.AddOperator(ir.OpEntry, 0, 0, 0, 0) })
	assertionPanic(t, func() { p.MergeFlow() })
	assertionPanic(t, func() { p.SetFlow(0) })
	p.SplitFlow()
	assertionPanic(t, func() { p.SetFlow(MaxFlows) })
	assertionPanic(t, func() { p.Compile() })
	p.MergeFlow()
	mov := p.AddOperator(ir.OpMov, v, v, 0, 0)
	assertionPanic(t, func() { p.Link(mov.ID, mov.ID) })
	assertionPanic(t, func() { p.SnapData(1, 2, 3) })
}

func TestGrowLimitsAreSticky(t *testing.T) {
	cfg := config.NewConfig()
	cfg.MaxVars = 4
	cfg.MaxOperators = 3
	p := NewProgram(cfg)

	a := p.AllocVar(ir.TypeInt32)
	b := p.AllocVar(ir.TypeInt32)
	require.NoError(t, p.Err())
	assert.Zero(t, p.AllocVar(ir.TypeInt32))
	assert.ErrorIs(t, p.Err(), ErrOutOfMemory)

	// recording after a failure is ignored
	o := p.Imm(ir.OpLoadImm, a, 0, 1)
	assert.Zero(t, o.ID)
	_, err := p.Compile()
	assert.ErrorIs(t, err, ErrOutOfMemory)

	p = NewProgram(cfg)
	a, b = p.AllocVar(ir.TypeInt32), p.AllocVar(ir.TypeInt32)
	p.Imm(ir.OpLoadImm, a, 0, 1)
	p.AddOperator(ir.OpMov, b, a, 0, 0)
	assert.ErrorIs(t, p.GrowOperators(1), ErrOutOfMemory)
	assert.ErrorIs(t, p.Err(), ErrOutOfMemory)
}

func TestRecordingAfterCompile(t *testing.T) {
	p := newTestProgram(t)
	v := p.AllocVar(ir.TypeInt32)
	p.Imm(ir.OpLoadImm, v, 0, 5)
	p.Store(ir.OpStore32, ir.FrameVar, 0, v)
	_, err := p.Compile()
	require.NoError(t, err)
	before := p.NumOperators()

	w := p.AllocVar(ir.TypeInt32)
	assert.Equal(t, ir.VarID(3), w, "compiler temporaries are dropped before recording resumes")
	p.Imm(ir.OpLoadImm, w, 0, 6)
	p.Store(ir.OpStore32, ir.FrameVar, 4, w)
	p.AddOperator(ir.OpRet, 0, 0, 0, 0)
	assert.LessOrEqual(t, p.NumOperators(), before+3)

	_, err = p.Compile()
	require.NoError(t, err)
	frame := make([]byte, 8)
	require.NoError(t, interpret(p, p.Order(), frame))
	assert.Equal(t, []byte{5, 0, 0, 0, 6, 0, 0, 0}, frame)
}

func TestSnapData(t *testing.T) {
	p := newTestProgram(t)
	a := p.SnapData(1, 2, 3, 4)
	b := p.SnapData(7)
	c := p.SnapData(1, 2, 3, 4)
	assert.NotEqual(t, a, c)
	assert.Equal(t, 3, p.Pool().Len())
	assert.Equal(t, 2, p.Pool().Unique())
	assert.Equal(t, []uint32{7}, p.Pool().Words(b))
}
