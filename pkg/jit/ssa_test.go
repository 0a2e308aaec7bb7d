package jit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xplshn/pxjit/pkg/ir"
)

func phiCopies(p *Program) []*ir.Operator {
	var out []*ir.Operator
	for _, id := range p.Order() {
		if o := p.op(id); o.Phi { out = append(out, o) }
	}
	return out
}

func TestConvertToSSAInsertsPhiCopies(t *testing.T) {
	p := newTestProgram(t)
	d := recordDiamond(p)
	prepare(p)
	require.NoError(t, p.ConvertToSSA())
	require.NoError(t, p.CheckSSA())

	phis := phiCopies(p)
	require.Len(t, phis, 2)
	pv := phis[0].Result
	assert.Equal(t, pv, phis[1].Result)
	assert.NotEqual(t, d.v, pv)
	assert.Equal(t, ir.OpVMov, phis[0].Op)
	assert.Equal(t, pv, p.op(d.store).Operand[1])
	assert.Equal(t, 2, p.Stats().PhiCopies)

	// one copy ends each predecessor, ahead of the jump on the taken path
	assert.Equal(t, 1, p.SpanOf(phis[0].ID))
	assert.Equal(t, 2, p.SpanOf(phis[1].ID))
	assert.Less(t, p.Position(phis[0].ID), p.Position(d.jump))

	// the second writer of v was renamed and its phi copy follows it
	renamed := p.op(d.movB).Result
	assert.NotEqual(t, d.v, renamed)
	assert.Equal(t, d.v, p.op(d.movA).Result)
	assert.Equal(t, renamed, phis[1].Operand[0])
	assert.Equal(t, d.v, phis[0].Operand[0])

	l := p.LinkAt(d.store, 1)
	require.NotNil(t, l)
	assert.True(t, l.Merged())
	assert.True(t, p.phiResolved(l))
}

func TestConvertToSSALoop(t *testing.T) {
	p := newTestProgram(t)
	n, i, acc := p.AllocVar(ir.TypeInt32), p.AllocVar(ir.TypeInt32), p.AllocVar(ir.TypeInt32)
	p.Load(ir.OpLoad32, n, ir.FrameVar, 0)
	p.Imm(ir.OpLoadImm, i, 0, 0)
	p.Imm(ir.OpLoadImm, acc, 0, 0)
	start := p.AddOperator(ir.OpLoopStart, 0, 0, 0, 0)
	p.AddOperator(ir.OpAdd, acc, acc, i, 0)
	p.Imm(ir.OpAddImm, i, i, 1)
	p.AddOperator(ir.OpCmp, 0, i, n, 0)
	rep := p.Branch(ir.OpLoopRepeat, ir.CondL)
	p.Link(rep.ID, start.ID)
	p.Store(ir.OpStore32, ir.FrameVar, 4, acc)
	p.AddOperator(ir.OpRet, 0, 0, 0, 0)

	frame := []byte{7, 0, 0, 0, 0, 0, 0, 0}
	require.NoError(t, interpret(p, p.Stream(), frame))
	assert.Equal(t, byte(21), frame[4])

	prepare(p)
	require.NoError(t, p.ConvertToSSA())
	require.NoError(t, p.CheckSSA())
	// acc and i are both carried around the back edge
	assert.Len(t, phiCopies(p), 4)

	frame = []byte{7, 0, 0, 0, 0, 0, 0, 0}
	require.NoError(t, interpret(p, p.Order(), frame))
	assert.Equal(t, byte(21), frame[4])
}

func TestCheckSSAReportsEveryViolation(t *testing.T) {
	p := newTestProgram(t)
	a, b := p.AllocVar(ir.TypeInt32), p.AllocVar(ir.TypeInt32)
	p.Imm(ir.OpLoadImm, a, 0, 1)
	p.Imm(ir.OpLoadImm, a, 0, 2)
	p.Imm(ir.OpLoadImm, b, 0, 3)
	p.Imm(ir.OpLoadImm, b, 0, 4)
	prepare(p)

	err := p.CheckSSA()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "v2 has 2 writers")
	assert.Contains(t, err.Error(), "v3 has 2 writers")
}
