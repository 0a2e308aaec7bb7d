package jit

import (
	"github.com/xplshn/pxjit/pkg/amd64"
	"github.com/xplshn/pxjit/pkg/ir"
	"github.com/xplshn/pxjit/pkg/pool"
)

type poolRef struct {
	pos int
	id  pool.ConstID
}

var aluOps = map[ir.Op]amd64.AluOp{
	ir.OpAdd: amd64.AluAdd, ir.OpSub: amd64.AluSub, ir.OpAnd: amd64.AluAnd,
	ir.OpOr: amd64.AluOr, ir.OpXor: amd64.AluXor,
	ir.OpAddImm: amd64.AluAdd, ir.OpAndImm: amd64.AluAnd,
}

var shiftOps = map[ir.Op]amd64.ShiftOp{
	ir.OpShlImm: amd64.Shl, ir.OpShrImm: amd64.Shr, ir.OpSarImm: amd64.Sar,
}

var sseOps = map[ir.Op]byte{
	ir.OpVAdd: amd64.OpAddps, ir.OpVSub: amd64.OpSubps, ir.OpVMul: amd64.OpMulps,
	ir.OpVDiv: amd64.OpDivps, ir.OpVMin: amd64.OpMinps, ir.OpVMax: amd64.OpMaxps,
	ir.OpVAnd: amd64.OpAndps, ir.OpVAndNot: amd64.OpAndnps, ir.OpVOr: amd64.OpOrps,
	ir.OpVXor: amd64.OpXorps,
}

// CompressConstants lays out the constant pool and returns the number of
// unique entries.
func (p *Program) CompressConstants() int {
	n := p.pool.Compress()
	if dup := p.pool.Len() - n; dup > 0 {
		p.log.Debug().Int("unique", n).Int("duplicates", dup).Msg("constant pool compressed")
	}
	return n
}

// ConstOffset is the byte offset of a snapped literal in the compiled buffer.
func (p *Program) ConstOffset(id pool.ConstID) int { return p.poolBase + p.pool.Offset(id) }

// Offset is the binary offset of an operator in the compiled buffer, or -1.
func (p *Program) Offset(id ir.OpID) int {
	if int(id) >= len(p.offsets) { return -1 }
	return int(p.offsets[id])
}

// CodeSize is the size of the compiled buffer including the constant pool.
func (p *Program) CodeSize() int { return len(p.code) }

// Code returns the compiled buffer.
func (p *Program) Code() []byte { return p.code }

// WasOverflow reports whether the last compilation ran out of arena budget.
func (p *Program) WasOverflow() bool { return p.overflow }

// Assemble encodes the machine instruction list, resolves branches and
// appends the constant pool.
func (p *Program) Assemble() error {
	enc := amd64.NewEncoder()
	if err := p.charge(len(p.pos), 4, "offsets"); err != nil { return err }
	p.offsets = make([]int32, len(p.pos))
	for i := range p.offsets {
		p.offsets[i] = -1
	}
	var refs []poolRef
	for _, m := range p.mcode {
		switch m.Kind {
		case MReload:
			if m.Reg.Bank() == ir.BankGPR {
				enc.Load(true, m.Reg.Index(), amd64.RAX, m.Disp)
			} else {
				enc.SseRM(amd64.PfxNone, amd64.OpMovups, m.Reg.Index(), amd64.RAX, m.Disp)
			}
		case MSpill:
			if m.Reg.Bank() == ir.BankGPR {
				enc.Store(true, amd64.RAX, m.Disp, m.Reg.Index())
			} else {
				enc.SseRM(amd64.PfxNone, amd64.OpMovupsSt, m.Reg.Index(), amd64.RAX, m.Disp)
			}
		case MOp:
			o := p.op(m.Op)
			p.offsets[o.ID] = int32(enc.Len())
			if ref, ok := p.encodeOperator(enc, o, &p.alloc[o.ID]); ok { refs = append(refs, ref) }
		}
	}
	if err := enc.Resolve(); err != nil { return internalf("%v", err) }

	code := enc.Bytes()
	p.poolBase = align16(len(code))
	size := p.poolBase + p.pool.Size()
	if err := p.charge(size, 1, "code buffer"); err != nil { return err }
	buf := make([]byte, size)
	copy(buf, code)
	for i := len(code); i < p.poolBase; i++ {
		buf[i] = 0xCC
	}
	p.CopyData(buf, refs)
	p.code = buf
	return nil
}

// CopyData places the constant pool after the code and patches every
// RIP-relative reference to it.
func (p *Program) CopyData(buf []byte, refs []poolRef) {
	p.pool.CopyData(buf[p.poolBase:])
	for _, r := range refs {
		amd64.PatchRel32(buf, r.pos, p.ConstOffset(r.id))
	}
}

func (p *Program) wide(v ir.VarID) bool { return p.vars[v].typ.Wide() }

// encodeOperator emits o with its assigned registers. It reports a pending
// constant-pool reference when o loads from the pool.
func (p *Program) encodeOperator(e *amd64.Encoder, o *ir.Operator, al *Alloc) (poolRef, bool) {
	dst, src1, src2 := al.Result.Index(), al.Operand[0].Index(), al.Operand[1].Index()
	frame := amd64.RAX
	disp := int32(o.Imm)

	// two-address forms start with dst = src1
	movGPR := func(w bool) {
		if dst != src1 { e.MovRR(w, dst, src1) }
	}
	movVec := func() {
		if dst != src1 { e.SseRR(amd64.PfxNone, amd64.OpMovaps, dst, src1) }
	}

	switch o.Op {
	case ir.OpEntry, ir.OpNop:
	case ir.OpTarget, ir.OpLoopStart:
		e.Mark(int(o.ID))
	case ir.OpJump:
		e.Jmp(int(o.Target))
	case ir.OpBranch, ir.OpLoopRepeat:
		e.Jcc(uint8(o.Cond), int(o.Target))
	case ir.OpRet:
		e.Ret()

	case ir.OpMov:
		if dst != src1 { e.MovRR(p.wide(o.Result) && p.wide(o.Operand[0]), dst, src1) }
	case ir.OpLoadImm:
		if p.wide(o.Result) {
			e.MovRI(dst, o.Imm)
		} else {
			e.MovRI(dst, int64(uint32(o.Imm)))
		}
	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor:
		w := p.wide(o.Result)
		movGPR(w)
		if al.MemSlot == 1 {
			e.AluRM(aluOps[o.Op], w, dst, frame, al.MemDisp)
		} else {
			e.AluRR(aluOps[o.Op], w, dst, src2)
		}
	case ir.OpIMul:
		w := p.wide(o.Result)
		movGPR(w)
		if al.MemSlot == 1 {
			e.IMulRM(w, dst, frame, al.MemDisp)
		} else {
			e.IMulRR(w, dst, src2)
		}
	case ir.OpAddImm:
		w := p.wide(o.Result)
		movGPR(w)
		e.AluRI(amd64.AluAdd, w, dst, int32(o.Imm))
	case ir.OpAndImm:
		w := p.wide(o.Result)
		if o.Imm == 0xFFFFFFFF {
			// mov r32, r32 clears the upper half
			e.MovRR(false, dst, src1)
			break
		}
		movGPR(w)
		e.AluRI(amd64.AluAnd, w, dst, int32(o.Imm))
	case ir.OpShlImm, ir.OpShrImm, ir.OpSarImm:
		w := p.wide(o.Result)
		movGPR(w)
		e.ShiftRI(shiftOps[o.Op], w, dst, uint8(o.Imm&63))
	case ir.OpNot:
		w := p.wide(o.Result)
		movGPR(w)
		e.NotR(w, dst)
	case ir.OpNeg:
		w := p.wide(o.Result)
		movGPR(w)
		e.NegR(w, dst)
	case ir.OpLea:
		index := amd64.NoIndex
		if o.Operand[1] != 0 { index = src2 }
		e.Lea(dst, src1, index, o.Scale, disp)
	case ir.OpCmp:
		w := p.wide(o.Operand[0])
		if al.MemSlot == 1 {
			e.AluRM(amd64.AluCmp, w, src1, frame, al.MemDisp)
		} else {
			e.AluRR(amd64.AluCmp, w, src1, src2)
		}
	case ir.OpCmpImm:
		e.AluRI(amd64.AluCmp, p.wide(o.Operand[0]), src1, int32(o.Imm))
	case ir.OpSetCC:
		e.SetCC(uint8(o.Cond), dst)
	case ir.OpLoad32:
		e.Load(false, dst, src1, disp)
	case ir.OpLoad64:
		e.Load(true, dst, src1, disp)
	case ir.OpStore32:
		e.Store(false, src1, disp, src2)
	case ir.OpStore64:
		e.Store(true, src1, disp, src2)

	case ir.OpVMov:
		movVec()
	case ir.OpVConst:
		id := pool.ConstID(o.Imm)
		var pos int
		switch p.pool.Width(id) {
		case 1:
			pos = e.SseRIP(amd64.PfxF3, amd64.OpMovups, dst)
		case 2:
			pos = e.SseRIP(amd64.PfxF3, amd64.OpMovq, dst)
		default:
			pos = e.SseRIP(amd64.PfxNone, amd64.OpMovups, dst)
		}
		return poolRef{pos: pos, id: id}, true
	case ir.OpVLoad:
		e.SseRM(amd64.PfxNone, amd64.OpMovups, dst, src1, disp)
	case ir.OpVStore:
		e.SseRM(amd64.PfxNone, amd64.OpMovupsSt, src2, src1, disp)
	case ir.OpVLoad1:
		e.SseRM(amd64.PfxF3, amd64.OpMovups, dst, src1, disp)
	case ir.OpVStore1:
		e.SseRM(amd64.PfxF3, amd64.OpMovupsSt, src2, src1, disp)
	case ir.OpVAdd, ir.OpVSub, ir.OpVMul, ir.OpVDiv, ir.OpVMin, ir.OpVMax,
		ir.OpVAnd, ir.OpVAndNot, ir.OpVOr, ir.OpVXor:
		movVec()
		e.SseRR(amd64.PfxNone, sseOps[o.Op], dst, src2)
	case ir.OpVCmp:
		movVec()
		e.SseRRI(amd64.OpCmpps, dst, src2, uint8(o.Imm))
	case ir.OpVShuffle:
		movVec()
		e.SseRRI(amd64.OpShufps, dst, src2, uint8(o.Imm))
	case ir.OpVSplat:
		movVec()
		e.SseRRI(amd64.OpShufps, dst, dst, 0)
	case ir.OpVCvtIntToF:
		e.SseRR(amd64.PfxNone, amd64.OpCvtdq2ps, dst, src1)
	case ir.OpVCvtFToInt:
		e.SseRR(amd64.PfxF3, amd64.OpCvtdq2ps, dst, src1)
	case ir.OpVFromInt:
		e.MovdXR(dst, src1)
	case ir.OpVToInt:
		e.MovdRX(dst, src1)
	case ir.OpVMoveMask:
		e.Movmskps(dst, src1)
	default:
		assertf(false, "no encoding for %s", o.Op)
	}
	return poolRef{}, false
}
