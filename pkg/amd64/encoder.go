// Package amd64 encodes the x86-64 instructions the JIT emits. Register
// arguments are hardware indices (0-15) of the bank the instruction expects.
package amd64

import (
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	RAX = 0
	RCX = 1
	RDX = 2
	RBX = 3
	RSP = 4
	RBP = 5
	RSI = 6
	RDI = 7
	R12 = 12
	R13 = 13

	NoIndex = -1
)

// AluOp selects one of the classic two-operand integer instructions.
type AluOp uint8

const (
	AluAdd AluOp = iota
	AluOr
	AluAnd
	AluSub
	AluXor
	AluCmp
)

// opcode of the "r/m, r" form and the /digit of the 0x81/0x83 immediate form.
var aluTable = [...]struct{ rm, digit byte }{
	AluAdd: {0x01, 0},
	AluOr:  {0x09, 1},
	AluAnd: {0x21, 4},
	AluSub: {0x29, 5},
	AluXor: {0x31, 6},
	AluCmp: {0x39, 7},
}

type ShiftOp uint8

const (
	Shl ShiftOp = 4
	Shr ShiftOp = 5
	Sar ShiftOp = 7
)

type fixup struct {
	pos   int // position of the rel32 field
	label int
}

type Encoder struct {
	buf    []byte
	labels map[int]int
	fixups []fixup
}

func NewEncoder() *Encoder { return &Encoder{labels: make(map[int]int)} }

func (e *Encoder) Len() int      { return len(e.buf) }
func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) emitByte(b byte)       { e.buf = append(e.buf, b) }
func (e *Encoder) emitBytes(bs ...byte)  { e.buf = append(e.buf, bs...) }
func (e *Encoder) emitU32(v uint32)      { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *Encoder) emitU64(v uint64)      { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

// rex emits a REX prefix when any field needs it, or always when force is
// set (byte registers SPL..DIL).
func (e *Encoder) rex(w bool, reg, index, base int, force bool) {
	b := byte(0x40)
	if w { b |= 0x08 }
	if reg >= 8 { b |= 0x04 }
	if index >= 8 { b |= 0x02 }
	if base >= 8 { b |= 0x01 }
	if b != 0x40 || force { e.emitByte(b) }
}

func (e *Encoder) modrmReg(reg, rm int) { e.emitByte(0xC0 | byte(reg&7)<<3 | byte(rm&7)) }

func scaleBits(scale uint8) byte {
	switch scale {
	case 2: return 1
	case 4: return 2
	case 8: return 3
	}
	return 0
}

// mem emits ModRM, SIB and displacement for [base + index*scale + disp].
// RSP/R12 as base need a SIB byte; RBP/R13 as base need a displacement.
func (e *Encoder) mem(reg, base, index int, scale uint8, disp int32) {
	r := byte(reg&7) << 3
	b := byte(base & 7)
	mod := byte(0x80)
	switch {
	case disp == 0 && b != RBP:
		mod = 0x00
	case disp >= -128 && disp <= 127:
		mod = 0x40
	}
	if index == NoIndex && b != RSP {
		e.emitByte(mod | r | b)
	} else {
		idx := byte(RSP) // no index
		if index != NoIndex { idx = byte(index & 7) }
		e.emitByte(mod | r | 0x04)
		e.emitByte(scaleBits(scale)<<6 | idx<<3 | b)
	}
	switch mod {
	case 0x40: e.emitByte(byte(int8(disp)))
	case 0x80: e.emitU32(uint32(disp))
	}
}

// --- integer instructions ---

// MovRR emits MOV dst, src (89 /r). The 32-bit form zero-extends.
func (e *Encoder) MovRR(w bool, dst, src int) {
	e.rex(w, src, NoIndex, dst, false)
	e.emitByte(0x89)
	e.modrmReg(src, dst)
}

// MovRI loads an immediate with the shortest encoding that keeps flags
// untouched: C7 /0 for sign-extended imm32, B8+r for zero-extended imm32,
// REX.W B8+r for imm64.
func (e *Encoder) MovRI(dst int, imm int64) {
	switch {
	case imm >= 0 && imm <= 0xFFFFFFFF:
		e.rex(false, 0, NoIndex, dst, false)
		e.emitByte(0xB8 | byte(dst&7))
		e.emitU32(uint32(imm))
	case imm >= -1<<31 && imm < 0:
		e.rex(true, 0, NoIndex, dst, false)
		e.emitByte(0xC7)
		e.modrmReg(0, dst)
		e.emitU32(uint32(int32(imm)))
	default:
		e.rex(true, 0, NoIndex, dst, false)
		e.emitByte(0xB8 | byte(dst&7))
		e.emitU64(uint64(imm))
	}
}

// Load emits MOV dst, [base+disp] (8B /r).
func (e *Encoder) Load(w bool, dst, base int, disp int32) {
	e.rex(w, dst, NoIndex, base, false)
	e.emitByte(0x8B)
	e.mem(dst, base, NoIndex, 1, disp)
}

// Store emits MOV [base+disp], src (89 /r).
func (e *Encoder) Store(w bool, base int, disp int32, src int) {
	e.rex(w, src, NoIndex, base, false)
	e.emitByte(0x89)
	e.mem(src, base, NoIndex, 1, disp)
}

func (e *Encoder) AluRR(op AluOp, w bool, dst, src int) {
	e.rex(w, src, NoIndex, dst, false)
	e.emitByte(aluTable[op].rm)
	e.modrmReg(src, dst)
}

// AluRM emits the "r, r/m" form: dst op= [base+disp].
func (e *Encoder) AluRM(op AluOp, w bool, dst, base int, disp int32) {
	e.rex(w, dst, NoIndex, base, false)
	e.emitByte(aluTable[op].rm + 2)
	e.mem(dst, base, NoIndex, 1, disp)
}

func (e *Encoder) AluRI(op AluOp, w bool, dst int, imm int32) {
	e.rex(w, 0, NoIndex, dst, false)
	if imm >= -128 && imm <= 127 {
		e.emitByte(0x83)
		e.modrmReg(int(aluTable[op].digit), dst)
		e.emitByte(byte(int8(imm)))
		return
	}
	e.emitByte(0x81)
	e.modrmReg(int(aluTable[op].digit), dst)
	e.emitU32(uint32(imm))
}

// IMulRR emits IMUL dst, src (0F AF /r).
func (e *Encoder) IMulRR(w bool, dst, src int) {
	e.rex(w, dst, NoIndex, src, false)
	e.emitBytes(0x0F, 0xAF)
	e.modrmReg(dst, src)
}

func (e *Encoder) IMulRM(w bool, dst, base int, disp int32) {
	e.rex(w, dst, NoIndex, base, false)
	e.emitBytes(0x0F, 0xAF)
	e.mem(dst, base, NoIndex, 1, disp)
}

// ShiftRI emits C1 /digit ib.
func (e *Encoder) ShiftRI(op ShiftOp, w bool, dst int, imm uint8) {
	e.rex(w, 0, NoIndex, dst, false)
	e.emitByte(0xC1)
	e.modrmReg(int(op), dst)
	e.emitByte(imm)
}

// NotR emits F7 /2.
func (e *Encoder) NotR(w bool, dst int) {
	e.rex(w, 0, NoIndex, dst, false)
	e.emitByte(0xF7)
	e.modrmReg(2, dst)
}

// NegR emits F7 /3.
func (e *Encoder) NegR(w bool, dst int) {
	e.rex(w, 0, NoIndex, dst, false)
	e.emitByte(0xF7)
	e.modrmReg(3, dst)
}

// Lea emits LEA dst, [base + index*scale + disp] (REX.W 8D /r).
func (e *Encoder) Lea(dst, base, index int, scale uint8, disp int32) {
	e.rex(true, dst, index, base, false)
	e.emitByte(0x8D)
	e.mem(dst, base, index, scale, disp)
}

// SetCC emits SETcc dst8; MOVZX dst32, dst8.
func (e *Encoder) SetCC(cc uint8, dst int) {
	e.rex(false, 0, NoIndex, dst, true)
	e.emitBytes(0x0F, 0x90|cc&0x0F)
	e.modrmReg(0, dst)
	e.rex(false, dst, NoIndex, dst, true)
	e.emitBytes(0x0F, 0xB6)
	e.modrmReg(dst, dst)
}

func (e *Encoder) Ret() { e.emitByte(0xC3) }

// --- control flow ---

// Mark binds label to the current position.
func (e *Encoder) Mark(label int) { e.labels[label] = len(e.buf) }

// Jcc emits 0F 8x rel32 to label.
func (e *Encoder) Jcc(cc uint8, label int) {
	e.emitBytes(0x0F, 0x80|cc&0x0F)
	e.fixups = append(e.fixups, fixup{pos: len(e.buf), label: label})
	e.emitU32(0)
}

// Jmp emits E9 rel32 to label.
func (e *Encoder) Jmp(label int) {
	e.emitByte(0xE9)
	e.fixups = append(e.fixups, fixup{pos: len(e.buf), label: label})
	e.emitU32(0)
}

// Resolve patches every branch displacement. All labels must be marked.
func (e *Encoder) Resolve() error {
	var missing []int
	for _, f := range e.fixups {
		target, ok := e.labels[f.label]
		if !ok {
			missing = append(missing, f.label)
			continue
		}
		PatchRel32(e.buf, f.pos, target)
	}
	if len(missing) > 0 {
		sort.Ints(missing)
		return fmt.Errorf("amd64: unresolved labels %v", missing)
	}
	return nil
}

// PatchRel32 stores target-(pos+4) at pos, the displacement of a rel32
// field ending its instruction.
func PatchRel32(buf []byte, pos, target int) {
	binary.LittleEndian.PutUint32(buf[pos:], uint32(int32(target-(pos+4))))
}

// --- SSE ---

// Mandatory prefixes.
const (
	PfxNone byte = 0x00
	Pfx66   byte = 0x66
	PfxF3   byte = 0xF3
	PfxF2   byte = 0xF2
)

func (e *Encoder) prefix(p byte) {
	if p != PfxNone { e.emitByte(p) }
}

// SseRR emits [pfx] [REX] 0F op /r with reg=dst, rm=src.
func (e *Encoder) SseRR(pfx, op byte, dst, src int) {
	e.prefix(pfx)
	e.rex(false, dst, NoIndex, src, false)
	e.emitBytes(0x0F, op)
	e.modrmReg(dst, src)
}

// SseRRI is SseRR followed by an imm8 (CMPPS, SHUFPS).
func (e *Encoder) SseRRI(op byte, dst, src int, imm uint8) {
	e.SseRR(PfxNone, op, dst, src)
	e.emitByte(imm)
}

// SseRM emits [pfx] [REX] 0F op with reg and a [base+disp] operand. Loads
// and stores share it; the opcode decides the direction.
func (e *Encoder) SseRM(pfx, op byte, reg, base int, disp int32) {
	e.prefix(pfx)
	e.rex(false, reg, NoIndex, base, false)
	e.emitBytes(0x0F, op)
	e.mem(reg, base, NoIndex, 1, disp)
}

// SseRIP emits a RIP-relative load and returns the position of its rel32
// field for later patching.
func (e *Encoder) SseRIP(pfx, op byte, reg int) int {
	e.prefix(pfx)
	e.rex(false, reg, NoIndex, 0, false)
	e.emitBytes(0x0F, op)
	e.emitByte(0x05 | byte(reg&7)<<3)
	pos := len(e.buf)
	e.emitU32(0)
	return pos
}

// MovdXR emits MOVD xmm, r32 (66 0F 6E /r).
func (e *Encoder) MovdXR(xmm, gpr int) { e.SseRR(Pfx66, 0x6E, xmm, gpr) }

// MovdRX emits MOVD r32, xmm (66 0F 7E /r, reg=xmm).
func (e *Encoder) MovdRX(gpr, xmm int) { e.SseRR(Pfx66, 0x7E, xmm, gpr) }

// Movmskps emits MOVMSKPS r32, xmm (0F 50 /r).
func (e *Encoder) Movmskps(gpr, xmm int) { e.SseRR(PfxNone, 0x50, gpr, xmm) }

// SSE opcodes used by the assembler.
const (
	OpMovups    byte = 0x10 // load; 0x11 stores
	OpMovupsSt  byte = 0x11
	OpMovaps    byte = 0x28
	OpMovq      byte = 0x7E // with F3: movq xmm, m64
	OpAndps     byte = 0x54
	OpAndnps    byte = 0x55
	OpOrps      byte = 0x56
	OpXorps     byte = 0x57
	OpAddps     byte = 0x58
	OpMulps     byte = 0x59
	OpCvtdq2ps  byte = 0x5B // with F3: cvttps2dq
	OpSubps     byte = 0x5C
	OpMinps     byte = 0x5D
	OpDivps     byte = 0x5E
	OpMaxps     byte = 0x5F
	OpCmpps     byte = 0xC2
	OpShufps    byte = 0xC6
)
