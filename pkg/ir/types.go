package ir

import "fmt"

// VarID identifies a dataflow value. 0 is reserved for "unused".
type VarID uint32

// OpID identifies an operator. 0 is reserved for "no operator".
type OpID uint32

// FrameVar is the built-in pointer to the caller-supplied frame. It is
// defined by the entry operator and stays pinned to its register.
const FrameVar VarID = 1

type VarType uint8

const (
	TypeNone VarType = iota
	TypePtr
	TypeInt32
	TypeInt64 // a GPR on amd64; the MMX bank of older targets is not modeled
	TypeVec1  // one float32 lane
	TypeVec4  // four float32 lanes
	TypeCount
)

var typeNames = [TypeCount]string{"none", "ptr", "i32", "i64", "v1", "v4"}

func (t VarType) String() string {
	if t < TypeCount {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Bank reports which register bank holds values of this type.
func (t VarType) Bank() Bank {
	switch t {
	case TypeVec1, TypeVec4:
		return BankVector
	default:
		return BankGPR
	}
}

// Size is the number of bytes the value occupies in memory.
func (t VarType) Size() int {
	switch t {
	case TypeInt32, TypeVec1:
		return 4
	case TypePtr, TypeInt64:
		return 8
	case TypeVec4:
		return 16
	}
	return 0
}

// Wide reports whether GPR operations on this type use 64-bit operands.
func (t VarType) Wide() bool { return t == TypePtr || t == TypeInt64 }

type Bank uint8

const (
	BankGPR Bank = iota
	BankVector
	BankCount
)

func (b Bank) String() string {
	if b == BankVector {
		return "vector"
	}
	return "gpr"
}

// Reg is a physical register: bank in the high nibble, hardware index in the
// low nibble.
type Reg uint8

const NoReg Reg = 0xFF

const RegsPerBank = 16

func MakeReg(b Bank, index int) Reg { return Reg(b)<<4 | Reg(index&0xF) }

func (r Reg) Bank() Bank { return Bank(r >> 4) }
func (r Reg) Index() int { return int(r & 0xF) }
func (r Reg) Valid() bool {
	return r != NoReg && r.Bank() < BankCount
}

var gprNames = [RegsPerBank]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r Reg) String() string {
	if !r.Valid() {
		return "-"
	}
	if r.Bank() == BankVector {
		return fmt.Sprintf("xmm%d", r.Index())
	}
	return gprNames[r.Index()]
}

// Hardware registers referenced by name.
var (
	RAX = MakeReg(BankGPR, 0)
	RCX = MakeReg(BankGPR, 1)
	RDX = MakeReg(BankGPR, 2)
	RBX = MakeReg(BankGPR, 3)
	RSI = MakeReg(BankGPR, 6)
	RDI = MakeReg(BankGPR, 7)
	R8  = MakeReg(BankGPR, 8)
	R9  = MakeReg(BankGPR, 9)
	R10 = MakeReg(BankGPR, 10)
	R11 = MakeReg(BankGPR, 11)
	R12 = MakeReg(BankGPR, 12)
	R13 = MakeReg(BankGPR, 13)
)

func XMM(i int) Reg { return MakeReg(BankVector, i) }

// Cond is an x86 condition code, used by branches and SetCC.
type Cond uint8

const (
	CondB  Cond = 0x2 // unsigned <
	CondAE Cond = 0x3 // unsigned >=
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6 // unsigned <=
	CondA  Cond = 0x7 // unsigned >
	CondL  Cond = 0xC
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)

var condNames = map[Cond]string{
	CondB: "b", CondAE: "ae", CondE: "e", CondNE: "ne", CondBE: "be",
	CondA: "a", CondL: "l", CondGE: "ge", CondLE: "le", CondG: "g",
}

func (c Cond) String() string {
	if s, ok := condNames[c]; ok {
		return s
	}
	return fmt.Sprintf("cc(%#x)", uint8(c))
}

// Vector compare predicates for OpVCmp (cmpps immediate).
const (
	CmpEQ  = 0
	CmpLT  = 1
	CmpLE  = 2
	CmpNEQ = 4
	CmpNLT = 5
	CmpNLE = 6
)
