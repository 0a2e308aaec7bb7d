package ir

import (
	"fmt"
	"strings"
)

type Op int

const (
	OpNop Op = iota
	OpEntry
	OpTarget
	OpLoopStart
	OpJump
	OpBranch
	OpLoopRepeat
	OpRet

	OpMov
	OpLoadImm
	OpAdd
	OpSub
	OpAnd
	OpOr
	OpXor
	OpIMul
	OpAddImm
	OpAndImm
	OpShlImm
	OpShrImm
	OpSarImm
	OpNot
	OpNeg
	OpLea
	OpCmp
	OpCmpImm
	OpSetCC
	OpLoad32
	OpLoad64
	OpStore32
	OpStore64

	OpVMov
	OpVConst
	OpVLoad
	OpVStore
	OpVLoad1
	OpVStore1
	OpVAdd
	OpVSub
	OpVMul
	OpVDiv
	OpVMin
	OpVMax
	OpVAnd
	OpVAndNot
	OpVOr
	OpVXor
	OpVCmp
	OpVShuffle
	OpVSplat
	OpVCvtIntToF
	OpVCvtFToInt
	OpVFromInt
	OpVToInt
	OpVMoveMask

	OpCount
)

// Trait is a static property of an opcode.
type Trait uint32

const (
	ReadsFlags Trait = 1 << iota
	WritesFlags
	Commutative
	MemOperand // second operand may be encoded straight from a spill slot
	OutsideEffect
	DependsOnOutside
	ControlTransfer
	ControlTarget
	NoBubble
	NoFallthrough
	Width32
	Width64
	Width128
)

// Class selects the encoding scheme used by the assembler.
type Class uint8

const (
	ClassNone Class = iota // emits no bytes
	ClassBinary            // dst = op1; dst op= op2
	ClassUnary             // dst = op1; op dst
	ClassMemDst            // [op1 + disp] = op2
	ClassIrregular
)

// RefType says how an operator's operands address their data.
type RefType uint8

const (
	RefReg     RefType = iota
	RefMem             // op1 is a base pointer, Imm the displacement
	RefPool            // Imm is a constant-pool id
	RefIndexed         // op1 + op2<<Scale + Imm
)

type Info struct {
	Name     string
	Traits   Trait
	Class    Class
	Ref      RefType
	Result   Bank // bank of the result, if HasResult
	Operands [3]Bank
	NumOps   int
	HasResult bool
}

func gpr(name string, t Trait, c Class, n int) Info {
	return Info{Name: name, Traits: t, Class: c, Result: BankGPR, NumOps: n, HasResult: true}
}

func vec(name string, t Trait, c Class, n int) Info {
	return Info{Name: name, Traits: t | Width128, Class: c, Result: BankVector,
		Operands: [3]Bank{BankVector, BankVector, BankVector}, NumOps: n, HasResult: true}
}

var opTable = [OpCount]Info{
	OpNop:        {Name: "nop"},
	OpEntry:      {Name: "entry", Traits: ControlTarget | NoBubble, HasResult: true, Result: BankGPR},
	OpTarget:     {Name: "target", Traits: ControlTarget | NoBubble},
	OpLoopStart:  {Name: "loopstart", Traits: ControlTarget | NoBubble},
	OpJump:       {Name: "jump", Traits: ControlTransfer | NoBubble | NoFallthrough, Class: ClassIrregular},
	OpBranch:     {Name: "branch", Traits: ControlTransfer | NoBubble | ReadsFlags, Class: ClassIrregular},
	OpLoopRepeat: {Name: "looprepeat", Traits: ControlTransfer | NoBubble | ReadsFlags, Class: ClassIrregular},
	OpRet:        {Name: "ret", Traits: ControlTransfer | NoBubble | NoFallthrough, Class: ClassIrregular},

	OpMov:     gpr("mov", 0, ClassIrregular, 1),
	OpLoadImm: gpr("loadimm", 0, ClassIrregular, 0),
	OpAdd:     gpr("add", WritesFlags|Commutative|MemOperand, ClassBinary, 2),
	OpSub:     gpr("sub", WritesFlags|MemOperand, ClassBinary, 2),
	OpAnd:     gpr("and", WritesFlags|Commutative|MemOperand, ClassBinary, 2),
	OpOr:      gpr("or", WritesFlags|Commutative|MemOperand, ClassBinary, 2),
	OpXor:     gpr("xor", WritesFlags|Commutative|MemOperand, ClassBinary, 2),
	OpIMul:    gpr("imul", WritesFlags|Commutative|MemOperand, ClassIrregular, 2),
	OpAddImm:  gpr("addimm", WritesFlags, ClassUnary, 1),
	OpAndImm:  gpr("andimm", WritesFlags, ClassUnary, 1),
	OpShlImm:  gpr("shlimm", WritesFlags, ClassUnary, 1),
	OpShrImm:  gpr("shrimm", WritesFlags, ClassUnary, 1),
	OpSarImm:  gpr("sarimm", WritesFlags, ClassUnary, 1),
	OpNot:     gpr("not", 0, ClassUnary, 1),
	OpNeg:     gpr("neg", WritesFlags, ClassUnary, 1),
	OpLea:     {Name: "lea", Class: ClassIrregular, Ref: RefIndexed, Result: BankGPR, NumOps: 2, HasResult: true, Traits: Width64},
	OpCmp:     {Name: "cmp", Traits: WritesFlags | MemOperand, Class: ClassIrregular, NumOps: 2},
	OpCmpImm:  {Name: "cmpimm", Traits: WritesFlags, Class: ClassIrregular, NumOps: 1},
	OpSetCC:   gpr("setcc", ReadsFlags|Width32, ClassIrregular, 0),
	OpLoad32:  {Name: "load32", Traits: DependsOnOutside | Width32, Class: ClassIrregular, Ref: RefMem, Result: BankGPR, NumOps: 1, HasResult: true},
	OpLoad64:  {Name: "load64", Traits: DependsOnOutside | Width64, Class: ClassIrregular, Ref: RefMem, Result: BankGPR, NumOps: 1, HasResult: true},
	OpStore32: {Name: "store32", Traits: OutsideEffect | Width32, Class: ClassMemDst, Ref: RefMem, NumOps: 2},
	OpStore64: {Name: "store64", Traits: OutsideEffect | Width64, Class: ClassMemDst, Ref: RefMem, NumOps: 2},

	OpVMov:       vec("vmov", 0, ClassIrregular, 1),
	OpVConst:     {Name: "vconst", Traits: Width128, Class: ClassIrregular, Ref: RefPool, Result: BankVector, HasResult: true},
	OpVLoad:      {Name: "vload", Traits: DependsOnOutside | Width128, Class: ClassIrregular, Ref: RefMem, Result: BankVector, NumOps: 1, HasResult: true},
	OpVStore:     {Name: "vstore", Traits: OutsideEffect | Width128, Class: ClassMemDst, Ref: RefMem, Operands: [3]Bank{BankGPR, BankVector}, NumOps: 2},
	OpVLoad1:     {Name: "vload1", Traits: DependsOnOutside | Width32, Class: ClassIrregular, Ref: RefMem, Result: BankVector, NumOps: 1, HasResult: true},
	OpVStore1:    {Name: "vstore1", Traits: OutsideEffect | Width32, Class: ClassMemDst, Ref: RefMem, Operands: [3]Bank{BankGPR, BankVector}, NumOps: 2},
	OpVAdd:       vec("vadd", Commutative, ClassBinary, 2),
	OpVSub:       vec("vsub", 0, ClassBinary, 2),
	OpVMul:       vec("vmul", Commutative, ClassBinary, 2),
	OpVDiv:       vec("vdiv", 0, ClassBinary, 2),
	OpVMin:       vec("vmin", 0, ClassBinary, 2),
	OpVMax:       vec("vmax", 0, ClassBinary, 2),
	OpVAnd:       vec("vand", Commutative, ClassBinary, 2),
	OpVAndNot:    vec("vandnot", 0, ClassBinary, 2),
	OpVOr:        vec("vor", Commutative, ClassBinary, 2),
	OpVXor:       vec("vxor", Commutative, ClassBinary, 2),
	OpVCmp:       vec("vcmp", 0, ClassIrregular, 2),
	OpVShuffle:   vec("vshuffle", 0, ClassIrregular, 2),
	OpVSplat:     vec("vsplat", 0, ClassIrregular, 1),
	OpVCvtIntToF: vec("vcvtitof", 0, ClassIrregular, 1),
	OpVCvtFToInt: vec("vcvtftoi", 0, ClassIrregular, 1),
	OpVFromInt:   {Name: "vfromint", Traits: Width32, Class: ClassIrregular, Result: BankVector, NumOps: 1, HasResult: true},
	OpVToInt:     {Name: "vtoint", Traits: Width32, Class: ClassIrregular, Result: BankGPR, Operands: [3]Bank{BankVector}, NumOps: 1, HasResult: true},
	OpVMoveMask:  {Name: "vmovemask", Traits: Width32, Class: ClassIrregular, Result: BankGPR, Operands: [3]Bank{BankVector}, NumOps: 1, HasResult: true},
}

func (op Op) Info() *Info {
	if op < 0 || op >= OpCount { panic(fmt.Sprintf("ir: invalid opcode %d", int(op))) }
	return &opTable[op]
}

func (op Op) Has(t Trait) bool { return op.Info().Traits&t != 0 }

func (op Op) String() string {
	if op < 0 || op >= OpCount { return fmt.Sprintf("op(%d)", int(op)) }
	return opTable[op].Name
}

func IsStandardBinary(op Op) bool { return op.Info().Class == ClassBinary }
func IsStandardUnary(op Op) bool  { return op.Info().Class == ClassUnary }
func IsStandardMemDst(op Op) bool { return op.Info().Class == ClassMemDst }
func IsIrregular(op Op) bool      { return op.Info().Class == ClassIrregular }

// IsCopy reports whether op only moves a value between variables.
func IsCopy(op Op) bool { return op == OpMov || op == OpVMov }

// IsMemoryAccess reports whether op addresses memory through op1 + Imm.
func IsMemoryAccess(op Op) bool { return op.Info().Ref == RefMem }

// Operator is one recorded operation. Compiler bookkeeping lives in side
// tables keyed by ID, so an Operator is only rewritten by the optimizer.
type Operator struct {
	ID      OpID
	Op      Op
	Result  VarID
	Operand [3]VarID
	Imm     int64
	Scale   uint8
	Cond    Cond
	Target  OpID
	Ref     RefType
	Phi     bool
}

func (o *Operator) Has(t Trait) bool { return o.Op.Has(t) }

// Reads returns the distinct variables read by o, in slot order.
func (o *Operator) Reads() []VarID {
	var out []VarID
	for _, v := range o.Operand {
		if v == 0 { continue }
		dup := false
		for _, seen := range out {
			if seen == v { dup = true }
		}
		if !dup { out = append(out, v) }
	}
	return out
}

func (o *Operator) Uses(v VarID) bool {
	return v != 0 && (o.Operand[0] == v || o.Operand[1] == v || o.Operand[2] == v)
}

func (o *Operator) String() string {
	var sb strings.Builder
	if o.Result != 0 { fmt.Fprintf(&sb, "v%d = ", o.Result) }
	sb.WriteString(o.Op.String())
	if o.Phi { sb.WriteString(".phi") }
	if o.Has(ReadsFlags) { fmt.Fprintf(&sb, ".%s", o.Cond) }
	for _, v := range o.Operand {
		if v != 0 { fmt.Fprintf(&sb, " v%d", v) }
	}
	switch {
	case o.Op == OpLea:
		fmt.Fprintf(&sb, " scale=%d disp=%d", o.Scale, o.Imm)
	case o.Ref == RefPool:
		fmt.Fprintf(&sb, " pool#%d", o.Imm)
	case o.Ref == RefMem:
		fmt.Fprintf(&sb, " disp=%d", o.Imm)
	case o.Imm != 0 || o.Op == OpLoadImm || o.Op == OpCmpImm:
		fmt.Fprintf(&sb, " #%d", o.Imm)
	}
	if o.Target != 0 { fmt.Fprintf(&sb, " -> o%d", o.Target) }
	return sb.String()
}
