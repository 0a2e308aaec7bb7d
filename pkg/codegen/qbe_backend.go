package codegen

import (
	"fmt"
	"strings"

	"github.com/xplshn/pxjit/pkg/ir"
	"github.com/xplshn/pxjit/pkg/jit"
)

type qbeBackend struct {
	out  *strings.Builder
	prog *jit.Program
	// operands of the last comparison, copied so later writes cannot change
	// what a flag reader sees
	cmpA, cmpB, cmpClass string
	temps                int
	// after jmp or ret the next instruction needs a block label of its own
	pending ir.OpID
}

func NewQBEBackend() Backend { return &qbeBackend{} }

var qbeCond = map[ir.Cond]string{
	ir.CondE: "eq", ir.CondNE: "ne", ir.CondL: "slt", ir.CondLE: "sle",
	ir.CondG: "sgt", ir.CondGE: "sge", ir.CondB: "ult", ir.CondBE: "ule",
	ir.CondA: "ugt", ir.CondAE: "uge",
}

var qbeBinary = map[ir.Op]string{
	ir.OpAdd: "add", ir.OpSub: "sub", ir.OpAnd: "and", ir.OpOr: "or",
	ir.OpXor: "xor", ir.OpIMul: "mul",
}

var qbeImm = map[ir.Op]string{
	ir.OpAddImm: "add", ir.OpAndImm: "and", ir.OpShlImm: "shl",
	ir.OpShrImm: "shr", ir.OpSarImm: "sar",
}

func (b *qbeBackend) class(v ir.VarID) string {
	if b.prog.VarType(v).Wide() { return "l" }
	return "w"
}

func (b *qbeBackend) val(v ir.VarID) string { return fmt.Sprintf("%%v%d", v) }

func (b *qbeBackend) temp() string {
	b.temps++
	return fmt.Sprintf("%%t%d", b.temps)
}

// GenerateIR lowers the operator order of prog, or its recorded stream when
// it has not been compiled, to a QBE function named name. Vector operators
// have no QBE form and are rejected.
func (b *qbeBackend) GenerateIR(prog *jit.Program, name string) (string, error) {
	b.out, b.prog, b.temps, b.pending = &strings.Builder{}, prog, 0, 0
	b.cmpA, b.cmpB, b.cmpClass = "", "", ""
	ids := prog.Order()
	if len(ids) == 0 { ids = prog.Stream() }

	fmt.Fprintf(b.out, "export function $%s(l %s) {\n@start\n", name, b.val(ir.FrameVar))
	for _, id := range ids {
		if err := b.genOperator(prog.Operator(id)); err != nil { return "", err }
	}
	if b.pending == 0 { b.out.WriteString("\tret\n") }
	b.out.WriteString("}\n")
	return b.out.String(), nil
}

func (b *qbeBackend) address(base ir.VarID, disp int64) string {
	t := b.temp()
	fmt.Fprintf(b.out, "\t%s =l add %s, %d\n", t, b.val(base), disp)
	return t
}

func (b *qbeBackend) genOperator(o *ir.Operator) error {
	r, a, c := o.Result, o.Operand[0], o.Operand[1]
	switch o.Op {
	case ir.OpEntry, ir.OpNop:
		return nil
	case ir.OpTarget, ir.OpLoopStart:
		b.pending = 0
		fmt.Fprintf(b.out, "@o%d\n", o.ID)
		return nil
	}
	if b.pending != 0 {
		fmt.Fprintf(b.out, "@f%d\n", b.pending)
		b.pending = 0
	}

	switch o.Op {
	case ir.OpJump:
		fmt.Fprintf(b.out, "\tjmp @o%d\n", o.Target)
		b.pending = o.ID
	case ir.OpBranch, ir.OpLoopRepeat:
		if b.cmpA == "" { return fmt.Errorf("qbe: o%d reads flags that no comparison set", o.ID) }
		t := b.temp()
		fmt.Fprintf(b.out, "\t%s =w c%s%s %s, %s\n", t, qbeCond[o.Cond], b.cmpClass, b.cmpA, b.cmpB)
		fmt.Fprintf(b.out, "\tjnz %s, @o%d, @f%d\n@f%d\n", t, o.Target, o.ID, o.ID)
	case ir.OpRet:
		b.out.WriteString("\tret\n")
		b.pending = o.ID

	case ir.OpMov:
		op := "copy"
		if b.class(r) == "l" && b.class(a) == "w" { op = "extuw" }
		fmt.Fprintf(b.out, "\t%s =%s %s %s\n", b.val(r), b.class(r), op, b.val(a))
	case ir.OpLoadImm:
		fmt.Fprintf(b.out, "\t%s =%s copy %d\n", b.val(r), b.class(r), o.Imm)
	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpIMul:
		fmt.Fprintf(b.out, "\t%s =%s %s %s, %s\n", b.val(r), b.class(r), qbeBinary[o.Op], b.val(a), b.val(c))
	case ir.OpAddImm, ir.OpAndImm, ir.OpShlImm, ir.OpShrImm, ir.OpSarImm:
		fmt.Fprintf(b.out, "\t%s =%s %s %s, %d\n", b.val(r), b.class(r), qbeImm[o.Op], b.val(a), o.Imm)
	case ir.OpNot:
		fmt.Fprintf(b.out, "\t%s =%s xor %s, -1\n", b.val(r), b.class(r), b.val(a))
	case ir.OpNeg:
		fmt.Fprintf(b.out, "\t%s =%s neg %s\n", b.val(r), b.class(r), b.val(a))
	case ir.OpLea:
		sum := b.address(a, o.Imm)
		if c != 0 {
			scaled := b.temp()
			fmt.Fprintf(b.out, "\t%s =l mul %s, %d\n", scaled, b.val(c), o.Scale)
			fmt.Fprintf(b.out, "\t%s =l add %s, %s\n", b.val(r), sum, scaled)
		} else {
			fmt.Fprintf(b.out, "\t%s =l copy %s\n", b.val(r), sum)
		}
	case ir.OpCmp, ir.OpCmpImm:
		b.cmpClass = b.class(a)
		b.cmpA = b.temp()
		fmt.Fprintf(b.out, "\t%s =%s copy %s\n", b.cmpA, b.cmpClass, b.val(a))
		b.cmpB = b.temp()
		if o.Op == ir.OpCmp {
			fmt.Fprintf(b.out, "\t%s =%s copy %s\n", b.cmpB, b.cmpClass, b.val(c))
		} else {
			fmt.Fprintf(b.out, "\t%s =%s copy %d\n", b.cmpB, b.cmpClass, o.Imm)
		}
	case ir.OpSetCC:
		if b.cmpA == "" { return fmt.Errorf("qbe: o%d reads flags that no comparison set", o.ID) }
		fmt.Fprintf(b.out, "\t%s =w c%s%s %s, %s\n", b.val(r), qbeCond[o.Cond], b.cmpClass, b.cmpA, b.cmpB)
	case ir.OpLoad32:
		op := "loadw"
		if b.class(r) == "l" { op = "loaduw" }
		fmt.Fprintf(b.out, "\t%s =%s %s %s\n", b.val(r), b.class(r), op, b.address(a, o.Imm))
	case ir.OpLoad64:
		fmt.Fprintf(b.out, "\t%s =l loadl %s\n", b.val(r), b.address(a, o.Imm))
	case ir.OpStore32:
		fmt.Fprintf(b.out, "\tstorew %s, %s\n", b.val(c), b.address(a, o.Imm))
	case ir.OpStore64:
		fmt.Fprintf(b.out, "\tstorel %s, %s\n", b.val(c), b.address(a, o.Imm))
	default:
		return fmt.Errorf("qbe: %s (o%d) has no scalar QBE form", o.Op, o.ID)
	}
	return nil
}
