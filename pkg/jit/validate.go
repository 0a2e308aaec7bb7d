package jit

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/xplshn/pxjit/pkg/ir"
)

// Validate checks the recorded stream for operand arity, register bank
// mismatches and dangling branches. Every problem found is reported.
func (p *Program) Validate() error {
	var result error
	add := func(o *ir.Operator, format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf("o%d (%s): %s", o.ID, o.Op, fmt.Sprintf(format, args...)))
	}
	inStream := make(map[ir.OpID]bool, len(p.stream))
	for _, id := range p.stream {
		inStream[id] = true
	}

	for _, id := range p.stream {
		o := p.op(id)
		info := o.Op.Info()
		if info.HasResult != (o.Result != 0) {
			add(o, "result v%d does not match the opcode", o.Result)
		} else if o.Result != 0 && p.vars[o.Result].typ.Bank() != info.Result {
			add(o, "result v%d is a %s variable, want %s", o.Result, p.vars[o.Result].typ, info.Result)
		}
		for slot, v := range o.Operand {
			switch {
			case slot >= info.NumOps && v != 0:
				add(o, "unexpected operand %d", slot)
			case slot < info.NumOps && v == 0:
				if o.Op != ir.OpLea || slot != 1 { add(o, "missing operand %d", slot) }
			case v != 0 && p.vars[v].typ.Bank() != info.Operands[slot]:
				add(o, "operand %d v%d is a %s variable, want %s", slot, v, p.vars[v].typ, info.Operands[slot])
			}
		}
		if o.Has(ir.ControlTransfer) && o.Op != ir.OpRet {
			if o.Target == 0 {
				add(o, "branch has no target")
			} else if !inStream[o.Target] {
				add(o, "target o%d is not in the operator stream", o.Target)
			}
		}
		if o.Op == ir.OpVConst && (o.Imm <= 0 || int(o.Imm) > p.pool.Len()) {
			add(o, "unknown constant %d", o.Imm)
		}
		p.validateImm(o, add)
	}
	if result != nil { return fmt.Errorf("%w: %v", ErrInternal, result) }
	return nil
}

// validateImm rejects immediates the encoding would truncate or the
// hardware would mask.
func (p *Program) validateImm(o *ir.Operator, add func(o *ir.Operator, format string, args ...any)) {
	switch o.Op {
	case ir.OpAddImm, ir.OpCmpImm, ir.OpLea:
		if !fitsInt32(o.Imm) { add(o, "immediate %d does not fit in 32 bits", o.Imm) }
	case ir.OpAndImm:
		// the low-dword mask is encoded as a 32-bit move
		if !fitsInt32(o.Imm) && o.Imm != 0xFFFFFFFF { add(o, "immediate %d does not fit in 32 bits", o.Imm) }
	case ir.OpShlImm, ir.OpShrImm, ir.OpSarImm:
		bits := int64(32)
		if o.Result != 0 && p.vars[o.Result].typ.Wide() { bits = 64 }
		if o.Imm < 0 || o.Imm >= bits { add(o, "shift count %d out of range for a %d-bit value", o.Imm, bits) }
	}
	if ir.IsMemoryAccess(o.Op) && !fitsInt32(o.Imm) { add(o, "displacement %d does not fit in 32 bits", o.Imm) }
}
