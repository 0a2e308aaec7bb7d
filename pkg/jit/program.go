// Package jit records vector and scalar operators and compiles them to amd64
// machine code with an embedded constant pool.
package jit

import (
	"github.com/google/btree"
	"github.com/rs/zerolog"

	"github.com/xplshn/pxjit/pkg/arena"
	"github.com/xplshn/pxjit/pkg/config"
	"github.com/xplshn/pxjit/pkg/ir"
	"github.com/xplshn/pxjit/pkg/locator"
	"github.com/xplshn/pxjit/pkg/pool"
)

type varInfo struct {
	typ  ir.VarType
	slot int32
}

// Program is a recorded computation and the state of its last compilation.
// It is not safe for concurrent use.
type Program struct {
	cfg *config.Config
	log zerolog.Logger

	rec     *arena.Arena
	ops     *arena.Slab[ir.Operator]
	vars    []varInfo
	pool    *pool.Storage
	stream  []ir.OpID
	flows   []*flowSet
	err     error
	scratch ir.Operator

	work      *arena.Arena
	order     []ir.OpID
	pos       []int32
	spanSlab  *arena.Slab[Span]
	spans     []*Span
	spanOf    []int32
	linkSlab  *arena.Slab[Link]
	links     [][3]arena.Handle
	consumers [][]ir.OpID
	hookSlab  *arena.Slab[Hook]
	hooks     [][]arena.Handle
	before    [][]ir.OpID
	rethink   *btree.BTreeG[rethinkItem]
	alloc     []Alloc
	mcode     []MInstr
	offsets   []int32
	slots     int32
	peak      *locator.Locator
	exits     []*locator.Locator
	stats     Stats
	code      []byte
	poolBase  int
	overflow  bool
	snap      *snapshot
}

// Stats summarizes the last compilation.
type Stats struct {
	Removed      int // operators nopified by Reduce
	PhiCopies    int
	Spills       int
	Reloads      int
	PeakPressure int
	UniqueConsts int
}

func NewProgram(cfg *config.Config) *Program {
	if cfg == nil { cfg = config.NewConfig() }
	p := &Program{
		cfg:  cfg,
		log:  cfg.Logger.With().Str("component", "jit").Logger(),
		rec:  arena.New(arena.Unlimited),
		pool: pool.New(),
		work: arena.New(cfg.ArenaBudget),
	}
	p.ops = arena.NewSlab[ir.Operator](p.rec)
	p.vars = []varInfo{{}, {typ: ir.TypePtr, slot: -1}}
	p.record(ir.OpEntry, ir.FrameVar, [3]ir.VarID{})
	return p
}

func (p *Program) Config() *config.Config { return p.cfg }

// Err reports the first recording failure. Recording calls after a failure
// are ignored.
func (p *Program) Err() error { return p.err }

func (p *Program) fail(err error) {
	if p.err == nil {
		p.err = err
		p.log.Error().Err(err).Msg("recording failed")
	}
}

// GrowVars fails with ErrOutOfMemory if n more variables would exceed the
// configured limit.
func (p *Program) GrowVars(n int) error {
	if len(p.vars)+n > p.cfg.MaxVars {
		err := outOfMemory("variables", errLimit(len(p.vars)+n, p.cfg.MaxVars))
		p.fail(err)
		return err
	}
	if need := len(p.vars) + n; need > cap(p.vars) {
		grown := make([]varInfo, len(p.vars), need)
		copy(grown, p.vars)
		p.vars = grown
	}
	return nil
}

// GrowOperators fails with ErrOutOfMemory if n more operators would exceed
// the configured limit.
func (p *Program) GrowOperators(n int) error {
	if p.ops.Len()+n > p.cfg.MaxOperators {
		err := outOfMemory("operators", errLimit(p.ops.Len()+n, p.cfg.MaxOperators))
		p.fail(err)
		return err
	}
	return nil
}

func (p *Program) AllocVar(t ir.VarType) ir.VarID {
	assertf(t > ir.TypeNone && t < ir.TypeCount, "invalid variable type %d", t)
	p.unfreeze()
	if p.err != nil || p.GrowVars(1) != nil { return 0 }
	p.vars = append(p.vars, varInfo{typ: t, slot: -1})
	return ir.VarID(len(p.vars) - 1)
}

func (p *Program) NumVars() int               { return len(p.vars) }
func (p *Program) VarType(v ir.VarID) ir.VarType { return p.vars[v].typ }
func (p *Program) VarBank(v ir.VarID) ir.Bank    { return p.vars[v].typ.Bank() }

func (p *Program) checkVar(v ir.VarID) {
	assertf(int(v) < len(p.vars), "variable v%d out of range (%d allocated)", v, len(p.vars))
}

// AddOperator records op into the current flow. The returned operator stays
// valid for the life of the program; callers set Imm, Cond or Scale on it.
func (p *Program) AddOperator(op ir.Op, result, op1, op2, op3 ir.VarID) *ir.Operator {
	assertf(op > ir.OpEntry && op < ir.OpCount, "invalid opcode %d", op)
	assertf(result != ir.FrameVar, "the frame variable is read-only")
	for _, v := range [...]ir.VarID{result, op1, op2, op3} {
		p.checkVar(v)
	}
	if p.err != nil { return &p.scratch }
	if p.GrowOperators(1) != nil { return &p.scratch }
	return p.record(op, result, [3]ir.VarID{op1, op2, op3})
}

func (p *Program) record(op ir.Op, result ir.VarID, operands [3]ir.VarID) *ir.Operator {
	p.unfreeze()
	h, o, err := p.ops.Alloc()
	if err != nil {
		p.fail(outOfMemory("operators", err))
		return &p.scratch
	}
	*o = ir.Operator{ID: ir.OpID(h), Op: op, Result: result, Operand: operands, Ref: op.Info().Ref}
	buf := p.current()
	*buf = append(*buf, o.ID)
	return o
}

// Operator returns the operator with the given id.
func (p *Program) Operator(id ir.OpID) *ir.Operator {
	o := p.ops.Get(arena.Handle(id))
	assertf(o != nil, "operator o%d does not exist", id)
	return o
}

func (p *Program) op(id ir.OpID) *ir.Operator { return p.ops.Get(arena.Handle(id)) }

func (p *Program) NumOperators() int { return p.ops.Len() }

// Link makes the control transfer from jump to the control target to.
func (p *Program) Link(from, to ir.OpID) {
	p.unfreeze()
	f, t := p.Operator(from), p.Operator(to)
	assertf(f.Has(ir.ControlTransfer) && f.Op != ir.OpRet, "o%d (%s) is not a branch", from, f.Op)
	assertf(t.Has(ir.ControlTarget) && t.Op != ir.OpEntry, "o%d (%s) is not a branch target", to, t.Op)
	f.Target = to
}

// SnapData adds a 1, 2 or 4 word literal to the constant pool.
func (p *Program) SnapData(words ...uint32) pool.ConstID {
	id, err := p.pool.Snap(words...)
	assertf(err == nil, "%v", err)
	return id
}

// Pool exposes the constant pool of the program.
func (p *Program) Pool() *pool.Storage { return p.pool }

// Convenience builders used by recorders.

// Load records a memory read of base+disp.
func (p *Program) Load(op ir.Op, result, base ir.VarID, disp int32) *ir.Operator {
	o := p.AddOperator(op, result, base, 0, 0)
	o.Imm = int64(disp)
	return o
}

// Store records a memory write of value to base+disp.
func (p *Program) Store(op ir.Op, base ir.VarID, disp int32, value ir.VarID) *ir.Operator {
	o := p.AddOperator(op, 0, base, value, 0)
	o.Imm = int64(disp)
	return o
}

// Imm records an operator taking an immediate operand.
func (p *Program) Imm(op ir.Op, result, src ir.VarID, imm int64) *ir.Operator {
	o := p.AddOperator(op, result, src, 0, 0)
	o.Imm = imm
	return o
}

// Const snaps words and records a vector load of them.
func (p *Program) Const(result ir.VarID, words ...uint32) *ir.Operator {
	id := p.SnapData(words...)
	o := p.AddOperator(ir.OpVConst, result, 0, 0, 0)
	o.Imm = int64(id)
	return o
}

// Branch records a conditional branch reading the current flags.
func (p *Program) Branch(op ir.Op, cond ir.Cond) *ir.Operator {
	o := p.AddOperator(op, 0, 0, 0, 0)
	o.Cond = cond
	return o
}
