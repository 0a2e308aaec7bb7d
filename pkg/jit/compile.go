package jit

import (
	"errors"
	"time"

	"github.com/xplshn/pxjit/pkg/config"
	"github.com/xplshn/pxjit/pkg/ir"
)

// snapshot holds the recorded operators as they were before the optimizer
// rewrote them, so a program can be compiled again or recorded further.
type snapshot struct {
	ops   []ir.Operator
	nvars int
}

func (p *Program) takeSnapshot() {
	s := &snapshot{ops: make([]ir.Operator, p.ops.Len()), nvars: len(p.vars)}
	for i := range s.ops {
		s.ops[i] = *p.op(ir.OpID(i + 1))
	}
	p.snap = s
}

func (p *Program) restoreSnapshot() {
	s := p.snap
	p.ops.Truncate(len(s.ops))
	for i := range s.ops {
		*p.op(ir.OpID(i + 1)) = s.ops[i]
	}
	p.vars = p.vars[:s.nvars]
	for v := range p.vars {
		p.vars[v].slot = -1
	}
}

// unfreeze puts back the recorded operators before recording continues
// after a compilation.
func (p *Program) unfreeze() {
	if p.snap == nil { return }
	p.restoreSnapshot()
	p.snap = nil
}

// Compile runs the whole pipeline and returns the machine code followed by
// its constant pool. It can be called repeatedly; every call starts from the
// recorded operators and yields the same bytes for the same configuration.
func (p *Program) Compile() ([]byte, error) {
	if p.err != nil { return nil, p.err }
	assertf(len(p.flows) == 0, "Compile with %d open flow splits", len(p.flows))
	start := time.Now()

	if p.snap == nil {
		p.takeSnapshot()
	} else {
		p.restoreSnapshot()
	}
	p.work.SetBudget(p.cfg.ArenaBudget)
	p.work.Reset()
	p.stats = Stats{}
	p.code, p.mcode, p.offsets, p.peak, p.exits = nil, nil, nil, nil, nil
	p.overflow = false
	p.order = append(p.order[:0], p.stream...)

	err := p.compile()
	if err != nil {
		if errors.Is(err, ErrOutOfMemory) { p.overflow = true }
		p.code = nil
		p.log.Error().Err(err).Str("arena", p.work.String()).Msg("compilation failed")
		return nil, err
	}
	p.warn()
	p.log.Info().Int("operators", len(p.order)).Int("bytes", len(p.code)).
		Int("frame", p.FrameSize()).Str("arena", p.work.String()).
		Dur("took", time.Since(start)).Msg("compiled")
	return p.code, nil
}

func (p *Program) compile() error {
	cfg := p.cfg
	if cfg.IsFeatureEnabled(config.FeatVerify) {
		if err := p.Validate(); err != nil { return err }
	}
	if cfg.IsFeatureEnabled(config.FeatSSA) {
		if err := p.ConvertToSSA(); err != nil { return err }
	}
	if cfg.IsFeatureEnabled(config.FeatReduce) {
		if err := p.Reduce(); err != nil { return err }
		p.compactOrder()
	}
	if err := p.BuildDependencyGraph(); err != nil { return err }
	if cfg.IsFeatureEnabled(config.FeatShuffle) {
		if err := p.Shuffle(); err != nil { return err }
	}
	if err := p.AllocateRegisters(); err != nil { return err }
	if cfg.IsFeatureEnabled(config.FeatBubble) { p.Bubble() }
	p.stats.UniqueConsts = p.CompressConstants()
	return p.Assemble()
}

func (p *Program) warn() {
	cfg := p.cfg
	if cfg.IsWarningEnabled(config.WarnSpill) && p.stats.Spills > 0 {
		p.log.Warn().Str("warning", "spill").Int("spills", p.stats.Spills).Int("slots", int(p.slots)).
			Msg("register pressure forced variables to the stack")
	}
	if cfg.IsWarningEnabled(config.WarnDeadCode) && p.stats.Removed > 0 {
		p.log.Warn().Str("warning", "dead-code").Int("removed", p.stats.Removed).Msg("recorded operators were removed")
	}
	if cfg.IsWarningEnabled(config.WarnPoolDuplicates) {
		if dup := p.pool.Len() - p.pool.Unique(); dup > 0 {
			p.log.Warn().Str("warning", "pool-dup").Int("duplicates", dup).Msg("identical literals were snapped more than once")
		}
	}
}
