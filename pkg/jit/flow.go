package jit

import "github.com/xplshn/pxjit/pkg/ir"

// MaxFlows is the number of parallel operator streams opened by SplitFlow.
const MaxFlows = 5

type flowSet struct {
	flows   [MaxFlows][]ir.OpID
	current int
}

func (p *Program) current() *[]ir.OpID {
	if n := len(p.flows); n > 0 {
		top := p.flows[n-1]
		return &top.flows[top.current]
	}
	return &p.stream
}

// SplitFlow opens MaxFlows empty streams and makes flow 0 current. Splits
// nest; each must be closed by MergeFlow.
func (p *Program) SplitFlow() { p.flows = append(p.flows, &flowSet{}) }

// SetFlow redirects recording into flow id of the innermost split.
func (p *Program) SetFlow(id int) {
	assertf(len(p.flows) > 0, "SetFlow outside SplitFlow")
	assertf(id >= 0 && id < MaxFlows, "flow %d out of range", id)
	p.flows[len(p.flows)-1].current = id
}

// ReverseFlow reverses the operators recorded so far in flow id.
func (p *Program) ReverseFlow(id int) {
	assertf(len(p.flows) > 0, "ReverseFlow outside SplitFlow")
	assertf(id >= 0 && id < MaxFlows, "flow %d out of range", id)
	f := p.flows[len(p.flows)-1].flows[id]
	for i, j := 0, len(f)-1; i < j; i, j = i+1, j-1 {
		f[i], f[j] = f[j], f[i]
	}
}

// MergeFlow closes the innermost split, appending flows 0..MaxFlows-1 in
// order to the stream that was current when it was opened.
func (p *Program) MergeFlow() {
	assertf(len(p.flows) > 0, "MergeFlow without SplitFlow")
	top := p.flows[len(p.flows)-1]
	p.flows = p.flows[:len(p.flows)-1]
	buf := p.current()
	for _, f := range top.flows {
		*buf = append(*buf, f...)
	}
}

// FlowDepth reports how many splits are open.
func (p *Program) FlowDepth() int { return len(p.flows) }

// Stream returns the recorded operator ids in stream order.
func (p *Program) Stream() []ir.OpID { return append([]ir.OpID(nil), p.stream...) }
