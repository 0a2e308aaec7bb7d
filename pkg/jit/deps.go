package jit

import (
	"sort"

	"github.com/xplshn/pxjit/pkg/arena"
	"github.com/xplshn/pxjit/pkg/ir"
)

// Link connects one operand slot of a consumer to the operators that may
// have produced the value it reads. More than one provider is an implicit
// phi.
type Link struct {
	Consumer  ir.OpID
	Slot      int
	Var       ir.VarID
	Providers []ir.OpID
}

func (l *Link) Merged() bool { return len(l.Providers) > 1 }

// Hook orders two operators with outside effects.
type Hook struct {
	From, To ir.OpID
}

func unionDefs(a, b []ir.OpID) []ir.OpID {
	out := make([]ir.OpID, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j == len(b) || (i < len(a) && a[i] < b[j]):
			out = append(out, a[i])
			i++
		case i == len(a) || b[j] < a[i]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

func sameDefs(a, b map[ir.VarID][]ir.OpID) bool {
	if len(a) != len(b) { return false }
	for v, da := range a {
		db, ok := b[v]
		if !ok || len(da) != len(db) { return false }
		for i := range da {
			if da[i] != db[i] { return false }
		}
	}
	return true
}

// computeReaching finds, per span entry, which writers of each variable can
// reach it.
func (p *Program) computeReaching() {
	for _, s := range p.spans {
		s.reachIn = map[ir.VarID][]ir.OpID{}
		s.reachOut = map[ir.VarID][]ir.OpID{}
	}
	for changed := true; changed; {
		changed = false
		for _, s := range p.spans {
			in := map[ir.VarID][]ir.OpID{}
			for _, pi := range s.Providers {
				for v, defs := range p.spans[pi].reachOut {
					in[v] = unionDefs(in[v], defs)
				}
			}
			out := make(map[ir.VarID][]ir.OpID, len(in)+len(s.gen))
			for v, defs := range in {
				out[v] = defs
			}
			for v, w := range s.gen {
				out[v] = []ir.OpID{w}
			}
			if !sameDefs(in, s.reachIn) || !sameDefs(out, s.reachOut) {
				s.reachIn, s.reachOut = in, out
				changed = true
			}
		}
	}
}

// BuildDependencyGraph rebuilds spans, links, consumers and hooks for the
// current order.
func (p *Program) BuildDependencyGraph() error {
	if err := p.BuildSpanGraph(); err != nil { return err }
	p.computeReaching()

	if p.linkSlab == nil {
		p.linkSlab = arena.NewSlab[Link](p.work)
		p.hookSlab = arena.NewSlab[Hook](p.work)
	}
	p.linkSlab.Reset()
	p.hookSlab.Reset()
	n := len(p.pos)
	if err := p.charge(n, 3*4+2*24, "dependency index"); err != nil { return err }
	p.links = make([][3]arena.Handle, n)
	p.consumers = make([][]ir.OpID, n)
	p.hooks = make([][]arena.Handle, n)

	for _, s := range p.spans {
		local := map[ir.VarID]ir.OpID{}
		for i := s.First; i <= s.Last; i++ {
			o := p.op(p.order[i])
			for slot, v := range o.Operand {
				if v == 0 { continue }
				var providers []ir.OpID
				if w, ok := local[v]; ok {
					providers = []ir.OpID{w}
				} else {
					providers = append([]ir.OpID(nil), s.reachIn[v]...)
				}
				if len(providers) == 0 {
					return internalf("v%d read by o%d (%s) has no provider", v, o.ID, o.Op)
				}
				h, l, err := p.linkSlab.Alloc()
				if err != nil { return outOfMemory("links", err) }
				*l = Link{Consumer: o.ID, Slot: slot, Var: v, Providers: providers}
				p.links[o.ID][slot] = h
				for _, w := range providers {
					p.addConsumer(w, o.ID)
				}
			}
			if o.Result != 0 { local[o.Result] = o.ID }
		}
	}

	var lastStore ir.OpID
	var loads []ir.OpID
	for _, id := range p.order {
		o := p.op(id)
		if o.Has(ir.DependsOnOutside) {
			if lastStore != 0 {
				if err := p.addHook(lastStore, id); err != nil { return err }
			}
			loads = append(loads, id)
		}
		if o.Has(ir.OutsideEffect) {
			if lastStore != 0 {
				if err := p.addHook(lastStore, id); err != nil { return err }
			}
			for _, l := range loads {
				if err := p.addHook(l, id); err != nil { return err }
			}
			loads = loads[:0]
			lastStore = id
		}
	}
	return nil
}

func (p *Program) addConsumer(provider, consumer ir.OpID) {
	cs := p.consumers[provider]
	if len(cs) > 0 && cs[len(cs)-1] == consumer { return }
	p.consumers[provider] = append(cs, consumer)
}

func (p *Program) addHook(from, to ir.OpID) error {
	h, hk, err := p.hookSlab.Alloc()
	if err != nil { return outOfMemory("hooks", err) }
	*hk = Hook{From: from, To: to}
	p.hooks[to] = append(p.hooks[to], h)
	return nil
}

// LinkAt returns the link feeding operand slot of id, or nil.
func (p *Program) LinkAt(id ir.OpID, slot int) *Link {
	if int(id) >= len(p.links) { return nil }
	return p.linkSlab.Get(p.links[id][slot])
}

// Links returns the links of every non-empty operand slot of id.
func (p *Program) Links(id ir.OpID) []*Link {
	var out []*Link
	for slot := 0; slot < 3; slot++ {
		if l := p.LinkAt(id, slot); l != nil { out = append(out, l) }
	}
	return out
}

// Provider returns the single provider feeding slot of id, or 0 when the
// slot is empty or merged.
func (p *Program) Provider(id ir.OpID, slot int) ir.OpID {
	l := p.LinkAt(id, slot)
	if l == nil || l.Merged() { return 0 }
	return l.Providers[0]
}

// Consumers returns the operators reading the result of id.
func (p *Program) Consumers(id ir.OpID) []ir.OpID {
	if int(id) >= len(p.consumers) { return nil }
	return p.consumers[id]
}

// Hooks returns the hooks ending at id.
func (p *Program) Hooks(id ir.OpID) []*Hook {
	if int(id) >= len(p.hooks) { return nil }
	out := make([]*Hook, 0, len(p.hooks[id]))
	for _, h := range p.hooks[id] {
		out = append(out, p.hookSlab.Get(h))
	}
	return out
}

// ReachingWriters returns the writers of v that reach the entry of span si.
func (p *Program) ReachingWriters(si int, v ir.VarID) []ir.OpID {
	defs := append([]ir.OpID(nil), p.spans[si].reachIn[v]...)
	sort.Slice(defs, func(i, j int) bool { return defs[i] < defs[j] })
	return defs
}
