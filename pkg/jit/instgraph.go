package jit

import "github.com/xplshn/pxjit/pkg/ir"

// BuildInstructionGraph records, per operator, the operators of its span that
// must stay in front of it: data, anti and output dependencies on variables,
// the flags register, outside-effect hooks, and the pinned span entry and
// exit.
func (p *Program) BuildInstructionGraph() error {
	n := len(p.pos)
	if err := p.charge(n, 24, "instruction graph"); err != nil { return err }
	p.before = make([][]ir.OpID, n)
	edges := 0
	for _, s := range p.spans {
		lastWrite := map[ir.VarID]ir.OpID{}
		readsSince := map[ir.VarID][]ir.OpID{}
		var flagWriter ir.OpID
		var flagReaders []ir.OpID
		first := p.op(p.order[s.First])
		pinFirst := first.Has(ir.ControlTarget)
		pinLast := p.op(p.order[s.Last]).Has(ir.ControlTransfer)

		for i := s.First; i <= s.Last; i++ {
			o := p.op(p.order[i])
			var deps []ir.OpID
			add := func(d ir.OpID) {
				if d == 0 || d == o.ID { return }
				for _, e := range deps {
					if e == d { return }
				}
				deps = append(deps, d)
			}
			if pinFirst && i > s.First { add(first.ID) }
			reads := o.Reads()
			for _, v := range reads {
				add(lastWrite[v])
			}
			if o.Result != 0 {
				add(lastWrite[o.Result])
				for _, r := range readsSince[o.Result] {
					add(r)
				}
			}
			if o.Has(ir.ReadsFlags) { add(flagWriter) }
			if o.Has(ir.WritesFlags) {
				add(flagWriter)
				for _, r := range flagReaders {
					add(r)
				}
			}
			for _, h := range p.Hooks(o.ID) {
				if p.SpanOf(h.From) == s.Index { add(h.From) }
			}
			if pinLast && i == s.Last {
				for j := s.First; j < i; j++ {
					add(p.order[j])
				}
			}

			for _, v := range reads {
				readsSince[v] = append(readsSince[v], o.ID)
			}
			if o.Result != 0 {
				lastWrite[o.Result] = o.ID
				readsSince[o.Result] = nil
			}
			if o.Has(ir.ReadsFlags) { flagReaders = append(flagReaders, o.ID) }
			if o.Has(ir.WritesFlags) {
				flagWriter = o.ID
				flagReaders = nil
			}
			p.before[o.ID] = deps
			edges += len(deps)
		}
	}
	p.log.Debug().Str("pass", "instgraph").Int("edges", edges).Msg("pass done")
	return p.charge(edges, 4, "instruction graph")
}

// Before returns the operators that must precede id within its span.
func (p *Program) Before(id ir.OpID) []ir.OpID {
	if int(id) >= len(p.before) { return nil }
	return p.before[id]
}
