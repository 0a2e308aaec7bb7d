package codegen

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/xplshn/pxjit/pkg/config"
	"github.com/xplshn/pxjit/pkg/ir"
	"github.com/xplshn/pxjit/pkg/jit"
	"github.com/xplshn/pxjit/pkg/pool"
)

var errNotCompiled = errors.New("program has not been compiled")

type listingBackend struct{ out *bytes.Buffer }

func NewListingBackend() Backend { return &listingBackend{} }

func (b *listingBackend) Generate(prog *jit.Program, cfg *config.Config) (*bytes.Buffer, error) {
	if prog.CodeSize() == 0 { return nil, errNotCompiled }
	b.out = &bytes.Buffer{}
	st := prog.Stats()
	fmt.Fprintf(b.out, "; %d operators, %d spans, %d bytes code+pool, frame %d bytes\n",
		len(prog.Order()), len(prog.Spans()), prog.CodeSize(), prog.FrameSize())
	fmt.Fprintf(b.out, "; removed %d, phi copies %d, spills %d, reloads %d, peak pressure %d, %d unique constants\n",
		st.Removed, st.PhiCopies, st.Spills, st.Reloads, st.PeakPressure, st.UniqueConsts)

	span := -1
	for _, m := range prog.MachineCode() {
		if m.Kind != jit.MOp {
			fmt.Fprintf(b.out, "              %s\n", m)
			continue
		}
		if si := prog.SpanOf(m.Op); si != span {
			span = si
			s := prog.Spans()[si]
			fmt.Fprintf(b.out, "%s live-in %s\n", s, s.LiveIn)
		}
		b.operator(prog, prog.Operator(m.Op))
	}
	b.constants(prog)
	return b.out, nil
}

func (b *listingBackend) operator(prog *jit.Program, o *ir.Operator) {
	al := prog.AllocOf(o.ID)
	var regs []string
	if al.Result.Valid() { regs = append(regs, al.Result.String()) }
	var srcs []string
	for slot, r := range al.Operand {
		switch {
		case int(al.MemSlot) == slot:
			srcs = append(srcs, fmt.Sprintf("[frame+%d]", al.MemDisp))
		case r.Valid():
			srcs = append(srcs, r.String())
		}
	}
	if len(srcs) > 0 { regs = append(regs, "<- "+strings.Join(srcs, ", ")) }
	if al.Swapped { regs = append(regs, "(swapped)") }
	fmt.Fprintf(b.out, "  %06x  o%-4d %-36s %s\n", prog.Offset(o.ID), o.ID, o, strings.Join(regs, " "))
}

func (b *listingBackend) constants(prog *jit.Program) {
	pl := prog.Pool()
	if pl.Len() == 0 { return }
	fmt.Fprintf(b.out, "; constant pool, %d references to %d entries\n", pl.Len(), pl.Unique())
	seen := map[int]bool{}
	for id := 1; id <= pl.Len(); id++ {
		off := prog.ConstOffset(pool.ConstID(id))
		if seen[off] { continue }
		seen[off] = true
		fmt.Fprintf(b.out, "  %06x  %08x\n", off, pl.Words(pool.ConstID(id)))
	}
}

type hexBackend struct{}

func NewHexBackend() Backend { return hexBackend{} }

func (hexBackend) Generate(prog *jit.Program, cfg *config.Config) (*bytes.Buffer, error) {
	if prog.CodeSize() == 0 { return nil, errNotCompiled }
	var out bytes.Buffer
	out.WriteString(hex.Dump(prog.Code()))
	return &out, nil
}
