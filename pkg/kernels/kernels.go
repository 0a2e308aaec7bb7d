// Package kernels holds small recorded programs used by the tests and the
// pxjit tool. Each kernel records operators into a program, seeds a frame
// with inputs and checks the outputs left in it after a run.
package kernels

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/xplshn/pxjit/pkg/config"
	"github.com/xplshn/pxjit/pkg/ir"
	"github.com/xplshn/pxjit/pkg/jit"
)

type Kernel struct {
	Name   string
	Doc    string
	Frame  int // bytes of user frame the kernel addresses
	Record func(p *jit.Program)
	Seed   func(frame []byte)
	Check  func(frame []byte) error
}

// Build records k into a new program. cfg.UserFrameSize is raised to fit the
// kernel.
func (k Kernel) Build(cfg *config.Config) (*jit.Program, error) {
	if cfg == nil { cfg = config.NewConfig() }
	if cfg.UserFrameSize < k.Frame { cfg.UserFrameSize = k.Frame }
	p := jit.NewProgram(cfg)
	k.Record(p)
	return p, p.Err()
}

var registry = map[string]Kernel{}

func register(k Kernel) { registry[k.Name] = k }

func Lookup(name string) (Kernel, bool) {
	k, ok := registry[name]
	return k, ok
}

func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	register(Add4)
	register(Select)
	register(Loop)
	register(Pressure)
	register(Constants)
	register(Scalar)
}

// frame helpers

func PutVec(frame []byte, off int, v [4]float32) {
	for i, f := range v {
		binary.LittleEndian.PutUint32(frame[off+4*i:], math.Float32bits(f))
	}
}

func GetVec(frame []byte, off int) [4]float32 {
	var v [4]float32
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(frame[off+4*i:]))
	}
	return v
}

func PutWords(frame []byte, off int, w [4]uint32) {
	for i, x := range w {
		binary.LittleEndian.PutUint32(frame[off+4*i:], x)
	}
}

func GetWords(frame []byte, off int) [4]uint32 {
	var w [4]uint32
	for i := range w {
		w[i] = binary.LittleEndian.Uint32(frame[off+4*i:])
	}
	return w
}

func splat(f float32) [4]uint32 {
	b := math.Float32bits(f)
	return [4]uint32{b, b, b, b}
}

func ret(p *jit.Program) { p.AddOperator(ir.OpRet, 0, 0, 0, 0) }

func wantVec(frame []byte, off int, want [4]float32) error {
	if got := GetVec(frame, off); got != want { return fmt.Errorf("frame+%d = %v, want %v", off, got, want) }
	return nil
}

func wantU64(frame []byte, off int, want uint64) error {
	if got := binary.LittleEndian.Uint64(frame[off:]); got != want { return fmt.Errorf("frame+%d = %d, want %d", off, got, want) }
	return nil
}

func wantU32(frame []byte, off int, want uint32) error {
	if got := binary.LittleEndian.Uint32(frame[off:]); got != want { return fmt.Errorf("frame+%d = %d, want %d", off, got, want) }
	return nil
}

// Add4 adds two 4-lane vectors: frame+32 = frame+0 + frame+16.
var Add4 = Kernel{
	Name:  "add4",
	Doc:   "four-lane float addition",
	Frame: 48,
	Record: func(p *jit.Program) {
		a, b, c := p.AllocVar(ir.TypeVec4), p.AllocVar(ir.TypeVec4), p.AllocVar(ir.TypeVec4)
		p.Load(ir.OpVLoad, a, ir.FrameVar, 0)
		p.Load(ir.OpVLoad, b, ir.FrameVar, 16)
		p.AddOperator(ir.OpVAdd, c, a, b, 0)
		p.Store(ir.OpVStore, ir.FrameVar, 32, c)
		ret(p)
	},
	Seed: func(frame []byte) {
		PutVec(frame, 0, [4]float32{1, 2, 3, 4})
		PutVec(frame, 16, [4]float32{5, 6, 7, 8})
	},
	Check: func(frame []byte) error { return wantVec(frame, 32, [4]float32{6, 8, 10, 12}) },
}

// SelectCond is the frame offset of the Select condition word.
const SelectCond = 0

// Select stores frame+16 when the word at frame+0 is non-zero and frame+32
// otherwise, through one variable assigned on both paths.
var Select = Kernel{
	Name:  "select",
	Doc:   "if/else assigning one variable on both paths",
	Frame: 64,
	Record: func(p *jit.Program) {
		c := p.AllocVar(ir.TypeInt32)
		a, b, v := p.AllocVar(ir.TypeVec4), p.AllocVar(ir.TypeVec4), p.AllocVar(ir.TypeVec4)
		p.Load(ir.OpLoad32, c, ir.FrameVar, SelectCond)
		p.Load(ir.OpVLoad, a, ir.FrameVar, 16)
		p.Load(ir.OpVLoad, b, ir.FrameVar, 32)

		p.SplitFlow()
		p.Imm(ir.OpCmpImm, 0, c, 0)
		br := p.Branch(ir.OpBranch, ir.CondE)
		p.SetFlow(1)
		p.AddOperator(ir.OpVMov, v, a, 0, 0)
		j := p.AddOperator(ir.OpJump, 0, 0, 0, 0)
		p.SetFlow(2)
		els := p.AddOperator(ir.OpTarget, 0, 0, 0, 0)
		p.AddOperator(ir.OpVMov, v, b, 0, 0)
		p.SetFlow(3)
		end := p.AddOperator(ir.OpTarget, 0, 0, 0, 0)
		p.MergeFlow()
		p.Link(br.ID, els.ID)
		p.Link(j.ID, end.ID)

		p.Store(ir.OpVStore, ir.FrameVar, 48, v)
		ret(p)
	},
	Seed: func(frame []byte) {
		binary.LittleEndian.PutUint32(frame[SelectCond:], 1)
		PutVec(frame, 16, [4]float32{1, 2, 3, 4})
		PutVec(frame, 32, [4]float32{-1, -2, -3, -4})
	},
	Check: func(frame []byte) error {
		want := GetVec(frame, 32)
		if binary.LittleEndian.Uint32(frame[SelectCond:]) != 0 { want = GetVec(frame, 16) }
		return wantVec(frame, 48, want)
	},
}

// Loop sums 0..n-1 for n at frame+0 (n >= 1) into frame+4.
var Loop = Kernel{
	Name:  "loop",
	Doc:   "counted loop carrying two variables around the back edge",
	Frame: 16,
	Record: func(p *jit.Program) {
		n, i, acc := p.AllocVar(ir.TypeInt32), p.AllocVar(ir.TypeInt32), p.AllocVar(ir.TypeInt32)
		p.Load(ir.OpLoad32, n, ir.FrameVar, 0)
		p.Imm(ir.OpLoadImm, i, 0, 0)
		p.Imm(ir.OpLoadImm, acc, 0, 0)
		start := p.AddOperator(ir.OpLoopStart, 0, 0, 0, 0)
		p.AddOperator(ir.OpAdd, acc, acc, i, 0)
		p.Imm(ir.OpAddImm, i, i, 1)
		p.AddOperator(ir.OpCmp, 0, i, n, 0)
		rep := p.Branch(ir.OpLoopRepeat, ir.CondL)
		p.Link(rep.ID, start.ID)
		p.Store(ir.OpStore32, ir.FrameVar, 4, acc)
		ret(p)
	},
	Seed: func(frame []byte) { binary.LittleEndian.PutUint32(frame, 10) },
	Check: func(frame []byte) error {
		n := binary.LittleEndian.Uint32(frame)
		return wantU32(frame, 4, n*(n-1)/2)
	},
}

// PressureValues is the number of vectors Pressure keeps alive at once, more
// than the vector bank holds.
const PressureValues = 20

// Pressure loads PressureValues vectors, sums them into frame+320, then adds
// every one of them again to the sum and stores that at frame+336. All of
// them are live when the first sum completes.
var Pressure = Kernel{
	Name:  "pressure",
	Doc:   "more live vectors than registers",
	Frame: PressureValues*16 + 32,
	Record: func(p *jit.Program) {
		vs := make([]ir.VarID, PressureValues)
		for i := range vs {
			vs[i] = p.AllocVar(ir.TypeVec4)
		}
		// loads are recorded last-first and flipped into frame order
		p.SplitFlow()
		for i := len(vs) - 1; i >= 0; i-- {
			p.Load(ir.OpVLoad, vs[i], ir.FrameVar, int32(16*i))
		}
		p.ReverseFlow(0)
		p.SetFlow(1)
		acc := vs[0]
		for _, v := range vs[1:] {
			next := p.AllocVar(ir.TypeVec4)
			p.AddOperator(ir.OpVAdd, next, acc, v, 0)
			acc = next
		}
		p.Store(ir.OpVStore, ir.FrameVar, PressureValues*16, acc)
		p.SetFlow(2)
		acc2 := acc
		for _, v := range vs {
			next := p.AllocVar(ir.TypeVec4)
			p.AddOperator(ir.OpVAdd, next, acc2, v, 0)
			acc2 = next
		}
		p.Store(ir.OpVStore, ir.FrameVar, PressureValues*16+16, acc2)
		p.MergeFlow()
		ret(p)
	},
	Seed: func(frame []byte) {
		for i := 0; i < PressureValues; i++ {
			f := float32(i)
			PutVec(frame, 16*i, [4]float32{f, 2 * f, 3 * f, 4 * f})
		}
	},
	Check: func(frame []byte) error {
		s := float32(PressureValues * (PressureValues - 1) / 2)
		sum := [4]float32{s, 2 * s, 3 * s, 4 * s}
		if err := wantVec(frame, PressureValues*16, sum); err != nil { return err }
		return wantVec(frame, PressureValues*16+16, [4]float32{2 * sum[0], 2 * sum[1], 2 * sum[2], 2 * sum[3]})
	},
}

const (
	ConstantCount  = 40
	ConstantCopies = 3 // trailing literals that share one bit pattern
)

// ConstantLiteral returns the i-th literal recorded by Constants.
func ConstantLiteral(i int) [4]uint32 {
	if i >= ConstantCount-ConstantCopies { return splat(100) }
	return splat(float32(i + 1))
}

// Constants sums ConstantCount pool literals into frame+0.
var Constants = Kernel{
	Name:  "constants",
	Doc:   "constant pool deduplication",
	Frame: 16,
	Record: func(p *jit.Program) {
		var acc ir.VarID
		for i := 0; i < ConstantCount; i++ {
			c := p.AllocVar(ir.TypeVec4)
			w := ConstantLiteral(i)
			p.Const(c, w[:]...)
			if acc == 0 {
				acc = c
				continue
			}
			next := p.AllocVar(ir.TypeVec4)
			p.AddOperator(ir.OpVAdd, next, acc, c, 0)
			acc = next
		}
		p.Store(ir.OpVStore, ir.FrameVar, 0, acc)
		ret(p)
	},
	Seed: func(frame []byte) {},
	Check: func(frame []byte) error {
		var s float32
		for i := 0; i < ConstantCount; i++ {
			s += math.Float32frombits(ConstantLiteral(i)[0])
		}
		return wantVec(frame, 0, [4]float32{s, s, s, s})
	},
}

// Scalar frame layout.
const (
	ScalarX      = 0  // u64 input
	ScalarBase   = 8  // u64 input
	ScalarAddr   = 16 // u64 output: base + lo32(x)*8 + 16
	ScalarLo     = 24 // u32 output: lo32(x)
	ScalarSum    = 32 // u64 output: lo32(x) + 12
	ScalarMaskA  = 48
	ScalarMaskB  = 64
	ScalarAndNot = 80 // ^A & B
)

// Scalar exercises every strength-reduction rule: a masked 64-bit load, an
// index shift feeding an addition, chained immediate additions, a pointer
// offset feeding a store, a copy, and a vector xor-with-ones feeding an and.
var Scalar = Kernel{
	Name:  "scalar",
	Doc:   "integer address arithmetic and vector masking",
	Frame: 96,
	Record: func(p *jit.Program) {
		x, lo, idx := p.AllocVar(ir.TypeInt64), p.AllocVar(ir.TypeInt64), p.AllocVar(ir.TypeInt64)
		base, addr, addr2 := p.AllocVar(ir.TypeInt64), p.AllocVar(ir.TypeInt64), p.AllocVar(ir.TypeInt64)
		ptr := p.AllocVar(ir.TypePtr)
		q, r, m := p.AllocVar(ir.TypeInt64), p.AllocVar(ir.TypeInt64), p.AllocVar(ir.TypeInt64)

		p.Load(ir.OpLoad64, x, ir.FrameVar, ScalarX)
		p.Imm(ir.OpAndImm, lo, x, 0xFFFFFFFF)
		p.Load(ir.OpLoad64, base, ir.FrameVar, ScalarBase)
		p.Imm(ir.OpShlImm, idx, lo, 3)
		p.AddOperator(ir.OpAdd, addr, base, idx, 0)
		p.Imm(ir.OpAddImm, addr2, addr, 16)
		p.Store(ir.OpStore64, ir.FrameVar, ScalarAddr, addr2)

		p.Imm(ir.OpAddImm, ptr, ir.FrameVar, ScalarLo)
		p.Store(ir.OpStore32, ptr, 0, lo)

		p.Imm(ir.OpAddImm, q, lo, 5)
		p.Imm(ir.OpAddImm, r, q, 7)
		p.AddOperator(ir.OpMov, m, r, 0, 0)
		p.Store(ir.OpStore64, ir.FrameVar, ScalarSum, m)

		a, b, ones := p.AllocVar(ir.TypeVec4), p.AllocVar(ir.TypeVec4), p.AllocVar(ir.TypeVec4)
		na, out := p.AllocVar(ir.TypeVec4), p.AllocVar(ir.TypeVec4)
		p.Load(ir.OpVLoad, a, ir.FrameVar, ScalarMaskA)
		p.Load(ir.OpVLoad, b, ir.FrameVar, ScalarMaskB)
		p.Const(ones, 0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF)
		p.AddOperator(ir.OpVXor, na, a, ones, 0)
		p.AddOperator(ir.OpVAnd, out, na, b, 0)
		p.Store(ir.OpVStore, ir.FrameVar, ScalarAndNot, out)
		ret(p)
	},
	Seed: func(frame []byte) {
		binary.LittleEndian.PutUint64(frame[ScalarX:], 0x1_0000_0003)
		binary.LittleEndian.PutUint64(frame[ScalarBase:], 1000)
		PutWords(frame, ScalarMaskA, [4]uint32{0xF0F0F0F0, 0, 0xFFFFFFFF, 0x12345678})
		PutWords(frame, ScalarMaskB, [4]uint32{0xFFFF0000, 0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF})
	},
	Check: func(frame []byte) error {
		x := binary.LittleEndian.Uint64(frame[ScalarX:])
		base := binary.LittleEndian.Uint64(frame[ScalarBase:])
		lo := x & 0xFFFFFFFF
		if err := wantU64(frame, ScalarAddr, base+lo*8+16); err != nil { return err }
		if err := wantU32(frame, ScalarLo, uint32(lo)); err != nil { return err }
		if err := wantU64(frame, ScalarSum, lo+12); err != nil { return err }
		a, b := GetWords(frame, ScalarMaskA), GetWords(frame, ScalarMaskB)
		var want [4]uint32
		for i := range want {
			want[i] = ^a[i] & b[i]
		}
		if got := GetWords(frame, ScalarAndNot); got != want { return fmt.Errorf("frame+%d = %#x, want %#x", ScalarAndNot, got, want) }
		return nil
	},
}
