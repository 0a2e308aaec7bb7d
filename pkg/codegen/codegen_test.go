package codegen

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xplshn/pxjit/pkg/config"
	"github.com/xplshn/pxjit/pkg/jit"
	"github.com/xplshn/pxjit/pkg/kernels"
)

func build(t *testing.T, k kernels.Kernel, compile bool) (*jit.Program, *config.Config) {
	t.Helper()
	cfg := config.NewConfig()
	cfg.SetTarget(runtime.GOOS, runtime.GOARCH, "")
	p, err := k.Build(cfg)
	require.NoError(t, err)
	if compile {
		_, err = p.Compile()
		require.NoError(t, err)
	}
	return p, cfg
}

func TestNewBackend(t *testing.T) {
	for _, name := range Names() {
		b, err := NewBackend(name)
		require.NoError(t, err, name)
		assert.NotNil(t, b)
	}
	_, err := NewBackend("gas")
	assert.ErrorContains(t, err, "unknown dump format")
}

func TestListing(t *testing.T) {
	p, cfg := build(t, kernels.Add4, true)
	out, err := NewListingBackend().Generate(p, cfg)
	require.NoError(t, err)
	text := out.String()
	assert.Contains(t, text, "vadd")
	assert.Contains(t, text, "vstore")
	assert.Contains(t, text, "span 0")
	assert.Contains(t, text, "xmm")
}

func TestListingShowsSpillsAndPool(t *testing.T) {
	p, cfg := build(t, kernels.Pressure, true)
	out, err := NewListingBackend().Generate(p, cfg)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "spill v")
	assert.Contains(t, out.String(), "reload v")

	p, cfg = build(t, kernels.Constants, true)
	out, err = NewListingBackend().Generate(p, cfg)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "constant pool, 40 references to 38 entries")
}

func TestCompiledBackendsNeedCompile(t *testing.T) {
	p, cfg := build(t, kernels.Add4, false)
	_, err := NewListingBackend().Generate(p, cfg)
	assert.ErrorIs(t, err, errNotCompiled)
	_, err = NewHexBackend().Generate(p, cfg)
	assert.ErrorIs(t, err, errNotCompiled)
}

func TestHex(t *testing.T) {
	p, cfg := build(t, kernels.Add4, true)
	out, err := NewHexBackend().Generate(p, cfg)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.String(), "00000000  "))
}

func TestQBEIR(t *testing.T) {
	p, _ := build(t, kernels.Loop, false)
	b := &qbeBackend{}
	il, err := b.GenerateIR(p, "loop")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(il, "export function $loop(l %v1) {\n@start\n"))
	assert.Contains(t, il, "=w loadw")
	assert.Contains(t, il, "=w csltw")
	assert.Contains(t, il, "jnz ")
	assert.Contains(t, il, "storew ")
	assert.True(t, strings.HasSuffix(il, "\tret\n}\n"))
}

func TestQBEIRScalarRewrites(t *testing.T) {
	p, _ := build(t, kernels.Loop, true)
	il, err := (&qbeBackend{}).GenerateIR(p, "loop")
	require.NoError(t, err)
	// phi copies show up as plain copies
	assert.Contains(t, il, "=w copy %v")
}

func TestQBERejectsVectors(t *testing.T) {
	p, _ := build(t, kernels.Add4, false)
	_, err := (&qbeBackend{}).GenerateIR(p, "add4")
	assert.ErrorContains(t, err, "vload")
}

func TestQBEGenerate(t *testing.T) {
	if runtime.GOOS == "windows" { t.Skip("needs the system qbe on windows") }
	p, cfg := build(t, kernels.Loop, true)
	out, err := NewQBEBackend().Generate(p, cfg)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "kernel")
}
