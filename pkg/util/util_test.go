package util

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/xplshn/pxjit/pkg/config"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevOut, prevNoColor, prevExit := Output, color.NoColor, exit
	Output, color.NoColor = &buf, true
	t.Cleanup(func() { Output, color.NoColor, exit = prevOut, prevNoColor, prevExit })
	return &buf
}

func TestError(t *testing.T) {
	buf := capture(t)
	code := -1
	exit = func(c int) { code = c }
	Error("add4", "compilation failed: %s", "out of memory")
	assert.Equal(t, 1, code)
	assert.Equal(t, "add4: error: compilation failed: out of memory\n", buf.String())
}

func TestWarnRespectsConfig(t *testing.T) {
	buf := capture(t)
	cfg := config.NewConfig()
	Warn(cfg, config.WarnSpill, "pressure", "%d spills", 3)
	assert.Empty(t, buf.String())

	cfg.SetWarning(config.WarnSpill, true)
	Warn(cfg, config.WarnSpill, "pressure", "%d spills", 3)
	assert.Equal(t, "pressure: warning: 3 spills [-Wspill]\n", buf.String())
}

func TestPrintFeatures(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.NewConfig()
	cfg.SetFeature(config.FeatShuffle, false)
	PrintFeatures(&buf, cfg)
	assert.Contains(t, buf.String(), "shuffle             : false")
	assert.Contains(t, buf.String(), "ssa                 : true")
}
