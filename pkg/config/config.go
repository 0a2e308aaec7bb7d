package config

import (
	"fmt"
	"strings"

	"github.com/docker/go-units"
	"github.com/rs/zerolog"
	"modernc.org/libqbe"

	"github.com/xplshn/pxjit/pkg/cli"
	"github.com/xplshn/pxjit/pkg/ir"
)

type Feature int

const (
	FeatSSA Feature = iota
	FeatReduce
	FeatShuffle
	FeatBubble
	FeatMemOperands
	FeatVerify
	FeatCount
)

type Warning int

const (
	WarnSpill Warning = iota
	WarnDeadCode
	WarnPoolDuplicates
	WarnCount
)

type Info struct {
	Name        string
	Enabled     bool
	Description string
}

type Config struct {
	Features       map[Feature]Info
	Warnings       map[Warning]Info
	FeatureMap     map[string]Feature
	WarningMap     map[string]Warning
	Level          string
	TargetOS       string
	TargetArch     string
	QbeTarget      string
	WordSize       int
	StackAlignment int
	// Registers lists the allocatable registers per bank in preference order.
	Registers     [ir.BankCount][]ir.Reg
	ArenaBudget   int64
	MaxOperators  int
	MaxVars       int
	ReduceRounds  int
	ShufflePasses int
	UserFrameSize int
	Logger        zerolog.Logger
}

var (
	amd64GPRs = []ir.Reg{ir.RCX, ir.RDX, ir.RBX, ir.RSI, ir.RDI, ir.R8, ir.R9, ir.R10, ir.R11, ir.R12, ir.R13}
	amd64XMMs = func() []ir.Reg {
		regs := make([]ir.Reg, 15)
		for i := range regs {
			regs[i] = ir.XMM(i)
		}
		return regs
	}()
)

func NewConfig() *Config {
	cfg := &Config{
		Features:      make(map[Feature]Info),
		Warnings:      make(map[Warning]Info),
		FeatureMap:    make(map[string]Feature),
		WarningMap:    make(map[string]Warning),
		Level:         "O2",
		ArenaBudget:   64 << 20,
		MaxOperators:  1 << 16,
		MaxVars:       1 << 16,
		ReduceRounds:  8,
		ShufflePasses: 4,
		UserFrameSize: 256,
		Logger:        zerolog.Nop(),
	}

	features := map[Feature]Info{
		FeatSSA:         {"ssa", true, "Convert the operator stream to SSA form before optimizing."},
		FeatReduce:      {"reduce", true, "Run the peephole and dataflow rewrites."},
		FeatShuffle:     {"shuffle", true, "Reorder operators inside spans to lower register pressure."},
		FeatBubble:      {"bubble", true, "Move reloads up and spills down across unrelated instructions."},
		FeatMemOperands: {"memory-operands", true, "Let integer ALU operators read their second operand from a spill slot."},
		FeatVerify:      {"verify", true, "Validate the recorded operators before compiling."},
	}

	warnings := map[Warning]Info{
		WarnSpill:          {"spill", false, "Warn when register pressure forces variables to the stack."},
		WarnDeadCode:       {"dead-code", false, "Warn when recorded operators are removed as unused."},
		WarnPoolDuplicates: {"pool-dup", false, "Warn when identical literals are snapped more than once."},
	}

	cfg.Features, cfg.Warnings = features, warnings
	for ft, info := range features {
		cfg.FeatureMap[info.Name] = ft
	}
	for wt, info := range warnings {
		cfg.WarningMap[info.Name] = wt
	}
	cfg.Registers[ir.BankGPR] = amd64GPRs
	cfg.Registers[ir.BankVector] = amd64XMMs
	cfg.WordSize, cfg.StackAlignment = 8, 16

	return cfg
}

// SetTarget records the host the generated code and the QBE reference
// listing are meant for. Machine code is always amd64; other architectures
// can still compile and dump but not run.
func (c *Config) SetTarget(goos, goarch, qbeTarget string) {
	if qbeTarget == "" {
		c.QbeTarget = libqbe.DefaultTarget(goos, goarch)
		c.Logger.Debug().Str("target", c.QbeTarget).Msg("no target specified, defaulting to host target")
	} else {
		c.QbeTarget = qbeTarget
	}

	c.TargetOS, c.TargetArch = goos, goarch

	switch c.TargetArch {
	case "amd64":
		c.WordSize, c.StackAlignment = 8, 16
	default:
		c.Logger.Warn().Str("arch", goarch).Msg("generated code targets amd64 and will not run on this host")
		c.WordSize, c.StackAlignment = 8, 16
	}
}

// CanExecute reports whether generated code can run on the configured target.
func (c *Config) CanExecute() bool { return c.TargetArch == "amd64" }

// LimitRegisters keeps only the first n allocatable registers of bank b.
func (c *Config) LimitRegisters(b ir.Bank, n int) {
	if n < len(c.Registers[b]) { c.Registers[b] = c.Registers[b][:n] }
}

// SetArenaBudget parses sizes like "64MiB" or "512k"; "unlimited" and "-1"
// remove the limit.
func (c *Config) SetArenaBudget(s string) error {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "unlimited", "-1":
		c.ArenaBudget = -1
		return nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil { return fmt.Errorf("invalid arena budget '%s': %w", s, err) }
	c.ArenaBudget = n
	return nil
}

func (c *Config) SetFeature(ft Feature, enabled bool) {
	if info, ok := c.Features[ft]; ok {
		info.Enabled = enabled
		c.Features[ft] = info
	}
}

func (c *Config) IsFeatureEnabled(ft Feature) bool { return c.Features[ft].Enabled }

func (c *Config) SetWarning(wt Warning, enabled bool) {
	if info, ok := c.Warnings[wt]; ok {
		info.Enabled = enabled
		c.Warnings[wt] = info
	}
}

func (c *Config) IsWarningEnabled(wt Warning) bool { return c.Warnings[wt].Enabled }

// ApplyLevel switches feature presets: O0 records and assembles only, O1 adds
// SSA and Reduce, O2 enables everything.
func (c *Config) ApplyLevel(level string) error {
	type levelSettings struct {
		feature Feature
		o0, o1  bool
	}

	settings := []levelSettings{
		{FeatSSA, false, true},
		{FeatReduce, false, true},
		{FeatShuffle, false, false},
		{FeatBubble, false, false},
		{FeatMemOperands, false, true},
	}

	switch level {
	case "O0":
		for _, s := range settings {
			c.SetFeature(s.feature, s.o0)
		}
	case "O1":
		for _, s := range settings {
			c.SetFeature(s.feature, s.o1)
		}
	case "O2":
		for _, s := range settings {
			c.SetFeature(s.feature, true)
		}
	default:
		return fmt.Errorf("unsupported optimization level '%s'. Supported: 'O0', 'O1', 'O2'", level)
	}
	c.Level = level
	return nil
}

func (c *Config) applyFlag(flag string) {
	trimmed := strings.TrimPrefix(flag, "-")
	isNo := strings.HasPrefix(trimmed, "Wno-") || strings.HasPrefix(trimmed, "Fno-")
	enable := !isNo

	var name string
	isWarning := strings.HasPrefix(trimmed, "W")
	name = strings.TrimPrefix(strings.TrimPrefix(trimmed, "W"), "F")
	if isNo { name = strings.TrimPrefix(name, "no-") }

	if name == "all" && isWarning {
		for i := Warning(0); i < WarnCount; i++ {
			c.SetWarning(i, enable)
		}
		return
	}

	if isWarning {
		if w, ok := c.WarningMap[name]; ok { c.SetWarning(w, enable) }
	} else {
		if f, ok := c.FeatureMap[name]; ok { c.SetFeature(f, enable) }
	}
}

// ProcessFlags applies -W/-F flags, "all" toggles first so specific flags
// can override them.
func (c *Config) ProcessFlags(visitFlag func(fn func(name string))) {
	visitFlag(func(name string) {
		if name == "Wall" || name == "Wno-all" { c.applyFlag("-" + name) }
	})
	visitFlag(func(name string) {
		if name != "Wall" && name != "Wno-all" { c.applyFlag("-" + name) }
	})
}

// ProcessFlagString applies a space separated flag list such as
// "-Fno-shuffle -Wspill".
func (c *Config) ProcessFlagString(flagStr string) {
	for _, flag := range strings.Fields(flagStr) {
		c.applyFlag(flag)
	}
}

// SetupFlagGroups registers -W<name>/-Wno-<name> and -F<name>/-Fno-<name>
// for every warning and feature. Entry i of each slice belongs to Warning(i)
// and Feature(i).
func (c *Config) SetupFlagGroups(fs *cli.FlagSet) (warnings, features []cli.FlagGroupEntry) {
	for i := Warning(0); i < WarnCount; i++ {
		info := c.Warnings[i]
		enabled, disabled := info.Enabled, false
		warnings = append(warnings, cli.FlagGroupEntry{
			Name: info.Name, Prefix: "W", Usage: info.Description, Enabled: &enabled, Disabled: &disabled,
		})
	}
	for i := Feature(0); i < FeatCount; i++ {
		info := c.Features[i]
		enabled, disabled := info.Enabled, false
		features = append(features, cli.FlagGroupEntry{
			Name: info.Name, Prefix: "F", Usage: info.Description, Enabled: &enabled, Disabled: &disabled,
		})
	}
	fs.AddFlagGroup("Warning Flags", "warning", "Available Warnings:", warnings)
	fs.AddFlagGroup("Feature Flags", "feature", "Available Features:", features)
	return warnings, features
}
