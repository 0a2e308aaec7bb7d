package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/xplshn/pxjit/pkg/cli"
	"github.com/xplshn/pxjit/pkg/codegen"
	"github.com/xplshn/pxjit/pkg/config"
	"github.com/xplshn/pxjit/pkg/exec"
	"github.com/xplshn/pxjit/pkg/jit"
	"github.com/xplshn/pxjit/pkg/kernels"
	"github.com/xplshn/pxjit/pkg/util"
)

func main() {
	app := cli.NewApp("pxjit")
	app.Synopsis = "[options] <kernel|all> ..."
	app.Description = "Records the built-in kernels, compiles them to amd64 machine code and optionally dumps, runs and checks the result."
	app.Authors = []string{"xplshn"}
	app.Repository = "<https://github.com/xplshn/pxjit>"

	var (
		level       string
		budget      string
		target      string
		dumps       []string
		run         bool
		verbose     bool
		list        bool
		determinism bool
		wall, wnone bool
	)

	fs := app.FlagSet
	fs.String(&level, "level", "O", "2", "Optimization level (0, 1 or 2).", "n")
	fs.String(&budget, "budget", "b", "", "Cap the compilation arena, e.g. 16MiB or unlimited.", "size")
	fs.String(&target, "target", "t", "", "QBE target used by --dump=qbe.", "target")
	fs.List(&dumps, "dump", "d", []string{}, "Print the program in a format: "+strings.Join(codegen.Names(), ", ")+".", "format")
	fs.Bool(&run, "run", "r", false, "Execute each compiled kernel and check its outputs.")
	fs.Bool(&verbose, "verbose", "v", false, "Log every compilation.")
	fs.Bool(&list, "list", "", false, "List the available kernels and exit.")
	fs.Bool(&determinism, "determinism", "", false, "Compile twice and compare the code digests.")
	fs.Bool(&wall, "Wall", "", false, "Enable all warnings.")
	fs.Bool(&wnone, "Wno-all", "", false, "Disable all warnings.")

	cfg := config.NewConfig()
	cfg.SetupFlagGroups(fs)

	app.Action = func(names []string) error {
		if list {
			for _, name := range kernels.Names() {
				k, _ := kernels.Lookup(name)
				fmt.Printf("  %-10s %s\n", k.Name, k.Doc)
			}
			return nil
		}

		logLevel := zerolog.WarnLevel
		if verbose { logLevel = zerolog.DebugLevel }
		cfg.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: !isTerminal()}).
			Level(logLevel).With().Timestamp().Logger()

		// the level preset goes first so -F flags can override it
		if err := cfg.ApplyLevel("O" + strings.TrimPrefix(level, "O")); err != nil { util.Error("", "%v", err) }
		cfg.ProcessFlags(fs.Visit)
		cfg.SetTarget(runtime.GOOS, runtime.GOARCH, target)
		if budget != "" {
			if err := cfg.SetArenaBudget(budget); err != nil { util.Error("", "%v", err) }
		}

		if len(names) == 0 { util.Error("", "no kernel specified, see --list") }
		if len(names) == 1 && names[0] == "all" { names = kernels.Names() }

		var backends []codegen.Backend
		for _, d := range dumps {
			b, err := codegen.NewBackend(d)
			if err != nil { util.Error("", "%v", err) }
			backends = append(backends, b)
		}

		failed := 0
		for _, name := range names {
			if err := process(cfg, name, backends, run, determinism); err != nil {
				util.Note(name, "%v", err)
				failed++
			}
		}
		if failed > 0 { return fmt.Errorf("%d of %d kernels failed", failed, len(names)) }
		return nil
	}

	if err := app.Run(os.Args[1:]); err != nil {
		util.Error("pxjit", "%v", err)
	}
}

func process(cfg *config.Config, name string, backends []codegen.Backend, run, determinism bool) error {
	k, ok := kernels.Lookup(name)
	if !ok { return fmt.Errorf("unknown kernel '%s'", name) }
	p, err := k.Build(cfg)
	if err != nil { return fmt.Errorf("recording: %w", err) }

	code, err := p.Compile()
	if err != nil {
		if errors.Is(err, jit.ErrOutOfMemory) && p.WasOverflow() {
			return fmt.Errorf("%w (raise --budget, currently %d bytes)", err, cfg.ArenaBudget)
		}
		return err
	}
	st := p.Stats()
	if st.Spills > 0 {
		util.Warn(cfg, config.WarnSpill, name, "%d spills and %d reloads at peak pressure %d", st.Spills, st.Reloads, st.PeakPressure)
	}

	if determinism {
		first := xxhash.Sum64(code)
		again, err := p.Compile()
		if err != nil { return fmt.Errorf("second compilation: %w", err) }
		if second := xxhash.Sum64(again); second != first {
			return fmt.Errorf("code digest changed between compilations: %016x != %016x", first, second)
		}
		util.Note(name, "digest %016x stable across compilations", first)
	}

	for _, b := range backends {
		out, err := b.Generate(p, cfg)
		if err != nil { return err }
		os.Stdout.Write(out.Bytes())
	}

	fmt.Printf("%-10s %5d bytes, frame %4d, %d unique constants, %d removed\n",
		name, len(code), p.FrameSize(), st.UniqueConsts, st.Removed)

	if !run { return nil }
	if !cfg.CanExecute() {
		util.Note(name, "not run, the host is %s", cfg.TargetArch)
		return nil
	}
	frame := make([]byte, p.FrameSize())
	if k.Seed != nil { k.Seed(frame) }
	f, err := exec.Load(code)
	if err != nil { return err }
	defer f.Release()
	if err := f.Call(frame); err != nil { return err }
	if k.Check != nil {
		if err := k.Check(frame); err != nil { return fmt.Errorf("wrong result: %w", err) }
	}
	util.Note(name, "ran and checked")
	return nil
}
