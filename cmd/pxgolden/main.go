// pxgolden compiles every kernel at every optimization level and compares
// code digests, sizes and run results against a golden JSON file.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fatih/color"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/xplshn/pxjit/pkg/cli"
	"github.com/xplshn/pxjit/pkg/config"
	"github.com/xplshn/pxjit/pkg/exec"
	"github.com/xplshn/pxjit/pkg/kernels"
	"github.com/xplshn/pxjit/pkg/util"
)

// Outcome is what one kernel compiled at one level produced. Duration is
// not part of the comparison.
type Outcome struct {
	Digest       string        `json:"digest"`
	CodeSize     int           `json:"code_size"`
	FrameSize    int           `json:"frame_size"`
	Removed      int           `json:"removed"`
	Spills       int           `json:"spills"`
	UniqueConsts int           `json:"unique_consts"`
	Run          string        `json:"run"` // ok, skipped or the failure
	Duration     time.Duration `json:"-"`
}

type CaseResult struct {
	Name    string   `json:"name"`
	Status  string   `json:"status"` // PASS, FAIL, NEW, ERROR
	Message string   `json:"message,omitempty"`
	Diff    string   `json:"diff,omitempty"`
	Outcome *Outcome `json:"outcome,omitempty"`
}

type Golden map[string]*Outcome

var (
	pass  = color.New(color.FgGreen, color.Bold).SprintFunc()
	fail  = color.New(color.FgRed, color.Bold).SprintFunc()
	fresh = color.New(color.FgYellow, color.Bold).SprintFunc()
	dim   = color.New(color.Faint).SprintFunc()
)

var levels = []string{"O0", "O1", "O2"}

func main() {
	app := cli.NewApp("pxgolden")
	app.Synopsis = "[options] [kernel ...]"
	app.Description = "Compiles every kernel at every optimization level and checks the results against a golden file."

	var (
		goldenFile string
		generate   bool
		jobs       string
		run        bool
		verbose    bool
	)
	fs := app.FlagSet
	fs.String(&goldenFile, "golden", "g", "testdata/golden.json", "Golden file to read or write.", "file")
	fs.Bool(&generate, "generate", "", false, "Write the current outcomes as the new golden file.")
	fs.String(&jobs, "jobs", "j", "4", "Number of parallel compilations.", "n")
	fs.Bool(&run, "run", "r", runtime.GOARCH == "amd64", "Execute the compiled kernels.")
	fs.Bool(&verbose, "verbose", "v", false, "Print passing cases too.")

	app.Action = func(names []string) error {
		if len(names) == 0 { names = kernels.Names() }
		n := 4
		if _, err := fmt.Sscanf(jobs, "%d", &n); err != nil || n < 1 { util.Error("", "invalid --jobs '%s'", jobs) }

		outcomes := compileAll(names, n, run)
		if generate { return writeGolden(goldenFile, outcomes) }

		golden, err := readGolden(goldenFile)
		if err != nil { return err }
		results := compare(golden, outcomes)
		printSummary(results, verbose)
		for _, r := range results {
			if r.Status == "FAIL" || r.Status == "ERROR" { return fmt.Errorf("golden mismatch") }
		}
		return nil
	}

	if err := app.Run(os.Args[1:]); err != nil {
		util.Error("pxgolden", "%v", err)
	}
}

type job struct{ name, level string }

func caseName(name, level string) string { return name + "/" + level }

func compileAll(names []string, workers int, run bool) map[string]*Outcome {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]*Outcome)
		ch  = make(chan job)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range ch {
				o := compileOne(j.name, j.level, run)
				mu.Lock()
				out[caseName(j.name, j.level)] = o
				mu.Unlock()
			}
		}()
	}
	for _, name := range names {
		for _, level := range levels {
			ch <- job{name, level}
		}
	}
	close(ch)
	wg.Wait()
	return out
}

func compileOne(name, level string, run bool) *Outcome {
	start := time.Now()
	k, ok := kernels.Lookup(name)
	if !ok { return &Outcome{Run: "unknown kernel"} }
	cfg := config.NewConfig()
	if err := cfg.ApplyLevel(level); err != nil { return &Outcome{Run: err.Error()} }
	cfg.SetTarget(runtime.GOOS, runtime.GOARCH, "")

	p, err := k.Build(cfg)
	if err != nil { return &Outcome{Run: "recording: " + err.Error()} }
	code, err := p.Compile()
	if err != nil { return &Outcome{Run: "compile: " + err.Error()} }
	st := p.Stats()
	o := &Outcome{
		Digest:       fmt.Sprintf("%016x", xxhash.Sum64(code)),
		CodeSize:     len(code),
		FrameSize:    p.FrameSize(),
		Removed:      st.Removed,
		Spills:       st.Spills,
		UniqueConsts: st.UniqueConsts,
		Run:          "skipped",
	}
	if run && cfg.CanExecute() { o.Run = execute(k, code, p.FrameSize()) }
	o.Duration = time.Since(start)
	return o
}

func execute(k kernels.Kernel, code []byte, frameSize int) string {
	frame := make([]byte, frameSize)
	if k.Seed != nil { k.Seed(frame) }
	f, err := exec.Load(code)
	if err != nil { return err.Error() }
	defer f.Release()
	if err := f.Call(frame); err != nil { return err.Error() }
	if k.Check != nil {
		if err := k.Check(frame); err != nil { return err.Error() }
	}
	return "ok"
}

func compare(golden Golden, outcomes map[string]*Outcome) []*CaseResult {
	var results []*CaseResult
	for name, got := range outcomes {
		r := &CaseResult{Name: name, Outcome: got}
		want, ok := golden[name]
		switch {
		case got.Run != "ok" && got.Run != "skipped":
			r.Status, r.Message = "ERROR", got.Run
		case !ok:
			r.Status, r.Message = "NEW", "no golden entry"
		default:
			// a golden run result of "ok" is only comparable when this host ran it too
			w := *want
			if got.Run == "skipped" { w.Run = "skipped" }
			if diff := cmp.Diff(&w, got, cmpopts.IgnoreFields(Outcome{}, "Duration")); diff != "" {
				r.Status, r.Diff = "FAIL", diff
			} else {
				r.Status = "PASS"
			}
		}
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

func readGolden(path string) (Golden, error) {
	data, err := os.ReadFile(path)
	if err != nil { return nil, fmt.Errorf("reading golden file: %w", err) }
	var g Golden
	if err := json.Unmarshal(data, &g); err != nil { return nil, fmt.Errorf("parsing %s: %w", path, err) }
	return g, nil
}

func writeGolden(path string, outcomes map[string]*Outcome) error {
	data, err := json.MarshalIndent(outcomes, "", "  ")
	if err != nil { return err }
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil { return err }
	util.Note(path, "wrote %d cases", len(outcomes))
	return nil
}

func printSummary(results []*CaseResult, verbose bool) {
	counts := map[string]int{}
	for _, r := range results {
		counts[r.Status]++
		switch r.Status {
		case "PASS":
			if verbose { fmt.Printf("%s %s %s\n", pass("PASS"), r.Name, dim(r.Outcome.Duration.Round(time.Microsecond))) }
		case "NEW":
			fmt.Printf("%s %s: %s\n", fresh("NEW "), r.Name, r.Message)
		case "ERROR":
			fmt.Printf("%s %s: %s\n", fail("ERR "), r.Name, r.Message)
		case "FAIL":
			fmt.Printf("%s %s\n", fail("FAIL"), r.Name)
			for _, line := range strings.Split(strings.TrimRight(r.Diff, "\n"), "\n") {
				fmt.Printf("    %s\n", line)
			}
		}
	}
	fmt.Printf("\n%d passed, %d failed, %d errors, %d new\n", counts["PASS"], counts["FAIL"], counts["ERROR"], counts["NEW"])
}
