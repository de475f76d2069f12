// mtrace traces method-level execution of a Go module's test suite.
//
// Usage:
//
//	mtrace run -dir ./target -failing failing.txt
//	mtrace instrument -pkg example.com/target/pkg file.go
//
// The run subcommand instruments the target module through a build overlay,
// executes its test units under the configured budgets, and writes one trace
// file per completed unit plus a summary.json into the output directory.
// The instrument subcommand rewrites a single source file to stdout, mainly
// for inspecting what the probe injection does.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/fltools/mtrace/internal/config"
	"github.com/fltools/mtrace/internal/discover"
	"github.com/fltools/mtrace/internal/instrument"
	"github.com/fltools/mtrace/internal/orchestrate"
	"github.com/fltools/mtrace/internal/overlay"
	"github.com/fltools/mtrace/internal/render"
	"github.com/fltools/mtrace/internal/runner"
	"github.com/fltools/mtrace/internal/summary"
	"github.com/fltools/mtrace/internal/tui"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	_ = stdin
	if len(args) > 0 && args[0] == "instrument" {
		return runInstrument(args[1:], stdout, stderr)
	}
	if len(args) > 0 && args[0] == "run" {
		args = args[1:]
	}
	return runBatch(args, stdout, stderr)
}

// runBatch is the main path: discover, instrument, execute, summarize.
func runBatch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mtrace run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", ".", "Target module directory")
	failingFile := fs.String("failing", "", "File listing failing tests, one pkg::TestName per line")
	passingFile := fs.String("passing", "", "File listing passing test packages (default: all discovered)")
	outDir := fs.String("out", "", "Output directory for traces and summary.json")
	threshold := fs.Int("threshold", 0, "Subtest-count threshold for mode selection")
	sizeCap := fs.Int64("size-cap", 0, "Trace size cap in bytes, 0 disables the cap")
	timeout := fs.Int("timeout", 0, "Per-unit timeout in seconds")
	sample := fs.Int("sample", 0, "Maximum number of passing units to run")
	filter := fs.String("filter", "", "Import-path prefix to instrument")
	seed := fs.Int64("seed", 0, "Sampling seed, 0 seeds from the clock")
	goBin := fs.String("go", "", "Go binary used to run test units")
	probeDir := fs.String("probe-dir", "", "On-disk checkout of the mtrace module")
	noTUI := fs.Bool("no-tui", false, "Disable the live progress view")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "mtrace: unexpected argument %q\n", fs.Arg(0))
		return 2
	}

	cfg := config.Load()
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "out":
			cfg.OutputDir = *outDir
		case "threshold":
			cfg.SubtestThreshold = *threshold
		case "size-cap":
			cfg.TraceSizeCapBytes = *sizeCap
		case "timeout":
			cfg.TimeoutSeconds = *timeout
		case "sample":
			cfg.MaxPassSample = *sample
		case "filter":
			cfg.PackageFilter = *filter
		case "seed":
			cfg.Seed = *seed
		case "go":
			cfg.GoBin = *goBin
		case "probe-dir":
			cfg.ProbeModuleDir = *probeDir
		case "no-tui":
			cfg.NoTUI = *noTUI
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "mtrace: %v\n", err)
		return 2
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mod, err := discover.Load(*dir)
	if err != nil {
		fmt.Fprintf(stderr, "mtrace: %v\n", err)
		return 1
	}

	failing, err := loadFailing(*failingFile, mod, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "mtrace: %v\n", err)
		return 1
	}
	passing, err := loadPassing(*passingFile, mod, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "mtrace: %v\n", err)
		return 1
	}
	if len(failing) == 0 && len(passing) == 0 {
		fmt.Fprintf(stderr, "mtrace: no test units found in %s\n", mod.Dir)
		return 1
	}

	probeModule, err := filepath.Abs(cfg.ProbeModuleDir)
	if err != nil {
		fmt.Fprintf(stderr, "mtrace: resolving probe module dir: %v\n", err)
		return 1
	}
	scratch, err := os.MkdirTemp("", "mtrace-overlay-")
	if err != nil {
		fmt.Fprintf(stderr, "mtrace: %v\n", err)
		return 1
	}
	defer os.RemoveAll(scratch)

	builder, err := overlay.NewBuilder(mod, scratch, cfg.PackageFilter, probeModule)
	if err != nil {
		fmt.Fprintf(stderr, "mtrace: %v\n", err)
		return 1
	}
	ov, err := builder.Build()
	if err != nil {
		fmt.Fprintf(stderr, "mtrace: building overlay: %v\n", err)
		return 1
	}
	fmt.Fprintf(stderr, "mtrace: instrumented %d source files in %s\n", ov.Instrumented, mod.Path)

	rng := rand.New(rand.NewSource(cfg.Seed))
	events := make(chan orchestrate.Event, 16)
	orch := orchestrate.New(cfg, ov, mod.Dir, runner.Run, rng, events, stderr)
	units := orch.Plan(failing, passing)

	batchCtx, stopBatch := context.WithCancel(ctx)
	defer stopBatch()

	started := time.Now()
	var outcomes []orchestrate.Outcome
	var runErr error
	go func() {
		defer close(events)
		outcomes, runErr = orch.RunBatch(batchCtx, units)
	}()

	if isTTY(stdout) && !cfg.NoTUI {
		if err := tui.Run(events, len(units)); err != nil {
			fmt.Fprintf(stderr, "mtrace: progress view failed: %v\n", err)
		}
		// The TUI can quit before the batch ends (ctrl+c). Stop the batch,
		// which kills any in-flight test process, then drain until the
		// goroutine closes the channel so outcomes and runErr are settled.
		stopBatch()
		for range events {
		}
	} else {
		for ev := range events {
			if ev.Outcome == nil {
				fmt.Fprintf(stderr, "mtrace: tracing %s\n", ev.Unit.ID())
				continue
			}
			fmt.Fprintf(stderr, "mtrace: %s: %s\n", ev.Unit.ID(), ev.Outcome.Status)
		}
	}
	if runErr != nil {
		fmt.Fprintf(stderr, "mtrace: %v\n", runErr)
		return 1
	}
	if len(outcomes) < len(units) {
		fmt.Fprintf(stderr, "mtrace: interrupted after %d of %d units\n", len(outcomes), len(units))
	}

	s := summary.Aggregate(cfg.Echo(), outcomes, started, time.Now())
	summaryPath := filepath.Join(cfg.OutputDir, "summary.json")
	if err := s.WriteFile(summaryPath); err != nil {
		fmt.Fprintf(stderr, "mtrace: writing %s: %v\n", summaryPath, err)
		return 1
	}
	render.Render(stdout, s)
	return 0
}

// loadFailing parses the failing-tests file into units. Each non-blank line
// names one pkg::TestName; a bare package is accepted and runs without a
// method to isolate. Unknown packages are scheduled anyway, with a warning:
// the unit will fail to build and surface in the summary rather than silently
// vanish from the batch.
func loadFailing(path string, mod *discover.Module, warn io.Writer) ([]orchestrate.TestUnit, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading failing tests: %w", err)
	}

	var units []orchestrate.TestUnit
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pkg, test := discover.ParseTestID(line)
		pkg = resolvePkg(mod, pkg)
		unit := orchestrate.TestUnit{Pkg: pkg, Test: test, Failing: true}
		if tp, ok := mod.TestPackages[pkg]; ok {
			unit.Subtests = len(tp.Tests)
		} else {
			fmt.Fprintf(warn, "mtrace: failing test %s names a package with no discovered tests\n", line)
		}
		units = append(units, unit)
	}
	return units, nil
}

// loadPassing builds the passing-unit pool: the listed packages when a file
// is given, every discovered test package otherwise. Dedup against failing
// units happens later, in planning.
func loadPassing(path string, mod *discover.Module, warn io.Writer) ([]orchestrate.TestUnit, error) {
	if path == "" {
		var units []orchestrate.TestUnit
		for _, tp := range mod.SortedTestPackages() {
			units = append(units, orchestrate.TestUnit{Pkg: tp.ImportPath, Subtests: len(tp.Tests)})
		}
		return units, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading passing packages: %w", err)
	}
	var units []orchestrate.TestUnit
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pkg := resolvePkg(mod, line)
		unit := orchestrate.TestUnit{Pkg: pkg}
		if tp, ok := mod.TestPackages[pkg]; ok {
			unit.Subtests = len(tp.Tests)
		} else {
			fmt.Fprintf(warn, "mtrace: passing package %s has no discovered tests\n", line)
		}
		units = append(units, unit)
	}
	return units, nil
}

// resolvePkg accepts both full import paths and paths relative to the target
// module root, so input files can say "internal/store" for short.
func resolvePkg(mod *discover.Module, pkg string) string {
	if _, ok := mod.TestPackages[pkg]; ok {
		return pkg
	}
	if qualified := mod.Path + "/" + pkg; pkg != "" && !strings.Contains(pkg, "://") {
		if _, ok := mod.TestPackages[qualified]; ok {
			return qualified
		}
	}
	return pkg
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// runInstrument rewrites one file to stdout. The file does not need to live
// inside a loaded module; the import path is taken on faith from the flag.
func runInstrument(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mtrace instrument", flag.ContinueOnError)
	fs.SetOutput(stderr)
	pkg := fs.String("pkg", "", "Import path of the file's package (required)")
	filter := fs.String("filter", "", "Import-path prefix to instrument")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *pkg == "" || fs.NArg() != 1 {
		fmt.Fprintf(stderr, "Usage: mtrace instrument -pkg <import-path> [-filter <prefix>] <file.go>\n")
		return 2
	}

	file := fs.Arg(0)
	src, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(stderr, "mtrace: %v\n", err)
		return 1
	}
	var include func(string) bool
	if *filter != "" {
		prefix := *filter
		include = func(importPath string) bool {
			return importPath == prefix || strings.HasPrefix(importPath, prefix+"/")
		}
	}
	out, changed := instrument.Instrument(instrument.Unit{File: file, ImportPath: *pkg}, src, include)
	if !changed {
		fmt.Fprintf(stderr, "mtrace: %s: nothing to instrument\n", file)
	}
	if _, err := stdout.Write(out); err != nil {
		fmt.Fprintf(stderr, "mtrace: %v\n", err)
		return 1
	}
	return 0
}
