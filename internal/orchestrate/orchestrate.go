// Package orchestrate decides, per test unit, how to execute it and under
// what resource budget, then classifies the outcome. Units run strictly
// sequentially; one unit's failure never stops the batch.
package orchestrate

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fltools/mtrace/internal/config"
	"github.com/fltools/mtrace/internal/overlay"
	"github.com/fltools/mtrace/internal/runner"
)

// Mode is the chosen run granularity for a unit.
type Mode string

const (
	// ModeFullClass runs every test in the unit's package.
	ModeFullClass Mode = "full_class"
	// ModeSingleMethod isolates one failing test function.
	ModeSingleMethod Mode = "single_method"
)

// Status is a unit's terminal state. Every unit reaches exactly one.
type Status string

const (
	StatusCompleted       Status = "completed"
	StatusTimedOut        Status = "timed_out"
	StatusSkippedSubtests Status = "skipped_too_many_subtests"
	StatusSkippedOversize Status = "skipped_oversize"
)

// TestUnit is one schedulable execution: a test package, optionally narrowed
// to a single test function when isolating a failing method.
type TestUnit struct {
	Pkg      string
	Test     string
	Subtests int
	Failing  bool
}

// ID renders the unit's qualified identifier.
func (u TestUnit) ID() string {
	if u.Test == "" {
		return u.Pkg
	}
	return u.Pkg + "::" + u.Test
}

// Outcome is the terminal record for one unit.
type Outcome struct {
	Unit      TestUnit
	Status    Status
	Mode      Mode
	Ran       bool
	TraceFile string // retained trace, empty unless Completed with a trace
	TraceSize int64  // observed size, also kept for discarded oversize traces
	ExitCode  int
	Duration  time.Duration
}

// Event reports batch progress to an observer (the live TUI). A unit emits
// one Started event and one terminal event carrying its Outcome.
type Event struct {
	Unit    TestUnit
	Outcome *Outcome
}

// Orchestrator runs a batch. Single-threaded by design: no unit's timeout
// clock overlaps another's, and no locking is needed in the state machine.
type Orchestrator struct {
	cfg    *config.Config
	ov     *overlay.Overlay
	dir    string
	run    runner.Func
	rng    *rand.Rand
	events chan<- Event
	warn   io.Writer
}

// New wires an orchestrator. run executes one unit (swap in a fake under
// test); rng drives pass-unit sampling and must be seeded by the caller so
// batch composition is reproducible; events may be nil.
func New(cfg *config.Config, ov *overlay.Overlay, targetDir string, run runner.Func, rng *rand.Rand, events chan<- Event, warn io.Writer) *Orchestrator {
	if warn == nil {
		warn = os.Stderr
	}
	return &Orchestrator{cfg: cfg, ov: ov, dir: targetDir, run: run, rng: rng, events: events, warn: warn}
}

// Plan fixes the batch composition: all failing units, then the passing
// units minus any package a failing unit already covers, sampled down to
// max-pass-sample. Sampling happens here, before any other policy, so total
// cost is bounded independent of program size.
func (o *Orchestrator) Plan(failing, passing []TestUnit) []TestUnit {
	passing = o.samplePassing(o.dedupe(failing, passing))
	units := make([]TestUnit, 0, len(failing)+len(passing))
	units = append(units, failing...)
	return append(units, passing...)
}

// RunBatch executes the planned units strictly in order and returns exactly
// one Outcome per started unit. Per-unit conditions never abort the batch;
// only trace-directory filesystem errors do. A cancelled context stops the
// batch between units, so an interrupted run yields a truthful partial
// outcome list rather than a tail of phantom timeouts.
func (o *Orchestrator) RunBatch(ctx context.Context, units []TestUnit) ([]Outcome, error) {
	if err := os.MkdirAll(o.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating trace directory: %w", err)
	}

	outcomes := make([]Outcome, 0, len(units))
	for _, unit := range units {
		if ctx.Err() != nil {
			break
		}
		if unit.Failing {
			outcomes = append(outcomes, o.runFailing(ctx, unit))
		} else {
			outcomes = append(outcomes, o.runPassing(ctx, unit))
		}
	}
	return outcomes, nil
}

// dedupe drops passing units whose package a failing unit already exercises,
// keeping exactly one outcome per unit.
func (o *Orchestrator) dedupe(failing, passing []TestUnit) []TestUnit {
	covered := make(map[string]bool, len(failing))
	for _, u := range failing {
		covered[u.Pkg] = true
	}
	kept := passing[:0:0]
	for _, u := range passing {
		if !covered[u.Pkg] {
			kept = append(kept, u)
		}
	}
	return kept
}

// samplePassing draws a uniform random sample of max-pass-sample units before
// any other policy applies, bounding batch cost independent of program size.
// The sampled set is re-sorted so output order stays stable for a fixed seed.
func (o *Orchestrator) samplePassing(units []TestUnit) []TestUnit {
	max := o.cfg.MaxPassSample
	if max <= 0 || len(units) <= max {
		return units
	}
	shuffled := make([]TestUnit, len(units))
	copy(shuffled, units)
	o.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	sample := shuffled[:max]
	sort.Slice(sample, func(i, j int) bool { return sample[i].ID() < sample[j].ID() })
	return sample
}

// runFailing applies the failing-unit mode policy: whole package while the
// test count is within threshold, single-method isolation above it, and a
// whole-package fallback when no method name is known to isolate.
func (o *Orchestrator) runFailing(ctx context.Context, unit TestUnit) Outcome {
	mode := ModeFullClass
	switch {
	case unit.Subtests <= o.cfg.SubtestThreshold:
		// Run everything; the unit is small enough.
	case unit.Test != "":
		mode = ModeSingleMethod
	default:
		fmt.Fprintf(o.warn, "mtrace: %s has %d tests (threshold %d) but no failing method to isolate; running the whole package\n",
			unit.Pkg, unit.Subtests, o.cfg.SubtestThreshold)
	}
	return o.execute(ctx, unit, mode)
}

// runPassing applies the passing-unit policy: above the threshold the whole
// package is skipped, since no single method is a-priori the interesting one.
func (o *Orchestrator) runPassing(ctx context.Context, unit TestUnit) Outcome {
	if unit.Subtests > o.cfg.SubtestThreshold {
		out := Outcome{Unit: unit, Status: StatusSkippedSubtests, Mode: ModeFullClass}
		o.emit(unit, &out)
		return out
	}
	return o.execute(ctx, unit, ModeFullClass)
}

// execute runs one unit and classifies the result. Terminal states:
// Completed (trace retained, test failures included), TimedOut (partial
// trace discarded), SkippedOversize (trace discarded). Never retried.
func (o *Orchestrator) execute(ctx context.Context, unit TestUnit, mode Mode) Outcome {
	o.emit(unit, nil)

	tracePath := filepath.Join(o.cfg.OutputDir, TraceFileName(unit, mode))
	spec := runner.Spec{
		Dir:         o.dir,
		Pkg:         unit.Pkg,
		OverlayPath: o.ov.Path,
		TracePath:   tracePath,
		SyncFlush:   o.ov.SyncPackages[unit.Pkg],
		GoBin:       o.cfg.GoBin,
	}
	if mode == ModeSingleMethod {
		spec.Run = unit.Test
	}

	out := Outcome{Unit: unit, Mode: mode, Ran: true}
	res, err := o.run(ctx, time.Duration(o.cfg.TimeoutSeconds)*time.Second, spec)
	if err != nil {
		// The process never started; there is no trace to keep. Classify as
		// timed out rather than inventing a fifth terminal state.
		fmt.Fprintf(o.warn, "mtrace: %s: starting test process: %v\n", unit.ID(), err)
		removeTrace(tracePath)
		out.Status = StatusTimedOut
		out.ExitCode = -1
		o.emit(unit, &out)
		return out
	}
	out.ExitCode = res.ExitCode
	out.Duration = res.Duration

	if res.TimedOut {
		// A killed process leaves a presumed-inconsistent trace behind.
		removeTrace(tracePath)
		out.Status = StatusTimedOut
		o.emit(unit, &out)
		return out
	}

	size := traceSize(tracePath)
	out.TraceSize = size
	if sizeCap := o.cfg.TraceSizeCapBytes; sizeCap > 0 && size > sizeCap {
		// Oversize traces are deleted in full, never truncated and kept.
		removeTrace(tracePath)
		out.Status = StatusSkippedOversize
		o.emit(unit, &out)
		return out
	}

	// The tested program's own test failures are not orchestration errors:
	// the trace is exactly what fault localization needs. A failure with no
	// trace at all is different: the unit likely never built or ran, so the
	// tail of its output goes to the warning stream.
	out.Status = StatusCompleted
	if size > 0 {
		out.TraceFile = tracePath
	} else if res.ExitCode != 0 {
		fmt.Fprintf(o.warn, "mtrace: %s: exit code %d with no trace output\n%s",
			unit.ID(), res.ExitCode, tailLines(res.Output, 5))
	}
	o.emit(unit, &out)
	return out
}

func (o *Orchestrator) emit(unit TestUnit, out *Outcome) {
	if o.events != nil {
		o.events <- Event{Unit: unit, Outcome: out}
	}
}

// tailLines renders the last n lines of process output, indented for the
// warning stream. Empty output renders as nothing.
func tailLines(output []byte, n int) string {
	lines := strings.Split(strings.TrimRight(string(output), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return ""
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString("  ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func removeTrace(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "mtrace: removing %s: %v\n", path, err)
	}
}

func traceSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// TraceFileName derives the unit's trace file name from its fully qualified
// identifier with every separator normalized to an underscore. The full
// qualification is kept, so distinct units can never collide: only the
// separator glyph changes, never the information.
func TraceFileName(unit TestUnit, mode Mode) string {
	id := unit.Pkg
	if mode == ModeSingleMethod && unit.Test != "" {
		id += "." + unit.Test
	}
	normalized := strings.Map(func(r rune) rune {
		switch r {
		case '/', '.', ':', '-', '\\':
			return '_'
		}
		return r
	}, id)
	return normalized + ".log"
}
