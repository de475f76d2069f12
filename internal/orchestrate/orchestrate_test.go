package orchestrate

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fltools/mtrace/internal/config"
	"github.com/fltools/mtrace/internal/overlay"
	"github.com/fltools/mtrace/internal/runner"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.OutputDir = t.TempDir()
	return cfg
}

func testOverlay() *overlay.Overlay {
	return &overlay.Overlay{Path: "overlay.json", SyncPackages: make(map[string]bool)}
}

// traceWriter fakes a unit run that emits size bytes of trace.
func traceWriter(t *testing.T, size int, res runner.Result, specs *[]runner.Spec) runner.Func {
	t.Helper()
	return func(_ context.Context, _ time.Duration, spec runner.Spec) (runner.Result, error) {
		if specs != nil {
			*specs = append(*specs, spec)
		}
		if size > 0 {
			require.NoError(t, os.WriteFile(spec.TracePath, bytes.Repeat([]byte("x"), size), 0o644))
		}
		return res, nil
	}
}

func newOrch(cfg *config.Config, ov *overlay.Overlay, run runner.Func, events chan<- Event, warn *bytes.Buffer) *Orchestrator {
	if warn == nil {
		warn = &bytes.Buffer{}
	}
	return New(cfg, ov, "/target", run, rand.New(rand.NewSource(42)), events, warn)
}

func TestRunBatch_FailingUnitWithinThreshold_RunsFullClass(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	var specs []runner.Spec
	orch := newOrch(cfg, testOverlay(), traceWriter(t, 16, runner.Result{}, &specs), nil, nil)

	unit := TestUnit{Pkg: "example.com/t/a", Test: "TestA", Subtests: 5, Failing: true}
	outcomes, err := orch.RunBatch(context.Background(), []TestUnit{unit})

	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, StatusCompleted, outcomes[0].Status)
	assert.Equal(t, ModeFullClass, outcomes[0].Mode)
	assert.True(t, outcomes[0].Ran)
	require.Len(t, specs, 1)
	assert.Empty(t, specs[0].Run)
	assert.Equal(t, "example.com/t/a", specs[0].Pkg)
}

func TestRunBatch_FailingUnitOverThreshold_IsolatesSingleMethod(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	var specs []runner.Spec
	orch := newOrch(cfg, testOverlay(), traceWriter(t, 16, runner.Result{}, &specs), nil, nil)

	unit := TestUnit{Pkg: "example.com/t/a", Test: "TestBig", Subtests: cfg.SubtestThreshold + 1, Failing: true}
	outcomes, err := orch.RunBatch(context.Background(), []TestUnit{unit})

	require.NoError(t, err)
	assert.Equal(t, ModeSingleMethod, outcomes[0].Mode)
	require.Len(t, specs, 1)
	assert.Equal(t, "TestBig", specs[0].Run)
}

func TestRunBatch_FailingUnitOverThresholdWithoutMethod_FallsBackWithWarning(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	var warn bytes.Buffer
	orch := newOrch(cfg, testOverlay(), traceWriter(t, 16, runner.Result{}, nil), nil, &warn)

	unit := TestUnit{Pkg: "example.com/t/a", Subtests: cfg.SubtestThreshold + 1, Failing: true}
	outcomes, err := orch.RunBatch(context.Background(), []TestUnit{unit})

	require.NoError(t, err)
	assert.Equal(t, ModeFullClass, outcomes[0].Mode)
	assert.Equal(t, StatusCompleted, outcomes[0].Status)
	assert.Contains(t, warn.String(), "no failing method to isolate")
}

func TestRunBatch_PassingUnitOverThreshold_SkipsWithoutRunning(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	ran := false
	run := func(_ context.Context, _ time.Duration, _ runner.Spec) (runner.Result, error) {
		ran = true
		return runner.Result{}, nil
	}
	orch := newOrch(cfg, testOverlay(), run, nil, nil)

	unit := TestUnit{Pkg: "example.com/t/a", Subtests: cfg.SubtestThreshold + 1}
	outcomes, err := orch.RunBatch(context.Background(), []TestUnit{unit})

	require.NoError(t, err)
	assert.Equal(t, StatusSkippedSubtests, outcomes[0].Status)
	assert.False(t, outcomes[0].Ran)
	assert.False(t, ran)
}

func TestRunBatch_TestFailures_StillComplete(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	orch := newOrch(cfg, testOverlay(), traceWriter(t, 16, runner.Result{ExitCode: 1}, nil), nil, nil)

	unit := TestUnit{Pkg: "example.com/t/a", Failing: true}
	outcomes, err := orch.RunBatch(context.Background(), []TestUnit{unit})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcomes[0].Status)
	assert.Equal(t, 1, outcomes[0].ExitCode)
	assert.NotEmpty(t, outcomes[0].TraceFile)
}

func TestRunBatch_Timeout_DiscardsPartialTrace(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	var specs []runner.Spec
	orch := newOrch(cfg, testOverlay(), traceWriter(t, 16, runner.Result{TimedOut: true, ExitCode: -1}, &specs), nil, nil)

	unit := TestUnit{Pkg: "example.com/t/slow", Failing: true}
	outcomes, err := orch.RunBatch(context.Background(), []TestUnit{unit})

	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, outcomes[0].Status)
	assert.Empty(t, outcomes[0].TraceFile)
	_, statErr := os.Stat(specs[0].TracePath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunBatch_OversizeTrace_DiscardsAndRecordsSize(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.TraceSizeCapBytes = 10
	var specs []runner.Spec
	orch := newOrch(cfg, testOverlay(), traceWriter(t, 64, runner.Result{}, &specs), nil, nil)

	unit := TestUnit{Pkg: "example.com/t/huge", Failing: true}
	outcomes, err := orch.RunBatch(context.Background(), []TestUnit{unit})

	require.NoError(t, err)
	assert.Equal(t, StatusSkippedOversize, outcomes[0].Status)
	assert.Equal(t, int64(64), outcomes[0].TraceSize)
	assert.Empty(t, outcomes[0].TraceFile)
	_, statErr := os.Stat(specs[0].TracePath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunBatch_StartError_ClassifiesAsTimedOut(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	run := func(_ context.Context, _ time.Duration, _ runner.Spec) (runner.Result, error) {
		return runner.Result{ExitCode: -1}, os.ErrNotExist
	}
	var warn bytes.Buffer
	orch := newOrch(cfg, testOverlay(), run, nil, &warn)

	unit := TestUnit{Pkg: "example.com/t/a", Failing: true}
	outcomes, err := orch.RunBatch(context.Background(), []TestUnit{unit})

	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, outcomes[0].Status)
	assert.Equal(t, -1, outcomes[0].ExitCode)
	assert.Contains(t, warn.String(), "starting test process")
}

func TestRunBatch_EmptyTrace_CompletesWithoutTraceFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	orch := newOrch(cfg, testOverlay(), traceWriter(t, 0, runner.Result{}, nil), nil, nil)

	unit := TestUnit{Pkg: "example.com/t/quiet", Failing: true}
	outcomes, err := orch.RunBatch(context.Background(), []TestUnit{unit})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcomes[0].Status)
	assert.Empty(t, outcomes[0].TraceFile)
	assert.Zero(t, outcomes[0].TraceSize)
}

func TestRunBatch_PropagatesSyncFlushForTestMainPackages(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	ov := testOverlay()
	ov.SyncPackages["example.com/t/hooked"] = true
	var specs []runner.Spec
	orch := newOrch(cfg, ov, traceWriter(t, 8, runner.Result{}, &specs), nil, nil)

	units := []TestUnit{
		{Pkg: "example.com/t/hooked", Failing: true},
		{Pkg: "example.com/t/plain", Failing: true},
	}
	_, err := orch.RunBatch(context.Background(), units)

	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.True(t, specs[0].SyncFlush)
	assert.False(t, specs[1].SyncFlush)
}

func TestRunBatch_NonZeroExitWithNoTrace_WarnsWithOutputTail(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	run := func(_ context.Context, _ time.Duration, _ runner.Spec) (runner.Result, error) {
		return runner.Result{ExitCode: 1, Output: []byte("go: updates to go.mod needed\nFAIL\n")}, nil
	}
	var warn bytes.Buffer
	orch := newOrch(cfg, testOverlay(), run, nil, &warn)

	unit := TestUnit{Pkg: "example.com/t/broken", Failing: true}
	outcomes, err := orch.RunBatch(context.Background(), []TestUnit{unit})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcomes[0].Status)
	assert.Contains(t, warn.String(), "exit code 1 with no trace output")
	assert.Contains(t, warn.String(), "updates to go.mod needed")
}

func TestRunBatch_CancelledContext_StopsBetweenUnits(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	run := func(_ context.Context, _ time.Duration, spec runner.Spec) (runner.Result, error) {
		calls++
		cancel()
		require.NoError(t, os.WriteFile(spec.TracePath, []byte("x"), 0o644))
		return runner.Result{}, nil
	}
	orch := newOrch(cfg, testOverlay(), run, nil, nil)

	units := []TestUnit{
		{Pkg: "example.com/t/a", Failing: true},
		{Pkg: "example.com/t/b", Failing: true},
		{Pkg: "example.com/t/c", Failing: true},
	}
	outcomes, err := orch.RunBatch(ctx, units)

	require.NoError(t, err)
	// The unit that was already running finishes and keeps its outcome; the
	// rest never start instead of piling up as phantom timeouts.
	assert.Len(t, outcomes, 1)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StatusCompleted, outcomes[0].Status)
}

func TestRunBatch_OneOutcomePerUnit(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.TraceSizeCapBytes = 100
	orch := newOrch(cfg, testOverlay(), traceWriter(t, 8, runner.Result{}, nil), nil, nil)

	units := []TestUnit{
		{Pkg: "example.com/t/a", Test: "TestA", Subtests: 2, Failing: true},
		{Pkg: "example.com/t/b", Subtests: cfg.SubtestThreshold + 5},
		{Pkg: "example.com/t/c", Subtests: 1},
	}
	outcomes, err := orch.RunBatch(context.Background(), units)

	require.NoError(t, err)
	assert.Len(t, outcomes, len(units))
}

func TestPlan_DropsPassingPackagesCoveredByFailing(t *testing.T) {
	t.Parallel()

	orch := newOrch(testConfig(t), testOverlay(), nil, nil, nil)

	failing := []TestUnit{{Pkg: "example.com/t/a", Test: "TestA", Failing: true}}
	passing := []TestUnit{{Pkg: "example.com/t/a"}, {Pkg: "example.com/t/b"}}
	units := orch.Plan(failing, passing)

	require.Len(t, units, 2)
	assert.Equal(t, "example.com/t/a::TestA", units[0].ID())
	assert.Equal(t, "example.com/t/b", units[1].ID())
}

func TestPlan_SamplesPassingUnitsDeterministically(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.MaxPassSample = 3
	passing := []TestUnit{
		{Pkg: "example.com/t/a"}, {Pkg: "example.com/t/b"}, {Pkg: "example.com/t/c"},
		{Pkg: "example.com/t/d"}, {Pkg: "example.com/t/e"}, {Pkg: "example.com/t/f"},
	}

	first := newOrch(cfg, testOverlay(), nil, nil, nil).Plan(nil, passing)
	second := newOrch(cfg, testOverlay(), nil, nil, nil).Plan(nil, passing)

	require.Len(t, first, 3)
	assert.Equal(t, first, second)
	// The sample comes back sorted regardless of shuffle order.
	for i := 1; i < len(first); i++ {
		assert.Less(t, first[i-1].ID(), first[i].ID())
	}
}

func TestRunBatch_EmitsStartedAndTerminalEvents(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	events := make(chan Event, 16)
	orch := newOrch(cfg, testOverlay(), traceWriter(t, 8, runner.Result{}, nil), events, nil)

	units := []TestUnit{
		{Pkg: "example.com/t/a", Failing: true},
		{Pkg: "example.com/t/b", Subtests: cfg.SubtestThreshold + 1},
	}
	_, err := orch.RunBatch(context.Background(), units)
	require.NoError(t, err)
	close(events)

	var started, terminal int
	for ev := range events {
		if ev.Outcome == nil {
			started++
		} else {
			terminal++
		}
	}
	// The skipped unit never starts but still reports a terminal outcome.
	assert.Equal(t, 1, started)
	assert.Equal(t, 2, terminal)
}

func TestTraceFileName_NormalizesSeparators(t *testing.T) {
	t.Parallel()

	unit := TestUnit{Pkg: "example.com/my-app/internal/store", Test: "TestGet"}

	assert.Equal(t, "example_com_my_app_internal_store.log", TraceFileName(unit, ModeFullClass))
	assert.Equal(t, "example_com_my_app_internal_store_TestGet.log", TraceFileName(unit, ModeSingleMethod))
}
