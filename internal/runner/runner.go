// Package runner executes one test unit as an externally bounded `go test`
// process. The process runs in its own process group so that an expired
// timeout can forcibly terminate it and everything it spawned; an
// instrumented unit may hang or block uninterruptibly, so cooperative
// cancellation is not enough.
package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"regexp"
	"time"
)

// Spec describes one unit execution.
type Spec struct {
	// Dir is the target module root; `go test` runs there.
	Dir string
	// Pkg is the package import path of the unit.
	Pkg string
	// Run, when non-empty, restricts the run to this one test function.
	Run string
	// OverlayPath is the instrumentation overlay passed to the build.
	OverlayPath string
	// TracePath receives the unit's trace via the probe's environment.
	TracePath string
	// SyncFlush switches the probe to flush-per-line (no TestMain hook).
	SyncFlush bool
	// GoBin overrides the `go` binary; empty means "go".
	GoBin string
}

// Result is the raw process outcome. The tested program's own test failures
// surface only as a non-zero ExitCode and are not errors here.
type Result struct {
	ExitCode int
	TimedOut bool
	Output   []byte
	Duration time.Duration
}

// Func is the execution contract the orchestrator depends on; tests swap in
// a fake.
type Func func(ctx context.Context, timeout time.Duration, spec Spec) (Result, error)

// Run starts the unit process and enforces the wall-clock timeout with a
// process-group SIGKILL. A timeout of zero or less means no limit. The
// returned error covers only failure to start the process; any completed
// run, passing or failing, yields a Result.
func Run(ctx context.Context, timeout time.Duration, spec Spec) (Result, error) {
	cmd := exec.Command(goBin(spec), buildArgs(spec)...)
	cmd.Dir = spec.Dir
	cmd.Env = buildEnv(spec)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	res := Result{}
	select {
	case err := <-done:
		res.ExitCode = exitCode(err)
	case <-expired:
		res.TimedOut = true
		_ = killProcessGroup(cmd)
		<-done
		res.ExitCode = -1
	case <-ctx.Done():
		// Batch cancellation is handled like a timeout: kill hard, record
		// nothing useful.
		res.TimedOut = true
		_ = killProcessGroup(cmd)
		<-done
		res.ExitCode = -1
	}
	res.Output = out.Bytes()
	res.Duration = time.Since(start)
	return res, nil
}

func goBin(spec Spec) string {
	if spec.GoBin != "" {
		return spec.GoBin
	}
	return "go"
}

// buildArgs assembles the `go test` invocation. -count=1 defeats the test
// cache: a cached run would emit no trace at all.
func buildArgs(spec Spec) []string {
	args := []string{"test", "-count=1", "-overlay", spec.OverlayPath}
	if spec.Run != "" {
		args = append(args, "-run", "^"+regexp.QuoteMeta(spec.Run)+"$")
	}
	return append(args, spec.Pkg)
}

func buildEnv(spec Spec) []string {
	env := append(os.Environ(), "MTRACE_OUT="+spec.TracePath)
	if spec.SyncFlush {
		env = append(env, "MTRACE_SYNC=1")
	}
	return env
}

// exitCode maps a Wait error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
