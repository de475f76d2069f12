// Package probe is the runtime half of the tracer: instrumented code calls
// Enter at the top of every function and the returned closure on exit, and
// the package serializes those events into a single trace file.
//
// The trace file path comes from the MTRACE_OUT environment variable, set by
// the orchestrator for each test-unit process. The file is opened lazily on
// the first event; if it cannot be opened, tracing degrades to a silent no-op
// for the rest of the process. Probe call sites never panic.
//
// One line per event, bit-exact format:
//
//	[Thread:goroutine-8]     Call example.com/m/stack.Stack::Push(int) (stack.go:14)
//
// with two spaces of indentation per level of call depth on the emitting
// goroutine.
package probe

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/petermattis/goid"
)

const (
	// EnvOut names the environment variable holding the trace output path.
	EnvOut = "MTRACE_OUT"
	// EnvSync, when non-empty, flushes after every line. The orchestrator
	// sets it for test packages where the TestMain flush hook cannot be
	// injected.
	EnvSync = "MTRACE_SYNC"

	indent     = "  "
	bufferSize = 64 * 1024
)

type eventKind string

const (
	kindCall eventKind = "Call"
	kindExit eventKind = "Exit"
)

// logger is the process-wide event sink. Depth counters are partitioned per
// goroutine; one mutex covers both the depth bookkeeping and the write, so
// every line is emitted atomically. No ordering is guaranteed across
// goroutines beyond that.
type logger struct {
	mu        sync.Mutex
	out       *bufio.Writer
	file      *os.File
	depth     map[int64]int
	opened    bool
	disabled  bool
	syncFlush bool
}

var std = &logger{depth: make(map[int64]int)}

// Enter records a Call event and returns the matching Exit recorder. The
// instrumented statement is
//
//	defer __mtrace_probe.Enter(...)();
//
// so the Call fires when the defer is evaluated (function entry) and the Exit
// fires on return or panic alike, keeping pairs balanced on every path.
func Enter(class, method, params, file string, line int) func() {
	Call(class, method, params, file, line)
	return func() { Exit(class, method, params, file, line) }
}

// Call records a method-entry event at the emitting goroutine's current
// depth, then increments it.
func Call(class, method, params, file string, line int) {
	std.event(kindCall, class, method, params, file, line)
}

// Exit records a method-exit event. The depth is decremented first and
// clamped at zero, so an unmatched Exit is tolerated rather than rejected;
// the balanced-pairs property is therefore best-effort, not enforced.
func Exit(class, method, params, file string, line int) {
	std.event(kindExit, class, method, params, file, line)
}

// Flush forces buffered events to the trace file.
func Flush() {
	std.mu.Lock()
	defer std.mu.Unlock()
	if std.out != nil {
		_ = std.out.Flush()
	}
}

// Close flushes and closes the trace file. Later events become no-ops.
// Close is idempotent.
func Close() {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.closeLocked()
}

// Main is the body of the TestMain hook injected into instrumented test
// packages. It guarantees the trace buffer is flushed before the test binary
// exits, the one termination path the host reliably hands us.
func Main(m interface{ Run() int }) {
	code := m.Run()
	Close()
	os.Exit(code)
}

func (l *logger) event(kind eventKind, class, method, params, file string, line int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.opened {
		l.open()
	}
	if l.disabled {
		return
	}

	gid := goid.Get()
	var depth int
	switch kind {
	case kindCall:
		depth = l.depth[gid]
		l.depth[gid] = depth + 1
	case kindExit:
		depth = l.depth[gid] - 1
		if depth < 0 {
			depth = 0
		}
		l.depth[gid] = depth
	}

	fmt.Fprintf(l.out, "[Thread:goroutine-%d] %s%s %s::%s(%s) (%s:%d)\n",
		gid, strings.Repeat(indent, depth), kind, class, method, params, file, line)
	if l.syncFlush {
		_ = l.out.Flush()
	}
}

// open runs once, under the mutex, on the first event.
func (l *logger) open() {
	l.opened = true

	path := os.Getenv(EnvOut)
	if path == "" {
		l.disabled = true
		return
	}
	file, err := os.Create(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[mtrace] trace output unavailable, tracing disabled: %v\n", err)
		l.disabled = true
		return
	}
	l.file = file
	l.out = bufio.NewWriterSize(file, bufferSize)
	l.syncFlush = os.Getenv(EnvSync) != ""

	// Flush on SIGINT/SIGTERM as well; SIGKILL cannot be caught and the
	// orchestrator discards the partial trace in that case anyway.
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		Close()
		signal.Stop(ch)
		if p, err := os.FindProcess(os.Getpid()); err == nil {
			_ = p.Signal(sig)
		}
	}()
}

func (l *logger) closeLocked() {
	if l.out != nil {
		_ = l.out.Flush()
	}
	if l.file != nil {
		_ = l.file.Close()
	}
	l.out = nil
	l.file = nil
	l.disabled = true
	l.opened = true
}
