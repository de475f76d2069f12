// Package instrument rewrites Go source files, injecting an entry/exit probe
// into every eligible function and method so an instrumented test run emits a
// method-level execution trace.
//
// The rewrite is purely textual on top of a parsed AST: a single statement is
// inserted after each function's opening brace,
//
//	func (s *Stack) Push(v int) {
//		...
//	}
//
// becomes
//
//	func (s *Stack) Push(v int) {defer __mtrace_probe.Enter("example.com/m/stack.Stack", "Push", "int", "stack.go", 14)();
//		...
//	}
//
// Enter records the Call event immediately and returns the Exit recorder,
// which the defer fires on both normal return and panic, so call/exit pairs
// stay balanced on every control path.
package instrument

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path/filepath"
	"strings"
)

const (
	// ProbePath is the import path of the runtime probe package that
	// instrumented code calls into.
	ProbePath = "github.com/fltools/mtrace/probe"

	// probeAlias keeps the injected import out of the way of any identifier
	// the instrumented package could plausibly declare.
	probeAlias = "__mtrace_probe"
)

// selfModule guards against instrumenting the tracer's own code, which would
// recurse through the probe.
const selfModule = "github.com/fltools/mtrace"

// testFrameworkModules are never instrumented even when matched by the caller's
// include predicate: tracing assertion libraries floods the trace with events
// that carry no localization signal.
var testFrameworkModules = []string{
	"github.com/stretchr/testify",
	"github.com/google/go-cmp",
	"gotest.tools",
}

// Unit identifies one compilation unit (a single source file) of the target
// module.
type Unit struct {
	// File is the path recorded in probe events; only its base name is
	// emitted.
	File string
	// ImportPath of the package the file belongs to.
	ImportPath string
}

// Instrument rewrites one source file. It returns the rewritten bytes and
// true when at least one function was changed, or the input unchanged and
// false otherwise. A file that cannot be parsed is returned unchanged; a
// function that cannot be rewritten is skipped and rewriting continues.
// Instrument holds no cross-unit state and is safe for concurrent use.
func Instrument(unit Unit, src []byte, include func(importPath string) bool) ([]byte, bool) {
	if alwaysSkip(unit) {
		return src, false
	}
	if include != nil && !include(unit.ImportPath) {
		return src, false
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, unit.File, src, parser.ParseComments|parser.SkipObjectResolution)
	if err != nil {
		return src, false
	}
	if ast.IsGenerated(file) {
		return src, false
	}

	ed := newEditor(fset, src)
	changed := 0
	ast.Inspect(file, func(n ast.Node) bool {
		fn, ok := n.(*ast.FuncDecl)
		if !ok {
			return true
		}
		if !eligible(fn) {
			return true
		}
		if injectProbe(ed, fset, unit, fn) {
			changed++
		}
		return true
	})
	if changed == 0 {
		return src, false
	}

	// The alias import rides on the same line as the package clause so no
	// line number below it shifts.
	ed.insert(file.Name.End(), ";import "+probeAlias+" "+fmt.Sprintf("%q", ProbePath))
	return ed.bytes(), true
}

// alwaysSkip holds the skip rules that apply regardless of the include
// predicate: the platform's own packages, the tracer itself, test framework
// code, and test files.
func alwaysSkip(unit Unit) bool {
	if unit.ImportPath == "" {
		return true
	}
	if strings.HasSuffix(unit.File, "_test.go") {
		return true
	}
	// Standard library and toolchain import paths have no dot in the first
	// element ("fmt", "net/http", "cmd/compile").
	first, _, _ := strings.Cut(unit.ImportPath, "/")
	if !strings.Contains(first, ".") {
		return true
	}
	if unit.ImportPath == selfModule || strings.HasPrefix(unit.ImportPath, selfModule+"/") {
		return true
	}
	for _, mod := range testFrameworkModules {
		if unit.ImportPath == mod || strings.HasPrefix(unit.ImportPath, mod+"/") {
			return true
		}
	}
	return false
}

// eligible reports whether a declaration owns a body worth probing. Bodiless
// declarations (assembly or linkname-backed), blank functions and package
// init functions are left alone.
func eligible(fn *ast.FuncDecl) bool {
	if fn.Body == nil {
		return false
	}
	if fn.Name == nil || fn.Name.Name == "" || fn.Name.Name == "_" {
		return false
	}
	if fn.Recv == nil && fn.Name.Name == "init" {
		return false
	}
	return true
}

// injectProbe inserts the probe statement for one function. A panic while
// computing the injection is contained to this function: the method is
// skipped and the rest of the file still gets instrumented.
func injectProbe(ed *editor, fset *token.FileSet, unit Unit, fn *ast.FuncDecl) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	class := unit.ImportPath
	if recv := receiverType(fn); recv != "" {
		class += "." + recv
	}
	line := fset.Position(fn.Name.Pos()).Line

	stmt := fmt.Sprintf("defer %s.Enter(%q, %q, %q, %q, %d)();",
		probeAlias, class, fn.Name.Name, paramTypes(fn.Type), filepath.Base(unit.File), line)
	ed.insert(fn.Body.Lbrace+1, stmt)
	return true
}
