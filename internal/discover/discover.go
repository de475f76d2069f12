// Package discover scans a target Go module for test units: which packages
// carry tests, how many top-level Test functions each has, and whether the
// package already defines a TestMain (which decides how the trace flush hook
// is wired).
package discover

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/modfile"
)

// TestPackage describes one package of the target module that contains test
// files.
type TestPackage struct {
	ImportPath string
	Dir        string
	// Tests holds the names of top-level TestXxx functions, in file order.
	Tests []string
	// HasTestMain reports a user-defined TestMain in either the internal or
	// the external test package; the flush hook must not be injected then.
	HasTestMain bool
	// HookPackage is the package clause the injected TestMain file must use:
	// the internal test package name when internal test files exist,
	// otherwise the external "<name>_test" package.
	HookPackage string
}

// Module is the scanned shape of the program under trace.
type Module struct {
	Dir  string
	Path string
	// Sources maps every package import path to its non-test source files.
	Sources map[string][]string
	// TestPackages maps import paths of packages that contain tests.
	TestPackages map[string]*TestPackage
}

// Load scans the module rooted at dir. It is the instrumentation entry point
// of a batch: failure here is fatal to the batch, unlike any per-unit
// condition.
func Load(dir string) (*Module, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(absDir, "go.mod"))
	if err != nil {
		return nil, fmt.Errorf("reading target go.mod: %w", err)
	}
	modPath := modfile.ModulePath(data)
	if modPath == "" {
		return nil, fmt.Errorf("no module path in %s", filepath.Join(absDir, "go.mod"))
	}

	mod := &Module{
		Dir:          absDir,
		Path:         modPath,
		Sources:      make(map[string][]string),
		TestPackages: make(map[string]*TestPackage),
	}
	if err := mod.walk(); err != nil {
		return nil, err
	}
	return mod, nil
}

func (m *Module) walk() error {
	return filepath.WalkDir(m.Dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != m.Dir && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") ||
				name == "vendor" || name == "testdata") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}

		pkgDir := filepath.Dir(path)
		rel, err := filepath.Rel(m.Dir, pkgDir)
		if err != nil {
			return err
		}
		importPath := m.Path
		if rel != "." {
			importPath = m.Path + "/" + filepath.ToSlash(rel)
		}

		if strings.HasSuffix(path, "_test.go") {
			m.scanTestFile(importPath, pkgDir, path)
			return nil
		}
		m.Sources[importPath] = append(m.Sources[importPath], path)
		return nil
	})
}

// scanTestFile records the Test functions and TestMain presence of one test
// file. A test file that fails to parse contributes nothing; the unit still
// runs, only its subtest count is lower.
func (m *Module) scanTestFile(importPath, dir, path string) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, parser.SkipObjectResolution)
	if err != nil {
		return
	}

	tp := m.TestPackages[importPath]
	if tp == nil {
		tp = &TestPackage{ImportPath: importPath, Dir: dir}
		m.TestPackages[importPath] = tp
	}

	pkgName := file.Name.Name
	internal := !strings.HasSuffix(pkgName, "_test")
	if internal || tp.HookPackage == "" {
		tp.HookPackage = pkgName
	}

	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil || fn.Body == nil {
			continue
		}
		name := fn.Name.Name
		switch {
		case name == "TestMain":
			tp.HasTestMain = true
		case isTestFunc(fn):
			tp.Tests = append(tp.Tests, name)
		}
	}
}

// isTestFunc applies the `go test` convention: TestXxx with exactly one
// parameter (*testing.T). Benchmarks, fuzz targets and examples are not test
// units.
func isTestFunc(fn *ast.FuncDecl) bool {
	name := fn.Name.Name
	if !strings.HasPrefix(name, "Test") || name == "Test" {
		// "Test" alone is valid to go test, but a lone prefix is almost
		// always a helper; keep the stricter reading of TestXxx.
		return false
	}
	if r := name[len("Test")]; r >= 'a' && r <= 'z' {
		return false
	}
	params := fn.Type.Params
	if params == nil || len(params.List) != 1 || len(params.List[0].Names) > 1 {
		return false
	}
	star, ok := params.List[0].Type.(*ast.StarExpr)
	if !ok {
		return false
	}
	sel, ok := star.X.(*ast.SelectorExpr)
	if !ok {
		return false
	}
	pkg, ok := sel.X.(*ast.Ident)
	return ok && pkg.Name == "testing" && sel.Sel.Name == "T"
}

// SortedTestPackages returns the module's test packages in import-path order.
func (m *Module) SortedTestPackages() []*TestPackage {
	pkgs := make([]*TestPackage, 0, len(m.TestPackages))
	for _, tp := range m.TestPackages {
		pkgs = append(pkgs, tp)
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].ImportPath < pkgs[j].ImportPath })
	return pkgs
}

// ParseTestID splits a test identifier of the form "pkg" or "pkg::TestName".
func ParseTestID(id string) (pkg, test string) {
	pkg, test, _ = strings.Cut(strings.TrimSpace(id), "::")
	return pkg, test
}
