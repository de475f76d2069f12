// Package overlay assembles a `go build` overlay for the target module:
// instrumented copies of eligible source files, a generated TestMain flush
// hook per test package, and patched go.mod/go.sum files wiring in the probe
// module and its runtime dependencies. The target tree itself is never
// modified.
package overlay

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/mod/modfile"

	"github.com/fltools/mtrace/internal/discover"
	"github.com/fltools/mtrace/internal/instrument"
)

// cacheSize bounds the instrumented-file cache. Batches revisit the same
// shared packages for every unit, so hits dominate after the first unit.
const cacheSize = 4096

// hookFileName is the virtual path (relative to the package directory) under
// which the generated TestMain file is overlaid.
const hookFileName = "mtrace_testmain_test.go"

// Overlay is the built artifact handed to the runner.
type Overlay struct {
	// Path of the overlay.json file, passed to `go test -overlay`.
	Path string
	// SyncPackages holds import paths whose test package already defines a
	// TestMain; units in them run with flush-per-line instead of the hook.
	SyncPackages map[string]bool
	// Instrumented counts source files that were actually rewritten.
	Instrumented int
}

type cacheEntry struct {
	mtime   int64
	size    int64
	path    string // instrumented copy on disk, "" when unchanged
	changed bool
}

// Builder instruments a module's sources into a scratch directory and emits
// the overlay file. Stateless apart from the cache; one Builder serves a
// whole batch.
type Builder struct {
	mod            *discover.Module
	scratch        string
	probeModuleDir string
	include        func(string) bool
	cache          *lru.Cache[string, cacheEntry]
}

// NewBuilder prepares a Builder writing instrumented copies below scratchDir.
// includePrefix, when non-empty, restricts instrumentation to import paths
// with that prefix. probeModuleDir is the on-disk checkout of the tracer
// module that the patched go.mod points at.
func NewBuilder(mod *discover.Module, scratchDir, includePrefix, probeModuleDir string) (*Builder, error) {
	cache, err := lru.New[string, cacheEntry](cacheSize)
	if err != nil {
		return nil, err
	}
	var include func(string) bool
	if includePrefix != "" {
		include = func(importPath string) bool {
			return importPath == includePrefix || strings.HasPrefix(importPath, includePrefix+"/")
		}
	}
	return &Builder{
		mod:            mod,
		scratch:        scratchDir,
		probeModuleDir: probeModuleDir,
		include:        include,
		cache:          cache,
	}, nil
}

// Build instruments the module and writes overlay.json. The overlay covers
// the whole module once; every unit of the batch runs against it.
func (b *Builder) Build() (*Overlay, error) {
	if err := os.MkdirAll(b.scratch, 0o755); err != nil {
		return nil, err
	}

	replace := make(map[string]string)
	ov := &Overlay{SyncPackages: make(map[string]bool)}

	for importPath, files := range b.mod.Sources {
		for _, file := range files {
			entry, err := b.instrumentFile(importPath, file)
			if err != nil {
				return nil, err
			}
			if entry.changed {
				replace[file] = entry.path
				ov.Instrumented++
			}
		}
	}

	for _, tp := range b.mod.SortedTestPackages() {
		if tp.HasTestMain {
			ov.SyncPackages[tp.ImportPath] = true
			continue
		}
		hookPath, err := b.writeHook(tp)
		if err != nil {
			return nil, err
		}
		replace[filepath.Join(tp.Dir, hookFileName)] = hookPath
	}

	gomodPath, err := b.writeGoMod()
	if err != nil {
		return nil, err
	}
	replace[filepath.Join(b.mod.Dir, "go.mod")] = gomodPath

	gosumPath, err := b.writeGoSum()
	if err != nil {
		return nil, err
	}
	replace[filepath.Join(b.mod.Dir, "go.sum")] = gosumPath

	ov.Path = filepath.Join(b.scratch, "overlay.json")
	data, err := json.MarshalIndent(struct {
		Replace map[string]string
	}{replace}, "", "\t")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(ov.Path, data, 0o644); err != nil {
		return nil, err
	}
	return ov, nil
}

// instrumentFile rewrites one source file, consulting the cache first. Cache
// keys carry mtime and size so an edited target module invalidates itself.
func (b *Builder) instrumentFile(importPath, file string) (cacheEntry, error) {
	info, err := os.Stat(file)
	if err != nil {
		return cacheEntry{}, err
	}
	if entry, ok := b.cache.Get(file); ok &&
		entry.mtime == info.ModTime().UnixNano() && entry.size == info.Size() {
		return entry, nil
	}

	src, err := os.ReadFile(file)
	if err != nil {
		return cacheEntry{}, err
	}
	out, changed := instrument.Instrument(instrument.Unit{
		File:       file,
		ImportPath: importPath,
	}, src, b.include)

	entry := cacheEntry{mtime: info.ModTime().UnixNano(), size: info.Size(), changed: changed}
	if changed {
		entry.path = filepath.Join(b.scratch, scratchName(file))
		if err := os.WriteFile(entry.path, out, 0o644); err != nil {
			return cacheEntry{}, err
		}
	}
	b.cache.Add(file, entry)
	return entry, nil
}

// writeHook emits the generated TestMain that flushes the trace buffer before
// the test binary exits.
func (b *Builder) writeHook(tp *discover.TestPackage) (string, error) {
	src := fmt.Sprintf(`package %s

import (
	"testing"

	%s %q
)

func TestMain(m *testing.M) {
	%s.Main(m)
}
`, tp.HookPackage, "__mtrace_probe", instrument.ProbePath, "__mtrace_probe")

	path := filepath.Join(b.scratch, scratchName(filepath.Join(tp.Dir, hookFileName)))
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// writeGoMod appends the probe module requirement to a copy of the target's
// go.mod, plus the probe's own runtime dependencies at the versions the
// tracer's go.mod pins. The replace directive supplies the probe module from
// disk; the runtime deps resolve through the module cache, covered by the
// go.sum overlay. Only the overlay sees the patched file.
func (b *Builder) writeGoMod() (string, error) {
	orig, err := os.ReadFile(filepath.Join(b.mod.Dir, "go.mod"))
	if err != nil {
		return "", err
	}
	probeData, err := os.ReadFile(filepath.Join(b.probeModuleDir, "go.mod"))
	if err != nil {
		return "", fmt.Errorf("reading probe module go.mod: %w", err)
	}
	probeMod, err := modfile.Parse("go.mod", probeData, nil)
	if err != nil {
		return "", fmt.Errorf("parsing probe module go.mod: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(strings.TrimRight(string(orig), "\n"))
	fmt.Fprintf(&sb, "\n\nrequire %s v0.0.0\n", selfModulePath)
	for _, dep := range probeRuntimeDeps {
		ver := requiredVersion(probeMod, dep)
		if ver == "" {
			return "", fmt.Errorf("probe module go.mod does not require %s", dep)
		}
		fmt.Fprintf(&sb, "require %s %s\n", dep, ver)
	}
	fmt.Fprintf(&sb, "\nreplace %s => %s\n", selfModulePath, b.probeModuleDir)

	path := filepath.Join(b.scratch, "go.mod")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func requiredVersion(mod *modfile.File, path string) string {
	for _, req := range mod.Require {
		if req.Mod.Path == path {
			return req.Mod.Version
		}
	}
	return ""
}

// writeGoSum merges the target's go.sum (when it has one) with the tracer's
// entries for the probe's runtime dependencies, so the patched requirements
// verify under the default -mod=readonly.
func (b *Builder) writeGoSum() (string, error) {
	var sb strings.Builder
	if data, err := os.ReadFile(filepath.Join(b.mod.Dir, "go.sum")); err == nil {
		sb.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			sb.WriteByte('\n')
		}
	}

	data, err := os.ReadFile(filepath.Join(b.probeModuleDir, "go.sum"))
	if err != nil {
		return "", fmt.Errorf("reading probe module go.sum: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		for _, dep := range probeRuntimeDeps {
			if strings.HasPrefix(line, dep+" ") {
				sb.WriteString(line)
				sb.WriteByte('\n')
			}
		}
	}

	path := filepath.Join(b.scratch, "go.sum")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

const selfModulePath = "github.com/fltools/mtrace"

// probeRuntimeDeps are the third-party modules the probe package imports.
// They cannot ride on the replace directive the way the probe module itself
// does, so the patched go.mod must require them explicitly and the go.sum
// overlay must carry their hashes.
var probeRuntimeDeps = []string{"github.com/petermattis/goid"}

// scratchName flattens an absolute path into a unique file name, keeping the
// base name readable for debugging.
func scratchName(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:8]) + "_" + filepath.Base(path)
}
