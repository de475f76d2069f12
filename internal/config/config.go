// Package config holds the batch configuration: resource budgets and run
// policy knobs, loaded from .mtrace.yaml and the environment, then merged
// with command-line flags by the caller.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults for the externally visible policy contract.
const (
	DefaultSubtestThreshold = 30
	DefaultTraceSizeCap     = int64(1) << 30 // 1 GiB
	DefaultTimeoutSeconds   = 600
)

// Config is the orchestrator's primary externally visible contract.
type Config struct {
	// SubtestThreshold is the test-count bound above which a unit is either
	// isolated to a single method (failing) or skipped entirely (passing).
	SubtestThreshold int `yaml:"subtest_threshold"`
	// TraceSizeCapBytes deletes any retained trace above this size; 0
	// disables the cap.
	TraceSizeCapBytes int64 `yaml:"trace_size_cap_bytes"`
	// TimeoutSeconds is the per-unit wall-clock budget; 0 disables it.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// MaxPassSample bounds how many passing units run; 0 means unlimited.
	MaxPassSample int `yaml:"max_pass_sample"`
	// PackageFilter restricts instrumentation to this import-path prefix.
	PackageFilter string `yaml:"package_filter"`
	// OutputDir receives trace files and the batch summary.
	OutputDir string `yaml:"output_dir"`
	// Seed makes pass-unit sampling reproducible; 0 seeds from the clock.
	Seed int64 `yaml:"seed"`
	// GoBin overrides the go binary used to run units.
	GoBin string `yaml:"go_bin"`
	// ProbeModuleDir is the on-disk checkout of this module, wired into the
	// target's build via a replace directive. Defaults to the working
	// directory when mtrace runs from its own checkout.
	ProbeModuleDir string `yaml:"probe_module_dir"`
	// NoTUI disables the live progress view even on a terminal.
	NoTUI bool `yaml:"no_tui"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		SubtestThreshold:  DefaultSubtestThreshold,
		TraceSizeCapBytes: DefaultTraceSizeCap,
		TimeoutSeconds:    DefaultTimeoutSeconds,
		OutputDir:         "mtrace-out",
		GoBin:             "go",
		ProbeModuleDir:    ".",
	}
}

// Load builds the effective configuration: defaults, then .mtrace.yaml (local
// directory first, then the user config dir), then MTRACE_* environment
// variables. A missing or malformed config file falls back to defaults with
// a warning; configuration is never fatal.
func Load() *Config {
	_ = godotenv.Load()

	cfg := Default()
	if path := configPath(); path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				fmt.Fprintf(os.Stderr, "mtrace: ignoring malformed %s: %v\n", path, err)
				cfg = Default()
			}
		}
	}
	cfg.applyEnv()
	return cfg
}

func configPath() string {
	local := ".mtrace.yaml"
	if _, err := os.Stat(local); err == nil {
		return local
	}
	home, err := os.UserConfigDir()
	if err != nil || home == "" || home == "/" {
		return ""
	}
	path := filepath.Join(home, "mtrace", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

func (c *Config) applyEnv() {
	if v, ok := envInt("MTRACE_SUBTEST_THRESHOLD"); ok {
		c.SubtestThreshold = int(v)
	}
	if v, ok := envInt("MTRACE_TRACE_SIZE_CAP"); ok {
		c.TraceSizeCapBytes = v
	}
	if v, ok := envInt("MTRACE_TIMEOUT_SECONDS"); ok {
		c.TimeoutSeconds = int(v)
	}
	if v, ok := envInt("MTRACE_MAX_PASS_SAMPLE"); ok {
		c.MaxPassSample = int(v)
	}
	if v := os.Getenv("MTRACE_PACKAGE_FILTER"); v != "" {
		c.PackageFilter = v
	}
	if v := os.Getenv("MTRACE_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v, ok := envInt("MTRACE_SEED"); ok {
		c.Seed = v
	}
	if v := os.Getenv("MTRACE_GO_BIN"); v != "" {
		c.GoBin = v
	}
}

func envInt(name string) (int64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mtrace: ignoring %s=%q: %v\n", name, v, err)
		return 0, false
	}
	return n, true
}

// Validate rejects configurations outside the documented contract.
func (c *Config) Validate() error {
	if c.SubtestThreshold < 0 {
		return fmt.Errorf("subtest_threshold must be >= 0, got %d", c.SubtestThreshold)
	}
	if c.TraceSizeCapBytes < 0 {
		return fmt.Errorf("trace_size_cap_bytes must be >= 0, got %d", c.TraceSizeCapBytes)
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must be >= 0, got %d", c.TimeoutSeconds)
	}
	if c.MaxPassSample < 0 {
		return fmt.Errorf("max_pass_sample must be >= 0, got %d", c.MaxPassSample)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir must not be empty")
	}
	return nil
}

// Echo is the configuration snapshot embedded in every batch summary.
type Echo struct {
	SubtestThreshold  int    `json:"subtest_threshold"`
	TraceSizeCapBytes int64  `json:"trace_size_cap_bytes"`
	TimeoutSeconds    int    `json:"timeout_seconds"`
	MaxPassSample     int    `json:"max_pass_sample"`
	PackageFilter     string `json:"package_filter,omitempty"`
	Seed              int64  `json:"seed"`
}

// Echo snapshots the policy-relevant fields for the summary.
func (c *Config) Echo() Echo {
	return Echo{
		SubtestThreshold:  c.SubtestThreshold,
		TraceSizeCapBytes: c.TraceSizeCapBytes,
		TimeoutSeconds:    c.TimeoutSeconds,
		MaxPassSample:     c.MaxPassSample,
		PackageFilter:     c.PackageFilter,
		Seed:              c.Seed,
	}
}
