// Package config loads triage-core configuration with a layered
// precedence: defaults, then a global user config, then a project config
// file, then CLI overrides, tolerant of JSONC via hujson.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

// CrashMode selects which of the four crash-mode tiers is active.
type CrashMode int

const (
	// CrashModeClassic is tier 0: classic AFL crash handling, no decrease
	// semantics.
	CrashModeClassic CrashMode = iota
	// CrashModeAddr is tier 1: decrease semantics, crash detail has @ADDR.
	CrashModeAddr
	// CrashModeFunc is tier 2: tier 1 plus @FUNC.
	CrashModeFunc
	// CrashModeStrict is tier 3: tier 2 plus crash-site equality gates
	// admission, checked before classification and after calibration.
	CrashModeStrict
)

// Config carries every triage-core setting that is configuration rather
// than per-execution state.
type Config struct {
	// MapSize is the trace/virgin bitmap length in bytes. Must be a power
	// of two.
	MapSize int `json:"map_size,omitempty"` //nolint:tagliatelle

	// CrashMode selects the tier described by the CrashMode* constants.
	CrashMode CrashMode `json:"crash_mode,omitempty"` //nolint:tagliatelle

	// OutDir is the fuzzer output directory containing fuzz_bitmap,
	// queue/, hangs/, and crashes/.
	OutDir string `json:"out_dir,omitempty"` //nolint:tagliatelle

	// SymbolizerPath is the path to an llvm-symbolizer-compatible binary.
	SymbolizerPath string `json:"symbolizer_path,omitempty"` //nolint:tagliatelle

	// HangTimeout is the generous re-execution timeout (milliseconds)
	// used to confirm a suspected unique hang.
	HangTimeout int `json:"hang_timeout_ms,omitempty"` //nolint:tagliatelle

	// IgnoreTimeouts mirrors AFL_IGNORE_TIMEOUTS: timeout faults are
	// dropped before classification when set.
	IgnoreTimeouts bool `json:"ignore_timeouts,omitempty"` //nolint:tagliatelle

	// ExactModule, when non-empty, switches crashsite.Identify into
	// "exact module" mode: the module blacklist is replaced by "basename
	// must equal this value".
	ExactModule string `json:"exact_module,omitempty"` //nolint:tagliatelle

	// TargetPath is the instrumented binary internal/execute.Real spawns
	// for the replay/classify CLI commands.
	TargetPath string `json:"target_path,omitempty"` //nolint:tagliatelle

	// TargetArgs are the arguments passed to TargetPath. The literal token
	// "@@" is replaced with the generated input file's path; if absent,
	// the path is appended.
	TargetArgs []string `json:"target_args,omitempty"` //nolint:tagliatelle

	// CallstackPath is where the target is expected to write its
	// call-stack dump on crash, exported to it as IGORFUZZ_CALLSTACK_ENV_FILEPATH.
	CallstackPath string `json:"callstack_path,omitempty"` //nolint:tagliatelle

	// MapPath is the trace bitmap file the target is expected to populate,
	// exported to it as IGORFUZZ_MAP_ENV_FILEPATH.
	MapPath string `json:"map_path,omitempty"` //nolint:tagliatelle
}

// ConfigSources records which config files, if any, contributed to a
// loaded Config.
type ConfigSources struct {
	Global  string
	Project string
}

// DefaultConfig returns the zero-override configuration.
func DefaultConfig() Config {
	return Config{
		MapSize:     1 << 16,
		CrashMode:   CrashModeAddr,
		OutDir:      "out",
		HangTimeout: 1000,
	}
}

// FileName is the default project config file name.
const FileName = ".igorfuzz-triage.json"

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("failed to read config file")
	ErrConfigInvalid      = errors.New("invalid config")
	ErrMapSizeInvalid     = errors.New("map_size must be a positive power of two")
)

// globalConfigPath returns $XDG_CONFIG_HOME/igorfuzz-triage/config.json,
// falling back to ~/.config/igorfuzz-triage/config.json. Returns "" if
// neither can be determined.
func globalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "igorfuzz-triage", "config.json")
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "igorfuzz-triage", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "igorfuzz-triage", "config.json")
}

// Load loads configuration with the following precedence (highest wins):
//  1. DefaultConfig
//  2. Global user config
//  3. Project config file (configPath if non-empty, else workDir/FileName)
//  4. overrides, merged field-by-field via applyOverrides
func Load(workDir, configPath string, overrides Config, env []string) (Config, ConfigSources, error) {
	cfg := DefaultConfig()

	var sources ConfigSources

	globalCfg, globalPath, err := loadOptional(globalConfigPath(env))
	if err != nil {
		return Config{}, ConfigSources{}, err
	}

	sources.Global = globalPath
	cfg = merge(cfg, globalCfg)

	projectPath := configPath
	mustExist := configPath != ""

	if projectPath == "" {
		projectPath = filepath.Join(workDir, FileName)
	} else if !filepath.IsAbs(projectPath) {
		projectPath = filepath.Join(workDir, projectPath)
	}

	var projectCfg Config

	if mustExist {
		projectCfg, err = loadRequired(projectPath)
		if err != nil {
			return Config{}, ConfigSources{}, err
		}

		sources.Project = projectPath
	} else {
		var loaded bool

		projectCfg, loaded, err = loadIfExists(projectPath)
		if err != nil {
			return Config{}, ConfigSources{}, err
		}

		if loaded {
			sources.Project = projectPath
		}
	}

	cfg = merge(cfg, projectCfg)
	cfg = applyOverrides(cfg, overrides)

	if err := validate(cfg); err != nil {
		return Config{}, ConfigSources{}, err
	}

	return cfg, sources, nil
}

func loadOptional(path string) (Config, string, error) {
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadIfExists(path)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadIfExists(path string) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
	}

	cfg, err := parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func loadRequired(path string) (Config, error) {
	if _, err := os.Stat(path); err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
	}

	cfg, loaded, err := loadIfExists(path)
	if err != nil {
		return Config{}, err
	}

	if !loaded {
		return Config{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
	}

	return cfg, nil
}

func parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

// merge overlays non-zero fields of overlay onto base.
func merge(base, overlay Config) Config {
	if overlay.MapSize != 0 {
		base.MapSize = overlay.MapSize
	}

	if overlay.CrashMode != 0 {
		base.CrashMode = overlay.CrashMode
	}

	if overlay.OutDir != "" {
		base.OutDir = overlay.OutDir
	}

	if overlay.SymbolizerPath != "" {
		base.SymbolizerPath = overlay.SymbolizerPath
	}

	if overlay.HangTimeout != 0 {
		base.HangTimeout = overlay.HangTimeout
	}

	if overlay.IgnoreTimeouts {
		base.IgnoreTimeouts = true
	}

	if overlay.ExactModule != "" {
		base.ExactModule = overlay.ExactModule
	}

	if overlay.TargetPath != "" {
		base.TargetPath = overlay.TargetPath
	}

	if len(overlay.TargetArgs) > 0 {
		base.TargetArgs = overlay.TargetArgs
	}

	if overlay.CallstackPath != "" {
		base.CallstackPath = overlay.CallstackPath
	}

	if overlay.MapPath != "" {
		base.MapPath = overlay.MapPath
	}

	return base
}

// applyOverrides overlays the CLI-flag overrides on base exactly as merge
// does: a non-zero overrides field wins, and a zero-valued one is ignored.
// An explicit CrashModeClassic (tier 0) is the zero value, so it does not
// override a higher tier already set in base.
func applyOverrides(base, overrides Config) Config {
	return merge(base, overrides)
}

func validate(cfg Config) error {
	if cfg.MapSize <= 0 || cfg.MapSize&(cfg.MapSize-1) != 0 {
		return fmt.Errorf("%w: got %d", ErrMapSizeInvalid, cfg.MapSize)
	}

	if cfg.CrashMode < CrashModeClassic || cfg.CrashMode > CrashModeStrict {
		return fmt.Errorf("%w: crash_mode out of range: %d", ErrConfigInvalid, cfg.CrashMode)
	}

	return nil
}

// Format renders cfg as indented JSON, for the CLI's config-printing
// subcommand.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}
