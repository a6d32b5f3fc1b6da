// Package config loads the tuulbelt-wide configuration shared by the lock,
// port-registry, and snapshot subcommands (spec.md §6.5), following the same
// layered precedence and JSONC parsing the rest of the tuulbelt CLI suite
// uses: defaults, then a global user config, then either the project config
// or, when given, an explicit --config file in its place, with CLI flags
// applied last by the caller.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"

	"github.com/tuulbelt/coordcore/pkg/coord"
	"github.com/tuulbelt/coordcore/pkg/lock"
	"github.com/tuulbelt/coordcore/pkg/portregistry"
	"github.com/tuulbelt/coordcore/pkg/snapshot"
)

// knownTopLevelKeys are the only keys a config document may set at the top
// level (spec.md §9: unknown fields are rejected at parse time, not
// silently ignored).
var knownTopLevelKeys = map[string]bool{
	"lock":          true,
	"port_registry": true,
	"snapshot":      true,
}

// ConfigFileName is the default project config file name.
const ConfigFileName = ".tbelt.json"

// LockConfig mirrors spec.md §6.5's Lock Primitive option record. A nil
// StaleTimeout or AcquireTimeout means "null": age-based staleness (or an
// acquire deadline) is disabled.
type LockConfig struct {
	StaleTimeout   *string `json:"stale_timeout,omitempty"`
	RetryInterval  string  `json:"retry_interval,omitempty"`
	AcquireTimeout *string `json:"acquire_timeout,omitempty"`
}

// PortRegistryConfig mirrors spec.md §6.5's Port Registry option record.
type PortRegistryConfig struct {
	MinPort            int    `json:"min_port,omitempty"`
	MaxPort            int    `json:"max_port,omitempty"`
	AllowPrivileged    *bool  `json:"allow_privileged,omitempty"`
	MaxEntries         int    `json:"max_entries,omitempty"`
	MaxPortsPerRequest int    `json:"max_ports_per_request,omitempty"`
	StaleTimeout       string `json:"stale_timeout,omitempty"`
	RegistryDir        string `json:"registry_dir,omitempty"`
}

// SnapshotConfig mirrors spec.md §6.5's Snapshot Store option record.
// HashAlgorithm is informational only: this module always uses sha256.
type SnapshotConfig struct {
	BaseDir        string `json:"base_dir,omitempty"`
	AutoDetectType *bool  `json:"auto_detect_type,omitempty"`
	HashAlgorithm  string `json:"hash_algorithm,omitempty"`
}

// Config is the full, merged configuration document.
type Config struct {
	Lock         LockConfig         `json:"lock"`
	PortRegistry PortRegistryConfig `json:"port_registry"`
	Snapshot     SnapshotConfig     `json:"snapshot"`
}

// Sources records which config files, if any, contributed to a load.
type Sources struct {
	Global  string
	Project string
}

func defaultDuration(d time.Duration) *string {
	s := d.String()

	return &s
}

// DefaultConfig returns the package defaults, expressed the way a user would
// write them in a config file.
func DefaultConfig() Config {
	registryDir := filepath.Join(defaultStateDir(), "ports")
	baseDir := filepath.Join(defaultStateDir(), "snapshots")

	allowPrivileged := false
	autoDetect := true

	return Config{
		Lock: LockConfig{
			StaleTimeout:  defaultDuration(lock.DefaultStaleTimeout),
			RetryInterval: lock.DefaultRetryInterval.String(),
		},
		PortRegistry: PortRegistryConfig{
			MinPort:            portregistry.DefaultMinPort,
			MaxPort:            portregistry.DefaultMaxPort,
			AllowPrivileged:    &allowPrivileged,
			MaxEntries:         portregistry.DefaultMaxEntries,
			MaxPortsPerRequest: portregistry.DefaultMaxPortsPerRequest,
			StaleTimeout:       portregistry.DefaultStaleTimeout.String(),
			RegistryDir:        registryDir,
		},
		Snapshot: SnapshotConfig{
			BaseDir:        baseDir,
			AutoDetectType: &autoDetect,
			HashAlgorithm:  "sha256",
		},
	}
}

func defaultStateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "tbelt")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".tbelt")
	}

	return filepath.Join(home, ".local", "state", "tbelt")
}

func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "tbelt", "config.json")
		}
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "tbelt", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "tbelt", "config.json")
	}

	return ""
}

// Load resolves the layered configuration: defaults, global user config,
// project config (.tbelt.json in workDir, or an explicit configPath),
// in that order. CLI flag overrides are applied by the caller afterward.
func Load(workDir, configPath string, env []string) (Config, Sources, error) {
	cfg := DefaultConfig()

	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_STATE_HOME="); ok && after != "" {
			stateDir := filepath.Join(after, "tbelt")
			cfg.PortRegistry.RegistryDir = filepath.Join(stateDir, "ports")
			cfg.Snapshot.BaseDir = filepath.Join(stateDir, "snapshots")
		}
	}

	var sources Sources

	globalCfg, nulls, globalPath, err := loadGlobalConfig(env)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Global = globalPath
	cfg = mergeConfig(cfg, globalCfg, nulls)

	projectCfg, nulls, projectPath, err := loadProjectConfig(workDir, configPath)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Project = projectPath
	cfg = mergeConfig(cfg, projectCfg, nulls)

	if err := validate(cfg); err != nil {
		return Config{}, Sources{}, err
	}

	return cfg, sources, nil
}

func loadGlobalConfig(env []string) (Config, map[string]bool, string, error) {
	path := getGlobalConfigPath(env)
	if path == "" {
		return Config{}, nil, "", nil
	}

	cfg, nulls, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return Config{}, nil, "", err
	}

	if !loaded {
		return Config{}, nil, "", nil
	}

	return cfg, nulls, path, nil
}

func loadProjectConfig(workDir, configPath string) (Config, map[string]bool, string, error) {
	var (
		file      string
		mustExist bool
	)

	if configPath != "" {
		file = configPath
		if !filepath.IsAbs(file) {
			file = filepath.Join(workDir, file)
		}

		mustExist = true

		if _, statErr := os.Stat(file); statErr != nil {
			return Config{}, nil, "", fmt.Errorf("%w: %s", errConfigFileNotFound, configPath)
		}
	} else {
		file = filepath.Join(workDir, ConfigFileName)
		mustExist = false
	}

	cfg, nulls, loaded, err := loadConfigFile(file, mustExist)
	if err != nil {
		return Config{}, nil, "", err
	}

	if !loaded {
		return Config{}, nil, "", nil
	}

	return cfg, nulls, file, nil
}

func loadConfigFile(path string, mustExist bool) (Config, map[string]bool, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled, not attacker-controlled
	if err != nil {
		if os.IsNotExist(err) {
			if mustExist {
				return Config{}, nil, false, fmt.Errorf("%w: %s", errConfigFileRead, path)
			}

			return Config{}, nil, false, nil
		}

		return Config{}, nil, false, fmt.Errorf("%w: %s", errConfigFileRead, path)
	}

	cfg, nulls, parseErr := parseConfig(data)
	if parseErr != nil {
		return Config{}, nil, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, parseErr)
	}

	return cfg, nulls, true, nil
}

// parseConfig standardizes JSONC to JSON and unmarshals it, additionally
// walking the raw document to record which nullable duration fields were
// explicitly set to null (as opposed to simply absent) so merge can tell
// "disable staleness" apart from "don't care", and to reject any top-level
// key outside the three known sections.
func parseConfig(data []byte) (Config, map[string]bool, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, nil, fmt.Errorf("invalid JSONC: %w", err)
	}

	var raw map[string]any

	if err := json.Unmarshal(standardized, &raw); err != nil {
		return Config{}, nil, fmt.Errorf("invalid JSON: %w", err)
	}

	for key := range raw {
		if !knownTopLevelKeys[key] {
			return Config{}, nil, coord.New(coord.KindInvalidInput, "config.parseConfig",
				fmt.Errorf("%w: unknown top-level key %q", errConfigInvalid, key), "unknown_key", key)
		}
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, nil, fmt.Errorf("invalid JSON: %w", err)
	}

	nulls := make(map[string]bool)

	if lockRaw, ok := raw["lock"].(map[string]any); ok {
		if v, present := lockRaw["stale_timeout"]; present && v == nil {
			nulls["lock.stale_timeout"] = true
		}

		if v, present := lockRaw["acquire_timeout"]; present && v == nil {
			nulls["lock.acquire_timeout"] = true
		}
	}

	return cfg, nulls, nil
}

func mergeConfig(base, overlay Config, nulls map[string]bool) Config {
	if overlay.Lock.StaleTimeout != nil {
		base.Lock.StaleTimeout = overlay.Lock.StaleTimeout
	} else if nulls["lock.stale_timeout"] {
		base.Lock.StaleTimeout = nil
	}

	if overlay.Lock.AcquireTimeout != nil {
		base.Lock.AcquireTimeout = overlay.Lock.AcquireTimeout
	} else if nulls["lock.acquire_timeout"] {
		base.Lock.AcquireTimeout = nil
	}

	if overlay.Lock.RetryInterval != "" {
		base.Lock.RetryInterval = overlay.Lock.RetryInterval
	}

	if overlay.PortRegistry.MinPort != 0 {
		base.PortRegistry.MinPort = overlay.PortRegistry.MinPort
	}

	if overlay.PortRegistry.MaxPort != 0 {
		base.PortRegistry.MaxPort = overlay.PortRegistry.MaxPort
	}

	if overlay.PortRegistry.AllowPrivileged != nil {
		base.PortRegistry.AllowPrivileged = overlay.PortRegistry.AllowPrivileged
	}

	if overlay.PortRegistry.MaxEntries != 0 {
		base.PortRegistry.MaxEntries = overlay.PortRegistry.MaxEntries
	}

	if overlay.PortRegistry.MaxPortsPerRequest != 0 {
		base.PortRegistry.MaxPortsPerRequest = overlay.PortRegistry.MaxPortsPerRequest
	}

	if overlay.PortRegistry.StaleTimeout != "" {
		base.PortRegistry.StaleTimeout = overlay.PortRegistry.StaleTimeout
	}

	if overlay.PortRegistry.RegistryDir != "" {
		base.PortRegistry.RegistryDir = overlay.PortRegistry.RegistryDir
	}

	if overlay.Snapshot.BaseDir != "" {
		base.Snapshot.BaseDir = overlay.Snapshot.BaseDir
	}

	if overlay.Snapshot.AutoDetectType != nil {
		base.Snapshot.AutoDetectType = overlay.Snapshot.AutoDetectType
	}

	if overlay.Snapshot.HashAlgorithm != "" {
		base.Snapshot.HashAlgorithm = overlay.Snapshot.HashAlgorithm
	}

	return base
}

func validate(cfg Config) error {
	if cfg.PortRegistry.MinPort > cfg.PortRegistry.MaxPort {
		return fmt.Errorf("%w: port_registry.min_port > max_port", errConfigInvalid)
	}

	if cfg.PortRegistry.RegistryDir == "" {
		return fmt.Errorf("%w: port_registry.registry_dir is empty", errConfigInvalid)
	}

	if cfg.Snapshot.BaseDir == "" {
		return fmt.Errorf("%w: snapshot.base_dir is empty", errConfigInvalid)
	}

	return nil
}

// ToLockOptions translates the loaded config into [lock.Options].
func (c Config) ToLockOptions() (lock.Options, error) {
	opts := lock.DefaultOptions()

	if c.Lock.StaleTimeout == nil {
		opts.StaleTimeout = nil
	} else if *c.Lock.StaleTimeout != "" {
		d, err := time.ParseDuration(*c.Lock.StaleTimeout)
		if err != nil {
			return lock.Options{}, fmt.Errorf("%w: lock.stale_timeout %q: %w", errConfigInvalid, *c.Lock.StaleTimeout, err)
		}

		opts.StaleTimeout = &d
	}

	if c.Lock.RetryInterval != "" {
		d, err := time.ParseDuration(c.Lock.RetryInterval)
		if err != nil {
			return lock.Options{}, fmt.Errorf("%w: lock.retry_interval %q: %w", errConfigInvalid, c.Lock.RetryInterval, err)
		}

		opts.RetryInterval = d
	}

	return opts, nil
}

// AcquireTimeout parses the configured acquire timeout. A nil return means
// "no deadline configured" (caller should fall back to its own default).
func (c Config) AcquireTimeout() (*time.Duration, error) {
	if c.Lock.AcquireTimeout == nil || *c.Lock.AcquireTimeout == "" {
		return nil, nil
	}

	d, err := time.ParseDuration(*c.Lock.AcquireTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: lock.acquire_timeout %q: %w", errConfigInvalid, *c.Lock.AcquireTimeout, err)
	}

	return &d, nil
}

// ToPortRegistryOptions translates the loaded config into
// [portregistry.Options].
func (c Config) ToPortRegistryOptions() (portregistry.Options, error) {
	opts := portregistry.DefaultOptions(c.PortRegistry.RegistryDir)

	opts.MinPort = c.PortRegistry.MinPort
	opts.MaxPort = c.PortRegistry.MaxPort
	opts.MaxEntries = c.PortRegistry.MaxEntries
	opts.MaxPortsPerRequest = c.PortRegistry.MaxPortsPerRequest

	if c.PortRegistry.AllowPrivileged != nil {
		opts.AllowPrivileged = *c.PortRegistry.AllowPrivileged
	}

	if c.PortRegistry.StaleTimeout != "" {
		d, err := time.ParseDuration(c.PortRegistry.StaleTimeout)
		if err != nil {
			return portregistry.Options{}, fmt.Errorf(
				"%w: port_registry.stale_timeout %q: %w", errConfigInvalid, c.PortRegistry.StaleTimeout, err)
		}

		opts.StaleTimeout = d
	}

	return opts, nil
}

// ToSnapshotOptions translates the loaded config into [snapshot.Options].
// The Differ field is left to the caller's default.
func (c Config) ToSnapshotOptions() snapshot.Options {
	opts := snapshot.DefaultOptions(c.Snapshot.BaseDir)

	if c.Snapshot.AutoDetectType != nil {
		opts.AutoDetectType = *c.Snapshot.AutoDetectType
	}

	return opts
}
