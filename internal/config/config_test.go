package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuulbelt/coordcore/internal/config"
)

func TestLoad_ReturnsDefaultsWithNoConfigFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, sources, err := config.Load(dir, "", nil)
	require.NoError(t, err)
	require.Empty(t, sources.Global)
	require.Empty(t, sources.Project)
	require.NotNil(t, cfg.Lock.StaleTimeout)
	require.Equal(t, "1h0m0s", *cfg.Lock.StaleTimeout)
}

func TestLoad_ProjectConfigOverridesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	writeProjectConfig(t, dir, `{
		"port_registry": {"min_port": 40000, "max_port": 40100},
		"snapshot": {"base_dir": "`+filepath.Join(dir, "snaps")+`"}
	}`)

	cfg, sources, err := config.Load(dir, "", nil)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, config.ConfigFileName), sources.Project)
	require.Equal(t, 40000, cfg.PortRegistry.MinPort)
	require.Equal(t, 40100, cfg.PortRegistry.MaxPort)
	require.Equal(t, filepath.Join(dir, "snaps"), cfg.Snapshot.BaseDir)
}

func TestLoad_ExplicitNullDisablesStaleTimeout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	writeProjectConfig(t, dir, `{"lock": {"stale_timeout": null}}`)

	cfg, _, err := config.Load(dir, "", nil)
	require.NoError(t, err)
	require.Nil(t, cfg.Lock.StaleTimeout)

	opts, err := cfg.ToLockOptions()
	require.NoError(t, err)
	require.Nil(t, opts.StaleTimeout)
}

func TestLoad_AcceptsJSONCComments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	writeProjectConfig(t, dir, `{
		// allow ports below 1024 for this project
		"port_registry": {"allow_privileged": true},
	}`)

	cfg, _, err := config.Load(dir, "", nil)
	require.NoError(t, err)
	require.NotNil(t, cfg.PortRegistry.AllowPrivileged)
	require.True(t, *cfg.PortRegistry.AllowPrivileged)
}

func TestLoad_RejectsInvertedPortRange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	writeProjectConfig(t, dir, `{"port_registry": {"min_port": 9000, "max_port": 8000}}`)

	_, _, err := config.Load(dir, "", nil)
	require.Error(t, err)
}

func TestLoad_RejectsUnknownTopLevelKey(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	writeProjectConfig(t, dir, `{"lock": {}, "typo_section": {"foo": true}}`)

	_, _, err := config.Load(dir, "", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "typo_section")
}

func TestLoad_ExplicitConfigPathMustExist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, _, err := config.Load(dir, "missing.json", nil)
	require.Error(t, err)
}

func TestToLockOptions_ParsesDurationStrings(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Lock.RetryInterval = "250ms"

	opts, err := cfg.ToLockOptions()
	require.NoError(t, err)
	require.Equal(t, "250ms", opts.RetryInterval.String())
}

func writeProjectConfig(t *testing.T, dir, content string) {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dir, config.ConfigFileName), []byte(content), 0o644))
}
