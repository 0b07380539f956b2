package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.LabDurationHours)
	assert.Equal(t, 15, cfg.KCandidates)
	assert.Equal(t, 600*time.Second, cfg.SyncInterval)
	assert.Equal(t, int64(4*3600), cfg.LabDurationSeconds())
	assert.Equal(t, int64(30*60), cfg.GraceSeconds())
}

func TestBindFlags_OverridesDefaults(t *testing.T) {
	cfg := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)

	require.NoError(t, fs.Parse([]string{
		"--k-candidates=7",
		"--sync-interval=30s",
		"--upstream=awsorg",
	}))

	assert.Equal(t, 7, cfg.KCandidates)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, "awsorg", cfg.UpstreamKind)
	assert.Equal(t, 10, cfg.CleanupBatchSize, "untouched flags keep their defaults")
}

func TestLoadEnvOverrides_TakePrecedence(t *testing.T) {
	t.Setenv("BROKER_K_CANDIDATES", "9")
	t.Setenv("BROKER_CLEANUP_INTERVAL", "45s")
	t.Setenv("BROKER_API_TOKEN", "tok-123")

	cfg := Default()
	require.NoError(t, cfg.LoadEnvOverrides())

	assert.Equal(t, 9, cfg.KCandidates)
	assert.Equal(t, 45*time.Second, cfg.CleanupInterval)
	assert.Equal(t, "tok-123", cfg.ClientToken)
}

func TestLoadEnvOverrides_RejectsMalformedValues(t *testing.T) {
	t.Setenv("BROKER_K_CANDIDATES", "not-a-number")
	cfg := Default()
	assert.Error(t, cfg.LoadEnvOverrides())

	os.Unsetenv("BROKER_K_CANDIDATES")
	t.Setenv("BROKER_SYNC_INTERVAL", "soon")
	cfg = Default()
	assert.Error(t, cfg.LoadEnvOverrides())
}

func TestLoadFile_LayersOnlyPresentKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"k_candidates: 25\nlisten_addr: \":9999\"\n"), 0644))

	cfg := Default()
	require.NoError(t, cfg.LoadFile(path))

	assert.Equal(t, 25, cfg.KCandidates)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, 10, cfg.CleanupBatchSize, "keys absent from the file stay at their defaults")
}

func TestLoadFile_MissingFileErrors(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.LoadFile(filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestValidate_RejectsBrokenConfig(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"zero k":           func(c *Config) { c.KCandidates = 0 },
		"zero batch size":  func(c *Config) { c.CleanupBatchSize = 0 },
		"zero threshold":   func(c *Config) { c.BreakerThreshold = 0 },
		"unknown upstream": func(c *Config) { c.UpstreamKind = "gcp" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
