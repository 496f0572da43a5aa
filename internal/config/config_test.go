package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlagsRequiresExactlyOneRoot(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := ParseFlags(fs, nil)
	assert.Error(t, err)

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	_, err = ParseFlags(fs, []string{"/srv/tftp", "extra"})
	assert.Error(t, err)
}

func TestResolveAppliesDefaults(t *testing.T) {
	root := t.TempDir()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags, err := ParseFlags(fs, []string{root})
	require.NoError(t, err)

	cfg, err := Resolve(flags)
	require.NoError(t, err)

	assert.Equal(t, root, cfg.Root)
	assert.True(t, cfg.AutoDiscover)
	assert.Equal(t, DefaultBlksizeCeiling, cfg.BlksizeCeiling)
	assert.Equal(t, DefaultTimeoutCeiling, cfg.TimeoutCeiling)
	assert.Equal(t, DefaultRetryBudget, cfg.RetryBudget)
}

func TestResolveFlagsOverrideFile(t *testing.T) {
	root := t.TempDir()
	configPath := filepath.Join(t.TempDir(), "tftpd.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
listen: "0.0.0.0:69"
blksize_ceiling: 1024
retry_budget: 3
rate_limit: 10
rate_burst: 5
`), 0o644))

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags, err := ParseFlags(fs, []string{"-config", configPath, "-blksize-ceiling", "2048", root})
	require.NoError(t, err)

	cfg, err := Resolve(flags)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:69", cfg.ListenAddress)
	assert.False(t, cfg.AutoDiscover)
	assert.Equal(t, 2048, cfg.BlksizeCeiling, "flag must win over file")
	assert.Equal(t, 3, cfg.RetryBudget, "file value used when no flag given")
}

func TestResolveRejectsMissingRoot(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags, err := ParseFlags(fs, []string{"/does/not/exist"})
	require.NoError(t, err)

	_, err = Resolve(flags)
	assert.Error(t, err)
}

func TestResolveRejectsOutOfRangeBlksizeCeiling(t *testing.T) {
	root := t.TempDir()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags, err := ParseFlags(fs, []string{"-blksize-ceiling", "4", root})
	require.NoError(t, err)

	_, err = Resolve(flags)
	assert.Error(t, err)
}

func TestResolveTimeoutCeilingInSeconds(t *testing.T) {
	root := t.TempDir()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags, err := ParseFlags(fs, []string{"-timeout-ceiling", "10", root})
	require.NoError(t, err)

	cfg, err := Resolve(flags)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.TimeoutCeiling)
}
