package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vasodb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scratch_root: /var/tmp/vaso
lock_timeout: 2s
preemptive_fs: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/tmp/vaso", cfg.ScratchRoot)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout.Std())
	assert.True(t, cfg.PreemptiveFS)
	// Untouched keys keep their defaults.
	assert.Equal(t, Default().BusyTimeout, cfg.BusyTimeout)
	assert.Equal(t, Default().DrainTimeout, cfg.DrainTimeout)
}

func TestDurationAcceptsBareSeconds(t *testing.T) {
	for name, tc := range map[string]struct {
		yaml string
		want time.Duration
	}{
		"float":  {"busy_timeout: 1.5\n", 1500 * time.Millisecond},
		"int":    {"busy_timeout: 2\n", 2 * time.Second},
		"string": {"busy_timeout: 250ms\n", 250 * time.Millisecond},
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "vasodb.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.yaml), 0o644))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, tc.want, cfg.BusyTimeout.Std())
		})
	}
}

func TestDurationRejectsNonScalar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vasodb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("busy_timeout: [1, 2]\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vasodb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lokc_timeout: 2s\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vasodb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scratch_root: [unterminated\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
