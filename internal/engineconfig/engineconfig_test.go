package engineconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashflow/streamengine/internal/cancellation"
	"github.com/dashflow/streamengine/internal/logger"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Retry.MaxRetry)
	assert.Equal(t, 30*time.Second, cfg.Buffer.WantedBufferAhead)
	assert.False(t, cfg.CMCD.Enabled)
}

func TestLoadDecodesFileOverDefaults(t *testing.T) {
	path := writeConfigFile(t, `
retry:
  max_retry: 8
buffer:
  wanted_buffer_ahead: 45s
cmcd:
  enabled: true
  mode: query
cdns:
  - name: primary
    base_url: https://cdn1.example.com
    priority: 0
  - name: backup
    base_url: https://cdn2.example.com
    priority: 1
`)
	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Retry.MaxRetry)
	assert.Equal(t, 45*time.Second, cfg.Buffer.WantedBufferAhead)
	assert.True(t, cfg.CMCD.Enabled)
	assert.Equal(t, "query", cfg.CMCD.Mode)
	require.Len(t, cfg.CDNs, 2)
	assert.Equal(t, "backup", cfg.CDNs[1].Name)
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestWatcherReloadsAndPushesSharedReferences(t *testing.T) {
	path := writeConfigFile(t, "buffer:\n  wanted_buffer_ahead: 20s\ncmcd:\n  enabled: false\n")
	v := viper.New()

	bufferTarget := cancellation.NewSharedReference(10 * time.Second)
	cmcdEnabled := cancellation.NewSharedReference(false)

	w, err := NewWatcher(logger.Noop(), v, path, bufferTarget, cmcdEnabled)
	require.NoError(t, err)
	w.debounceDelay = time.Millisecond
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("buffer:\n  wanted_buffer_ahead: 50s\ncmcd:\n  enabled: true\n"), 0o644))

	require.Eventually(t, func() bool {
		return bufferTarget.Get() == 50*time.Second
	}, time.Second, 5*time.Millisecond)
	assert.True(t, cmcdEnabled.Get())
}
