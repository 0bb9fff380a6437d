package am

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigWatcher_Reload(t *testing.T) {
	path := writeConfig(t, "[budget]\ndaily_cost_limit = 50.0\n")

	cw, err := NewConfigWatcher(path)
	require.NoError(t, err)
	cw.debounce = 10 * time.Millisecond
	cw.load = func() (*Config, error) { return LoadFromFile(path) }
	defer cw.Stop()

	reloaded := make(chan float64, 4)
	cw.OnReload(func(cfg *Config) error {
		reloaded <- cfg.Budget.DailyCostLimit
		return nil
	})
	cw.Start()

	require.NoError(t, os.WriteFile(path, []byte("[budget]\ndaily_cost_limit = 20.0\n"), 0644))

	select {
	case limit := <-reloaded:
		assert.Equal(t, 20.0, limit)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload not observed")
	}
}

func TestConfigWatcher_IgnoresOwnWrite(t *testing.T) {
	path := writeConfig(t, "[budget]\ndaily_cost_limit = 50.0\n")

	cw, err := NewConfigWatcher(path)
	require.NoError(t, err)
	defer cw.Stop()

	cw.MarkOwnWrite()
	assert.True(t, cw.consumeOwnWrite())
	assert.False(t, cw.consumeOwnWrite(), "flag clears after one event")
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("/x/am.toml.back1"))
	assert.True(t, isBackupFile("am.toml.back3"))
	assert.False(t, isBackupFile("/x/am.toml"))
}

func TestConfigWatcher_StopTwice(t *testing.T) {
	cw, err := NewConfigWatcher(writeConfig(t, "[budget]\ndaily_cost_limit = 50.0\n"))
	require.NoError(t, err)
	cw.Start()
	require.NoError(t, cw.Stop())
	assert.NoError(t, cw.Stop())
}

func TestGlobalWatcher(t *testing.T) {
	cw, err := NewConfigWatcher(writeConfig(t, "[budget]\ndaily_cost_limit = 50.0\n"))
	require.NoError(t, err)
	defer cw.Stop()

	SetGlobalWatcher(cw)
	t.Cleanup(func() { SetGlobalWatcher(nil) })
	assert.Same(t, cw, GetGlobalWatcher())
}
