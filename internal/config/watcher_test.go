package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "[[processes]]\nname = \"a\"\ncommand = [\"x\"]\n")
	w := NewWatcher(path, nil, WithDebounce(20*time.Millisecond))
	got := make(chan *Config, 4)
	w.OnReload(func(c *Config) { got <- c })
	require.NoError(t, w.Start())
	defer func() { assert.NoError(t, w.Stop()) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("[[processes]]\nname = \"b\"\ncommand = [\"y\"]\n"), 0o644))

	select {
	case c := <-got:
		require.Len(t, c.Processes, 1)
		assert.Equal(t, "b", c.Processes[0].Name)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload")
	}
}

func TestWatcherKeepsGoingAfterBadConfig(t *testing.T) {
	path := writeConfig(t, "")
	errs := make(chan error, 4)
	got := make(chan *Config, 4)
	w := NewWatcher(path, nil, WithDebounce(20*time.Millisecond), WithErrorHandler(func(err error) { errs <- err }))
	unsubscribe := w.OnReload(func(c *Config) { got <- c })
	require.NoError(t, w.Start())
	defer func() { _ = w.Stop() }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("[listener\n"), 0o644))
	select {
	case <-errs:
	case <-time.After(3 * time.Second):
		t.Fatal("no error reported")
	}

	unsubscribe()
	require.NoError(t, os.WriteFile(path, []byte("[listener]\nport = 1\n"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, got)
}

func TestWatcherStartMissingDir(t *testing.T) {
	w := NewWatcher("/nonexistent/dir/procmaster.toml", nil)
	assert.Error(t, w.Start())
	assert.NoError(t, w.Stop())
}
