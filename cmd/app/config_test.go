package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func TestGetConfig(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "kvinsights.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logLevel": "warn"}`), 0o644))
	conf, err := GetConfig(path)
	require.NoError(t, err)
	require.Equal(t, "warn", conf.LogLevel)

	require.NoError(t, os.WriteFile(path, []byte(`{"logLevel": "loud"}`), 0o644))
	_, err = GetConfig(path)
	require.Error(t, err)

	_, err = GetConfig(filepath.Join(dir, "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestWatchConfig(t *testing.T) {
	var (
		path     = filepath.Join(t.TempDir(), "kvinsights.json")
		levelVar = &slog.LevelVar{}
	)
	ctx, cc := context.WithCancel(context.Background())
	defer cc()

	require.NoError(t, os.WriteFile(path, []byte(`{"logLevel": "error"}`), 0o644))
	require.NoError(t, watchConfig(ctx, path, levelVar, slog.Default()))
	require.Equal(t, slog.LevelError, levelVar.Level())

	require.NoError(t, os.WriteFile(path, []byte(`{"logLevel": "debug"}`), 0o644))
	require.Eventually(t, func() bool { return levelVar.Level() == slog.LevelDebug }, 5*time.Second, 10*time.Millisecond)

	// Invalid configs leave the level unchanged.
	require.NoError(t, os.WriteFile(path, []byte(`{"logLevel": "loud"}`), 0o644))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, slog.LevelDebug, levelVar.Level())
}
