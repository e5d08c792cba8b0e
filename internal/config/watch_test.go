package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitForCount(t *testing.T, counter *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if counter.Load() >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("reload count %d never reached %d", counter.Load(), want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWatchRulesFolderTriggersReload(t *testing.T) {
	dir := t.TempDir()
	var reloads atomic.Int32
	watcher, err := WatchRules(context.Background(), RulesConfig{RulesFolder: dir}, func() error {
		reloads.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.yaml"), []byte("rules: []\n"), 0o600))
	waitForCount(t, &reloads, 1)
}

func TestWatchRulesIgnoresUnsupportedFiles(t *testing.T) {
	dir := t.TempDir()
	var reloads atomic.Int32
	watcher, err := WatchRules(context.Background(), RulesConfig{RulesFolder: dir}, func() error {
		reloads.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("scratch"), 0o600))
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, reloads.Load())
}

func TestWatchRulesFileTriggersReload(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(target, []byte("rules: []\n"), 0o600))

	var reloads atomic.Int32
	watcher, err := WatchRules(context.Background(), RulesConfig{RulesFile: target}, func() error {
		reloads.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(target, []byte("rules:\n  - name: r\n"), 0o600))
	waitForCount(t, &reloads, 1)
}

func TestWatchRulesReloadErrorsSurface(t *testing.T) {
	dir := t.TempDir()
	var failures atomic.Int32
	watcher, err := WatchRules(context.Background(), RulesConfig{RulesFolder: dir}, func() error {
		return errors.New("broken document")
	}, func(error) {
		failures.Add(1)
	})
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(":"), 0o600))
	waitForCount(t, &failures, 1)
}

func TestWatchRulesRequiresSource(t *testing.T) {
	_, err := WatchRules(context.Background(), RulesConfig{}, func() error { return nil }, nil)
	require.Error(t, err)
}

func TestWatchRulesStopIdempotent(t *testing.T) {
	watcher, err := WatchRules(context.Background(), RulesConfig{RulesFolder: t.TempDir()}, func() error { return nil }, nil)
	require.NoError(t, err)
	watcher.Stop()
	watcher.Stop()
}
