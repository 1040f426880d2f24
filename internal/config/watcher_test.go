package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const watcherInitialYAML = `
server:
  listen_addr: ":8080"
  log_level: info
`

const watcherUpdatedYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
`

// writeConfigFile writes content to path and bumps the mtime so the poll
// loop notices the change even on coarse-grained filesystems.
func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcherDetectsChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "earshot.yaml")
	writeConfigFile(t, path, watcherInitialYAML)

	var (
		mu      sync.Mutex
		changes []ConfigDiff
	)
	w, err := NewWatcher(path, func(old, new *Config) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, Diff(old, new))
	}, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)

	if got := w.Current().Server.LogLevel; got != LogInfo {
		t.Fatalf("initial log level = %q, want info", got)
	}

	writeConfigFile(t, path, watcherUpdatedYAML)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(changes)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) == 0 {
		t.Fatal("change never reported")
	}
	if !changes[0].LogLevelChanged || changes[0].NewLogLevel != LogDebug {
		t.Errorf("diff = %+v, want log level change to debug", changes[0])
	}
	if got := w.Current().Server.LogLevel; got != LogDebug {
		t.Errorf("Current() log level = %q, want debug", got)
	}
}

func TestWatcherKeepsOldConfigOnInvalidUpdate(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "earshot.yaml")
	writeConfigFile(t, path, watcherInitialYAML)

	called := make(chan struct{}, 1)
	w, err := NewWatcher(path, func(old, new *Config) {
		select {
		case called <- struct{}{}:
		default:
		}
	}, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)

	writeConfigFile(t, path, "server:\n  log_level: verbose\n")

	select {
	case <-called:
		t.Fatal("onChange fired for an invalid config")
	case <-time.After(200 * time.Millisecond):
	}
	if got := w.Current().Server.LogLevel; got != LogInfo {
		t.Errorf("Current() log level = %q, want the previous valid config", got)
	}
}

func TestWatcherInitialLoadFailure(t *testing.T) {
	t.Parallel()

	if _, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("NewWatcher succeeded on a missing file")
	}
}
