package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klesis/klesis/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
transceiver:
  protocol: 0
`

const watcherUpdatedYAML = `
server:
  log_level: debug
transceiver:
  protocol: 2
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

func newWatchedFile(t *testing.T) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "klesis.yaml")
	writeFile(t, cfgPath, watcherValidYAML)
	return cfgPath
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := newWatchedFile(t)

	w, err := config.NewWatcher(cfgPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	cfgPath := newWatchedFile(t)

	changed := make(chan [2]*config.Config, 1)
	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		select {
		case changed <- [2]*config.Config{old, new}:
		default:
		}
	}, config.WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeFile(t, cfgPath, watcherUpdatedYAML)

	select {
	case pair := <-changed:
		if pair[0].Server.LogLevel != config.LogInfo {
			t.Errorf("old log_level: got %q, want info", pair[0].Server.LogLevel)
		}
		if pair[1].Server.LogLevel != config.LogDebug || pair[1].Transceiver.Protocol != 2 {
			t.Errorf("new config: got %+v", pair[1].Server)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("onChange not called within 5s")
	}

	if cur := w.Current(); cur.Server.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level: got %q, want %q", cur.Server.LogLevel, config.LogDebug)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	cfgPath := newWatchedFile(t)

	var mu sync.Mutex
	calls := 0
	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, config.WithDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeFile(t, cfgPath, watcherInvalidYAML)
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", got)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", cur.Server.LogLevel)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	cfgPath := newWatchedFile(t)

	var mu sync.Mutex
	calls := 0
	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, config.WithDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeFile(t, cfgPath, watcherValidYAML)
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback called %d times for identical content, want 0", calls)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, err := config.NewWatcher(newWatchedFile(t), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.Stop()
	w.Stop()
}
