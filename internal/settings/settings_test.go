package settings

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewWatcherFallsBackToDefaultWhenFileMissing(t *testing.T) {
	w, err := NewWatcher(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := w.Current(), Default(); got != want {
		t.Fatalf("want default settings, got %+v", got)
	}
}

func TestWatcherHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	initial := Default()
	initial.BotPingToleranceSecs = 120
	writeJSON(t, path, initial)

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Current().BotPingToleranceSecs != 120 {
		t.Fatalf("initial load did not apply: %+v", w.Current())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Watch(ctx)

	updated := initial
	updated.BotPingToleranceSecs = 900
	writeJSON(t, path, updated)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().BotPingToleranceSecs == 900 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("settings were not hot-reloaded, still %+v", w.Current())
}

func writeJSON(t *testing.T, path string, s Settings) {
	t.Helper()
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}
