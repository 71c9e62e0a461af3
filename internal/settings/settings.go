// Package settings carries the scheduler's polled configuration record —
// the single external settings object spec §6 assumes exists but leaves
// unspecified. It is hot-reloaded from a JSON file the way policy-service
// hot-reloads its rego bundle: fsnotify watches the file's directory,
// changes debounce briefly, and a freshly parsed snapshot is swapped in
// atomically so readers never observe a partially-updated record.
package settings

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Settings is the polled record named throughout spec §4/§6: task
// reusability, bot liveness tolerance, output chunking limits and the
// quick-comeback probability gating exponential backoff.
type Settings struct {
	ReusableTaskAgeSecs        int64   `json:"reusable_task_age_secs"`
	BotPingToleranceSecs       int64   `json:"bot_ping_tolerance_secs"`
	OutputChunkSize            int     `json:"output_chunk_size"` // CHUNK_SIZE
	PutMaxChunks               int     `json:"put_max_chunks"`    // PUT_MAX_CHUNKS
	FetchMaxContent            int     `json:"fetch_max_content"` // FETCH_MAX_CONTENT
	ProbabilityOfQuickComeback float64 `json:"probability_of_quick_comeback"`
	MaxAttempts                int     `json:"max_attempts"`
}

// PutMaxContent returns PUT_MAX_CONTENT, which spec §6 requires stay
// equal to PUT_MAX_CHUNKS * CHUNK_SIZE: the total bytes of output a
// single command of a run may ever accumulate before AppendOutput starts
// dropping writes with a warning.
func (s Settings) PutMaxContent() int {
	return s.PutMaxChunks * s.OutputChunkSize
}

// Default mirrors the original implementation's module-level constants.
func Default() Settings {
	return Settings{
		ReusableTaskAgeSecs:        7 * 24 * 3600,
		BotPingToleranceSecs:       5 * 60,
		OutputChunkSize:            100 * 1024,
		PutMaxChunks:               1024,
		FetchMaxContent:            50 * 1024 * 1024,
		ProbabilityOfQuickComeback: 0.05,
		MaxAttempts:                2,
	}
}

// Watcher holds the live, atomically-swapped Settings snapshot.
type Watcher struct {
	path    string
	current atomic.Pointer[Settings]
	reloads atomic.Int64
	errors  atomic.Int64
}

// NewWatcher loads path once synchronously (falling back to Default() if
// the file does not exist yet) and returns a Watcher ready to be started.
func NewWatcher(path string) (*Watcher, error) {
	w := &Watcher{path: path}
	s := Default()
	w.current.Store(&s)
	if err := w.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return w, nil
}

// Current returns the latest loaded snapshot.
func (w *Watcher) Current() Settings {
	return *w.current.Load()
}

// Reloads reports how many successful hot reloads have occurred, for
// /metrics-style observability parity with swarm_policy_reloads_total.
func (w *Watcher) Reloads() int64 { return w.reloads.Load() }

// Errors reports failed reload attempts.
func (w *Watcher) Errors() int64 { return w.errors.Load() }

func (w *Watcher) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	w.current.Store(&s)
	w.reloads.Add(1)
	return nil
}

// Watch blocks until ctx is cancelled, reloading on every debounced
// filesystem event for the settings file's directory.
func (w *Watcher) Watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("settings watcher init failed", "error", err)
		w.errors.Add(1)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		slog.Error("settings watcher add failed", "dir", dir, "error", err)
		w.errors.Add(1)
		return
	}

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-watcher.Events:
			if filepath.Clean(ev.Name) == filepath.Clean(w.path) {
				debounce.Reset(200 * time.Millisecond)
			}
		case err := <-watcher.Errors:
			slog.Warn("settings watcher error", "error", err)
			w.errors.Add(1)
		case <-debounce.C:
			if err := w.reload(); err != nil {
				slog.Warn("settings reload failed", "error", err)
				w.errors.Add(1)
			} else {
				slog.Info("settings reloaded", "path", w.path)
			}
		}
	}
}
