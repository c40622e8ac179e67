package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupWatcherTest(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	if err := os.WriteFile(path, []byte("servers: {}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitForConfig(t *testing.T, w *Watcher, timeout time.Duration) *Config {
	t.Helper()
	select {
	case cfg := <-w.Changes():
		return cfg
	case <-time.After(timeout):
		t.Fatal("Timed out waiting for config change")
		return nil
	}
}

func TestWatcher_DeliversChange(t *testing.T) {
	path := setupWatcherTest(t)

	w := NewWatcher(path)
	w.debounce = 50 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	data := []byte("servers:\n  echo:\n    command: cat\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg := waitForConfig(t, w, 3*time.Second)
	if len(cfg.Servers) != 1 || cfg.Servers[0].Name != "echo" {
		t.Errorf("Unexpected config: %+v", cfg.Servers)
	}
}

func TestWatcher_SkipsInvalidConfig(t *testing.T) {
	path := setupWatcherTest(t)

	w := NewWatcher(path)
	w.debounce = 50 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("servers: [broken"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	select {
	case cfg := <-w.Changes():
		t.Fatalf("Invalid config should not be delivered, got %+v", cfg)
	default:
	}

	data := []byte("servers:\n  echo:\n    command: cat\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	cfg := waitForConfig(t, w, 3*time.Second)
	if len(cfg.Servers) != 1 {
		t.Errorf("Expected recovered config, got %+v", cfg.Servers)
	}
}

func TestWatcher_LatestWins(t *testing.T) {
	path := setupWatcherTest(t)

	w := NewWatcher(path)
	w.debounce = 10 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	// Two edits without the consumer reading: only the second sticks.
	if err := os.WriteFile(path, []byte("servers:\n  one:\n    command: cat\n"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	data := []byte("servers:\n  one:\n    command: cat\n  two:\n    command: cat\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	cfg := waitForConfig(t, w, 3*time.Second)
	if len(cfg.Servers) != 2 {
		t.Errorf("Expected latest config with 2 servers, got %+v", cfg.Servers)
	}
}

func TestWatcher_StartTwice(t *testing.T) {
	path := setupWatcherTest(t)

	w := NewWatcher(path)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := w.Start(context.Background()); err == nil {
		t.Error("Second Start should fail")
	}
}

func TestWatcher_StopEndsDelivery(t *testing.T) {
	path := setupWatcherTest(t)

	w := NewWatcher(path)
	w.debounce = 50 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	w.Stop()

	if err := os.WriteFile(path, []byte("servers:\n  echo:\n    command: cat\n"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	select {
	case cfg := <-w.Changes():
		t.Fatalf("No config should arrive after Stop, got %+v", cfg)
	default:
	}
}
