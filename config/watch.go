package config

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zhubert/plural-tools/logger"
)

// Watcher reloads the config file whenever it changes on disk and
// delivers each successfully parsed result on Changes. Parse failures
// are logged and skipped, so a half-saved edit never clobbers the
// running set.
type Watcher struct {
	path     string
	debounce time.Duration
	changes  chan *Config

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewWatcher creates a Watcher for the config file at path.
func NewWatcher(path string) *Watcher {
	return &Watcher{
		path:     path,
		debounce: 500 * time.Millisecond,
		changes:  make(chan *Config, 1),
	}
}

// Changes returns the channel of reloaded configs. Only the newest
// pending config is retained if the consumer falls behind. The channel
// is never closed; after Stop nothing more is delivered.
func (w *Watcher) Changes() <-chan *Config {
	return w.changes
}

// Start begins watching. Editors typically replace files by rename, so
// the parent directory is watched rather than the file itself.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return errors.New("watcher already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go w.run(ctx, watcher)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}

func (w *Watcher) run(ctx context.Context, watcher *fsnotify.Watcher) {
	log := logger.WithComponent("config-watcher")
	defer watcher.Close()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	base := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				w.reload(log)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload(log *slog.Logger) {
	cfg, err := LoadFile(w.path)
	if err != nil {
		log.Warn("config reload failed", "path", w.path, "error", err)
		return
	}

	// Latest wins: displace any config the consumer has not taken yet.
	select {
	case <-w.changes:
	default:
	}
	select {
	case w.changes <- cfg:
	default:
	}
	log.Info("config reloaded", "path", w.path, "servers", len(cfg.Servers))
}
