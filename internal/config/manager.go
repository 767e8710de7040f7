package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of filesystem events a single save
// produces into one reload.
const reloadDebounce = 500 * time.Millisecond

// Manager owns the active Config and swaps it atomically when the file on
// disk changes. Get is safe on every request path; a reload is invisible to
// in-flight readers.
type Manager struct {
	path    string
	current atomic.Pointer[Config]
	logger  *slog.Logger

	watcher   *fsnotify.Watcher
	callbacks []func(*Config)
}

// NewManager loads the file once and returns a manager holding it. Watching
// starts separately via Watch.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	m := &Manager{path: path, logger: logger}
	m.current.Store(cfg)
	return m, nil
}

// Get returns the active configuration. Never nil after NewManager.
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// OnChange registers fn to run after each successful reload. Register
// everything before calling Watch; the callback slice is not guarded.
func (m *Manager) OnChange(fn func(*Config)) {
	m.callbacks = append(m.callbacks, fn)
}

// Watch starts reacting to writes of the config file until ctx is done.
// Editors that replace the file instead of writing in place surface as
// Create events, so both ops trigger a reload.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(m.path); err != nil {
		_ = w.Close()
		return err
	}
	m.watcher = w

	go func() {
		var pending *time.Timer
		defer func() {
			if pending != nil {
				pending.Stop()
			}
			_ = w.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(reloadDebounce, m.reload)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.logger.Error("config watch error", "error", err)
			}
		}
	}()
	return nil
}

// reload parses the file and swaps it in. A file that fails to load keeps
// the previous config active, so a half-written save never takes effect.
func (m *Manager) reload() {
	cfg, err := LoadFromFile(m.path)
	if err != nil {
		m.logger.Error("config reload failed, keeping previous", "error", err)
		return
	}
	m.current.Store(cfg)
	m.logger.Info("config reloaded", "path", m.path)
	for _, fn := range m.callbacks {
		fn(cfg)
	}
}

// Close stops the file watcher.
func (m *Manager) Close() error {
	if m.watcher == nil {
		return nil
	}
	return m.watcher.Close()
}
