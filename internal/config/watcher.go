package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces the burst of fsnotify events most editors emit
// for a single save into one reload.
const debounceDelay = 500 * time.Millisecond

// Holder owns the active configuration and supports hot reloading from
// the config file. Reads are cheap and safe from any goroutine; a reload
// either installs a fully validated config or keeps the previous one.
type Holder struct {
	// OnReloadError, when set, is called for each reload attempt that
	// failed validation (after it has been logged). Set before
	// StartWatcher.
	OnReloadError func(error)

	mu      sync.RWMutex
	current *Config
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	listenerMu sync.RWMutex
	listeners  []chan<- *Config
}

// NewHolder wraps an already loaded config. path names the file future
// reloads are read from.
func NewHolder(initial *Config, path string, logger *slog.Logger) *Holder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Holder{
		current: initial,
		path:    path,
		logger:  logger,
	}
}

// Get returns the active configuration.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload reads and validates the config file, then swaps it in. On any
// error the active configuration is left untouched.
func (h *Holder) Reload() error {
	newCfg, err := Load(h.path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	oldCfg := h.current
	h.current = newCfg
	h.mu.Unlock()

	h.logChanges(oldCfg, newCfg)
	h.notifyListeners(newCfg)

	h.logger.Info("configuration reloaded", "path", h.path)
	return nil
}

// StartWatcher begins watching the config file and reloading on change.
// Stops when ctx is canceled.
func (h *Holder) StartWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(h.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", h.path, err)
	}
	h.watcher = watcher

	h.logger.Info("watching config file", "path", h.path)
	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			h.watcher.Close()
			return

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			// Write covers in-place edits; Create covers the
			// rename-over-original dance editors like vim do.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			h.logger.Debug("config file changed", "op", event.Op.String())
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := h.Reload(); err != nil {
					h.logger.Error("config reload failed, keeping previous config", "error", err)
					if h.OnReloadError != nil {
						h.OnReloadError(err)
					}
				}
			})

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error("config watcher error", "error", err)
		}
	}
}

// RegisterListener adds a channel that receives the new config after each
// successful reload. Delivery is non-blocking: a full channel is skipped.
func (h *Holder) RegisterListener(ch chan<- *Config) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notifyListeners(newCfg *Config) {
	h.listenerMu.RLock()
	defer h.listenerMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- newCfg:
		default:
			h.logger.Warn("config listener busy, notification skipped")
		}
	}
}

// logChanges reports what changed between reloads. Device list and log
// level apply live; connection endpoints need a restart.
func (h *Holder) logChanges(old, newCfg *Config) {
	if old == nil || newCfg == nil {
		return
	}
	if len(old.Waves) != len(newCfg.Waves) {
		h.logger.Info("config changed: waves",
			"old", len(old.Waves), "new", len(newCfg.Waves))
	}
	if old.LogLevel != newCfg.LogLevel {
		h.logger.Info("config changed: log_level",
			"old", old.LogLevel, "new", newCfg.LogLevel)
	}
	if old.MQTT.Broker != newCfg.MQTT.Broker {
		h.logger.Warn("config changed: mqtt.broker (restart required)",
			"old", old.MQTT.Broker, "new", newCfg.MQTT.Broker)
	}
	if old.Listen != newCfg.Listen {
		h.logger.Warn("config changed: listen (restart required)")
	}
	if old.DataDir != newCfg.DataDir {
		h.logger.Warn("config changed: data_dir (restart required)",
			"old", old.DataDir, "new", newCfg.DataDir)
	}
}
