// Package connwatch supervises the bridge's external dependencies: the
// MQTT broker and the Bluetooth adapter. Each watcher probes one
// dependency in two phases. During startup it retries with exponential
// backoff (2s doubling up to 60s) so the bridge comes up cleanly when
// the broker boots later than we do. After that it polls in the
// background and reports up/down transitions through callbacks, the
// event bus, and the wavemqtt_dependency_up gauge.
//
// This is distinct from the per-read connect retries inside a poll
// cycle, which absorb sub-second radio hiccups. connwatch covers
// multi-second to multi-minute outages: broker restarts, network
// partitions, a BlueZ daemon or USB dongle going away.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/siku2/wavemqtt/internal/events"
	"github.com/siku2/wavemqtt/internal/metrics"
)

// ProbeFunc checks whether a dependency is reachable. Return nil if
// healthy. Must be safe for concurrent use.
type ProbeFunc func(ctx context.Context) error

// Probe schedule defaults. Startup backoff doubles from initialDelay to
// maxDelay; after startupRetries attempts the watcher falls back to the
// background poll interval.
const (
	defaultInitialDelay   = 2 * time.Second
	defaultMaxDelay       = 60 * time.Second
	defaultStartupRetries = 10
	defaultPollInterval   = 60 * time.Second
	defaultProbeTimeout   = 10 * time.Second
)

// WatcherConfig configures one dependency watcher. Zero durations and
// counts take the package defaults.
type WatcherConfig struct {
	// Name labels the dependency in logs, events, and metrics
	// (e.g. "mqtt", "bluetooth").
	Name string

	// Probe checks dependency health.
	Probe ProbeFunc

	// StartupRetries is how many backoff probes run before the watcher
	// gives up on a fast start and switches to background polling.
	StartupRetries int
	// InitialDelay seeds the startup backoff; it doubles per attempt.
	InitialDelay time.Duration
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
	// PollInterval is the background probe cadence.
	PollInterval time.Duration
	// ProbeTimeout bounds a single probe call.
	ProbeTimeout time.Duration

	// OnUp fires when the dependency transitions to reachable, OnDown
	// when it transitions away. Both run on their own goroutine and
	// must not block indefinitely. Optional.
	OnUp   func()
	OnDown func(err error)

	Logger *slog.Logger
}

// ServiceStatus is one dependency's health, shaped for the status API.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single dependency.
type Watcher struct {
	cfg    WatcherConfig
	bus    *events.Bus
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the dependency is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health for the status API.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.cfg.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	if w.startup(ctx) {
		w.watchLoop(ctx)
	}
}

// startup probes with exponential backoff until the dependency answers
// or the retry budget runs out. Returns false only when ctx ended.
func (w *Watcher) startup(ctx context.Context) bool {
	delay := w.cfg.InitialDelay
	for attempt := 1; attempt <= w.cfg.StartupRetries; attempt++ {
		if err := w.probe(ctx); err == nil {
			w.markUp(attempt)
			return true
		} else if attempt == w.cfg.StartupRetries {
			w.cfg.Logger.Warn("dependency unreachable at startup, watching in background",
				"service", w.cfg.Name, "attempts", attempt, "error", err)
			return true
		} else {
			w.cfg.Logger.Debug("startup probe failed, retrying",
				"service", w.cfg.Name,
				"attempt", attempt, "of", w.cfg.StartupRetries,
				"next_delay", delay.String(), "error", err)
		}

		if !sleepCtx(ctx, delay) {
			return false
		}
		delay *= 2
		if delay > w.cfg.MaxDelay {
			delay = w.cfg.MaxDelay
		}
	}
	return true
}

// watchLoop probes on the poll interval and reports transitions.
func (w *Watcher) watchLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := w.probe(ctx)
		wasReady := w.ready.Load()
		switch {
		case err == nil && !wasReady:
			w.markUp(0)
		case err != nil && wasReady:
			w.markDown(err)
		case err != nil:
			w.cfg.Logger.Debug("dependency still unreachable",
				"service", w.cfg.Name, "error", err)
		}
	}
}

func (w *Watcher) markUp(startupAttempts int) {
	w.ready.Store(true)
	metrics.SetDependencyUp(w.cfg.Name, true)

	if startupAttempts > 0 {
		w.cfg.Logger.Info("dependency reachable",
			"service", w.cfg.Name, "after_attempts", startupAttempts)
	} else {
		w.cfg.Logger.Info("dependency recovered", "service", w.cfg.Name)
	}
	w.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceWatchdog,
		Kind:      events.KindServiceUp,
		Data:      map[string]any{"service": w.cfg.Name},
	})
	if w.cfg.OnUp != nil {
		go w.cfg.OnUp()
	}
}

func (w *Watcher) markDown(err error) {
	w.ready.Store(false)
	metrics.SetDependencyUp(w.cfg.Name, false)

	w.cfg.Logger.Warn("dependency unreachable",
		"service", w.cfg.Name, "error", err)
	w.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceWatchdog,
		Kind:      events.KindServiceDown,
		Data:      map[string]any{"service": w.cfg.Name, "error": err.Error()},
	})
	if w.cfg.OnDown != nil {
		go w.cfg.OnDown(err)
	}
}

// probe runs one health check under the probe timeout and records the
// result for Status.
func (w *Watcher) probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	defer cancel()
	err := w.cfg.Probe(pctx)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
	return err
}

// sleepCtx sleeps for d or until ctx ends. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns the bridge's dependency watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	bus      *events.Bus
	logger   *slog.Logger
}

// NewManager creates a watchdog manager. bus may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		bus:      bus,
		logger:   logger,
	}
}

// Watch registers and starts a dependency watcher. The watcher runs in
// a background goroutine until ctx is cancelled or Stop is called.
// Panics when Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	if cfg.StartupRetries <= 0 {
		cfg.StartupRetries = defaultStartupRetries
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}

	metrics.SetDependencyUp(cfg.Name, false)

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		bus:    m.bus,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	return w
}

// Status returns the health of every watched dependency.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// AllReady reports whether every watched dependency is reachable. The
// health endpoint uses this to flip between 200 and 503.
func (m *Manager) AllReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
