// Package poller drives the bridge: it runs poll cycles over every
// known device on a timer, schedules periodic BLE discovery, and reacts
// to on-demand poll/scan commands. All device state (online, failure
// streaks, last sample) lives here and is exposed through Snapshot for
// the API server and the bridge diagnostics.
package poller

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/siku2/wavemqtt/internal/events"
	"github.com/siku2/wavemqtt/internal/metrics"
	"github.com/siku2/wavemqtt/internal/wave"
)

// SampleReader reads one full sample from a device. Satisfied by
// wave.Reader.
type SampleReader interface {
	Read(ctx context.Context, dev wave.Device) (wave.Sample, error)
}

// DeviceScanner discovers nearby Airthings devices. Satisfied by
// wave.Scanner.
type DeviceScanner interface {
	Scan(ctx context.Context, window time.Duration) ([]wave.Device, error)
}

// Publisher is the MQTT surface the poller pushes results to. Satisfied
// by mqtt.Publisher.
type Publisher interface {
	PublishSample(ctx context.Context, dev wave.Device, sample wave.Sample) error
	PublishOffline(ctx context.Context, dev wave.Device) error
	PublishError(ctx context.Context, dev wave.Device, code string, err error) error
	RegisterDevices(ctx context.Context, devices []wave.Device)
}

// Recorder archives samples. Satisfied by history.Store; nil disables
// archiving.
type Recorder interface {
	Record(ctx context.Context, dev wave.Device, sample wave.Sample) error
}

// Config wires a Poller.
type Config struct {
	Reader    SampleReader
	Scanner   DeviceScanner
	Publisher Publisher
	History   Recorder
	Bus       *events.Bus

	// PollInterval is the cadence of full poll cycles (default 30m).
	PollInterval time.Duration
	// DeviceTimeout bounds one device readout, retries included
	// (default 60s).
	DeviceTimeout time.Duration
	// CycleTimeout bounds one whole cycle; devices that don't fit wait
	// for the next tick (default 10m).
	CycleTimeout time.Duration

	// Discovery enables periodic BLE scans.
	Discovery bool
	// DiscoveryInterval is the cadence of periodic scans (default 24h).
	DiscoveryInterval time.Duration
	// ScanWindow is how long one scan listens (default 10s).
	ScanWindow time.Duration

	Logger *slog.Logger
}

// offlineThreshold is the number of consecutive failed polls before a
// device is reported offline. A single missed read is common when the
// radio is briefly out of range, so one failure alone does not flip the
// retained online topic.
const offlineThreshold = 2

// Discovery bootstrap cadence when the bridge starts with no devices.
const (
	bootstrapScanAttempts = 3
	bootstrapRetryDelay   = time.Minute
)

// Error code on the device error topic, kept from the classic bridge.
const errorCodeConnectionFailed = "connection-failed"

// DeviceStatus is the per-device runtime state exposed via Snapshot.
type DeviceStatus struct {
	Device     wave.Device `json:"device"`
	Source     string      `json:"source"`
	Online     bool        `json:"online"`
	Failures   int         `json:"failures,omitempty"`
	LastSample time.Time   `json:"last_sample,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
}

// Snapshot is the poller's public state for the API server and the
// bridge diagnostics sensors.
type Snapshot struct {
	Devices          []DeviceStatus `json:"devices"`
	LastCycle        time.Time      `json:"last_cycle,omitempty"`
	LastCycleOutcome string         `json:"last_cycle_outcome,omitempty"`
	LastScan         time.Time      `json:"last_scan,omitempty"`
}

type deviceState struct {
	dev        wave.Device
	source     string // "config" or "discovery"
	online     bool
	everPolled bool
	failures   int
	lastSample time.Time
	lastErr    error
}

// Poller owns the device set and the poll/scan schedule.
type Poller struct {
	cfg Config

	pollNow chan struct{}
	scanNow chan struct{}

	// bootstrapDelay is a const in production; tests shrink it.
	bootstrapDelay time.Duration

	mu          sync.Mutex
	devices     map[string]*deviceState // keyed by address
	lastCycle   time.Time
	lastOutcome string
	lastScan    time.Time
}

// New creates a Poller. Call SetDevices with the configured waves, then
// Run.
func New(cfg Config) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Minute
	}
	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = 60 * time.Second
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 10 * time.Minute
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = 24 * time.Hour
	}
	if cfg.ScanWindow <= 0 {
		cfg.ScanWindow = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{
		cfg:            cfg,
		pollNow:        make(chan struct{}, 1),
		scanNow:        make(chan struct{}, 1),
		bootstrapDelay: bootstrapRetryDelay,
		devices:        make(map[string]*deviceState),
	}
}

// SetDevices installs the configured device set, merging it with
// anything discovery has already found. Runtime state (online, failure
// streaks, learned serials) survives for devices whose address persists,
// so a config reload does not reset availability. Devices removed from
// the config are dropped unless discovery owns them.
func (p *Poller) SetDevices(ctx context.Context, configured []wave.Device) {
	p.mu.Lock()
	next := make(map[string]*deviceState, len(configured))
	for _, dev := range configured {
		if st, ok := p.devices[dev.Addr]; ok {
			st.dev.Name = dev.Name
			st.dev.Model = dev.Model
			st.source = "config"
			next[dev.Addr] = st
			continue
		}
		next[dev.Addr] = &deviceState{dev: dev, source: "config"}
	}
	for addr, st := range p.devices {
		if st.source == "discovery" {
			if _, exists := next[addr]; !exists {
				next[addr] = st
			}
		}
	}
	p.devices = next
	p.mu.Unlock()

	p.registerAll(ctx)
}

// PollNow requests an immediate poll cycle. Non-blocking; a request
// that is already pending absorbs it.
func (p *Poller) PollNow() {
	select {
	case p.pollNow <- struct{}{}:
	default:
	}
}

// ScanNow requests an immediate discovery scan, even when periodic
// discovery is disabled.
func (p *Poller) ScanNow() {
	select {
	case p.scanNow <- struct{}{}:
	default:
	}
}

// Snapshot returns the current device states and schedule markers.
func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	devs := make([]DeviceStatus, 0, len(p.devices))
	for _, st := range p.devices {
		ds := DeviceStatus{
			Device:     st.dev,
			Source:     st.source,
			Online:     st.online,
			Failures:   st.failures,
			LastSample: st.lastSample,
		}
		if st.lastErr != nil {
			ds.LastError = st.lastErr.Error()
		}
		devs = append(devs, ds)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].Device.Name < devs[j].Device.Name })

	return Snapshot{
		Devices:          devs,
		LastCycle:        p.lastCycle,
		LastCycleOutcome: p.lastOutcome,
		LastScan:         p.lastScan,
	}
}

// Run executes the poll/scan schedule until ctx is cancelled. The first
// cycle starts immediately; when discovery is enabled and no devices
// are known yet, a bootstrap scan runs first so the cycle has something
// to poll.
func (p *Poller) Run(ctx context.Context) error {
	if p.cfg.Discovery {
		p.bootstrap(ctx)
	}

	pollTicker := time.NewTicker(p.cfg.PollInterval)
	defer pollTicker.Stop()

	var scanC <-chan time.Time
	if p.cfg.Discovery {
		scanTicker := time.NewTicker(p.cfg.DiscoveryInterval)
		defer scanTicker.Stop()
		scanC = scanTicker.C
	}

	p.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pollTicker.C:
			p.cycle(ctx)
		case <-p.pollNow:
			p.cycle(ctx)
		case <-scanC:
			p.scan(ctx)
		case <-p.scanNow:
			p.scan(ctx)
		}
	}
}

// bootstrap runs the initial discovery scan. With no devices at all the
// bridge would sit idle until the first periodic scan, so empty results
// are retried a few times, the way the classic bridge did.
func (p *Poller) bootstrap(ctx context.Context) {
	for attempt := 1; attempt <= bootstrapScanAttempts; attempt++ {
		p.scan(ctx)
		if p.deviceCount() > 0 || ctx.Err() != nil {
			return
		}
		p.cfg.Logger.Warn("no devices found, retrying discovery",
			"attempt", attempt, "of", bootstrapScanAttempts)
		if attempt < bootstrapScanAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.bootstrapDelay):
			}
		}
	}
	p.cfg.Logger.Warn("initial discovery found no devices, continuing on the regular interval")
}

func (p *Poller) deviceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.devices)
}

// --- Poll cycle ---

func (p *Poller) cycle(ctx context.Context) {
	devices := p.pollableDevices()
	if len(devices) == 0 {
		p.cfg.Logger.Debug("poll cycle skipped, no pollable devices")
		return
	}

	cctx, cancel := context.WithTimeout(ctx, p.cfg.CycleTimeout)
	defer cancel()

	start := time.Now()
	p.cfg.Logger.Info("poll cycle started", "devices", len(devices))
	p.cfg.Bus.Publish(events.Event{
		Timestamp: start,
		Source:    events.SourcePoller,
		Kind:      events.KindPollStart,
		Data:      map[string]any{"devices": len(devices)},
	})

	var ok, failed, skipped int
	timedOut := false
	for _, dev := range devices {
		if cctx.Err() != nil {
			// Cycle budget exhausted: the rest waits for the next tick.
			skipped = len(devices) - ok - failed
			timedOut = true
			break
		}
		if p.pollDevice(cctx, dev) {
			ok++
		} else {
			failed++
		}
	}

	elapsed := time.Since(start)
	outcome := "ok"
	if failed > 0 || timedOut {
		outcome = "partial"
	}
	if ok == 0 {
		outcome = "failed"
	}
	metrics.RecordPollCycle(outcome, elapsed.Seconds())

	p.mu.Lock()
	p.lastCycle = time.Now()
	p.lastOutcome = outcome
	known := len(p.devices)
	online := 0
	for _, st := range p.devices {
		if st.online {
			online++
		}
	}
	p.mu.Unlock()
	metrics.SetDevices(known, online)

	p.cfg.Logger.Info("poll cycle complete",
		"ok", ok, "failed", failed, "skipped", skipped,
		"outcome", outcome,
		"elapsed", elapsed.Round(time.Millisecond))
	p.cfg.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourcePoller,
		Kind:      events.KindPollComplete,
		Data: map[string]any{
			"devices":     len(devices),
			"ok":          ok,
			"failed":      failed,
			"skipped":     skipped,
			"timed_out":   timedOut,
			"duration_ms": elapsed.Milliseconds(),
		},
	})
}

func (p *Poller) pollableDevices() []wave.Device {
	p.mu.Lock()
	devices := make([]wave.Device, 0, len(p.devices))
	for _, st := range p.devices {
		if st.dev.Model.Pollable() {
			devices = append(devices, st.dev)
		}
	}
	p.mu.Unlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return devices
}

// pollDevice reads one device under the per-device timeout and pushes
// the result. The cycle context stays usable for publishing even when
// the read itself timed out.
func (p *Poller) pollDevice(ctx context.Context, dev wave.Device) bool {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.DeviceTimeout)
	start := time.Now()
	sample, err := p.cfg.Reader.Read(dctx, dev)
	cancel()
	elapsed := time.Since(start)

	if err != nil {
		metrics.RecordDeviceRead(dev.Name, "failure", elapsed.Seconds())
		p.recordFailure(ctx, dev, err)
		return false
	}
	metrics.RecordDeviceRead(dev.Name, "success", elapsed.Seconds())
	p.recordSuccess(ctx, dev, sample)
	return true
}

func (p *Poller) recordSuccess(ctx context.Context, dev wave.Device, sample wave.Sample) {
	if err := p.cfg.Publisher.PublishSample(ctx, dev, sample); err != nil {
		p.cfg.Logger.Warn("sample publish failed", "device", dev.Name, "error", err)
		p.cfg.Bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceMQTT,
			Kind:      events.KindPublishError,
			Data:      map[string]any{"topic": dev.Name, "error": err.Error()},
		})
	}

	if p.cfg.History != nil {
		if err := p.cfg.History.Record(ctx, dev, sample); err != nil {
			p.cfg.Logger.Warn("history record failed", "device", dev.Name, "error", err)
		}
	}

	p.mu.Lock()
	st := p.stateLocked(dev)
	cameOnline := !st.online
	st.online = true
	st.everPolled = true
	st.failures = 0
	st.lastSample = time.Now()
	st.lastErr = nil
	p.mu.Unlock()

	p.cfg.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourcePoller,
		Kind:      events.KindSample,
		Data: map[string]any{
			"name":    dev.Name,
			"addr":    dev.Addr,
			"serial":  dev.SerialString(),
			"model":   string(dev.Model),
			"metrics": len(sample.Values),
		},
	})
	if cameOnline {
		p.cfg.Logger.Info("device online", "device", dev.String())
		p.cfg.Bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourcePoller,
			Kind:      events.KindDeviceOnline,
			Data:      map[string]any{"name": dev.Name, "addr": dev.Addr},
		})
	}
}

func (p *Poller) recordFailure(ctx context.Context, dev wave.Device, readErr error) {
	p.mu.Lock()
	st := p.stateLocked(dev)
	st.everPolled = true
	st.failures++
	st.lastErr = readErr
	failures := st.failures
	wentOffline := failures == offlineThreshold
	if wentOffline {
		st.online = false
	}
	p.mu.Unlock()

	p.cfg.Logger.Warn("device read failed",
		"device", dev.String(), "failures", failures, "error", readErr)
	p.cfg.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourcePoller,
		Kind:      events.KindReadError,
		Data:      map[string]any{"name": dev.Name, "addr": dev.Addr, "error": readErr.Error()},
	})

	if err := p.cfg.Publisher.PublishError(ctx, dev, errorCodeConnectionFailed, readErr); err != nil {
		p.cfg.Logger.Debug("error publish failed", "device", dev.Name, "error", err)
	}

	if wentOffline {
		p.cfg.Logger.Warn("device offline", "device", dev.String(), "failures", failures)
		if err := p.cfg.Publisher.PublishOffline(ctx, dev); err != nil {
			p.cfg.Logger.Debug("offline publish failed", "device", dev.Name, "error", err)
		}
		p.cfg.Bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourcePoller,
			Kind:      events.KindDeviceOffline,
			Data:      map[string]any{"name": dev.Name, "addr": dev.Addr, "failures": failures},
		})
	}
}

// stateLocked returns the state entry for a device, creating one for
// devices polled before SetDevices ran. Callers hold p.mu.
func (p *Poller) stateLocked(dev wave.Device) *deviceState {
	st, ok := p.devices[dev.Addr]
	if !ok {
		st = &deviceState{dev: dev, source: "config"}
		p.devices[dev.Addr] = st
	}
	return st
}

// --- Discovery ---

func (p *Poller) scan(ctx context.Context) {
	p.cfg.Logger.Info("discovery scan started", "window", p.cfg.ScanWindow)
	start := time.Now()

	found, err := p.cfg.Scanner.Scan(ctx, p.cfg.ScanWindow)
	if err != nil {
		metrics.RecordDiscovery("failure", 0)
		p.cfg.Logger.Warn("discovery scan failed", "error", err)
		p.cfg.Bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceDiscovery,
			Kind:      events.KindScanComplete,
			Data:      map[string]any{"found": 0, "new": 0, "error": err.Error()},
		})
		return
	}
	metrics.RecordDiscovery("success", len(found))

	added, updated := p.mergeDiscovered(found)

	p.mu.Lock()
	p.lastScan = time.Now()
	p.mu.Unlock()

	if added > 0 || updated > 0 {
		p.registerAll(ctx)
	}

	p.cfg.Logger.Info("discovery scan complete",
		"heard", len(found), "new", added, "updated", updated,
		"elapsed", time.Since(start).Round(time.Millisecond))
	p.cfg.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceDiscovery,
		Kind:      events.KindScanComplete,
		Data:      map[string]any{"found": len(found), "new": added},
	})
}

// mergeDiscovered folds scan results into the device set. New addresses
// join with discovery as their source; known addresses learn their
// serial, and with it the authoritative model, from the advertisement.
func (p *Poller) mergeDiscovered(found []wave.Device) (added, updated int) {
	var newDevices []wave.Device

	p.mu.Lock()
	for _, dev := range found {
		st, ok := p.devices[dev.Addr]
		if !ok {
			p.devices[dev.Addr] = &deviceState{dev: dev, source: "discovery"}
			newDevices = append(newDevices, dev)
			added++
			continue
		}
		if st.dev.Serial == 0 && dev.Serial != 0 {
			st.dev.Serial = dev.Serial
			if model := wave.ModelFromSerial(dev.Serial); model != wave.ModelUnknown && model != st.dev.Model {
				p.cfg.Logger.Info("device model corrected from advertisement",
					"device", st.dev.Name, "configured", string(st.dev.Model), "actual", string(model))
				st.dev.Model = model
			}
			updated++
		}
	}
	p.mu.Unlock()

	for _, dev := range newDevices {
		p.cfg.Logger.Info("device discovered",
			"addr", dev.Addr, "serial", dev.SerialString(), "model", string(dev.Model))
		p.cfg.Bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceDiscovery,
			Kind:      events.KindDeviceDiscovered,
			Data: map[string]any{
				"name":   dev.Name,
				"addr":   dev.Addr,
				"serial": dev.SerialString(),
				"model":  string(dev.Model),
			},
		})
	}
	return added, updated
}

// registerAll re-announces the pollable device set to the MQTT layer so
// HA discovery stays in sync.
func (p *Poller) registerAll(ctx context.Context) {
	p.cfg.Publisher.RegisterDevices(ctx, p.pollableDevices())
}
