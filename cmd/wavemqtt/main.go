// Wavemqtt bridges Airthings Wave radon sensors to MQTT.
//
// It polls Wave, Wave Plus, and Wave 2nd gen devices over Bluetooth Low
// Energy on a fixed interval and publishes their readings to an MQTT
// broker, with optional Home Assistant discovery, a local sample
// archive, and an HTTP status server. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	wavemqtt serve                Run the bridge (default)
//	wavemqtt init [dir]           Initialize a working directory with defaults
//	wavemqtt scan [--timeout N]   One-shot BLE discovery of nearby devices
//	wavemqtt read <name|addr>     One-shot readout of a single device
//	wavemqtt version              Print version and build information
//	wavemqtt -o json version      Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/siku2/wavemqtt/internal/api"
	"github.com/siku2/wavemqtt/internal/ble"
	"github.com/siku2/wavemqtt/internal/buildinfo"
	"github.com/siku2/wavemqtt/internal/config"
	"github.com/siku2/wavemqtt/internal/connwatch"
	"github.com/siku2/wavemqtt/internal/events"
	"github.com/siku2/wavemqtt/internal/history"
	"github.com/siku2/wavemqtt/internal/metrics"
	"github.com/siku2/wavemqtt/internal/mqtt"
	"github.com/siku2/wavemqtt/internal/poller"
	"github.com/siku2/wavemqtt/internal/wave"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the wavemqtt command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the bridge and all background goroutines.
//   - stdout and stderr receive all program output. Structured logs and
//     command results go to stdout; progress notes and fatal error
//     messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case (args[i] == "-c" || args[i] == "-config" || args[i] == "--config") && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case strings.HasPrefix(args[i], "--config="):
			configPath = strings.TrimPrefix(args[i], "--config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve", "":
		// Running with no command starts the bridge, matching the
		// classic `airthingswave-mqtt config.yaml` invocation.
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "scan":
		return runScan(ctx, stdout, stderr, outputFmt, cmdArgs)
	case "read":
		return runRead(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// wavemqtt is invoked with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "wavemqtt - Airthings Wave to MQTT bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: wavemqtt [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve              Run the bridge (default)")
	fmt.Fprintln(w, "  init [dir]         Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  scan               Discover nearby Airthings devices over BLE")
	fmt.Fprintln(w, "  read <name|addr>   Read one device and print the sample")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -c, --config <path>  Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output <fmt>   Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Scan flags:")
	fmt.Fprintln(w, "  --timeout <seconds>  Discovery window (default 10)")
	fmt.Fprintln(w, "Read flags:")
	fmt.Fprintln(w, "  --model <model>      Model for addresses not in the config: wave, wave2, waveplus")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  $WAVEMQTT_CONFIG, ./config.yaml, ~/.config/wavemqtt/config.yaml,")
	fmt.Fprintln(w, "  /etc/wavemqtt/config.yaml")
	return nil
}

// runServe handles the "wavemqtt serve" subcommand. It is the primary
// operating mode: loads config, opens the sample archive, brings up the
// Bluetooth central and the MQTT publisher, and runs the poll loop
// until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The poll loop drains its current device read and returns
//  3. The HTTP server stops answering (5 s budget)
//  4. The publisher marks everything offline and disconnects
//  5. Deferred cleanup stops the watchers and closes the archive
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting wavemqtt",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logging now that the desired level and format are
	// known. The level lives in a LevelVar so a config reload can adjust
	// it without rebuilding the handler.
	logLevel := new(slog.LevelVar)
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// Already validated by config.Validate(), so this error path
			// should be unreachable in practice.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logLevel.Set(level)
		logger = newLogger(stdout, logLevel, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"devices", len(cfg.Waves),
		"discovery", cfg.Discovery.Enabled,
		"poll_interval", cfg.PollInterval(),
	)

	// --- Signal handling ---
	// SIGINT/SIGTERM cancel the root context; every component below
	// derives its lifetime from it.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Data directory ---
	// Holds the MQTT instance ID and the sample archive.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Event bus ---
	// Operational events fan out to WebSocket clients on the status
	// server. Components publish unconditionally; the bus drops events
	// when nobody listens.
	bus := events.New()

	// --- Sample history ---
	// Local SQLite archive of every successful readout. Optional.
	var histStore *history.Store
	if cfg.History.Enabled {
		db, err := sql.Open("sqlite3", cfg.HistoryPath()+"?_journal_mode=WAL&_busy_timeout=5000")
		if err != nil {
			return fmt.Errorf("open history database %s: %w", cfg.HistoryPath(), err)
		}
		defer db.Close()

		histStore, err = history.NewStore(db)
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		if n, err := histStore.Count(ctx); err == nil {
			metrics.SetHistorySamples(n)
		}
		logger.Info("sample history enabled",
			"path", cfg.HistoryPath(), "retention_days", cfg.History.RetentionDays)
	}

	// --- Bluetooth ---
	// One central serializes all radio access; the reader and the
	// scanner share it.
	central := ble.NewAdapterCentral(logger)
	reader := wave.NewReader(wave.ReaderConfig{
		Central:        central,
		ConnectRetries: cfg.Poll.ConnectRetries,
		RetryDelay:     cfg.RetryDelay(),
		Logger:         logger,
	})
	scanner := wave.NewScanner(central, logger)

	// --- MQTT publisher ---
	// The instance ID keeps Home Assistant unique IDs stable across
	// restarts and distinct across bridge installations.
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load mqtt instance id: %w", err)
	}
	logger.Info("instance ID loaded", "instance_id", instanceID)

	stats := &bridgeStats{}
	pub := mqtt.New(cfg.MQTT, instanceID, stats, logger)

	// --- Poller ---
	pollerCfg := poller.Config{
		Reader:            reader,
		Scanner:           scanner,
		Publisher:         pub,
		Bus:               bus,
		PollInterval:      cfg.PollInterval(),
		DeviceTimeout:     cfg.DeviceTimeout(),
		CycleTimeout:      cfg.CycleTimeout(),
		Discovery:         cfg.Discovery.Enabled,
		DiscoveryInterval: cfg.DiscoveryInterval(),
		Logger:            logger,
	}
	if histStore != nil {
		pollerCfg.History = histStore
	}
	p := poller.New(pollerCfg)
	p.SetDevices(ctx, devicesFromConfig(cfg))
	stats.poller = p

	pub.SetCommandHandler(func(command string) {
		bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceMQTT,
			Kind:      events.KindCommand,
			Data:      map[string]any{"action": command},
		})
		switch command {
		case mqtt.CommandPoll:
			p.PollNow()
		case mqtt.CommandScan:
			p.ScanNow()
		}
	})

	// --- Connection resilience ---
	// Background watchers probe the broker and the Bluetooth adapter,
	// feeding /healthz, the dependency gauge, and service up/down
	// events. Neither dependency being down stops the bridge: reads
	// queue up behind the poller's regular schedule and autopaho
	// reconnects on its own.
	connMgr := connwatch.NewManager(bus, logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:   "mqtt",
		Probe:  pub.AwaitConnection,
		Logger: logger,
	})
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:   "bluetooth",
		Probe:  central.Ping,
		Logger: logger,
	})

	// --- HTTP status server ---
	var srv *api.Server
	if cfg.Listen.Enabled {
		apiCfg := api.Config{
			Address: cfg.Listen.Address,
			Port:    cfg.Listen.Port,
			Poller:  p,
			Health:  connMgr,
			Bus:     bus,
			Logger:  logger,
		}
		if histStore != nil {
			apiCfg.History = histStore
		}
		srv = api.NewServer(apiCfg)
		srv.SetSummary(configSummary(cfg, cfgPath, instanceID))

		go func() {
			if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	// --- Config hot reload ---
	// The device list and log level apply live; endpoint changes log a
	// restart-required warning inside the holder.
	holder := config.NewHolder(cfg, cfgPath, logger)
	holder.OnReloadError = func(error) { metrics.IncConfigReload("invalid") }
	reloads := make(chan *config.Config, 1)
	holder.RegisterListener(reloads)
	if err := holder.StartWatcher(ctx); err != nil {
		logger.Warn("config file watching unavailable", "error", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case newCfg := <-reloads:
				metrics.IncConfigReload("applied")
				if level, err := config.ParseLogLevel(newCfg.LogLevel); err == nil {
					logLevel.Set(level)
				}
				p.SetDevices(ctx, devicesFromConfig(newCfg))
				if srv != nil {
					srv.SetSummary(configSummary(newCfg, cfgPath, instanceID))
				}
				bus.Publish(events.Event{
					Timestamp: time.Now(),
					Source:    events.SourceConfig,
					Kind:      events.KindConfigReloaded,
					Data:      map[string]any{"devices": len(newCfg.Waves)},
				})
			}
		}
	}()

	// --- History pruner ---
	if histStore != nil {
		go func() {
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()
			for {
				pruneHistory(ctx, histStore, holder.Get().Retention(), logger)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}

	// --- MQTT connection ---
	// The publisher runs on its own context: the offline farewell in
	// Stop needs a live connection after the root context has already
	// been cancelled.
	mqttCtx, mqttCancel := context.WithCancel(context.Background())
	defer mqttCancel()
	go func() {
		if err := pub.Start(mqttCtx); err != nil && mqttCtx.Err() == nil {
			logger.Error("mqtt publisher failed", "error", err)
		}
	}()

	// --- Poll loop ---
	// Blocks until the context is cancelled. All BLE access happens on
	// this goroutine.
	logger.Info("bridge running",
		"poll_interval", cfg.PollInterval(),
		"discovery", cfg.Discovery.Enabled,
		"listen", cfg.Listen.Enabled,
	)
	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("poller: %w", err)
	}

	// --- Graceful shutdown ---
	// The HTTP server stops answering first, then the broker hears the
	// farewell, then deferred cleanup closes the watchers and the
	// archive.
	logger.Info("shutdown signal received")

	if srv != nil {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Warn("status server shutdown incomplete", "error", err)
		}
		shutCancel()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := pub.Stop(stopCtx); err != nil {
		logger.Warn("mqtt shutdown incomplete", "error", err)
	}
	stopCancel()

	logger.Info("wavemqtt stopped")
	return nil
}

// pruneHistory removes archive rows older than the retention window and
// refreshes the sample gauge.
func pruneHistory(ctx context.Context, store *history.Store, retention time.Duration, logger *slog.Logger) {
	cutoff := time.Now().Add(-retention)
	removed, err := store.Prune(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("history prune failed", "error", err)
		}
		return
	}
	metrics.AddPrunedRows(removed)
	if removed > 0 {
		logger.Info("history pruned",
			"removed", removed, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
	if n, err := store.Count(ctx); err == nil {
		metrics.SetHistorySamples(n)
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text. Passing a *slog.LevelVar as the level allows live
// adjustment on config reload.
func newLogger(w io.Writer, level slog.Leveler, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches $WAVEMQTT_CONFIG and the default
// locations. Returns the parsed config, the path that was loaded, and
// any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// devicesFromConfig converts the static waves section to device records.
// Addresses were validated by config.Validate, so ParseMAC cannot fail
// here; it is reused to normalize separators and case.
func devicesFromConfig(cfg *config.Config) []wave.Device {
	devices := make([]wave.Device, 0, len(cfg.Waves))
	for _, w := range cfg.Waves {
		addr := w.Addr
		if hw, err := net.ParseMAC(w.Addr); err == nil {
			addr = strings.ToLower(hw.String())
		}
		model := wave.Model(w.Model)
		if model == wave.ModelUnknown {
			model = wave.ModelFromVersion(w.Version)
		}
		devices = append(devices, wave.Device{
			Name:  w.Name,
			Addr:  addr,
			Model: model,
		})
	}
	return devices
}

// configSummary is the redacted configuration view shown by /api/status.
func configSummary(cfg *config.Config, cfgPath, instanceID string) map[string]any {
	broker := cfg.MQTT.Broker
	if u, err := cfg.MQTT.BrokerURL(); err == nil {
		broker = u.Redacted()
	}
	return map[string]any{
		"config_path":       cfgPath,
		"instance_id":       instanceID,
		"broker":            broker,
		"topic_prefix":      cfg.MQTT.TopicPrefix,
		"discovery_prefix":  cfg.MQTT.DiscoveryPrefix,
		"devices":           len(cfg.Waves),
		"poll_interval":     cfg.PollInterval().String(),
		"discovery_enabled": cfg.Discovery.Enabled,
		"history_enabled":   cfg.History.Enabled,
	}
}

// bridgeStats feeds the bridge's MQTT diagnostics sensors from build
// info and the poller snapshot. The poller field is assigned right
// after the poller is constructed, before the publisher starts.
type bridgeStats struct {
	poller *poller.Poller
}

func (s *bridgeStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (s *bridgeStats) Version() string       { return buildinfo.Version }

func (s *bridgeStats) DevicesKnown() int {
	if s.poller == nil {
		return 0
	}
	return len(s.poller.Snapshot().Devices)
}

func (s *bridgeStats) DevicesOnline() int {
	if s.poller == nil {
		return 0
	}
	online := 0
	for _, d := range s.poller.Snapshot().Devices {
		if d.Online {
			online++
		}
	}
	return online
}

func (s *bridgeStats) LastPollTime() time.Time {
	if s.poller == nil {
		return time.Time{}
	}
	return s.poller.Snapshot().LastCycle
}
