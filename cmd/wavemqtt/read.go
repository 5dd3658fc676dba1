package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/siku2/wavemqtt/internal/wave"
)

// runRead handles the "wavemqtt read" subcommand: connect to one
// device, read a sample, print it, disconnect.
//
// The target is a configured device name, a configured address, or a
// raw address with --model. The config file is optional for raw
// addresses.
func runRead(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, outputFmt string, args []string) error {
	var target, modelFlag string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--model" && i+1 < len(args):
			modelFlag = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--model="):
			modelFlag = strings.TrimPrefix(args[i], "--model=")
		case !strings.HasPrefix(args[i], "-") && target == "":
			target = args[i]
		default:
			return fmt.Errorf("unknown read argument: %s", args[i])
		}
	}
	if target == "" {
		return fmt.Errorf("usage: wavemqtt read <name|addr> [--model wave|wave2|waveplus]")
	}

	logger := newLogger(stderr, slog.LevelWarn, "text")

	cfg, _, cfgErr := loadConfig(configPath)
	if cfgErr != nil && configPath != "" {
		// An explicitly named config must load; only the searched-for
		// kind is optional.
		return cfgErr
	}

	var dev wave.Device
	var found bool
	if cfg != nil {
		for _, d := range devicesFromConfig(cfg) {
			if d.Name == target || strings.EqualFold(d.Addr, target) {
				dev = d
				found = true
				break
			}
		}
	}
	if !found {
		hw, err := net.ParseMAC(target)
		if err != nil {
			if cfgErr != nil {
				return fmt.Errorf("%q is not a hardware address and no config was found (%v)", target, cfgErr)
			}
			return fmt.Errorf("no configured device named %q", target)
		}
		if modelFlag == "" {
			return fmt.Errorf("device %s is not in the config: add --model wave|wave2|waveplus", target)
		}
		dev = wave.Device{
			Name:  strings.ToLower(hw.String()),
			Addr:  strings.ToLower(hw.String()),
			Model: wave.Model(modelFlag),
		}
	}
	if modelFlag != "" {
		// An explicit model wins even for configured devices.
		dev.Model = wave.Model(modelFlag)
	}
	if !dev.Model.Pollable() {
		return fmt.Errorf("model %q is not readable (valid: wave, wave2, waveplus)", string(dev.Model))
	}

	retries, delay, timeout := 3, time.Second, 60*time.Second
	if cfg != nil {
		retries = cfg.Poll.ConnectRetries
		delay = cfg.RetryDelay()
		timeout = cfg.DeviceTimeout()
	}

	central := newCentral(logger)
	reader := wave.NewReader(wave.ReaderConfig{
		Central:        central,
		ConnectRetries: retries,
		RetryDelay:     delay,
		Logger:         logger,
	})

	fmt.Fprintf(stderr, "Reading %s...\n", dev)

	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sample, err := reader.Read(readCtx, dev)
	if err != nil {
		return fmt.Errorf("read %s: %w", dev, err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sample.JSON(dev))
	}

	fmt.Fprintf(stdout, "%s (%s)\n", dev, dev.Model.DisplayName())
	for _, f := range sample.Fields() {
		line := fmt.Sprintf("  %-14s %s", f.Metric+":", wave.FormatValue(f.Value))
		if unit := wave.Info(f.Metric).Unit; unit != "" {
			line += " " + unit
		}
		fmt.Fprintln(stdout, line)
	}
	return nil
}
