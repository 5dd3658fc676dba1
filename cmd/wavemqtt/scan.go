package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/siku2/wavemqtt/internal/ble"
	"github.com/siku2/wavemqtt/internal/wave"
)

// scanDefaultWindow is how long a one-shot scan listens when --timeout
// is not given.
const scanDefaultWindow = 10 * time.Second

// newCentral builds the production BLE central. Tests swap it to run
// the one-shot commands against a fake radio.
var newCentral = func(logger *slog.Logger) ble.Central {
	return ble.NewAdapterCentral(logger)
}

// scanResult is one discovered device plus reception detail, in the
// shape the config file wants it.
type scanResult struct {
	Addr   string `json:"addr"`
	Serial string `json:"serial"`
	Model  string `json:"model"`
	Name   string `json:"name,omitempty"`
	RSSI   int16  `json:"rssi"`
}

// runScan handles the "wavemqtt scan" subcommand: a one-shot discovery
// pass printing every Airthings device heard. Works without a config
// file.
func runScan(ctx context.Context, stdout io.Writer, stderr io.Writer, outputFmt string, args []string) error {
	window := scanDefaultWindow
	for i := 0; i < len(args); i++ {
		var value string
		switch {
		case args[i] == "--timeout" && i+1 < len(args):
			value = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--timeout="):
			value = strings.TrimPrefix(args[i], "--timeout=")
		default:
			return fmt.Errorf("unknown scan argument: %s", args[i])
		}
		secs, err := strconv.Atoi(value)
		if err != nil || secs <= 0 {
			return fmt.Errorf("bad --timeout %q: want a positive number of seconds", value)
		}
		window = time.Duration(secs) * time.Second
	}

	logger := newLogger(stderr, slog.LevelWarn, "text")
	central := newCentral(logger)

	fmt.Fprintf(stderr, "Scanning for %s...\n", window)

	scanCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	// Pump advertisements directly instead of going through
	// wave.Scanner: the report includes signal strength, which the
	// poller's discovery path has no use for.
	results := make(map[string]scanResult)
	err := central.Scan(scanCtx, func(adv ble.Advertisement) bool {
		dev, ok := wave.DeviceFromAdvertisement(adv)
		if !ok {
			return false
		}
		results[dev.Addr] = scanResult{
			Addr:   dev.Addr,
			Serial: dev.SerialString(),
			Model:  string(dev.Model),
			Name:   adv.LocalName,
			RSSI:   adv.RSSI,
		}
		return false
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("scan: %w", err)
	}

	found := make([]scanResult, 0, len(results))
	for _, r := range results {
		found = append(found, r)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Serial < found[j].Serial })

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(found)
	}

	if len(found) == 0 {
		fmt.Fprintln(stdout, "No Airthings devices found.")
		return nil
	}
	fmt.Fprintf(stdout, "%-20s %-12s %-10s %s\n", "ADDR", "SERIAL", "MODEL", "RSSI")
	for _, r := range found {
		fmt.Fprintf(stdout, "%-20s %-12s %-10s %d dBm\n", r.Addr, r.Serial, r.Model, r.RSSI)
	}
	return nil
}
