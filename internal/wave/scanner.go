package wave

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/siku2/wavemqtt/internal/ble"
)

// Scanner discovers nearby Airthings devices by their manufacturer data.
type Scanner struct {
	central ble.Central
	logger  *slog.Logger
}

// NewScanner creates a Scanner.
func NewScanner(central ble.Central, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{central: central, logger: logger}
}

// Scan listens for the given window and returns every Airthings device
// heard, deduplicated by address and sorted by serial. Running out the
// window is the normal completion; an error means the radio failed.
func (s *Scanner) Scan(ctx context.Context, window time.Duration) ([]Device, error) {
	sctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	seen := make(map[string]Device)
	err := s.central.Scan(sctx, func(adv ble.Advertisement) bool {
		dev, ok := DeviceFromAdvertisement(adv)
		if !ok {
			return false
		}
		if _, dup := seen[dev.Addr]; dup {
			return false
		}
		seen[dev.Addr] = dev
		s.logger.Debug("airthings device heard",
			"addr", dev.Addr, "serial", dev.SerialString(),
			"model", string(dev.Model), "rssi", adv.RSSI)
		return false
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(seen))
	for _, dev := range seen {
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Serial < devices[j].Serial })
	return devices, nil
}
