package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// pingScanWindow bounds the probe scan issued by Ping when the radio is
// otherwise idle.
const pingScanWindow = time.Second

// AdapterCentral implements Central on the platform default Bluetooth
// adapter. One scan or connect sequence runs at a time; hardware
// addresses seen while scanning are cached so Connect can resolve a
// configured address without a fresh discovery on every poll.
type AdapterCentral struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	mu sync.Mutex // serializes scan/connect on the single radio

	enableOnce sync.Once
	enableErr  error

	knownMu sync.Mutex
	known   map[string]bluetooth.Address
}

// NewAdapterCentral wraps the default adapter. The adapter is enabled
// lazily on first use.
func NewAdapterCentral(logger *slog.Logger) *AdapterCentral {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdapterCentral{
		adapter: bluetooth.DefaultAdapter,
		logger:  logger,
		known:   make(map[string]bluetooth.Address),
	}
}

func (c *AdapterCentral) enable() error {
	c.enableOnce.Do(func() {
		c.enableErr = c.adapter.Enable()
		if c.enableErr == nil {
			c.logger.Debug("bluetooth adapter enabled")
		}
	})
	if c.enableErr != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", c.enableErr)
	}
	return nil
}

// Scan implements Central.
func (c *AdapterCentral) Scan(ctx context.Context, found func(Advertisement) bool) error {
	if err := c.enable(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scan(ctx, found)
}

// scan runs the adapter scan with c.mu held.
func (c *AdapterCentral) scan(ctx context.Context, found func(Advertisement) bool) error {
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			if err := c.adapter.StopScan(); err != nil {
				c.logger.Debug("stop scan", "error", err)
			}
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- c.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			adv := advertisementFromResult(result)
			c.remember(adv.Addr, result.Address)
			if found(adv) {
				stop()
			}
		})
	}()

	select {
	case <-ctx.Done():
		stop()
		<-done
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		return nil
	}
}

// Connect implements Central. An unknown address triggers a resolving
// scan bounded by ctx.
func (c *AdapterCentral) Connect(ctx context.Context, addr string) (Device, error) {
	if err := c.enable(); err != nil {
		return nil, err
	}
	key := strings.ToLower(addr)

	hw, ok := c.lookup(key)
	if !ok {
		err := c.Scan(ctx, func(adv Advertisement) bool {
			return adv.Addr == key
		})
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("resolve %s: %w", addr, err)
		}
		if hw, ok = c.lookup(key); !ok {
			return nil, fmt.Errorf("device %s not seen on air", addr)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			params.ConnectionTimeout = bluetooth.NewDuration(remaining)
		}
	}
	dev, err := c.adapter.Connect(hw, params)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return &gattDevice{addr: key, dev: dev, logger: c.logger}, nil
}

// Ping implements Central. A busy radio counts as alive; an idle one is
// probed with a short scan, where hitting the window deadline is the
// expected success path.
func (c *AdapterCentral) Ping(ctx context.Context) error {
	if err := c.enable(); err != nil {
		return err
	}
	if !c.mu.TryLock() {
		return nil
	}
	defer c.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, pingScanWindow)
	defer cancel()
	err := c.scan(pctx, func(Advertisement) bool { return false })
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *AdapterCentral) remember(key string, hw bluetooth.Address) {
	c.knownMu.Lock()
	defer c.knownMu.Unlock()
	c.known[key] = hw
}

func (c *AdapterCentral) lookup(key string) (bluetooth.Address, bool) {
	c.knownMu.Lock()
	defer c.knownMu.Unlock()
	hw, ok := c.known[key]
	return hw, ok
}

func advertisementFromResult(r bluetooth.ScanResult) Advertisement {
	adv := Advertisement{
		Addr:      strings.ToLower(r.Address.String()),
		LocalName: r.LocalName(),
		RSSI:      r.RSSI,
	}
	if md := r.ManufacturerData(); len(md) > 0 {
		adv.ManufacturerData = make(map[uint16][]byte, len(md))
		for _, el := range md {
			adv.ManufacturerData[el.CompanyID] = el.Data
		}
	}
	return adv
}

// gattDevice wraps a connected peripheral. Characteristics are discovered
// once and cached by UUID.
type gattDevice struct {
	addr   string
	dev    bluetooth.Device
	logger *slog.Logger

	mu    sync.Mutex
	chars map[string]bluetooth.DeviceCharacteristic
}

func (d *gattDevice) Addr() string { return d.addr }

// ReadCharacteristic implements Device. The underlying stack has no
// context support, so the blocking call runs in a goroutine raced
// against ctx.
func (d *gattDevice) ReadCharacteristic(ctx context.Context, charUUID string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	resCh := make(chan result, 1)

	go func() {
		char, err := d.characteristic(charUUID)
		if err != nil {
			resCh <- result{nil, err}
			return
		}
		buf := make([]byte, 512)
		n, err := char.Read(buf)
		if err != nil {
			resCh <- result{nil, fmt.Errorf("read %s: %w", charUUID, err)}
			return
		}
		resCh <- result{buf[:n], nil}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resCh:
		return r.data, r.err
	}
}

func (d *gattDevice) characteristic(charUUID string) (bluetooth.DeviceCharacteristic, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.chars == nil {
		d.chars = make(map[string]bluetooth.DeviceCharacteristic)
		svcs, err := d.dev.DiscoverServices(nil)
		if err != nil {
			d.chars = nil
			return bluetooth.DeviceCharacteristic{}, fmt.Errorf("discover services on %s: %w", d.addr, err)
		}
		for _, svc := range svcs {
			chars, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				d.logger.Debug("discover characteristics",
					"device", d.addr, "service", svc.UUID().String(), "error", err)
				continue
			}
			for _, char := range chars {
				d.chars[strings.ToLower(char.UUID().String())] = char
			}
		}
	}

	char, ok := d.chars[strings.ToLower(charUUID)]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("characteristic %s not found on %s", charUUID, d.addr)
	}
	return char, nil
}

func (d *gattDevice) Disconnect() error {
	return d.dev.Disconnect()
}
