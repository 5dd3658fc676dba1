package wave

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/siku2/wavemqtt/internal/ble"
)

// ReaderConfig wires a Reader.
type ReaderConfig struct {
	Central ble.Central
	// ConnectRetries is the number of connection attempts per read
	// (default 3).
	ConnectRetries int
	// RetryDelay is the pause between attempts (default 1s).
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Reader performs one-shot sample readouts. The caller bounds each Read
// with a context deadline; retries and the GATT exchange all charge
// against it.
type Reader struct {
	central ble.Central
	retries int
	delay   time.Duration
	logger  *slog.Logger
}

// NewReader creates a Reader.
func NewReader(cfg ReaderConfig) *Reader {
	if cfg.ConnectRetries <= 0 {
		cfg.ConnectRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reader{
		central: cfg.Central,
		retries: cfg.ConnectRetries,
		delay:   cfg.RetryDelay,
		logger:  cfg.Logger,
	}
}

// Read connects to the device, reads a full sample, and disconnects.
func (r *Reader) Read(ctx context.Context, dev Device) (Sample, error) {
	if !dev.Model.Pollable() {
		return Sample{}, fmt.Errorf("%s: model %q is not pollable", dev, dev.Model)
	}

	conn, err := r.connect(ctx, dev)
	if err != nil {
		return Sample{}, err
	}
	defer func() {
		if err := conn.Disconnect(); err != nil {
			r.logger.Debug("disconnect", "device", dev.String(), "error", err)
		}
	}()

	start := time.Now()
	var sample Sample
	switch dev.Model {
	case ModelWave:
		sample, err = r.readWave(ctx, conn)
	case ModelWave2:
		sample, err = r.readPacked(ctx, conn, charWave2Data, DecodeWave2)
	case ModelWavePlus:
		sample, err = r.readPacked(ctx, conn, charWavePlusData, DecodeWavePlus)
	}
	if err != nil {
		return Sample{}, fmt.Errorf("%s: %w", dev, err)
	}

	r.logger.Debug("sample read",
		"device", dev.String(),
		"metrics", len(sample.Values),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return sample, nil
}

// connect dials the device, retrying transient failures with a fixed
// pause, the way the classic bridge did.
func (r *Reader) connect(ctx context.Context, dev Device) (ble.Device, error) {
	var lastErr error
	for attempt := 1; attempt <= r.retries; attempt++ {
		conn, err := r.central.Connect(ctx, dev.Addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if attempt < r.retries {
			r.logger.Debug("retrying connection",
				"device", dev.String(), "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.delay):
			}
		}
	}
	return nil, fmt.Errorf("connect %s after %d attempts: %w", dev, r.retries, lastErr)
}

// readWave performs the 1st-gen per-characteristic readout.
func (r *Reader) readWave(ctx context.Context, conn ble.Device) (Sample, error) {
	values := make(map[string]float64, len(waveSensors))
	for _, sensor := range waveSensors {
		data, err := conn.ReadCharacteristic(ctx, sensor.uuid)
		if err != nil {
			return Sample{}, fmt.Errorf("read %s: %w", sensor.metric, err)
		}
		v, err := decodeSensorValue(sensor, data)
		if err != nil {
			return Sample{}, err
		}
		values[sensor.metric] = v
	}
	return Sample{Time: time.Now(), Values: values}, nil
}

// readPacked reads one vendor characteristic and decodes it.
func (r *Reader) readPacked(ctx context.Context, conn ble.Device, charUUID string, decode func([]byte) (Sample, error)) (Sample, error) {
	data, err := conn.ReadCharacteristic(ctx, charUUID)
	if err != nil {
		return Sample{}, fmt.Errorf("read sensor data: %w", err)
	}
	return decode(data)
}
