// Package ble abstracts the Bluetooth Low Energy central role down to the
// three operations the bridge needs: scanning for advertisements,
// connecting to a peripheral, and reading GATT characteristics. The
// production implementation sits on tinygo.org/x/bluetooth; consumers
// depend on the interfaces so tests can substitute fakes.
package ble

import "context"

// Advertisement is one received BLE advertisement, reduced to the fields
// discovery cares about.
type Advertisement struct {
	// Addr is the peripheral's hardware address, lower-case
	// colon-separated.
	Addr string
	// LocalName is the advertised device name, if any.
	LocalName string
	// RSSI is the received signal strength in dBm.
	RSSI int16
	// ManufacturerData maps Bluetooth SIG company IDs to their payload.
	ManufacturerData map[uint16][]byte
}

// Central is the radio-facing side of the bridge. Implementations
// serialize radio access internally; callers may still only run one scan
// or connection sequence at a time for predictable latency.
type Central interface {
	// Scan streams advertisements to found until the callback returns
	// true (stop requested) or ctx expires. A ctx deadline is the normal
	// way to bound a discovery window; Scan then returns ctx.Err().
	Scan(ctx context.Context, found func(Advertisement) bool) error

	// Connect establishes a connection to the peripheral with the given
	// hardware address. The address is resolved from a prior or implicit
	// scan.
	Connect(ctx context.Context, addr string) (Device, error)

	// Ping verifies the adapter is usable. Used by the connectivity
	// watchdog.
	Ping(ctx context.Context) error
}

// Device is a connected peripheral.
type Device interface {
	// Addr returns the hardware address the device was connected by.
	Addr() string

	// ReadCharacteristic reads the value of the GATT characteristic with
	// the given canonical 128-bit UUID string.
	ReadCharacteristic(ctx context.Context, charUUID string) ([]byte, error)

	// Disconnect tears the connection down. Safe to call more than once.
	Disconnect() error
}
