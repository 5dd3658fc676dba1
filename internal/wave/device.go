// Package wave models Airthings Wave sensors: device identity, BLE
// advertisement parsing, per-model GATT payload decoding, and the reader
// and scanner built on top of the ble package.
package wave

import (
	"fmt"
	"strconv"

	"github.com/siku2/wavemqtt/internal/ble"
)

// CompanyID is the Bluetooth SIG manufacturer identifier assigned to
// Airthings AS. Wave advertisements carry the device serial number in
// this manufacturer data element.
const CompanyID = 0x0334

// Model identifies a Wave hardware generation.
type Model string

const (
	ModelUnknown  Model = ""
	ModelWave     Model = "wave"     // 1st gen, per-characteristic readout
	ModelWave2    Model = "wave2"    // 2nd gen, packed readout
	ModelWavePlus Model = "waveplus" // packed readout with light/pressure/CO2/VOC
	ModelWaveMini Model = "mini"     // no radon channel, not polled
)

// DisplayName returns the marketing name used in Home Assistant device
// registrations.
func (m Model) DisplayName() string {
	switch m {
	case ModelWave:
		return "Wave"
	case ModelWave2:
		return "Wave (2nd gen)"
	case ModelWavePlus:
		return "Wave Plus"
	case ModelWaveMini:
		return "Wave Mini"
	default:
		return "Wave (unknown model)"
	}
}

// Pollable reports whether the bridge knows how to read samples from
// this model.
func (m Model) Pollable() bool {
	switch m {
	case ModelWave, ModelWave2, ModelWavePlus:
		return true
	default:
		return false
	}
}

// Metrics returns the metric names a sample from this model carries, in
// canonical order.
func (m Model) Metrics() []string {
	switch m {
	case ModelWave:
		return []string{MetricTemperature, MetricHumidity, MetricRadonShort, MetricRadonLong}
	case ModelWave2:
		return []string{MetricTemperature, MetricHumidity, MetricRadonShort, MetricRadonLong}
	case ModelWavePlus:
		return []string{
			MetricTemperature, MetricHumidity, MetricRadonShort, MetricRadonLong,
			MetricLight, MetricPressure, MetricCO2, MetricVOC,
		}
	default:
		return nil
	}
}

// ModelFromSerial maps a serial number to its model. Airthings encodes
// the model in the first four digits of the ten-digit serial.
func ModelFromSerial(serial uint32) Model {
	switch serial / 1_000_000 {
	case 2900:
		return ModelWave
	case 2920:
		return ModelWavePlus
	case 2940:
		return ModelWaveMini
	case 2950:
		return ModelWave2
	default:
		return ModelUnknown
	}
}

// ModelFromVersion maps the classic config "version" selector to a
// model: "1" (or empty) is the original Wave, "2" the Wave Plus.
func ModelFromVersion(version string) Model {
	if version == "2" {
		return ModelWavePlus
	}
	return ModelWave
}

// Device is one sensor the bridge knows about, whether from config or
// discovery.
type Device struct {
	// Name labels the device in topics and logs.
	Name string `json:"name"`
	// Addr is the hardware address, lower-case colon-separated.
	Addr string `json:"addr"`
	// Serial is the Airthings serial number, 0 until learned from an
	// advertisement.
	Serial uint32 `json:"serial,omitempty"`
	// Model selects the readout procedure.
	Model Model `json:"model"`
}

// String renders "name [addr]" for logs.
func (d Device) String() string {
	return fmt.Sprintf("%s [%s]", d.Name, d.Addr)
}

// SerialString is the decimal serial, or empty when unknown.
func (d Device) SerialString() string {
	if d.Serial == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(d.Serial), 10)
}

// ID returns the stable identifier used for Home Assistant unique IDs:
// the serial when known, else the address with separators stripped.
func (d Device) ID() string {
	if s := d.SerialString(); s != "" {
		return s
	}
	id := make([]byte, 0, len(d.Addr))
	for i := 0; i < len(d.Addr); i++ {
		if d.Addr[i] != ':' {
			id = append(id, d.Addr[i])
		}
	}
	return string(id)
}

// ParseAdvertisement extracts the serial number from an Airthings
// advertisement. ok is false when the advertisement is from another
// vendor or the manufacturer data is too short.
func ParseAdvertisement(adv ble.Advertisement) (serial uint32, ok bool) {
	data, found := adv.ManufacturerData[CompanyID]
	if !found || len(data) < 4 {
		return 0, false
	}
	serial = uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	return serial, true
}

// DeviceFromAdvertisement builds a Device for a discovered sensor. The
// name defaults to the decimal serial so discovered devices publish
// under a stable topic.
func DeviceFromAdvertisement(adv ble.Advertisement) (Device, bool) {
	serial, ok := ParseAdvertisement(adv)
	if !ok {
		return Device{}, false
	}
	return Device{
		Name:   strconv.FormatUint(uint64(serial), 10),
		Addr:   adv.Addr,
		Serial: serial,
		Model:  ModelFromSerial(serial),
	}, true
}
