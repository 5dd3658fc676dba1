package wave

import (
	"encoding/binary"
	"fmt"
	"time"
)

// GATT characteristic UUIDs per model. The 1st gen Wave exposes one
// characteristic per metric; later models pack everything into a single
// vendor characteristic.
const (
	charTemperature = "00002a6e-0000-1000-8000-00805f9b34fb"
	charHumidity    = "00002a6f-0000-1000-8000-00805f9b34fb"
	charRadonShort  = "b42e01aa-ade7-11e4-89d3-123b93f75cba"
	charRadonLong   = "b42e0a4c-ade7-11e4-89d3-123b93f75cba"

	charWavePlusData = "b42e2a68-ade7-11e4-89d3-123b93f75cba"
	charWave2Data    = "b42e4dcc-ade7-11e4-89d3-123b93f75cba"
)

// waveSensor describes one 1st-gen characteristic readout.
type waveSensor struct {
	metric string
	uuid   string
	signed bool
	scale  float64
}

// waveSensors mirrors the classic per-characteristic table: temperature
// is a signed hundredth of a degree, humidity an unsigned hundredth of a
// percent, radon levels raw Bq/m³.
var waveSensors = []waveSensor{
	{MetricTemperature, charTemperature, true, 1.0 / 100.0},
	{MetricHumidity, charHumidity, false, 1.0 / 100.0},
	{MetricRadonShort, charRadonShort, false, 1.0},
	{MetricRadonLong, charRadonLong, false, 1.0},
}

// decodeSensorValue converts one 1st-gen characteristic payload (a
// little-endian 16-bit integer) to its scaled reading.
func decodeSensorValue(s waveSensor, data []byte) (float64, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("%s: payload too short (%d bytes)", s.metric, len(data))
	}
	raw := binary.LittleEndian.Uint16(data)
	if s.signed {
		return float64(int16(raw)) * s.scale, nil
	}
	return float64(raw) * s.scale, nil
}

// wavePlusPayloadLen is the size of the packed sensor characteristic on
// the Wave Plus and Wave 2nd gen.
const wavePlusPayloadLen = 20

// DecodeWavePlus unpacks the Wave Plus sensor characteristic. Layout
// (little-endian): version byte, humidity in half-percent, a reserved
// byte, light, then six uint16 values: radon short, radon long,
// temperature in hundredths °C, pressure in fiftieths of hPa, CO2 ppm,
// VOC ppb, followed by four reserved bytes.
func DecodeWavePlus(data []byte) (Sample, error) {
	if len(data) < wavePlusPayloadLen {
		return Sample{}, fmt.Errorf("wave plus payload too short (%d bytes, want %d)", len(data), wavePlusPayloadLen)
	}
	if version := data[0]; version != 1 {
		return Sample{}, fmt.Errorf("unsupported wave plus payload version %d", version)
	}

	u16 := func(off int) float64 {
		return float64(binary.LittleEndian.Uint16(data[off : off+2]))
	}
	return Sample{
		Time: time.Now(),
		Values: map[string]float64{
			MetricHumidity:    float64(data[1]) / 2.0,
			MetricLight:       float64(data[3]),
			MetricRadonShort:  u16(4),
			MetricRadonLong:   u16(6),
			MetricTemperature: u16(8) / 100.0,
			MetricPressure:    u16(10) / 50.0,
			MetricCO2:         u16(12),
			MetricVOC:         u16(14),
		},
	}, nil
}

// DecodeWave2 unpacks the Wave 2nd gen sensor characteristic. Same
// framing as the Plus, but only humidity, radon and temperature are
// populated.
func DecodeWave2(data []byte) (Sample, error) {
	if len(data) < wavePlusPayloadLen {
		return Sample{}, fmt.Errorf("wave2 payload too short (%d bytes, want %d)", len(data), wavePlusPayloadLen)
	}
	if version := data[0]; version != 1 {
		return Sample{}, fmt.Errorf("unsupported wave2 payload version %d", version)
	}

	u16 := func(off int) float64 {
		return float64(binary.LittleEndian.Uint16(data[off : off+2]))
	}
	return Sample{
		Time: time.Now(),
		Values: map[string]float64{
			MetricHumidity:    float64(data[1]) / 2.0,
			MetricRadonShort:  u16(4),
			MetricRadonLong:   u16(6),
			MetricTemperature: u16(8) / 100.0,
		},
	}, nil
}
