package wave

import (
	"encoding/binary"
	"strings"
	"testing"
)

// packedPayload builds the 20-byte vendor characteristic payload shared
// by the Wave Plus and Wave 2nd gen.
func packedPayload(version, humidity, light byte, words ...uint16) []byte {
	data := make([]byte, 20)
	data[0] = version
	data[1] = humidity
	data[3] = light
	for i, w := range words {
		binary.LittleEndian.PutUint16(data[4+2*i:], w)
	}
	return data
}

func TestDecodeWavePlus(t *testing.T) {
	// 38.5% humidity, light 96, radon 152/134 Bq/m³, 21.34°C,
	// 993.5 hPa, 640 ppm CO2, 149 ppb VOC.
	data := packedPayload(1, 77, 96, 152, 134, 2134, 49675, 640, 149)

	sample, err := DecodeWavePlus(data)
	if err != nil {
		t.Fatalf("DecodeWavePlus: %v", err)
	}

	want := map[string]float64{
		MetricHumidity:    38.5,
		MetricLight:       96,
		MetricRadonShort:  152,
		MetricRadonLong:   134,
		MetricTemperature: 21.34,
		MetricPressure:    993.5,
		MetricCO2:         640,
		MetricVOC:         149,
	}
	if len(sample.Values) != len(want) {
		t.Fatalf("got %d metrics, want %d", len(sample.Values), len(want))
	}
	for metric, wantV := range want {
		if gotV := sample.Values[metric]; gotV != wantV {
			t.Errorf("%s = %v, want %v", metric, gotV, wantV)
		}
	}
	if sample.Time.IsZero() {
		t.Error("sample time not set")
	}
}

func TestDecodeWavePlus_ShortPayload(t *testing.T) {
	_, err := DecodeWavePlus(make([]byte, 19))
	if err == nil {
		t.Fatal("expected error for short payload")
	}
	if !strings.Contains(err.Error(), "too short") {
		t.Errorf("error = %q, want it to mention 'too short'", err)
	}
}

func TestDecodeWavePlus_BadVersion(t *testing.T) {
	data := packedPayload(2, 77, 96, 152, 134, 2134, 49675, 640, 149)
	_, err := DecodeWavePlus(data)
	if err == nil {
		t.Fatal("expected error for unknown payload version")
	}
	if !strings.Contains(err.Error(), "version 2") {
		t.Errorf("error = %q, want it to mention 'version 2'", err)
	}
}

func TestDecodeWave2(t *testing.T) {
	data := packedPayload(1, 91, 0, 100, 75, 1998)

	sample, err := DecodeWave2(data)
	if err != nil {
		t.Fatalf("DecodeWave2: %v", err)
	}

	want := map[string]float64{
		MetricHumidity:    45.5,
		MetricRadonShort:  100,
		MetricRadonLong:   75,
		MetricTemperature: 19.98,
	}
	if len(sample.Values) != len(want) {
		t.Fatalf("got %d metrics, want %d", len(sample.Values), len(want))
	}
	for metric, wantV := range want {
		if gotV := sample.Values[metric]; gotV != wantV {
			t.Errorf("%s = %v, want %v", metric, gotV, wantV)
		}
	}
}

func TestDecodeWave2_Errors(t *testing.T) {
	if _, err := DecodeWave2(nil); err == nil {
		t.Error("expected error for empty payload")
	}
	if _, err := DecodeWave2(packedPayload(9, 0, 0)); err == nil {
		t.Error("expected error for unknown payload version")
	}
}

func TestDecodeSensorValue(t *testing.T) {
	le16 := func(v uint16) []byte {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, v)
		return b
	}

	tests := []struct {
		name   string
		sensor waveSensor
		data   []byte
		want   float64
	}{
		{"temperature", waveSensors[0], le16(2134), 21.34},
		{"temperature below zero", waveSensors[0], le16(uint16(0x10000 - 512)), -5.12},
		{"humidity", waveSensors[1], le16(4550), 45.5},
		{"radon short", waveSensors[2], le16(152), 152},
		{"radon long", waveSensors[3], le16(1337), 1337},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeSensorValue(tt.sensor, tt.data)
			if err != nil {
				t.Fatalf("decodeSensorValue: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeSensorValue_ShortPayload(t *testing.T) {
	_, err := decodeSensorValue(waveSensors[0], []byte{0x01})
	if err == nil {
		t.Fatal("expected error for 1-byte payload")
	}
}
