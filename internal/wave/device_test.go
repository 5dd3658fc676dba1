package wave

import (
	"testing"

	"github.com/siku2/wavemqtt/internal/ble"
)

// airthingsAdv builds an advertisement carrying the given serial.
func airthingsAdv(addr string, serial uint32) ble.Advertisement {
	return ble.Advertisement{
		Addr: addr,
		ManufacturerData: map[uint16][]byte{
			CompanyID: {
				byte(serial), byte(serial >> 8), byte(serial >> 16), byte(serial >> 24),
				0x00, 0x00,
			},
		},
	}
}

func TestParseAdvertisement(t *testing.T) {
	serial, ok := ParseAdvertisement(airthingsAdv("58:2d:34:11:22:33", 2900123456))
	if !ok {
		t.Fatal("expected ok for airthings advertisement")
	}
	if serial != 2900123456 {
		t.Errorf("serial = %d, want 2900123456", serial)
	}
}

func TestParseAdvertisement_OtherVendor(t *testing.T) {
	adv := ble.Advertisement{
		Addr:             "aa:bb:cc:dd:ee:ff",
		ManufacturerData: map[uint16][]byte{0x004c: {0x01, 0x02, 0x03, 0x04}},
	}
	if _, ok := ParseAdvertisement(adv); ok {
		t.Error("expected not ok for non-airthings manufacturer data")
	}
}

func TestParseAdvertisement_ShortData(t *testing.T) {
	adv := ble.Advertisement{
		Addr:             "58:2d:34:11:22:33",
		ManufacturerData: map[uint16][]byte{CompanyID: {0x01, 0x02}},
	}
	if _, ok := ParseAdvertisement(adv); ok {
		t.Error("expected not ok for truncated manufacturer data")
	}
}

func TestParseAdvertisement_NoData(t *testing.T) {
	if _, ok := ParseAdvertisement(ble.Advertisement{Addr: "58:2d:34:11:22:33"}); ok {
		t.Error("expected not ok without manufacturer data")
	}
}

func TestModelFromSerial(t *testing.T) {
	tests := []struct {
		serial uint32
		want   Model
	}{
		{2900123456, ModelWave},
		{2920001122, ModelWavePlus},
		{2940998877, ModelWaveMini},
		{2950112233, ModelWave2},
		{1234567, ModelUnknown},
		{0, ModelUnknown},
	}
	for _, tt := range tests {
		if got := ModelFromSerial(tt.serial); got != tt.want {
			t.Errorf("ModelFromSerial(%d) = %q, want %q", tt.serial, got, tt.want)
		}
	}
}

func TestModelFromVersion(t *testing.T) {
	for version, want := range map[string]Model{"": ModelWave, "1": ModelWave, "2": ModelWavePlus} {
		if got := ModelFromVersion(version); got != want {
			t.Errorf("ModelFromVersion(%q) = %q, want %q", version, got, want)
		}
	}
}

func TestDeviceFromAdvertisement(t *testing.T) {
	dev, ok := DeviceFromAdvertisement(airthingsAdv("58:2d:34:11:22:33", 2920005000))
	if !ok {
		t.Fatal("expected a device")
	}
	if dev.Name != "2920005000" {
		t.Errorf("Name = %q, want the decimal serial", dev.Name)
	}
	if dev.Model != ModelWavePlus {
		t.Errorf("Model = %q, want %q", dev.Model, ModelWavePlus)
	}
	if dev.Addr != "58:2d:34:11:22:33" {
		t.Errorf("Addr = %q", dev.Addr)
	}
}

func TestDeviceID(t *testing.T) {
	withSerial := Device{Addr: "58:2d:34:11:22:33", Serial: 2900123456}
	if got := withSerial.ID(); got != "2900123456" {
		t.Errorf("ID with serial = %q, want %q", got, "2900123456")
	}

	noSerial := Device{Addr: "58:2d:34:11:22:33"}
	if got := noSerial.ID(); got != "582d34112233" {
		t.Errorf("ID without serial = %q, want %q", got, "582d34112233")
	}
}

func TestModelPollable(t *testing.T) {
	for model, want := range map[Model]bool{
		ModelWave:     true,
		ModelWave2:    true,
		ModelWavePlus: true,
		ModelWaveMini: false,
		ModelUnknown:  false,
	} {
		if got := model.Pollable(); got != want {
			t.Errorf("%q.Pollable() = %v, want %v", model, got, want)
		}
	}
}

func TestModelMetrics(t *testing.T) {
	if got := len(ModelWavePlus.Metrics()); got != 8 {
		t.Errorf("wave plus metric count = %d, want 8", got)
	}
	if got := len(ModelWave.Metrics()); got != 4 {
		t.Errorf("wave metric count = %d, want 4", got)
	}
	if got := ModelWaveMini.Metrics(); got != nil {
		t.Errorf("mini metrics = %v, want nil", got)
	}
}
