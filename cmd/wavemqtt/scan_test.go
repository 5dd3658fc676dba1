package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/siku2/wavemqtt/internal/ble"
	"github.com/siku2/wavemqtt/internal/wave"
)

// fakeCentral implements ble.Central for command tests. Scan delivers
// the canned advertisements and then reports the window as elapsed.
type fakeCentral struct {
	advs    []ble.Advertisement
	scanErr error

	device  ble.Device
	connErr error
}

func (f *fakeCentral) Scan(ctx context.Context, found func(ble.Advertisement) bool) error {
	for _, adv := range f.advs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if found(adv) {
			return nil
		}
	}
	if f.scanErr != nil {
		return f.scanErr
	}
	return context.DeadlineExceeded
}

func (f *fakeCentral) Connect(ctx context.Context, addr string) (ble.Device, error) {
	if f.connErr != nil {
		return nil, f.connErr
	}
	return f.device, nil
}

func (f *fakeCentral) Ping(ctx context.Context) error { return nil }

// swapCentral installs a fake central for the duration of one test.
func swapCentral(t *testing.T, c ble.Central) {
	t.Helper()
	orig := newCentral
	newCentral = func(*slog.Logger) ble.Central { return c }
	t.Cleanup(func() { newCentral = orig })
}

// airthingsAdv builds an advertisement carrying an Airthings serial.
func airthingsAdv(addr string, serial uint32, rssi int16) ble.Advertisement {
	data := []byte{byte(serial), byte(serial >> 8), byte(serial >> 16), byte(serial >> 24), 0, 0}
	return ble.Advertisement{
		Addr:             addr,
		RSSI:             rssi,
		ManufacturerData: map[uint16][]byte{wave.CompanyID: data},
	}
}

func TestRunScan_TextOutput(t *testing.T) {
	swapCentral(t, &fakeCentral{advs: []ble.Advertisement{
		airthingsAdv("cc:78:ab:00:00:01", 2900000111, -60),
		airthingsAdv("cc:78:ab:00:00:02", 2950000222, -47),
		{Addr: "11:22:33:44:55:66", RSSI: -30}, // not an Airthings device
	}})

	var out, errOut bytes.Buffer
	if err := runScan(context.Background(), &out, &errOut, "text", nil); err != nil {
		t.Fatalf("runScan: %v", err)
	}

	got := out.String()
	for _, want := range []string{"cc:78:ab:00:00:01", "2900000111", "wave", "cc:78:ab:00:00:02", "2950000222", "wave2", "-47 dBm"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "11:22:33:44:55:66") {
		t.Errorf("non-Airthings device listed:\n%s", got)
	}
}

func TestRunScan_JSONOutput(t *testing.T) {
	swapCentral(t, &fakeCentral{advs: []ble.Advertisement{
		airthingsAdv("cc:78:ab:00:00:02", 2920000222, -47),
	}})

	var out, errOut bytes.Buffer
	if err := runScan(context.Background(), &out, &errOut, "json", nil); err != nil {
		t.Fatalf("runScan: %v", err)
	}

	var found []scanResult
	if err := json.Unmarshal(out.Bytes(), &found); err != nil {
		t.Fatalf("scan JSON did not decode: %v\n%s", err, out.String())
	}
	if len(found) != 1 {
		t.Fatalf("len(found) = %d, want 1", len(found))
	}
	r := found[0]
	if r.Addr != "cc:78:ab:00:00:02" || r.Serial != "2920000222" || r.Model != "waveplus" || r.RSSI != -47 {
		t.Errorf("unexpected result: %+v", r)
	}
}

func TestRunScan_DeduplicatesByAddress(t *testing.T) {
	swapCentral(t, &fakeCentral{advs: []ble.Advertisement{
		airthingsAdv("cc:78:ab:00:00:01", 2900000111, -60),
		airthingsAdv("cc:78:ab:00:00:01", 2900000111, -58),
	}})

	var out, errOut bytes.Buffer
	if err := runScan(context.Background(), &out, &errOut, "json", nil); err != nil {
		t.Fatalf("runScan: %v", err)
	}

	var found []scanResult
	if err := json.Unmarshal(out.Bytes(), &found); err != nil {
		t.Fatalf("scan JSON did not decode: %v", err)
	}
	if len(found) != 1 {
		t.Errorf("len(found) = %d, want 1 after dedup", len(found))
	}
}

func TestRunScan_NoDevices(t *testing.T) {
	swapCentral(t, &fakeCentral{})

	var out, errOut bytes.Buffer
	if err := runScan(context.Background(), &out, &errOut, "text", nil); err != nil {
		t.Fatalf("runScan: %v", err)
	}
	if !strings.Contains(out.String(), "No Airthings devices found") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunScan_TimeoutFlag(t *testing.T) {
	swapCentral(t, &fakeCentral{})

	var out, errOut bytes.Buffer
	if err := runScan(context.Background(), &out, &errOut, "text", []string{"--timeout", "1"}); err != nil {
		t.Fatalf("runScan: %v", err)
	}
	if !strings.Contains(errOut.String(), "1s") {
		t.Errorf("scan window not applied: %q", errOut.String())
	}
}

func TestRunScan_BadTimeout(t *testing.T) {
	for _, arg := range [][]string{
		{"--timeout", "x"},
		{"--timeout", "0"},
		{"--timeout=-5"},
	} {
		var out, errOut bytes.Buffer
		err := runScan(context.Background(), &out, &errOut, "text", arg)
		if err == nil || !strings.Contains(err.Error(), "--timeout") {
			t.Errorf("args %v: err = %v, want --timeout error", arg, err)
		}
	}
}

func TestRunScan_UnknownArgument(t *testing.T) {
	var out, errOut bytes.Buffer
	err := runScan(context.Background(), &out, &errOut, "text", []string{"--frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown scan argument") {
		t.Fatalf("err = %v, want unknown argument error", err)
	}
}

func TestRunScan_RadioError(t *testing.T) {
	swapCentral(t, &fakeCentral{scanErr: errors.New("adapter powered off")})

	var out, errOut bytes.Buffer
	err := runScan(context.Background(), &out, &errOut, "text", nil)
	if err == nil || !strings.Contains(err.Error(), "adapter powered off") {
		t.Fatalf("err = %v, want radio error", err)
	}
}
