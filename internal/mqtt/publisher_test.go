package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/siku2/wavemqtt/internal/config"
	"github.com/siku2/wavemqtt/internal/wave"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		ClientID:           "wavemqtt",
		TopicPrefix:        "wave",
		DiscoveryPrefix:    "homeassistant",
		PublishIntervalSec: 60,
	}
}

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Fatal("LoadOrCreateInstanceID() returned empty string")
	}

	// Verify the file was written.
	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	// Create the first time.
	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}

	// Second call should return the same value.
	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestLoadOrCreateInstanceID_UUIDFormat(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}

	// UUIDv7 format: 8-4-4-4-12 hex digits.
	parts := strings.Split(id, "-")
	if len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID (expected 5 dash-separated parts)", id)
	}
}

func TestNewWaveDeviceInfo(t *testing.T) {
	dev := wave.Device{
		Name:   "basement",
		Addr:   "cc:78:ab:00:00:01",
		Serial: 2950000111,
		Model:  wave.ModelWave2,
	}
	info := NewWaveDeviceInfo(dev, "instance-abc")

	if info.Name != "basement" {
		t.Errorf("Name = %q, want %q", info.Name, "basement")
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "wavemqtt_2950000111" {
		t.Errorf("Identifiers = %v, want [wavemqtt_2950000111]", info.Identifiers)
	}
	if info.Manufacturer != "Airthings" {
		t.Errorf("Manufacturer = %q, want %q", info.Manufacturer, "Airthings")
	}
	if info.Model != "Wave (2nd gen)" {
		t.Errorf("Model = %q, want %q", info.Model, "Wave (2nd gen)")
	}
	if info.ViaDevice != "instance-abc" {
		t.Errorf("ViaDevice = %q, want %q", info.ViaDevice, "instance-abc")
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := New(testMQTTConfig(), "test-id", nil, testLogger())

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"deviceTopic", p.deviceTopic("basement"), "wave/basement"},
		{"metricTopic", p.metricTopic("basement", "radon_short"), "wave/basement/radon_short"},
		{"onlineTopic", p.onlineTopic("basement"), "wave/basement/online"},
		{"sampleTopic", p.sampleTopic("basement"), "wave/basement/sample"},
		{"errorTopic", p.errorTopic("basement"), "wave/basement/error"},
		{"availabilityTopic", p.availabilityTopic(), "wave/bridge/availability"},
		{"commandTopic", p.commandTopic(), "wave/bridge/command"},
		{"stateDocTopic", p.stateDocTopic(), "wave/bridge/state"},
		{"bridgeStateTopic uptime", p.bridgeStateTopic("uptime"), "wave/bridge/uptime/state"},
		{"discoveryTopic", p.discoveryTopic("sensor", "wavemqtt_2950000111", "temperature"), "homeassistant/sensor/wavemqtt_2950000111/temperature/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_WaveSensorDefinitions(t *testing.T) {
	p := New(testMQTTConfig(), "instance-123", nil, testLogger())
	dev := wave.Device{
		Name:   "office",
		Addr:   "cc:78:ab:00:00:02",
		Serial: 2920111222,
		Model:  wave.ModelWavePlus,
	}

	defs := p.waveSensorDefinitions(dev)

	if len(defs) != 8 {
		t.Fatalf("got %d sensor definitions for a Wave Plus, want 8", len(defs))
	}

	entitySet := make(map[string]bool)
	for _, d := range defs {
		entitySet[d.entitySuffix] = true

		// Sensor Name must NOT contain the device name (causes HA
		// double-prefix entity IDs like sensor.office_office_temperature).
		if strings.Contains(d.config.Name, dev.Name) {
			t.Errorf("sensor %s: Name %q contains device name %q",
				d.entitySuffix, d.config.Name, dev.Name)
		}
		if !d.config.HasEntityName {
			t.Errorf("sensor %s: HasEntityName = false, want true", d.entitySuffix)
		}

		// Availability must follow the device's own online topic with the
		// classic ON/OFF payloads.
		if d.config.AvailabilityTopic != "wave/office/online" {
			t.Errorf("sensor %s: AvailabilityTopic = %q, want wave/office/online",
				d.entitySuffix, d.config.AvailabilityTopic)
		}
		if d.config.PayloadAvailable != "ON" || d.config.PayloadNotAvailable != "OFF" {
			t.Errorf("sensor %s: availability payloads = %q/%q, want ON/OFF",
				d.entitySuffix, d.config.PayloadAvailable, d.config.PayloadNotAvailable)
		}

		if !strings.HasPrefix(d.config.UniqueID, "wavemqtt_2920111222_") {
			t.Errorf("sensor %s: UniqueID = %q, should start with wavemqtt_2920111222_",
				d.entitySuffix, d.config.UniqueID)
		}
		if d.config.ObjectID != "office_"+d.entitySuffix {
			t.Errorf("sensor %s: ObjectID = %q, want office_%s",
				d.entitySuffix, d.config.ObjectID, d.entitySuffix)
		}
		if d.config.StateTopic != "wave/office/"+d.entitySuffix {
			t.Errorf("sensor %s: StateTopic = %q, want wave/office/%s",
				d.entitySuffix, d.config.StateTopic, d.entitySuffix)
		}
		if len(d.config.Device.Identifiers) == 0 {
			t.Errorf("sensor %s: Device.Identifiers is empty", d.entitySuffix)
		}
	}

	for _, metric := range []string{"temperature", "humidity", "radon_short", "radon_long", "light", "pressure", "co2", "voc"} {
		if !entitySet[metric] {
			t.Errorf("missing sensor definition for %q", metric)
		}
	}

	// A 1st gen Wave only reports four metrics.
	gen1 := wave.Device{Name: "attic", Addr: "cc:78:ab:00:00:03", Serial: 2900000333, Model: wave.ModelWave}
	if got := len(p.waveSensorDefinitions(gen1)); got != 4 {
		t.Errorf("got %d sensor definitions for a 1st gen Wave, want 4", got)
	}
}

func TestPublisher_BridgeSensorDefinitions(t *testing.T) {
	p := New(testMQTTConfig(), "instance-123", nil, testLogger())

	defs := p.bridgeSensorDefinitions()

	expectedEntities := []string{
		"uptime", "version", "devices_known", "devices_online", "last_poll",
	}
	if len(defs) != len(expectedEntities) {
		t.Fatalf("got %d bridge sensor definitions, want %d", len(defs), len(expectedEntities))
	}

	entitySet := make(map[string]bool)
	for _, d := range defs {
		entitySet[d.entitySuffix] = true

		if d.config.EntityCategory != "diagnostic" {
			t.Errorf("sensor %s: EntityCategory = %q, want diagnostic",
				d.entitySuffix, d.config.EntityCategory)
		}
		if d.config.AvailabilityTopic != "wave/bridge/availability" {
			t.Errorf("sensor %s: AvailabilityTopic = %q, want wave/bridge/availability",
				d.entitySuffix, d.config.AvailabilityTopic)
		}
		if !strings.HasPrefix(d.config.UniqueID, "instance-123_") {
			t.Errorf("sensor %s: UniqueID = %q, should start with instance-123_",
				d.entitySuffix, d.config.UniqueID)
		}
	}

	for _, name := range expectedEntities {
		if !entitySet[name] {
			t.Errorf("missing bridge sensor definition for %q", name)
		}
	}
}

func TestPublisher_RegisterDevices(t *testing.T) {
	p := New(testMQTTConfig(), "instance-123", nil, testLogger())

	p.RegisterDevices(context.Background(), []wave.Device{
		{Name: "office", Addr: "cc:78:ab:00:00:02", Serial: 2920111222, Model: wave.ModelWavePlus},
		{Name: "basement", Addr: "cc:78:ab:00:00:01", Serial: 2950000111, Model: wave.ModelWave2},
	})

	devices := p.registeredDevices()
	if len(devices) != 2 {
		t.Fatalf("registered %d devices, want 2", len(devices))
	}
	// Sorted by name for deterministic discovery publish order.
	if devices[0].Name != "basement" || devices[1].Name != "office" {
		t.Errorf("device order = [%s %s], want [basement office]", devices[0].Name, devices[1].Name)
	}

	// Registration replaces the set.
	p.RegisterDevices(context.Background(), []wave.Device{
		{Name: "office", Addr: "cc:78:ab:00:00:02", Serial: 2920111222, Model: wave.ModelWavePlus},
	})
	if got := len(p.registeredDevices()); got != 1 {
		t.Errorf("registered %d devices after replace, want 1", got)
	}
}

func TestPublisher_HandleCommand(t *testing.T) {
	p := New(testMQTTConfig(), "instance-123", nil, testLogger())

	var got []string
	p.SetCommandHandler(func(command string) {
		got = append(got, command)
	})

	p.handleCommand([]byte("poll"))
	p.handleCommand([]byte(" SCAN\n"))
	p.handleCommand([]byte("reboot"))
	p.handleCommand([]byte(""))

	want := []string{"poll", "scan"}
	if len(got) != len(want) {
		t.Fatalf("handler saw %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPublisher_HandleCommandWithoutHandler(t *testing.T) {
	p := New(testMQTTConfig(), "instance-123", nil, testLogger())

	// Must not panic when no handler is installed.
	p.handleCommand([]byte("poll"))
}

func TestSensorConfig_OmitsEmptyFields(t *testing.T) {
	cfg := SensorConfig{
		Name:              "Uptime",
		UniqueID:          "id_uptime",
		StateTopic:        "wave/bridge/uptime/state",
		AvailabilityTopic: "wave/bridge/availability",
		Device:            DeviceInfo{Identifiers: []string{"id"}, Name: "d"},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	for _, field := range []string{"payload_available", "device_class", "unit_of_measurement", "icon"} {
		if strings.Contains(string(data), `"`+field+`"`) {
			t.Errorf("%s should be omitted when empty:\n%s", field, data)
		}
	}

	cfg.PayloadAvailable = "ON"
	data, err = json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if !strings.Contains(string(data), `"payload_available":"ON"`) {
		t.Errorf("expected payload_available in JSON:\n%s", data)
	}
}
