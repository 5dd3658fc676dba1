package mqtt

import (
	"github.com/siku2/wavemqtt/internal/buildinfo"
	"github.com/siku2/wavemqtt/internal/wave"
)

// DeviceInfo holds the Home Assistant device registry fields shared by
// all discovery payloads of one device. Every sensor entity of a Wave
// references the same device block so HA groups them under a single
// device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message. It is published (retained) to the discovery topic on every
// broker (re-)connect.
type SensorConfig struct {
	Name                string     `json:"name"`
	ObjectID            string     `json:"object_id,omitempty"`
	HasEntityName       bool       `json:"has_entity_name,omitempty"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
	Device              DeviceInfo `json:"device"`
	DeviceClass         string     `json:"device_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
}

// NewBridgeDeviceInfo describes the bridge itself. The persistent
// instance ID is the primary HA identifier so entity history survives
// renames and re-deployments.
func NewBridgeDeviceInfo(instanceID string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         "Wave MQTT Bridge",
		Manufacturer: "siku2",
		Model:        "wavemqtt",
		SWVersion:    buildinfo.Version,
	}
}

// NewWaveDeviceInfo describes one sensor. The identifier is derived
// from the serial (stable across renames); the bridge's instance ID
// links the sensor to the bridge device via via_device.
func NewWaveDeviceInfo(dev wave.Device, instanceID string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{"wavemqtt_" + dev.ID()},
		Name:         dev.Name,
		Manufacturer: "Airthings",
		Model:        dev.Model.DisplayName(),
		ViaDevice:    instanceID,
	}
}
