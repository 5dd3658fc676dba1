// Package mqtt publishes Wave readings to the broker and makes every
// sensor a native Home Assistant device via MQTT discovery.
//
// The topic layout keeps the classic airthingswave contract: each
// reading goes to <prefix>/<name>/<metric> (retained, QoS 1) and the
// per-device online topic carries "ON"/"OFF". On top of that the bridge
// publishes a combined JSON sample per readout, an error topic for
// failed polls, and its own diagnostics under <prefix>/bridge.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each sensor entity, a birth message ("online") to the bridge
// availability topic, and re-subscribes to the command topic. A will
// message ensures the availability topic transitions to "offline" on
// unexpected disconnects.
package mqtt
