// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (poller, publisher,
// discovery, config) to subscribers (WebSocket handler, future
// integrations). The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourcePoller identifies events from the read cycle.
	SourcePoller = "poller"
	// SourceMQTT identifies events from the MQTT publisher/subscriber.
	SourceMQTT = "mqtt"
	// SourceDiscovery identifies events from BLE discovery.
	SourceDiscovery = "discovery"
	// SourceConfig identifies events from configuration reloads.
	SourceConfig = "config"
	// SourceWatchdog identifies events from the connectivity watchdog.
	SourceWatchdog = "watchdog"
)

// Kind constants describe the type of event within a source.
const (
	// KindPollStart signals the start of a poll cycle.
	// Data: devices.
	KindPollStart = "poll_start"
	// KindPollComplete signals the end of a poll cycle.
	// Data: devices, ok, failed, skipped, timed_out, duration_ms.
	KindPollComplete = "poll_complete"
	// KindSample signals a successful device read.
	// Data: name, addr, serial, model, metrics.
	KindSample = "sample"
	// KindReadError signals a failed device read.
	// Data: name, addr, error.
	KindReadError = "read_error"
	// KindDeviceOnline signals a device transitioned to reachable.
	// Data: name, addr.
	KindDeviceOnline = "device_online"
	// KindDeviceOffline signals a device exceeded the failure streak.
	// Data: name, addr, failures.
	KindDeviceOffline = "device_offline"

	// KindDeviceDiscovered signals a new device found during a scan.
	// Data: name, addr, serial, model.
	KindDeviceDiscovered = "device_discovered"
	// KindScanComplete signals the end of a discovery scan.
	// Data: found, new (error when the scan failed).
	KindScanComplete = "scan_complete"

	// KindPublishError signals a failed MQTT publish.
	// Data: topic, error.
	KindPublishError = "publish_error"
	// KindCommand signals an inbound bridge command from MQTT.
	// Data: action.
	KindCommand = "command"

	// KindConfigReloaded signals the active configuration was replaced.
	// Data: devices.
	KindConfigReloaded = "config_reloaded"

	// KindServiceUp signals a watched dependency became reachable.
	// Data: service.
	KindServiceUp = "service_up"
	// KindServiceDown signals a watched dependency became unreachable.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full, drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
