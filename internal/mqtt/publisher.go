package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/siku2/wavemqtt/internal/config"
	"github.com/siku2/wavemqtt/internal/metrics"
	"github.com/siku2/wavemqtt/internal/wave"
)

// Availability payloads on the per-device online topics, unchanged from
// the classic airthingswave bridge so existing automations keep working.
const (
	PayloadOnline  = "ON"
	PayloadOffline = "OFF"
)

// StatsSource provides runtime data for the bridge's own diagnostic
// sensors. The concrete adapter is wired in main.go to avoid coupling
// this package to the poller or the history store.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// DevicesKnown returns how many devices the bridge polls.
	DevicesKnown() int
	// DevicesOnline returns how many devices answered their last poll.
	DevicesOnline() int
	// LastPollTime returns when the most recent poll cycle finished.
	LastPollTime() time.Time
}

// Publisher manages the MQTT connection. It publishes device samples
// and availability, HA discovery configs on every (re-)connect, bridge
// diagnostics on a timer, and routes inbound bridge commands.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bridge     DeviceInfo
	stats      StatsSource
	logger     *slog.Logger
	limiter    *commandRateLimiter

	mu      sync.Mutex
	cm      *autopaho.ConnectionManager
	devices map[string]wave.Device
	handler CommandHandler
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, stats StatsSource, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bridge:     NewBridgeDeviceInfo(instanceID),
		stats:      stats,
		logger:     logger,
		limiter:    newCommandRateLimiter(30, time.Minute, logger),
		devices:    make(map[string]wave.Device),
	}
}

// SetCommandHandler installs the callback for inbound bridge commands.
// Call before Start.
func (p *Publisher) SetCommandHandler(h CommandHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Start connects to the MQTT broker and begins the periodic diagnostics
// loop. It blocks until ctx is cancelled. On every (re-)connect it
// publishes discovery configs, a birth message, and re-subscribes to
// the command topic.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := p.cfg.BrokerURL()
	if err != nil {
		return err
	}

	availTopic := p.availabilityTopic()
	cmdTopic := p.commandTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", brokerURL.Redacted())
			metrics.SetMQTTConnected(true)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.subscribeCommands(ctx, cm, cmdTopic)
		},
		OnConnectError: func(err error) {
			metrics.SetMQTTConnected(false)
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			// The instance ID suffix keeps concurrent installations from
			// kicking each other off the broker.
			ClientID: p.cfg.ClientID + "-" + p.instanceID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if pr.Packet.Topic != cmdTopic {
						return false, nil
					}
					p.handleCommand(pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// ssl:// tls:// schemes.
	switch brokerURL.Scheme {
	case "mqtts", "ssl", "tls":
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	go p.limiter.start(ctx)

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail, autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects: every registered device is marked
// offline and the bridge availability transitions to "offline" before
// the connection closes. The provided context bounds the publishes and
// the disconnect.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	for _, dev := range p.registeredDevices() {
		p.publishOnline(ctx, cm, dev, PayloadOffline)
	}
	p.publishAvailability(ctx, cm, "offline")
	metrics.SetMQTTConnected(false)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. Useful for connwatch health probes.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

// RegisterDevices replaces the set of devices the publisher announces.
// When connected, discovery configs for the new set are published
// immediately; otherwise the next (re-)connect covers them.
func (p *Publisher) RegisterDevices(ctx context.Context, devices []wave.Device) {
	p.mu.Lock()
	p.devices = make(map[string]wave.Device, len(devices))
	for _, d := range devices {
		p.devices[d.ID()] = d
	}
	cm := p.cm
	p.mu.Unlock()

	if cm != nil {
		p.publishDiscovery(ctx, cm)
	}
}

func (p *Publisher) registeredDevices() []wave.Device {
	p.mu.Lock()
	devices := make([]wave.Device, 0, len(p.devices))
	for _, d := range p.devices {
		devices = append(devices, d)
	}
	p.mu.Unlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return devices
}

// --- Topic helpers ---

func (p *Publisher) deviceTopic(name string) string {
	return p.cfg.TopicPrefix + "/" + name
}

func (p *Publisher) metricTopic(name, metric string) string {
	return p.deviceTopic(name) + "/" + metric
}

func (p *Publisher) onlineTopic(name string) string {
	return p.deviceTopic(name) + "/online"
}

func (p *Publisher) sampleTopic(name string) string {
	return p.deviceTopic(name) + "/sample"
}

func (p *Publisher) errorTopic(name string) string {
	return p.deviceTopic(name) + "/error"
}

func (p *Publisher) bridgeTopic() string {
	return p.cfg.TopicPrefix + "/bridge"
}

func (p *Publisher) availabilityTopic() string {
	return p.bridgeTopic() + "/availability"
}

func (p *Publisher) commandTopic() string {
	return p.bridgeTopic() + "/command"
}

func (p *Publisher) stateDocTopic() string {
	return p.bridgeTopic() + "/state"
}

func (p *Publisher) bridgeStateTopic(entity string) string {
	return p.bridgeTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, nodeID, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + nodeID + "/" + entity + "/config"
}

// --- Sample publishing ---

// PublishSample pushes one readout: every metric to its retained state
// topic, the combined JSON document to the sample topic, and "ON" to
// the online topic. Failed publishes are logged and counted; the first
// failure does not stop the rest.
func (p *Publisher) PublishSample(ctx context.Context, dev wave.Device, sample wave.Sample) error {
	cm := p.conn()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}

	var failed, total int
	publish := func(topic string, payload []byte) {
		total++
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			failed++
			metrics.IncPublishError()
			p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		} else {
			metrics.IncPublish()
		}
	}

	for _, f := range sample.Fields() {
		publish(p.metricTopic(dev.Name, f.Metric), []byte(wave.FormatValue(f.Value)))
	}

	doc, err := json.Marshal(sample.JSON(dev))
	if err != nil {
		return fmt.Errorf("encode sample for %s: %w", dev.Name, err)
	}
	publish(p.sampleTopic(dev.Name), doc)
	publish(p.onlineTopic(dev.Name), []byte(PayloadOnline))

	if failed > 0 {
		return fmt.Errorf("publish sample for %s: %d of %d messages failed", dev.Name, failed, total)
	}
	p.logger.Debug("sample published", "device", dev.Name, "metrics", len(sample.Values))
	return nil
}

// PublishOffline marks a device unavailable on its online topic.
func (p *Publisher) PublishOffline(ctx context.Context, dev wave.Device) error {
	cm := p.conn()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.publishOnline(ctx, cm, dev, PayloadOffline)
}

func (p *Publisher) publishOnline(ctx context.Context, cm *autopaho.ConnectionManager, dev wave.Device, status string) error {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.onlineTopic(dev.Name),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		metrics.IncPublishError()
		p.logger.Warn("mqtt online publish failed",
			"device", dev.Name, "status", status, "error", err)
		return err
	}
	metrics.IncPublish()
	return nil
}

// PublishError reports a failed readout on the device error topic. The
// payload keeps the classic {"error","message"} shape; it is not
// retained so consumers only see live failures.
func (p *Publisher) PublishError(ctx context.Context, dev wave.Device, code string, readErr error) error {
	cm := p.conn()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}

	payload, err := json.Marshal(map[string]string{
		"error":   code,
		"message": readErr.Error(),
	})
	if err != nil {
		return fmt.Errorf("encode error payload: %w", err)
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.errorTopic(dev.Name),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		metrics.IncPublishError()
		p.logger.Warn("mqtt error publish failed", "device", dev.Name, "error", err)
		return err
	}
	metrics.IncPublish()
	return nil
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

// waveSensorDefinitions builds one HA sensor per metric the model
// reports. Sensor availability follows the device's online topic, so a
// Wave that stops answering polls shows up unavailable even while the
// bridge itself is healthy.
func (p *Publisher) waveSensorDefinitions(dev wave.Device) []sensorDef {
	online := p.onlineTopic(dev.Name)
	device := NewWaveDeviceInfo(dev, p.instanceID)

	metricNames := dev.Model.Metrics()
	defs := make([]sensorDef, 0, len(metricNames))
	for _, metric := range metricNames {
		info := wave.Info(metric)
		defs = append(defs, sensorDef{
			entitySuffix: metric,
			config: SensorConfig{
				Name:                info.DisplayName,
				ObjectID:            dev.Name + "_" + metric,
				HasEntityName:       true,
				UniqueID:            "wavemqtt_" + dev.ID() + "_" + metric,
				StateTopic:          p.metricTopic(dev.Name, metric),
				AvailabilityTopic:   online,
				PayloadAvailable:    PayloadOnline,
				PayloadNotAvailable: PayloadOffline,
				Device:              device,
				DeviceClass:         info.DeviceClass,
				Icon:                info.Icon,
				UnitOfMeasurement:   info.Unit,
				StateClass:          info.StateClass,
			},
		})
	}
	return defs
}

func (p *Publisher) bridgeSensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	sensor := func(entity, name, icon, stateClass string) sensorDef {
		return sensorDef{
			entitySuffix: entity,
			config: SensorConfig{
				Name:              name,
				ObjectID:          "bridge_" + entity,
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_" + entity,
				StateTopic:        p.bridgeStateTopic(entity),
				AvailabilityTopic: avail,
				Device:            p.bridge,
				Icon:              icon,
				StateClass:        stateClass,
				EntityCategory:    "diagnostic",
			},
		}
	}
	return []sensorDef{
		sensor("uptime", "Uptime", "mdi:clock-outline", ""),
		sensor("version", "Version", "mdi:tag", ""),
		sensor("devices_known", "Devices Known", "mdi:bluetooth", "measurement"),
		sensor("devices_online", "Devices Online", "mdi:bluetooth-connect", "measurement"),
		sensor("last_poll", "Last Poll", "mdi:clock-check", ""),
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.cfg.DiscoveryPrefix == "" {
		return
	}
	p.publishSensorConfigs(ctx, cm, "wavemqtt_bridge", p.bridgeSensorDefinitions())
	for _, dev := range p.registeredDevices() {
		p.publishSensorConfigs(ctx, cm, "wavemqtt_"+dev.ID(), p.waveSensorDefinitions(dev))
	}
}

func (p *Publisher) publishSensorConfigs(ctx context.Context, cm *autopaho.ConnectionManager, nodeID string, defs []sensorDef) {
	for _, s := range defs {
		topic := p.discoveryTopic("sensor", nodeID, s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Commands ---

func (p *Publisher) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager, topic string) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Debug("mqtt command topic subscribed", "topic", topic)
}

func (p *Publisher) handleCommand(payload []byte) {
	if !p.limiter.allow() {
		return
	}

	cmd, err := parseCommand(payload)
	if err != nil {
		p.logger.Warn("mqtt command rejected", "error", err)
		return
	}

	p.mu.Lock()
	handler := p.handler
	p.mu.Unlock()
	if handler == nil {
		p.logger.Debug("mqtt command ignored, no handler installed", "command", cmd)
		return
	}

	p.logger.Info("mqtt command received", "command", cmd)
	handler(cmd)
}

// --- Periodic diagnostics loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Publish immediately on start.
	p.publishBridgeStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishBridgeStates(ctx)
		}
	}
}

func (p *Publisher) publishBridgeStates(ctx context.Context) {
	cm := p.conn()
	if cm == nil || p.stats == nil {
		return
	}

	states := map[string]string{
		"uptime":         p.stats.Uptime().Truncate(time.Second).String(),
		"version":        p.stats.Version(),
		"devices_known":  strconv.Itoa(p.stats.DevicesKnown()),
		"devices_online": strconv.Itoa(p.stats.DevicesOnline()),
	}
	lastPoll := p.stats.LastPollTime()
	if !lastPoll.IsZero() {
		states["last_poll"] = lastPoll.UTC().Format(time.RFC3339)
	} else {
		states["last_poll"] = "never"
	}

	for entity, value := range states {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   p.bridgeStateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	// One combined document for consumers that are not Home Assistant.
	doc, err := json.Marshal(map[string]string{
		"uptime":         states["uptime"],
		"version":        states["version"],
		"devices_known":  states["devices_known"],
		"devices_online": states["devices_online"],
		"last_poll":      states["last_poll"],
	})
	if err == nil {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateDocTopic(),
			Payload: doc,
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state doc publish failed", "error", err)
		}
	}

	p.logger.Debug("mqtt bridge states published", "entities", len(states))
}
