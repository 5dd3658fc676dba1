// Package config handles wavemqtt configuration loading.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that, when set, is searched
// for a config file right after the explicit -c/--config flag.
const EnvConfigPath = "WAVEMQTT_CONFIG"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from the --config flag) is checked first, then
// $WAVEMQTT_CONFIG. Then: ./config.yaml, ~/.config/wavemqtt/config.yaml,
// /etc/wavemqtt/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "wavemqtt", "config.yaml"))
	}

	paths = append(paths, "/etc/wavemqtt/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise $WAVEMQTT_CONFIG is honored if set, then DefaultSearchPaths is
// searched and the first existing file wins.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	if env := os.Getenv(EnvConfigPath); env != "" {
		if _, err := os.Stat(env); err != nil {
			return "", fmt.Errorf("config file not found: %s (from $%s)", env, EnvConfigPath)
		}
		return env, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all wavemqtt configuration.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Waves     []WaveConfig    `yaml:"waves"`
	Poll      PollConfig      `yaml:"poll"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	History   HistoryConfig   `yaml:"history"`
	Listen    ListenConfig    `yaml:"listen"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
}

// MQTTConfig defines the broker connection and topic layout.
type MQTTConfig struct {
	// Broker is the broker URL (mqtt://host:1883, mqtts://host:8883).
	// A bare hostname is accepted for compatibility with the classic
	// airthingswave config schema; Port is applied in that case.
	Broker string `yaml:"broker"`
	// Port is only used when Broker carries no scheme. Default 1883.
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TopicPrefix roots every topic the bridge publishes. Default "wave".
	TopicPrefix string `yaml:"topic_prefix"`
	// DiscoveryPrefix is the Home Assistant discovery root. Empty disables
	// discovery publishing entirely.
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// PublishIntervalSec is the cadence of bridge diagnostic publishes.
	PublishIntervalSec int `yaml:"publish_interval_sec"`
}

// WaveConfig declares one statically configured sensor.
type WaveConfig struct {
	// Name labels the device in topics and logs. Must not contain MQTT
	// topic separators or wildcards.
	Name string `yaml:"name"`
	// Addr is the Bluetooth hardware address, colon-separated.
	Addr string `yaml:"addr"`
	// Version is the classic airthingswave model selector:
	// "1" for Wave, "2" for Wave Plus. Prefer Model for new configs.
	Version string `yaml:"version"`
	// Model names the device model directly: wave, wave2, waveplus.
	Model string `yaml:"model"`
}

// PollConfig tunes the read cycle.
type PollConfig struct {
	IntervalMinutes  int `yaml:"interval_minutes"`
	DeviceTimeoutSec int `yaml:"device_timeout_sec"`
	// CycleTimeoutSec bounds a whole poll cycle. Default 600, the budget
	// the classic cron wrapper enforced on each run.
	CycleTimeoutSec int `yaml:"cycle_timeout_sec"`
	ConnectRetries  int `yaml:"connect_retries"`
	RetryDelaySec   int `yaml:"retry_delay_sec"`
}

// DiscoveryConfig tunes periodic BLE rediscovery.
type DiscoveryConfig struct {
	Enabled       bool `yaml:"enabled"`
	IntervalHours int  `yaml:"interval_hours"`
}

// HistoryConfig tunes the local sample archive.
type HistoryConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"`
}

// ListenConfig defines the optional HTTP status server.
type ListenConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 8080
}

// Load reads configuration from a YAML file, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with every default applied and no
// devices. It does not validate (an empty broker is not usable).
func Default() *Config {
	cfg := &Config{
		Discovery: DiscoveryConfig{Enabled: true},
		History:   HistoryConfig{Enabled: true},
		Listen:    ListenConfig{Enabled: true},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "wavemqtt"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "wave"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.Poll.IntervalMinutes == 0 {
		c.Poll.IntervalMinutes = 30
	}
	if c.Poll.DeviceTimeoutSec == 0 {
		c.Poll.DeviceTimeoutSec = 60
	}
	if c.Poll.CycleTimeoutSec == 0 {
		c.Poll.CycleTimeoutSec = 600
	}
	if c.Poll.ConnectRetries == 0 {
		c.Poll.ConnectRetries = 3
	}
	if c.Poll.RetryDelaySec == 0 {
		c.Poll.RetryDelaySec = 1
	}
	if c.Discovery.IntervalHours == 0 {
		c.Discovery.IntervalHours = 24
	}
	if c.History.RetentionDays == 0 {
		c.History.RetentionDays = 90
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks the configuration for errors that would prevent the
// bridge from running.
func (c *Config) Validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if _, err := c.MQTT.BrokerURL(); err != nil {
		return err
	}

	if len(c.Waves) == 0 && !c.Discovery.Enabled {
		return fmt.Errorf("no devices: configure waves or enable discovery")
	}

	names := make(map[string]bool, len(c.Waves))
	addrs := make(map[string]bool, len(c.Waves))
	for i, w := range c.Waves {
		if w.Name == "" {
			return fmt.Errorf("waves[%d]: name is required", i)
		}
		if strings.ContainsAny(w.Name, "/+#") {
			return fmt.Errorf("waves[%d]: name %q contains MQTT topic characters", i, w.Name)
		}
		if w.Name == "bridge" {
			return fmt.Errorf("waves[%d]: name %q is reserved for bridge topics", i, w.Name)
		}
		if names[w.Name] {
			return fmt.Errorf("waves[%d]: duplicate name %q", i, w.Name)
		}
		names[w.Name] = true

		if w.Addr == "" {
			return fmt.Errorf("waves[%d] (%s): addr is required", i, w.Name)
		}
		hw, err := net.ParseMAC(w.Addr)
		if err != nil {
			return fmt.Errorf("waves[%d] (%s): bad addr %q: %w", i, w.Name, w.Addr, err)
		}
		key := strings.ToLower(hw.String())
		if addrs[key] {
			return fmt.Errorf("waves[%d] (%s): duplicate addr %q", i, w.Name, w.Addr)
		}
		addrs[key] = true

		switch w.Version {
		case "", "1", "2":
		default:
			return fmt.Errorf("waves[%d] (%s): version must be \"1\" or \"2\", got %q", i, w.Name, w.Version)
		}
		switch w.Model {
		case "", "wave", "wave2", "waveplus", "mini":
		default:
			return fmt.Errorf("waves[%d] (%s): unknown model %q", i, w.Name, w.Model)
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		return err
	}
	return nil
}

// BrokerURL resolves the broker setting to a URL. A scheme-less broker
// (the classic config style: broker + port as separate keys) is turned
// into mqtt://host:port.
func (c MQTTConfig) BrokerURL() (*url.URL, error) {
	broker := c.Broker
	if !strings.Contains(broker, "://") {
		broker = fmt.Sprintf("mqtt://%s", net.JoinHostPort(broker, fmt.Sprint(c.Port)))
	}
	u, err := url.Parse(broker)
	if err != nil {
		return nil, fmt.Errorf("mqtt.broker %q: %w", c.Broker, err)
	}
	switch u.Scheme {
	case "mqtt", "tcp", "mqtts", "ssl", "tls":
	default:
		return nil, fmt.Errorf("mqtt.broker %q: unsupported scheme %q", c.Broker, u.Scheme)
	}
	if u.Port() == "" {
		port := "1883"
		switch u.Scheme {
		case "mqtts", "ssl", "tls":
			port = "8883"
		}
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}
	return u, nil
}

// PollInterval returns the poll cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalMinutes) * time.Minute
}

// DeviceTimeout bounds a single device read, connect retries included.
func (c *Config) DeviceTimeout() time.Duration {
	return time.Duration(c.Poll.DeviceTimeoutSec) * time.Second
}

// CycleTimeout bounds one whole poll cycle across all devices.
func (c *Config) CycleTimeout() time.Duration {
	return time.Duration(c.Poll.CycleTimeoutSec) * time.Second
}

// RetryDelay is the pause between BLE connect attempts.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Poll.RetryDelaySec) * time.Second
}

// DiscoveryInterval returns the rediscovery cadence.
func (c *Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.Discovery.IntervalHours) * time.Hour
}

// PublishInterval returns the bridge diagnostics cadence.
func (c *Config) PublishInterval() time.Duration {
	return time.Duration(c.MQTT.PublishIntervalSec) * time.Second
}

// Retention returns the history retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.History.RetentionDays) * 24 * time.Hour
}

// HistoryPath returns the sample database location under the data dir.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "history.db")
}
