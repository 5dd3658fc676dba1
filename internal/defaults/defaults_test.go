package defaults

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/siku2/wavemqtt/internal/config"
)

// The embedded example is what init hands to new users; it must load
// and validate as-is.
func TestExampleConfigLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, ConfigYAML, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}

	if len(cfg.Waves) != 2 {
		t.Errorf("example has %d waves, want 2", len(cfg.Waves))
	}
	if !cfg.Discovery.Enabled {
		t.Error("example should enable discovery")
	}
	if !cfg.History.Enabled {
		t.Error("example should enable history")
	}
	if !cfg.Listen.Enabled {
		t.Error("example should enable the status server")
	}
	if cfg.MQTT.TopicPrefix != "wave" {
		t.Errorf("topic_prefix = %q, want wave", cfg.MQTT.TopicPrefix)
	}
	if cfg.MQTT.DiscoveryPrefix != "homeassistant" {
		t.Errorf("discovery_prefix = %q, want homeassistant", cfg.MQTT.DiscoveryPrefix)
	}
}
