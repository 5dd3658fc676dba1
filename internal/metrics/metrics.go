// Package metrics exposes the bridge's Prometheus collectors. Collectors
// are registered on the default registry and served by the api package
// under /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wavemqtt_poll_cycles_total",
		Help: "Completed poll cycles by outcome",
	}, []string{"outcome"}) // outcome=ok|partial|failed

	pollCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wavemqtt_poll_cycle_duration_seconds",
		Help:    "Wall time of one poll cycle across all devices",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
	})

	deviceReadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wavemqtt_device_reads_total",
		Help: "Sensor readouts by device and outcome",
	}, []string{"device", "outcome"}) // outcome=success|failure

	deviceReadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wavemqtt_device_read_duration_seconds",
		Help:    "Time to connect to one device and read all characteristics",
		Buckets: []float64{1, 2.5, 5, 10, 20, 40, 60, 120},
	})

	publishesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wavemqtt_mqtt_publishes_total",
		Help: "Total MQTT messages published",
	})

	publishErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wavemqtt_mqtt_publish_errors_total",
		Help: "Total MQTT publish failures",
	})

	mqttConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wavemqtt_mqtt_connected",
		Help: "Whether the broker connection is up (1) or down (0)",
	})

	devicesKnown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wavemqtt_devices_known",
		Help: "Devices the bridge polls (configured plus discovered)",
	})

	devicesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wavemqtt_devices_online",
		Help: "Devices whose last poll succeeded",
	})

	discoveryRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wavemqtt_discovery_runs_total",
		Help: "BLE discovery scans by outcome",
	}, []string{"outcome"}) // outcome=success|failure

	discoveryDevicesSeen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wavemqtt_discovery_devices_seen",
		Help: "Airthings devices seen in the last successful scan",
	})

	historySamples = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wavemqtt_history_samples",
		Help: "Rows in the sample archive after the last prune",
	})

	historyRowsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wavemqtt_history_rows_pruned_total",
		Help: "Archive rows removed by retention pruning",
	})

	configReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wavemqtt_config_reloads_total",
		Help: "Config file reloads by outcome",
	}, []string{"outcome"}) // outcome=applied|invalid

	dependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wavemqtt_dependency_up",
		Help: "Whether a watched dependency is reachable (1) or not (0)",
	}, []string{"service"}) // service=mqtt|bluetooth
)

func RecordPollCycle(outcome string, seconds float64) {
	pollCyclesTotal.WithLabelValues(outcome).Inc()
	pollCycleDuration.Observe(seconds)
}

func RecordDeviceRead(device, outcome string, seconds float64) {
	deviceReadsTotal.WithLabelValues(device, outcome).Inc()
	deviceReadDuration.Observe(seconds)
}

func IncPublish()      { publishesTotal.Inc() }
func IncPublishError() { publishErrorsTotal.Inc() }

func SetMQTTConnected(up bool) {
	if up {
		mqttConnected.Set(1)
	} else {
		mqttConnected.Set(0)
	}
}

func SetDevices(known, online int) {
	devicesKnown.Set(float64(known))
	devicesOnline.Set(float64(online))
}

func RecordDiscovery(outcome string, seen int) {
	discoveryRunsTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		discoveryDevicesSeen.Set(float64(seen))
	}
}

func SetHistorySamples(n int64) { historySamples.Set(float64(n)) }
func AddPrunedRows(n int64)     { historyRowsPruned.Add(float64(n)) }

func IncConfigReload(outcome string) { configReloadsTotal.WithLabelValues(outcome).Inc() }

func SetDependencyUp(service string, up bool) {
	if up {
		dependencyUp.WithLabelValues(service).Set(1)
	} else {
		dependencyUp.WithLabelValues(service).Set(0)
	}
}
