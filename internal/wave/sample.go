package wave

import (
	"strconv"
	"time"
)

// Metric names. These are the topic leaf segments and the keys in
// sample JSON, unchanged from the classic airthingswave topic layout.
const (
	MetricTemperature = "temperature"
	MetricHumidity    = "humidity"
	MetricRadonShort  = "radon_short"
	MetricRadonLong   = "radon_long"
	MetricLight       = "light"
	MetricPressure    = "pressure"
	MetricCO2         = "co2"
	MetricVOC         = "voc"
)

// metricOrder fixes the iteration order for publishing and rendering.
var metricOrder = []string{
	MetricTemperature,
	MetricHumidity,
	MetricRadonShort,
	MetricRadonLong,
	MetricLight,
	MetricPressure,
	MetricCO2,
	MetricVOC,
}

// MetricInfo describes how a metric is presented, mainly for Home
// Assistant discovery.
type MetricInfo struct {
	// DisplayName is the human-readable entity name.
	DisplayName string
	// Unit is the unit of measurement, empty for dimensionless values.
	Unit string
	// DeviceClass is the Home Assistant device class, empty when none
	// applies.
	DeviceClass string
	// StateClass is the Home Assistant state class.
	StateClass string
	// Icon overrides the default icon (mdi: name), empty for the device
	// class default.
	Icon string
}

var metricInfo = map[string]MetricInfo{
	MetricTemperature: {DisplayName: "Temperature", Unit: "°C", DeviceClass: "temperature", StateClass: "measurement"},
	MetricHumidity:    {DisplayName: "Humidity", Unit: "%", DeviceClass: "humidity", StateClass: "measurement"},
	MetricRadonShort:  {DisplayName: "Radon (24h avg)", Unit: "Bq/m³", StateClass: "measurement", Icon: "mdi:radioactive"},
	MetricRadonLong:   {DisplayName: "Radon (long term)", Unit: "Bq/m³", StateClass: "measurement", Icon: "mdi:radioactive"},
	MetricLight:       {DisplayName: "Light", StateClass: "measurement", Icon: "mdi:brightness-5"},
	MetricPressure:    {DisplayName: "Pressure", Unit: "hPa", DeviceClass: "pressure", StateClass: "measurement"},
	MetricCO2:         {DisplayName: "CO2", Unit: "ppm", DeviceClass: "carbon_dioxide", StateClass: "measurement"},
	MetricVOC:         {DisplayName: "VOC", Unit: "ppb", StateClass: "measurement", Icon: "mdi:air-filter"},
}

// Info returns presentation metadata for a metric name. Unknown metrics
// get a zero MetricInfo.
func Info(metric string) MetricInfo {
	return metricInfo[metric]
}

// Sample is one successful readout of a device.
type Sample struct {
	// Time is when the readout completed.
	Time time.Time
	// Values maps metric names to their scaled readings.
	Values map[string]float64
}

// Field pairs a metric name with its value for ordered iteration.
type Field struct {
	Metric string
	Value  float64
}

// Fields returns the sample's metrics in canonical order.
func (s Sample) Fields() []Field {
	fields := make([]Field, 0, len(s.Values))
	for _, m := range metricOrder {
		if v, ok := s.Values[m]; ok {
			fields = append(fields, Field{Metric: m, Value: v})
		}
	}
	return fields
}

// JSON returns the object published to the sample topic and archived in
// history: metric values plus device identity and the read timestamp.
func (s Sample) JSON(dev Device) map[string]any {
	obj := make(map[string]any, len(s.Values)+4)
	for m, v := range s.Values {
		obj[m] = v
	}
	obj["name"] = dev.Name
	obj["serial"] = dev.SerialString()
	obj["model"] = string(dev.Model)
	obj["time"] = s.Time.UTC().Format(time.RFC3339)
	return obj
}

// FormatValue renders a reading for its state topic: plain decimal
// notation, no exponent, no trailing zeros ("21.34", "152").
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
