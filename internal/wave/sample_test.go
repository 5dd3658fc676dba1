package wave

import (
	"testing"
	"time"
)

func TestSampleFields_CanonicalOrder(t *testing.T) {
	s := Sample{Values: map[string]float64{
		MetricVOC:         149,
		MetricTemperature: 21.34,
		MetricRadonShort:  152,
		MetricHumidity:    38.5,
	}}

	fields := s.Fields()
	wantOrder := []string{MetricTemperature, MetricHumidity, MetricRadonShort, MetricVOC}
	if len(fields) != len(wantOrder) {
		t.Fatalf("got %d fields, want %d", len(fields), len(wantOrder))
	}
	for i, want := range wantOrder {
		if fields[i].Metric != want {
			t.Errorf("fields[%d] = %q, want %q", i, fields[i].Metric, want)
		}
	}
	if fields[0].Value != 21.34 {
		t.Errorf("temperature value = %v, want 21.34", fields[0].Value)
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{21.34, "21.34"},
		{152, "152"},
		{0.5, "0.5"},
		{-5.12, "-5.12"},
		{993.5, "993.5"},
		{0, "0"},
	}
	for _, tt := range tests {
		if got := FormatValue(tt.in); got != tt.want {
			t.Errorf("FormatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSampleJSON(t *testing.T) {
	dev := Device{Name: "basement", Addr: "58:2d:34:11:22:33", Serial: 2900123456, Model: ModelWave}
	s := Sample{
		Time:   time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC),
		Values: map[string]float64{MetricTemperature: 21.34, MetricRadonShort: 152},
	}

	obj := s.JSON(dev)
	if obj["name"] != "basement" {
		t.Errorf("name = %v", obj["name"])
	}
	if obj["serial"] != "2900123456" {
		t.Errorf("serial = %v", obj["serial"])
	}
	if obj["model"] != "wave" {
		t.Errorf("model = %v", obj["model"])
	}
	if obj["time"] != "2024-06-01T12:30:00Z" {
		t.Errorf("time = %v", obj["time"])
	}
	if obj[MetricTemperature] != 21.34 {
		t.Errorf("temperature = %v", obj[MetricTemperature])
	}
	if obj[MetricRadonShort] != 152.0 {
		t.Errorf("radon_short = %v", obj[MetricRadonShort])
	}
}

func TestMetricInfo(t *testing.T) {
	temp := Info(MetricTemperature)
	if temp.Unit != "°C" || temp.DeviceClass != "temperature" {
		t.Errorf("temperature info = %+v", temp)
	}

	radon := Info(MetricRadonShort)
	if radon.Unit != "Bq/m³" {
		t.Errorf("radon unit = %q", radon.Unit)
	}
	if radon.Icon == "" {
		t.Error("radon should carry an icon since it has no device class")
	}

	if unknown := Info("nope"); unknown != (MetricInfo{}) {
		t.Errorf("unknown metric info = %+v, want zero", unknown)
	}
}
