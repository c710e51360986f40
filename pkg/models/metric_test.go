package models

import (
	"encoding/json"
	"testing"
)

func TestMetricValueJSONRoundTrip(t *testing.T) {
	values := []MetricValue{
		FloatValue(21.5),
		FloatValue(-0.000123),
		IntValue(42),
		IntValue(-9007199254740991),
		BoolValue(true),
		StringValue("hello"),
		JSONValue(json.RawMessage(`{"a":[1,2,3]}`)),
		BinaryValue([]byte{0x01, 0x02, 0xff}),
	}

	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %v: %v", v, err)
		}
		var back MetricValue
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if !v.Equal(back) {
			t.Errorf("round trip changed value: %v -> %v", v, back)
		}
	}
}

func TestMetricValueAsFloat(t *testing.T) {
	cases := []struct {
		value MetricValue
		want  float64
		ok    bool
	}{
		{FloatValue(3.5), 3.5, true},
		{IntValue(7), 7, true},
		{BoolValue(true), 1, true},
		{BoolValue(false), 0, true},
		{StringValue("12.25"), 12.25, true},
		{StringValue("not a number"), 0, false},
		{JSONValue(json.RawMessage(`{}`)), 0, false},
	}

	for _, c := range cases {
		got, ok := c.value.AsFloat()
		if ok != c.ok {
			t.Errorf("%v: expected ok=%v, got %v", c.value, c.ok, ok)
			continue
		}
		if ok && got != c.want {
			t.Errorf("%v: expected %v, got %v", c.value, c.want, got)
		}
	}
}

func TestFromJSONScalar(t *testing.T) {
	if v := FromJSONScalar(25.0); v.Kind != MetricKindInteger || v.Int != 25 {
		t.Errorf("whole float should become int, got %v", v)
	}
	if v := FromJSONScalar(25.5); v.Kind != MetricKindFloat || v.Float != 25.5 {
		t.Errorf("fractional float should stay float, got %v", v)
	}
	if v := FromJSONScalar("on"); v.Kind != MetricKindString {
		t.Errorf("string should stay string, got %v", v)
	}
	if v := FromJSONScalar(map[string]any{"x": 1}); v.Kind != MetricKindJSON {
		t.Errorf("object should become json, got %v", v)
	}
}

func TestStorageKeyCanonical(t *testing.T) {
	a := DeviceSource("dht22_001", "temperature")
	b := DataSourceID{Kind: SourceDevice, Device: "dht22_001", Metric: "temperature"}

	if a.StorageKey() != b.StorageKey() {
		t.Errorf("equal ids must give identical keys: %q vs %q", a.StorageKey(), b.StorageKey())
	}
	if a.StorageKey() == VirtualSource("dht22_001", "temperature").StorageKey() {
		t.Error("different kinds must give different keys")
	}
}

func TestSeverityOrdering(t *testing.T) {
	ordered := []Severity{SeverityInfo, SeverityWarning, SeverityCritical, SeverityEmergency}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Rank() <= ordered[i-1].Rank() {
			t.Errorf("%s should rank above %s", ordered[i], ordered[i-1])
		}
	}
	if !SeverityCritical.AtLeast(SeverityWarning) {
		t.Error("critical should be at least warning")
	}
	if SeverityInfo.AtLeast(SeverityEmergency) {
		t.Error("info should not be at least emergency")
	}
}
