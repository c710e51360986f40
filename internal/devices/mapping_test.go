package devices

import (
	"errors"
	"testing"

	"github.com/neotalk/neotalk/pkg/models"
)

func testTable() *MappingTable {
	t := NewMappingTable("mqtt", "dht22_01")
	t.Metrics["temperature"] = MetricMapping{
		AddressTemplate: "sensor/${device_id}/temperature",
		DataType:        models.DataTypeFloat,
	}
	t.Metrics["report"] = MetricMapping{
		AddressTemplate: "tele/${device_id}/SENSOR",
		DataType:        models.DataTypeFloat,
		ValuePath:       "SENSOR.Temperature",
	}
	t.Commands["turn_on"] = CommandMapping{
		AddressTemplate: "cmnd/${device_id}/POWER",
		PayloadTemplate: "ON",
	}
	t.Commands["set_target"] = CommandMapping{
		AddressTemplate: "cmnd/${device_id}/TARGET",
		PayloadTemplate: `{"target": ${target}}`,
	}
	return t
}

func TestMetricAddressTemplate(t *testing.T) {
	table := testTable()
	addr, err := table.MetricAddress("temperature")
	if err != nil {
		t.Fatalf("metric address: %v", err)
	}
	if addr.Topic != "sensor/dht22_01/temperature" {
		t.Errorf("unexpected topic %q", addr.Topic)
	}
	if addr.Transport != "mqtt" {
		t.Errorf("unexpected transport %q", addr.Transport)
	}
}

func TestUnknownCapabilityAndCommand(t *testing.T) {
	table := testTable()
	if _, err := table.MetricAddress("ghost"); !errors.Is(err, ErrCapabilityNotFound) {
		t.Errorf("expected ErrCapabilityNotFound, got %v", err)
	}
	if _, err := table.CommandAddress("ghost"); !errors.Is(err, ErrCommandNotFound) {
		t.Errorf("expected ErrCommandNotFound, got %v", err)
	}
}

func TestUnresolvedTemplateVariable(t *testing.T) {
	table := testTable()
	table.Metrics["broken"] = MetricMapping{AddressTemplate: "x/${missing_var}/y"}
	if _, err := table.MetricAddress("broken"); !errors.Is(err, ErrTemplate) {
		t.Errorf("expected ErrTemplate, got %v", err)
	}
}

func TestParseMetricScalar(t *testing.T) {
	table := testTable()
	v, err := table.ParseMetric("temperature", []byte("21.5"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v.Kind != models.MetricKindFloat || v.Float != 21.5 {
		t.Errorf("unexpected value %+v", v)
	}

	if _, err := table.ParseMetric("temperature", []byte("banana")); !errors.Is(err, ErrParse) {
		t.Errorf("expected ErrParse for garbage payload, got %v", err)
	}
}

func TestParseMetricValuePath(t *testing.T) {
	table := testTable()
	payload := []byte(`{"SENSOR": {"Temperature": 23.25, "Humidity": 60}}`)
	v, err := table.ParseMetric("report", payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v.Float != 23.25 {
		t.Errorf("expected 23.25, got %v", v.Float)
	}

	if _, err := table.ParseMetric("report", []byte(`{"OTHER": 1}`)); !errors.Is(err, ErrParse) {
		t.Errorf("expected ErrParse for missing path, got %v", err)
	}
}

func TestSerializeCommand(t *testing.T) {
	table := testTable()

	payload, err := table.SerializeCommand("turn_on", nil)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if string(payload) != "ON" {
		t.Errorf("expected ON, got %q", payload)
	}

	payload, err = table.SerializeCommand("set_target", map[string]string{"target": "22"})
	if err != nil {
		t.Fatalf("serialize with params: %v", err)
	}
	if string(payload) != `{"target": 22}` {
		t.Errorf("unexpected payload %q", payload)
	}

	if _, err := table.SerializeCommand("set_target", nil); err == nil {
		t.Error("missing template variable should fail serialization")
	}
}
