// Package models provides domain types shared across the NeoTalk platform.
package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MetricValueKind identifies the payload carried by a MetricValue.
type MetricValueKind string

const (
	MetricKindFloat   MetricValueKind = "float"
	MetricKindInteger MetricValueKind = "int"
	MetricKindBoolean MetricValueKind = "bool"
	MetricKindString  MetricValueKind = "string"
	MetricKindJSON    MetricValueKind = "json"
	MetricKindBinary  MetricValueKind = "binary"
)

// MetricValue is the tagged value type flowing through the platform.
// Exactly one payload field is meaningful for a given Kind.
type MetricValue struct {
	Kind MetricValueKind

	Float  float64
	Int    int64
	Bool   bool
	Str    string
	JSON   json.RawMessage
	Binary []byte
}

// FloatValue creates a float metric value.
func FloatValue(v float64) MetricValue { return MetricValue{Kind: MetricKindFloat, Float: v} }

// IntValue creates an integer metric value.
func IntValue(v int64) MetricValue { return MetricValue{Kind: MetricKindInteger, Int: v} }

// BoolValue creates a boolean metric value.
func BoolValue(v bool) MetricValue { return MetricValue{Kind: MetricKindBoolean, Bool: v} }

// StringValue creates a string metric value.
func StringValue(v string) MetricValue { return MetricValue{Kind: MetricKindString, Str: v} }

// JSONValue creates a structured metric value from raw JSON.
func JSONValue(raw json.RawMessage) MetricValue { return MetricValue{Kind: MetricKindJSON, JSON: raw} }

// BinaryValue creates a binary metric value.
func BinaryValue(b []byte) MetricValue { return MetricValue{Kind: MetricKindBinary, Binary: b} }

// FromJSONScalar maps a decoded JSON value onto a MetricValue: numbers become
// float or int, booleans and strings map directly, everything else is
// carried as a JSON payload.
func FromJSONScalar(v any) MetricValue {
	switch t := v.(type) {
	case bool:
		return BoolValue(t)
	case string:
		return StringValue(t)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return IntValue(int64(t))
		}
		return FloatValue(t)
	case int:
		return IntValue(int64(t))
	case int64:
		return IntValue(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return IntValue(i)
		}
		f, _ := t.Float64()
		return FloatValue(f)
	case nil:
		return JSONValue(json.RawMessage("null"))
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return StringValue(fmt.Sprintf("%v", t))
		}
		return JSONValue(raw)
	}
}

// AsFloat returns the numeric view of the value. Booleans read as 0/1 and
// numeric strings are parsed; non-numeric values report ok=false.
func (m MetricValue) AsFloat() (float64, bool) {
	switch m.Kind {
	case MetricKindFloat:
		return m.Float, true
	case MetricKindInteger:
		return float64(m.Int), true
	case MetricKindBoolean:
		if m.Bool {
			return 1, true
		}
		return 0, true
	case MetricKindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(m.Str), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Equal reports whether two metric values are the same kind and payload.
func (m MetricValue) Equal(other MetricValue) bool {
	if m.Kind != other.Kind {
		return false
	}
	switch m.Kind {
	case MetricKindFloat:
		return m.Float == other.Float
	case MetricKindInteger:
		return m.Int == other.Int
	case MetricKindBoolean:
		return m.Bool == other.Bool
	case MetricKindString:
		return m.Str == other.Str
	case MetricKindJSON:
		return string(m.JSON) == string(other.JSON)
	case MetricKindBinary:
		return string(m.Binary) == string(other.Binary)
	}
	return false
}

// String renders the value for logs and alert bodies.
func (m MetricValue) String() string {
	switch m.Kind {
	case MetricKindFloat:
		return strconv.FormatFloat(m.Float, 'g', -1, 64)
	case MetricKindInteger:
		return strconv.FormatInt(m.Int, 10)
	case MetricKindBoolean:
		return strconv.FormatBool(m.Bool)
	case MetricKindString:
		return m.Str
	case MetricKindJSON:
		return string(m.JSON)
	case MetricKindBinary:
		return fmt.Sprintf("binary(%d bytes)", len(m.Binary))
	}
	return ""
}

type metricValueWire struct {
	Kind  MetricValueKind `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"kind": ..., "value": ...}. Numeric
// payloads are written as JSON numbers so they round-trip without loss for
// anything representable in an IEEE-754 double.
func (m MetricValue) MarshalJSON() ([]byte, error) {
	var payload any
	switch m.Kind {
	case MetricKindFloat:
		payload = m.Float
	case MetricKindInteger:
		payload = m.Int
	case MetricKindBoolean:
		payload = m.Bool
	case MetricKindString:
		payload = m.Str
	case MetricKindJSON:
		raw := m.JSON
		if len(raw) == 0 {
			raw = json.RawMessage("null")
		}
		return json.Marshal(metricValueWire{Kind: m.Kind, Value: raw})
	case MetricKindBinary:
		payload = base64.StdEncoding.EncodeToString(m.Binary)
	default:
		return nil, fmt.Errorf("metric value: unknown kind %q", m.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(metricValueWire{Kind: m.Kind, Value: raw})
}

// UnmarshalJSON decodes the wire form written by MarshalJSON.
func (m *MetricValue) UnmarshalJSON(data []byte) error {
	var wire metricValueWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.Kind = wire.Kind
	switch wire.Kind {
	case MetricKindFloat:
		return json.Unmarshal(wire.Value, &m.Float)
	case MetricKindInteger:
		return json.Unmarshal(wire.Value, &m.Int)
	case MetricKindBoolean:
		return json.Unmarshal(wire.Value, &m.Bool)
	case MetricKindString:
		return json.Unmarshal(wire.Value, &m.Str)
	case MetricKindJSON:
		m.JSON = append(json.RawMessage(nil), wire.Value...)
		return nil
	case MetricKindBinary:
		var enc string
		if err := json.Unmarshal(wire.Value, &enc); err != nil {
			return err
		}
		b, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return fmt.Errorf("metric value: invalid binary payload: %w", err)
		}
		m.Binary = b
		return nil
	default:
		return fmt.Errorf("metric value: unknown kind %q", wire.Kind)
	}
}

// DataSourceKind classifies where a metric stream originates.
type DataSourceKind string

const (
	SourceDevice    DataSourceKind = "device"
	SourceExtension DataSourceKind = "extension"
	SourceVirtual   DataSourceKind = "virtual"
)

// DataSourceID identifies one metric stream.
type DataSourceID struct {
	Kind   DataSourceKind `json:"kind"`
	Device string         `json:"device"`
	Metric string         `json:"metric"`
}

// DeviceSource builds a device-kind source id.
func DeviceSource(device, metric string) DataSourceID {
	return DataSourceID{Kind: SourceDevice, Device: device, Metric: metric}
}

// VirtualSource builds a virtual-kind source id for transform outputs.
func VirtualSource(device, metric string) DataSourceID {
	return DataSourceID{Kind: SourceVirtual, Device: device, Metric: metric}
}

// StorageKey returns the canonical index key for this source. Equal ids
// always produce byte-identical keys.
func (d DataSourceID) StorageKey() string {
	return string(d.Kind) + ":" + d.Device + ":" + d.Metric
}

// DataPoint is one sample in a metric stream. Timestamp is seconds since
// the Unix epoch; Quality, when present, is in [0, 1].
type DataPoint struct {
	Timestamp int64           `json:"timestamp"`
	Value     MetricValue     `json:"value"`
	Quality   *float32        `json:"quality,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}
