package devices

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/neotalk/neotalk/pkg/models"
)

var (
	// ErrCapabilityNotFound is returned when no metric mapping exists.
	ErrCapabilityNotFound = errors.New("capability not found")

	// ErrCommandNotFound is returned when no command mapping exists.
	ErrCommandNotFound = errors.New("command not found")

	// ErrParse marks a per-message payload decode failure. It never faults
	// the device itself.
	ErrParse = errors.New("parse error")

	// ErrSerialization marks a command payload build failure.
	ErrSerialization = errors.New("serialization error")

	// ErrTemplate marks an unresolved placeholder in an address template.
	ErrTemplate = errors.New("template error")
)

// Address is a protocol-specific location for a metric or command.
type Address struct {
	Transport string `json:"transport"`
	Topic     string `json:"topic"`
}

// MQTTAddress builds an MQTT address.
func MQTTAddress(topic string) Address { return Address{Transport: "mqtt", Topic: topic} }

// ProtocolMapping resolves capabilities to transport addresses and codecs.
// One implementation exists per transport.
type ProtocolMapping interface {
	// MetricAddress resolves a capability to the address used for
	// subscription or read.
	MetricAddress(capability string) (Address, error)

	// CommandAddress resolves a command to its delivery address.
	CommandAddress(command string) (Address, error)

	// ParseMetric decodes an on-wire payload into a metric value.
	ParseMetric(capability string, raw []byte) (models.MetricValue, error)

	// SerializeCommand builds the payload to send for a command.
	SerializeCommand(command string, params map[string]string) ([]byte, error)
}

// MetricMapping binds one capability to an address template and value path.
type MetricMapping struct {
	AddressTemplate string                `json:"address_template"`
	DataType        models.MetricDataType `json:"data_type"`

	// ValuePath optionally selects a field from a JSON payload,
	// dot-separated (e.g. "SENSOR.Temperature").
	ValuePath string `json:"value_path,omitempty"`
}

// CommandMapping binds one command to an address and payload template.
// ResponseTemplate, when set, names the address on which the device
// acknowledges the command.
type CommandMapping struct {
	AddressTemplate  string `json:"address_template"`
	PayloadTemplate  string `json:"payload_template,omitempty"`
	ResponseTemplate string `json:"response_template,omitempty"`
}

// ResponseAddress resolves the acknowledgement address for a command, or
// ok=false when the command has none.
func (t *MappingTable) ResponseAddress(command string) (Address, bool, error) {
	c, ok := t.Commands[command]
	if !ok {
		return Address{}, false, fmt.Errorf("%w: %s", ErrCommandNotFound, command)
	}
	if c.ResponseTemplate == "" {
		return Address{}, false, nil
	}
	topic, err := t.render(c.ResponseTemplate)
	if err != nil {
		return Address{}, false, err
	}
	return Address{Transport: t.Transport, Topic: topic}, true, nil
}

// MappingTable is the template-driven ProtocolMapping used by the MQTT and
// HASS adapters. Address and payload templates support ${device_id} plus
// caller-supplied variables.
type MappingTable struct {
	Transport string
	DeviceID  string
	Variables map[string]string
	Metrics   map[string]MetricMapping
	Commands  map[string]CommandMapping
}

// NewMappingTable builds a mapping table for one device.
func NewMappingTable(transport, deviceID string) *MappingTable {
	return &MappingTable{
		Transport: transport,
		DeviceID:  deviceID,
		Variables: make(map[string]string),
		Metrics:   make(map[string]MetricMapping),
		Commands:  make(map[string]CommandMapping),
	}
}

// FromTypeDefinition derives a mapping table from a device-type definition.
func FromTypeDefinition(transport, deviceID string, def *models.DeviceTypeDefinition) *MappingTable {
	t := NewMappingTable(transport, deviceID)
	for _, m := range def.Metrics {
		t.Metrics[m.Name] = MetricMapping{
			AddressTemplate: m.Address,
			DataType:        m.DataType,
			ValuePath:       m.ValuePath,
		}
	}
	for _, c := range def.Commands {
		t.Commands[c.Name] = CommandMapping{
			AddressTemplate: c.Address,
			PayloadTemplate: c.PayloadTemplate,
		}
	}
	return t
}

// MetricAddress implements ProtocolMapping.
func (t *MappingTable) MetricAddress(capability string) (Address, error) {
	m, ok := t.Metrics[capability]
	if !ok {
		return Address{}, fmt.Errorf("%w: %s", ErrCapabilityNotFound, capability)
	}
	topic, err := t.render(m.AddressTemplate)
	if err != nil {
		return Address{}, err
	}
	return Address{Transport: t.Transport, Topic: topic}, nil
}

// CommandAddress implements ProtocolMapping.
func (t *MappingTable) CommandAddress(command string) (Address, error) {
	c, ok := t.Commands[command]
	if !ok {
		return Address{}, fmt.Errorf("%w: %s", ErrCommandNotFound, command)
	}
	topic, err := t.render(c.AddressTemplate)
	if err != nil {
		return Address{}, err
	}
	return Address{Transport: t.Transport, Topic: topic}, nil
}

// ParseMetric implements ProtocolMapping. Raw payloads are decoded per the
// capability's declared data type; JSON payloads may be narrowed through
// the mapping's value path first.
func (t *MappingTable) ParseMetric(capability string, raw []byte) (models.MetricValue, error) {
	m, ok := t.Metrics[capability]
	if !ok {
		return models.MetricValue{}, fmt.Errorf("%w: %s", ErrCapabilityNotFound, capability)
	}

	text := strings.TrimSpace(string(raw))
	if m.ValuePath != "" {
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return models.MetricValue{}, fmt.Errorf("%w: %s: payload is not JSON: %v", ErrParse, capability, err)
		}
		val, err := lookupPath(doc, m.ValuePath)
		if err != nil {
			return models.MetricValue{}, fmt.Errorf("%w: %s: %v", ErrParse, capability, err)
		}
		return coerceValue(val, m.DataType)
	}

	switch m.DataType {
	case models.DataTypeFloat:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return models.MetricValue{}, fmt.Errorf("%w: %s: %q is not a float", ErrParse, capability, text)
		}
		return models.FloatValue(f), nil
	case models.DataTypeInteger:
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return models.MetricValue{}, fmt.Errorf("%w: %s: %q is not an integer", ErrParse, capability, text)
		}
		return models.IntValue(i), nil
	case models.DataTypeBoolean:
		return parseBoolPayload(capability, text)
	case models.DataTypeJSON:
		if !json.Valid(raw) {
			return models.MetricValue{}, fmt.Errorf("%w: %s: invalid JSON payload", ErrParse, capability)
		}
		return models.JSONValue(json.RawMessage(append([]byte(nil), raw...))), nil
	case models.DataTypeBinary:
		return models.BinaryValue(append([]byte(nil), raw...)), nil
	default:
		return models.StringValue(text), nil
	}
}

// SerializeCommand implements ProtocolMapping.
func (t *MappingTable) SerializeCommand(command string, params map[string]string) ([]byte, error) {
	c, ok := t.Commands[command]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, command)
	}
	if c.PayloadTemplate == "" {
		if len(params) == 0 {
			return nil, nil
		}
		payload, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSerialization, command, err)
		}
		return payload, nil
	}
	rendered, err := t.renderWith(c.PayloadTemplate, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSerialization, command, err)
	}
	return []byte(rendered), nil
}

var placeholderPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_]+)\}`)

func (t *MappingTable) render(template string) (string, error) {
	return t.renderWith(template, nil)
}

func (t *MappingTable) renderWith(template string, extra map[string]string) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[2 : len(match)-1]
		if name == "device_id" || name == "id" {
			return t.DeviceID
		}
		if extra != nil {
			if v, ok := extra[name]; ok {
				return v
			}
		}
		if v, ok := t.Variables[name]; ok {
			return v
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: unresolved placeholders %v in %q", ErrTemplate, missing, template)
	}
	return out, nil
}

func parseBoolPayload(capability, text string) (models.MetricValue, error) {
	switch strings.ToLower(text) {
	case "1", "true", "on", "open", "yes":
		return models.BoolValue(true), nil
	case "0", "false", "off", "closed", "no":
		return models.BoolValue(false), nil
	}
	return models.MetricValue{}, fmt.Errorf("%w: %s: %q is not a boolean", ErrParse, capability, text)
}

func coerceValue(val any, dataType models.MetricDataType) (models.MetricValue, error) {
	switch dataType {
	case models.DataTypeFloat:
		switch v := val.(type) {
		case float64:
			return models.FloatValue(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err == nil {
				return models.FloatValue(f), nil
			}
		}
		return models.MetricValue{}, fmt.Errorf("value %v is not a float", val)
	case models.DataTypeInteger:
		if f, ok := val.(float64); ok {
			return models.IntValue(int64(f)), nil
		}
		return models.MetricValue{}, fmt.Errorf("value %v is not an integer", val)
	case models.DataTypeBoolean:
		if b, ok := val.(bool); ok {
			return models.BoolValue(b), nil
		}
		if s, ok := val.(string); ok {
			return parseBoolPayload("", s)
		}
		return models.MetricValue{}, fmt.Errorf("value %v is not a boolean", val)
	default:
		return models.FromJSONScalar(val), nil
	}
}

func lookupPath(doc any, path string) (any, error) {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q does not resolve to an object", path)
		}
		cur, ok = obj[part]
		if !ok {
			return nil, fmt.Errorf("path segment %q missing", part)
		}
	}
	return cur, nil
}
