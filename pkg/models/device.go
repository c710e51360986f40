package models

import "time"

// CapabilityKind classifies the direction of a device capability.
type CapabilityKind string

const (
	CapabilitySensor        CapabilityKind = "sensor"
	CapabilityActuator      CapabilityKind = "actuator"
	CapabilityBidirectional CapabilityKind = "bidirectional"
	CapabilityCommand       CapabilityKind = "command"
)

// Capability is a named input/output of a device, abstracted from any
// transport protocol.
type Capability struct {
	Name          string         `json:"name"`
	DisplayName   string         `json:"display_name,omitempty"`
	Kind          CapabilityKind `json:"kind"`
	DataType      MetricDataType `json:"data_type"`
	Unit          string         `json:"unit,omitempty"`
	Min           *float64       `json:"min,omitempty"`
	Max           *float64       `json:"max,omitempty"`
	AllowedValues []string       `json:"allowed_values,omitempty"`
}

// MetricDataType is the declared wire type of a metric or command parameter.
type MetricDataType string

const (
	DataTypeFloat   MetricDataType = "float"
	DataTypeInteger MetricDataType = "int"
	DataTypeBoolean MetricDataType = "bool"
	DataTypeString  MetricDataType = "string"
	DataTypeJSON    MetricDataType = "json"
	DataTypeBinary  MetricDataType = "binary"
)

// DeviceState tracks liveness for a registered device.
type DeviceState struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"last_seen,omitempty"`
}

// Device is the registry's view of one physical or logical device.
// Device IDs are opaque, unique, and case-sensitive.
type Device struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	DeviceType   string            `json:"device_type"`
	AdapterType  string            `json:"adapter_type"`
	Location     string            `json:"location,omitempty"`
	Aliases      []string          `json:"aliases,omitempty"`
	Keywords     []string          `json:"keywords,omitempty"`
	Capabilities []Capability      `json:"capabilities"`
	State        DeviceState       `json:"state"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Capability returns the named capability, if declared.
func (d *Device) Capability(name string) (Capability, bool) {
	for _, c := range d.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}

// MetricDefinition names one uplink metric in a device-type definition.
type MetricDefinition struct {
	Name        string         `json:"name"`
	DisplayName string         `json:"display_name,omitempty"`
	DataType    MetricDataType `json:"data_type"`
	Unit        string         `json:"unit,omitempty"`
	Min         *float64       `json:"min,omitempty"`
	Max         *float64       `json:"max,omitempty"`
	Address     string         `json:"address,omitempty"`
	ValuePath   string         `json:"value_path,omitempty"`
}

// CommandParameter describes one parameter of a downlink command.
type CommandParameter struct {
	Name     string         `json:"name"`
	DataType MetricDataType `json:"data_type"`
	Required bool           `json:"required,omitempty"`
}

// CommandDefinition names one downlink command in a device-type definition.
type CommandDefinition struct {
	Name            string             `json:"name"`
	DisplayName     string             `json:"display_name,omitempty"`
	Address         string             `json:"address,omitempty"`
	PayloadTemplate string             `json:"payload_template,omitempty"`
	Parameters      []CommandParameter `json:"parameters,omitempty"`
}

// DeviceTypeDefinition is the declarative schema for a device type: the
// uplink metrics adapters parse and the downlink commands they format.
// Address fields may contain template placeholders such as ${device_id},
// substituted at resolution time.
type DeviceTypeDefinition struct {
	DeviceType  string              `json:"device_type"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Categories  []string            `json:"categories,omitempty"`
	Metrics     []MetricDefinition  `json:"metrics"`
	Commands    []CommandDefinition `json:"commands"`
}

// Metric returns the named uplink metric definition, if present.
func (d *DeviceTypeDefinition) Metric(name string) (MetricDefinition, bool) {
	for _, m := range d.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return MetricDefinition{}, false
}

// Command returns the named downlink command definition, if present.
func (d *DeviceTypeDefinition) Command(name string) (CommandDefinition, bool) {
	for _, c := range d.Commands {
		if c.Name == name {
			return c, true
		}
	}
	return CommandDefinition{}, false
}
