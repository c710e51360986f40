package devices

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/neotalk/neotalk/pkg/models"
)

// DiscoveryTopicPatterns returns the MQTT subscription patterns covering
// both HASS discovery topic formats. The + wildcard matches exactly one
// level, so the 4- and 5-segment formats need separate patterns.
func DiscoveryTopicPatterns() []string {
	return []string{
		"homeassistant/+/+/config",
		"homeassistant/+/+/+/config",
	}
}

// IsDiscoveryTopic reports whether a topic is a HASS discovery topic.
func IsDiscoveryTopic(topic string) bool {
	return strings.HasPrefix(topic, "homeassistant/") && strings.HasSuffix(topic, "/config")
}

// HassTopicParts is a parsed HASS discovery topic.
type HassTopicParts struct {
	Prefix    string
	Component string
	ObjectID  string
}

// ParseDiscoveryTopic parses both supported topic formats:
// homeassistant/<component>/<object_id>/config and
// homeassistant/<component>/<device_id>/<entity_id>/config. In the
// 5-segment format the object id is <device_id>_<entity_id>.
func ParseDiscoveryTopic(topic string) (HassTopicParts, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[0] != "homeassistant" {
		return HassTopicParts{}, false
	}
	switch {
	case len(parts) == 4 && parts[3] == "config":
		return HassTopicParts{Prefix: parts[0], Component: parts[1], ObjectID: parts[2]}, true
	case len(parts) == 5 && parts[4] == "config":
		return HassTopicParts{Prefix: parts[0], Component: parts[1], ObjectID: parts[2] + "_" + parts[3]}, true
	}
	return HassTopicParts{}, false
}

// HassDeviceInfo is the device block of a discovery config.
type HassDeviceInfo struct {
	Identifiers  []string `json:"identifiers,omitempty"`
	Name         string   `json:"name,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// HassDiscoveryConfig is the JSON payload of a discovery message.
type HassDiscoveryConfig struct {
	Name                   string          `json:"name,omitempty"`
	Device                 *HassDeviceInfo `json:"device,omitempty"`
	StateTopic             string          `json:"state_topic,omitempty"`
	CommandTopic           string          `json:"command_topic,omitempty"`
	PayloadOn              string          `json:"payload_on,omitempty"`
	PayloadOff             string          `json:"payload_off,omitempty"`
	Unit                   string          `json:"unit_of_measurement,omitempty"`
	DeviceClass            string          `json:"device_class,omitempty"`
	ValueTemplate          string          `json:"value_template,omitempty"`
	JSONAttributesTopic    string          `json:"json_attributes_topic,omitempty"`
	JSONAttributesTemplate string          `json:"json_attributes_template,omitempty"`
	AvailabilityTopic      string          `json:"availability_topic,omitempty"`
	UniqueID               string          `json:"unique_id,omitempty"`
}

// HassDiscoveryMessage pairs a parsed topic with its config payload.
type HassDiscoveryMessage struct {
	Topic  string
	Parts  HassTopicParts
	Config HassDiscoveryConfig
}

// ParseDiscoveryMessage decodes one discovery message.
func ParseDiscoveryMessage(topic string, payload []byte) (*HassDiscoveryMessage, error) {
	parts, ok := ParseDiscoveryTopic(topic)
	if !ok {
		return nil, fmt.Errorf("%w: invalid discovery topic %q", ErrParse, topic)
	}
	var config HassDiscoveryConfig
	if err := json.Unmarshal(payload, &config); err != nil {
		return nil, fmt.Errorf("%w: invalid discovery payload on %s: %v", ErrParse, topic, err)
	}
	return &HassDiscoveryMessage{Topic: topic, Parts: parts, Config: config}, nil
}

// ComponentDeviceType maps a HASS component to the platform device type.
func ComponentDeviceType(component string) (string, bool) {
	switch component {
	case "sensor", "binary_sensor":
		return "sensor", true
	case "switch":
		return "switch", true
	case "light":
		return "light", true
	case "cover":
		return "cover", true
	case "climate":
		return "thermostat", true
	case "fan":
		return "fan", true
	case "lock":
		return "lock", true
	case "camera":
		return "camera", true
	case "vacuum":
		return "vacuum", true
	case "media_player":
		return "media_player", true
	}
	return "", false
}

func isSwitchable(component string) bool {
	switch component {
	case "switch", "light", "cover", "fan", "lock", "media_player":
		return true
	}
	return false
}

// MapDiscovery materialises a DeviceTypeDefinition from a discovery
// message. The mapping is deterministic: the same message always yields
// the same definition.
func MapDiscovery(msg *HassDiscoveryMessage) (*models.DeviceTypeDefinition, error) {
	deviceType, ok := ComponentDeviceType(msg.Parts.Component)
	if !ok {
		return nil, fmt.Errorf("unsupported HASS component %q", msg.Parts.Component)
	}

	displayName := msg.Config.Name
	if displayName == "" {
		displayName = msg.Parts.ObjectID
	}
	deviceName := "Unknown"
	if msg.Config.Device != nil && msg.Config.Device.Name != "" {
		deviceName = msg.Config.Device.Name
	}

	def := &models.DeviceTypeDefinition{
		DeviceType:  "hass_" + msg.Parts.ObjectID,
		Name:        displayName,
		Description: fmt.Sprintf("HASS %s device from %s", msg.Parts.Component, deviceName),
		Categories:  []string{deviceType, "hass_discovery"},
	}

	// Primary state metric.
	dataType, unit := inferMetricType(msg.Config)
	def.Metrics = append(def.Metrics, models.MetricDefinition{
		Name:        msg.Parts.ObjectID,
		DisplayName: displayName,
		DataType:    dataType,
		Unit:        unit,
		Address:     msg.Config.StateTopic,
	})

	// Attributes advertised through a JSON attributes template become
	// additional string metrics, parsed from the payload at runtime.
	for _, attr := range templateAttributes(msg.Config.JSONAttributesTemplate) {
		def.Metrics = append(def.Metrics, models.MetricDefinition{
			Name:        attr,
			DisplayName: attr,
			DataType:    models.DataTypeString,
			Address:     msg.Config.JSONAttributesTopic,
			ValuePath:   attr,
		})
	}

	if msg.Config.CommandTopic != "" && isSwitchable(msg.Parts.Component) {
		payloadOn := msg.Config.PayloadOn
		if payloadOn == "" {
			payloadOn = "ON"
		}
		payloadOff := msg.Config.PayloadOff
		if payloadOff == "" {
			payloadOff = "OFF"
		}
		def.Commands = append(def.Commands,
			models.CommandDefinition{
				Name: "turn_on", DisplayName: "Turn On",
				Address: msg.Config.CommandTopic, PayloadTemplate: payloadOn,
			},
			models.CommandDefinition{
				Name: "turn_off", DisplayName: "Turn Off",
				Address: msg.Config.CommandTopic, PayloadTemplate: payloadOff,
			},
		)
		if msg.Parts.Component == "switch" || msg.Parts.Component == "light" {
			def.Commands = append(def.Commands, models.CommandDefinition{
				Name: "toggle", DisplayName: "Toggle",
				Address: msg.Config.CommandTopic, PayloadTemplate: "TOGGLE",
			})
		}
	}

	if msg.Parts.Component == "cover" && msg.Config.CommandTopic != "" {
		def.Commands = append(def.Commands,
			models.CommandDefinition{Name: "open", DisplayName: "Open", Address: msg.Config.CommandTopic, PayloadTemplate: "OPEN"},
			models.CommandDefinition{Name: "close", DisplayName: "Close", Address: msg.Config.CommandTopic, PayloadTemplate: "CLOSE"},
			models.CommandDefinition{Name: "stop", DisplayName: "Stop", Address: msg.Config.CommandTopic, PayloadTemplate: "STOP"},
		)
	}

	return def, nil
}

// inferMetricType maps device_class (first) or unit (fallback) onto a data
// type, per the fixed device-class-to-datatype table.
func inferMetricType(config HassDiscoveryConfig) (models.MetricDataType, string) {
	switch config.DeviceClass {
	case "temperature", "humidity", "pressure", "power", "energy", "current", "voltage", "illuminance":
		return models.DataTypeFloat, config.Unit
	case "battery", "signal_strength":
		return models.DataTypeInteger, config.Unit
	case "occupancy", "motion", "opening", "window", "door", "lock", "plug":
		return models.DataTypeBoolean, config.Unit
	}

	switch config.Unit {
	case "°C", "°F", "hPa", "Pa", "W", "kW", "kWh", "V", "A", "Hz", "lx", "lux":
		return models.DataTypeFloat, config.Unit
	case "%":
		return models.DataTypeInteger, config.Unit
	case "binary":
		return models.DataTypeBoolean, config.Unit
	}
	return models.DataTypeString, config.Unit
}

var attributePattern = regexp.MustCompile(`value_json\.([a-zA-Z0-9_]+)`)

// templateAttributes extracts attribute names referenced by a Jinja-style
// attributes template, in order of first appearance.
func templateAttributes(template string) []string {
	if template == "" {
		return nil
	}
	seen := make(map[string]bool)
	var attrs []string
	for _, m := range attributePattern.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			attrs = append(attrs, m[1])
		}
	}
	return attrs
}
