package adapters

import (
	"testing"

	"github.com/neotalk/neotalk/internal/devices"
)

func TestHandleDiscoveryRegistersDeviceAndType(t *testing.T) {
	registry := devices.NewRegistry(nil)
	a := NewHassDiscoveryAdapter(MQTTConfig{}, registry, nil, nil)

	payload := []byte(`{"name":"Lamp","state_topic":"stat/lamp/POWER","command_topic":"cmnd/lamp/POWER","payload_on":"ON","payload_off":"OFF"}`)
	a.HandleDiscovery("homeassistant/switch/lamp/config", payload)

	def, ok := registry.TypeDefinition("hass_lamp")
	if !ok {
		t.Fatal("device type hass_lamp not registered")
	}
	if len(def.Commands) != 3 {
		t.Errorf("expected 3 commands, got %d", len(def.Commands))
	}

	device, err := registry.Get("lamp")
	if err != nil {
		t.Fatalf("device not registered: %v", err)
	}
	if device.AdapterType != "hass" || device.DeviceType != "hass_lamp" {
		t.Errorf("unexpected device %+v", device)
	}
	// One sensor capability plus three command capabilities.
	if len(device.Capabilities) != 4 {
		t.Errorf("expected 4 capabilities, got %+v", device.Capabilities)
	}
}

func TestHandleDiscoveryRediscoveryRefreshes(t *testing.T) {
	registry := devices.NewRegistry(nil)
	a := NewHassDiscoveryAdapter(MQTTConfig{}, registry, nil, nil)

	first := []byte(`{"name":"Lamp","state_topic":"s","command_topic":"c"}`)
	a.HandleDiscovery("homeassistant/switch/lamp/config", first)

	renamed := []byte(`{"name":"Bedside Lamp","state_topic":"s","command_topic":"c"}`)
	a.HandleDiscovery("homeassistant/switch/lamp/config", renamed)

	device, err := registry.Get("lamp")
	if err != nil {
		t.Fatalf("device missing after rediscovery: %v", err)
	}
	if device.Name != "Bedside Lamp" {
		t.Errorf("rediscovery should refresh the device, got %q", device.Name)
	}
}

func TestHandleDiscoveryIgnoresGarbage(t *testing.T) {
	registry := devices.NewRegistry(nil)
	a := NewHassDiscoveryAdapter(MQTTConfig{}, registry, nil, nil)

	a.HandleDiscovery("homeassistant/switch/lamp/config", []byte(`not json`))
	a.HandleDiscovery("something/else/entirely", []byte(`{}`))
	a.HandleDiscovery("homeassistant/unsupported_component/x/config", []byte(`{}`))

	if len(registry.List()) != 0 {
		t.Errorf("garbage discovery should register nothing, got %v", registry.List())
	}
}
