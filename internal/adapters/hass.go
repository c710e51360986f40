package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/neotalk/neotalk/internal/devices"
	"github.com/neotalk/neotalk/pkg/models"
)

// HassDiscoveryAdapter listens for Home Assistant MQTT discovery messages
// and materialises device types and devices from them.
type HassDiscoveryAdapter struct {
	config   MQTTConfig
	registry *devices.Registry
	uplink   *MQTTAdapter
	logger   *slog.Logger
	state    *stateMachine

	client mqtt.Client
	cancel context.CancelFunc
}

// NewHassDiscoveryAdapter creates the discovery adapter. Discovered
// devices are bound onto the given uplink adapter for telemetry.
func NewHassDiscoveryAdapter(config MQTTConfig, registry *devices.Registry, uplink *MQTTAdapter, logger *slog.Logger) *HassDiscoveryAdapter {
	config.applyDefaults()
	if config.ClientID == "neotalk" {
		config.ClientID = "neotalk-hass-discovery"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HassDiscoveryAdapter{
		config:   config,
		registry: registry,
		uplink:   uplink,
		logger:   logger.With("component", "hass_discovery"),
		state:    newStateMachine(),
	}
}

// Name implements Adapter.
func (a *HassDiscoveryAdapter) Name() string { return "hass_discovery" }

// State implements Adapter.
func (a *HassDiscoveryAdapter) State() ConnectionState { return a.state.get() }

// Start implements Adapter: it connects and subscribes both discovery
// topic patterns.
func (a *HassDiscoveryAdapter) Start(ctx context.Context) error {
	if err := a.state.transition(StateConnecting); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	opts := mqtt.NewClientOptions().
		AddBroker(a.config.BrokerURL).
		SetClientID(a.config.ClientID).
		SetConnectTimeout(a.config.ConnectTimeout).
		SetAutoReconnect(false)
	if a.config.Username != "" {
		opts.SetUsername(a.config.Username).SetPassword(a.config.Password)
	}
	a.client = mqtt.NewClient(opts)

	rc := &reconnector{config: a.config.Reconnect, logger: a.logger}
	err := rc.run(runCtx, func(context.Context) error {
		token := a.client.Connect()
		if !token.WaitTimeout(a.config.ConnectTimeout) {
			return ErrTimeout
		}
		return token.Error()
	})
	if err != nil {
		_ = a.state.transition(StateDisconnected)
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	for _, pattern := range devices.DiscoveryTopicPatterns() {
		token := a.client.Subscribe(pattern, a.config.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			a.HandleDiscovery(msg.Topic(), msg.Payload())
		})
		if !token.WaitTimeout(a.config.ConnectTimeout) || token.Error() != nil {
			return fmt.Errorf("%w: subscribe %s: %v", ErrProtocolError, pattern, token.Error())
		}
	}

	if err := a.state.transition(StateConnected); err != nil {
		return err
	}
	a.logger.Info("hass discovery listening", "broker", a.config.BrokerURL)
	return nil
}

// Stop implements Adapter.
func (a *HassDiscoveryAdapter) Stop(ctx context.Context) error {
	if err := a.state.transition(StateDisconnecting); err != nil {
		return nil
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.client != nil {
		a.client.Disconnect(250)
	}
	return a.state.transition(StateDisconnected)
}

// HandleDiscovery processes one discovery message: it registers the
// derived device type, registers (or refreshes) the device, and binds it
// for uplink. Per-message failures are logged and skipped.
func (a *HassDiscoveryAdapter) HandleDiscovery(topic string, payload []byte) {
	msg, err := devices.ParseDiscoveryMessage(topic, payload)
	if err != nil {
		a.logger.Debug("discovery message ignored", "topic", topic, "error", err)
		return
	}
	def, err := devices.MapDiscovery(msg)
	if err != nil {
		a.logger.Debug("discovery mapping skipped", "topic", topic, "error", err)
		return
	}

	a.registry.RegisterType(def)

	device := deviceFromDefinition(msg, def)
	if err := a.registry.Register(device); err != nil {
		// Rediscovery of a known device refreshes its definition.
		if err := a.registry.Reregister(device); err != nil {
			a.logger.Warn("device registration failed", "device_id", device.ID, "error", err)
			return
		}
	}

	if a.uplink != nil {
		mapping := devices.FromTypeDefinition("mqtt", device.ID, def)
		if err := a.uplink.Bind(device.ID, mapping); err != nil {
			a.logger.Warn("uplink bind failed", "device_id", device.ID, "error", err)
		}
	}

	a.logger.Info("hass device discovered",
		"device_id", device.ID, "device_type", def.DeviceType,
		"metrics", len(def.Metrics), "commands", len(def.Commands))
}

func deviceFromDefinition(msg *devices.HassDiscoveryMessage, def *models.DeviceTypeDefinition) *models.Device {
	device := &models.Device{
		ID:          msg.Parts.ObjectID,
		Name:        def.Name,
		DeviceType:  def.DeviceType,
		AdapterType: "hass",
		CreatedAt:   time.Now(),
	}
	if msg.Config.Device != nil {
		device.Metadata = map[string]string{}
		if msg.Config.Device.Manufacturer != "" {
			device.Metadata["manufacturer"] = msg.Config.Device.Manufacturer
		}
		if msg.Config.Device.Model != "" {
			device.Metadata["model"] = msg.Config.Device.Model
		}
	}

	for _, m := range def.Metrics {
		device.Capabilities = append(device.Capabilities, models.Capability{
			Name:        m.Name,
			DisplayName: m.DisplayName,
			Kind:        models.CapabilitySensor,
			DataType:    m.DataType,
			Unit:        m.Unit,
		})
	}
	for _, c := range def.Commands {
		device.Capabilities = append(device.Capabilities, models.Capability{
			Name:        c.Name,
			DisplayName: c.DisplayName,
			Kind:        models.CapabilityCommand,
			DataType:    models.DataTypeString,
		})
	}
	return device
}
