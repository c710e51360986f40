package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/neotalk/neotalk/internal/bus"
	"github.com/neotalk/neotalk/internal/devices"
)

// parseWarnThreshold is the number of consecutive parse failures after
// which a device-level warning is raised.
const parseWarnThreshold = 5

// MQTTConfig configures the MQTT adapter.
type MQTTConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
	AckTimeout     time.Duration
	Reconnect      ReconnectConfig
}

func (c *MQTTConfig) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "neotalk"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect = DefaultReconnectConfig()
	}
}

// deviceBinding ties one device to its protocol mapping.
type deviceBinding struct {
	deviceID string
	mapping  *devices.MappingTable

	parseFailures map[string]int
}

// MQTTAdapter ingests telemetry from an MQTT broker and delivers downlink
// commands through it.
type MQTTAdapter struct {
	config MQTTConfig
	sink   MetricSink
	logger *slog.Logger
	state  *stateMachine

	client mqtt.Client

	mu       sync.RWMutex
	bindings map[string]*deviceBinding
	byTopic  map[string]topicBinding

	cancel context.CancelFunc
}

type topicBinding struct {
	deviceID   string
	capability string
}

// NewMQTTAdapter creates an MQTT adapter. Devices are bound with Bind
// before or after Start.
func NewMQTTAdapter(config MQTTConfig, sink MetricSink, logger *slog.Logger) *MQTTAdapter {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTAdapter{
		config:   config,
		sink:     sink,
		logger:   logger.With("component", "mqtt_adapter"),
		state:    newStateMachine(),
		bindings: make(map[string]*deviceBinding),
		byTopic:  make(map[string]topicBinding),
	}
}

// Name implements Adapter.
func (a *MQTTAdapter) Name() string { return "mqtt" }

// State implements Adapter.
func (a *MQTTAdapter) State() ConnectionState { return a.state.get() }

// Bind attaches a device's protocol mapping and subscribes its metric
// addresses when connected.
func (a *MQTTAdapter) Bind(deviceID string, mapping *devices.MappingTable) error {
	binding := &deviceBinding{
		deviceID:      deviceID,
		mapping:       mapping,
		parseFailures: make(map[string]int),
	}

	a.mu.Lock()
	a.bindings[deviceID] = binding
	a.mu.Unlock()

	if a.state.get() != StateConnected {
		return nil
	}
	return a.subscribeBinding(binding)
}

func (a *MQTTAdapter) subscribeBinding(binding *deviceBinding) error {
	for capability := range binding.mapping.Metrics {
		addr, err := binding.mapping.MetricAddress(capability)
		if err != nil {
			a.logger.Warn("skipping unresolvable metric address",
				"device_id", binding.deviceID, "capability", capability, "error", err)
			continue
		}

		a.mu.Lock()
		a.byTopic[addr.Topic] = topicBinding{deviceID: binding.deviceID, capability: capability}
		a.mu.Unlock()

		token := a.client.Subscribe(addr.Topic, a.config.QoS, a.handleMessage)
		if !token.WaitTimeout(a.config.ConnectTimeout) || token.Error() != nil {
			return fmt.Errorf("%w: subscribe %s: %v", ErrProtocolError, addr.Topic, token.Error())
		}
	}
	return nil
}

// Start implements Adapter. It connects with bounded exponential backoff
// and subscribes all bound devices.
func (a *MQTTAdapter) Start(ctx context.Context) error {
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
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		a.onConnectionLost(runCtx, err)
	})

	a.client = mqtt.NewClient(opts)

	rc := &reconnector{config: a.config.Reconnect, logger: a.logger}
	err := rc.run(runCtx, func(ctx context.Context) error {
		return a.connectOnce()
	})
	if err != nil {
		_ = a.state.transition(StateDisconnected)
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	if err := a.state.transition(StateConnected); err != nil {
		return err
	}

	a.mu.RLock()
	bindings := make([]*deviceBinding, 0, len(a.bindings))
	for _, b := range a.bindings {
		bindings = append(bindings, b)
	}
	a.mu.RUnlock()
	for _, b := range bindings {
		if err := a.subscribeBinding(b); err != nil {
			return err
		}
	}

	a.logger.Info("mqtt adapter connected", "broker", a.config.BrokerURL)
	return nil
}

func (a *MQTTAdapter) connectOnce() error {
	token := a.client.Connect()
	if !token.WaitTimeout(a.config.ConnectTimeout) {
		return ErrTimeout
	}
	return token.Error()
}

func (a *MQTTAdapter) onConnectionLost(ctx context.Context, cause error) {
	if err := a.state.transition(StateReconnecting); err != nil {
		return
	}
	a.logger.Warn("mqtt connection lost", "error", cause)

	rc := &reconnector{config: a.config.Reconnect, logger: a.logger}
	err := rc.run(ctx, func(ctx context.Context) error {
		return a.connectOnce()
	})
	if err != nil {
		a.logger.Error("mqtt reconnect abandoned", "error", err)
		_ = a.state.transition(StateDisconnected)
		return
	}
	_ = a.state.transition(StateConnected)

	a.mu.RLock()
	bindings := make([]*deviceBinding, 0, len(a.bindings))
	for _, b := range a.bindings {
		bindings = append(bindings, b)
	}
	a.mu.RUnlock()
	for _, b := range bindings {
		if err := a.subscribeBinding(b); err != nil {
			a.logger.Warn("resubscribe failed", "device_id", b.deviceID, "error", err)
		}
	}
}

// Stop implements Adapter.
func (a *MQTTAdapter) Stop(ctx context.Context) error {
	if err := a.state.transition(StateDisconnecting); err != nil {
		// Stopping a never-started adapter is a no-op.
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

// handleMessage decodes one inbound MQTT message and forwards it to the
// sink. Parse failures are per-message: they are logged and counted, and
// only raise a device warning past a threshold.
func (a *MQTTAdapter) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	a.mu.RLock()
	tb, ok := a.byTopic[msg.Topic()]
	var binding *deviceBinding
	if ok {
		binding = a.bindings[tb.deviceID]
	}
	a.mu.RUnlock()
	if binding == nil {
		return
	}

	value, err := binding.mapping.ParseMetric(tb.capability, msg.Payload())
	if err != nil {
		a.mu.Lock()
		binding.parseFailures[tb.capability]++
		failures := binding.parseFailures[tb.capability]
		a.mu.Unlock()

		a.logger.Debug("metric parse failed",
			"device_id", tb.deviceID, "capability", tb.capability, "error", err)
		if failures == parseWarnThreshold {
			a.logger.Warn("repeated parse failures for device metric",
				"device_id", tb.deviceID, "capability", tb.capability, "failures", failures)
		}
		return
	}

	a.mu.Lock()
	binding.parseFailures[tb.capability] = 0
	a.mu.Unlock()

	event := bus.DeviceMetricEvent{
		DeviceID:  tb.deviceID,
		Metric:    tb.capability,
		Value:     value,
		Timestamp: time.Now().Unix(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.sink.Ingest(ctx, event); err != nil {
		a.logger.Warn("metric ingest failed", "device_id", tb.deviceID, "error", err)
	}
}

// SendCommand implements CommandSender. When the command defines a
// response address the call waits for the acknowledgement up to the
// configured ack timeout.
func (a *MQTTAdapter) SendCommand(ctx context.Context, deviceID, command string, params map[string]string) (*bus.DeviceCommandResultEvent, error) {
	start := time.Now()

	a.mu.RLock()
	binding := a.bindings[deviceID]
	a.mu.RUnlock()
	if binding == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDevice, deviceID)
	}

	addr, err := binding.mapping.CommandAddress(command)
	if err != nil {
		return nil, err
	}
	payload, err := binding.mapping.SerializeCommand(command, params)
	if err != nil {
		return nil, err
	}

	var ack chan []byte
	respAddr, hasResp, err := binding.mapping.ResponseAddress(command)
	if err != nil {
		return nil, err
	}
	if hasResp {
		ack = make(chan []byte, 1)
		token := a.client.Subscribe(respAddr.Topic, a.config.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			select {
			case ack <- msg.Payload():
			default:
			}
		})
		if !token.WaitTimeout(a.config.ConnectTimeout) || token.Error() != nil {
			return nil, fmt.Errorf("%w: subscribe ack %s: %v", ErrProtocolError, respAddr.Topic, token.Error())
		}
		defer a.client.Unsubscribe(respAddr.Topic)
	}

	token := a.client.Publish(addr.Topic, a.config.QoS, false, payload)
	if !token.WaitTimeout(a.config.AckTimeout) || token.Error() != nil {
		return nil, fmt.Errorf("%w: publish %s: %v", ErrSendFailed, addr.Topic, token.Error())
	}

	result := &bus.DeviceCommandResultEvent{
		DeviceID: deviceID,
		Command:  command,
		Success:  true,
	}

	if hasResp {
		select {
		case resp := <-ack:
			if json.Valid(resp) {
				result.Response = append([]byte(nil), resp...)
			} else {
				result.Response, _ = json.Marshal(string(resp))
			}
		case <-time.After(a.config.AckTimeout):
			result.Success = false
			result.Error = "command acknowledgement timed out"
			result.DurationMs = time.Since(start).Milliseconds()
			return result, fmt.Errorf("%w: no ack for %s.%s", ErrTimeout, deviceID, command)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}
