package sandbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/neotalk/neotalk/internal/bus"
	"github.com/neotalk/neotalk/pkg/models"
)

// ValueReader lets modules read current device values.
type ValueReader interface {
	Get(deviceID, metric string) (float64, bool)
}

// CommandSender lets modules issue downlink commands.
type CommandSender interface {
	SendCommand(ctx context.Context, deviceID, command string, params map[string]string) error
}

// HostAPI is the narrow host surface exposed to modules: device_read,
// device_write, log, and emit_metric. Everything else is denied.
type HostAPI struct {
	Values   ValueReader
	Commands CommandSender
	Bus      *bus.Bus
	Logger   *slog.Logger
}

// hostModuleName is the import namespace modules use for host calls.
const hostModuleName = "neotalk"

func (h *HostAPI) instantiate(ctx context.Context, rt wazero.Runtime) error {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sandbox_host")

	_, err := rt.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().WithFunc(h.hostLog(logger)).Export("log").
		NewFunctionBuilder().WithFunc(h.hostDeviceRead).Export("device_read").
		NewFunctionBuilder().WithFunc(h.hostDeviceWrite(logger)).Export("device_write").
		NewFunctionBuilder().WithFunc(h.hostEmitMetric(logger)).Export("emit_metric").
		Instantiate(ctx)
	return err
}

// hostLog: log(ptr, len) writes a guest string to the host log.
func (h *HostAPI) hostLog(logger *slog.Logger) func(context.Context, api.Module, uint32, uint32) {
	return func(_ context.Context, m api.Module, ptr, length uint32) {
		if msg, ok := m.Memory().Read(ptr, length); ok {
			logger.Info(string(msg), "origin", "module")
		}
	}
}

// hostDeviceRead: device_read(ptr, len) -> f64 reads the current value of
// "device:metric". Missing values read as NaN-free zero.
func (h *HostAPI) hostDeviceRead(_ context.Context, m api.Module, ptr, length uint32) float64 {
	if h.Values == nil {
		return 0
	}
	raw, ok := m.Memory().Read(ptr, length)
	if !ok {
		return 0
	}
	deviceID, metric, found := cutRef(string(raw))
	if !found {
		return 0
	}
	v, _ := h.Values.Get(deviceID, metric)
	return v
}

// hostDeviceWrite: device_write(ptr, len) -> i32 sends a command encoded
// as JSON {"device_id","command","params"}. Returns 0 on success.
func (h *HostAPI) hostDeviceWrite(logger *slog.Logger) func(context.Context, api.Module, uint32, uint32) uint32 {
	return func(ctx context.Context, m api.Module, ptr, length uint32) uint32 {
		if h.Commands == nil {
			return 1
		}
		raw, ok := m.Memory().Read(ptr, length)
		if !ok {
			return 1
		}
		var req struct {
			DeviceID string            `json:"device_id"`
			Command  string            `json:"command"`
			Params   map[string]string `json:"params"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return 1
		}
		if err := h.Commands.SendCommand(ctx, req.DeviceID, req.Command, req.Params); err != nil {
			logger.Warn("module command failed", "device_id", req.DeviceID, "error", err)
			return 1
		}
		return 0
	}
}

// hostEmitMetric: emit_metric(ptr, len, value) publishes an extension
// metric "device:metric" with the given value.
func (h *HostAPI) hostEmitMetric(logger *slog.Logger) func(context.Context, api.Module, uint32, uint32, float64) {
	return func(_ context.Context, m api.Module, ptr, length uint32, value float64) {
		if h.Bus == nil {
			return
		}
		raw, ok := m.Memory().Read(ptr, length)
		if !ok {
			return
		}
		deviceID, metric, found := cutRef(string(raw))
		if !found {
			logger.Warn("module emitted malformed metric ref", "ref", string(raw))
			return
		}
		h.Bus.Publish(bus.DeviceMetricEvent{
			DeviceID:  deviceID,
			Metric:    metric,
			Value:     models.FloatValue(value),
			Timestamp: time.Now().Unix(),
		})
	}
}

func cutRef(ref string) (deviceID, metric string, ok bool) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == ':' {
			return ref[:i], ref[i+1:], true
		}
	}
	return "", "", false
}
