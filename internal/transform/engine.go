package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/neotalk/neotalk/internal/bus"
	"github.com/neotalk/neotalk/internal/debounce"
	"github.com/neotalk/neotalk/internal/timeseries"
	"github.com/neotalk/neotalk/pkg/models"
)

// VirtualPrefix marks metrics produced by transforms. Metrics carrying it
// are never fed back into the engine, which prevents transform loops.
const VirtualPrefix = "transform."

// DefaultDebounceWindow is the quiet interval after a device's last metric
// before its transforms are evaluated.
const DefaultDebounceWindow = 100 * time.Millisecond

// Source supplies the currently enabled transforms.
type Source interface {
	ActiveTransforms(ctx context.Context) ([]models.Automation, error)
}

// DeviceTyper resolves a device's type for scope selection.
type DeviceTyper interface {
	DeviceType(deviceID string) (string, bool)
}

// ScriptRunner executes a transform's sandboxed script module.
type ScriptRunner interface {
	Execute(ctx context.Context, moduleID, function string, args json.RawMessage) (json.RawMessage, error)
}

// Config configures the engine.
type Config struct {
	DebounceWindow time.Duration
}

// Engine consumes device-metric events, keeps per-device raw snapshots,
// and evaluates transforms after each device's debounce window.
type Engine struct {
	bus     *bus.Bus
	store   *timeseries.Store
	source  Source
	typer   DeviceTyper
	scripts ScriptRunner
	logger  *slog.Logger

	mu  sync.Mutex
	raw map[string]map[string]any

	debouncer *debounce.Debouncer[bus.DeviceMetricEvent]

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a transform engine.
func New(b *bus.Bus, store *timeseries.Store, source Source, typer DeviceTyper, scripts ScriptRunner, cfg Config, logger *slog.Logger) *Engine {
	if cfg.DebounceWindow == 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		bus:     b,
		store:   store,
		source:  source,
		typer:   typer,
		scripts: scripts,
		logger:  logger.With("component", "transform"),
		raw:     make(map[string]map[string]any),
	}
	e.debouncer = debounce.New(cfg.DebounceWindow, e.evaluateDevice)
	return e
}

// Start subscribes to device metrics and processes them until ctx ends.
func (e *Engine) Start(ctx context.Context) {
	e.runCtx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	sub := e.bus.DeviceMetrics(e.runCtx)

	go func() {
		defer close(e.done)
		for env := range sub.Events() {
			event, ok := env.Event.(bus.DeviceMetricEvent)
			if !ok {
				continue
			}
			e.Offer(event)
		}
	}()
}

// Stop halts processing and drops pending debounce batches.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.debouncer.Stop()
	if e.done != nil {
		<-e.done
	}
}

// Offer feeds one metric event into the engine. Virtual metrics are
// ignored so transform outputs never loop back in.
func (e *Engine) Offer(event bus.DeviceMetricEvent) {
	if strings.HasPrefix(event.Metric, VirtualPrefix) {
		return
	}
	e.mu.Lock()
	snapshot, ok := e.raw[event.DeviceID]
	if !ok {
		snapshot = make(map[string]any)
		e.raw[event.DeviceID] = snapshot
	}
	snapshot[event.Metric] = metricToAny(event.Value)
	e.mu.Unlock()

	e.debouncer.Add(event.DeviceID, event)
}

// OfferRaw feeds a raw structured object (e.g. a webhook body) into the
// device's snapshot ahead of the next evaluation.
func (e *Engine) OfferRaw(deviceID string, data map[string]any, timestamp int64) {
	e.mu.Lock()
	snapshot, ok := e.raw[deviceID]
	if !ok {
		snapshot = make(map[string]any)
		e.raw[deviceID] = snapshot
	}
	for k, v := range data {
		snapshot[k] = v
	}
	e.mu.Unlock()

	e.debouncer.Add(deviceID, bus.DeviceMetricEvent{DeviceID: deviceID, Timestamp: timestamp})
}

// evaluateDevice runs after the device's debounce window: one structured
// evaluation over the batched burst.
func (e *Engine) evaluateDevice(deviceID string, batch []bus.DeviceMetricEvent) {
	ctx := e.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	transforms, err := e.applicableTransforms(ctx, deviceID)
	if err != nil {
		e.logger.Warn("transform selection failed", "device_id", deviceID, "error", err)
		return
	}
	if len(transforms) == 0 {
		return
	}

	e.mu.Lock()
	snapshot := make(map[string]any, len(e.raw[deviceID]))
	for k, v := range e.raw[deviceID] {
		snapshot[k] = v
	}
	e.mu.Unlock()

	timestamp := time.Now().Unix()
	if len(batch) > 0 {
		timestamp = batch[len(batch)-1].Timestamp
	}

	for _, automation := range transforms {
		outputs := e.runTransform(ctx, automation, deviceID, snapshot)
		for metric, value := range outputs {
			// Later transforms observe earlier outputs.
			snapshot[metric] = value
			e.emit(ctx, deviceID, metric, value, timestamp)
		}
	}
}

// applicableTransforms selects enabled transforms whose scope covers the
// device, ordered device > device_type > global; ties break by name for
// determinism.
func (e *Engine) applicableTransforms(ctx context.Context, deviceID string) ([]models.Automation, error) {
	all, err := e.source.ActiveTransforms(ctx)
	if err != nil {
		return nil, err
	}

	deviceType := ""
	if e.typer != nil {
		deviceType, _ = e.typer.DeviceType(deviceID)
	}

	var selected []models.Automation
	for _, a := range all {
		if a.Kind != models.AutomationTransform || a.Transform == nil || !a.Enabled {
			continue
		}
		scope := a.Transform.Scope
		switch scope.Kind {
		case models.ScopeDevice:
			if scope.Target == deviceID {
				selected = append(selected, a)
			}
		case models.ScopeDeviceType:
			if deviceType != "" && scope.Target == deviceType {
				selected = append(selected, a)
			}
		case models.ScopeGlobal:
			selected = append(selected, a)
		}
	}

	sort.SliceStable(selected, func(i, j int) bool {
		pi, pj := selected[i].Transform.Scope.Priority(), selected[j].Transform.Scope.Priority()
		if pi != pj {
			return pi > pj
		}
		return selected[i].Name < selected[j].Name
	})
	return selected, nil
}

// runTransform executes one transform's operations and script. A failure
// is logged against the device and transform and isolates to it.
func (e *Engine) runTransform(ctx context.Context, automation models.Automation, deviceID string, snapshot map[string]any) map[string]float64 {
	spec := automation.Transform
	outputs := make(map[string]float64)

	for _, op := range spec.Operations {
		result, err := ApplyOperation(op, snapshot)
		if err != nil {
			e.logger.Warn("transform operation failed",
				"transform", automation.Name, "device_id", deviceID, "error", err)
			continue
		}
		for metric, value := range result {
			outputs[e.outputName(spec, metric)] = value
		}
	}

	if spec.ScriptModule != "" && e.scripts != nil {
		args, err := json.Marshal(snapshot)
		if err == nil {
			raw, execErr := e.scripts.Execute(ctx, spec.ScriptModule, "transform", args)
			if execErr != nil {
				e.logger.Warn("transform script failed",
					"transform", automation.Name, "device_id", deviceID, "error", execErr)
			} else {
				var scripted map[string]float64
				if err := json.Unmarshal(raw, &scripted); err != nil {
					e.logger.Warn("transform script returned invalid output",
						"transform", automation.Name, "device_id", deviceID, "error", err)
				} else {
					for metric, value := range scripted {
						outputs[e.outputName(spec, metric)] = value
					}
				}
			}
		}
	}

	return outputs
}

func (e *Engine) outputName(spec *models.TransformSpec, metric string) string {
	if spec.OutputPrefix != "" {
		return VirtualPrefix + spec.OutputPrefix + "." + metric
	}
	return VirtualPrefix + metric
}

func (e *Engine) emit(ctx context.Context, deviceID, metric string, value float64, timestamp int64) {
	event := bus.DeviceMetricEvent{
		DeviceID:  deviceID,
		Metric:    metric,
		Value:     models.FloatValue(value),
		Timestamp: timestamp,
	}
	e.bus.Publish(event)

	if e.store != nil {
		point := models.DataPoint{Timestamp: timestamp, Value: event.Value}
		if err := e.store.Write(ctx, models.VirtualSource(deviceID, metric), point); err != nil {
			e.logger.Warn("virtual metric store failed", "device_id", deviceID, "metric", metric, "error", err)
		}
	}
}

func metricToAny(v models.MetricValue) any {
	switch v.Kind {
	case models.MetricKindFloat:
		return v.Float
	case models.MetricKindInteger:
		return float64(v.Int)
	case models.MetricKindBoolean:
		return v.Bool
	case models.MetricKindString:
		return v.Str
	case models.MetricKindJSON:
		var out any
		if err := json.Unmarshal(v.JSON, &out); err != nil {
			return nil
		}
		return out
	case models.MetricKindBinary:
		return fmt.Sprintf("binary(%d bytes)", len(v.Binary))
	}
	return nil
}
