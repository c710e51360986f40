package transform

import (
	"context"
	"testing"
	"time"

	"github.com/neotalk/neotalk/internal/bus"
	"github.com/neotalk/neotalk/pkg/models"
)

type staticSource struct {
	transforms []models.Automation
}

func (s *staticSource) ActiveTransforms(context.Context) ([]models.Automation, error) {
	return s.transforms, nil
}

type staticTyper struct {
	types map[string]string
}

func (s *staticTyper) DeviceType(deviceID string) (string, bool) {
	t, ok := s.types[deviceID]
	return t, ok
}

func avgTransform(name string, scope models.TransformScope) models.Automation {
	return models.Automation{
		Kind: models.AutomationTransform,
		AutomationMeta: models.AutomationMeta{
			ID: name, Name: name, Enabled: true,
		},
		Transform: &models.TransformSpec{
			Scope: scope,
			Operations: []models.TransformOperation{
				{Type: models.OpSingle, Path: "temp", OutputMetric: "avg_in"},
			},
		},
	}
}

func waitForMetric(t *testing.T, sub *bus.Subscription, metric string, timeout time.Duration) *bus.DeviceMetricEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if ev, isMetric := env.Event.(bus.DeviceMetricEvent); isMetric && ev.Metric == metric {
				return &ev
			}
		case <-deadline:
			return nil
		}
	}
}

func TestDebounceCoalescesBurst(t *testing.T) {
	b := bus.New()
	source := &staticSource{transforms: []models.Automation{
		{
			Kind:           models.AutomationTransform,
			AutomationMeta: models.AutomationMeta{ID: "t", Name: "avg", Enabled: true},
			Transform: &models.TransformSpec{
				Scope: models.TransformScope{Kind: models.ScopeDeviceType, Target: "sensor"},
				Operations: []models.TransformOperation{
					{Type: models.OpSingle, Path: "(.temp + .humidity) / 2", OutputMetric: "avg"},
				},
			},
		},
	}}
	typer := &staticTyper{types: map[string]string{"dev1": "sensor"}}

	e := New(b, nil, source, typer, nil, Config{DebounceWindow: 100 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	out := b.Subscribe(ctx)

	b.Publish(bus.DeviceMetricEvent{DeviceID: "dev1", Metric: "temp", Value: models.FloatValue(25.5), Timestamp: 100})
	time.Sleep(50 * time.Millisecond)
	b.Publish(bus.DeviceMetricEvent{DeviceID: "dev1", Metric: "humidity", Value: models.FloatValue(60), Timestamp: 100})

	ev := waitForMetric(t, out, "transform.avg", 2*time.Second)
	if ev == nil {
		t.Fatal("no transform output emitted")
	}
	if ev.Value.Float != 42.75 {
		t.Errorf("expected (25.5+60)/2 = 42.75, got %v", ev.Value.Float)
	}

	// The burst coalesced into exactly one evaluation.
	if second := waitForMetric(t, out, "transform.avg", 200*time.Millisecond); second != nil {
		t.Error("burst should produce a single evaluation, got a second output")
	}
}

func TestVirtualMetricsNeverLoop(t *testing.T) {
	b := bus.New()
	source := &staticSource{transforms: []models.Automation{
		avgTransform("loopy", models.TransformScope{Kind: models.ScopeGlobal}),
	}}

	e := New(b, nil, source, nil, nil, Config{DebounceWindow: 30 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	e.Offer(bus.DeviceMetricEvent{DeviceID: "d", Metric: "transform.avg_in", Value: models.FloatValue(1), Timestamp: 1})

	time.Sleep(150 * time.Millisecond)
	if e.debouncer.Pending() != 0 {
		t.Error("virtual metric should not schedule an evaluation")
	}
	e.mu.Lock()
	_, tracked := e.raw["d"]
	e.mu.Unlock()
	if tracked {
		t.Error("virtual metric should not enter the raw snapshot")
	}
}

func TestScopePriorityAndChaining(t *testing.T) {
	b := bus.New()

	// The device-scoped transform runs first; the global one reads its
	// output, proving later transforms see earlier results.
	deviceScoped := models.Automation{
		Kind:           models.AutomationTransform,
		AutomationMeta: models.AutomationMeta{ID: "a", Name: "device-scoped", Enabled: true},
		Transform: &models.TransformSpec{
			Scope: models.TransformScope{Kind: models.ScopeDevice, Target: "dev1"},
			Operations: []models.TransformOperation{
				{Type: models.OpSingle, Path: "temp", OutputMetric: "stage1"},
			},
		},
	}
	global := models.Automation{
		Kind:           models.AutomationTransform,
		AutomationMeta: models.AutomationMeta{ID: "b", Name: "global", Enabled: true},
		Transform: &models.TransformSpec{
			Scope: models.TransformScope{Kind: models.ScopeGlobal},
			Operations: []models.TransformOperation{
				{Type: models.OpSingle, Path: `.["transform.stage1"]`, OutputMetric: "stage2"},
			},
		},
	}

	source := &staticSource{transforms: []models.Automation{global, deviceScoped}}
	e := New(b, nil, source, nil, nil, Config{DebounceWindow: 20 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	out := b.Subscribe(ctx)
	b.Publish(bus.DeviceMetricEvent{DeviceID: "dev1", Metric: "temp", Value: models.FloatValue(9), Timestamp: 5})

	ev := waitForMetric(t, out, "transform.stage2", 2*time.Second)
	if ev == nil {
		t.Fatal("chained transform output missing")
	}
	if ev.Value.Float != 9 {
		t.Errorf("expected chained value 9, got %v", ev.Value.Float)
	}
}

func TestDisabledTransformSkipped(t *testing.T) {
	b := bus.New()
	disabled := avgTransform("off", models.TransformScope{Kind: models.ScopeGlobal})
	disabled.Enabled = false
	source := &staticSource{transforms: []models.Automation{disabled}}

	e := New(b, nil, source, nil, nil, Config{DebounceWindow: 20 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	out := b.Subscribe(ctx)
	b.Publish(bus.DeviceMetricEvent{DeviceID: "d", Metric: "temp", Value: models.FloatValue(1), Timestamp: 1})

	if ev := waitForMetric(t, out, "transform.avg_in", 200*time.Millisecond); ev != nil {
		t.Error("disabled transform should not run")
	}
}
