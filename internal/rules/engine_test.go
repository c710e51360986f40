package rules

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/neotalk/neotalk/internal/bus"
	"github.com/neotalk/neotalk/pkg/models"
)

type fakeAlerts struct {
	mu      sync.Mutex
	notices []string
	alerts  []string
}

func (f *fakeAlerts) Notify(_ context.Context, message string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, message)
	return nil
}

func (f *fakeAlerts) CreateAlert(_ context.Context, _ models.Severity, title, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, title)
	return nil
}

func (f *fakeAlerts) noticeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notices)
}

type fakeCommands struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCommands) SendCommand(_ context.Context, deviceID, command string, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, deviceID+"."+command)
	return nil
}

func sustainRule(id string, duration time.Duration) models.Automation {
	return models.Automation{
		Kind: models.AutomationRule,
		AutomationMeta: models.AutomationMeta{
			ID: id, Name: "hot", Enabled: true,
		},
		Rule: &models.RuleSpec{
			Trigger: models.Trigger{Type: models.TriggerDeviceState, DeviceID: "dht22_001", Metric: "temperature"},
			Condition: models.Condition{
				Operator: models.OpGreater, DeviceID: "dht22_001", Metric: "temperature", Threshold: 30,
			},
			Actions:     []models.Action{{Type: models.ActionNotify, Message: "hot"}},
			ForDuration: duration,
		},
	}
}

func metricAt(ts int64, value float64) bus.DeviceMetricEvent {
	return bus.DeviceMetricEvent{
		DeviceID:  "dht22_001",
		Metric:    "temperature",
		Value:     models.FloatValue(value),
		Timestamp: ts,
	}
}

func TestSustainFiresOncePerTruePeriod(t *testing.T) {
	alerts := &fakeAlerts{}
	engine := New(bus.New(), NewActionExecutor(alerts, nil, nil), nil)
	engine.SetRule(sustainRule("r1", 2*time.Minute))

	ctx := context.Background()
	base := int64(1700000000)

	// Condition becomes true at base+30 and must hold for 120s.
	engine.HandleMetric(ctx, metricAt(base, 29.0))
	engine.HandleMetric(ctx, metricAt(base+30, 31.0))
	engine.HandleMetric(ctx, metricAt(base+60, 31.5))
	engine.HandleMetric(ctx, metricAt(base+120, 32.0))
	if alerts.noticeCount() != 0 {
		t.Fatalf("rule fired before sustain elapsed: %v", alerts.notices)
	}

	engine.HandleMetric(ctx, metricAt(base+150, 32.5))
	if alerts.noticeCount() != 1 {
		t.Fatalf("rule should fire once sustain elapsed, got %d", alerts.noticeCount())
	}

	// Still true: no re-fire within the same continuous period.
	engine.HandleMetric(ctx, metricAt(base+180, 33.0))
	engine.HandleMetric(ctx, metricAt(base+500, 40.0))
	if alerts.noticeCount() != 1 {
		t.Errorf("rule re-fired within one true period: %d", alerts.noticeCount())
	}
}

func TestSustainResetsWhenConditionDrops(t *testing.T) {
	alerts := &fakeAlerts{}
	engine := New(bus.New(), NewActionExecutor(alerts, nil, nil), nil)
	engine.SetRule(sustainRule("r1", time.Minute))

	ctx := context.Background()
	base := int64(1000)

	engine.HandleMetric(ctx, metricAt(base, 35))
	engine.HandleMetric(ctx, metricAt(base+30, 20)) // drops below: resets
	engine.HandleMetric(ctx, metricAt(base+40, 35))
	engine.HandleMetric(ctx, metricAt(base+80, 35)) // only 40s into new period
	if alerts.noticeCount() != 0 {
		t.Fatalf("rule fired without a full sustain period")
	}

	engine.HandleMetric(ctx, metricAt(base+100, 35))
	if alerts.noticeCount() != 1 {
		t.Errorf("rule should fire after 60s continuous, got %d", alerts.noticeCount())
	}

	// A new true period after a drop can fire again.
	engine.HandleMetric(ctx, metricAt(base+130, 10))
	engine.HandleMetric(ctx, metricAt(base+140, 35))
	engine.HandleMetric(ctx, metricAt(base+200, 35))
	if alerts.noticeCount() != 2 {
		t.Errorf("rule should fire once per true period, got %d", alerts.noticeCount())
	}
}

func TestImmediateRuleFiresOnEdge(t *testing.T) {
	alerts := &fakeAlerts{}
	engine := New(bus.New(), NewActionExecutor(alerts, nil, nil), nil)
	engine.SetRule(sustainRule("r1", 0))

	ctx := context.Background()
	engine.HandleMetric(ctx, metricAt(1, 35))
	engine.HandleMetric(ctx, metricAt(2, 36))
	if alerts.noticeCount() != 1 {
		t.Errorf("edge-triggered rule should fire once, got %d", alerts.noticeCount())
	}
}

func TestRuleExecutedEventPublished(t *testing.T) {
	b := bus.New()
	sub := b.FilterByType(context.Background(), bus.EventRuleExecuted)

	engine := New(b, NewActionExecutor(&fakeAlerts{}, nil, nil), nil)
	engine.SetRule(sustainRule("r1", 0))
	engine.HandleMetric(context.Background(), metricAt(1, 99))

	select {
	case env := <-sub.Events():
		ev := env.Event.(bus.RuleExecutedEvent)
		if ev.RuleID != "r1" || !ev.Success {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("RuleExecuted event not published")
	}
}

func TestActionFailureDoesNotAbortBatch(t *testing.T) {
	commands := &fakeCommands{}
	executor := NewActionExecutor(nil, commands, nil) // nil alerts: notify fails

	actions := []models.Action{
		{Type: models.ActionNotify, Message: "will fail"},
		{Type: models.ActionExecute, DeviceID: "lamp", Command: "turn_on"},
	}
	success := executor.Execute(context.Background(), "test", actions)
	if success {
		t.Error("batch with a failing action should report failure")
	}
	if len(commands.calls) != 1 || commands.calls[0] != "lamp.turn_on" {
		t.Errorf("later actions should still run: %v", commands.calls)
	}
}

func TestDisabledRuleNeverFires(t *testing.T) {
	alerts := &fakeAlerts{}
	engine := New(bus.New(), NewActionExecutor(alerts, nil, nil), nil)
	rule := sustainRule("r1", 0)
	rule.Enabled = false
	engine.SetRule(rule)

	engine.HandleMetric(context.Background(), metricAt(1, 99))
	if alerts.noticeCount() != 0 {
		t.Error("disabled rule fired")
	}
}

func TestRemoveRule(t *testing.T) {
	alerts := &fakeAlerts{}
	engine := New(bus.New(), NewActionExecutor(alerts, nil, nil), nil)
	engine.SetRule(sustainRule("r1", 0))
	engine.RemoveRule("r1")

	engine.HandleMetric(context.Background(), metricAt(1, 99))
	if alerts.noticeCount() != 0 {
		t.Error("removed rule fired")
	}
}

func TestValueProviderNumericOnly(t *testing.T) {
	p := NewValueProvider()
	p.Observe(bus.DeviceMetricEvent{DeviceID: "d", Metric: "m", Value: models.FloatValue(2.5)})
	p.Observe(bus.DeviceMetricEvent{DeviceID: "d", Metric: "s", Value: models.StringValue("not numeric")})

	if v, ok := p.Get("d", "m"); !ok || v != 2.5 {
		t.Errorf("expected 2.5, got %v ok=%v", v, ok)
	}
	if _, ok := p.Get("d", "s"); ok {
		t.Error("non-numeric value should not be cached")
	}
	if vals := p.DeviceValues("d"); len(vals) != 1 {
		t.Errorf("device values: %v", vals)
	}
}
