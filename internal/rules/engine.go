package rules

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/neotalk/neotalk/internal/bus"
	"github.com/neotalk/neotalk/pkg/models"
)

// ruleState carries per-rule sustain bookkeeping. firstTrueAt is the
// event-time at which the condition most recently became true; it resets
// the moment the condition reads false. fired marks that the rule already
// fired during the current continuous true period.
type ruleState struct {
	automation  models.Automation
	firstTrueAt int64
	trueSeen    bool
	fired       bool
}

// Engine evaluates rules against the value cache on every device-metric
// event, with O(1) lookup of the rules referencing the event's metric.
type Engine struct {
	values   *ValueProvider
	executor *ActionExecutor
	bus      *bus.Bus
	logger   *slog.Logger

	mu    sync.Mutex
	rules map[string]*ruleState
	index map[string][]string

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a rule engine.
func New(b *bus.Bus, executor *ActionExecutor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		values:   NewValueProvider(),
		executor: executor,
		bus:      b,
		logger:   logger.With("component", "rules"),
		rules:    make(map[string]*ruleState),
		index:    make(map[string][]string),
	}
}

// Values exposes the engine's value cache.
func (e *Engine) Values() *ValueProvider { return e.values }

// SetRule installs or replaces a rule.
func (e *Engine) SetRule(automation models.Automation) {
	if automation.Kind != models.AutomationRule || automation.Rule == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(automation.ID)
	e.rules[automation.ID] = &ruleState{automation: automation}
	for _, key := range conditionKeys(automation.Rule.Condition) {
		e.index[key] = append(e.index[key], automation.ID)
	}
}

// RemoveRule uninstalls a rule.
func (e *Engine) RemoveRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(id)
}

func (e *Engine) removeLocked(id string) {
	if _, ok := e.rules[id]; !ok {
		return
	}
	delete(e.rules, id)
	for key, ids := range e.index {
		filtered := ids[:0]
		for _, rid := range ids {
			if rid != id {
				filtered = append(filtered, rid)
			}
		}
		if len(filtered) == 0 {
			delete(e.index, key)
		} else {
			e.index[key] = filtered
		}
	}
}

// conditionKeys lists the (device, metric) pairs a condition references.
// An empty device part matches the triggering device.
func conditionKeys(cond models.Condition) []string {
	var keys []string
	var collect func(models.Condition)
	collect = func(c models.Condition) {
		switch c.Operator {
		case models.OpAnd, models.OpOr, models.OpNot:
			for _, sub := range c.Sub {
				collect(sub)
			}
		default:
			keys = append(keys, valueKey(c.DeviceID, c.Metric))
		}
	}
	collect(cond)
	return keys
}

// Start subscribes to device metrics and evaluates until ctx ends.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	sub := e.bus.DeviceMetrics(runCtx)

	go func() {
		defer close(e.done)
		for env := range sub.Events() {
			event, ok := env.Event.(bus.DeviceMetricEvent)
			if !ok {
				continue
			}
			e.HandleMetric(runCtx, event)
		}
	}()
}

// Stop halts evaluation.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		<-e.done
	}
}

// HandleMetric updates the value cache and re-evaluates the rules whose
// conditions reference the event's (device, metric) pair.
func (e *Engine) HandleMetric(ctx context.Context, event bus.DeviceMetricEvent) {
	e.values.Observe(event)

	e.mu.Lock()
	candidateIDs := make(map[string]bool)
	for _, key := range []string{valueKey(event.DeviceID, event.Metric), valueKey("", event.Metric)} {
		for _, id := range e.index[key] {
			candidateIDs[id] = true
		}
	}
	candidates := make([]*ruleState, 0, len(candidateIDs))
	for id := range candidateIDs {
		if state, ok := e.rules[id]; ok {
			candidates = append(candidates, state)
		}
	}
	e.mu.Unlock()

	for _, state := range candidates {
		e.evaluate(ctx, state, event)
	}
}

func (e *Engine) evaluate(ctx context.Context, state *ruleState, event bus.DeviceMetricEvent) {
	e.mu.Lock()
	automation := state.automation
	if !automation.Enabled {
		e.mu.Unlock()
		return
	}
	spec := automation.Rule

	holds := e.evalCondition(spec.Condition, event.DeviceID)

	if !holds {
		state.trueSeen = false
		state.firstTrueAt = 0
		state.fired = false
		e.mu.Unlock()
		return
	}

	if !state.trueSeen {
		state.trueSeen = true
		state.firstTrueAt = event.Timestamp
	}
	if state.fired {
		e.mu.Unlock()
		return
	}
	if spec.ForDuration > 0 {
		sustained := time.Duration(event.Timestamp-state.firstTrueAt) * time.Second
		if sustained < spec.ForDuration {
			e.mu.Unlock()
			return
		}
	}
	state.fired = true
	e.mu.Unlock()

	start := time.Now()
	success := true
	if e.executor != nil {
		success = e.executor.Execute(ctx, automation.Name, spec.Actions)
	}
	duration := time.Since(start)

	e.logger.Info("rule fired", "rule", automation.Name, "success", success)
	if e.bus != nil {
		e.bus.Publish(bus.RuleExecutedEvent{
			RuleID:     automation.ID,
			RuleName:   automation.Name,
			Success:    success,
			DurationMs: duration.Milliseconds(),
		})
	}
}

// evalCondition resolves a condition against the value cache. Leaf
// conditions with an empty device id read the triggering device.
func (e *Engine) evalCondition(cond models.Condition, defaultDevice string) bool {
	switch cond.Operator {
	case models.OpAnd:
		for _, sub := range cond.Sub {
			if !e.evalCondition(sub, defaultDevice) {
				return false
			}
		}
		return len(cond.Sub) > 0
	case models.OpOr:
		for _, sub := range cond.Sub {
			if e.evalCondition(sub, defaultDevice) {
				return true
			}
		}
		return false
	case models.OpNot:
		if len(cond.Sub) != 1 {
			return false
		}
		return !e.evalCondition(cond.Sub[0], defaultDevice)
	}

	device := cond.DeviceID
	if device == "" {
		device = defaultDevice
	}
	value, ok := e.values.Get(device, cond.Metric)
	if !ok {
		return false
	}

	switch cond.Operator {
	case models.OpGreater:
		return value > cond.Threshold
	case models.OpLess:
		return value < cond.Threshold
	case models.OpGreaterEqual:
		return value >= cond.Threshold
	case models.OpLessEqual:
		return value <= cond.Threshold
	case models.OpEqual:
		return value == cond.Threshold
	case models.OpNotEqual:
		return value != cond.Threshold
	case models.OpBetween:
		return value >= cond.Min && value <= cond.Max
	}
	return false
}
