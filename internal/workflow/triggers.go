package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/neotalk/neotalk/internal/bus"
	"github.com/neotalk/neotalk/pkg/models"
)

// Source lists the workflows eligible for triggering.
type Source interface {
	List(ctx context.Context, kind models.AutomationKind) ([]models.Automation, error)
}

// TriggerManager wires workflow triggers: cron schedules, event types,
// device-state changes, and LLM decision proposals.
type TriggerManager struct {
	engine *Engine
	source Source
	bus    *bus.Bus
	logger *slog.Logger

	cron *cron.Cron

	mu      sync.Mutex
	entries map[string][]cron.EntryID

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTriggerManager creates a trigger manager.
func NewTriggerManager(engine *Engine, source Source, b *bus.Bus, logger *slog.Logger) *TriggerManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerManager{
		engine:  engine,
		source:  source,
		bus:     b,
		logger:  logger.With("component", "workflow_triggers"),
		cron:    cron.New(),
		entries: make(map[string][]cron.EntryID),
	}
}

// Start installs schedules and begins listening for trigger events.
func (m *TriggerManager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	if err := m.Sync(runCtx); err != nil {
		cancel()
		return err
	}
	m.cron.Start()

	sub := m.bus.Subscribe(runCtx)
	go func() {
		defer close(m.done)
		for env := range sub.Events() {
			m.handleEvent(runCtx, env.Event)
		}
	}()
	return nil
}

// Stop halts schedules and event handling.
func (m *TriggerManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	stopCtx := m.cron.Stop()
	<-stopCtx.Done()
	if m.done != nil {
		<-m.done
	}
}

// Sync reloads workflows and reinstalls their cron schedules. Call after
// workflow CRUD changes.
func (m *TriggerManager) Sync(ctx context.Context) error {
	workflows, err := m.source.List(ctx, models.AutomationWorkflow)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ids := range m.entries {
		for _, id := range ids {
			m.cron.Remove(id)
		}
	}
	m.entries = make(map[string][]cron.EntryID)

	for i := range workflows {
		wf := workflows[i]
		if !wf.Enabled || wf.Workflow == nil {
			continue
		}
		for _, trigger := range wf.Workflow.Triggers {
			if trigger.Type != models.TriggerSchedule || trigger.Cron == "" {
				continue
			}
			entryID, err := m.cron.AddFunc(trigger.Cron, func() {
				m.fire(ctx, wf, nil)
			})
			if err != nil {
				m.logger.Warn("invalid cron trigger", "workflow", wf.ID, "cron", trigger.Cron, "error", err)
				continue
			}
			m.entries[wf.ID] = append(m.entries[wf.ID], entryID)
		}
	}
	return nil
}

func (m *TriggerManager) handleEvent(ctx context.Context, event bus.Event) {
	workflows, err := m.source.List(ctx, models.AutomationWorkflow)
	if err != nil {
		m.logger.Warn("workflow list failed during trigger dispatch", "error", err)
		return
	}

	for i := range workflows {
		wf := workflows[i]
		if !wf.Enabled || wf.Workflow == nil {
			continue
		}
		for _, trigger := range wf.Workflow.Triggers {
			seed, matched := matchTrigger(trigger, event)
			if matched {
				m.fire(ctx, wf, seed)
				break
			}
		}
	}
}

// matchTrigger decides whether an event satisfies a trigger and builds
// the seed variables for the run.
func matchTrigger(trigger models.Trigger, event bus.Event) (map[string]any, bool) {
	switch trigger.Type {
	case models.TriggerDeviceState:
		metric, ok := event.(bus.DeviceMetricEvent)
		if !ok || metric.DeviceID != trigger.DeviceID {
			return nil, false
		}
		if trigger.Metric != "" && metric.Metric != trigger.Metric {
			return nil, false
		}
		seed := map[string]any{
			"trigger_device": metric.DeviceID,
			"trigger_metric": metric.Metric,
		}
		if f, ok := metric.Value.AsFloat(); ok {
			seed["trigger_value"] = f
		}
		return seed, true

	case models.TriggerEvent:
		if trigger.EventType == "" || string(event.Type()) != trigger.EventType {
			return nil, false
		}
		return map[string]any{"trigger_event": string(event.Type())}, true

	case models.TriggerLlmDecision:
		decision, ok := event.(bus.LlmDecisionProposedEvent)
		if !ok {
			return nil, false
		}
		return matchDecisionTrigger(trigger.Decision, decision)
	}
	return nil, false
}

// matchDecisionTrigger applies the decision filter: confidence threshold
// and action-type whitelist, then maps decision fields into variables via
// the declarative path map.
func matchDecisionTrigger(cfg *models.DecisionTriggerConfig, decision bus.LlmDecisionProposedEvent) (map[string]any, bool) {
	if cfg == nil {
		cfg = &models.DecisionTriggerConfig{}
	}
	if decision.Confidence < cfg.MinConfidence {
		return nil, false
	}
	if len(cfg.ActionTypes) > 0 {
		allowed := make(map[string]bool, len(cfg.ActionTypes))
		for _, t := range cfg.ActionTypes {
			allowed[t] = true
		}
		for _, action := range decision.Actions {
			if !allowed[action.Type] {
				return nil, false
			}
		}
	}

	seed := map[string]any{
		"decision_id":         decision.DecisionID,
		"decision_confidence": decision.Confidence,
	}
	if len(cfg.VariableMap) > 0 {
		doc := decisionDocument(decision)
		for variable, path := range cfg.VariableMap {
			if v, ok := lookupDecisionPath(doc, path); ok {
				seed[variable] = v
			}
		}
	}
	return seed, true
}

func decisionDocument(decision bus.LlmDecisionProposedEvent) map[string]any {
	raw, err := json.Marshal(decision)
	if err != nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	return doc
}

func lookupDecisionPath(doc any, path string) (any, bool) {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func (m *TriggerManager) fire(ctx context.Context, wf models.Automation, seed map[string]any) {
	go func() {
		if _, err := m.engine.Execute(ctx, &wf, seed); err != nil {
			m.logger.Warn("triggered workflow failed", "workflow", wf.ID, "error", err)
		}
	}()
}
