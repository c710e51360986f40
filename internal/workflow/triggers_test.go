package workflow

import (
	"testing"

	"github.com/neotalk/neotalk/internal/bus"
	"github.com/neotalk/neotalk/pkg/models"
)

func TestMatchDeviceStateTrigger(t *testing.T) {
	trigger := models.Trigger{Type: models.TriggerDeviceState, DeviceID: "d1", Metric: "temp"}

	seed, ok := matchTrigger(trigger, bus.DeviceMetricEvent{
		DeviceID: "d1", Metric: "temp", Value: models.FloatValue(9),
	})
	if !ok {
		t.Fatal("matching event should trigger")
	}
	if seed["trigger_value"] != 9.0 {
		t.Errorf("seed: %v", seed)
	}

	if _, ok := matchTrigger(trigger, bus.DeviceMetricEvent{DeviceID: "other", Metric: "temp"}); ok {
		t.Error("other device should not trigger")
	}
	if _, ok := matchTrigger(trigger, bus.DeviceMetricEvent{DeviceID: "d1", Metric: "humidity"}); ok {
		t.Error("other metric should not trigger")
	}
}

func TestMatchEventTrigger(t *testing.T) {
	trigger := models.Trigger{Type: models.TriggerEvent, EventType: "alert.created"}

	if _, ok := matchTrigger(trigger, bus.AlertCreatedEvent{AlertID: "a"}); !ok {
		t.Error("event type should match")
	}
	if _, ok := matchTrigger(trigger, bus.RuleExecutedEvent{}); ok {
		t.Error("other event type should not match")
	}
}

func TestMatchDecisionTrigger(t *testing.T) {
	trigger := models.Trigger{
		Type: models.TriggerLlmDecision,
		Decision: &models.DecisionTriggerConfig{
			MinConfidence: 0.7,
			ActionTypes:   []string{"device_command"},
			VariableMap: map[string]string{
				"title":         "title",
				"first_device":  "actions.0.device_id",
			},
		},
	}

	decision := bus.LlmDecisionProposedEvent{
		DecisionID: "dec1",
		Title:      "Cool the bedroom",
		Confidence: 0.9,
		Actions: []models.DecisionAction{
			{Type: "device_command", DeviceID: "ac1", Command: "turn_on"},
		},
	}

	seed, ok := matchTrigger(trigger, decision)
	if !ok {
		t.Fatal("qualifying decision should trigger")
	}
	if seed["decision_id"] != "dec1" {
		t.Errorf("seed decision id: %v", seed)
	}
	if seed["title"] != "Cool the bedroom" {
		t.Errorf("variable map title: %v", seed)
	}
	if seed["first_device"] != "ac1" {
		t.Errorf("variable map path into actions: %v", seed)
	}

	low := decision
	low.Confidence = 0.5
	if _, ok := matchTrigger(trigger, low); ok {
		t.Error("low-confidence decision should be filtered")
	}

	other := decision
	other.Actions = []models.DecisionAction{{Type: "dangerous_op"}}
	if _, ok := matchTrigger(trigger, other); ok {
		t.Error("non-whitelisted action type should be filtered")
	}
}
