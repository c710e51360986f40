package agent

import (
	"encoding/json"
	"testing"
	"time"
)

func TestResolveSimplifiedNames(t *testing.T) {
	r := NewNameResolver()
	r.RegisterCanonical("list_devices")

	if got := r.Resolve("device.discover"); got != "list_devices" {
		t.Errorf("device.discover -> %q", got)
	}
	if got := r.Resolve("workflow.execute"); got != "trigger_workflow" {
		t.Errorf("workflow.execute -> %q", got)
	}
}

func TestResolveAliases(t *testing.T) {
	r := NewNameResolver()
	if got := r.Resolve("设备列表"); got != "list_devices" {
		t.Errorf("alias -> %q", got)
	}
	if got := r.Resolve("devices"); got != "list_devices" {
		t.Errorf("devices -> %q", got)
	}
}

func TestResolveFuzzySubstring(t *testing.T) {
	r := NewNameResolver()
	r.RegisterCanonical("acknowledge_alert")

	if got := r.Resolve("acknowledge"); got != "acknowledge_alert" {
		t.Errorf("fuzzy -> %q", got)
	}
}

func TestResolveAmbiguousFuzzyPassesThrough(t *testing.T) {
	r := NewNameResolver()
	r.RegisterCanonical("list_rules")
	r.RegisterCanonical("list_workflows")

	if got := r.Resolve("list_"); got != "list_" {
		t.Errorf("ambiguous fuzzy should pass through, got %q", got)
	}
}

func TestResolveUnknownPassesThrough(t *testing.T) {
	r := NewNameResolver()
	if got := r.Resolve("totally_unknown_tool"); got != "totally_unknown_tool" {
		t.Errorf("unknown name should pass through, got %q", got)
	}
}

func TestMapParametersAliases(t *testing.T) {
	out := MapParameters(json.RawMessage(`{"device":"lamp","action":"turn_on"}`))

	var args map[string]any
	if err := json.Unmarshal(out, &args); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if args["device_id"] != "lamp" || args["command"] != "turn_on" {
		t.Errorf("aliases not rewritten: %v", args)
	}
	if _, ok := args["device"]; ok {
		t.Error("original alias key should be replaced")
	}
}

func TestMapParametersHoursExpansion(t *testing.T) {
	out := MapParameters(json.RawMessage(`{"hours": 2}`))

	var args map[string]float64
	if err := json.Unmarshal(out, &args); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	start, hasStart := args["start_time"]
	end, hasEnd := args["end_time"]
	if !hasStart || !hasEnd {
		t.Fatalf("hours not expanded: %v", args)
	}
	if int64(end-start) != 7200 {
		t.Errorf("window should be 2h, got %v", end-start)
	}
	if end > float64(time.Now().Unix()+5) {
		t.Errorf("end time in the future: %v", end)
	}
	if _, ok := args["hours"]; ok {
		t.Error("hours key should be consumed")
	}
}

func TestMapParametersKeepsExplicitKeys(t *testing.T) {
	out := MapParameters(json.RawMessage(`{"device":"a","device_id":"b"}`))
	var args map[string]any
	_ = json.Unmarshal(out, &args)
	if args["device_id"] != "b" {
		t.Errorf("explicit device_id must win: %v", args)
	}
}
