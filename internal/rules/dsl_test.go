package rules

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/neotalk/neotalk/pkg/models"
)

func mustCompile(t *testing.T, dsl string) *ParsedRule {
	t.Helper()
	rule, err := Compile(dsl)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return rule
}

func TestCompileThresholdRule(t *testing.T) {
	rule := mustCompile(t, `
	rule "High Temperature Alert"
	when temperature > 30
	do
		notify "Temperature is high"
	end
	`)

	if rule.Name != "High Temperature Alert" {
		t.Errorf("name: %q", rule.Name)
	}
	if rule.Description != "" {
		t.Errorf("description should be empty, got %q", rule.Description)
	}
	cond := rule.Condition
	if cond.Operator != models.OpGreater || cond.Metric != "temperature" || cond.Threshold != 30 {
		t.Errorf("condition wrong: %+v", cond)
	}
	if len(rule.Actions) != 1 || rule.Actions[0].Type != models.ActionNotify {
		t.Errorf("actions wrong: %+v", rule.Actions)
	}
}

func TestCompileForDuration(t *testing.T) {
	rule := mustCompile(t, `
	rule "Persistent High Temperature"
	when temperature > 30
	for 5 minutes
	do
		notify "High temperature for 5 minutes"
	end
	`)
	if rule.ForDuration != 5*time.Minute {
		t.Errorf("expected 5m, got %v", rule.ForDuration)
	}
}

func TestCompileDeviceDottedRef(t *testing.T) {
	rule := mustCompile(t, `
	rule "Simple Condition"
	when sensor1.temperature > 25
	do
		notify "It's hot!"
	end
	`)
	cond := rule.Condition
	if cond.DeviceID != "sensor1" || cond.Metric != "temperature" || cond.Threshold != 25 {
		t.Errorf("condition wrong: %+v", cond)
	}
}

func TestCompileBetween(t *testing.T) {
	rule := mustCompile(t, `
	rule "Range Condition"
	when sensor.temperature between 20 and 25
	do
		notify "Temperature is in range"
	end
	`)
	cond := rule.Condition
	if cond.Operator != models.OpBetween || cond.Min != 20 || cond.Max != 25 {
		t.Errorf("between condition wrong: %+v", cond)
	}
}

func TestCompileLogicalOperators(t *testing.T) {
	and := mustCompile(t, `rule "A" when temperature > 20 and humidity < 50 do notify "x" end`)
	if and.Condition.Operator != models.OpAnd || len(and.Condition.Sub) != 2 {
		t.Errorf("and condition wrong: %+v", and.Condition)
	}

	or := mustCompile(t, `rule "O" when temperature > 30 or humidity < 30 do notify "x" end`)
	if or.Condition.Operator != models.OpOr || len(or.Condition.Sub) != 2 {
		t.Errorf("or condition wrong: %+v", or.Condition)
	}

	not := mustCompile(t, `rule "N" when not temperature > 30 do notify "x" end`)
	if not.Condition.Operator != models.OpNot || len(not.Condition.Sub) != 1 {
		t.Errorf("not condition wrong: %+v", not.Condition)
	}
}

func TestCompileComparisonOperators(t *testing.T) {
	cases := map[string]models.ConditionOperator{
		">":  models.OpGreater,
		"<":  models.OpLess,
		">=": models.OpGreaterEqual,
		"<=": models.OpLessEqual,
		"==": models.OpEqual,
		"!=": models.OpNotEqual,
	}
	for op, want := range cases {
		rule := mustCompile(t, `rule "T" when temperature `+op+` 25 do notify "x" end`)
		if rule.Condition.Operator != want {
			t.Errorf("%s: expected %s, got %s", op, want, rule.Condition.Operator)
		}
	}
}

func TestCompileActions(t *testing.T) {
	rule := mustCompile(t, `
	rule "Multi-action Rule"
	when temperature > 30
	do
		notify "High temperature" [email, sms]
		log warning "Temperature warning"
		execute thermostat1.turn_on(target=22)
		http post https://api.example.com/alert
		alert "High Temperature", warning, "Temperature exceeded 30"
		set thermostat.mode = "cool"
	end
	`)

	if len(rule.Actions) != 6 {
		t.Fatalf("expected 6 actions, got %d", len(rule.Actions))
	}

	notify := rule.Actions[0]
	if notify.Message != "High temperature" || len(notify.Channels) != 2 {
		t.Errorf("notify wrong: %+v", notify)
	}

	logAction := rule.Actions[1]
	if logAction.Level != "warning" || logAction.Message != "Temperature warning" {
		t.Errorf("log wrong: %+v", logAction)
	}

	exec := rule.Actions[2]
	if exec.DeviceID != "thermostat1" || exec.Command != "turn_on" || string(exec.Params["target"]) != "22" {
		t.Errorf("execute wrong: %+v", exec)
	}

	httpAction := rule.Actions[3]
	if httpAction.Method != "POST" || httpAction.URL != "https://api.example.com/alert" {
		t.Errorf("http wrong: %+v", httpAction)
	}

	alert := rule.Actions[4]
	if alert.Title != "High Temperature" || alert.Severity != "warning" {
		t.Errorf("alert wrong: %+v", alert)
	}

	set := rule.Actions[5]
	if set.DeviceID != "thermostat" || set.Property != "mode" || string(set.Value) != `"cool"` {
		t.Errorf("set wrong: %+v", set)
	}
}

func TestCompileDescriptionAndTags(t *testing.T) {
	rule := mustCompile(t, `
	rule "Tagged Rule"
	description "This is a test rule"
	tags temperature, alert, urgent
	when temp > 40
	do
		notify "Critical!"
	end
	`)
	if rule.Description != "This is a test rule" {
		t.Errorf("description: %q", rule.Description)
	}
	if !reflect.DeepEqual(rule.Tags, []string{"temperature", "alert", "urgent"}) {
		t.Errorf("tags: %v", rule.Tags)
	}
}

func TestCompileInvalid(t *testing.T) {
	bad := []string{
		`rule "Broken" when temperature >> do notify "x" end`,
		`rule "No Actions" when temperature > 1 do end`,
		`when temperature > 1 do notify "x" end`,
		`rule "No End" when temperature > 1 do notify "x"`,
	}
	for _, dsl := range bad {
		if _, err := Compile(dsl); !errors.Is(err, ErrCompilation) {
			t.Errorf("expected ErrCompilation for %q, got %v", dsl, err)
		}
	}
}

func TestPrintCompileRoundTrip(t *testing.T) {
	sources := []string{
		`rule "Simple" when temperature > 30 do notify "hot" end`,
		`rule "Sustained" description "warm for a while" tags heat, slow
		 when sensor.temp >= 28 for 2 minutes do notify "warm" [email] end`,
		`rule "Complex" when temperature > 20 and humidity < 50 or not pressure between 990 and 1020
		 do
			execute hvac.turn_on(mode="cool", target=22)
			alert "Climate", critical, "out of envelope"
			log info "handled"
			set hvac.mode = "auto"
			http post https://hooks.example.com/climate
		 end`,
	}

	for _, src := range sources {
		first := mustCompile(t, src)
		printed := Print(first)
		second, err := Compile(printed)
		if err != nil {
			t.Fatalf("reparse of printed rule failed: %v\n%s", err, printed)
		}
		if !reflect.DeepEqual(first, second) {
			t.Errorf("round trip changed rule:\n before: %+v\n after:  %+v\n printed:\n%s", first, second, printed)
		}
	}
}
