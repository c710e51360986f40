package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/neotalk/neotalk/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ruleAutomation(id string) *models.Automation {
	return &models.Automation{
		Kind:           models.AutomationRule,
		AutomationMeta: models.AutomationMeta{ID: id, Name: "rule " + id, Enabled: true},
		Rule: &models.RuleSpec{
			Condition: models.Condition{Operator: models.OpGreater, DeviceID: "d", Metric: "m", Threshold: 1},
			Actions:   []models.Action{{Type: models.ActionNotify, Message: "x"}},
		},
	}
}

func workflowAutomation(id string) *models.Automation {
	return &models.Automation{
		Kind:           models.AutomationWorkflow,
		AutomationMeta: models.AutomationMeta{ID: id, Name: "wf " + id, Enabled: true},
		Workflow: &models.WorkflowSpec{
			Triggers: []models.Trigger{{Type: models.TriggerManual}},
			Steps:    []models.Step{{ID: "s1", Type: models.StepLog, Message: "hi"}},
		},
	}
}

func TestSaveGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := ruleAutomation("r1")
	if err := s.Save(ctx, a); err != nil {
		t.Fatalf("save: %v", err)
	}
	if a.CreatedAt.IsZero() || a.UpdatedAt.Before(a.CreatedAt) {
		t.Errorf("timestamps not maintained: %+v", a.AutomationMeta)
	}

	back, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if back.Name != a.Name || back.Rule == nil || back.Rule.Condition.Threshold != 1 {
		t.Errorf("round trip changed automation: %+v", back)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	s := openTestStore(t)
	bad := &models.Automation{Kind: models.AutomationRule, AutomationMeta: models.AutomationMeta{ID: "x"}}
	if err := s.Save(context.Background(), bad); !errors.Is(err, ErrInvalidDefinition) {
		t.Errorf("expected ErrInvalidDefinition, got %v", err)
	}
}

func TestListByKind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_ = s.Save(ctx, ruleAutomation("r1"))
	_ = s.Save(ctx, workflowAutomation("w1"))

	rules, err := s.List(ctx, models.AutomationRule)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "r1" {
		t.Errorf("list rules: %+v", rules)
	}

	all, _ := s.List(ctx, "")
	if len(all) != 2 {
		t.Errorf("list all: %d", len(all))
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_ = s.Save(ctx, ruleAutomation("r1"))

	if err := s.Delete(ctx, "r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleting unknown id should report not found, got %v", err)
	}
}

func TestRecordExecutionBumpsCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_ = s.Save(ctx, workflowAutomation("w1"))

	exec := &models.WorkflowExecution{
		ID:          "e1",
		WorkflowID:  "w1",
		Status:      models.ExecutionCompleted,
		StartedAt:   time.Now().Add(-time.Second),
		CompletedAt: time.Now(),
		StepResults: map[string]models.StepResult{"s1": {Status: models.ExecutionCompleted}},
	}
	if err := s.RecordExecution(ctx, exec); err != nil {
		t.Fatalf("record execution: %v", err)
	}

	a, _ := s.Get(ctx, "w1")
	if a.ExecutionCount != 1 || a.LastExecuted == 0 {
		t.Errorf("execution metadata not bumped: %+v", a.AutomationMeta)
	}

	execs, err := s.Executions(ctx, "w1", 10)
	if err != nil {
		t.Fatalf("executions: %v", err)
	}
	if len(execs) != 1 || execs[0].ID != "e1" {
		t.Errorf("executions: %+v", execs)
	}
}

func TestExecutionsNewestFirstAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_ = s.Save(ctx, workflowAutomation("w1"))

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		_ = s.RecordExecution(ctx, &models.WorkflowExecution{
			ID:         "e" + string(rune('0'+i)),
			WorkflowID: "w1",
			Status:     models.ExecutionCompleted,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
		})
	}

	execs, _ := s.Executions(ctx, "w1", 10)
	if len(execs) != 5 {
		t.Fatalf("expected 5 executions, got %d", len(execs))
	}
	for i := 1; i < len(execs); i++ {
		if execs[i].StartedAt.After(execs[i-1].StartedAt) {
			t.Error("executions should be newest first")
		}
	}

	if err := s.PruneExecutions(ctx, "w1", 2); err != nil {
		t.Fatalf("prune: %v", err)
	}
	execs, _ = s.Executions(ctx, "w1", 10)
	if len(execs) != 2 {
		t.Errorf("expected 2 after prune, got %d", len(execs))
	}
	if execs[0].ID != "e4" {
		t.Errorf("prune should keep newest, got %+v", execs)
	}
}

func TestTemplates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tpl := &models.AutomationTemplate{
		ID:         "t1",
		Name:       "threshold",
		Kind:       models.AutomationRule,
		Definition: []byte(`{"threshold": 30}`),
	}
	if err := s.SaveTemplate(ctx, tpl); err != nil {
		t.Fatalf("save template: %v", err)
	}

	templates, err := s.ListTemplates(ctx)
	if err != nil {
		t.Fatalf("list templates: %v", err)
	}
	if len(templates) != 1 || templates[0].Name != "threshold" {
		t.Errorf("templates: %+v", templates)
	}
}
