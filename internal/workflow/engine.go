// Package workflow executes multi-step automation graphs with typed step
// semantics, persisted execution records, and trigger wiring.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neotalk/neotalk/internal/bus"
	"github.com/neotalk/neotalk/pkg/models"
)

// Workflow errors, by failure class.
var (
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	ErrExecutionFailed   = errors.New("workflow execution failed")
	ErrTimeout           = errors.New("workflow timeout")
	ErrCancelled         = errors.New("workflow cancelled")
)

// DefaultMaxHistory bounds persisted execution records per workflow.
const DefaultMaxHistory = 100

// CommandSender delivers downlink commands for execute_command steps.
type CommandSender interface {
	SendCommand(ctx context.Context, deviceID, command string, params map[string]string) error
}

// AlertSink receives alerts raised by send_alert steps.
type AlertSink interface {
	CreateAlert(ctx context.Context, severity models.Severity, title, body, source string) error
}

// ValueReader reads current device values for device_query and
// wait_for_device_state steps.
type ValueReader interface {
	Get(deviceID, metric string) (float64, bool)
}

// DataQuerier reads historical device data for data_query steps.
type DataQuerier interface {
	QueryRange(ctx context.Context, source models.DataSourceID, start, end int64) ([]models.DataPoint, error)
}

// WasmRunner executes sandboxed modules for execute_wasm and
// image_process steps.
type WasmRunner interface {
	Execute(ctx context.Context, moduleID, function string, args json.RawMessage) (json.RawMessage, error)
}

// ExecutionStore persists execution records.
type ExecutionStore interface {
	RecordExecution(ctx context.Context, exec *models.WorkflowExecution) error
	PruneExecutions(ctx context.Context, automationID string, keep int) error
}

// Deps bundles the engine's collaborators; any of them may be nil, in
// which case the corresponding steps fail.
type Deps struct {
	Bus      *bus.Bus
	Commands CommandSender
	Alerts   AlertSink
	Values   ValueReader
	Data     DataQuerier
	Wasm     WasmRunner
	Store    ExecutionStore
	HTTPDo   func(ctx context.Context, method, url string, headers map[string]string, body string) (int, []byte, error)
}

// Engine runs workflows.
type Engine struct {
	deps   Deps
	logger *slog.Logger
}

// New creates a workflow engine.
func New(deps Deps, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{deps: deps, logger: logger.With("component", "workflow")}
}

// run carries one execution's mutable state.
type run struct {
	engine    *Engine
	workflow  *models.Automation
	spec      *models.WorkflowSpec
	execution *models.WorkflowExecution

	mu        sync.Mutex
	variables map[string]any
}

// Execute runs a workflow to completion and persists its execution
// record. Retry configuration re-runs the whole workflow on failure.
func (e *Engine) Execute(ctx context.Context, workflow *models.Automation, seed map[string]any) (*models.WorkflowExecution, error) {
	if workflow.Kind != models.AutomationWorkflow || workflow.Workflow == nil {
		return nil, fmt.Errorf("%w: %s is not a workflow", ErrInvalidDefinition, workflow.ID)
	}
	spec := workflow.Workflow

	attempts := 1
	delay := time.Duration(0)
	if spec.Retry != nil {
		attempts += spec.Retry.MaxRetries
		delay = time.Duration(spec.Retry.RetryDelaySeconds) * time.Second
	}

	var exec *models.WorkflowExecution
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return exec, ctx.Err()
			}
		}
		exec, err = e.executeOnce(ctx, workflow, seed)
		if err == nil && exec.Status == models.ExecutionCompleted {
			break
		}
		if errors.Is(err, context.Canceled) {
			break
		}
	}
	return exec, err
}

func (e *Engine) executeOnce(ctx context.Context, workflow *models.Automation, seed map[string]any) (*models.WorkflowExecution, error) {
	spec := workflow.Workflow

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.TimeoutSecs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutSecs*float64(time.Second)))
		defer cancel()
	}

	execution := &models.WorkflowExecution{
		ID:          uuid.NewString(),
		WorkflowID:  workflow.ID,
		Status:      models.ExecutionRunning,
		StartedAt:   time.Now(),
		StepResults: make(map[string]models.StepResult),
	}

	r := &run{
		engine:    e,
		workflow:  workflow,
		spec:      spec,
		execution: execution,
		variables: make(map[string]any),
	}
	for name, raw := range spec.Variables {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			r.variables[name] = v
		}
	}
	for name, v := range seed {
		r.variables[name] = v
	}

	err := r.runSteps(runCtx, spec.Steps)
	execution.CompletedAt = time.Now()

	switch {
	case err == nil:
		execution.Status = models.ExecutionCompleted
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		execution.Status = models.ExecutionCancelled
		execution.Error = ErrCancelled.Error()
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout):
		execution.Status = models.ExecutionFailed
		execution.Error = fmt.Sprintf("%v: %v", ErrTimeout, err)
	default:
		execution.Status = models.ExecutionFailed
		execution.Error = err.Error()
	}

	e.persist(ctx, workflow, execution)

	if e.deps.Bus != nil {
		e.deps.Bus.Publish(bus.WorkflowCompletedEvent{
			WorkflowID:  workflow.ID,
			ExecutionID: execution.ID,
			Status:      execution.Status,
			DurationMs:  execution.Duration().Milliseconds(),
		})
	}

	if err != nil {
		return execution, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}
	return execution, nil
}

func (e *Engine) persist(ctx context.Context, workflow *models.Automation, execution *models.WorkflowExecution) {
	if e.deps.Store == nil {
		return
	}
	// The run context may already be done; persistence gets its own slack.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.deps.Store.RecordExecution(persistCtx, execution); err != nil {
		e.logger.Warn("execution record not persisted", "workflow", workflow.ID, "error", err)
		return
	}
	keep := workflow.Workflow.MaxHistory
	if keep <= 0 {
		keep = DefaultMaxHistory
	}
	if err := e.deps.Store.PruneExecutions(persistCtx, workflow.ID, keep); err != nil {
		e.logger.Warn("execution prune failed", "workflow", workflow.ID, "error", err)
	}
}

// runSteps executes steps sequentially, stopping at the first failure.
func (r *run) runSteps(ctx context.Context, steps []models.Step) error {
	for i := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runStep(ctx, &steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) runStep(ctx context.Context, step *models.Step) error {
	result := models.StepResult{Status: models.ExecutionRunning, StartedAt: time.Now()}
	r.setResult(step.ID, result)

	output, err := r.dispatch(ctx, step)

	result.CompletedAt = time.Now()
	if err != nil {
		result.Status = models.ExecutionFailed
		result.Error = err.Error()
		r.setResult(step.ID, result)
		r.log("step %s failed: %v", step.ID, err)
		return fmt.Errorf("step %s: %w", step.ID, err)
	}
	result.Status = models.ExecutionCompleted
	result.Output = output
	r.setResult(step.ID, result)

	if step.OutputVariable != "" && output != nil {
		var v any
		if err := json.Unmarshal(output, &v); err == nil {
			r.setVariable(step.OutputVariable, v)
		}
	}
	return nil
}

func (r *run) setResult(stepID string, result models.StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execution.StepResults[stepID] = result
}

func (r *run) setVariable(name string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variables[name] = value
}

func (r *run) getVariables() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.variables))
	for k, v := range r.variables {
		out[k] = v
	}
	return out
}

func (r *run) log(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execution.Logs = append(r.execution.Logs, fmt.Sprintf(format, args...))
}
