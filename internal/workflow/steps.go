package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/neotalk/neotalk/pkg/models"
)

// dispatch runs one step by type and returns its JSON output.
func (r *run) dispatch(ctx context.Context, step *models.Step) (json.RawMessage, error) {
	deps := r.engine.deps

	switch step.Type {
	case models.StepLog:
		message := r.interpolate(step.Message)
		r.log("%s", message)
		r.engine.logger.Info(message, "workflow", r.workflow.ID, "step", step.ID)
		return nil, nil

	case models.StepSetVariable:
		var v any
		if len(step.Value) > 0 {
			if err := json.Unmarshal(step.Value, &v); err != nil {
				return nil, fmt.Errorf("invalid value: %w", err)
			}
		}
		if s, ok := v.(string); ok {
			v = r.interpolate(s)
		}
		r.setVariable(step.Variable, v)
		return nil, nil

	case models.StepDelay:
		select {
		case <-time.After(time.Duration(step.Seconds * float64(time.Second))):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	case models.StepCondition:
		holds, err := EvalExpression(r.interpolate(step.Expression), r.getVariables())
		if err != nil {
			return nil, fmt.Errorf("condition: %w", err)
		}
		if holds {
			return nil, r.runSteps(ctx, step.ThenSteps)
		}
		return nil, r.runSteps(ctx, step.ElseSteps)

	case models.StepParallel:
		group, groupCtx := errgroup.WithContext(ctx)
		if step.MaxParallel > 0 {
			group.SetLimit(step.MaxParallel)
		}
		for i := range step.Steps {
			child := &step.Steps[i]
			group.Go(func() error {
				return r.runStep(groupCtx, child)
			})
		}
		return nil, group.Wait()

	case models.StepExecuteCommand:
		if deps.Commands == nil {
			return nil, fmt.Errorf("no command sender configured")
		}
		params := make(map[string]string, len(step.Params))
		for k, raw := range step.Params {
			params[k] = r.interpolate(rawString(raw))
		}
		if err := deps.Commands.SendCommand(ctx, step.DeviceID, step.Command, params); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"device_id": step.DeviceID, "command": step.Command})

	case models.StepSendAlert:
		if deps.Alerts == nil {
			return nil, fmt.Errorf("no alert sink configured")
		}
		severity := models.Severity(step.Severity)
		if severity.Rank() == 0 {
			severity = models.SeverityInfo
		}
		return nil, deps.Alerts.CreateAlert(ctx, severity,
			r.interpolate(step.Title), r.interpolate(step.Message), r.workflow.Name)

	case models.StepDeviceQuery:
		if deps.Values == nil {
			return nil, fmt.Errorf("no value reader configured")
		}
		value, ok := deps.Values.Get(step.DeviceID, step.Metric)
		if !ok {
			return nil, fmt.Errorf("no value for %s.%s", step.DeviceID, step.Metric)
		}
		return json.Marshal(map[string]any{"device_id": step.DeviceID, "metric": step.Metric, "value": value})

	case models.StepWaitForDeviceState:
		return r.waitForDeviceState(ctx, step)

	case models.StepDataQuery:
		if deps.Data == nil {
			return nil, fmt.Errorf("no data querier configured")
		}
		end := time.Now().Unix()
		start := end - step.StartOffsetSecs
		if step.StartOffsetSecs <= 0 {
			start = end - 3600
		}
		points, err := deps.Data.QueryRange(ctx, models.DeviceSource(step.DeviceID, step.Metric), start, end)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"count": len(points), "points": points})

	case models.StepHTTPRequest:
		if deps.HTTPDo == nil {
			return nil, fmt.Errorf("no http client configured")
		}
		status, body, err := deps.HTTPDo(ctx, step.Method, r.interpolate(step.URL), step.Headers, r.interpolate(step.Body))
		if err != nil {
			return nil, err
		}
		if status >= 400 {
			return nil, fmt.Errorf("http status %d", status)
		}
		return json.Marshal(map[string]any{"status": status, "body": string(body)})

	case models.StepExecuteWasm, models.StepImageProcess:
		if deps.Wasm == nil {
			return nil, fmt.Errorf("no sandbox configured")
		}
		function := step.Function
		if function == "" {
			if step.Type == models.StepImageProcess {
				function = "process_image"
			} else {
				function = "run"
			}
		}
		args := step.Args
		if len(args) == 0 {
			encoded, err := json.Marshal(r.getVariables())
			if err != nil {
				return nil, err
			}
			args = encoded
		}
		return deps.Wasm.Execute(ctx, step.ModuleID, function, args)

	default:
		return nil, fmt.Errorf("unknown step type %q", step.Type)
	}
}

// waitForDeviceState polls the value cache until the metric reaches the
// expected value within tolerance, or the step's timeout elapses.
func (r *run) waitForDeviceState(ctx context.Context, step *models.Step) (json.RawMessage, error) {
	deps := r.engine.deps
	if deps.Values == nil {
		return nil, fmt.Errorf("no value reader configured")
	}

	timeout := time.Duration(step.TimeoutSecs * float64(time.Second))
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	poll := time.Duration(step.PollInterval * float64(time.Second))
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	tolerance := step.Tolerance

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if value, ok := deps.Values.Get(step.DeviceID, step.Metric); ok {
			if math.Abs(value-step.Expected) <= tolerance {
				return json.Marshal(map[string]any{"value": value})
			}
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return nil, fmt.Errorf("%w: %s.%s did not reach %v within %s",
				ErrTimeout, step.DeviceID, step.Metric, step.Expected, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
