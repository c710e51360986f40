package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/neotalk/neotalk/pkg/models"
)

// AlertSink receives notifications and alerts raised by rule actions.
type AlertSink interface {
	Notify(ctx context.Context, message string, channels []string) error
	CreateAlert(ctx context.Context, severity models.Severity, title, body, source string) error
}

// CommandSender delivers downlink commands for execute and set actions.
type CommandSender interface {
	SendCommand(ctx context.Context, deviceID, command string, params map[string]string) error
}

// ActionExecutor runs a rule's action list in declared order. A single
// action failure is logged and recorded; it does not abort the batch.
type ActionExecutor struct {
	Alerts   AlertSink
	Commands CommandSender
	HTTP     *http.Client
	Logger   *slog.Logger
}

// NewActionExecutor creates an executor with a default HTTP client.
func NewActionExecutor(alerts AlertSink, commands CommandSender, logger *slog.Logger) *ActionExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionExecutor{
		Alerts:   alerts,
		Commands: commands,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
		Logger:   logger.With("component", "rule_actions"),
	}
}

// Execute runs all actions sequentially and reports whether every action
// succeeded.
func (e *ActionExecutor) Execute(ctx context.Context, source string, actions []models.Action) bool {
	success := true
	for i, action := range actions {
		if err := e.executeOne(ctx, source, action); err != nil {
			success = false
			e.Logger.Warn("rule action failed",
				"source", source, "index", i, "type", action.Type, "error", err)
		}
	}
	return success
}

func (e *ActionExecutor) executeOne(ctx context.Context, source string, action models.Action) error {
	switch action.Type {
	case models.ActionNotify:
		if e.Alerts == nil {
			return fmt.Errorf("no alert sink configured")
		}
		return e.Alerts.Notify(ctx, action.Message, action.Channels)

	case models.ActionCreateAlert:
		if e.Alerts == nil {
			return fmt.Errorf("no alert sink configured")
		}
		severity := models.Severity(action.Severity)
		if severity.Rank() == 0 {
			severity = models.SeverityWarning
		}
		return e.Alerts.CreateAlert(ctx, severity, action.Title, action.Message, source)

	case models.ActionExecute:
		if e.Commands == nil {
			return fmt.Errorf("no command sender configured")
		}
		return e.Commands.SendCommand(ctx, action.DeviceID, action.Command, rawParams(action.Params))

	case models.ActionSet:
		if e.Commands == nil {
			return fmt.Errorf("no command sender configured")
		}
		return e.Commands.SendCommand(ctx, action.DeviceID, "set_"+action.Property,
			map[string]string{action.Property: rawToString(action.Value)})

	case models.ActionLog:
		switch action.Level {
		case "error":
			e.Logger.Error(action.Message, "source", source)
		case "warning", "warn":
			e.Logger.Warn(action.Message, "source", source)
		case "debug":
			e.Logger.Debug(action.Message, "source", source)
		default:
			e.Logger.Info(action.Message, "source", source)
		}
		return nil

	case models.ActionHTTP:
		return e.httpRequest(ctx, action)

	case models.ActionDelay:
		select {
		case <-time.After(time.Duration(action.DelaySecs) * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}

func (e *ActionExecutor) httpRequest(ctx context.Context, action models.Action) error {
	method := action.Method
	if method == "" {
		method = http.MethodPost
	}
	var body *bytes.Reader
	if action.Body != "" {
		body = bytes.NewReader([]byte(action.Body))
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, action.URL, body)
	if err != nil {
		return err
	}
	for k, v := range action.Headers {
		req.Header.Set(k, v)
	}
	resp, err := e.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http %s %s: status %d", method, action.URL, resp.StatusCode)
	}
	return nil
}

func rawParams(params map[string]json.RawMessage) map[string]string {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = rawToString(v)
	}
	return out
}

func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
