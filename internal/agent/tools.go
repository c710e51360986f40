package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"github.com/neotalk/neotalk/internal/bus"
	"github.com/neotalk/neotalk/internal/memory"
	"github.com/neotalk/neotalk/internal/rules"
	"github.com/neotalk/neotalk/pkg/models"
)

// DeviceDirectory is the device surface the built-in tools use.
type DeviceDirectory interface {
	List() []*models.Device
	Search(query string) []*models.Device
}

// HistoryReader reads device history for the data tools.
type HistoryReader interface {
	QueryLatest(ctx context.Context, source models.DataSourceID) (*models.DataPoint, error)
	QueryRange(ctx context.Context, source models.DataSourceID, start, end int64) ([]models.DataPoint, error)
}

// CommandSender delivers downlink commands for the control tool.
type CommandSender interface {
	SendCommand(ctx context.Context, deviceID, command string, params map[string]string) error
}

// AutomationAccess is the automation surface the built-in tools use.
type AutomationAccess interface {
	Save(ctx context.Context, a *models.Automation) error
	Get(ctx context.Context, id string) (*models.Automation, error)
	List(ctx context.Context, kind models.AutomationKind) ([]models.Automation, error)
	Delete(ctx context.Context, id string) error
}

// WorkflowRunner triggers a workflow run.
type WorkflowRunner interface {
	Execute(ctx context.Context, workflow *models.Automation, seed map[string]any) (*models.WorkflowExecution, error)
}

// AlertAccess is the alert surface the built-in tools use.
type AlertAccess interface {
	List(status models.MessageStatus) []*models.Message
	Acknowledge(id string) error
}

// ToolDeps bundles everything the built-in tools talk to; nil fields
// disable the corresponding tools.
type ToolDeps struct {
	Devices   DeviceDirectory
	History   HistoryReader
	Commands  CommandSender
	Store     AutomationAccess
	Workflows WorkflowRunner
	Alerts    AlertAccess
	Memory    *memory.Manager
	Bus       *bus.Bus
}

// decisionProposal is the propose_decision tool's argument shape; its
// parameter schema is generated from the struct.
type decisionProposal struct {
	Title       string                  `json:"title" jsonschema:"required"`
	Description string                  `json:"description,omitempty"`
	Reasoning   string                  `json:"reasoning,omitempty"`
	Confidence  float64                 `json:"confidence" jsonschema:"required"`
	Actions     []models.DecisionAction `json:"actions,omitempty"`
}

// schemaFor derives a JSON schema from a Go struct.
func schemaFor(v any) json.RawMessage {
	reflector := jsonschema.Reflector{DoNotReference: true, Anonymous: true, ExpandedStruct: true}
	schema := reflector.Reflect(v)
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	return raw
}

// RegisterBuiltins installs the platform's built-in tools.
func RegisterBuiltins(r *Registry, deps ToolDeps) error {
	var tools []*ToolFunc

	if deps.Devices != nil {
		tools = append(tools,
			&ToolFunc{
				Desc: models.ToolDescriptor{
					Name:        "list_devices",
					Description: "List registered devices, optionally filtered by a search query.",
					Category:    models.ToolCategoryDevice,
					Scenarios:   []string{"what devices exist", "find a device"},
					Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
					Version:     "1.0",
				},
				Fn: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
					var params struct {
						Query string `json:"query"`
					}
					_ = json.Unmarshal(args, &params)
					devices := deps.Devices.List()
					if params.Query != "" {
						devices = deps.Devices.Search(params.Query)
					}
					return json.Marshal(devices)
				},
			})
	}

	if deps.History != nil {
		tools = append(tools, &ToolFunc{
			Desc: models.ToolDescriptor{
				Name:        "get_device_data",
				Description: "Read a device metric: the latest value, or a time range when start_time/end_time are given.",
				Category:    models.ToolCategoryData,
				Scenarios:   []string{"current temperature", "sensor history"},
				Parameters: json.RawMessage(`{"type":"object","required":["device_id","metric"],"properties":{
					"device_id":{"type":"string"},"metric":{"type":"string"},
					"start_time":{"type":"number"},"end_time":{"type":"number"}}}`),
				Version: "1.0",
			},
			Fn: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				var params struct {
					DeviceID  string `json:"device_id"`
					Metric    string `json:"metric"`
					StartTime *int64 `json:"start_time"`
					EndTime   *int64 `json:"end_time"`
				}
				if err := json.Unmarshal(args, &params); err != nil {
					return nil, err
				}
				source := models.DeviceSource(params.DeviceID, params.Metric)
				if params.StartTime != nil {
					end := time.Now().Unix()
					if params.EndTime != nil {
						end = *params.EndTime
					}
					points, err := deps.History.QueryRange(ctx, source, *params.StartTime, end)
					if err != nil {
						return nil, err
					}
					return json.Marshal(map[string]any{"count": len(points), "points": points})
				}
				latest, err := deps.History.QueryLatest(ctx, source)
				if err != nil {
					return nil, err
				}
				if latest == nil {
					return nil, fmt.Errorf("no data for %s.%s", params.DeviceID, params.Metric)
				}
				return json.Marshal(latest)
			},
		})
	}

	if deps.Commands != nil {
		tools = append(tools, &ToolFunc{
			Desc: models.ToolDescriptor{
				Name:        "control_device",
				Description: "Send a command to a device.",
				Category:    models.ToolCategoryDevice,
				Scenarios:   []string{"turn something on or off", "set a device property"},
				Parameters: json.RawMessage(`{"type":"object","required":["device_id","command"],"properties":{
					"device_id":{"type":"string"},"command":{"type":"string"},
					"params":{"type":"object","additionalProperties":{"type":"string"}}}}`),
				Version: "1.0",
			},
			Fn: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				var params struct {
					DeviceID string            `json:"device_id"`
					Command  string            `json:"command"`
					Params   map[string]string `json:"params"`
				}
				if err := json.Unmarshal(args, &params); err != nil {
					return nil, err
				}
				if err := deps.Commands.SendCommand(ctx, params.DeviceID, params.Command, params.Params); err != nil {
					return nil, err
				}
				return json.Marshal(map[string]any{"sent": true})
			},
		})
	}

	if deps.Store != nil {
		tools = append(tools,
			&ToolFunc{
				Desc: models.ToolDescriptor{
					Name:        "list_rules",
					Description: "List automation rules.",
					Category:    models.ToolCategoryAutomation,
					Version:     "1.0",
				},
				Fn: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
					list, err := deps.Store.List(ctx, models.AutomationRule)
					if err != nil {
						return nil, err
					}
					return json.Marshal(list)
				},
			},
			&ToolFunc{
				Desc: models.ToolDescriptor{
					Name:        "create_rule",
					Description: "Create an automation rule from rule DSL text.",
					Category:    models.ToolCategoryAutomation,
					Scenarios:   []string{"alert me when a metric crosses a threshold"},
					Parameters:  json.RawMessage(`{"type":"object","required":["dsl"],"properties":{"dsl":{"type":"string"}}}`),
					Version:     "1.0",
				},
				Fn: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
					var params struct {
						DSL string `json:"dsl"`
					}
					if err := json.Unmarshal(args, &params); err != nil {
						return nil, err
					}
					parsed, err := rules.Compile(params.DSL)
					if err != nil {
						return nil, err
					}
					automation := parsed.ToAutomation(models.NewAutomationID())
					if err := deps.Store.Save(ctx, &automation); err != nil {
						return nil, err
					}
					return json.Marshal(map[string]any{"id": automation.ID, "name": automation.Name})
				},
			},
			&ToolFunc{
				Desc: models.ToolDescriptor{
					Name:        "delete_rule",
					Description: "Delete an automation rule by id.",
					Category:    models.ToolCategoryAutomation,
					Parameters:  json.RawMessage(`{"type":"object","required":["id"],"properties":{"id":{"type":"string"}}}`),
					Version:     "1.0",
				},
				Fn: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
					var params struct {
						ID string `json:"id"`
					}
					if err := json.Unmarshal(args, &params); err != nil {
						return nil, err
					}
					if err := deps.Store.Delete(ctx, params.ID); err != nil {
						return nil, err
					}
					return json.Marshal(map[string]any{"deleted": true})
				},
			},
			&ToolFunc{
				Desc: models.ToolDescriptor{
					Name:        "list_workflows",
					Description: "List workflows.",
					Category:    models.ToolCategoryAutomation,
					Version:     "1.0",
				},
				Fn: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
					list, err := deps.Store.List(ctx, models.AutomationWorkflow)
					if err != nil {
						return nil, err
					}
					return json.Marshal(list)
				},
			})
	}

	if deps.Store != nil && deps.Workflows != nil {
		tools = append(tools, &ToolFunc{
			Desc: models.ToolDescriptor{
				Name:        "trigger_workflow",
				Description: "Manually run a workflow by id.",
				Category:    models.ToolCategoryAutomation,
				Parameters:  json.RawMessage(`{"type":"object","required":["id"],"properties":{"id":{"type":"string"}}}`),
				Version:     "1.0",
			},
			Fn: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				var params struct {
					ID string `json:"id"`
				}
				if err := json.Unmarshal(args, &params); err != nil {
					return nil, err
				}
				workflow, err := deps.Store.Get(ctx, params.ID)
				if err != nil {
					return nil, err
				}
				exec, err := deps.Workflows.Execute(ctx, workflow, nil)
				if err != nil {
					return nil, err
				}
				return json.Marshal(map[string]any{"execution_id": exec.ID, "status": exec.Status})
			},
		})
	}

	if deps.Alerts != nil {
		tools = append(tools,
			&ToolFunc{
				Desc: models.ToolDescriptor{
					Name:        "list_alerts",
					Description: "List active alerts.",
					Category:    models.ToolCategoryAlert,
					Version:     "1.0",
				},
				Fn: func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
					return json.Marshal(deps.Alerts.List(models.StatusActive))
				},
			},
			&ToolFunc{
				Desc: models.ToolDescriptor{
					Name:        "acknowledge_alert",
					Description: "Acknowledge an alert by id.",
					Category:    models.ToolCategoryAlert,
					Parameters:  json.RawMessage(`{"type":"object","required":["id"],"properties":{"id":{"type":"string"}}}`),
					Version:     "1.0",
				},
				Fn: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
					var params struct {
						ID string `json:"id"`
					}
					if err := json.Unmarshal(args, &params); err != nil {
						return nil, err
					}
					if err := deps.Alerts.Acknowledge(params.ID); err != nil {
						return nil, err
					}
					return json.Marshal(map[string]any{"acknowledged": true})
				},
			})
	}

	if deps.Memory != nil {
		tools = append(tools, &ToolFunc{
			Desc: models.ToolDescriptor{
				Name:        "query_memory",
				Description: "Search the agent's tiered memory.",
				Category:    models.ToolCategoryMemory,
				Parameters: json.RawMessage(`{"type":"object","required":["query"],"properties":{
					"query":{"type":"string"},"top_k":{"type":"integer"}}}`),
				Version: "1.0",
			},
			Fn: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				var params struct {
					Query string `json:"query"`
					TopK  int    `json:"top_k"`
				}
				if err := json.Unmarshal(args, &params); err != nil {
					return nil, err
				}
				if params.TopK <= 0 {
					params.TopK = 5
				}
				result, err := deps.Memory.QueryAll(ctx, params.Query, params.TopK)
				if err != nil {
					return nil, err
				}
				return json.Marshal(result)
			},
		})
	}

	if deps.Bus != nil {
		tools = append(tools, &ToolFunc{
			Desc: models.ToolDescriptor{
				Name:        "propose_decision",
				Description: "Propose an action bundle for operator approval instead of acting directly. Use for risky actions.",
				Category:    models.ToolCategorySystem,
				Parameters:  schemaFor(decisionProposal{}),
				Version:     "1.0",
			},
			Fn: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
				var params decisionProposal
				if err := json.Unmarshal(args, &params); err != nil {
					return nil, err
				}
				id := uuid.NewString()
				deps.Bus.Publish(bus.LlmDecisionProposedEvent{
					DecisionID:  id,
					Title:       params.Title,
					Description: params.Description,
					Reasoning:   params.Reasoning,
					Actions:     params.Actions,
					Confidence:  params.Confidence,
					Timestamp:   time.Now().Unix(),
				})
				return json.Marshal(map[string]any{"decision_id": id})
			},
		})
	}

	// Interaction tools: their results hand the turn back to the user.
	for _, interaction := range []struct {
		name, description string
	}{
		{"ask_user", "Ask the user a question before proceeding."},
		{"confirm_action", "Ask the user to confirm a risky action before it runs."},
		{"clarify_intent", "Ask the user to clarify an ambiguous request."},
	} {
		tools = append(tools, &ToolFunc{
			Desc: models.ToolDescriptor{
				Name:        interaction.name,
				Description: interaction.description,
				Category:    models.ToolCategoryInteraction,
				Parameters:  json.RawMessage(`{"type":"object","required":["question"],"properties":{"question":{"type":"string"}}}`),
				Version:     "1.0",
			},
			NeedsUserInput: true,
			Fn: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
				return args, nil
			},
		})
	}

	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
