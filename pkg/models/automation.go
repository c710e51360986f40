package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AutomationKind discriminates the Automation sum type.
type AutomationKind string

const (
	AutomationTransform AutomationKind = "transform"
	AutomationRule      AutomationKind = "rule"
	AutomationWorkflow  AutomationKind = "workflow"
)

// AutomationMeta is shared by every automation variant.
type AutomationMeta struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	Enabled        bool      `json:"enabled"`
	ExecutionCount int64     `json:"execution_count"`
	LastExecuted   int64     `json:"last_executed,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Automation is the unified variant persisted by the automation store.
// Exactly one of Transform, Rule, Workflow is non-nil, matching Kind.
type Automation struct {
	Kind AutomationKind `json:"kind"`
	AutomationMeta

	Transform *TransformSpec `json:"transform,omitempty"`
	Rule      *RuleSpec      `json:"rule,omitempty"`
	Workflow  *WorkflowSpec  `json:"workflow,omitempty"`
}

// Validate checks the kind/payload pairing.
func (a *Automation) Validate() error {
	switch a.Kind {
	case AutomationTransform:
		if a.Transform == nil {
			return fmt.Errorf("automation %s: kind transform without transform spec", a.ID)
		}
	case AutomationRule:
		if a.Rule == nil {
			return fmt.Errorf("automation %s: kind rule without rule spec", a.ID)
		}
	case AutomationWorkflow:
		if a.Workflow == nil {
			return fmt.Errorf("automation %s: kind workflow without workflow spec", a.ID)
		}
	default:
		return fmt.Errorf("automation %s: unknown kind %q", a.ID, a.Kind)
	}
	return nil
}

// NewAutomationID returns a fresh automation identifier.
func NewAutomationID() string { return uuid.NewString() }

// TransformScopeKind orders transform applicability: device-scoped
// transforms run before device-type-scoped, which run before global.
type TransformScopeKind string

const (
	ScopeGlobal     TransformScopeKind = "global"
	ScopeDeviceType TransformScopeKind = "device_type"
	ScopeDevice     TransformScopeKind = "device"
)

// TransformScope selects which devices a transform applies to.
type TransformScope struct {
	Kind   TransformScopeKind `json:"kind"`
	Target string             `json:"target,omitempty"`
}

// Priority returns the scope's evaluation priority; higher runs first.
func (s TransformScope) Priority() int {
	switch s.Kind {
	case ScopeDevice:
		return 2
	case ScopeDeviceType:
		return 1
	default:
		return 0
	}
}

// TransformAggregation names an aggregation function applied to array data.
type TransformAggregation string

const (
	AggMean   TransformAggregation = "mean"
	AggMax    TransformAggregation = "max"
	AggMin    TransformAggregation = "min"
	AggSum    TransformAggregation = "sum"
	AggCount  TransformAggregation = "count"
	AggMedian TransformAggregation = "median"
	AggStddev TransformAggregation = "stddev"
	AggFirst  TransformAggregation = "first"
	AggLast   TransformAggregation = "last"
)

// TransformOperationType discriminates declarative transform operations.
type TransformOperationType string

const (
	OpSingle           TransformOperationType = "single"
	OpArrayAggregation TransformOperationType = "array_aggregation"
	OpExtract          TransformOperationType = "extract"
	OpReduce           TransformOperationType = "reduce"
)

// TransformOperation is one declarative data-shaping step.
type TransformOperation struct {
	Type         TransformOperationType `json:"type"`
	Path         string                 `json:"path,omitempty"`
	ValuePath    string                 `json:"value_path,omitempty"`
	Aggregation  TransformAggregation   `json:"aggregation,omitempty"`
	OutputMetric string                 `json:"output_metric"`
}

// TransformSpec shapes raw device data into virtual metrics. A transform
// carries either declarative operations or a sandboxed script, or both;
// script outputs are merged after operations.
type TransformSpec struct {
	Scope        TransformScope       `json:"scope"`
	Operations   []TransformOperation `json:"operations,omitempty"`
	ScriptModule string               `json:"script_module,omitempty"`
	OutputPrefix string               `json:"output_prefix,omitempty"`
	Complexity   int                  `json:"complexity,omitempty"`
}

// ConditionOperator is a comparison or logical operator in rule conditions.
type ConditionOperator string

const (
	OpGreater      ConditionOperator = ">"
	OpLess         ConditionOperator = "<"
	OpGreaterEqual ConditionOperator = ">="
	OpLessEqual    ConditionOperator = "<="
	OpEqual        ConditionOperator = "=="
	OpNotEqual     ConditionOperator = "!="
	OpBetween      ConditionOperator = "between"
	OpAnd          ConditionOperator = "and"
	OpOr           ConditionOperator = "or"
	OpNot          ConditionOperator = "not"
)

// Condition is a boolean expression over current device values. Leaf
// conditions carry device/metric/threshold; and/or/not carry Sub.
type Condition struct {
	Operator  ConditionOperator `json:"operator"`
	DeviceID  string            `json:"device_id,omitempty"`
	Metric    string            `json:"metric,omitempty"`
	Threshold float64           `json:"threshold,omitempty"`
	Min       float64           `json:"min,omitempty"`
	Max       float64           `json:"max,omitempty"`
	Sub       []Condition       `json:"sub,omitempty"`
}

// ActionType discriminates rule actions.
type ActionType string

const (
	ActionNotify      ActionType = "notify"
	ActionExecute     ActionType = "execute"
	ActionLog         ActionType = "log"
	ActionHTTP        ActionType = "http"
	ActionCreateAlert ActionType = "create_alert"
	ActionSet         ActionType = "set"
	ActionDelay       ActionType = "delay"
)

// Action is one reaction fired by a rule.
type Action struct {
	Type ActionType `json:"type"`

	// notify
	Message  string   `json:"message,omitempty"`
	Channels []string `json:"channels,omitempty"`

	// execute / set
	DeviceID string                     `json:"device_id,omitempty"`
	Command  string                     `json:"command,omitempty"`
	Params   map[string]json.RawMessage `json:"params,omitempty"`
	Property string                     `json:"property,omitempty"`
	Value    json.RawMessage            `json:"value,omitempty"`

	// log
	Level string `json:"level,omitempty"`

	// http
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`

	// create_alert
	Title    string `json:"title,omitempty"`
	Severity string `json:"severity,omitempty"`

	// delay
	DelaySecs int `json:"delay_secs,omitempty"`
}

// RuleSpec is a one-shot reaction to device state.
type RuleSpec struct {
	Trigger   Trigger   `json:"trigger"`
	Condition Condition `json:"condition"`
	Actions   []Action  `json:"actions"`

	// ForDuration is the sustain requirement: the condition must hold
	// continuously for this long before the rule fires.
	ForDuration time.Duration `json:"for_duration,omitempty"`
}

// TriggerType discriminates automation triggers.
type TriggerType string

const (
	TriggerManual      TriggerType = "manual"
	TriggerDeviceState TriggerType = "device_state"
	TriggerSchedule    TriggerType = "schedule"
	TriggerEvent       TriggerType = "event"
	TriggerLlmDecision TriggerType = "llm_decision"
)

// DecisionTriggerConfig filters LLM-proposed decisions and maps their
// fields into workflow variables.
type DecisionTriggerConfig struct {
	MinConfidence float64           `json:"min_confidence"`
	ActionTypes   []string          `json:"action_types,omitempty"`
	VariableMap   map[string]string `json:"variable_map,omitempty"`
}

// Trigger starts a rule or workflow.
type Trigger struct {
	Type      TriggerType            `json:"type"`
	DeviceID  string                 `json:"device_id,omitempty"`
	Metric    string                 `json:"metric,omitempty"`
	Cron      string                 `json:"cron,omitempty"`
	EventType string                 `json:"event_type,omitempty"`
	Decision  *DecisionTriggerConfig `json:"decision,omitempty"`
}

// StepType discriminates workflow steps.
type StepType string

const (
	StepDeviceQuery        StepType = "device_query"
	StepCondition          StepType = "condition"
	StepSendAlert          StepType = "send_alert"
	StepExecuteCommand     StepType = "execute_command"
	StepWaitForDeviceState StepType = "wait_for_device_state"
	StepExecuteWasm        StepType = "execute_wasm"
	StepParallel           StepType = "parallel"
	StepDelay              StepType = "delay"
	StepHTTPRequest        StepType = "http_request"
	StepLog                StepType = "log"
	StepSetVariable        StepType = "set_variable"
	StepDataQuery          StepType = "data_query"
	StepImageProcess       StepType = "image_process"
)

// Step is one node in a workflow's step graph. Each step's ID is unique
// within its parent workflow.
type Step struct {
	ID   string   `json:"id"`
	Type StepType `json:"type"`
	Name string   `json:"name,omitempty"`

	// device_query / execute_command / wait_for_device_state / data_query
	DeviceID  string                     `json:"device_id,omitempty"`
	Metric    string                     `json:"metric,omitempty"`
	Command   string                     `json:"command,omitempty"`
	Params    map[string]json.RawMessage `json:"params,omitempty"`
	Expected  float64                    `json:"expected,omitempty"`
	Tolerance float64                    `json:"tolerance,omitempty"`

	// condition
	Expression string `json:"expression,omitempty"`
	ThenSteps  []Step `json:"then_steps,omitempty"`
	ElseSteps  []Step `json:"else_steps,omitempty"`

	// parallel
	Steps       []Step `json:"steps,omitempty"`
	MaxParallel int    `json:"max_parallel,omitempty"`

	// delay / wait_for_device_state
	Seconds      float64 `json:"seconds,omitempty"`
	TimeoutSecs  float64 `json:"timeout_secs,omitempty"`
	PollInterval float64 `json:"poll_interval_secs,omitempty"`

	// send_alert / log
	Title    string `json:"title,omitempty"`
	Message  string `json:"message,omitempty"`
	Severity string `json:"severity,omitempty"`
	Level    string `json:"level,omitempty"`

	// http_request
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`

	// execute_wasm / image_process
	ModuleID string          `json:"module_id,omitempty"`
	Function string          `json:"function,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`

	// set_variable / step output binding
	Variable       string          `json:"variable,omitempty"`
	Value          json.RawMessage `json:"value,omitempty"`
	OutputVariable string          `json:"output_variable,omitempty"`

	// data_query
	StartOffsetSecs int64  `json:"start_offset_secs,omitempty"`
	Aggregation     string `json:"aggregation,omitempty"`
}

// RetryConfig re-runs a failed workflow.
type RetryConfig struct {
	MaxRetries        int `json:"max_retries"`
	RetryDelaySeconds int `json:"retry_delay_seconds"`
}

// WorkflowSpec is a multi-step automation graph.
type WorkflowSpec struct {
	Triggers    []Trigger                  `json:"triggers"`
	Steps       []Step                     `json:"steps"`
	Variables   map[string]json.RawMessage `json:"variables,omitempty"`
	TimeoutSecs float64                    `json:"timeout_secs,omitempty"`
	Retry       *RetryConfig               `json:"retry,omitempty"`
	MaxHistory  int                        `json:"max_history,omitempty"`
}

// ExecutionStatus tracks a workflow run or a single step.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionSkipped   ExecutionStatus = "skipped"
)

// StepResult records one step's outcome within a run.
type StepResult struct {
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// WorkflowExecution is the persisted record of one workflow run.
type WorkflowExecution struct {
	ID          string                `json:"id"`
	WorkflowID  string                `json:"workflow_id"`
	Status      ExecutionStatus       `json:"status"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt time.Time             `json:"completed_at,omitempty"`
	StepResults map[string]StepResult `json:"step_results"`
	Logs        []string              `json:"logs,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// Duration returns the run's wall time, zero while still running.
func (e *WorkflowExecution) Duration() time.Duration {
	if e.CompletedAt.IsZero() {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

// AutomationTemplate is a reusable, parameterised automation definition.
type AutomationTemplate struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Kind        AutomationKind  `json:"kind"`
	Definition  json.RawMessage `json:"definition"`
	CreatedAt   time.Time       `json:"created_at"`
}
