package agent

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// NameResolver canonicalises tool names. Resolution is two-stage: exact
// lookup over canonical names, simplified dotted names, and aliases,
// then a substring fuzzy match as fallback. Unknown names pass through
// unchanged.
type NameResolver struct {
	mu         sync.RWMutex
	canonical  map[string]bool
	simplified map[string]string
	aliases    map[string]string
}

// NewNameResolver creates a resolver preloaded with the standard
// simplified names and aliases.
func NewNameResolver() *NameResolver {
	r := &NameResolver{
		canonical:  make(map[string]bool),
		simplified: make(map[string]string),
		aliases:    make(map[string]string),
	}
	r.registerDefaults()
	return r
}

func (r *NameResolver) registerDefaults() {
	// Device tools.
	r.RegisterSimplified("device.discover", "list_devices")
	r.RegisterSimplified("device.list", "list_devices")
	r.RegisterSimplified("device.query", "get_device_data")
	r.RegisterSimplified("device.control", "control_device")
	r.RegisterAlias("设备列表", "list_devices")
	r.RegisterAlias("列出设备", "list_devices")
	r.RegisterAlias("查看设备", "list_devices")
	r.RegisterAlias("所有设备", "list_devices")
	r.RegisterAlias("devices", "list_devices")

	// Rule tools.
	r.RegisterSimplified("rule.list", "list_rules")
	r.RegisterSimplified("rules.list", "list_rules")
	r.RegisterSimplified("rule.create", "create_rule")
	r.RegisterSimplified("rule.delete", "delete_rule")
	r.RegisterAlias("规则列表", "list_rules")
	r.RegisterAlias("创建规则", "create_rule")
	r.RegisterAlias("删除规则", "delete_rule")

	// Workflow tools.
	r.RegisterSimplified("workflow.list", "list_workflows")
	r.RegisterSimplified("workflows.list", "list_workflows")
	r.RegisterSimplified("workflow.trigger", "trigger_workflow")
	r.RegisterSimplified("workflow.execute", "trigger_workflow")
	r.RegisterAlias("工作流列表", "list_workflows")

	// Alert and memory tools.
	r.RegisterSimplified("alert.list", "list_alerts")
	r.RegisterSimplified("memory.query", "query_memory")
	r.RegisterAlias("告警列表", "list_alerts")
}

// RegisterCanonical records a canonical tool name.
func (r *NameResolver) RegisterCanonical(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canonical[name] = true
}

// RegisterSimplified maps a simplified dotted name onto a canonical one.
func (r *NameResolver) RegisterSimplified(simplified, canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.simplified[strings.ToLower(simplified)] = canonical
}

// RegisterAlias maps a user-facing alias onto a canonical name.
func (r *NameResolver) RegisterAlias(alias, canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[strings.ToLower(strings.TrimSpace(alias))] = canonical
}

// Resolve canonicalises one tool name.
func (r *NameResolver) Resolve(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.canonical[name] {
		return name
	}
	if canonical, ok := r.simplified[key]; ok {
		return canonical
	}
	if canonical, ok := r.aliases[key]; ok {
		return canonical
	}

	// Fuzzy fallback: a unique canonical name containing (or contained
	// in) the query wins.
	var match string
	for canonical := range r.canonical {
		lower := strings.ToLower(canonical)
		if strings.Contains(lower, key) || strings.Contains(key, lower) {
			if match != "" {
				return name // ambiguous: pass through
			}
			match = canonical
		}
	}
	if match != "" {
		return match
	}
	return name
}

// parameterAliases rewrites common argument-name variants onto the
// canonical parameter names.
var parameterAliases = map[string]string{
	"device":      "device_id",
	"device_name": "device_id",
	"action":      "command",
	"cmd":         "command",
	"metric_name": "metric",
}

// MapParameters rewrites aliased parameter names and expands the `hours`
// shorthand into (start_time, end_time) seconds.
func MapParameters(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return args
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(args, &obj); err != nil {
		return args
	}

	out := make(map[string]json.RawMessage, len(obj))
	for key, value := range obj {
		if canonical, ok := parameterAliases[key]; ok {
			if _, exists := obj[canonical]; !exists {
				out[canonical] = value
				continue
			}
		}
		out[key] = value
	}

	// hours → (start_time, end_time)
	if raw, ok := out["hours"]; ok {
		var hours float64
		if err := json.Unmarshal(raw, &hours); err == nil && hours > 0 {
			end := time.Now().Unix()
			start := end - int64(hours*3600)
			if _, exists := out["start_time"]; !exists {
				out["start_time"], _ = json.Marshal(start)
			}
			if _, exists := out["end_time"]; !exists {
				out["end_time"], _ = json.Marshal(end)
			}
			delete(out, "hours")
		}
	}

	rewritten, err := json.Marshal(out)
	if err != nil {
		return args
	}
	return rewritten
}
