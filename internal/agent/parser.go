// Package agent implements the conversational agent core: context
// assembly, the hook chain, the LLM interaction loop, tool-call parsing,
// name resolution, and tool dispatch.
package agent

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/neotalk/neotalk/pkg/models"
)

// ParseToolCalls extracts tool calls from an LLM reply. The XML form
// (<tool_calls><invoke name="..."><parameter .../></invoke></tool_calls>)
// is preferred; a top-level JSON object with tool/function/name and
// arguments/params/parameters is the fallback. The returned text is the
// prose preceding the tool-call block; each call gets a fresh unique id.
func ParseToolCalls(text string) (string, []models.ToolCall) {
	if content, calls, ok := parseXMLCalls(text); ok {
		return content, calls
	}
	if content, calls, ok := parseJSONCall(text); ok {
		return content, calls
	}
	return strings.TrimSpace(text), nil
}

func parseXMLCalls(text string) (string, []models.ToolCall, bool) {
	start := strings.Index(text, "<tool_calls>")
	if start < 0 {
		return "", nil, false
	}
	end := strings.Index(text, "</tool_calls>")
	if end < 0 {
		return "", nil, false
	}
	block := text[start:end]
	content := strings.TrimSpace(text[:start])

	var calls []models.ToolCall
	remaining := block
	for {
		invokeStart := strings.Index(remaining, "<invoke")
		if invokeStart < 0 {
			break
		}
		section := remaining[invokeStart:]
		name, ok := xmlAttr(section, "name")
		if ok {
			invokeEnd := strings.Index(section, "</invoke>")
			body := section
			if invokeEnd >= 0 {
				body = section[:invokeEnd]
			}
			args := parseParameters(body)
			raw, _ := json.Marshal(args)
			calls = append(calls, models.ToolCall{
				ID:        uuid.NewString(),
				Name:      name,
				Arguments: raw,
			})
		}

		next := strings.Index(remaining, "</invoke>")
		if next < 0 {
			break
		}
		remaining = remaining[next+len("</invoke>"):]
	}
	return content, calls, true
}

// parseParameters reads <parameter name="..." value="..."/> and
// <parameter name="...">value</parameter> forms.
func parseParameters(body string) map[string]any {
	args := make(map[string]any)
	rest := body
	for {
		paramStart := strings.Index(rest, "<parameter")
		if paramStart < 0 {
			break
		}
		section := rest[paramStart:]

		name, _ := xmlAttr(section, "name")
		value, hasValue := xmlAttr(section, "value")
		if !hasValue {
			// Content form: <parameter name="x">value</parameter>
			if gt := strings.Index(section, ">"); gt >= 0 {
				inner := section[gt+1:]
				if closeIdx := strings.Index(inner, "</parameter>"); closeIdx >= 0 {
					value = inner[:closeIdx]
				}
			}
		}

		if name != "" {
			args[name] = coerceParam(value)
		}

		if gt := strings.Index(rest[paramStart:], ">"); gt >= 0 {
			rest = rest[paramStart+gt+1:]
		} else {
			break
		}
	}
	return args
}

// coerceParam parses a parameter value as JSON when possible, keeping it
// a string otherwise.
func coerceParam(value string) any {
	var v any
	if err := json.Unmarshal([]byte(value), &v); err == nil {
		return v
	}
	return value
}

func xmlAttr(section, attr string) (string, bool) {
	marker := attr + `="`
	idx := strings.Index(section, marker)
	if idx < 0 {
		return "", false
	}
	rest := section[idx+len(marker):]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return "", false
	}
	// The attribute must belong to this tag, not a later one.
	if tagEnd := strings.Index(section, ">"); tagEnd >= 0 && idx > tagEnd {
		return "", false
	}
	return rest[:end], true
}

// parseJSONCall finds a balanced top-level JSON object carrying a tool
// name under tool/function/name and arguments under one of the accepted
// keys.
func parseJSONCall(text string) (string, []models.ToolCall, bool) {
	start := strings.Index(text, "{")
	if start < 0 {
		return "", nil, false
	}

	depth := 0
	end := -1
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				end = i
			}
		}
		if end >= 0 {
			break
		}
	}
	if end < 0 {
		return "", nil, false
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil {
		return "", nil, false
	}

	var name string
	for _, key := range []string{"tool", "function", "name"} {
		if raw, ok := obj[key]; ok {
			if err := json.Unmarshal(raw, &name); err == nil && name != "" {
				break
			}
		}
	}
	if name == "" {
		return "", nil, false
	}

	args := json.RawMessage("{}")
	for _, key := range []string{"arguments", "params", "parameters"} {
		if raw, ok := obj[key]; ok {
			args = raw
			break
		}
	}

	content := strings.TrimSpace(text[:start])
	return content, []models.ToolCall{{
		ID:        uuid.NewString(),
		Name:      name,
		Arguments: args,
	}}, true
}
