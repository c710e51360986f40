package agent

import (
	"encoding/json"
	"testing"
)

func TestParseXMLSingleInvokeNoParams(t *testing.T) {
	content, calls := ParseToolCalls(`<tool_calls><invoke name="device.discover"></invoke></tool_calls>`)

	if content != "" {
		t.Errorf("preceding text should be empty, got %q", content)
	}
	if len(calls) != 1 {
		t.Fatalf("expected one call, got %d", len(calls))
	}
	if calls[0].Name != "device.discover" {
		t.Errorf("name: %q", calls[0].Name)
	}
	if calls[0].ID == "" {
		t.Error("call should get a fresh id")
	}
	var args map[string]any
	_ = json.Unmarshal(calls[0].Arguments, &args)
	if len(args) != 0 {
		t.Errorf("arguments should be empty, got %v", args)
	}
}

func TestParseXMLWithParametersAndProse(t *testing.T) {
	text := `Let me check the temperature for you.
<tool_calls><invoke name="get_device_data"><parameter name="device_id" value="dht22_001"/><parameter name="metric" value="temperature"/></invoke></tool_calls>`

	content, calls := ParseToolCalls(text)
	if content != "Let me check the temperature for you." {
		t.Errorf("prose: %q", content)
	}
	if len(calls) != 1 {
		t.Fatalf("calls: %d", len(calls))
	}
	var args map[string]any
	_ = json.Unmarshal(calls[0].Arguments, &args)
	if args["device_id"] != "dht22_001" || args["metric"] != "temperature" {
		t.Errorf("arguments: %v", args)
	}
}

func TestParseXMLContentParameterForm(t *testing.T) {
	text := `<tool_calls><invoke name="t"><parameter name="threshold">30.5</parameter></invoke></tool_calls>`
	_, calls := ParseToolCalls(text)
	if len(calls) != 1 {
		t.Fatalf("calls: %d", len(calls))
	}
	var args map[string]any
	_ = json.Unmarshal(calls[0].Arguments, &args)
	if args["threshold"] != 30.5 {
		t.Errorf("numeric parameter should parse as JSON number: %v", args)
	}
}

func TestParseXMLMultipleInvokes(t *testing.T) {
	text := `<tool_calls><invoke name="a"></invoke><invoke name="b"></invoke></tool_calls>`
	_, calls := ParseToolCalls(text)
	if len(calls) != 2 || calls[0].Name != "a" || calls[1].Name != "b" {
		t.Errorf("calls: %+v", calls)
	}
	if calls[0].ID == calls[1].ID {
		t.Error("each call needs a distinct id")
	}
}

func TestParseJSONFallback(t *testing.T) {
	for _, text := range []string{
		`{"tool":"list_devices","arguments":{"query":"lamp"}}`,
		`{"function":"list_devices","params":{"query":"lamp"}}`,
		`{"name":"list_devices","parameters":{"query":"lamp"}}`,
	} {
		content, calls := ParseToolCalls(text)
		if content != "" {
			t.Errorf("%s: content %q", text, content)
		}
		if len(calls) != 1 || calls[0].Name != "list_devices" {
			t.Fatalf("%s: calls %+v", text, calls)
		}
		var args map[string]any
		_ = json.Unmarshal(calls[0].Arguments, &args)
		if args["query"] != "lamp" {
			t.Errorf("%s: args %v", text, args)
		}
	}
}

func TestParseJSONWithLeadingProse(t *testing.T) {
	content, calls := ParseToolCalls(`I will list the devices. {"tool":"list_devices","arguments":{}}`)
	if content != "I will list the devices." {
		t.Errorf("content: %q", content)
	}
	if len(calls) != 1 {
		t.Errorf("calls: %d", len(calls))
	}
}

func TestParsePlainTextNoCalls(t *testing.T) {
	content, calls := ParseToolCalls("It is 22 degrees in the living room.")
	if calls != nil {
		t.Errorf("no calls expected, got %+v", calls)
	}
	if content != "It is 22 degrees in the living room." {
		t.Errorf("content: %q", content)
	}
}

func TestParseJSONNonToolObject(t *testing.T) {
	content, calls := ParseToolCalls(`The config is {"a": 1} as shown.`)
	if len(calls) != 0 {
		t.Errorf("plain JSON object should not parse as a call: %+v", calls)
	}
	if content == "" {
		t.Error("content should be retained")
	}
}
