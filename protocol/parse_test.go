package protocol

import (
	"encoding/json"
	"testing"
)

const (
	fixtureSystemInit = `{"type":"system","subtype":"init","uuid":"u1","session_id":"sess_1","model":"sonnet","cwd":"/work","tools":["Read","Write","Edit"],"permissionMode":"default"}`

	fixtureAssistantText = `{"type":"assistant","parent_tool_use_id":null,"session_id":"sess_1","uuid":"u2","message":{"role":"assistant","content":[{"type":"text","text":"hello there"}],"stop_reason":null,"stop_sequence":null}}`

	fixtureUserToolResult = `{"type":"user","parent_tool_use_id":null,"session_id":"sess_1","uuid":"u3","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"ok","is_error":false}]}}`

	fixtureResult = `{"type":"result","subtype":"success","uuid":"u4","session_id":"sess_1","result":"done","is_error":false,"duration_ms":1234,"duration_api_ms":900,"num_turns":1,"total_cost_usd":0.0042,"usage":{"input_tokens":10,"output_tokens":20,"cache_read_input_tokens":5,"cache_creation_input_tokens":0}}`

	fixtureStreamDelta = `{"type":"stream_event","parent_tool_use_id":null,"session_id":"sess_1","uuid":"u5","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}}`

	fixtureControlRequest = `{"type":"control_request","request_id":"req_1","request":{"subtype":"can_use_tool","tool_name":"Write","tool_use_id":"toolu_9","input":{"file_path":"a.txt","content":"hi"}}}`
)

func TestParseMessage_SystemInit(t *testing.T) {
	msg, err := ParseMessage([]byte(fixtureSystemInit))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	sys, ok := msg.(SystemMessage)
	if !ok {
		t.Fatalf("expected SystemMessage, got %T", msg)
	}
	if sys.Subtype != "init" {
		t.Errorf("expected subtype init, got %q", sys.Subtype)
	}
	if sys.SessionID != "sess_1" {
		t.Errorf("expected session sess_1, got %q", sys.SessionID)
	}
	if len(sys.Tools) != 3 {
		t.Errorf("expected 3 tools, got %d", len(sys.Tools))
	}
}

func TestParseMessage_AssistantBlocks(t *testing.T) {
	msg, err := ParseMessage([]byte(fixtureAssistantText))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	am, ok := msg.(AssistantMessage)
	if !ok {
		t.Fatalf("expected AssistantMessage, got %T", msg)
	}
	blocks, ok := am.Message.Content.AsBlocks()
	if !ok {
		t.Fatal("expected block content")
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	tb, ok := blocks[0].(TextBlock)
	if !ok {
		t.Fatalf("expected TextBlock, got %T", blocks[0])
	}
	if tb.Text != "hello there" {
		t.Errorf("unexpected text %q", tb.Text)
	}
}

func TestParseMessage_UserToolResult(t *testing.T) {
	msg, err := ParseMessage([]byte(fixtureUserToolResult))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	um := msg.(UserMessage)
	blocks, ok := um.Message.Content.AsBlocks()
	if !ok {
		t.Fatal("expected block content")
	}
	rb, ok := blocks[0].(ToolResultBlock)
	if !ok {
		t.Fatalf("expected ToolResultBlock, got %T", blocks[0])
	}
	if rb.ToolUseID != "toolu_1" {
		t.Errorf("unexpected tool_use_id %q", rb.ToolUseID)
	}
	if rb.IsError == nil || *rb.IsError {
		t.Error("expected is_error false")
	}
}

func TestParseMessage_Result(t *testing.T) {
	msg, err := ParseMessage([]byte(fixtureResult))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	rm := msg.(ResultMessage)
	if rm.IsError {
		t.Error("expected is_error false")
	}
	if rm.DurationMs != 1234 {
		t.Errorf("expected duration 1234, got %d", rm.DurationMs)
	}
	if rm.Usage.OutputTokens != 20 {
		t.Errorf("expected 20 output tokens, got %d", rm.Usage.OutputTokens)
	}
}

func TestParseMessage_StreamDelta(t *testing.T) {
	msg, err := ParseMessage([]byte(fixtureStreamDelta))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	sd := msg.(StreamDelta)
	data, err := ParseStreamEvent(sd.Event)
	if err != nil {
		t.Fatalf("ParseStreamEvent failed: %v", err)
	}
	de, ok := data.(ContentBlockDeltaEvent)
	if !ok {
		t.Fatalf("expected ContentBlockDeltaEvent, got %T", data)
	}
	d, err := de.ParsedDelta()
	if err != nil {
		t.Fatalf("ParsedDelta failed: %v", err)
	}
	td, ok := d.(TextDelta)
	if !ok {
		t.Fatalf("expected TextDelta, got %T", d)
	}
	if td.Text != "hi" {
		t.Errorf("unexpected delta text %q", td.Text)
	}
}

func TestParseMessage_ControlRequest(t *testing.T) {
	msg, err := ParseMessage([]byte(fixtureControlRequest))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	cr := msg.(ControlRequest)
	data, err := cr.ParsedRequest()
	if err != nil {
		t.Fatalf("ParsedRequest failed: %v", err)
	}
	req, ok := data.(CanUseToolRequest)
	if !ok {
		t.Fatalf("expected CanUseToolRequest, got %T", data)
	}
	if req.ToolName != "Write" {
		t.Errorf("unexpected tool name %q", req.ToolName)
	}
	if req.ToolUseID != "toolu_9" {
		t.Errorf("unexpected tool_use_id %q", req.ToolUseID)
	}
}

func TestParseMessage_UnknownTypePreservesRaw(t *testing.T) {
	raw := `{"type":"telemetry","payload":{"k":"v"}}`
	msg, err := ParseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	um, ok := msg.(UnknownMessage)
	if !ok {
		t.Fatalf("expected UnknownMessage, got %T", msg)
	}
	if um.TypeName != "telemetry" {
		t.Errorf("unexpected type name %q", um.TypeName)
	}
	var check map[string]json.RawMessage
	if err := json.Unmarshal(um.Raw, &check); err != nil {
		t.Fatalf("raw payload not preserved: %v", err)
	}
	if _, ok := check["payload"]; !ok {
		t.Error("expected payload field preserved in raw")
	}
}

func TestParseMessage_InvalidJSON(t *testing.T) {
	if _, err := ParseMessage([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestPermissionAllow_UpdatedInputNeverNull(t *testing.T) {
	resp := NewPermissionAllow("req_1", nil)
	b, err := resp.Marshal()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded struct {
		Response struct {
			Response struct {
				UpdatedInput map[string]interface{} `json:"updatedInput"`
			} `json:"response"`
		} `json:"response"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Response.Response.UpdatedInput == nil {
		t.Error("updatedInput must serialize as an object, not null")
	}
}
