package mcp

import (
	"encoding/json"
	"testing"
)

func TestNewRequestEnvelope(t *testing.T) {
	req := NewRequest(7, "tools/list", map[string]any{"cursor": "abc"})
	if req.JSONRPC != "2.0" {
		t.Errorf("jsonrpc = %q, want 2.0", req.JSONRPC)
	}
	if req.ID != 7 {
		t.Errorf("id = %d, want 7", req.ID)
	}
	if req.Method != "tools/list" {
		t.Errorf("method = %q", req.Method)
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["id"] != float64(7) {
		t.Errorf("wire id = %v, want 7", decoded["id"])
	}
}

func TestNotificationOmitsID(t *testing.T) {
	data, err := json.Marshal(NewNotification("notifications/initialized", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["id"]; ok {
		t.Error("notification must not carry an id")
	}
}

func TestResponseUnmarshalResult(t *testing.T) {
	var resp Response
	raw := `{"jsonrpc": "2.0", "id": 3, "result": {"tools": []}}`
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ID != 3 {
		t.Errorf("id = %d, want 3", resp.ID)
	}
	if resp.Error != nil {
		t.Errorf("error = %v, want nil", resp.Error)
	}
	if len(resp.Result) == 0 {
		t.Error("result should be populated")
	}
}

func TestResponseUnmarshalStringID(t *testing.T) {
	var resp Response
	raw := `{"jsonrpc": "2.0", "id": "42", "result": {}}`
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ID != 42 {
		t.Errorf("id = %d, want 42", resp.ID)
	}
}

func TestResponseUnmarshalBadID(t *testing.T) {
	var resp Response
	raw := `{"jsonrpc": "2.0", "id": "not-a-number", "result": {}}`
	if err := json.Unmarshal([]byte(raw), &resp); err == nil {
		t.Fatal("expected error for a non-numeric id")
	}
}

func TestResponseUnmarshalError(t *testing.T) {
	var resp Response
	raw := `{"jsonrpc": "2.0", "id": 5, "error": {"code": -32601, "message": "method not found"}}`
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("error member should be populated")
	}
	if resp.Error.Code != -32601 {
		t.Errorf("code = %d, want -32601", resp.Error.Code)
	}
	if got, want := resp.Error.Error(), "jsonrpc error -32601: method not found"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
