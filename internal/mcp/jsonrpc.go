package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the only protocol revision MCP servers speak.
const jsonrpcVersion = "2.0"

// Request is an outbound JSON-RPC call. IDs are issued from the
// client's atomic counter, so they are always numeric on the wire.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest builds a call envelope for the given method.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a server reply. A well-formed response carries exactly
// one of Result or Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// UnmarshalJSON tolerates servers that echo request ids back as JSON
// strings. Correlation always happens on the numeric value; an id that
// is neither a number nor a numeric string is rejected.
func (r *Response) UnmarshalJSON(data []byte) error {
	var wire struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.JSONRPC = wire.JSONRPC
	r.Result = wire.Result
	r.Error = wire.Error
	r.ID = 0
	if len(wire.ID) > 0 && string(wire.ID) != "null" {
		id, err := parseResponseID(wire.ID)
		if err != nil {
			return err
		}
		r.ID = id
	}
	return nil
}

func parseResponseID(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		n, convErr := strconv.ParseInt(s, 10, 64)
		if convErr != nil {
			return 0, fmt.Errorf("non-numeric jsonrpc id %q", s)
		}
		return n, nil
	}
	return 0, fmt.Errorf("unsupported jsonrpc id %s", raw)
}

// RPCError is the error member of a failed response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a fire-and-forget message with no id, so no reply
// will ever arrive for it.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a notification envelope.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}
