package mcp

import (
	"encoding/json"
	"fmt"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// Version is the only JSON-RPC version accepted.
const Version = mcpgo.JSONRPC_VERSION

// JSON-RPC error codes. The standard codes come first; the -320xx range
// carries session state errors.
const (
	CodeParseError     = mcpgo.PARSE_ERROR
	CodeInvalidRequest = mcpgo.INVALID_REQUEST
	CodeMethodNotFound = mcpgo.METHOD_NOT_FOUND
	CodeInvalidParams  = mcpgo.INVALID_PARAMS
	CodeInternalError  = mcpgo.INTERNAL_ERROR

	CodeNotInitialized     = -32000
	CodeAlreadyInitialized = -32001
	CodeInvalidSession     = -32002
)

// Request is a JSON-RPC request or notification. An absent or null ID
// marks a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC response. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// MarshalJSON writes a null id when the request id is unknown.
func (r Response) MarshalJSON() ([]byte, error) {
	type alias Response
	if len(r.ID) == 0 {
		r.ID = json.RawMessage("null")
	}
	return json.Marshal(alias(r))
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func newError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func resultResponse(id json.RawMessage, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

func errorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: err}
}
