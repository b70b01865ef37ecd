// Package rpc implements the request/response/notification protocol spoken
// between the chromakey host and a control-mode worker over newline-delimited
// JSON-RPC 2.0 frames.
//
// The package provides both halves: Endpoint is the client side used by the
// host (assigns ids, correlates responses, enforces per-call deadlines) and
// Server is the worker side (dispatches requests to registered handlers and
// emits notifications).
package rpc

import "encoding/json"

// Version is the fixed jsonrpc protocol marker on every frame.
const Version = "2.0"

// MethodReady is the reserved notification a worker emits once it is able
// to accept requests. It transitions the client endpoint from not-ready to
// ready exactly once.
const MethodReady = "ready"

// Reserved error codes.
const (
	// CodeHandlerFailure is the generic code for a handler that returned
	// an error.
	CodeHandlerFailure = -32000

	// CodeMethodNotFound is returned for requests naming an unregistered
	// method.
	CodeMethodNotFound = -32601
)

// Message is the wire representation of a JSON-RPC 2.0 frame. The three
// variants are distinguished structurally:
//
//   - Request: non-nil ID and a Method
//   - Response: non-nil ID, no Method, one of Result or Error
//   - Notification: Method without an ID
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the error member of a response frame.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// IsRequest reports whether m is a request frame.
func (m *Message) IsRequest() bool {
	return m.ID != nil && m.Method != ""
}

// IsResponse reports whether m is a response frame.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// IsNotification reports whether m is a notification frame.
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

func newRequest(id int64, method string, params json.RawMessage) Message {
	return Message{JSONRPC: Version, ID: &id, Method: method, Params: params}
}

func newNotification(method string, params json.RawMessage) Message {
	return Message{JSONRPC: Version, Method: method, Params: params}
}

func newResult(id int64, result json.RawMessage) Message {
	return Message{JSONRPC: Version, ID: &id, Result: result}
}

func newError(id int64, code int, msg string) Message {
	return Message{JSONRPC: Version, ID: &id, Error: &Error{Code: code, Message: msg}}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}
