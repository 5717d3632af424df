// Package protocol defines the JSON-RPC 2.0 message types exchanged between
// the rlm-sandbox daemon and its clients, one JSON object per newline-framed
// line over a local socket.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the JSON-RPC protocol version carried by every message.
const Version = "2.0"

// JSON-RPC 2.0 error codes, plus the application error range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeApplication    = -32000
)

// Method names accepted by the daemon.
const (
	MethodAuth        = "auth"
	MethodPing        = "ping"
	MethodStats       = "stats"
	MethodInitialize  = "initialize"
	MethodExecute     = "execute"
	MethodGetVariable = "getVariable"
	MethodCancel      = "cancel"
	MethodDestroy     = "destroy"
)

// Bridge methods initiated by the daemon toward the client while one of the
// client's execute calls is in flight.
const (
	MethodBridgeLLM = "bridge:llm"
	MethodBridgeRLM = "bridge:rlm"
)

// Message is the single wire envelope. A non-empty Method marks a request;
// an empty Method marks a response to a previously sent id. Requests and
// responses share one connection in both directions, so receivers must route
// by this tag, never by direction.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest reports whether the message is a request (client- or
// server-initiated) rather than a response.
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// NumericID parses the message id as a number. Client-initiated request ids
// are numeric; bridge request ids are strings in a separate id space.
func (m *Message) NumericID() (uint64, bool) {
	var id uint64
	if err := json.Unmarshal(m.ID, &id); err != nil {
		return 0, false
	}
	return id, true
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NumberID encodes a numeric request id.
func NumberID(id uint64) json.RawMessage {
	return json.RawMessage(strconv.FormatUint(id, 10))
}

// BridgeID encodes a server-initiated bridge request id. Bridge ids are
// strings so they can never collide with the client's numeric ids.
func BridgeID(n uint64) json.RawMessage {
	return json.RawMessage(strconv.Quote("bridge:" + strconv.FormatUint(n, 10)))
}

// NullID is the id used for responses to unparseable requests.
var NullID = json.RawMessage("null")

// NewRequest builds a request message.
func NewRequest(id json.RawMessage, method string, params any) (*Message, error) {
	m := &Message{JSONRPC: Version, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		m.Params = raw
	}
	return m, nil
}

// NewResponse builds a success response for the given request id.
func NewResponse(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id json.RawMessage, code int, message string) *Message {
	if id == nil {
		id = NullID
	}
	return &Message{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}

// Encode marshals a message to a single newline-terminated frame.
func Encode(m *Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Parameter and result shapes, one fixed type per method. Required fields are
// pointers so a missing field is distinguishable from a zero value at the
// boundary.

// AuthParams carries the shared-secret token.
type AuthParams struct {
	Token *string `json:"token"`
}

// InitializeParams carries the context text loaded into the interpreter.
type InitializeParams struct {
	Context string `json:"context"`
}

// ExecuteParams carries one code snippet.
type ExecuteParams struct {
	Code *string `json:"code"`
}

// GetVariableParams names a global to read back.
type GetVariableParams struct {
	Name *string `json:"name"`
}

// BridgeLLMParams is the payload of a bridge:llm request.
type BridgeLLMParams struct {
	Prompt string `json:"prompt"`
}

// BridgeRLMParams is the payload of a bridge:rlm request.
type BridgeRLMParams struct {
	Task    string `json:"task"`
	Context string `json:"ctx"`
}

// PingResult reports daemon uptime and pool size.
type PingResult struct {
	UptimeMs int64 `json:"uptimeMs"`
	Workers  int   `json:"workers"`
}

// StatsResult is a point-in-time pool snapshot.
type StatsResult struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	InUse     int `json:"inUse"`
}

// OKResult acknowledges a side-effecting method.
type OKResult struct {
	Success bool `json:"success"`
}

// ExecuteResult mirrors sandbox.ExecutionResult on the wire. Duration is in
// milliseconds.
type ExecuteResult struct {
	Stdout   string  `json:"stdout"`
	Stderr   string  `json:"stderr"`
	Error    string  `json:"error,omitempty"`
	Duration float64 `json:"duration"`
}

// GetVariableResult distinguishes a found null from an absent variable.
type GetVariableResult struct {
	Value any  `json:"value"`
	Found bool `json:"found"`
}
