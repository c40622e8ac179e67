package mcp

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 message types for the MCP stdio protocol

// Protocol version spoken during the initialize handshake.
const protocolVersion = "2024-11-05"

// Client identity reported to servers during initialize.
const (
	clientName    = "plural-tools"
	clientVersion = "0.1.0"
)

// Methods sent to servers, and notifications received from them.
const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodToolsList   = "tools/list"
	methodToolsCall   = "tools/call"

	notificationToolsChanged = "notifications/tools/list_changed"
)

// JSON-RPC error code for server-initiated requests we do not handle.
const codeMethodNotFound = -32601

// Request is an outgoing JSON-RPC message. Requests carry an ID;
// notifications leave it nil.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func newRequest(id int64, method string, params any) *Request {
	return &Request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
}

func newNotification(method string, params any) *Request {
	return &Request{JSONRPC: "2.0", Method: method, Params: params}
}

// Message is an incoming JSON-RPC message from a server: a response
// (ID set, no method), a notification (method set, no ID), or a
// server-initiated request (both set).
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// response is the outgoing shape used to answer server-initiated
// requests (always with an error; this client offers no server-facing
// methods).
type response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      *int64    `json:"id"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object. It implements error so a
// server's failure reaches callers with its code intact.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// MCP protocol payloads

// InitializeParams for the initialize method
type InitializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	Capabilities    Capability `json:"capabilities"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

// Capability represents MCP capabilities
type Capability struct {
	Tools *ToolCapability `json:"tools,omitempty"`
}

// ToolCapability represents tool-related capabilities
type ToolCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ClientInfo identifies the client during initialize
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult for the initialize response
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	Capabilities    Capability `json:"capabilities"`
	ServerInfo      ServerInfo `json:"serverInfo"`
	Instructions    string     `json:"instructions,omitempty"`
}

// ServerInfo identifies a server from its initialize response
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolsListResult for tools/list responses
type ToolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ToolDefinition describes one tool a server offers. The input schema
// is carried opaquely; validating arguments is the server's business.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolCallParams represents parameters for tools/call
type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCallResult is the conventional shape of a tools/call result.
// CallTool returns raw JSON; this type is for callers that want the
// standard decoding.
type ToolCallResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ContentItem represents content in a tool result
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
