package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// MustString is a type that enforces string representation for fields that can be either string or integer
// in the protocol specification, such as request IDs. It handles automatic conversion during JSON
// marshaling/unmarshaling.
type MustString string

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in the MCP protocol.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`

	// rawID holds the id exactly as received, responses echo it unchanged.
	rawID json.RawMessage
}

type jsonRPCMessageFields JSONRPCMessage

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	// Should be limited to a concise single sentence.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// ListToolsResult represents the list of tools returned for a tools/list request.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs.
	// Must satisfy the tool's InputSchema.
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Input is accepted as an alias of Arguments, used only when Arguments is empty.
	Input json.RawMessage `json:"input,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation.
// IsError indicates whether the operation failed, with details in Content.
type CallToolResult struct {
	Content []Content `json:"content"`

	// StructuredContent carries the tool output as validated against the tool's OutputSchema.
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`

	IsError bool `json:"isError"`
}

// ServerCapabilities represents server capabilities.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ClientCapabilities represents client capabilities. The server does not require any of them,
// they are decoded only to be logged.
type ClientCapabilities struct {
	Roots    json.RawMessage `json:"roots,omitempty"`
	Sampling json.RawMessage `json:"sampling,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Content represents a message content with its type.
type Content struct {
	Type ContentType `json:"type"`

	Text string `json:"text,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

// Tool defines a callable tool with its input and output schemas.
type Tool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// InitializeParams is sent by the client in the initialize request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

// InitializeResult is the server's answer to the initialize request.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ContentTypeText is the only content type produced by this server.
const ContentTypeText ContentType = "text"

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodInitialize is the method name of the initialization handshake.
	MethodInitialize = "initialize"
	// MethodPing is the method name for liveness checks.
	MethodPing = "ping"

	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	// LatestProtocolVersion is the protocol version the server prefers.
	LatestProtocolVersion = "2025-03-26"

	methodNotificationsInitialized = "notifications/initialized"

	errMsgSessionNotInitialized = "session not initialized"
	errMsgToolExecutionFailed   = "tool execution failed"
	errMsgInternalError         = "Internal error"

	jsonRPCInvalidRequestCode = -32600
	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInvalidParamsCode  = -32602
	jsonRPCInternalErrorCode  = -32603
)

// supportedProtocolVersions lists the versions accepted during initialize, newest first.
var supportedProtocolVersions = []string{LatestProtocolVersion, "2024-11-05"}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(strconv.FormatFloat(v, 'f', -1, 64))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

// UnmarshalJSON implements json.Unmarshaler. The id is kept as received in addition to its
// MustString form.
func (m *JSONRPCMessage) UnmarshalJSON(data []byte) error {
	var wire struct {
		jsonRPCMessageFields
		ID json.RawMessage `json:"id,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*m = JSONRPCMessage(wire.jsonRPCMessageFields)
	m.ID = ""
	m.rawID = nil
	if len(wire.ID) == 0 || bytes.Equal(wire.ID, []byte("null")) {
		return nil
	}
	if err := m.ID.UnmarshalJSON(wire.ID); err != nil {
		return fmt.Errorf("invalid id: %w", err)
	}
	m.rawID = wire.ID
	return nil
}

// MarshalJSON implements json.Marshaler. An id received from a peer is written back as it
// arrived, so numeric ids stay numbers.
func (m JSONRPCMessage) MarshalJSON() ([]byte, error) {
	id := m.rawID
	if len(id) == 0 && m.ID != "" {
		bs, err := json.Marshal(m.ID)
		if err != nil {
			return nil, err
		}
		id = bs
	}
	return json.Marshal(struct {
		jsonRPCMessageFields
		ID json.RawMessage `json:"id,omitempty"`
	}{jsonRPCMessageFields(m), id})
}

// responseTo returns a response skeleton addressed to the request req.
func responseTo(req JSONRPCMessage) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      req.ID,
		rawID:   req.rawID,
	}
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}

// callParams returns the tool arguments, preferring Arguments over the Input alias.
func (p CallToolParams) callParams() json.RawMessage {
	if len(p.Arguments) > 0 {
		return p.Arguments
	}
	return p.Input
}

func negotiateProtocolVersion(requested string) string {
	for _, v := range supportedProtocolVersions {
		if v == requested {
			return v
		}
	}
	return LatestProtocolVersion
}
