package toolserver

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Wire protocol: each message is a single JSON object on its own line,
// following the JSON-RPC 2.0 convention. Requests and responses are
// correlated by a client-chosen monotonically increasing integer id.

const (
	jsonRPCVersion  = "2.0"
	protocolVersion = "2024-11-05"
)

// Methods the proxy issues.
const (
	MethodInitialize    = "initialize"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"
	MethodPromptsList   = "prompts/list"
	MethodPromptsGet    = "prompts/get"

	// NotificationInitialized confirms a completed handshake.
	NotificationInitialized = "notifications/initialized"
	// NotificationShutdown asks the server to exit gracefully.
	NotificationShutdown = "notifications/shutdown"
)

// Standard JSON-RPC error codes.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
)

// Request is an outgoing JSON-RPC request, or a notification when ID is nil.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an incoming JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a failed response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsMethodNotFound reports whether the server rejected the method itself.
// Optional capability families (resources, prompts) hit this on servers that
// only expose tools.
func (e *RPCError) IsMethodNotFound() bool {
	return e.Code == ErrCodeMethodNotFound
}

// NewRequest builds a request with the given id, method, and params.
func NewRequest(id int64, method string, params interface{}) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a request without an id; no response is expected.
func NewNotification(method string, params interface{}) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: jsonRPCVersion, Method: method, Params: raw}, nil
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}

// ParseResult unmarshals a response result into out. A response carrying an
// error member yields that error instead.
func ParseResult(resp *Response, out interface{}) error {
	if resp.Error != nil {
		return resp.Error
	}
	if resp.Result == nil {
		return fmt.Errorf("response has no result")
	}
	return json.Unmarshal(resp.Result, out)
}

// InitializeParams is the handshake request payload.
type InitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      ClientInfo             `json:"clientInfo"`
}

// ClientInfo identifies this proxy to the server.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the handshake response payload.
type InitializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ServerInfo      ServerInfo             `json:"serverInfo"`
}

// ServerInfo identifies the peer server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolDescriptor describes one callable tool as reported by tools/list.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolsListResult is the tools/list response payload.
type ToolsListResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// ToolCallParams is the tools/call request payload.
type ToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ContentBlock is one element of a tool-call result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolCallResult is the tools/call response payload.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text concatenates the textual content blocks of the result.
func (r *ToolCallResult) Text() string {
	var b strings.Builder
	for _, block := range r.Content {
		if block.Type != "text" || block.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(block.Text)
	}
	return b.String()
}

// ResourceDescriptor describes one readable resource.
type ResourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourcesListResult is the resources/list response payload.
type ResourcesListResult struct {
	Resources []ResourceDescriptor `json:"resources"`
}

// ResourceReadParams is the resources/read request payload.
type ResourceReadParams struct {
	URI string `json:"uri"`
}

// ResourceContents is one readable blob of a resources/read response.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ResourceReadResult is the resources/read response payload.
type ResourceReadResult struct {
	Contents []ResourceContents `json:"contents"`
}

// Text concatenates the textual contents of the read result.
func (r *ResourceReadResult) Text() string {
	var b strings.Builder
	for _, c := range r.Contents {
		if c.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(c.Text)
	}
	return b.String()
}

// PromptArgument describes one parameter of a prompt template.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptDescriptor describes one prompt template.
type PromptDescriptor struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptsListResult is the prompts/list response payload.
type PromptsListResult struct {
	Prompts []PromptDescriptor `json:"prompts"`
}

// PromptGetParams is the prompts/get request payload.
type PromptGetParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// PromptMessage is one rendered message of a prompt template. Content is
// kept raw: servers return either a bare string or a typed content object.
type PromptMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// PromptGetResult is the prompts/get response payload.
type PromptGetResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// Discovery bundles the three capability lists pulled from one server.
type Discovery struct {
	Tools     []ToolDescriptor
	Resources []ResourceDescriptor
	Prompts   []PromptDescriptor
}
