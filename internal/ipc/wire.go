// Package ipc defines the domain-socket wire protocol between the aixterm
// client and the background service, and a client that drives it.
//
// Every frame is one JSON object per line. A request carries a type, an id
// and a payload; the service answers with one terminal frame, optionally
// preceded by partial frames when the response is streamed.
package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/basket/aixterm/internal/mcp"
)

// Request types.
const (
	TypeQuery    = "query"
	TypeStatus   = "status"
	TypeTools    = "tools"
	TypePlugin   = "plugin"
	TypeShutdown = "shutdown"
	TypeCancel   = "cancel"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusPartial = "partial"
)

// Error codes carried in ErrorBody.Code.
const (
	CodeInvalidJSON          = "invalid_json"
	CodeInvalidRequest       = "invalid_request"
	CodeUnknownRequestType   = "unknown_request_type"
	CodeProcessingError      = "processing_error"
	CodeMissingQuestion      = "missing_question"
	CodeQueryError           = "query_error"
	CodeMissingPluginID      = "missing_plugin_id"
	CodeMissingPluginCommand = "missing_plugin_command"
	CodeUnknownPlugin        = "unknown_plugin"
	CodeUnknownPluginCommand = "unknown_plugin_command"
	CodePluginError          = "plugin_error"
	CodeMissingToolName      = "missing_tool_name"
	CodeUnknownTool          = "unknown_tool"
	CodeInvalidArguments     = "invalid_arguments"
	CodeToolTimeout          = "tool_timeout"
	CodeToolUnavailable      = "tool_unavailable"
	CodeToolError            = "tool_error"
	CodeCancelled            = "cancelled"
	CodeShuttingDown         = "shutting_down"
)

// Request is one client request frame.
type Request struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is one service response frame. Done is set only on streamed
// responses: false on partial frames, true on the terminal frame. Chunk is
// set, possibly empty, on every partial frame and absent otherwise.
type Response struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
	Chunk   *string         `json:"chunk,omitempty"`
	Done    *bool           `json:"done,omitempty"`
}

// Terminal reports whether r ends its request.
func (r Response) Terminal() bool {
	return r.Status != StatusPartial
}

// Err returns a *RemoteError for error responses and nil otherwise.
func (r Response) Err() error {
	if r.Status != StatusError {
		return nil
	}
	if r.Error == nil {
		return &RemoteError{Code: CodeProcessingError, Message: "error response without body"}
	}
	return &RemoteError{Code: r.Error.Code, Message: r.Error.Message}
}

// Decode unmarshals the payload into v.
func (r Response) Decode(v any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("ipc: response %s has no payload", r.ID)
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("ipc: decode %s payload: %w", r.ID, err)
	}
	return nil
}

// RemoteError is an error reported by the service.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Success builds a terminal success frame. Streamed responses pass done=true.
func Success(id string, payload any, streamed bool) (Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("ipc: marshal payload: %w", err)
	}
	resp := Response{ID: id, Status: StatusSuccess, Payload: raw}
	if streamed {
		resp.Done = boolPtr(true)
	}
	return resp, nil
}

// Failure builds a terminal error frame.
func Failure(id, code, message string, streamed bool) Response {
	resp := Response{ID: id, Status: StatusError, Error: &ErrorBody{Code: code, Message: message}}
	if streamed {
		resp.Done = boolPtr(true)
	}
	return resp
}

// Partial builds one streamed chunk frame.
func Partial(id, chunk string) Response {
	return Response{ID: id, Status: StatusPartial, Chunk: &chunk, Done: boolPtr(false)}
}

// Text returns the chunk of a partial frame.
func (r Response) Text() string {
	if r.Chunk == nil {
		return ""
	}
	return *r.Chunk
}

func boolPtr(b bool) *bool { return &b }

// QueryOptions tunes a query request.
type QueryOptions struct {
	Stream        *bool  `json:"stream,omitempty"`
	ContextTokens int    `json:"context_tokens,omitempty"`
	Context       string `json:"context,omitempty"`
}

// Streaming reports whether the query should stream. Default true.
func (o QueryOptions) Streaming() bool {
	return o.Stream == nil || *o.Stream
}

type QueryPayload struct {
	Question string       `json:"question"`
	Options  QueryOptions `json:"options"`
}

type QueryResult struct {
	Text   string `json:"text"`
	Chunks int    `json:"chunks,omitempty"`
}

// Tools actions.
const (
	ToolsActionList = "list"
	ToolsActionCall = "call"
)

type ToolsPayload struct {
	Action    string          `json:"action,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
	Stream    bool            `json:"stream,omitempty"`
}

type ToolsListResult struct {
	Tools    []mcp.ToolDescriptor `json:"tools"`
	Warnings []string             `json:"warnings,omitempty"`
}

type ToolCallResult struct {
	Result json.RawMessage `json:"result"`
}

type PluginPayload struct {
	PluginID string          `json:"plugin_id"`
	Command  string          `json:"command"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type CancelPayload struct {
	TargetID string `json:"target_id"`
}

type CancelResult struct {
	Cancelled bool `json:"cancelled"`
}

type ServerInfo struct {
	Connections int    `json:"connections"`
	SocketPath  string `json:"socket_path"`
}

type IdleInfo struct {
	Limit        float64 `json:"limit"`
	StartupGrace float64 `json:"startup_grace"`
	LastActivity string  `json:"last_activity"`
}

type PluginInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// StatusResult is the payload of a status response.
type StatusResult struct {
	ServiceID    string                `json:"service_id"`
	Running      bool                  `json:"running"`
	Uptime       float64               `json:"uptime"`
	StartedAt    string                `json:"started_at"`
	Version      string                `json:"version"`
	Platform     string                `json:"platform"`
	Server       ServerInfo            `json:"server"`
	Idle         IdleInfo              `json:"idle"`
	Sessions     []mcp.SessionStatus   `json:"sessions"`
	ToolWarnings []string              `json:"tool_warnings,omitempty"`
	Plugins      map[string]PluginInfo `json:"plugins"`
	Requests     map[string]int64      `json:"requests,omitempty"`
}
