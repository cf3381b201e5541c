package a2a

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// JSON-RPC 2.0 ENVELOPE
// All A2A methods ride JSON-RPC 2.0 over HTTP POST. Responses carry
// exactly one of Result or Error.
// ============================================================================

// JSONRPCVersion is the only accepted jsonrpc member value.
const JSONRPCVersion = "2.0"

// Method names.
const (
	MethodMessageSend       = "message/send"
	MethodMessageStream     = "message/stream"
	MethodTasksGet          = "tasks/get"
	MethodTasksList         = "tasks/list"
	MethodTasksCancel       = "tasks/cancel"
	MethodTasksResubscribe  = "tasks/resubscribe"
	MethodPushConfigSet     = "tasks/pushNotificationConfig/set"
	MethodPushConfigGet     = "tasks/pushNotificationConfig/get"
	MethodPushConfigList    = "tasks/pushNotificationConfig/list"
	MethodPushConfigDelete  = "tasks/pushNotificationConfig/delete"
	MethodAgentExtendedCard = "agent/authenticatedExtendedCard"
)

// streamingMethods produce an SSE response instead of a single JSON body.
var streamingMethods = map[string]bool{
	MethodMessageStream:    true,
	MethodTasksResubscribe: true,
}

// knownMethods is the full dispatch surface.
var knownMethods = map[string]bool{
	MethodMessageSend:       true,
	MethodMessageStream:     true,
	MethodTasksGet:          true,
	MethodTasksList:         true,
	MethodTasksCancel:       true,
	MethodTasksResubscribe:  true,
	MethodPushConfigSet:     true,
	MethodPushConfigGet:     true,
	MethodPushConfigList:    true,
	MethodPushConfigDelete:  true,
	MethodAgentExtendedCard: true,
}

// KnownMethod reports whether the method name is part of the protocol.
func KnownMethod(method string) bool { return knownMethods[method] }

// IsStreamingMethod reports whether the method responds over SSE.
func IsStreamingMethod(method string) bool { return streamingMethods[method] }

// Request is a JSON-RPC 2.0 request. ID may be a string, a number, or
// absent (notification); params stay raw until the method is known.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// NewResponse builds a success response echoing the request id.
func NewResponse(id, result any) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Result: result}
}

// NewErrorResponse builds an error response echoing the request id.
func NewErrorResponse(id any, err *Error) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Error: err}
}

// ============================================================================
// METHOD PARAMS & RESULTS
// ============================================================================

// MessageSendParams is the params shape for message/send and message/stream.
type MessageSendParams struct {
	Message       *Message                  `json:"message"`
	Configuration *MessageSendConfiguration `json:"configuration,omitempty"`
	Metadata      map[string]any            `json:"metadata,omitempty"`
}

// MessageSendConfiguration carries per-send options.
type MessageSendConfiguration struct {
	AcceptedOutputModes    []string                `json:"acceptedOutputModes,omitempty"`
	HistoryLength          *int                    `json:"historyLength,omitempty"`
	PushNotificationConfig *PushNotificationConfig `json:"pushNotificationConfig,omitempty"`
	Blocking               bool                    `json:"blocking,omitempty"`
}

// TaskQueryParams is the params shape for tasks/get.
type TaskQueryParams struct {
	ID            string         `json:"id"`
	HistoryLength *int           `json:"historyLength,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// TaskIDParams addresses a task by id (tasks/cancel and push-config methods).
type TaskIDParams struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskResubscribeParams is the params shape for tasks/resubscribe.
// LastEventID < 0 means "from the beginning of the retained window".
type TaskResubscribeParams struct {
	ID          string `json:"id"`
	LastEventID int64  `json:"lastEventId,omitempty"`
}

// ListTasksParams is the params shape for tasks/list. All filters are
// optional and conjunctive.
type ListTasksParams struct {
	ContextID string    `json:"contextId,omitempty"`
	State     TaskState `json:"state,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}

// ListTasksResult is the result shape for tasks/list.
type ListTasksResult struct {
	Tasks []*Task `json:"tasks"`
	Total int     `json:"total"`
}

// GetTaskPushNotificationConfigParams addresses one push config of a task.
// An empty PushNotificationConfigID selects the task's only config.
type GetTaskPushNotificationConfigParams struct {
	ID                       string `json:"id"`
	PushNotificationConfigID string `json:"pushNotificationConfigId,omitempty"`
}

// ListTaskPushNotificationConfigParams is the params shape for
// tasks/pushNotificationConfig/list.
type ListTaskPushNotificationConfigParams struct {
	ID string `json:"id"`
}

// DeleteTaskPushNotificationConfigParams is the params shape for
// tasks/pushNotificationConfig/delete.
type DeleteTaskPushNotificationConfigParams struct {
	ID                       string `json:"id"`
	PushNotificationConfigID string `json:"pushNotificationConfigId"`
}

// DecodeParams unmarshals raw params into the method's params struct,
// mapping malformed input to ErrInvalidParams.
func DecodeParams(raw json.RawMessage, v any) *Error {
	if len(raw) == 0 {
		return ErrInvalidParams.WithData("params are required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return ErrInvalidParams.WithData(fmt.Sprintf("failed to decode params: %v", err))
	}
	return nil
}
