// Package a2a implements the Agent-to-Agent (A2A) protocol data model:
// tasks, messages, parts, artifacts, stream events, and agent cards, plus
// the JSON-RPC envelope they travel in.
//
// The wire format is JSON with camelCase member names and `kind`
// discriminators on tagged variants. Encoding then decoding any Message,
// Task, or Event is the identity.
package a2a

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// PROTOCOL VERSION
// ============================================================================

const (
	// ProtocolVersion is the A2A protocol revision this package speaks.
	ProtocolVersion = "0.3.0"

	// AgentCardPath is the well-known discovery path served by every node.
	AgentCardPath = "/.well-known/agent.json"
)

// ============================================================================
// TASK STATE
// ============================================================================

// TaskState is the lifecycle state of a task. Wire values are hyphenated.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateAuthRequired  TaskState = "auth-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateRejected      TaskState = "rejected"
	TaskStateUnknown       TaskState = "unknown"
)

// IsTerminal reports whether the state permits no further transitions.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled, TaskStateRejected:
		return true
	}
	return false
}

// IsInterrupted reports whether the task is paused waiting on the caller.
func (s TaskState) IsInterrupted() bool {
	return s == TaskStateInputRequired || s == TaskStateAuthRequired
}

// ParseTaskState normalizes a wire string to a TaskState.
// Unrecognized values map to TaskStateUnknown, never to an error.
func ParseTaskState(s string) TaskState {
	switch TaskState(s) {
	case TaskStateSubmitted, TaskStateWorking, TaskStateInputRequired,
		TaskStateAuthRequired, TaskStateCompleted, TaskStateFailed,
		TaskStateCanceled, TaskStateRejected:
		return TaskState(s)
	}
	return TaskStateUnknown
}

// ValidTransitions is the canonical task state machine. A transition
// from -> to is legal iff ValidTransitions[from][to] holds. Terminal
// states have no outgoing edges.
var ValidTransitions = map[TaskState]map[TaskState]bool{
	TaskStateSubmitted: {
		TaskStateWorking:  true,
		TaskStateCanceled: true,
		TaskStateRejected: true,
		TaskStateFailed:   true,
	},
	TaskStateWorking: {
		TaskStateInputRequired: true,
		TaskStateAuthRequired:  true,
		TaskStateCompleted:     true,
		TaskStateFailed:        true,
		TaskStateCanceled:      true,
	},
	TaskStateInputRequired: {
		TaskStateWorking:  true,
		TaskStateCanceled: true,
		TaskStateFailed:   true,
	},
	TaskStateAuthRequired: {
		TaskStateWorking:  true,
		TaskStateCanceled: true,
		TaskStateFailed:   true,
	},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to TaskState) bool {
	return ValidTransitions[from][to]
}

// ============================================================================
// MESSAGE
// ============================================================================

// MessageRole identifies the author of a message.
type MessageRole string

const (
	MessageRoleUser  MessageRole = "user"
	MessageRoleAgent MessageRole = "agent"
)

// Message is a single conversational turn. Inbound messages must carry
// role "user"; messages produced by the node carry role "agent".
type Message struct {
	Kind             string         `json:"kind"` // always "message"
	MessageID        string         `json:"messageId"`
	Role             MessageRole    `json:"role"`
	Parts            []Part         `json:"parts"`
	TaskID           string         `json:"taskId,omitempty"`
	ContextID        string         `json:"contextId,omitempty"`
	ReferenceTaskIDs []string       `json:"referenceTaskIds,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// ============================================================================
// PART - content unit, tagged variant of text | file | data
// ============================================================================

// PartKind discriminates the Part variants.
type PartKind string

const (
	PartKindText PartKind = "text"
	PartKindFile PartKind = "file"
	PartKindData PartKind = "data"
)

// Part is one content unit of a message or artifact. Exactly one of
// Text, File, or Data is populated, per Kind.
type Part struct {
	Kind     PartKind       `json:"kind"`
	Text     string         `json:"text,omitempty"`
	File     *FileContent   `json:"file,omitempty"`
	Data     any            `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FileContent carries a file either inline (base64 bytes) or by URI.
// Exactly one of Bytes and URI is set.
type FileContent struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// ============================================================================
// ARTIFACT
// ============================================================================

// Artifact is a task output. Chunked delivery reuses the same ArtifactID
// across artifact-update events; Append extends the parts list and
// LastChunk marks completion.
type Artifact struct {
	ArtifactID  string         `json:"artifactId"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parts       []Part         `json:"parts"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ============================================================================
// TASK
// ============================================================================

// TaskStatus is the current state of a task plus an optional
// agent-authored message explaining it.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"` // RFC3339, UTC
}

// Task is the unit of work. History is append-only; ContextID is
// immutable once assigned and groups related tasks.
type Task struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	Status    TaskStatus     `json:"status"`
	History   []*Message     `json:"history,omitempty"`
	Artifacts []*Artifact    `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand to readers while the original
// keeps mutating under the store's lock.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	if t.History != nil {
		out.History = make([]*Message, len(t.History))
		for i, m := range t.History {
			mc := *m
			mc.Parts = clonePartSlice(m.Parts)
			out.History[i] = &mc
		}
	}
	if t.Artifacts != nil {
		out.Artifacts = make([]*Artifact, len(t.Artifacts))
		for i, a := range t.Artifacts {
			ac := *a
			ac.Parts = clonePartSlice(a.Parts)
			out.Artifacts[i] = &ac
		}
	}
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	if t.Status.Message != nil {
		mc := *t.Status.Message
		mc.Parts = clonePartSlice(t.Status.Message.Parts)
		out.Status.Message = &mc
	}
	return &out
}

func clonePartSlice(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	out := make([]Part, len(parts))
	copy(out, parts)
	return out
}

// ============================================================================
// AGENT CARD - discovery & capability advertisement
// ============================================================================

// AgentCard is the public descriptor served at /.well-known/agent.json.
type AgentCard struct {
	Name                              string                    `json:"name"`
	Description                       string                    `json:"description"`
	URL                               string                    `json:"url"`
	Version                           string                    `json:"version"`
	Capabilities                      AgentCapabilities         `json:"capabilities"`
	Skills                            []AgentSkill              `json:"skills,omitempty"`
	DefaultInputModes                 []string                  `json:"defaultInputModes,omitempty"`
	DefaultOutputModes                []string                  `json:"defaultOutputModes,omitempty"`
	SecuritySchemes                   map[string]SecurityScheme `json:"securitySchemes,omitempty"`
	SupportsAuthenticatedExtendedCard bool                      `json:"supportsAuthenticatedExtendedCard,omitempty"`
}

// AgentCapabilities declares what the node actually supports. Streaming
// must reflect whether message/stream is served.
type AgentCapabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`

	// SynchronousCompletion declares whether message/send blocks until
	// the task is terminal (true) or returns the current snapshot
	// immediately (false).
	SynchronousCompletion bool `json:"synchronousCompletion"`
}

// AgentSkill advertises one capability; Tags drive orchestrator routing.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// SecurityScheme describes an authentication scheme accepted by the node.
type SecurityScheme struct {
	Type        string `json:"type"`             // "http", "apiKey", "oauth2"
	Scheme      string `json:"scheme,omitempty"` // "bearer" for type http
	In          string `json:"in,omitempty"`     // "header", "query" for apiKey
	Name        string `json:"name,omitempty"`   // header/query parameter name
	Description string `json:"description,omitempty"`
}

// ============================================================================
// PUSH NOTIFICATION CONFIG
// The tasks/pushNotificationConfig/* methods store and return these.
// Delivery is intentionally not implemented.
// ============================================================================

// PushNotificationConfig is a caller-registered webhook target.
type PushNotificationConfig struct {
	ID             string                              `json:"id,omitempty"`
	URL            string                              `json:"url"`
	Token          string                              `json:"token,omitempty"`
	Authentication *PushNotificationAuthenticationInfo `json:"authentication,omitempty"`
}

// PushNotificationAuthenticationInfo names the schemes the webhook accepts.
type PushNotificationAuthenticationInfo struct {
	Schemes     []string `json:"schemes"`
	Credentials string   `json:"credentials,omitempty"`
}

// TaskPushNotificationConfig binds a config to a task.
type TaskPushNotificationConfig struct {
	TaskID                 string                 `json:"taskId"`
	PushNotificationConfig PushNotificationConfig `json:"pushNotificationConfig"`
}

// ============================================================================
// ID & TIMESTAMP HELPERS
// ============================================================================

// NewTaskID returns a fresh unique task identifier.
func NewTaskID() string { return uuid.NewString() }

// NewMessageID returns a fresh unique message identifier.
func NewMessageID() string { return uuid.NewString() }

// NewArtifactID returns a fresh unique artifact identifier.
func NewArtifactID() string { return uuid.NewString() }

// NowTimestamp returns the current time formatted for TaskStatus.Timestamp.
func NowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
