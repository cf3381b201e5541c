package a2a

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// STREAM EVENTS
// Everything emitted on a task stream is one of four kinds. The JSON
// `kind` member discriminates; UnmarshalEvent dispatches on it.
// ============================================================================

// Event kind discriminator values.
const (
	EventKindTaskSnapshot   = "task-snapshot"
	EventKindMessage        = "message"
	EventKindStatusUpdate   = "status-update"
	EventKindArtifactUpdate = "artifact-update"
)

// Event is any payload deliverable on a task stream.
type Event interface {
	// EventKind returns the wire discriminator ("task-snapshot",
	// "message", "status-update", or "artifact-update").
	EventKind() string

	// EventTaskID returns the task the event belongs to.
	EventTaskID() string
}

// TaskSnapshotEvent carries a full task snapshot. It opens every stream
// so the consumer never has to merge deltas against unknown state.
type TaskSnapshotEvent struct {
	Kind string `json:"kind"` // always "task-snapshot"
	Task
}

func (e *TaskSnapshotEvent) EventKind() string   { return EventKindTaskSnapshot }
func (e *TaskSnapshotEvent) EventTaskID() string { return e.ID }

// NewTaskSnapshotEvent wraps a deep copy of the task, so later store
// mutations never leak into an already-queued event.
func NewTaskSnapshotEvent(task *Task) *TaskSnapshotEvent {
	return &TaskSnapshotEvent{Kind: EventKindTaskSnapshot, Task: *task.Clone()}
}

// TaskStatusUpdateEvent signals a state transition or a progress note.
// Final marks the last event of the stream; the queue closes after it.
type TaskStatusUpdateEvent struct {
	Kind      string         `json:"kind"` // always "status-update"
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId,omitempty"`
	Status    TaskStatus     `json:"status"`
	Final     bool           `json:"final"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (e *TaskStatusUpdateEvent) EventKind() string   { return EventKindStatusUpdate }
func (e *TaskStatusUpdateEvent) EventTaskID() string { return e.TaskID }

// NewStatusUpdateEvent builds a status-update for the given task. Final
// is set when the new state is terminal.
func NewStatusUpdateEvent(task *Task, status TaskStatus) *TaskStatusUpdateEvent {
	return &TaskStatusUpdateEvent{
		Kind:      EventKindStatusUpdate,
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Status:    status,
		Final:     status.State.IsTerminal(),
	}
}

// TaskArtifactUpdateEvent delivers an artifact or one chunk of it.
// Append=false replaces the artifact's parts, Append=true extends them.
type TaskArtifactUpdateEvent struct {
	Kind      string         `json:"kind"` // always "artifact-update"
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId,omitempty"`
	Artifact  Artifact       `json:"artifact"`
	Append    bool           `json:"append,omitempty"`
	LastChunk bool           `json:"lastChunk,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (e *TaskArtifactUpdateEvent) EventKind() string   { return EventKindArtifactUpdate }
func (e *TaskArtifactUpdateEvent) EventTaskID() string { return e.TaskID }

// Message doubles as a stream event: incremental agent output is
// delivered as role=agent messages bound to the task.
func (m *Message) EventKind() string   { return EventKindMessage }
func (m *Message) EventTaskID() string { return m.TaskID }

// ============================================================================
// EVENT (UN)MARSHALING
// ============================================================================

// MarshalEvent encodes an event for the wire. The kind member is always
// populated even if the caller built the struct by hand.
func MarshalEvent(e Event) ([]byte, error) {
	switch ev := e.(type) {
	case *TaskSnapshotEvent:
		ev.Kind = EventKindTaskSnapshot
	case *Message:
		ev.Kind = EventKindMessage
	case *TaskStatusUpdateEvent:
		ev.Kind = EventKindStatusUpdate
	case *TaskArtifactUpdateEvent:
		ev.Kind = EventKindArtifactUpdate
	}
	return json.Marshal(e)
}

// UnmarshalEvent decodes a stream event, dispatching on the kind member.
func UnmarshalEvent(data []byte) (Event, error) {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to probe event kind: %w", err)
	}
	switch probe.Kind {
	case EventKindTaskSnapshot:
		var e TaskSnapshotEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("failed to decode task-snapshot event: %w", err)
		}
		return &e, nil
	case EventKindMessage:
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to decode message event: %w", err)
		}
		return &m, nil
	case EventKindStatusUpdate:
		var e TaskStatusUpdateEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("failed to decode status-update event: %w", err)
		}
		return &e, nil
	case EventKindArtifactUpdate:
		var e TaskArtifactUpdateEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("failed to decode artifact-update event: %w", err)
		}
		return &e, nil
	case "":
		return nil, fmt.Errorf("event has no kind member")
	default:
		return nil, fmt.Errorf("unknown event kind %q", probe.Kind)
	}
}
