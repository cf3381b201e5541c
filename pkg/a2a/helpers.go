package a2a

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// CONSTRUCTION HELPERS
// ============================================================================

// NewTextPart builds a text part.
func NewTextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// NewDataPart builds a structured data part.
func NewDataPart(data any) Part {
	return Part{Kind: PartKindData, Data: data}
}

// NewFilePart builds a file part from prepared content.
func NewFilePart(file *FileContent) Part {
	return Part{Kind: PartKindFile, File: file}
}

// NewUserMessage builds a user message with a single text part.
func NewUserMessage(text string) *Message {
	return &Message{
		Kind:      EventKindMessage,
		MessageID: NewMessageID(),
		Role:      MessageRoleUser,
		Parts:     []Part{NewTextPart(text)},
	}
}

// NewAgentMessage builds an agent message bound to a task, with a single
// text part.
func NewAgentMessage(taskID, contextID, text string) *Message {
	return &Message{
		Kind:      EventKindMessage,
		MessageID: NewMessageID(),
		Role:      MessageRoleAgent,
		Parts:     []Part{NewTextPart(text)},
		TaskID:    taskID,
		ContextID: contextID,
	}
}

// NewAgentParts builds an agent message bound to a task carrying
// arbitrary parts.
func NewAgentParts(taskID, contextID string, parts []Part) *Message {
	return &Message{
		Kind:      EventKindMessage,
		MessageID: NewMessageID(),
		Role:      MessageRoleAgent,
		Parts:     parts,
		TaskID:    taskID,
		ContextID: contextID,
	}
}

// NewTask builds a task in the submitted state with the opening message
// already in history. A missing context id is generated.
func NewTask(msg *Message) *Task {
	taskID := msg.TaskID
	if taskID == "" {
		taskID = NewTaskID()
	}
	contextID := msg.ContextID
	if contextID == "" {
		contextID = uuid.NewString()
	}
	now := time.Now().UTC()
	return &Task{
		ID:        taskID,
		ContextID: contextID,
		Status: TaskStatus{
			State:     TaskStateSubmitted,
			Timestamp: now.Format(time.RFC3339),
		},
		History:   []*Message{msg},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ============================================================================
// EXTRACTION HELPERS
// ============================================================================

// ExtractText returns the first text part of a message, or "".
func ExtractText(msg *Message) string {
	if msg == nil {
		return ""
	}
	for _, p := range msg.Parts {
		if p.Kind == PartKindText {
			return p.Text
		}
	}
	return ""
}

// ExtractAllText joins every text part of a message with newlines.
func ExtractAllText(msg *Message) string {
	if msg == nil {
		return ""
	}
	var texts []string
	for _, p := range msg.Parts {
		if p.Kind == PartKindText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// LastMessageByRole returns the most recent history entry with the given
// role, or nil.
func LastMessageByRole(task *Task, role MessageRole) *Message {
	for i := len(task.History) - 1; i >= 0; i-- {
		if task.History[i].Role == role {
			return task.History[i]
		}
	}
	return nil
}

// TrimHistory returns a copy of the task whose history keeps only the
// most recent n messages. n <= 0 clears history entirely; the original
// task is never touched.
func TrimHistory(task *Task, n int) *Task {
	out := task.Clone()
	if n <= 0 {
		out.History = nil
		return out
	}
	if len(out.History) > n {
		out.History = out.History[len(out.History)-n:]
	}
	return out
}
