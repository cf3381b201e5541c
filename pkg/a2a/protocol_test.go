package a2a

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStateIsTerminal(t *testing.T) {
	tests := []struct {
		state    TaskState
		terminal bool
	}{
		{TaskStateSubmitted, false},
		{TaskStateWorking, false},
		{TaskStateInputRequired, false},
		{TaskStateAuthRequired, false},
		{TaskStateCompleted, true},
		{TaskStateFailed, true},
		{TaskStateCanceled, true},
		{TaskStateRejected, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.IsTerminal())
		})
	}
}

func TestTaskStateIsInterrupted(t *testing.T) {
	assert.True(t, TaskStateInputRequired.IsInterrupted())
	assert.True(t, TaskStateAuthRequired.IsInterrupted())
	assert.False(t, TaskStateWorking.IsInterrupted())
	assert.False(t, TaskStateCompleted.IsInterrupted())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from TaskState
		to   TaskState
		ok   bool
	}{
		{"submitted to working", TaskStateSubmitted, TaskStateWorking, true},
		{"submitted to rejected", TaskStateSubmitted, TaskStateRejected, true},
		{"submitted to completed skips working", TaskStateSubmitted, TaskStateCompleted, false},
		{"working to input-required", TaskStateWorking, TaskStateInputRequired, true},
		{"working to auth-required", TaskStateWorking, TaskStateAuthRequired, true},
		{"working to completed", TaskStateWorking, TaskStateCompleted, true},
		{"working to rejected", TaskStateWorking, TaskStateRejected, false},
		{"input-required resumes", TaskStateInputRequired, TaskStateWorking, true},
		{"input-required to completed directly", TaskStateInputRequired, TaskStateCompleted, false},
		{"auth-required to canceled", TaskStateAuthRequired, TaskStateCanceled, true},
		{"completed is terminal", TaskStateCompleted, TaskStateWorking, false},
		{"canceled is terminal", TaskStateCanceled, TaskStateCanceled, false},
		{"failed is terminal", TaskStateFailed, TaskStateWorking, false},
		{"rejected is terminal", TaskStateRejected, TaskStateWorking, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestParseTaskState(t *testing.T) {
	assert.Equal(t, TaskStateWorking, ParseTaskState("working"))
	assert.Equal(t, TaskStateInputRequired, ParseTaskState("input-required"))
	assert.Equal(t, TaskStateUnknown, ParseTaskState("paused"))
	assert.Equal(t, TaskStateUnknown, ParseTaskState(""))
}

func TestTaskCloneIsDeep(t *testing.T) {
	orig := NewTask(NewUserMessage("convert 100 USD to EUR"))
	orig.Artifacts = []*Artifact{{
		ArtifactID: "a1",
		Parts:      []Part{NewTextPart("chunk-1")},
	}}
	orig.Metadata = map[string]any{"source": "test"}

	clone := orig.Clone()
	require.NotNil(t, clone)

	clone.History[0].Parts[0].Text = "mutated"
	clone.Artifacts[0].Parts[0].Text = "mutated"
	clone.Metadata["source"] = "mutated"
	clone.Status.State = TaskStateCompleted

	assert.Equal(t, "convert 100 USD to EUR", orig.History[0].Parts[0].Text)
	assert.Equal(t, "chunk-1", orig.Artifacts[0].Parts[0].Text)
	assert.Equal(t, "test", orig.Metadata["source"])
	assert.Equal(t, TaskStateSubmitted, orig.Status.State)
}

func TestNewTaskDefaults(t *testing.T) {
	msg := NewUserMessage("hello")
	task := NewTask(msg)

	assert.NotEmpty(t, task.ID)
	assert.NotEmpty(t, task.ContextID)
	assert.Equal(t, TaskStateSubmitted, task.Status.State)
	assert.NotEmpty(t, task.Status.Timestamp)
	require.Len(t, task.History, 1)
	assert.Same(t, msg, task.History[0])
}

func TestNewTaskHonorsCallerIDs(t *testing.T) {
	msg := NewUserMessage("follow-up")
	msg.TaskID = "task-7"
	msg.ContextID = "ctx-3"

	task := NewTask(msg)
	assert.Equal(t, "task-7", task.ID)
	assert.Equal(t, "ctx-3", task.ContextID)
}

func TestTaskWireShape(t *testing.T) {
	task := NewTask(NewUserMessage("hi"))
	data, err := json.Marshal(task)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Contains(t, raw, "contextId")
	assert.Contains(t, raw, "createdAt")
	assert.NotContains(t, raw, "kind", "unary task results carry no kind member")

	status, ok := raw["status"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "submitted", status["state"])
}

func TestMessageRoundTrip(t *testing.T) {
	msg := NewAgentMessage("task-1", "ctx-1", "result text")
	msg.Metadata = map[string]any{"step": "final"}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, *msg, decoded)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "message", raw["kind"])
	assert.Equal(t, "task-1", raw["taskId"])
}

func TestPartVariants(t *testing.T) {
	parts := []Part{
		NewTextPart("plain"),
		NewFilePart(&FileContent{Name: "r.pdf", MimeType: "application/pdf", URI: "https://example.com/r.pdf"}),
		NewDataPart(map[string]any{"rate": 0.92}),
	}
	data, err := json.Marshal(parts)
	require.NoError(t, err)

	var decoded []Part
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 3)
	assert.Equal(t, PartKindText, decoded[0].Kind)
	assert.Equal(t, PartKindFile, decoded[1].Kind)
	require.NotNil(t, decoded[1].File)
	assert.Equal(t, "https://example.com/r.pdf", decoded[1].File.URI)
	assert.Equal(t, PartKindData, decoded[2].Kind)
}

func TestAgentCardWireShape(t *testing.T) {
	card := AgentCard{
		Name:        "currency-agent",
		Description: "Converts currencies",
		URL:         "http://localhost:8080",
		Version:     "0.1.0",
		Capabilities: AgentCapabilities{
			Streaming: true,
		},
		Skills: []AgentSkill{{ID: "convert", Name: "Convert", Tags: []string{"currency"}}},
	}
	data, err := json.Marshal(card)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	caps, ok := raw["capabilities"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, caps["streaming"])
	assert.Equal(t, false, caps["pushNotifications"])
	assert.Equal(t, false, caps["synchronousCompletion"])
}
