// Package worker defines the boundary between the task runtime and the
// things that actually do work: a Worker yields a stream of Items, and
// the Adapter translates those items into protocol events and task state
// transitions.
package worker

import (
	"context"

	"github.com/conclave-ai/conclave/pkg/a2a"
)

// Worker is anything that can execute a task. Start and Resume return a
// channel the worker closes when its turn ends; the adapter owns the
// translation of yielded items.
type Worker interface {
	// Start begins a new run for the task. resumed carries persisted
	// worker state during crash recovery (nil for a fresh task).
	Start(ctx context.Context, taskID string, initial *a2a.Message, resumed []byte) (<-chan Item, error)

	// Resume continues a run interrupted by needs_input or needs_auth,
	// feeding the follow-up user message to the worker.
	Resume(ctx context.Context, taskID string, input *a2a.Message) (<-chan Item, error)

	// Cancel asks the worker to stop the task's run. The worker should
	// close its item channel promptly; the adapter enforces a grace
	// deadline.
	Cancel(ctx context.Context, taskID string) error

	// Snapshot serializes the worker's conversational state for the
	// task so a restarted node can resume it.
	Snapshot(taskID string) ([]byte, error)
}

// ItemKind discriminates the Item variants.
type ItemKind string

const (
	ItemThinking        ItemKind = "thinking"
	ItemToolInvocation  ItemKind = "tool_invocation"
	ItemToolResult      ItemKind = "tool_result"
	ItemPartialArtifact ItemKind = "partial_artifact"
	ItemNeedsInput      ItemKind = "needs_input"
	ItemNeedsAuth       ItemKind = "needs_auth"
	ItemFinal           ItemKind = "final"
	ItemError           ItemKind = "error"
)

// ErrorKind classifies error items.
type ErrorKind string

const (
	ErrorInternal ErrorKind = "internal"
	ErrorTimeout  ErrorKind = "timeout"
	ErrorCanceled ErrorKind = "canceled"
)

// Item is one unit of worker output. Kind selects which fields are
// meaningful.
type Item struct {
	Kind ItemKind

	// thinking / tool_invocation / tool_result / needs_input
	Text string

	// tool_invocation / tool_result
	ToolName   string
	ToolInput  map[string]any
	ToolOutput map[string]any

	// partial_artifact
	ArtifactID   string
	ArtifactName string
	Part         a2a.Part
	ChunkIndex   int
	IsLast       bool

	// needs_auth
	AuthScheme string

	// final
	Parts []a2a.Part

	// error
	ErrorKind   ErrorKind
	ErrorDetail string
}

// Convenience constructors for the common variants.

func Thinking(text string) Item {
	return Item{Kind: ItemThinking, Text: text}
}

func ToolInvocation(name string, input map[string]any) Item {
	return Item{Kind: ItemToolInvocation, ToolName: name, ToolInput: input}
}

func ToolResult(name string, output map[string]any) Item {
	return Item{Kind: ItemToolResult, ToolName: name, ToolOutput: output}
}

func PartialArtifact(artifactID, name string, part a2a.Part, chunkIndex int, isLast bool) Item {
	return Item{
		Kind:         ItemPartialArtifact,
		ArtifactID:   artifactID,
		ArtifactName: name,
		Part:         part,
		ChunkIndex:   chunkIndex,
		IsLast:       isLast,
	}
}

func NeedsInput(prompt string) Item {
	return Item{Kind: ItemNeedsInput, Text: prompt}
}

func NeedsAuth(scheme string) Item {
	return Item{Kind: ItemNeedsAuth, AuthScheme: scheme}
}

func Final(parts ...a2a.Part) Item {
	return Item{Kind: ItemFinal, Parts: parts}
}

func Errorf(kind ErrorKind, detail string) Item {
	return Item{Kind: ItemError, ErrorKind: kind, ErrorDetail: detail}
}
