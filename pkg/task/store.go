// Package task implements the task store: the canonical, concurrency-safe
// mapping of task id to task record with append-only history, artifact
// chunk merging, and state machine enforcement.
//
// Writes to a given task are serialized (single writer per task id);
// reads return deep copies so callers never observe a record mid-mutation.
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/conclave-ai/conclave/pkg/a2a"
)

// Filter selects tasks for List. Zero values mean "any"; all conditions
// are conjunctive.
type Filter struct {
	ContextID string
	State     a2a.TaskState
	Limit     int
	Offset    int
}

// Store manages task records. All methods are safe for concurrent use
// and linearizable per task id.
type Store interface {
	// Create inserts a new task. The task id must be unused.
	Create(ctx context.Context, t *a2a.Task) error

	// Get returns a deep copy of the task, or a2a.ErrTaskNotFound.
	Get(ctx context.Context, taskID string) (*a2a.Task, error)

	// AppendHistory appends one message to the task history.
	AppendHistory(ctx context.Context, taskID string, msg *a2a.Message) error

	// ApplyArtifact merges an artifact-update into the canonical
	// artifact list, honoring append/lastChunk chunking by artifact id.
	ApplyArtifact(ctx context.Context, taskID string, ev *a2a.TaskArtifactUpdateEvent) error

	// SetStatus transitions the task, returning the previous status.
	// Illegal edges fail with a2a.ErrProtocolViolation.
	SetStatus(ctx context.Context, taskID string, status a2a.TaskStatus) (a2a.TaskStatus, error)

	// List returns tasks matching the filter plus the unpaginated total,
	// ordered by creation time.
	List(ctx context.Context, f Filter) ([]*a2a.Task, int, error)

	// EvictTerminal removes terminal tasks last updated before cutoff
	// and returns their ids.
	EvictTerminal(ctx context.Context, cutoff time.Time) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// checkTransition guards SetStatus for every backend. Setting the same
// state again is allowed (status message refresh); moving off a terminal
// state or along a missing edge is not.
func checkTransition(from, to a2a.TaskState) error {
	if from == to {
		return nil
	}
	if !a2a.CanTransition(from, to) {
		return a2a.ErrProtocolViolation.WithData(fmt.Sprintf("illegal task state transition: %q -> %q", from, to))
	}
	return nil
}

// mergeArtifact applies one artifact-update event to the task in place.
// Chunks with a known artifact id and append=true extend the parts list;
// everything else replaces or inserts the artifact whole.
func mergeArtifact(t *a2a.Task, ev *a2a.TaskArtifactUpdateEvent) {
	for _, existing := range t.Artifacts {
		if existing.ArtifactID != ev.Artifact.ArtifactID {
			continue
		}
		if ev.Append {
			existing.Parts = append(existing.Parts, ev.Artifact.Parts...)
		} else {
			existing.Parts = ev.Artifact.Parts
		}
		if ev.Artifact.Name != "" {
			existing.Name = ev.Artifact.Name
		}
		if ev.Artifact.Description != "" {
			existing.Description = ev.Artifact.Description
		}
		return
	}

	artifact := ev.Artifact
	t.Artifacts = append(t.Artifacts, &artifact)
}
