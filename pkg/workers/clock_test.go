package workers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/pkg/a2a"
	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/worker"
)

func TestClockWorkerKnownCity(t *testing.T) {
	w := NewClockWorker()
	w.now = func() time.Time {
		return time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	}

	ch, err := w.Start(context.Background(), "t1", a2a.NewUserMessage("what is the time in Tokyo?"), nil)
	require.NoError(t, err)
	items := collectItems(t, ch)

	require.Len(t, items, 3)
	assert.Equal(t, worker.ItemThinking, items[0].Kind)

	artifact := items[1]
	require.Equal(t, worker.ItemPartialArtifact, artifact.Kind)
	assert.Equal(t, "time_result", artifact.ArtifactName)
	assert.True(t, artifact.IsLast)
	// Tokyo is UTC+9.
	assert.Contains(t, artifact.Part.Text, "Asia/Tokyo")
	assert.Contains(t, artifact.Part.Text, "21:00:00")

	require.Equal(t, worker.ItemFinal, items[2].Kind)
}

func TestClockWorkerIANAName(t *testing.T) {
	w := NewClockWorker()

	ch, err := w.Start(context.Background(), "t1", a2a.NewUserMessage("Europe/Paris"), nil)
	require.NoError(t, err)
	items := collectItems(t, ch)

	final := items[len(items)-1]
	require.Equal(t, worker.ItemFinal, final.Kind)
	assert.Contains(t, final.Parts[0].Text, "Europe/Paris")
}

func TestClockWorkerUnknownPlace(t *testing.T) {
	w := NewClockWorker()

	ch, err := w.Start(context.Background(), "t1", a2a.NewUserMessage("time in Atlantis"), nil)
	require.NoError(t, err)
	items := collectItems(t, ch)

	last := items[len(items)-1]
	require.Equal(t, worker.ItemNeedsInput, last.Kind)
	assert.Contains(t, last.Text, "Atlantis")
}

func TestClockWorkerNoPlace(t *testing.T) {
	w := NewClockWorker()

	ch, err := w.Start(context.Background(), "t1", a2a.NewUserMessage("hello there"), nil)
	require.NoError(t, err)
	items := collectItems(t, ch)

	require.Len(t, items, 1)
	assert.Equal(t, worker.ItemNeedsInput, items[0].Kind)
}

func TestEchoWorker(t *testing.T) {
	w := NewEchoWorker()

	ch, err := w.Start(context.Background(), "t1", a2a.NewUserMessage("ping"), nil)
	require.NoError(t, err)
	items := collectItems(t, ch)

	require.Len(t, items, 2)
	assert.Equal(t, worker.ItemThinking, items[0].Kind)
	require.Equal(t, worker.ItemFinal, items[1].Kind)
	assert.Equal(t, "ping", items[1].Parts[0].Text)
}

func TestWorkerFactory(t *testing.T) {
	tests := []struct {
		workerType string
		wantErr    bool
	}{
		{"currency", false},
		{"clock", false},
		{"echo", false},
		{"llm", true},
	}
	for _, tt := range tests {
		t.Run(tt.workerType, func(t *testing.T) {
			w, err := New(config.WorkerConfig{Type: tt.workerType}, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, w)
		})
	}
}
