package workers

import (
	"context"

	"github.com/conclave-ai/conclave/pkg/a2a"
	"github.com/conclave-ai/conclave/pkg/worker"
)

// EchoWorker repeats its input back. It exists for wiring tests and
// smoke checks, not for users.
type EchoWorker struct{}

func NewEchoWorker() *EchoWorker { return &EchoWorker{} }

func (w *EchoWorker) Start(ctx context.Context, taskID string, initial *a2a.Message, _ []byte) (<-chan worker.Item, error) {
	return w.turn(ctx, a2a.ExtractAllText(initial)), nil
}

func (w *EchoWorker) Resume(ctx context.Context, taskID string, input *a2a.Message) (<-chan worker.Item, error) {
	return w.turn(ctx, a2a.ExtractAllText(input)), nil
}

func (w *EchoWorker) Cancel(context.Context, string) error { return nil }

func (w *EchoWorker) Snapshot(string) ([]byte, error) { return nil, nil }

func (w *EchoWorker) turn(ctx context.Context, text string) <-chan worker.Item {
	items := make(chan worker.Item)
	go func() {
		defer close(items)
		for _, item := range []worker.Item{
			worker.Thinking("Echoing the request..."),
			worker.Final(a2a.NewTextPart(text)),
		} {
			select {
			case items <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return items
}
