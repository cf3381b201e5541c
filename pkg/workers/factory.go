package workers

import (
	"fmt"
	"log/slog"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/httpclient"
	"github.com/conclave-ai/conclave/pkg/worker"
)

// New builds a built-in worker from its config. The "orchestrator" type
// is assembled by the runtime (it needs the peer client and registry),
// not here.
func New(cfg config.WorkerConfig, logger *slog.Logger) (worker.Worker, error) {
	switch cfg.Type {
	case "currency":
		ratesURL, _ := cfg.Settings["rates_url"].(string)
		client := httpclient.New(
			httpclient.WithMaxRetries(2),
			httpclient.WithLogger(logger),
		)
		return NewCurrencyWorker(client, ratesURL, logger), nil
	case "clock":
		return NewClockWorker(), nil
	case "echo":
		return NewEchoWorker(), nil
	default:
		return nil, fmt.Errorf("unknown worker type %q (built-in: currency, clock, echo)", cfg.Type)
	}
}
