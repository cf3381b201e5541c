package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/conclave-ai/conclave/pkg/a2a"
	"github.com/conclave-ai/conclave/pkg/checkpoint"
	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/events"
	"github.com/conclave-ai/conclave/pkg/orchestrator"
	"github.com/conclave-ai/conclave/pkg/peer"
	"github.com/conclave-ai/conclave/pkg/registry"
	"github.com/conclave-ai/conclave/pkg/task"
	"github.com/conclave-ai/conclave/pkg/worker"
	"github.com/conclave-ai/conclave/pkg/workers"
)

// shutdownGrace bounds how long Close waits for live worker runs.
const shutdownGrace = 10 * time.Second

// Node assembles the runtime from configuration: task store, event
// broker, checkpointing, hosted workers (orchestrator included), and
// the manager tying them together. It is the io.Closer the server owns.
type Node struct {
	cfg     *config.Config
	manager *Manager
	broker  *events.Broker
	pool    *config.DBPool
	ckpt    *checkpoint.Store
	syncer  *checkpoint.Synchronizer
	peers   *peer.Client
	logger  *slog.Logger
}

// NewNode builds and wires a node. ctx bounds startup work such as peer
// card discovery; it does not scope the node's lifetime.
func NewNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	n := &Node{cfg: cfg, logger: logger, pool: config.NewDBPool()}

	store, err := task.NewStoreFromConfig(cfg, n.pool)
	if err != nil {
		n.pool.Close()
		return nil, fmt.Errorf("failed to build task store: %w", err)
	}
	n.broker = events.NewBroker(cfg.Queue.CapacityPerTask, cfg.Queue.SubscriberBuffer)

	if cfg.Checkpoint.IsEnabled() {
		n.ckpt, err = checkpoint.NewStoreFromConfig(cfg, n.pool)
		if err != nil {
			n.pool.Close()
			return nil, fmt.Errorf("failed to build checkpoint store: %w", err)
		}
		n.syncer = checkpoint.NewSynchronizer(n.ckpt, store,
			cfg.Checkpoint.Interval, cfg.Checkpoint.Required, logger)
	}

	reg, defaultWorker, err := n.buildWorkers(ctx)
	if err != nil {
		n.closePartial()
		return nil, err
	}

	maxConcurrent, cancelGrace, turnTimeout := workerBounds(cfg)
	n.manager, err = NewManager(ManagerOptions{
		Store:         store,
		Broker:        n.broker,
		Checkpoints:   n.ckpt,
		Synchronizer:  n.syncer,
		Workers:       reg,
		DefaultWorker: defaultWorker,
		MaxConcurrent: maxConcurrent,
		CancelGrace:   cancelGrace,
		TurnTimeout:   turnTimeout,
		Logger:        logger,
	})
	if err != nil {
		n.closePartial()
		return nil, err
	}

	if n.syncer != nil {
		// A failed required checkpoint write must not leave the task
		// looking alive.
		n.syncer.OnFailure = func(taskID string, err error) {
			_ = n.manager.Transition(context.Background(), taskID, a2a.TaskStateFailed,
				[]a2a.Part{a2a.NewTextPart("checkpoint write failed: " + err.Error())})
		}
	}
	return n, nil
}

// buildWorkers registers every configured worker. The orchestrator type
// is assembled here rather than in pkg/workers because it needs the
// peer client and the routing table.
func (n *Node) buildWorkers(ctx context.Context) (*registry.BaseRegistry[worker.Worker], string, error) {
	cfg := n.cfg
	reg := registry.NewBaseRegistry[worker.Worker]()

	names := make([]string, 0, len(cfg.Workers))
	for name := range cfg.Workers {
		names = append(names, name)
	}
	sort.Strings(names)

	orchestratorName := ""
	for _, name := range names {
		wc := cfg.Workers[name]
		if wc.Type == "orchestrator" {
			if !cfg.Orchestrator.IsEnabled() {
				return nil, "", fmt.Errorf("worker %q has type orchestrator but orchestrator.enabled is false", name)
			}
			if orchestratorName != "" {
				return nil, "", fmt.Errorf("only one orchestrator worker may be hosted (%q and %q)", orchestratorName, name)
			}
			orchestratorName = name
			continue
		}
		w, err := workers.New(*wc, n.logger)
		if err != nil {
			return nil, "", fmt.Errorf("worker %q: %w", name, err)
		}
		if err := reg.Register(name, w); err != nil {
			return nil, "", err
		}
	}

	if cfg.Orchestrator.IsEnabled() {
		if orchestratorName == "" {
			orchestratorName = "orchestrator"
		}
		orch, err := n.buildOrchestrator(ctx)
		if err != nil {
			return nil, "", err
		}
		if err := reg.Register(orchestratorName, orch); err != nil {
			return nil, "", err
		}
	}

	if reg.Count() == 0 {
		return nil, "", fmt.Errorf("no workers configured")
	}

	// The orchestrator, when hosted, is the node's front door.
	defaultWorker := orchestratorName
	if defaultWorker == "" {
		defaultWorker = reg.Names()[0]
	}
	return reg, defaultWorker, nil
}

func (n *Node) buildOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	client, err := peer.NewClientFromConfig(n.cfg.Peers, n.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build peer client: %w", err)
	}
	n.peers = client

	targets := orchestrator.ResolveTargets(ctx, n.cfg.Peers, client, n.logger)
	if len(targets) == 0 {
		n.logger.Warn("Orchestrator hosted with no routable peers; requests will fail until peers come up")
	}
	router := orchestrator.NewRouter(targets, client.InFlight, n.logger)
	return orchestrator.New(nil, router, nil, client, &n.cfg.Orchestrator, n.logger), nil
}

// workerBounds derives the manager's global execution bounds from the
// per-worker sections: the most permissive concurrency, the longest
// grace, the longest turn bound.
func workerBounds(cfg *config.Config) (maxConcurrent int, cancelGrace, turnTimeout time.Duration) {
	for _, wc := range cfg.Workers {
		if wc.MaxConcurrentTasks > maxConcurrent {
			maxConcurrent = wc.MaxConcurrentTasks
		}
		if wc.CancelGrace > cancelGrace {
			cancelGrace = wc.CancelGrace
		}
		if wc.TurnTimeout > turnTimeout {
			turnTimeout = wc.TurnTimeout
		}
	}
	return maxConcurrent, cancelGrace, turnTimeout
}

// Start runs startup recovery when checkpointing and recovery are
// enabled. It is separate from NewNode so the HTTP listener can be
// registered before replayed tasks start emitting.
func (n *Node) Start(ctx context.Context) error {
	if n.ckpt == nil || !n.cfg.Checkpoint.ShouldRecover() {
		return nil
	}
	return n.manager.RecoverTasks(ctx)
}

// Manager exposes the task manager (the transport's Service).
func (n *Node) Manager() *Manager { return n.manager }

// ActiveTasks reports tasks with live queues, for the health endpoint.
func (n *Node) ActiveTasks() int { return n.broker.Len() }

// Peers exposes the peer client when the orchestrator is hosted (nil
// otherwise); the CLI uses it for ad-hoc calls.
func (n *Node) Peers() *peer.Client { return n.peers }

// Close shuts the runtime down in dependency order: worker runs first,
// then the checkpoint pipeline, then the queues and stores.
func (n *Node) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if n.manager != nil {
		n.manager.Adapter().Shutdown(ctx)
	}

	var errs []error
	if n.syncer != nil {
		n.syncer.Stop()
	}
	if n.broker != nil {
		n.broker.CloseAll()
	}
	if n.ckpt != nil {
		if err := n.ckpt.Close(); err != nil {
			errs = append(errs, fmt.Errorf("checkpoint store: %w", err))
		}
	}
	if err := n.pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database pool: %w", err))
	}
	return errors.Join(errs...)
}

// closePartial tears down what NewNode built before it failed.
func (n *Node) closePartial() {
	if n.syncer != nil {
		n.syncer.Stop()
	}
	if n.ckpt != nil {
		_ = n.ckpt.Close()
	}
	_ = n.pool.Close()
}
