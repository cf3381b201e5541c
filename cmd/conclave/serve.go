package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/conclave-ai/conclave/pkg/auth"
	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/config/provider"
	"github.com/conclave-ai/conclave/pkg/observability"
	"github.com/conclave-ai/conclave/pkg/runtime"
	"github.com/conclave-ai/conclave/pkg/server"
)

// ServeCmd starts the A2A node.
type ServeCmd struct {
	Port       int      `help:"Port to listen on (overrides config)."`
	Watch      bool     `help:"Watch the config source for changes."`
	ConfigType string   `name:"config-type" help:"Config source: file, consul, etcd, zookeeper." default:"file"`
	Endpoints  []string `help:"Endpoints for remote config sources."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, loader, err := c.loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	node, err := runtime.NewNode(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}

	validator, err := auth.NewValidatorFromConfig(cfg.Server.Auth)
	if err != nil {
		node.Close()
		return err
	}

	srv, err := server.New(server.Options{
		Config:        cfg,
		Service:       node.Manager(),
		ActiveTasks:   node.ActiveTasks,
		Validator:     validator,
		Observability: observability.NewManager(*cfg.Observability()),
		Closer:        node,
		Logger:        slog.Default(),
	})
	if err != nil {
		node.Close()
		return err
	}

	// Recovery runs after the server exists so early subscribers can
	// attach to replayed tasks, but before the listener takes traffic.
	if err := node.Start(ctx); err != nil {
		node.Close()
		return fmt.Errorf("task recovery failed: %w", err)
	}

	printStartupInfo(cfg)
	return srv.Start(ctx)
}

// loadConfig resolves the config source. With no --config flag, a
// conclave.yaml next to the binary wins; failing that the node runs a
// built-in single-echo-worker config for quick trials.
func (c *ServeCmd) loadConfig(ctx context.Context, path string) (*config.Config, *config.Loader, error) {
	if path == "" {
		for _, candidate := range []string{"conclave.yaml", "conclave.yml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path == "" {
		slog.Info("No config file found, using built-in defaults (echo worker only)")
		cfg, err := config.ProcessConfigPipeline(&config.Config{
			Workers: map[string]*config.WorkerConfig{
				"echo": {Type: "echo"},
			},
		})
		return cfg, nil, err
	}

	ptype, err := provider.ParseType(c.ConfigType)
	if err != nil {
		return nil, nil, err
	}
	return config.LoadConfig(ctx, provider.ProviderConfig{
		Type:      ptype,
		Path:      path,
		Endpoints: c.Endpoints,
	})
}

func printStartupInfo(cfg *config.Config) {
	green := "\033[38;2;16;185;129m"
	reset := "\033[0m"
	fmt.Printf("\n%s%s ready%s\n", green, cfg.Node.Name, reset)
	fmt.Printf("   RPC:         %s%s\n", cfg.Node.URL, cfg.Server.RPCPath)
	fmt.Printf("   Agent Card:  %s/.well-known/agent-card.json\n", cfg.Node.URL)
	fmt.Printf("   Health:      %s/health\n", cfg.Node.URL)
	if len(cfg.Workers) > 0 {
		fmt.Printf("   Workers:    ")
		for name := range cfg.Workers {
			fmt.Printf(" %s", name)
		}
		fmt.Println()
	}
	if cfg.Orchestrator.IsEnabled() {
		fmt.Printf("   Orchestrator: enabled (%d peers)\n", len(cfg.Peers))
	}
	fmt.Println()
}
