// Crewboard is the task-coordination registry for agent fleets.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"crewboard/internal/api"
	"crewboard/internal/config"
	"crewboard/internal/db"
	"crewboard/pkg/agent"
	"crewboard/pkg/event"
	"crewboard/pkg/registry"
	"crewboard/pkg/task"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "crewboard",
		Short: "Task coordination registry for agent fleets",
		Long: "crewboard tracks tasks, their dependency graph, and which agent\n" +
			"owns what, so independent workers never collide on the same task.",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "crewboard.yaml", "Path to config file")

	rootCmd.AddCommand(
		serveCmd(),
		sweepCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the registry HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tasks, events, agents, cleanup, err := buildStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			bus := event.NewBus(events)
			reg, err := registry.New(ctx, tasks, bus,
				registry.WithRetry(cfg.Propagation.Retries, cfg.Propagation.Backoff))
			if err != nil {
				return err
			}

			go reg.Run(ctx, cfg.Sweep.Interval)

			server := api.New(reg, agents, bus, bus)
			httpServer := &http.Server{Addr: cfg.Listen, Handler: server}
			go func() {
				<-ctx.Done()
				httpServer.Shutdown(context.Background())
			}()

			log.Printf("crewboard listening on %s (backend: %s)", cfg.Listen, cfg.Backend)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("listen: %w", err)
			}
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one consistency sweep and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			tasks, events, _, cleanup, err := buildStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			reg, err := registry.New(ctx, tasks, event.NewBus(events),
				registry.WithRetry(cfg.Propagation.Retries, cfg.Propagation.Backoff))
			if err != nil {
				return err
			}

			res, err := reg.Sweep(ctx)
			if err != nil {
				return err
			}
			log.Printf("sweep: unblocked %d, reblocked %d", res.Unblocked, res.Reblocked)
			return nil
		},
	}
}

// buildStores constructs the configured backend and ensures its tables.
func buildStores(ctx context.Context, cfg *config.Config) (task.Store, event.Store, agent.Store, func(), error) {
	if cfg.Backend == "memory" {
		return task.NewMemStore(), event.NewMemStore(), agent.NewMemStore(), func() {}, nil
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cleanup := func() { pool.Close() }

	tasks := task.NewPgStore(pool)
	events := event.NewPgStore(pool)
	agents := agent.NewPgStore(pool)
	for _, ensure := range []func(context.Context) error{
		tasks.EnsureTable, events.EnsureTable, agents.EnsureTable,
	} {
		if err := ensure(ctx); err != nil {
			cleanup()
			return nil, nil, nil, nil, fmt.Errorf("ensure tables: %w", err)
		}
	}
	return tasks, events, agents, cleanup, nil
}
