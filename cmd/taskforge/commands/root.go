// Package commands implements the taskforge CLI commands using cobra.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/taskforge/agent"
	"github.com/GoCodeAlone/taskforge/comms"
	"github.com/GoCodeAlone/taskforge/config"
	"github.com/GoCodeAlone/taskforge/dispatch"
	"github.com/GoCodeAlone/taskforge/internal/version"
	"github.com/GoCodeAlone/taskforge/server"
	"github.com/GoCodeAlone/taskforge/task"
)

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskforge",
		Short: "Submit and inspect taskforge tasks",
		Long: `taskforge talks to the state store shared with taskforged.

Tasks submitted here are picked up by the daemon's scheduler, or sent
straight to a capable agent with --dispatch.`,
		Version:      version.String(),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "taskforge.yaml", "path to config file")
	root.PersistentFlags().Bool("no-color", false, "disable colored output")
	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newAgentsCmd(),
		newStatsCmd(),
		newVersionCmd(),
	)
	return root
}

// env holds the components a command operates on.
type env struct {
	cfg        *config.Config
	queue      *task.Queue
	registry   *agent.Registry
	dispatcher *dispatch.Dispatcher
	closers    []io.Closer
}

func openEnv(ctx context.Context, cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Store.Backend == config.BackendMemory {
		return nil, errors.New("the memory backend is private to the daemon; configure sqlite or nats")
	}
	backend, closers, err := server.OpenBackend(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	queue := task.NewQueue(backend, task.WithDequeueTimeout(cfg.Scheduler.DequeueTimeout))
	bus := comms.NewBus(backend)
	registry := agent.NewRegistry(backend, bus,
		agent.WithLivenessWindow(cfg.Registry.LivenessWindow),
		agent.WithRecordTTL(cfg.Registry.RecordTTL),
	)
	e := &env{
		cfg:        cfg,
		queue:      queue,
		registry:   registry,
		dispatcher: dispatch.New(registry, bus, queue, dispatch.WithExclusiveClaim(cfg.Dispatch.ExclusiveClaim)),
		closers:    closers,
	}
	if _, err := registry.Restore(ctx); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("loading agents: %w", err)
	}
	return e, nil
}

func (e *env) Close() error {
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "taskforge %s\n", version.String())
		},
	}
}
