// Command taskforged runs the taskforge scheduler, agents and monitor from
// a YAML config file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/taskforge/config"
	"github.com/GoCodeAlone/taskforge/internal/logging"
	"github.com/GoCodeAlone/taskforge/internal/version"
	"github.com/GoCodeAlone/taskforge/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskforged",
		Short: "taskforge daemon",
		Long: `taskforged runs the priority task scheduler, the in-process agents,
the dispatcher and the monitor, and serves metrics and health over HTTP.`,
		Version:      version.String(),
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		watch      bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath, watch)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "taskforge.yaml", "path to config file")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload scheduler settings when the config file changes")
	return cmd
}

func run(ctx context.Context, configPath string, watch bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()
	log := logger.Component("taskforged")
	log.Info().Str("version", version.Version).Str("commit", version.Commit).Str("config", configPath).Msg("starting")

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	if watch {
		go func() {
			err := config.Watch(ctx, configPath, logger.Component("config"), func(c *config.Config) {
				if err := srv.Reload(ctx, c); err != nil {
					log.Error().Err(err).Msg("apply config failed")
				}
			})
			if err != nil {
				log.Warn().Err(err).Msg("config watch disabled")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
		return err
	}
	log.Info().Msg("shutdown complete")
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "taskforged %s\n", version.String())
		},
	}
}
