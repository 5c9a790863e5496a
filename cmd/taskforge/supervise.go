package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kandev/taskforge/internal/common/config"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/supervisor"
)

func newSuperviseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "supervise",
		Short: "Run the engine under a crash-resilient supervisor, restarting it on unexpected exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervise()
		},
	}
}

// runSupervise re-execs the current binary as "<self> serve", wrapped in the
// supervisor package's restart-with-backoff loop. Stdio is piped through
// untouched so the supervised process still speaks MCP over stdio.
func runSupervise() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve own executable path: %w", err)
	}

	sup := supervisor.New(self, []string{"serve"}, cfg.Supervisor, log)
	return sup.Run(context.Background())
}
