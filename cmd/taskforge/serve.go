package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/agentexec"
	"github.com/kandev/taskforge/internal/authreader"
	"github.com/kandev/taskforge/internal/common/config"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/common/tracing"
	"github.com/kandev/taskforge/internal/dockerutil"
	"github.com/kandev/taskforge/internal/mcpserver"
	"github.com/kandev/taskforge/internal/patchengine"
	"github.com/kandev/taskforge/internal/persist"
	"github.com/kandev/taskforge/internal/pool"
	"github.com/kandev/taskforge/internal/recovery"
	"github.com/kandev/taskforge/internal/streaming"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

// runServe wires every long-lived component together and blocks serving the
// MCP tool surface over stdio until shutdown: load config, build
// infrastructure bottom-up, start background components, serve, then unwind
// in reverse order.
func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting taskforge engine")
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown error", zap.Error(err))
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dataDir := filepath.Join(cfg.Server.RootDir, "data")
	logDir := filepath.Join(cfg.Server.RootDir, "logs")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	dockerClient, err := dockerutil.NewClient(cfg.Docker, log)
	if err != nil {
		return fmt.Errorf("failed to initialize docker client: %w", err)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon not reachable: %w", err)
	}
	log.Info("connected to docker daemon")

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "taskforge.db")
	}
	store, err := persist.Open(dbPath, log)
	if err != nil {
		return fmt.Errorf("failed to open persistence store: %w", err)
	}
	defer store.Close()
	log.Info("persistence store opened", zap.String("path", dbPath))

	auth := authreader.New(log)

	containerPool := pool.New(dockerClient, store, auth, log, cfg.Pool, cfg.Docker.ExecutionImage)
	if err := containerPool.Start(ctx); err != nil {
		log.Warn("warm pool did not fill completely at startup", zap.Error(err))
	}
	defer containerPool.Shutdown(context.Background())

	patchEngine := patchengine.New(dockerClient, log)

	hub := streaming.NewHub(log)

	agentCfg := agentexec.DefaultConfig(logDir)
	agentCfg.DebugNoCleanup = cfg.Agent.DebugNoCleanup
	agent := agentexec.New(containerPool, patchEngine, dockerClient, store, hub, log, agentCfg)
	agent.StartSweeper(ctx)
	defer agent.Close()

	var dashboardURL string
	if cfg.Streaming.Enabled {
		views := streaming.Views{
			Status: func(ctx context.Context) (interface{}, error) {
				return containerPool.Stats(), nil
			},
			Repositories: func(ctx context.Context) (interface{}, error) {
				records, err := store.ListActiveSandboxRecords(ctx)
				if err != nil {
					return nil, err
				}
				seen := make(map[string]bool)
				repos := []string{}
				for _, rec := range records {
					if rec.WorkspacePath != "" && !seen[rec.WorkspacePath] {
						seen[rec.WorkspacePath] = true
						repos = append(repos, rec.WorkspacePath)
					}
				}
				return repos, nil
			},
			Tasks: func(ctx context.Context) (interface{}, error) {
				return store.ListIncompleteJobs(ctx)
			},
			Containers: func(ctx context.Context) (interface{}, error) {
				return store.ListActiveSandboxRecords(ctx)
			},
			Diffs: func(ctx context.Context) (interface{}, error) {
				return store.ListPendingPatches(ctx)
			},
		}
		streamServer := streaming.NewServer(hub, views, cfg.Streaming.Port, log)
		streamServer.Start()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := streamServer.Stop(shutdownCtx); err != nil {
				log.Warn("streaming hub shutdown error", zap.Error(err))
			}
		}()
		dashboardURL = fmt.Sprintf("http://localhost:%d", cfg.Streaming.Port)
	}

	recoveryMgr := recovery.New(dockerClient, store, log)
	result := recoveryMgr.Run(ctx)
	log.Info("startup recovery complete",
		zap.Int("sandboxesAdopted", result.SandboxesAdopted),
		zap.Int("sandboxesRemoved", result.SandboxesRemoved),
		zap.Int("jobsMarkedFailed", result.JobsMarkedFailed),
		zap.Int64("prunedRows", result.PrunedRows),
		zap.Int("patchesRejected", result.PatchesRejected),
	)

	mcp := mcpserver.New(mcpserver.Deps{
		Agent:        agent,
		Store:        store,
		Auth:         auth,
		Pool:         containerPool,
		Hub:          hub,
		LogDir:       logDir,
		DashboardURL: dashboardURL,
	}, log)

	serveErr := make(chan error, 1)
	go func() { serveErr <- mcp.Serve(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error("mcp server exited with error", zap.Error(err))
			return err
		}
		log.Info("mcp server stdin closed, shutting down")
	}

	log.Info("taskforge engine stopped")
	return nil
}
