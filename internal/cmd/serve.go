package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chromakey/chromakey/internal/config"
	"github.com/chromakey/chromakey/internal/observability"
	"github.com/chromakey/chromakey/internal/server"
	"github.com/chromakey/chromakey/pkg/bridge"
	"github.com/chromakey/chromakey/pkg/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local panel API",
	Long: `Start the engine as a managed worker and expose its run state over a
local HTTP API.

The worker is spawned in control mode with a deterministic environment
(watch modes, color and telemetry off) and restarted state is never
shared across serve invocations.

Endpoints:
  GET  /healthz      liveness
  GET  /api/status   current run status
  GET  /api/results  results of the current or last run
  POST /api/cancel   cancel the active run`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind address (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Bind port (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid configuration", err)
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	b := bridge.New(supervisor.Config{
		Command:      cfg.Engine.Command,
		Args:         cfg.Engine.Args,
		ControlFlag:  cfg.Engine.ControlFlag,
		ReadyTimeout: cfg.Engine.ReadyTimeout,
		StopGrace:    cfg.Engine.StopGrace,
		Profile:      supervisor.DeterministicProfile(),
	}, observability.CLILogger)

	if err := b.Start(ctx); err != nil {
		return exitError(ExitEngineFailure, "Failed to start engine worker", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.Close(stopCtx); err != nil {
			observability.CLILogger.Warn("worker shutdown failed", zap.Error(err))
		}
	}()

	srv := server.New(cfg.Server.Host, cfg.Server.Port, b, observability.CLILogger)

	observability.CLILogger.Info("panel API listening",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	if err := srv.ListenAndServe(ctx); err != nil {
		return exitError(ExitIOError, "Panel API failed", err)
	}
	return nil
}
