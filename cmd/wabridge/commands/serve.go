package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/wabridge/pkg/wabridge/gateway"
)

// newServeCmd creates the `wabridge serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the session and the HTTP gateway",
		Long: `Start wabridge as a daemon: connect to WhatsApp, keep the session
healthy and serve the HTTP API.

Examples:
  wabridge serve
  wabridge serve --config ./wabridge.yaml
  wabridge serve --no-gateway`,
		RunE: runServe,
	}

	cmd.Flags().Bool("no-gateway", false, "do not start the HTTP gateway")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg, os.Stdout)
	if configPath != "" {
		logger.Info("config loaded", "path", configPath)
	} else {
		logger.Info("no config file found, using defaults")
	}

	// ── Wire session ──
	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt.showChallenges(ctx, os.Stdout)

	// A failed bootstrap is not fatal; the session keeps polling and the
	// gateway reports the state.
	if err := rt.session.Initialize(ctx); err != nil {
		logger.Warn("session started with warnings", "error", err)
	}

	// ── Start gateway if enabled ──
	noGateway, _ := cmd.Flags().GetBool("no-gateway")
	var gw *gateway.Gateway
	if cfg.Gateway.Enabled && !noGateway {
		gw = gateway.New(rt.service, cfg.Gateway, logger)
		if err := gw.Start(ctx); err != nil {
			logger.Error("failed to start gateway", "error", err)
			gw = nil
		}
	}

	// ── Wait for shutdown ──
	logger.Info("wabridge running. Press Ctrl+C to stop.", "state", rt.session.State())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout.
	done := make(chan struct{})
	go func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if gw != nil {
			_ = gw.Stop(shutdownCtx)
		}
		if err := rt.session.Close(shutdownCtx); err != nil {
			logger.Warn("session close failed", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}
