package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clipcut/clipcut-agent/internal/api"
	"github.com/clipcut/clipcut-agent/internal/config"
	"github.com/clipcut/clipcut-agent/internal/logging"
	"github.com/clipcut/clipcut-agent/internal/playback"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var port int
	var allowRemote bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if port == 0 {
				port = cfg.Port()
			}
			return runServe(cmd.Context(), cfg, port, !allowRemote)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (default from config)")
	cmd.Flags().BoolVar(&allowRemote, "allow-remote-peers", false, "Accept requests whose peer address is not loopback")
	return cmd
}

func runServe(parent context.Context, cfg *config.EnvConfig, port int, loopbackOnly bool) error {
	logger := newLogger(cfg)
	logger.Info("starting clipcut agent",
		"version", config.Version,
		"data_dir", logging.SanitizePath(cfg.DataDir()),
		"config_file", logging.SanitizePath(cfg.File()),
	)

	a, err := openAgent(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	token, err := ensureAuthToken(parent, a.repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}
	logger.Debug("auth token ready", "token", logging.SanitizeToken(token))

	if report, err := a.doctor.Refresh(parent); err != nil {
		logger.Warn("initial tool probe failed", "error", err)
	} else if !report.AllOK {
		for name, info := range report.Tools {
			if !info.Available {
				logger.Warn("required tool unavailable", "tool", name, "error", info.Error)
			}
		}
	}

	apiServer := api.NewServer(api.ServerConfig{
		Port:         port,
		Version:      config.Version,
		Orchestrator: a.orch,
		Workspaces:   a.workspaces,
		Repository:   a.repo,
		Playback:     playback.NewServer(logging.WithComponent(logger, "playback")),
		Doctor:       a.doctor,
		Logger:       logger,
		StartTime:    time.Now(),
		LoopbackOnly: loopbackOnly,
	})

	fmt.Fprintln(os.Stdout, "========================================")
	fmt.Fprintln(os.Stdout, "clipcut agent started")
	fmt.Fprintf(os.Stdout, "API URL:    http://%s\n", apiServer.Addr())
	fmt.Fprintf(os.Stdout, "Auth Token: %s\n", token)
	fmt.Fprintln(os.Stdout, "========================================")

	sigCtx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("HTTP server error", "error", serveErr)
		}
	case <-sigCtx.Done():
		logger.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := a.orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("extraction shutdown error", "error", err)
	}

	logger.Info("clipcut agent stopped")
	return serveErr
}
