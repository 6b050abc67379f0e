package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"convcore/internal/logger"
	"convcore/internal/server"
	"convcore/internal/shell"
	"convcore/internal/version"
)

func runServe(cmd *cobra.Command, _ []string) error {
	logger.Info("Starting convcore server", "version", version.GetVersion(), "addr", cfg.Server.Addr)

	rt, err := shell.InitializeServices(cfg, shell.InitOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("Failed to close services", "error", err)
		}
	}()

	opts := []server.Option{
		server.WithMetrics(rt.Metrics, rt.Gatherer),
		server.WithAdminToken(cfg.Server.AdminToken),
	}
	if rt.Recorder != nil {
		opts = append(opts, server.WithRecorder(rt.Recorder))
	}
	if cfg.Server.AdminToken == "" {
		logger.Warn("No admin token configured, /api/admin routes are disabled")
	}
	srv := server.New(rt.Conversation, opts...)

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.Server.Addr)
	})
	return g.Wait()
}
