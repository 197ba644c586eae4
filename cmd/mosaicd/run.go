package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mosaic-app/mosaic/internal/config"
	"github.com/mosaic-app/mosaic/internal/logging"
	"github.com/mosaic-app/mosaic/internal/tracing"
)

func runCmd(configPath *string) *cobra.Command {
	var autostart bool
	var addr string

	c := &cobra.Command{
		Use:   "run",
		Short: "Advertise, scan and match until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("autostart") {
				cfg.API.Autostart = autostart
			}
			if addr != "" {
				cfg.API.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}

	c.Flags().BoolVar(&autostart, "autostart", true, "start the match loop at boot")
	c.Flags().StringVar(&addr, "addr", "", "control API listen address (overrides api.addr)")
	return c
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	logger = logger.With("service", cfg.Tracing.ServiceName)
	logger.Info("starting mosaicd", "version", version, "transport", cfg.Radio.Transport)

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, version)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Timing.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "err", err)
		}
	}()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.API.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.API.Addr, err)
	}
	return d.run(ctx, ln, cfg.API.Autostart)
}
