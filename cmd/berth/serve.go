package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/berth/pkg/api"
	"github.com/cuemby/berth/pkg/log"
	"github.com/cuemby/berth/pkg/metrics"
	"github.com/cuemby/berth/pkg/reconciler"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run berth as a long-lived host process",
	Long: `Serve keeps the state fresh, warms the layer size cache and streams
state and progress events as JSON lines on stdout.

With --metrics-addr it also serves /health, /ready, /metrics, /state and
/operations/{id} over HTTP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		logger := log.WithComponent("serve")
		metrics.SetVersion(Version)

		addr := a.cfg.MetricsAddr
		if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
			addr = v
		}
		interval := a.cfg.RefreshInterval
		if cmd.Flags().Changed("refresh-interval") {
			interval, _ = cmd.Flags().GetDuration("refresh-interval")
		}

		collector := metrics.NewCollector(a.orch, 15*time.Second)
		collector.Start()
		defer collector.Stop()

		recon := reconciler.NewReconciler(a.orch, interval)
		recon.Start()
		defer recon.Stop()

		errCh := make(chan error, 1)
		var server *api.Server
		if addr != "" {
			server = api.NewServer(a.orch)
			go func() {
				if err := server.Start(addr); err != nil {
					errCh <- fmt.Errorf("HTTP endpoint error: %w", err)
				}
			}()
		}

		sub := a.orch.Subscribe()
		defer a.orch.Unsubscribe(sub)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		logger.Info().
			Str("repository", a.orch.Repository()).
			Str("runtime", a.cfg.Runtime).
			Dur("refresh_interval", interval).
			Msg("Berth is serving")

		enc := json.NewEncoder(cmd.OutOrStdout())
		var runErr error
	loop:
		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					break loop
				}
				if err := enc.Encode(ev); err != nil {
					logger.Warn().Err(err).Msg("Failed to write event")
				}
			case sig := <-sigCh:
				logger.Info().Str("signal", sig.String()).Msg("Shutting down")
				break loop
			case runErr = <-errCh:
				break loop
			}
		}

		if server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := server.Shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("HTTP endpoint shutdown failed")
			}
			cancel()
		}
		return runErr
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", "", "Serve health, metrics and state over HTTP on this address (e.g. 127.0.0.1:9090)")
	serveCmd.Flags().Duration("refresh-interval", 0, "How often state is refreshed and the layer size cache warmed")
}
