package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fedmesh/pkg/config"
	"fedmesh/pkg/node"
)

func serveCmd() *cobra.Command {
	var (
		dataDir  string
		bind     string
		endpoint string
		seeds    []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a federation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if dataDir != "" {
				cfg.Node.DataDir = dataDir
			}
			if bind != "" {
				cfg.Node.BindAddress = bind
			}
			if endpoint != "" {
				cfg.Node.Endpoint = endpoint
			}
			if len(seeds) > 0 {
				cfg.Bootstrap.Nodes = seeds
			}

			logger, err := buildLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync()

			n, err := node.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			fatal, err := n.Start(ctx)
			if err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			select {
			case s := <-sig:
				logger.Info("signal received, shutting down", zap.String("signal", s.String()))
			case err := <-fatal:
				if err != nil {
					logger.Error("http server failed", zap.Error(err))
				}
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer shutdownCancel()
			if err := n.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "", "data directory (keys, store, snapshots)")
	cmd.Flags().StringVarP(&bind, "bind", "b", "", "listen address")
	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "address other servers reach us at")
	cmd.Flags().StringSliceVar(&seeds, "seed", nil, "seed peer endpoints")
	return cmd
}
