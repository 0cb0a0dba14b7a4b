package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fedmesh/pkg/bootstrap"
	"fedmesh/pkg/config"
)

func directoryCmd() *cobra.Command {
	var (
		listen  string
		keyFile string
	)

	cmd := &cobra.Command{
		Use:   "directory",
		Short: "Run the reference directory service",
		Long: `Runs the signed directory servers bootstrap from. The key file holds the
directory's hex-encoded Ed25519 private key; generate one with
"fedmesh keygen --directory".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(config.LoggingConfig{Level: "info"})
			if err != nil {
				return err
			}
			defer logger.Sync()

			raw, err := os.ReadFile(keyFile)
			if err != nil {
				return fmt.Errorf("read key file: %w", err)
			}
			priv, err := hex.DecodeString(strings.TrimSpace(string(raw)))
			if err != nil || len(priv) != ed25519.PrivateKeySize {
				return fmt.Errorf("%s is not a hex ed25519 private key", keyFile)
			}
			pub := ed25519.PrivateKey(priv).Public().(ed25519.PublicKey)
			logger.Info("directory key loaded", zap.String("public_key", hex.EncodeToString(pub)))

			dir := bootstrap.NewDirectory(ed25519.PrivateKey(priv), clock.New(), logger)
			srv := &http.Server{
				Addr:              listen,
				Handler:           dir.Router(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("directory listening", zap.String("addr", listen))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			select {
			case s := <-sig:
				logger.Info("signal received, shutting down", zap.String("signal", s.String()))
			case err := <-errCh:
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", ":7900", "listen address")
	cmd.Flags().StringVarP(&keyFile, "key", "k", "directory.key", "ed25519 private key file")
	return cmd
}
