package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/freehandle/ledger/config"
	"github.com/freehandle/ledger/node"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a ledger server",
		Long:  `Open the configured chains, replicate them with the peers and serve push and metrics endpoints until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			key, err := config.ReadKey(cfg.KeyPath)
			if err != nil {
				return err
			}
			n, err := node.New(*cfg, key, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := n.Start(ctx); err != nil {
				stop()
				n.Wait()
				return err
			}
			logger.Info("ledger running",
				zap.Uint32("server", cfg.Server),
				zap.String("fingerprint", key.PublicKey().Fingerprint()),
				zap.String("push", cfg.PushAddress),
				zap.String("metrics", cfg.MetricsAddress))
			<-ctx.Done()
			logger.Info("shutting down")
			n.Wait()
			return nil
		},
	}
}
