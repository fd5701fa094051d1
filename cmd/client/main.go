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

	"github.com/matst80/punchhole/internal/config"
	"github.com/matst80/punchhole/internal/obs"
	"github.com/matst80/punchhole/internal/rendezvous"
	"github.com/matst80/punchhole/internal/session"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "punchhole-client",
		Short: "TCP hole punching client",
		Long: "punchhole-client registers with a rendezvous server and, for every peer the\n" +
			"server announces, races a listener and two connectors on its own port until\n" +
			"a direct connection to the peer opens.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Load(cfgFile, cmd.Flags(), &cfg); err != nil {
				return err
			}
			cfg.ApplyDefaults()
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	bindFlags(cmd)
	return cmd
}

func run(parent context.Context, cfg Config) error {
	logger, err := obs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("client.config",
		zap.String("ip_type", rendezvous.Family(cfg.Session.IPv6)),
		zap.String("addr", cfg.Session.Endpoint()),
		zap.String("wire", cfg.Session.Wire),
		zap.Duration("punch_timeout", cfg.Session.Punch.Timeout),
	)

	c, err := session.New(cfg.Session, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		err := c.Run(ctx)
		if err != nil {
			logger.Error("control.conn.ended", zap.Error(err))
		}
		if cfg.Reconnect == 0 || ctx.Err() != nil {
			return err
		}

		t := time.NewTimer(cfg.Reconnect)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		logger.Info("client.reconnect", zap.Duration("after", cfg.Reconnect))
	}
}
