package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matst80/punchhole/internal/config"
	"github.com/matst80/punchhole/internal/obs"
	"github.com/matst80/punchhole/internal/proto"
	"github.com/matst80/punchhole/internal/registry"
	"github.com/matst80/punchhole/internal/rendezvous"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "punchhole-server",
		Short: "Rendezvous server for TCP hole punching",
		Long: "punchhole-server records the private endpoint each client reports and the\n" +
			"public endpoint it observes, and pushes every client the endpoints of the others.",
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

func run(parent context.Context, cfg Config) (err error) {
	logger, err := obs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("server.config",
		zap.String("ip_type", rendezvous.Family(cfg.Server.IPv6)),
		zap.String("addr", cfg.Server.Endpoint()),
		zap.String("wire", cfg.Server.Wire),
		zap.Bool("legacy_peers", cfg.Server.Wire == proto.Raw{}.Name()),
		zap.String("metrics", cfg.MetricsAddr),
	)

	var opts []rendezvous.Option
	if cfg.Redis.Addr != "" {
		var mirror *registry.RedisMirror
		mirror, err = registry.NewRedisMirror(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL, logger)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, mirror.Close()) }()
		opts = append(opts, rendezvous.WithObservers(mirror))
		logger.Info("server.redis", zap.String("addr", cfg.Redis.Addr))
	}

	srv, err := rendezvous.New(cfg.Server, logger, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveOps(gctx, cfg.MetricsAddr, srv, logger) })
	}
	if err = g.Wait(); err != nil {
		logger.Error("server.exit", zap.Error(err))
		return err
	}
	logger.Info("server.shutdown.signal")
	return nil
}
