package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/zztaki/curve/pkg/config"
	"github.com/zztaki/curve/pkg/copyset"
	"github.com/zztaki/curve/pkg/copyset/raftengine"
	"github.com/zztaki/curve/pkg/metastore"
	"github.com/zztaki/curve/pkg/metrics"
	"github.com/zztaki/curve/pkg/server"
)

const leaderStatusTimeout = 3 * time.Second

func newRunCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the metaserver and host the configured copysets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, os.Stderr)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "metaserver.yaml", "path to the YAML config file")
	return cmd
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Log.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("metaserver", cfg.Server.ID), nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	opts := cfg.NodeOptions()
	opts.MetaStoreFactory = metastore.Factory()
	opts.EngineFactory = raftengine.NewFactory(cfg.EngineConfig())
	opts.MetricFactory = m.Factory()
	opts.LeaderStatusFetcher = server.NewHTTPLeaderStatusFetcher(cfg.PeerHTTPAddrs(), leaderStatusTimeout)
	opts.Logger = logger

	manager := copyset.NewManager(opts)
	for _, cs := range cfg.Copysets {
		_, err := manager.CreateCopyset(
			copyset.PoolID(cs.Pool),
			copyset.CopysetID(cs.Copyset),
			cs.Configuration(),
			copyset.WithPeerID(copyset.PeerID(cs.Peer)),
		)
		if err != nil {
			manager.StopAll()
			return fmt.Errorf("create copyset %d/%d: %w", cs.Pool, cs.Copyset, err)
		}
	}
	if err := manager.StartAll(ctx); err != nil {
		manager.StopAll()
		return fmt.Errorf("start copysets: %w", err)
	}

	reporter := metrics.NewStatusReporter(m, manager, metrics.ReporterConfig{
		Interval:       cfg.Metrics.StatusInterval,
		StallThreshold: cfg.Metrics.StallThreshold,
		Logger:         logger,
	})
	reporter.Start()

	srv := server.NewServer(server.ManagerRegistry{Manager: manager}, server.Config{
		Addr:           cfg.Server.HTTPAddr,
		ProposeTimeout: cfg.Server.ProposeTimeout,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:         logger,
	})
	if err := srv.Start(); err != nil {
		reporter.Stop()
		manager.StopAll()
		return err
	}

	logger.Info("metaserver started", "copysets", len(cfg.Copysets), "http_addr", srv.Addr())
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	reporter.Stop()
	manager.StopAll()
	return nil
}
