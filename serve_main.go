package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"httpsniff/config"
	"httpsniff/filter"
	"httpsniff/filter/httpinspector"
	"httpsniff/filter/tlsinspector"
	"httpsniff/inspector"
	"httpsniff/pipeline"
	"httpsniff/tunnel/handler"
)

type serveFlags struct {
	listen            string
	upstream          string
	transparent       bool
	workers           int
	timeout           time.Duration
	continueOnTimeout bool
	tlsInspector      bool
	metricsListen     string
}

func newServeCommand(opts *globalOptions) *cobra.Command {
	defaults := config.Default()
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept connections, classify them and relay them upstream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			flags.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.listen, "listen", "l", defaults.Listen, "address to accept connections on")
	f.StringVar(&flags.upstream, "upstream", "", "fixed upstream address; empty relays to the original destination")
	f.BoolVar(&flags.transparent, "transparent", defaults.Transparent, "set IP_TRANSPARENT on the listening socket (TPROXY)")
	f.IntVar(&flags.workers, "workers", defaults.Workers, "number of event loops")
	f.DurationVar(&flags.timeout, "listener-filters-timeout", defaults.ListenerFiltersTimeout.Duration(), "time allowed for the listener filters; 0 disables")
	f.BoolVar(&flags.continueOnTimeout, "continue-on-timeout", defaults.ContinueOnListenerFiltersTimeout, "relay connections whose listener filters timed out")
	f.BoolVar(&flags.tlsInspector, "tls-inspector", defaults.TLSInspector, "run the TLS inspector before the HTTP inspector")
	f.StringVar(&flags.metricsListen, "metrics-listen", "", "address serving /metrics")

	return cmd
}

// apply copies the flags given on the command line over cfg.
func (flags *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed

	if changed("listen") {
		cfg.Listen = flags.listen
	}
	if changed("upstream") {
		cfg.Upstream = flags.upstream
	}
	if changed("transparent") {
		cfg.Transparent = flags.transparent
	}
	if changed("workers") {
		cfg.Workers = flags.workers
	}
	if changed("listener-filters-timeout") {
		cfg.ListenerFiltersTimeout = config.Duration(flags.timeout)
	}
	if changed("continue-on-timeout") {
		cfg.ContinueOnListenerFiltersTimeout = flags.continueOnTimeout
	}
	if changed("tls-inspector") {
		cfg.TLSInspector = flags.tlsInspector
	}
	if changed("metrics-listen") {
		cfg.MetricsListen = flags.metricsListen
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	for _, warning := range cfg.Warnings() {
		logger.Warn(warning)
	}

	reg := newRegistry()

	stats, err := inspector.NewStats(reg, cfg.StatsPrefix)
	if err != nil {
		return err
	}
	inspectorConfig, err := newInspectorConfig(cfg, stats)
	if err != nil {
		return err
	}
	metrics, err := pipeline.NewMetrics(reg, cfg.StatsPrefix)
	if err != nil {
		return err
	}

	var factories []pipeline.ListenerFilterFactory
	if cfg.TLSInspector {
		tlsStats, err := tlsinspector.NewStats(reg, cfg.StatsPrefix)
		if err != nil {
			return err
		}
		factories = append(factories, func(w *pipeline.Worker) filter.ListenerFilter {
			return tlsinspector.New(tlsStats, w.Logger())
		})
	}
	factories = append(factories, func(w *pipeline.Worker) filter.ListenerFilter {
		return httpinspector.New(inspectorConfig, w.Logger())
	})

	proxy := handler.NewProxy(logger, cfg.Upstream)
	options := pipeline.Options{
		Timeout:           cfg.ListenerFiltersTimeout.Duration(),
		ContinueOnTimeout: cfg.ContinueOnListenerFiltersTimeout,
		BufferSize:        cfg.MaxInspectSize,
	}

	workers := make([]*pipeline.Worker, cfg.Workers)
	for i := range workers {
		workers[i] = pipeline.NewWorker(i, logger, metrics, options, proxy, factories...)
	}

	listenConfig, err := newListenConfig(cfg.Transparent)
	if err != nil {
		return err
	}
	ln, err := listenConfig.Listen(ctx, "tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	logger.Info("httpsniff serving",
		"listen", ln.Addr().String(),
		"upstream", cfg.Upstream,
		"transparent", cfg.Transparent,
		"workers", cfg.Workers,
		"tls_inspector", cfg.TLSInspector,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pipeline.NewListener(logger, ln, workers).Serve(ctx)
	})
	if cfg.MetricsListen != "" {
		g.Go(func() error {
			return serveMetrics(ctx, logger, cfg.MetricsListen, reg)
		})
	}

	err = g.Wait()
	logger.Info("httpsniff stopped", "stats", fmt.Sprintf("%+v", stats.Snapshot()))
	return err
}
