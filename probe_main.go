package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"httpsniff/config"
	"httpsniff/gnetprobe"
	"httpsniff/inspector"
)

func newProbeCommand(opts *globalOptions) *cobra.Command {
	var (
		listen    string
		multicore bool
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Answer each connection with the protocol its first bytes match",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Probe.Listen = listen
			}
			if cmd.Flags().Changed("multicore") {
				cfg.Probe.Multicore = multicore
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

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return gnetprobe.New(logger, inspectorConfig, cfg.Probe.Listen, cfg.Probe.Multicore).Run(ctx)
			})
			if cfg.MetricsListen != "" {
				g.Go(func() error {
					return serveMetrics(ctx, logger, cfg.MetricsListen, reg)
				})
			}
			return g.Wait()
		},
	}

	defaults := config.Default().Probe
	cmd.Flags().StringVarP(&listen, "listen", "l", defaults.Listen, "gnet protocol address, for example tcp://:3130")
	cmd.Flags().BoolVar(&multicore, "multicore", defaults.Multicore, "run one event loop per CPU")
	return cmd
}
