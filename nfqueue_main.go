//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	nfq "github.com/AkihiroSuda/go-netfilter-queue"
	"github.com/google/gopacket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"httpsniff/config"
	"httpsniff/flow"
	"httpsniff/inspector"
	"httpsniff/nfqueue"
	"httpsniff/tunnel/protocol"
)

func init() {
	platformCommands = append(platformCommands, newNFQueueCommand)
}

// queuedPacket gives verdicts on a packet read from a netfilter queue.
type queuedPacket struct {
	packet *nfq.NFPacket
}

func (p queuedPacket) Data() gopacket.Packet {
	return p.packet.Packet
}

func (p queuedPacket) Accept() {
	p.packet.SetVerdict(nfq.NF_ACCEPT)
}

func (p queuedPacket) AcceptMark(mark uint32) {
	p.packet.SetVerdictMark(nfq.NF_ACCEPT, mark)
}

func newNFQueueCommand(opts *globalOptions) *cobra.Command {
	var (
		first  uint16
		queues int
	)

	cmd := &cobra.Command{
		Use:   "nfqueue",
		Short: "Mark queued packets with the protocol of their TCP flow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("first") {
				cfg.NFQueue.First = first
			}
			if cmd.Flags().Changed("queues") {
				cfg.NFQueue.Queues = queues
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runNFQueue(ctx, cfg, logger)
		},
	}

	defaults := config.Default().NFQueue
	cmd.Flags().Uint16Var(&first, "first", defaults.First, "first queue number")
	cmd.Flags().IntVar(&queues, "queues", defaults.Queues, "number of consecutive queues, one worker each")
	return cmd
}

func runNFQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := newRegistry()
	stats, err := inspector.NewStats(reg, cfg.StatsPrefix)
	if err != nil {
		return err
	}
	inspectorConfig, err := newInspectorConfig(cfg, stats)
	if err != nil {
		return err
	}

	logger.Info("nfqueue creating", "first", cfg.NFQueue.First, "queues", cfg.NFQueue.Queues)

	queues := make([]*nfq.NFQueue, 0, cfg.NFQueue.Queues)
	defer func() {
		for _, queue := range queues {
			queue.Close()
		}
	}()
	for i := 0; i < cfg.NFQueue.Queues; i++ {
		id := cfg.NFQueue.First + uint16(i)
		queue, err := nfq.NewNFQueue(id, cfg.NFQueue.MaxPackets, nfq.NF_DEFAULT_PACKET_SIZE)
		if err != nil {
			return fmt.Errorf("create queue %d: %w", id, err)
		}
		queues = append(queues, queue)
	}

	logger.Info("nfqueue ready")

	table := flow.NewTable(logger, inspectorConfig, func(f *flow.Flow) {
		logger.Info("flow marked", "flow", f.Key(), "protocol", protocol.Name(f.Mark()), "mark", f.Mark())
	})
	classifier := nfqueue.New(logger, table, nfqueue.Options{
		IdleTimeout: cfg.NFQueue.IdleTimeout.Duration(),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return classifier.Run(ctx)
	})
	for i, queue := range queues {
		i, queue := i, queue
		g.Go(func() error {
			return queueWorker(ctx, logger.With("worker", i), queue, classifier)
		})
	}
	if cfg.MetricsListen != "" {
		g.Go(func() error {
			return serveMetrics(ctx, logger, cfg.MetricsListen, reg)
		})
	}

	return g.Wait()
}

func queueWorker(ctx context.Context, logger *slog.Logger, queue *nfq.NFQueue, classifier *nfqueue.Classifier) error {
	logger.Info("queue worker started")
	defer logger.Info("queue worker exited")

	packets := queue.GetPackets()

	for {
		select {
		case <-ctx.Done():
			return nil

		case packet, ok := <-packets:
			if !ok {
				return nil
			}

			if err := classifier.Process(ctx, queuedPacket{&packet}); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}
