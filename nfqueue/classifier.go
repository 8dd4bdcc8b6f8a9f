// Package nfqueue gives verdicts to queued packets once the flow they belong
// to is classified. Packets carrying payload are held until their flow is
// decided and then accepted with the protocol mark; everything else is
// accepted right away.
//
// The queue rule is expected to select client-to-server packets only.
package nfqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/tcpassembly"

	"httpsniff/flow"
)

const (
	DefaultFlushInterval = time.Second
	DefaultIdleTimeout   = 30 * time.Second
	DefaultBacklog       = 1024
)

// Packet is a queued packet awaiting its verdict.
type Packet interface {
	Data() gopacket.Packet
	Accept()
	AcceptMark(mark uint32)
}

type Options struct {
	// FlushInterval is how often idle flows are looked for.
	FlushInterval time.Duration
	// IdleTimeout is how long an undecided flow may stay silent before its
	// packets are let through as bypass.
	IdleTimeout time.Duration
	// Backlog is the number of packets waiting for the assembler.
	Backlog int
}

type assembleInput struct {
	netFlow gopacket.Flow
	tcp     *layers.TCP
	seen    time.Time
}

type Classifier struct {
	logger    *slog.Logger
	table     *flow.Table
	assembler *tcpassembly.Assembler
	options   Options

	assemblyChan chan *assembleInput
}

func New(logger *slog.Logger, table *flow.Table, options Options) *Classifier {
	if options.FlushInterval <= 0 {
		options.FlushInterval = DefaultFlushInterval
	}
	if options.IdleTimeout <= 0 {
		options.IdleTimeout = DefaultIdleTimeout
	}
	if options.Backlog <= 0 {
		options.Backlog = DefaultBacklog
	}

	return &Classifier{
		logger:       logger.With("context", "NFQueue"),
		table:        table,
		assembler:    tcpassembly.NewAssembler(tcpassembly.NewStreamPool(table)),
		options:      options,
		assemblyChan: make(chan *assembleInput, options.Backlog),
	}
}

type heldPacket struct {
	packet Packet
}

func (h heldPacket) Release(mark uint32) {
	h.packet.AcceptMark(mark)
}

// Process gives packet its verdict, or holds it until its flow is decided.
// It is safe to call from several queue workers.
func (c *Classifier) Process(ctx context.Context, packet Packet) error {
	data := packet.Data()

	network := data.NetworkLayer()
	tcp, ok := data.TransportLayer().(*layers.TCP)
	if network == nil || !ok {
		packet.Accept()
		return nil
	}

	netFlow := network.NetworkFlow()
	f := c.table.GetOrCreate(netFlow, tcp.TransportFlow())

	f.Lock()
	if f.IsDecided() {
		mark := f.Mark()
		f.Touch()
		f.Unlock()
		packet.AcceptMark(mark)
		return nil
	}

	// Handshake and pure ACK packets pass; holding them would stall a
	// connection whose server speaks first.
	if len(tcp.LayerPayload()) == 0 {
		f.Unlock()
		packet.Accept()
	} else {
		f.Hold(heldPacket{packet})
		f.Unlock()
	}

	// The assembler calls back into the flow, so the flow lock is released
	// before handing the segment over.
	select {
	case c.assemblyChan <- &assembleInput{netFlow: netFlow, tcp: tcp, seen: time.Now()}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the assembler loop. It owns the tcpassembly state and expires idle
// flows. On return every packet still held is let through as bypass.
func (c *Classifier) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.options.FlushInterval)
	defer ticker.Stop()

	c.logger.Info("assembler started")
	defer c.logger.Info("assembler exited")

	for {
		select {
		case <-ctx.Done():
			c.table.Expire(time.Now().Add(time.Hour))
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case input := <-c.assemblyChan:
			c.assembler.AssembleWithTimestamp(input.netFlow, input.tcp, input.seen)

		case now := <-ticker.C:
			c.flush(now)
		}
	}
}

func (c *Classifier) flush(now time.Time) {
	cutoff := now.Add(-c.options.IdleTimeout)

	expired := c.table.Expire(cutoff)
	flushed, closed := c.assembler.FlushOlderThan(cutoff)

	if expired > 0 || closed > 0 {
		c.logger.Debug("flushed idle flows",
			"expired", expired,
			"flushed", flushed,
			"closed", closed,
			"flows", c.table.Len(),
		)
	}
}
