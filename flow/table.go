package flow

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/tcpassembly"

	"httpsniff/inspector"
	"httpsniff/tunnel/protocol"
)

// Table holds every flow seen by one packet path. It is safe for concurrent
// use by the packet workers and the assembler.
type Table struct {
	logger     *slog.Logger
	config     *inspector.Config
	onDecision func(*Flow)

	flowMap sync.Map
	buffers sync.Pool
}

// NewTable creates a table. onDecision, when not nil, runs with the flow
// locked each time a flow is decided.
func NewTable(logger *slog.Logger, config *inspector.Config, onDecision func(*Flow)) *Table {
	table := &Table{
		logger:     logger.With("context", "FlowTable"),
		config:     config,
		onDecision: onDecision,
	}
	table.buffers.New = func() any {
		return inspector.NewBuffer(config.MaxInspectSize())
	}
	return table
}

func Key(netFlow, tcpFlow gopacket.Flow) string {
	return netFlow.String() + "|" + tcpFlow.String()
}

func (table *Table) GetOrCreate(netFlow, tcpFlow gopacket.Flow) *Flow {
	key := Key(netFlow, tcpFlow)
	if flow, ok := table.flowMap.Load(key); ok {
		return flow.(*Flow)
	}

	flow, _ := table.flowMap.LoadOrStore(key, newFlow(key, table))
	return flow.(*Flow)
}

// New implements tcpassembly.StreamFactory. A connection the assembler
// closes and reopens maps back onto the same flow.
func (table *Table) New(netFlow, tcpFlow gopacket.Flow) tcpassembly.Stream {
	return table.GetOrCreate(netFlow, tcpFlow)
}

// Expire forgets flows idle since before cutoff. Packets still held by an
// undecided flow are let through unmarked as bypass; nothing is counted for
// it.
func (table *Table) Expire(cutoff time.Time) int {
	expired := 0

	table.flowMap.Range(func(key, value any) bool {
		flow := value.(*Flow)

		flow.Lock()
		if flow.last.Before(cutoff) {
			if !flow.IsDecided() {
				flow.release(protocol.ProtocolByPass)
				// Later reassembly callbacks for the forgotten flow are
				// ignored.
				flow.mark = protocol.ProtocolByPass
			}
			table.flowMap.Delete(key)
			expired++
		}
		flow.Unlock()

		return true
	})

	if expired > 0 {
		table.logger.Debug("expired idle flows", "count", expired)
	}
	return expired
}

func (table *Table) Len() int {
	n := 0
	table.flowMap.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

func (table *Table) getBuffer() *inspector.Buffer {
	buf := table.buffers.Get().(*inspector.Buffer)
	buf.Reset()
	return buf
}

func (table *Table) putBuffer(buf *inspector.Buffer) {
	buf.Reset()
	table.buffers.Put(buf)
}
