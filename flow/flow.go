// Package flow classifies TCP flows from captured or queued packets. Each
// direction of a connection is a Flow fed by a gopacket tcpassembly
// assembler; the first bytes of the flow decide its protocol mark.
package flow

import (
	"sync"
	"time"

	"github.com/google/gopacket/tcpassembly"

	"httpsniff/inspector"
	"httpsniff/tunnel/protocol"
)

// Held is a packet waiting for its flow to be decided.
type Held interface {
	Release(mark uint32)
}

type Flow struct {
	key   string
	table *Table

	mutex      sync.Mutex
	inspection *inspector.Inspection
	packets    []Held
	outcome    inspector.Outcome
	mark       uint32
	bytes      int
	last       time.Time
}

func newFlow(key string, table *Table) *Flow {
	return &Flow{
		key:   key,
		table: table,
		last:  time.Now(),
	}
}

func (flow *Flow) Key() string {
	return flow.key
}

func (flow *Flow) Lock() {
	flow.mutex.Lock()
}

func (flow *Flow) Unlock() {
	flow.mutex.Unlock()
}

// Hold parks packet until the flow is decided. It reports false, and keeps
// nothing, when the flow already has a mark. Callers hold the flow lock.
func (flow *Flow) Hold(packet Held) bool {
	if flow.IsDecided() {
		return false
	}
	flow.packets = append(flow.packets, packet)
	flow.last = time.Now()
	return true
}

// Touch records activity on the flow so Expire keeps it. Callers hold the
// flow lock.
func (flow *Flow) Touch() {
	flow.last = time.Now()
}

func (flow *Flow) IsDecided() bool {
	return flow.mark != protocol.ProtocolUnknown
}

func (flow *Flow) Mark() uint32 {
	return flow.mark
}

func (flow *Flow) Outcome() inspector.Outcome {
	return flow.outcome
}

// Inspected is the number of bytes the decision was made on.
func (flow *Flow) Inspected() int {
	return flow.bytes
}

// region tcpassembly.Stream

func (flow *Flow) Reassembled(reassemblies []tcpassembly.Reassembly) {
	flow.Lock()
	defer flow.Unlock()

	for _, r := range reassemblies {
		if flow.IsDecided() {
			return
		}
		flow.last = r.Seen

		if r.Skip != 0 {
			// Bytes are missing, so whatever follows is not the start of
			// the stream.
			flow.decide(flow.inspectionFor().OnEOF())
			return
		}

		if outcome := flow.inspectionFor().Feed(r.Bytes); outcome.Terminal() {
			flow.decide(outcome)
			return
		}
	}
}

func (flow *Flow) ReassemblyComplete() {
	flow.Lock()
	defer flow.Unlock()

	if !flow.IsDecided() {
		flow.decide(flow.inspectionFor().OnEOF())
	}
}

// endregion

func (flow *Flow) inspectionFor() *inspector.Inspection {
	if flow.inspection == nil {
		flow.inspection = inspector.NewInspection(flow.table.getBuffer())
	}
	return flow.inspection
}

func (flow *Flow) decide(outcome inspector.Outcome) {
	flow.outcome = outcome
	flow.mark = protocol.MarkFor(outcome.Label())
	flow.bytes = flow.inspection.Buffer().Len()

	flow.table.config.Stats().Record(outcome)
	flow.release(flow.mark)

	flow.table.logger.Debug("flow decided",
		"flow", flow.key,
		"outcome", outcome.Kind.String(),
		"protocol", protocol.Name(flow.mark),
		"bytes", flow.bytes,
	)
	if flow.table.onDecision != nil {
		flow.table.onDecision(flow)
	}
}

// release gives every held packet its verdict and returns the buffer.
func (flow *Flow) release(mark uint32) {
	for _, packet := range flow.packets {
		packet.Release(mark)
	}
	flow.packets = nil

	if flow.inspection != nil {
		flow.table.putBuffer(flow.inspection.Buffer())
		flow.inspection = nil
	}
}
