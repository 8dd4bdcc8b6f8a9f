package flow

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/google/gopacket/tcpassembly"
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type packetReader interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// Replay runs the TCP packets of a pcap or pcapng capture through table and
// closes the remaining flows at the end of the capture. Once a connection's
// SYN has been seen, packets sent by its server are left out so only the
// client side is classified. It returns the number of TCP packets assembled.
func Replay(r io.Reader, table *Table) (int, error) {
	br := bufio.NewReader(r)

	magic, err := br.Peek(len(pcapngMagic))
	if err != nil {
		return 0, fmt.Errorf("read capture header: %w", err)
	}

	var reader packetReader
	if bytes.Equal(magic, pcapngMagic) {
		reader, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		reader, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return 0, fmt.Errorf("open capture: %w", err)
	}

	assembler := tcpassembly.NewAssembler(tcpassembly.NewStreamPool(table))
	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.DecodeOptions = gopacket.Lazy

	servers := make(map[string]struct{})
	assembled := 0
	for {
		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			table.logger.Debug("skipping undecodable packet", "error", err)
			continue
		}

		network := packet.NetworkLayer()
		tcp, ok := packet.TransportLayer().(*layers.TCP)
		if network == nil || !ok {
			continue
		}

		netFlow, tcpFlow := network.NetworkFlow(), tcp.TransportFlow()
		if tcp.SYN && !tcp.ACK {
			servers[Key(netFlow.Reverse(), tcpFlow.Reverse())] = struct{}{}
		}
		if _, ok := servers[Key(netFlow, tcpFlow)]; ok {
			continue
		}

		assembler.AssembleWithTimestamp(netFlow, tcp, packet.Metadata().Timestamp)
		assembled++
	}

	assembler.FlushAll()
	return assembled, nil
}
