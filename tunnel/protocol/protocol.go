// Package protocol maps detected protocols to the packet marks the packet
// paths set on a decided flow. A zero mark means undecided.
package protocol

import "httpsniff/inspector"

const (
	ProtocolUnknown = 0
	ProtocolTls     = 1 << 1

	ProtocolHttp11 = 1 << 2
	ProtocolHttp2  = 1 << 3
	ProtocolHttp3  = 1 << 4

	ProtocolByPass = 1 << 5
	ProtocolHttp10 = 1 << 6
)

// MarkFor returns the mark of a finished inspection. Unclassified flows are
// still decided: they bypass.
func MarkFor(label inspector.Label) uint32 {
	switch label {
	case inspector.LabelHTTP10:
		return ProtocolHttp10
	case inspector.LabelHTTP11:
		return ProtocolHttp11
	case inspector.LabelHTTP2:
		return ProtocolHttp2
	default:
		return ProtocolByPass
	}
}

// Name is the application protocol string of a mark, as the listener
// filters write it.
func Name(mark uint32) string {
	switch {
	case mark&ProtocolHttp10 != 0:
		return inspector.LabelHTTP10.String()
	case mark&ProtocolHttp11 != 0:
		return inspector.LabelHTTP11.String()
	case mark&ProtocolHttp2 != 0:
		return inspector.LabelHTTP2.String()
	case mark&ProtocolTls != 0:
		return "tls"
	default:
		return "none"
	}
}
