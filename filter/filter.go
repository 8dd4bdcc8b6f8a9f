// Package filter defines the contract between listener filters and the
// accept pipeline that runs them.
package filter

import (
	"net"

	"httpsniff/event"
	"httpsniff/socket"
)

// Status is what a filter returns from OnAccept.
type Status int

const (
	// Continue runs the next filter right away.
	Continue Status = iota
	// StopIteration pauses the chain until the filter calls
	// ContinueFilterChain.
	StopIteration
	// Reject closes the connection.
	Reject
)

func (s Status) String() string {
	switch s {
	case Continue:
		return "continue"
	case StopIteration:
		return "stop_iteration"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// RawBuffer is the transport protocol of a connection nobody has claimed.
const RawBuffer = "raw_buffer"

// Metadata is what filters learn about a connection and hand to later stages.
type Metadata struct {
	TransportProtocol    string
	ApplicationProtocols []string
	ServerName           string
}

// Callbacks is the view of the accepted connection given to a filter. Every
// method must be called from the dispatcher goroutine.
type Callbacks interface {
	Conn() net.Conn
	Socket() socket.Peeker
	Dispatcher() *event.Dispatcher
	Metadata() *Metadata

	// ContinueFilterChain resumes a paused chain. A false success closes the
	// connection.
	ContinueFilterChain(success bool)
}

// ListenerFilter inspects a connection before it is handed off.
//
// Close is called when the connection goes away or the chain times out
// while the filter is paused. It must release everything OnAccept acquired
// and must be safe to call after the filter already finished.
type ListenerFilter interface {
	OnAccept(cb Callbacks) Status
	Close()
}
