package tunnel

import (
	"context"
	"errors"
	"net"
	"time"
)

// Handler carries the traffic of a tunnel until either side is done.
type Handler interface {
	Handle(ctx context.Context, tun *Tunnel) error
}

// Tunnel pairs an accepted downstream connection with its upstream, along
// with what the listener filters learned about the downstream.
type Tunnel struct {
	Downstream *Stream
	Upstream   *Stream

	ApplicationProtocols []string
	ServerName           string
}

func NewTunnel(downstream, upstream *Stream) *Tunnel {
	return &Tunnel{
		Downstream: downstream,
		Upstream:   upstream,
	}
}

func NewTunnelFromConn(downstream, upstream net.Conn) *Tunnel {
	return NewTunnel(NewStream(downstream), NewStream(upstream))
}

// Protocol is the first application protocol the client asked for, or "".
func (tun *Tunnel) Protocol() string {
	if len(tun.ApplicationProtocols) == 0 {
		return ""
	}
	return tun.ApplicationProtocols[0]
}

func (tun *Tunnel) SetDeadline(deadline time.Time) error {
	err1 := tun.Downstream.SetDeadline(deadline)
	err2 := tun.Upstream.SetDeadline(deadline)

	return errors.Join(err1, err2)
}

func (tun *Tunnel) Close() error {
	err1 := tun.Downstream.Conn.Close()
	err2 := tun.Upstream.Conn.Close()

	return errors.Join(err1, err2)
}
