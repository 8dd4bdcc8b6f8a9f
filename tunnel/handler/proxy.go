package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"httpsniff/filter"
	"httpsniff/pipeline"
	"httpsniff/tunnel"
)

const (
	dialTimeout  = 10 * time.Second
	connDeadline = 5 * time.Minute
)

var ErrNoOriginalDestination = errors.New("handler: cannot determine original destination")

// Proxy is the hand-off target of the accept pipeline. It dials the upstream
// and relays the connection with the handler matching its detected
// protocol.
type Proxy struct {
	logger *slog.Logger
	dialer net.Dialer

	// Upstream is the fixed upstream address. When empty the connection's
	// local address is used, which is the original destination of a
	// transparently redirected connection.
	upstream string
}

func NewProxy(logger *slog.Logger, upstream string) *Proxy {
	return &Proxy{
		logger:   logger.With("context", "Proxy"),
		dialer:   net.Dialer{Timeout: dialTimeout},
		upstream: upstream,
	}
}

var _ pipeline.Handler = (*Proxy)(nil)

func (p *Proxy) Handle(ctx context.Context, accepted *pipeline.Accepted) {
	downstream := accepted.Conn
	defer downstream.Close()

	target, err := p.target(downstream)
	if err != nil {
		p.logger.Warn("no upstream", "remote", downstream.RemoteAddr(), "error", err)
		return
	}

	upstream, err := p.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		p.logger.Warn("dial upstream failed", "target", target, "error", err)
		return
	}
	defer upstream.Close()

	for _, conn := range []net.Conn{downstream, upstream} {
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
	}

	tun := newTunnel(downstream, upstream, accepted.Metadata)
	_ = tun.SetDeadline(time.Now().Add(connDeadline))

	streamHandler := Select(p.logger, tun.Protocol())

	p.logger.Debug("relaying",
		"remote", downstream.RemoteAddr(),
		"target", target,
		"protocol", tun.Protocol(),
		"server_name", tun.ServerName,
		"handler", fmt.Sprintf("%T", streamHandler),
	)

	if err := streamHandler.Handle(ctx, tun); err != nil {
		p.logger.Debug("relay ended", "remote", downstream.RemoteAddr(), "error", err)
	}
}

func (p *Proxy) target(conn net.Conn) (string, error) {
	if p.upstream != "" {
		return p.upstream, nil
	}

	local, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok || local.IP == nil || local.Port == 0 {
		return "", fmt.Errorf("%w: local address %v", ErrNoOriginalDestination, conn.LocalAddr())
	}
	return local.String(), nil
}

func newTunnel(downstream, upstream net.Conn, md filter.Metadata) *tunnel.Tunnel {
	tun := tunnel.NewTunnelFromConn(downstream, upstream)
	tun.ServerName = md.ServerName

	// A TLS connection carries the protocols its ClientHello offered; those
	// are for the TLS peer, not for this proxy.
	if md.TransportProtocol == "" || md.TransportProtocol == filter.RawBuffer {
		tun.ApplicationProtocols = md.ApplicationProtocols
	}
	return tun
}
