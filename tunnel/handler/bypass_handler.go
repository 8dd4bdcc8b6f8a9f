package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	"httpsniff/tunnel"
)

// ByPassHandler copies bytes both ways without looking at them.
type ByPassHandler struct {
	logger *slog.Logger
}

func NewByPassHandler(logger *slog.Logger) *ByPassHandler {
	return &ByPassHandler{
		logger: logger.With("context", "ByPassHandler"),
	}
}

func (h *ByPassHandler) Handle(ctx context.Context, tun *tunnel.Tunnel) error {
	g, ctx := errgroup.WithContext(ctx)

	stop := context.AfterFunc(ctx, func() { _ = tun.Close() })
	defer stop()

	h.logger.Debug("bypass start", "remote", tun.Downstream.RemoteAddr())
	g.Go(func() error { return pipe(tun.Downstream, tun.Upstream) })
	g.Go(func() error { return pipe(tun.Upstream, tun.Downstream) })

	err := g.Wait()
	h.logger.Debug("bypass end", "remote", tun.Downstream.RemoteAddr())

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// pipe forwards whatever the reader already buffered, then the rest of the
// connection, and half-closes the destination at EOF.
func pipe(from, to *tunnel.Stream) error {
	if n := from.Reader.Buffered(); n > 0 {
		peeked, err := from.Reader.Peek(n)
		if err != nil {
			return err
		}
		if _, err := to.Conn.Write(peeked); err != nil {
			return err
		}
		if _, err := from.Reader.Discard(n); err != nil {
			return err
		}
	}

	if _, err := io.Copy(to.Conn, from.Conn); err != nil {
		return err
	}
	return to.CloseWrite()
}
