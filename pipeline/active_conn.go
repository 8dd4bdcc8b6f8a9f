package pipeline

import (
	"net"
	"syscall"

	"httpsniff/event"
	"httpsniff/filter"
	"httpsniff/socket"
)

// ActiveConn walks one accepted connection through the filter chain. It is
// the filter.Callbacks given to every filter and lives on its worker loop.
type ActiveConn struct {
	w        *Worker
	conn     net.Conn
	sock     socket.Peeker
	metadata filter.Metadata

	filters  []filter.ListenerFilter
	current  int
	paused   bool
	timer    *event.Timer
	finished bool
}

func newActiveConn(w *Worker, conn net.Conn) *ActiveConn {
	c := &ActiveConn{
		w:    w,
		conn: conn,
		metadata: filter.Metadata{
			TransportProtocol: filter.RawBuffer,
		},
	}

	c.sock = socket.PeekerFunc(func([]byte) (int, error) { return 0, socket.ErrUnsupported })
	if sc, ok := conn.(syscall.Conn); ok {
		if sock, err := socket.New(sc); err == nil {
			c.sock = sock
		}
	}

	return c
}

func (c *ActiveConn) start() {
	c.w.conns[c] = struct{}{}
	c.w.metrics.CxTotal.Inc()
	c.w.metrics.PreCxActive.Inc()

	for _, factory := range c.w.factories {
		c.filters = append(c.filters, factory(c.w))
	}

	if c.w.options.Timeout > 0 {
		c.timer = c.w.dispatcher.CreateTimer(c.onTimeout)
		c.timer.Enable(c.w.options.Timeout)
	}

	c.continueChain()
}

func (c *ActiveConn) continueChain() {
	for ; c.current < len(c.filters); c.current++ {
		switch c.filters[c.current].OnAccept(c) {
		case filter.StopIteration:
			c.paused = true
			return
		case filter.Reject:
			c.close(true)
			return
		}
	}

	c.handoff()
}

// region filter.Callbacks

func (c *ActiveConn) Conn() net.Conn {
	return c.conn
}

func (c *ActiveConn) Socket() socket.Peeker {
	return c.sock
}

func (c *ActiveConn) Dispatcher() *event.Dispatcher {
	return c.w.dispatcher
}

func (c *ActiveConn) Metadata() *filter.Metadata {
	return &c.metadata
}

// ContinueFilterChain is honored once, and only while a filter has the chain
// paused.
func (c *ActiveConn) ContinueFilterChain(success bool) {
	if c.finished || !c.paused {
		return
	}
	c.paused = false

	if !success {
		c.close(true)
		return
	}

	c.current++
	c.continueChain()
}

// endregion

func (c *ActiveConn) onTimeout() {
	if c.finished {
		return
	}

	c.w.metrics.PreCxTimeout.Inc()
	c.w.logger.Debug("listener filter timeout", "remote", c.conn.RemoteAddr(), "continue", c.w.options.ContinueOnTimeout)

	if c.paused {
		c.filters[c.current].Close()
		c.paused = false
	}

	if c.w.options.ContinueOnTimeout {
		c.handoff()
		return
	}
	c.close(false)
}

func (c *ActiveConn) handoff() {
	c.finish()

	accepted := &Accepted{Conn: c.conn, Metadata: c.metadata}
	c.w.logger.Debug("connection accepted",
		"remote", c.conn.RemoteAddr(),
		"transport", accepted.Metadata.TransportProtocol,
		"protocols", accepted.Metadata.ApplicationProtocols,
		"server_name", accepted.Metadata.ServerName,
	)
	c.w.handoff(accepted)
}

func (c *ActiveConn) close(rejected bool) {
	c.finish()

	if rejected {
		c.w.metrics.CxRejected.Inc()
	}
	if err := c.conn.Close(); err != nil {
		c.w.logger.Debug("close failed", "error", err)
	}
}

// abort closes a connection whose worker is going away.
func (c *ActiveConn) abort() {
	if c.finished {
		return
	}
	c.close(false)
}

func (c *ActiveConn) finish() {
	c.finished = true
	if c.timer != nil {
		c.timer.Disable()
	}

	delete(c.w.conns, c)
	c.w.metrics.PreCxActive.Dec()
	c.w.dispatcher.DeferredDelete(c)
}

// Delete releases every filter once the current callback has unwound.
func (c *ActiveConn) Delete() {
	for _, f := range c.filters {
		f.Close()
	}
	c.filters = nil
}
