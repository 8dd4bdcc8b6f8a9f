// Package gnetprobe serves protocol classification on a gnet event loop. A
// client connects, sends the first bytes of a stream and reads back one line
// naming the detected protocol ("http/1.1", "h2c", ... or "none").
package gnetprobe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/gnet/v2"

	"httpsniff/inspector"
)

const stopTimeout = 5 * time.Second

type Server struct {
	gnet.BuiltinEventEngine

	logger    *slog.Logger
	config    *inspector.Config
	addr      string
	multicore bool

	buffers sync.Pool
	booted  chan struct{}
	engine  gnet.Engine
}

// probe is the per-connection state kept in the gnet connection context.
type probe struct {
	inspection *inspector.Inspection
	done       bool
}

// New creates a probe server for a gnet protocol address such as
// "tcp://:3130".
func New(logger *slog.Logger, config *inspector.Config, addr string, multicore bool) *Server {
	s := &Server{
		logger:    logger.With("context", "GnetProbe"),
		config:    config,
		addr:      addr,
		multicore: multicore,
		booted:    make(chan struct{}),
	}
	s.buffers.New = func() any {
		return inspector.NewBuffer(config.MaxInspectSize())
	}
	return s
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- gnet.Run(s, s.addr,
			gnet.WithMulticore(s.multicore),
			gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	select {
	case <-s.booted:
	case err := <-errCh:
		return err
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := s.engine.Stop(stopCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	close(s.booted)
	s.logger.Info("probe listening", "addr", s.addr, "multicore", s.multicore)
	return gnet.None
}

func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	buf := s.buffers.Get().(*inspector.Buffer)
	c.SetContext(&probe{inspection: inspector.NewInspection(buf)})
	return nil, gnet.None
}

// OnTraffic looks at everything buffered for the connection without
// consuming it and answers once the bytes are classified.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	p, ok := c.Context().(*probe)
	if !ok || p.done {
		return gnet.Close
	}

	data, err := c.Peek(-1)
	if err != nil {
		s.logger.Debug("peek failed", "remote", c.RemoteAddr(), "error", err)
		return gnet.Close
	}

	filled := p.inspection.Buffer().Len()
	if len(data) <= filled {
		return gnet.None
	}

	outcome := p.inspection.Feed(data[filled:])
	if !outcome.Terminal() {
		return gnet.None
	}

	s.finish(c, p, outcome)

	answer := outcome.Label().String()
	if answer == "" {
		answer = "none"
	}
	if _, err := c.Write([]byte(answer + "\n")); err != nil {
		s.logger.Debug("write failed", "remote", c.RemoteAddr(), "error", err)
	}
	return gnet.Close
}

// OnClose ends an undecided inspection. A peer that closes before its bytes
// decide anything is unclassified; any other close counts nothing.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	p, ok := c.Context().(*probe)
	if !ok {
		return gnet.None
	}
	c.SetContext(nil)

	if p.done {
		return gnet.None
	}
	if errors.Is(err, io.EOF) {
		s.finish(c, p, p.inspection.OnEOF())
		return gnet.None
	}

	p.done = true
	s.release(p)
	return gnet.None
}

func (s *Server) finish(c gnet.Conn, p *probe, outcome inspector.Outcome) {
	p.done = true
	s.config.Stats().Record(outcome)

	s.logger.Debug("classified",
		"remote", c.RemoteAddr(),
		"outcome", outcome.String(),
		"bytes", p.inspection.Buffer().Len(),
	)
	s.release(p)
}

func (s *Server) release(p *probe) {
	buf := p.inspection.Buffer()
	buf.Reset()
	s.buffers.Put(buf)
}
