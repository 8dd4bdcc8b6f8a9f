// Package httpinspector is a listener filter that detects whether a client
// speaks HTTP/1.0, HTTP/1.1 or prior-knowledge HTTP/2 by peeking at its first
// bytes. It never consumes data and never rejects a connection it cannot
// classify.
package httpinspector

import (
	"errors"
	"log/slog"

	"httpsniff/event"
	"httpsniff/filter"
	"httpsniff/inspector"
)

var ErrNotPollable = errors.New("httpinspector: connection has no pollable descriptor")

type registration interface {
	Close()
}

// Filter inspects one connection. It lives on the dispatcher goroutine of
// that connection.
type Filter struct {
	config *inspector.Config
	logger *slog.Logger

	cb         filter.Callbacks
	pool       *inspector.BufferPool
	inspection *inspector.Inspection
	fileEvent  registration
	finished   bool
}

func New(config *inspector.Config, logger *slog.Logger) *Filter {
	return &Filter{
		config: config,
		logger: logger.With("context", "HttpInspector"),
	}
}

func (f *Filter) OnAccept(cb filter.Callbacks) filter.Status {
	md := cb.Metadata()
	if md.TransportProtocol != "" && md.TransportProtocol != filter.RawBuffer {
		f.logger.Debug("transport protocol already set, skipping", "transport", md.TransportProtocol)
		return filter.Continue
	}

	f.cb = cb
	f.pool = cb.Dispatcher().Buffers()
	f.inspection = inspector.NewInspection(f.buffer())

	conn, ok := cb.Conn().(event.Conn)
	if !ok {
		return f.reject(ErrNotPollable)
	}

	ev, err := cb.Dispatcher().CreateFileEvent(conn, f.onFileEvent)
	if err != nil {
		return f.reject(err)
	}

	f.fileEvent = ev
	f.inspection.Arm()
	return filter.StopIteration
}

func (f *Filter) buffer() *inspector.Buffer {
	if f.pool.Size() == f.config.MaxInspectSize() {
		return f.pool.Get()
	}
	return inspector.NewBuffer(f.config.MaxInspectSize())
}

// reject handles a failed registration: nothing can be inspected, and the
// pipeline is told so right away.
func (f *Filter) reject(err error) filter.Status {
	f.logger.Debug("failed to register for read readiness", "error", err)

	f.finished = true
	f.config.Stats().Record(inspector.ReadError(err))
	f.release()
	return filter.Reject
}

func (f *Filter) onFileEvent() {
	if f.finished {
		return
	}

	outcome := f.inspection.OnReadable(f.cb.Socket())
	if !outcome.Terminal() {
		return
	}
	f.done(outcome)
}

func (f *Filter) done(outcome inspector.Outcome) {
	if f.finished {
		return
	}
	f.finished = true

	bytes := f.inspection.Buffer().Len()
	f.release()
	f.config.Stats().Record(outcome)

	switch outcome.Kind {
	case inspector.KindReadError:
		f.logger.Debug("peek failed", "error", outcome.Err)
	case inspector.KindExhausted:
		f.logger.Debug("no protocol within the inspection window", "bytes", bytes)
	default:
		f.logger.Debug("inspection done", "protocol", outcome.Label().String(), "bytes", bytes)
	}

	if label := outcome.Label(); label != inspector.LabelNone {
		md := f.cb.Metadata()
		md.ApplicationProtocols = append(md.ApplicationProtocols, label.String())
	}

	// Fail open: every outcome lets the connection through.
	f.cb.ContinueFilterChain(true)
}

// Close cancels a pending inspection without counting it.
func (f *Filter) Close() {
	if f.finished {
		return
	}
	f.finished = true

	f.logger.Debug("inspection canceled")
	f.release()
}

func (f *Filter) release() {
	if f.fileEvent != nil {
		f.fileEvent.Close()
		f.fileEvent = nil
	}

	if f.inspection != nil {
		if err := f.pool.Put(f.inspection.Buffer()); err != nil {
			f.logger.Warn("failed to return detection buffer", "error", err)
		}
		f.inspection = nil
	}
}
