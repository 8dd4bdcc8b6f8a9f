// Package pipeline accepts connections, runs their listener filters on a
// worker event loop and hands them off once every filter let them through.
package pipeline

import (
	"context"
	"log/slog"
	"net"
	"time"

	"httpsniff/event"
	"httpsniff/filter"
	"httpsniff/inspector"
)

const DefaultTimeout = 15 * time.Second

// ListenerFilterFactory creates the filter instance for one connection.
type ListenerFilterFactory func(w *Worker) filter.ListenerFilter

// Accepted is a connection that passed the filter chain.
type Accepted struct {
	Conn     net.Conn
	Metadata filter.Metadata
}

type Handler interface {
	Handle(ctx context.Context, accepted *Accepted)
}

type HandlerFunc func(ctx context.Context, accepted *Accepted)

func (f HandlerFunc) Handle(ctx context.Context, accepted *Accepted) {
	f(ctx, accepted)
}

type Options struct {
	// Timeout bounds the whole filter chain. Zero disables it.
	Timeout time.Duration
	// ContinueOnTimeout hands the connection off when the chain times out
	// instead of closing it.
	ContinueOnTimeout bool
	// BufferSize sizes the detection buffers pooled by the worker loop.
	BufferSize int
}

// Worker owns one event loop and every connection assigned to it.
type Worker struct {
	id         int
	logger     *slog.Logger
	dispatcher *event.Dispatcher
	factories  []ListenerFilterFactory
	options    Options
	handler    Handler
	metrics    *Metrics

	// Loop goroutine only.
	ctx   context.Context
	conns map[*ActiveConn]struct{}
}

func NewWorker(id int, logger *slog.Logger, metrics *Metrics, options Options, handler Handler, factories ...ListenerFilterFactory) *Worker {
	if options.BufferSize == 0 {
		options.BufferSize = inspector.MaxInspectSize
	}
	if metrics == nil {
		metrics, _ = NewMetrics(nil, "")
	}

	logger = logger.With("context", "Worker", "worker", id)
	return &Worker{
		id:         id,
		logger:     logger,
		dispatcher: event.NewDispatcher(logger, options.BufferSize),
		factories:  factories,
		options:    options,
		handler:    handler,
		metrics:    metrics,
		ctx:        context.Background(),
		conns:      make(map[*ActiveConn]struct{}),
	}
}

func (w *Worker) Dispatcher() *event.Dispatcher {
	return w.dispatcher
}

func (w *Worker) Logger() *slog.Logger {
	return w.logger
}

// Run drives the worker loop until ctx is canceled. Connections still in
// their filter chain are closed on the way out.
func (w *Worker) Run(ctx context.Context) error {
	w.ctx = ctx
	err := w.dispatcher.Run(ctx)

	// The loop has stopped; this goroutine still owns its state.
	for c := range w.conns {
		c.abort()
	}
	w.dispatcher.ClearDeferredDeleteList()

	if err == context.Canceled {
		return nil
	}
	return err
}

// Accept assigns conn to the worker. It is safe from any goroutine and
// closes conn when the worker has stopped.
func (w *Worker) Accept(conn net.Conn) bool {
	posted := w.dispatcher.Post(func() {
		newActiveConn(w, conn).start()
	})
	if !posted {
		_ = conn.Close()
	}
	return posted
}

func (w *Worker) handoff(accepted *Accepted) {
	ctx := w.ctx
	go w.handler.Handle(ctx, accepted)
}
