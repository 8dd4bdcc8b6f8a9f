// Package event runs callbacks for a set of connections on a single
// goroutine. Everything attached to a Dispatcher, including its buffer pool,
// is owned by that goroutine.
package event

import (
	"context"
	"log/slog"
	"sync"

	"httpsniff/inspector"
)

// Deletable is destroyed by the dispatcher after the current batch of
// callbacks, never from inside one.
type Deletable interface {
	Delete()
}

type Dispatcher struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake     chan struct{}
	exit     chan struct{}
	exitOnce sync.Once
	done     chan struct{}

	// Loop goroutine only.
	deferred []Deletable
	deleting bool
	buffers  *inspector.BufferPool
}

func NewDispatcher(logger *slog.Logger, bufferSize int) *Dispatcher {
	return &Dispatcher{
		logger:  logger,
		wake:    make(chan struct{}, 1),
		exit:    make(chan struct{}),
		done:    make(chan struct{}),
		buffers: inspector.NewBufferPool(bufferSize),
	}
}

// Run executes posted callbacks until ctx is canceled or Exit is called.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	defer d.stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.exit:
			return nil
		case <-d.wake:
		}

		d.runPosted()
		d.ClearDeferredDeleteList()
	}
}

func (d *Dispatcher) runPosted() {
	d.mu.Lock()
	batch := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
}

func (d *Dispatcher) stop() {
	d.mu.Lock()
	d.stopped = true
	dropped := len(d.queue)
	d.queue = nil
	d.mu.Unlock()

	if dropped > 0 {
		d.logger.Debug("dispatcher stopped with posted callbacks", "dropped", dropped)
	}
	d.ClearDeferredDeleteList()
}

// Post queues fn to run on the loop goroutine. It is safe from any goroutine,
// including the loop itself, and reports false once the loop has stopped.
func (d *Dispatcher) Post(fn func()) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

func (d *Dispatcher) Exit() {
	d.exitOnce.Do(func() { close(d.exit) })
}

// Done is closed when Run returns.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) DeferredDelete(x Deletable) {
	d.deferred = append(d.deferred, x)
}

// ClearDeferredDeleteList deletes everything queued so far. Deletes queued
// while clearing wait for the next clear; a clear from inside Delete does
// nothing.
func (d *Dispatcher) ClearDeferredDeleteList() {
	if d.deleting || len(d.deferred) == 0 {
		return
	}

	list := d.deferred
	d.deferred = nil
	d.deleting = true
	for _, x := range list {
		x.Delete()
	}
	d.deleting = false
}

// Buffers is the detection buffer pool of this loop.
func (d *Dispatcher) Buffers() *inspector.BufferPool {
	return d.buffers
}
