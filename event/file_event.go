package event

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"time"
)

// Conn is what a file event needs from a connection: its descriptor and a
// read deadline to wake a parked watcher.
type Conn interface {
	syscall.Conn
	SetReadDeadline(t time.Time) error
}

// FileEvent delivers read readiness of one connection to a callback on the
// dispatcher goroutine. The registration stays armed until Close.
//
// Readiness comes from the runtime poller through syscall.RawConn.Read: the
// watcher goroutine parks there, and each wakeup runs the callback on the
// loop and waits for it before parking again. The callback is expected to
// peek, so nothing is consumed.
type FileEvent struct {
	d    *Dispatcher
	conn Conn
	raw  syscall.RawConn
	cb   func()

	closed  atomic.Bool
	closing chan struct{}
	exited  chan struct{}
}

var aLongTimeAgo = time.Unix(1, 0)

func (d *Dispatcher) CreateFileEvent(conn Conn, cb func()) (*FileEvent, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("event: create file event: %w", err)
	}

	e := &FileEvent{
		d:       d,
		conn:    conn,
		raw:     raw,
		cb:      cb,
		closing: make(chan struct{}),
		exited:  make(chan struct{}),
	}

	go e.watch()
	return e, nil
}

func (e *FileEvent) watch() {
	defer close(e.exited)

	err := e.raw.Read(func(fd uintptr) bool {
		if e.closed.Load() {
			return true
		}

		ran := make(chan struct{})
		posted := e.d.Post(func() {
			defer close(ran)
			if !e.closed.Load() {
				e.cb()
			}
		})
		if !posted {
			return true
		}

		select {
		case <-ran:
		case <-e.closing:
			return true
		case <-e.d.done:
			return true
		}

		return e.closed.Load()
	})

	if err != nil && !e.closed.Load() {
		// The connection went away under the registration. Report it as
		// readable once so the owner peeks and observes the failure.
		e.d.logger.Debug("file event watcher stopped", "error", err)
		e.d.Post(func() {
			if !e.closed.Load() {
				e.cb()
			}
		})
	}
}

// Close unregisters the event. It is idempotent and returns once the watcher
// goroutine has let go of the connection.
func (e *FileEvent) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}

	close(e.closing)
	_ = e.conn.SetReadDeadline(aLongTimeAgo)
	<-e.exited
	_ = e.conn.SetReadDeadline(time.Time{})
}

func (e *FileEvent) Closed() bool {
	return e.closed.Load()
}
