// Package socket provides the non-destructive peek primitive used to look at
// the first bytes of an accepted connection without consuming them.
package socket

import "errors"

var (
	// ErrWouldBlock is returned when nothing is queued yet.
	ErrWouldBlock = errors.New("socket: peek would block")

	// ErrUnsupported is returned on platforms or connections without MSG_PEEK.
	ErrUnsupported = errors.New("socket: non-destructive peek is not supported")
)

// Peeker copies up to len(p) bytes from the head of the receive queue without
// removing them. A later peek, or the real read, sees the same bytes again.
//
// Peek returns ErrWouldBlock when no data is queued and io.EOF when the peer
// closed the connection with nothing left to read.
type Peeker interface {
	Peek(p []byte) (int, error)
}

type PeekerFunc func(p []byte) (int, error)

func (f PeekerFunc) Peek(p []byte) (int, error) {
	return f(p)
}
