package inspector

import (
	"io"

	"httpsniff/socket"
)

// queueSocket mimics MSG_PEEK over a receive queue that only grows.
type queueSocket struct {
	queue  []byte
	closed bool
	err    error
	peeks  int
}

func (s *queueSocket) Peek(p []byte) (int, error) {
	s.peeks++
	if s.err != nil {
		return 0, s.err
	}
	if len(s.queue) == 0 {
		if s.closed {
			return 0, io.EOF
		}
		return 0, socket.ErrWouldBlock
	}
	return copy(p, s.queue), nil
}

func (s *queueSocket) arrive(p string) {
	s.queue = append(s.queue, p...)
}
