//go:build unix

package socket

import (
	"errors"
	"fmt"
	"io"
	"syscall"

	"golang.org/x/sys/unix"
)

type Socket struct {
	raw syscall.RawConn
}

func New(conn syscall.Conn) (*Socket, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("socket: syscall conn: %w", err)
	}

	return &Socket{raw: raw}, nil
}

// Peek never blocks: MSG_DONTWAIT turns an empty queue into ErrWouldBlock.
// It goes through Control rather than Read so it does not contend for the
// read lock held by a goroutine parked on read readiness.
func (s *Socket) Peek(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	var (
		n     int
		errno error
	)

	err := s.raw.Control(func(fd uintptr) {
		for {
			n, _, errno = unix.Recvfrom(int(fd), p, unix.MSG_PEEK|unix.MSG_DONTWAIT)
			if errno != unix.EINTR {
				return
			}
		}
	})
	if err != nil {
		return 0, fmt.Errorf("socket: peek: %w", err)
	}

	switch {
	case errors.Is(errno, unix.EAGAIN), errors.Is(errno, unix.EWOULDBLOCK):
		return 0, ErrWouldBlock
	case errno != nil:
		return 0, fmt.Errorf("socket: peek: %w", errno)
	case n == 0:
		return 0, io.EOF
	}

	return n, nil
}
