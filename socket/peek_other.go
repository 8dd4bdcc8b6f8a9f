//go:build !unix

package socket

import "syscall"

type Socket struct{}

func New(conn syscall.Conn) (*Socket, error) {
	return nil, ErrUnsupported
}

func (s *Socket) Peek(p []byte) (int, error) {
	return 0, ErrUnsupported
}
