package tunnel

import (
	"bufio"
	"net"
	"time"
)

// Stream is one side of a tunnel. Reads go through a buffered reader so
// handlers can parse protocol framing; writes are flushed right away.
type Stream struct {
	Conn net.Conn

	Reader *bufio.Reader
	Writer *bufio.Writer
}

func NewStream(conn net.Conn) *Stream {
	return &Stream{
		Conn:   conn,
		Reader: bufio.NewReader(conn),
		Writer: bufio.NewWriter(conn),
	}
}

// CloseWrite half-closes the connection when it supports it, and closes it
// otherwise.
func (s *Stream) CloseWrite() error {
	if cw, ok := s.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return s.Conn.Close()
}

// region net.Conn

func (s *Stream) Read(b []byte) (int, error) {
	return s.Reader.Read(b)
}

func (s *Stream) Write(b []byte) (int, error) {
	n, err := s.Writer.Write(b)
	if err != nil {
		return n, err
	}
	return n, s.Writer.Flush()
}

func (s *Stream) Close() error {
	return s.Conn.Close()
}

func (s *Stream) LocalAddr() net.Addr {
	return s.Conn.LocalAddr()
}

func (s *Stream) RemoteAddr() net.Addr {
	return s.Conn.RemoteAddr()
}

func (s *Stream) SetDeadline(t time.Time) error {
	return s.Conn.SetDeadline(t)
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	return s.Conn.SetReadDeadline(t)
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	return s.Conn.SetWriteDeadline(t)
}

// endregion
