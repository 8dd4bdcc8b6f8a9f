package gnetprobe

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"

	"github.com/panjf2000/gnet/v2"
	"golang.org/x/net/http2"

	"httpsniff/inspector"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeConn is the part of gnet.Conn the probe uses; anything else panics.
type fakeConn struct {
	gnet.Conn

	inbound []byte
	written bytes.Buffer
	ctx     any
}

func (c *fakeConn) Peek(n int) ([]byte, error) {
	if n <= 0 || n > len(c.inbound) {
		return c.inbound, nil
	}
	return c.inbound[:n], nil
}

func (c *fakeConn) Write(p []byte) (int, error) { return c.written.Write(p) }
func (c *fakeConn) Context() any { return c.ctx }
func (c *fakeConn) SetContext(ctx any) { c.ctx = ctx }
func (c *fakeConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000} }

func (c *fakeConn) receive(s string) {
	c.inbound = append(c.inbound, s...)
}

func newServer(t *testing.T, size int) (*Server, *inspector.Stats) {
	t.Helper()

	stats, err := inspector.NewStats(nil, "")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	config, err := inspector.NewConfig(stats, size)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return New(testLogger, config, "tcp://127.0.0.1:0", false), stats
}

func TestOnTrafficClassifies(t *testing.T) {
	preface := http2.ClientPreface

	tests := []struct {
		name   string
		chunks []string
		answer string
		want   inspector.Snapshot
	}{
		{"http11", []string{"GET / HTTP/1.1\r\n"}, "http/1.1\n", inspector.Snapshot{HTTP11Found: 1}},
		{"http10 fragmented", []string{"HEAD /x", " HTTP/1", ".0\n"}, "http/1.0\n", inspector.Snapshot{HTTP10Found: 1}},
		{"h2c fragmented", []string{preface[:3], preface[3:20], preface[20:]}, "h2c\n", inspector.Snapshot{HTTP2Found: 1}},
		{"garbage", []string{"\x00\x01\x02"}, "none\n", inspector.Snapshot{HTTPNotFound: 1}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s, stats := newServer(t, 0)
			c := &fakeConn{}

			if _, action := s.OnOpen(c); action != gnet.None {
				t.Fatalf("OnOpen action = %v", action)
			}

			for i, chunk := range tt.chunks {
				c.receive(chunk)
				action := s.OnTraffic(c)

				last := i == len(tt.chunks)-1
				if last && action != gnet.Close {
					t.Fatalf("final chunk: action = %v, want Close", action)
				}
				if !last && action != gnet.None {
					t.Fatalf("chunk %d: action = %v, want None", i, action)
				}
			}

			if c.written.String() != tt.answer {
				t.Fatalf("answer = %q, want %q", c.written.String(), tt.answer)
			}
			if got := stats.Snapshot(); got != tt.want {
				t.Fatalf("stats = %+v, want %+v", got, tt.want)
			}

			s.OnClose(c, nil)
			if got := stats.Snapshot().Total(); got != 1 {
				t.Fatalf("close after the answer counted again: %d", got)
			}
		})
	}
}

func TestOnTrafficExhaustsSmallWindow(t *testing.T) {
	s, stats := newServer(t, 16)
	c := &fakeConn{}
	s.OnOpen(c)

	c.receive("GET /" + strings.Repeat("a", 32))
	if action := s.OnTraffic(c); action != gnet.Close {
		t.Fatalf("action = %v, want Close", action)
	}
	if c.written.String() != "none\n" {
		t.Fatalf("answer = %q", c.written.String())
	}
	if got := stats.Snapshot(); got != (inspector.Snapshot{HTTPNotFound: 1}) {
		t.Fatalf("stats = %+v", got)
	}
}

func TestOnTrafficWithoutNewBytes(t *testing.T) {
	s, stats := newServer(t, 0)
	c := &fakeConn{}
	s.OnOpen(c)

	c.receive("GET")
	if action := s.OnTraffic(c); action != gnet.None {
		t.Fatalf("action = %v", action)
	}
	if action := s.OnTraffic(c); action != gnet.None {
		t.Fatalf("repeated wakeup: action = %v", action)
	}
	if stats.Snapshot().Total() != 0 || c.written.Len() != 0 {
		t.Fatal("pending inspection produced a result")
	}
}

func TestOnClose(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want uint64
	}{
		{"peer closed", fmt.Errorf("read: %w", io.EOF), 1},
		{"reset", errors.New("read: connection reset by peer"), 0},
		{"shutdown", nil, 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s, stats := newServer(t, 0)
			c := &fakeConn{}
			s.OnOpen(c)

			c.receive("GET /pa")
			s.OnTraffic(c)
			s.OnClose(c, tt.err)

			if got := stats.Snapshot(); got.HTTPNotFound != tt.want || got.Total() != tt.want {
				t.Fatalf("stats = %+v, want %d not found", got, tt.want)
			}
			if c.Context() != nil {
				t.Fatal("connection context kept after close")
			}
			s.OnClose(c, tt.err)
		})
	}
}

func TestBuffersReused(t *testing.T) {
	s, _ := newServer(t, 0)

	for i := 0; i < 3; i++ {
		c := &fakeConn{}
		s.OnOpen(c)

		buf := c.Context().(*probe).inspection.Buffer()
		if buf.Len() != 0 {
			t.Fatalf("connection %d starts with %d stale bytes", i, buf.Len())
		}

		c.receive("PUT /v HTTP/1.1\r\n")
		s.OnTraffic(c)
		s.OnClose(c, nil)
	}
}
