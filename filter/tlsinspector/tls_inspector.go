// Package tlsinspector is a listener filter that recognizes a TLS ClientHello
// and records the transport protocol, server name and offered ALPN
// protocols on the connection. Later filters skip connections it claims.
package tlsinspector

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"httpsniff/event"
	"httpsniff/filter"
	"httpsniff/inspector"
)

// MaxClientHelloSize bounds the bytes peeked while waiting for a ClientHello.
const MaxClientHelloSize = 16 * 1024

const TransportProtocolTLS = "tls"

type Stats struct {
	TLSFound           prometheus.Counter
	TLSNotFound        prometheus.Counter
	SNIFound           prometheus.Counter
	ALPNFound          prometheus.Counter
	ReadError          prometheus.Counter
	ClientHelloTooBig  prometheus.Counter
	ClientHelloInvalid prometheus.Counter
}

func NewStats(reg prometheus.Registerer, prefix string) (*Stats, error) {
	stats := &Stats{}

	counters := []struct {
		dst  *prometheus.Counter
		name string
		help string
	}{
		{&stats.TLSFound, "tls_found_total", "Connections that opened with a TLS ClientHello."},
		{&stats.TLSNotFound, "tls_not_found_total", "Connections that did not open with TLS."},
		{&stats.SNIFound, "sni_found_total", "ClientHellos carrying a server name."},
		{&stats.ALPNFound, "alpn_found_total", "ClientHellos offering ALPN protocols."},
		{&stats.ReadError, "read_error_total", "Peeks that failed with an I/O error."},
		{&stats.ClientHelloTooBig, "client_hello_too_large_total", "ClientHellos larger than the peek window."},
		{&stats.ClientHelloInvalid, "invalid_client_hello_total", "Handshake records that failed to parse."},
	}

	for _, c := range counters {
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: prefix,
			Subsystem: "tls_inspector",
			Name:      c.name,
			Help:      c.help,
		})

		if reg != nil {
			if err := reg.Register(counter); err != nil {
				var already prometheus.AlreadyRegisteredError
				if !errors.As(err, &already) {
					return nil, fmt.Errorf("register %s: %w", c.name, err)
				}
				existing, ok := already.ExistingCollector.(prometheus.Counter)
				if !ok {
					return nil, fmt.Errorf("register %s: %w", c.name, err)
				}
				counter = existing
			}
		}

		*c.dst = counter
	}

	return stats, nil
}

type registration interface {
	Close()
}

type Filter struct {
	stats  *Stats
	logger *slog.Logger

	cb        filter.Callbacks
	buf       *inspector.Buffer
	fileEvent registration
	finished  bool
}

func New(stats *Stats, logger *slog.Logger) *Filter {
	if stats == nil {
		stats, _ = NewStats(nil, "")
	}
	return &Filter{
		stats:  stats,
		logger: logger.With("context", "TlsInspector"),
	}
}

func (f *Filter) OnAccept(cb filter.Callbacks) filter.Status {
	f.cb = cb
	f.buf = inspector.NewBuffer(MaxClientHelloSize)

	conn, ok := cb.Conn().(event.Conn)
	if !ok {
		f.logger.Debug("connection has no pollable descriptor")
		f.stats.ReadError.Inc()
		f.finished = true
		return filter.Reject
	}

	ev, err := cb.Dispatcher().CreateFileEvent(conn, f.onFileEvent)
	if err != nil {
		f.logger.Debug("failed to register for read readiness", "error", err)
		f.stats.ReadError.Inc()
		f.finished = true
		return filter.Reject
	}

	f.fileEvent = ev
	return filter.StopIteration
}

func (f *Filter) onFileEvent() {
	if f.finished {
		return
	}

	_, status, err := f.buf.Fill(f.cb.Socket())
	switch status {
	case inspector.StatusWouldBlock:
		return
	case inspector.StatusClosed:
		f.stats.TLSNotFound.Inc()
		f.done(true)
		return
	case inspector.StatusError:
		f.logger.Debug("peek failed", "error", err)
		f.stats.ReadError.Inc()
		f.done(false)
		return
	}

	hello, err := ParseClientHello(f.buf.Bytes())
	switch {
	case errors.Is(err, errNeedMore):
		if f.buf.Full() {
			f.logger.Debug("client hello larger than the peek window", "bytes", f.buf.Len())
			f.stats.ClientHelloTooBig.Inc()
			f.done(true)
		}
		return
	case errors.Is(err, ErrNotTLS):
		f.stats.TLSNotFound.Inc()
		f.done(true)
		return
	case err != nil:
		f.logger.Debug("invalid client hello", "error", err)
		f.stats.ClientHelloInvalid.Inc()
		f.done(true)
		return
	}

	f.stats.TLSFound.Inc()
	md := f.cb.Metadata()
	md.TransportProtocol = TransportProtocolTLS
	if hello.ServerName != "" {
		f.stats.SNIFound.Inc()
		md.ServerName = hello.ServerName
	}
	if len(hello.ALPN) > 0 {
		f.stats.ALPNFound.Inc()
		md.ApplicationProtocols = append(md.ApplicationProtocols, hello.ALPN...)
	}

	f.logger.Debug("tls client hello", "server_name", hello.ServerName, "alpn", hello.ALPN)
	f.done(true)
}

func (f *Filter) done(success bool) {
	f.finished = true
	f.release()
	f.cb.ContinueFilterChain(success)
}

func (f *Filter) Close() {
	if f.finished {
		return
	}
	f.finished = true
	f.release()
}

func (f *Filter) release() {
	if f.fileEvent != nil {
		f.fileEvent.Close()
		f.fileEvent = nil
	}
	f.buf = nil
}
