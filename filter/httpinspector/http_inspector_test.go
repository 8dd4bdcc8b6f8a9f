package httpinspector

import (
	"context"
	"io"
	"log/slog"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"httpsniff/event"
	"httpsniff/filter"
	"httpsniff/inspector"
	"httpsniff/socket"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeCallbacks struct {
	conn       net.Conn
	sock       socket.Peeker
	dispatcher *event.Dispatcher
	metadata   filter.Metadata
	continued  chan bool
}

func (c *fakeCallbacks) Conn() net.Conn { return c.conn }
func (c *fakeCallbacks) Socket() socket.Peeker { return c.sock }
func (c *fakeCallbacks) Dispatcher() *event.Dispatcher { return c.dispatcher }
func (c *fakeCallbacks) Metadata() *filter.Metadata { return &c.metadata }
func (c *fakeCallbacks) ContinueFilterChain(success bool) { c.continued <- success }

type harness struct {
	t          *testing.T
	dispatcher *event.Dispatcher
	stats      *inspector.Stats
	config     *inspector.Config
	client     net.Conn
	cb         *fakeCallbacks
	filter     *Filter
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	d := event.NewDispatcher(testLogger, inspector.MaxInspectSize)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-d.Done()
	})

	stats, err := inspector.NewStats(prometheus.NewRegistry(), "test")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	config, err := inspector.NewConfig(stats, 0)
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	client, server := tcpPair(t)
	sock, err := socket.New(server.(syscall.Conn))
	if err != nil {
		t.Fatalf("socket: %v", err)
	}

	return &harness{
		t:          t,
		dispatcher: d,
		stats:      stats,
		config:     config,
		client:     client,
		cb: &fakeCallbacks{
			conn:       server,
			sock:       sock,
			dispatcher: d,
			continued:  make(chan bool, 4),
		},
		filter: New(config, testLogger),
	}
}

func (h *harness) onLoop(fn func()) {
	h.t.Helper()

	ran := make(chan struct{})
	h.dispatcher.Post(func() { fn(); close(ran) })
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		h.t.Fatal("loop callback did not run")
	}
}

func (h *harness) accept() filter.Status {
	h.t.Helper()

	var status filter.Status
	h.onLoop(func() { status = h.filter.OnAccept(h.cb) })
	return status
}

func (h *harness) waitContinue() bool {
	h.t.Helper()

	select {
	case ok := <-h.cb.continued:
		return ok
	case <-time.After(5 * time.Second):
		h.t.Fatal("filter chain never continued")
		return false
	}
}

func (h *harness) write(s string) {
	h.t.Helper()
	if _, err := h.client.Write([]byte(s)); err != nil {
		h.t.Fatalf("write: %v", err)
	}
}

func (h *harness) protocols() []string {
	var got []string
	h.onLoop(func() { got = append(got, h.cb.metadata.ApplicationProtocols...) })
	return got
}

func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestDetectsHTTP11(t *testing.T) {
	h := newHarness(t)

	if got := h.accept(); got != filter.StopIteration {
		t.Fatalf("OnAccept = %v, want stop_iteration", got)
	}
	h.write("GET / HTTP/1.1\r\nHost: x\r\n\r\n")

	if !h.waitContinue() {
		t.Fatal("continued with failure")
	}
	if got := h.protocols(); len(got) != 1 || got[0] != "http/1.1" {
		t.Fatalf("application protocols = %v, want [http/1.1]", got)
	}

	snap := h.stats.Snapshot()
	if snap.HTTP11Found != 1 || snap.Total() != 1 {
		t.Fatalf("stats = %+v, want one http11_found", snap)
	}

	h.onLoop(func() {
		if n := h.dispatcher.Buffers().Idle(); n != 1 {
			t.Errorf("pool holds %d buffers, want 1", n)
		}
	})

	// The request is still unread on the server side.
	got := make([]byte, 14)
	if _, err := io.ReadFull(h.cb.conn, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "GET / HTTP/1.1" {
		t.Fatalf("downstream read %q", got)
	}
}

func TestDetectsFragmentedPreface(t *testing.T) {
	h := newHarness(t)
	h.accept()

	preface := "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"
	for i := 0; i < len(preface); i++ {
		h.write(preface[i : i+1])
		time.Sleep(time.Millisecond)
	}

	h.waitContinue()
	if got := h.protocols(); len(got) != 1 || got[0] != "h2c" {
		t.Fatalf("application protocols = %v, want [h2c]", got)
	}
	if snap := h.stats.Snapshot(); snap.HTTP2Found != 1 || snap.Total() != 1 {
		t.Fatalf("stats = %+v, want one http2_found", snap)
	}
}

func TestDetectsHTTP10(t *testing.T) {
	h := newHarness(t)
	h.accept()
	h.write("GET / HTTP/1.0\r\n\r\n")

	h.waitContinue()
	if got := h.protocols(); len(got) != 1 || got[0] != "http/1.0" {
		t.Fatalf("application protocols = %v, want [http/1.0]", got)
	}
}

func TestPeerClosedWithoutData(t *testing.T) {
	h := newHarness(t)
	h.accept()
	h.client.Close()

	if !h.waitContinue() {
		t.Fatal("continued with failure")
	}
	if got := h.protocols(); len(got) != 0 {
		t.Fatalf("application protocols = %v, want none", got)
	}

	snap := h.stats.Snapshot()
	if snap.HTTPNotFound != 1 || snap.ReadError != 0 || snap.Total() != 1 {
		t.Fatalf("stats = %+v, want one http_not_found", snap)
	}
}

func TestGarbageIsNotFound(t *testing.T) {
	h := newHarness(t)
	h.accept()
	h.write("\x16\x03\x01\x02\x00\x01\x00\x01\xfc\x03\x03")

	h.waitContinue()
	if snap := h.stats.Snapshot(); snap.HTTPNotFound != 1 || snap.Total() != 1 {
		t.Fatalf("stats = %+v, want one http_not_found", snap)
	}
}

func TestReadErrorContinuesWithoutLabel(t *testing.T) {
	h := newHarness(t)
	h.cb.sock = socket.PeekerFunc(func(p []byte) (int, error) {
		return 0, syscall.ECONNRESET
	})
	h.accept()
	h.write("G")

	if !h.waitContinue() {
		t.Fatal("read error must not reject the connection")
	}
	if got := h.protocols(); len(got) != 0 {
		t.Fatalf("application protocols = %v, want none", got)
	}

	snap := h.stats.Snapshot()
	if snap.ReadError != 1 || snap.Total() != 1 {
		t.Fatalf("stats = %+v, want one read_error", snap)
	}
}

func TestSkipsKnownTransport(t *testing.T) {
	h := newHarness(t)
	h.cb.metadata.TransportProtocol = "tls"

	if got := h.accept(); got != filter.Continue {
		t.Fatalf("OnAccept = %v, want continue", got)
	}
	if snap := h.stats.Snapshot(); snap.Total() != 0 {
		t.Fatalf("stats = %+v, want nothing counted", snap)
	}

	h.cb.metadata.TransportProtocol = filter.RawBuffer
	h.filter = New(h.config, testLogger)
	if got := h.accept(); got != filter.StopIteration {
		t.Fatalf("raw_buffer: OnAccept = %v, want stop_iteration", got)
	}
	h.onLoop(h.filter.Close)
}

func TestRegistrationFailureRejects(t *testing.T) {
	h := newHarness(t)

	pipeA, pipeB := net.Pipe()
	defer pipeA.Close()
	defer pipeB.Close()
	h.cb.conn = pipeA

	if got := h.accept(); got != filter.Reject {
		t.Fatalf("OnAccept = %v, want reject", got)
	}
	if snap := h.stats.Snapshot(); snap.ReadError != 1 || snap.Total() != 1 {
		t.Fatalf("stats = %+v, want one read_error", snap)
	}
	h.onLoop(func() {
		if n := h.dispatcher.Buffers().Idle(); n != 1 {
			t.Errorf("pool holds %d buffers, want 1", n)
		}
	})
}

func TestCloseCancelsWithoutCounting(t *testing.T) {
	h := newHarness(t)
	h.accept()
	h.write("GET / HT")
	time.Sleep(20 * time.Millisecond)

	h.onLoop(func() {
		h.filter.Close()
		h.filter.Close()
	})

	h.write("TP/1.1\r\n\r\n")
	time.Sleep(50 * time.Millisecond)
	h.onLoop(func() {})

	select {
	case <-h.cb.continued:
		t.Fatal("canceled inspection continued the chain")
	default:
	}
	if snap := h.stats.Snapshot(); snap.Total() != 0 {
		t.Fatalf("stats = %+v, want nothing counted", snap)
	}
	h.onLoop(func() {
		if n := h.dispatcher.Buffers().Idle(); n != 1 {
			t.Errorf("pool holds %d buffers, want 1", n)
		}
	})
}

func TestCloseAfterDoneIsNoop(t *testing.T) {
	h := newHarness(t)
	h.accept()
	h.write("GET / HTTP/1.1\r\n")
	h.waitContinue()

	h.onLoop(h.filter.Close)
	h.onLoop(func() {
		if n := h.dispatcher.Buffers().Idle(); n != 1 {
			t.Errorf("pool holds %d buffers, want 1", n)
		}
	})
	if snap := h.stats.Snapshot(); snap.Total() != 1 {
		t.Fatalf("stats = %+v, want one counter", snap)
	}
}

func TestSmallerInspectWindow(t *testing.T) {
	h := newHarness(t)
	config, err := inspector.NewConfig(h.stats, 16)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	h.filter = New(config, testLogger)
	h.accept()
	h.write("GET /0123456789abcdef HTTP/1.1\r\n")

	h.waitContinue()
	if snap := h.stats.Snapshot(); snap.HTTPNotFound != 1 {
		t.Fatalf("stats = %+v, want http_not_found", snap)
	}
	if got := h.protocols(); len(got) != 0 {
		t.Fatalf("application protocols = %v, want none", got)
	}
}
