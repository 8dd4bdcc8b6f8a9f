package inspector

import (
	"errors"
	"testing"

	"httpsniff/socket"
)

func TestBufferFill(t *testing.T) {
	b := NewBuffer(16)
	sock := &queueSocket{}

	if n, status, err := b.Fill(sock); n != 0 || status != StatusWouldBlock || err != nil {
		t.Fatalf("empty queue: %d %v %v", n, status, err)
	}

	sock.arrive("abc")
	if n, status, _ := b.Fill(sock); n != 3 || status != StatusOK {
		t.Fatalf("first fill: %d %v", n, status)
	}

	sock.arrive("defg")
	if n, status, _ := b.Fill(sock); n != 4 || status != StatusOK {
		t.Fatalf("second fill: %d %v", n, status)
	}
	if string(b.Bytes()) != "abcdefg" {
		t.Fatalf("bytes = %q", b.Bytes())
	}

	// Nothing new: same bytes peeked again.
	if n, status, _ := b.Fill(sock); n != 0 || status != StatusWouldBlock {
		t.Fatalf("no new data: %d %v", n, status)
	}

	sock.arrive("0123456789abcdef")
	if n, status, _ := b.Fill(sock); n != 9 || status != StatusOK || !b.Full() {
		t.Fatalf("fill to capacity: %d %v full=%v", n, status, b.Full())
	}

	if _, status, err := b.Fill(sock); status != StatusError || !errors.Is(err, ErrBufferFull) {
		t.Fatalf("fill when full: %v %v", status, err)
	}
}

func TestBufferFillClosedAndErrors(t *testing.T) {
	b := NewBuffer(16)
	if _, status, _ := b.Fill(&queueSocket{closed: true}); status != StatusClosed {
		t.Fatalf("closed: %v", status)
	}

	boom := errors.New("boom")
	if _, status, err := b.Fill(&queueSocket{err: boom}); status != StatusError || !errors.Is(err, boom) {
		t.Fatalf("error: %v %v", status, err)
	}

	sock := &queueSocket{}
	sock.arrive("abcdef")
	b.Fill(sock)

	// Someone consumed the queue behind the inspector's back.
	sock.queue = sock.queue[:2]
	if _, status, err := b.Fill(sock); status != StatusError || !errors.Is(err, ErrQueueShrunk) {
		t.Fatalf("shrunk queue: %v %v", status, err)
	}
}

func TestBufferFillNeverPeeksPastCapacity(t *testing.T) {
	b := NewBuffer(4)
	var asked int
	sock := socket.PeekerFunc(func(p []byte) (int, error) {
		asked = len(p)
		return copy(p, "0123456789"), nil
	})

	n, status, _ := b.Fill(sock)
	if asked != 4 || n != 4 || status != StatusOK {
		t.Fatalf("asked %d, read %d, status %v", asked, n, status)
	}
}

func TestBufferAppend(t *testing.T) {
	b := NewBuffer(8)
	if n := b.Append([]byte("hello")); n != 5 {
		t.Fatalf("append = %d", n)
	}
	if n := b.Append([]byte(", world")); n != 3 {
		t.Fatalf("append past capacity = %d, want 3", n)
	}
	if string(b.Bytes()) != "hello, w" || !b.Full() {
		t.Fatalf("bytes = %q full=%v", b.Bytes(), b.Full())
	}

	b.Reset()
	if b.Len() != 0 || b.Cap() != 8 {
		t.Fatalf("after reset len=%d cap=%d", b.Len(), b.Cap())
	}
}

func TestBufferPool(t *testing.T) {
	pool := NewBufferPool(0)
	if pool.Size() != MaxInspectSize {
		t.Fatalf("size = %d, want %d", pool.Size(), MaxInspectSize)
	}

	a := pool.Get()
	a.Append([]byte("secret"))
	if err := pool.Put(a); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := pool.Put(a); !errors.Is(err, ErrBufferInUse) {
		t.Fatalf("double Put: %v, want ErrBufferInUse", err)
	}
	if pool.Idle() != 1 {
		t.Fatalf("idle = %d, want 1", pool.Idle())
	}

	b := pool.Get()
	if b != a {
		t.Fatal("pool did not reuse the buffer")
	}
	if b.Len() != 0 {
		t.Fatalf("reused buffer holds %q", b.Bytes())
	}

	// Buffers of another size are dropped.
	if err := pool.Put(NewBuffer(10)); err != nil {
		t.Fatalf("Put foreign: %v", err)
	}
	if pool.Idle() != 0 {
		t.Fatalf("idle = %d, want 0", pool.Idle())
	}
}
