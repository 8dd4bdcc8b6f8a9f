package inspector

import (
	"errors"
	"io"

	"httpsniff/socket"
)

// MaxInspectSize bounds the bytes looked at per connection.
const MaxInspectSize = 8192

var (
	ErrBufferFull  = errors.New("inspector: detection buffer is full")
	ErrQueueShrunk = errors.New("inspector: receive queue shrank under a peek")
	ErrInvalidSize = errors.New("inspector: max inspect size must be between 1 and 8192")
	ErrBufferInUse = errors.New("inspector: buffer returned to the pool twice")
)

type Status int

const (
	StatusOK Status = iota
	StatusWouldBlock
	StatusClosed
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWouldBlock:
		return "would_block"
	case StatusClosed:
		return "closed"
	default:
		return "error"
	}
}

// Buffer accumulates peeked bytes. Bytes [0, Len()) are never shifted or
// dropped until Reset.
type Buffer struct {
	buf    []byte
	filled int
	pooled bool
}

func NewBuffer(size int) *Buffer {
	return &Buffer{buf: make([]byte, size)}
}

// Fill performs one non-destructive peek. The peeker reports the receive
// queue from its head, so the result must extend what is already buffered;
// only the extension counts as read.
func (b *Buffer) Fill(sock socket.Peeker) (int, Status, error) {
	if b.Full() {
		return 0, StatusError, ErrBufferFull
	}

	n, err := sock.Peek(b.buf)
	if n <= 0 {
		switch {
		case errors.Is(err, socket.ErrWouldBlock):
			return 0, StatusWouldBlock, nil
		case err == nil:
			// Nothing pending and no error: treat as a spurious wakeup.
			return 0, StatusWouldBlock, nil
		case errors.Is(err, io.EOF):
			return 0, StatusClosed, nil
		default:
			return 0, StatusError, err
		}
	}

	if n > len(b.buf) {
		n = len(b.buf)
	}

	switch {
	case n < b.filled:
		return 0, StatusError, ErrQueueShrunk
	case n == b.filled:
		return 0, StatusWouldBlock, nil
	}

	read := n - b.filled
	b.filled = n
	return read, StatusOK, nil
}

// Append copies as much of p as fits and returns the number of bytes taken.
func (b *Buffer) Append(p []byte) int {
	n := copy(b.buf[b.filled:], p)
	b.filled += n
	return n
}

func (b *Buffer) Reset() {
	b.filled = 0
}

func (b *Buffer) Bytes() []byte {
	return b.buf[:b.filled]
}

func (b *Buffer) Len() int {
	return b.filled
}

func (b *Buffer) Cap() int {
	return len(b.buf)
}

func (b *Buffer) Full() bool {
	return b.filled == len(b.buf)
}

// BufferPool is a free list owned by one event loop. It is not safe for
// concurrent use; each dispatcher keeps its own.
type BufferPool struct {
	size int
	free []*Buffer
}

func NewBufferPool(size int) *BufferPool {
	if size <= 0 || size > MaxInspectSize {
		size = MaxInspectSize
	}
	return &BufferPool{size: size}
}

// Get returns an empty buffer.
func (p *BufferPool) Get() *Buffer {
	var b *Buffer
	if n := len(p.free); n > 0 {
		b = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	} else {
		b = NewBuffer(p.size)
	}

	b.pooled = false
	b.Reset()
	return b
}

func (p *BufferPool) Put(b *Buffer) error {
	if b == nil {
		return nil
	}
	if b.pooled {
		return ErrBufferInUse
	}
	if b.Cap() != p.size {
		return nil
	}

	b.pooled = true
	b.Reset()
	p.free = append(p.free, b)
	return nil
}

func (p *BufferPool) Size() int {
	return p.size
}

// Idle reports how many buffers wait in the free list.
func (p *BufferPool) Idle() int {
	return len(p.free)
}
