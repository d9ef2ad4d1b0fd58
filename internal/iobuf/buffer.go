// Package iobuf provides the append-only, drain-from-front byte buffer the
// tRPC codec reads from. It plays the role of the host proxy runtime's buffer
// abstraction (peek/drain/move, never copy between owners).
package iobuf

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"
)

// Buffer is an append-only byte queue. Bytes are appended at the back with
// Write and consumed from the front with Peek/Drain/Move. It is not safe for
// concurrent use; callers own one Buffer per connection direction.
type Buffer struct {
	data []byte
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Len reports the number of unconsumed bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Write appends p to the back of the buffer. p is copied.
func (b *Buffer) Write(p []byte) {
	b.data = append(b.data, p...)
}

// Peek returns the first n bytes without draining them. It panics if
// n > Len(), since callers must check Len() first (the codec always does).
func (b *Buffer) Peek(n int) []byte {
	if n > len(b.data) {
		panic("iobuf: peek past end of buffer")
	}
	return b.data[:n]
}

// Drain removes the first n bytes without returning them.
func (b *Buffer) Drain(n int) {
	if n > len(b.data) {
		panic("iobuf: drain past end of buffer")
	}
	b.data = b.data[n:]
}

// Move drains the first n bytes and returns them without copying: the
// returned slice shares b's backing array but is capped at n, so later
// Writes to b never overwrite it. The frame bytes are moved once out of the
// connection buffer and owned by whoever requested them.
func (b *Buffer) Move(n int) []byte {
	out := b.data[:n:n]
	b.Drain(n)
	return out
}

// ReadInto performs one blocking read from r into the buffer, racing it
// against ctx cancellation so a downstream/upstream close unblocks promptly
// instead of leaking the read goroutine.
func ReadInto(ctx context.Context, r io.Reader, b *Buffer) (int, error) {
	var g errgroup.Group
	var n int
	var readErr error
	chunk := make([]byte, 32*1024)

	g.Go(func() error {
		n, readErr = r.Read(chunk)
		return nil
	})

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-done:
		if n > 0 {
			b.Write(chunk[:n])
		}
		return n, readErr
	}
}
