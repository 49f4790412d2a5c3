// Package channel implements the owning wrapper over a single
// bidirectional byte stream, in its two concrete forms — a UNIX domain
// stream socket on the host, and a virtio-serial character device on
// the guest. Both share the same framing primitives and the same
// two-kind failure classification: a connection-lost error for any I/O
// error that invalidates the handle, and an I/O timeout for a deadline
// that expired while the handle stays usable.
//
// The host side uses Go's deadline-based net.Conn idiom directly; the
// guest side polls with golang.org/x/sys/unix since character devices
// don't implement net.Conn.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Transport-level sentinel errors: things the channel endpoint raises
// that never carry an envelope because no envelope was ever formed.
// These live here (rather than in package protocol, which depends on
// channel.Endpoint) to avoid an import cycle; protocol re-exports them
// under the same names for callers that only import protocol.
var (
	ErrProtocolOversize  = fmt.Errorf("protocol oversize")
	ErrConnectionLost    = fmt.Errorf("connection lost")
	ErrIOTimeout         = fmt.Errorf("io timeout")
	ErrConnectionRefused = fmt.Errorf("connection refused")
)

// deadlineConn is the minimal surface both host (net.Conn) and guest
// (virtioDevice) handles must provide for bufferedEndpoint to frame
// messages over them uniformly.
type deadlineConn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Endpoint is the minimal framing surface a transport must provide: read
// exactly N bytes, read up to a delimiter, write atomically, close.
type Endpoint interface {
	// ReadAtLeast blocks until at least n bytes have been read or ctx's
	// deadline elapses, and returns exactly n of them; anything read past
	// n stays buffered for the next call.
	ReadAtLeast(ctx context.Context, n int) ([]byte, error)
	// ReadUntil searches for delim within maxBytes, returning everything
	// up to and including delim. Exceeding maxBytes without a match fails
	// with ErrProtocolOversize.
	ReadUntil(ctx context.Context, delim []byte, maxBytes int) ([]byte, error)
	// WriteAll writes data in full or fails; never a partial write from
	// the caller's point of view.
	WriteAll(ctx context.Context, data []byte) error
	Close() error
}

// bufferedEndpoint implements Endpoint over any deadlineConn, keeping a
// carry-over buffer so that ReadUntil's delimiter search and the
// following ReadAtLeast body read share one byte stream without losing
// whatever was read past the delimiter in a single underlying Read call.
type bufferedEndpoint struct {
	mu      sync.Mutex
	conn    deadlineConn
	pending []byte // bytes read from conn but not yet consumed by a caller
	closed  bool
}

// New wraps conn as an Endpoint.
func New(conn deadlineConn) Endpoint {
	return &bufferedEndpoint{conn: conn}
}

func (e *bufferedEndpoint) ReadAtLeast(ctx context.Context, n int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.pending) < n {
		if err := e.fill(ctx); err != nil {
			return nil, err
		}
	}
	out := e.pending[:n]
	e.pending = e.pending[n:]
	return out, nil
}

func (e *bufferedEndpoint) ReadUntil(ctx context.Context, delim []byte, maxBytes int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		if idx := indexOf(e.pending, delim); idx >= 0 {
			end := idx + len(delim)
			if end > maxBytes {
				return nil, ErrProtocolOversize
			}
			out := e.pending[:end]
			e.pending = e.pending[end:]
			return out, nil
		}
		if len(e.pending) > maxBytes {
			return nil, ErrProtocolOversize
		}
		if err := e.fill(ctx); err != nil {
			return nil, err
		}
	}
}

// fill performs one underlying Read, respecting ctx's deadline, and
// appends whatever arrived to the pending buffer. Any error other than a
// deadline collapses to ErrConnectionLost and closes the handle.
func (e *bufferedEndpoint) fill(ctx context.Context) error {
	if e.closed {
		return ErrConnectionLost
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = e.conn.SetReadDeadline(dl)
	} else {
		_ = e.conn.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, 64*1024)
	n, err := e.conn.Read(buf)
	if n > 0 {
		e.pending = append(e.pending, buf[:n]...)
	}
	if err != nil {
		if isTimeout(err) {
			return ErrIOTimeout
		}
		e.closed = true
		_ = e.conn.Close()
		if errors.Is(err, io.EOF) {
			return ErrConnectionLost
		}
		return ErrConnectionLost
	}
	if n == 0 {
		return ErrIOTimeout
	}
	return nil
}

func (e *bufferedEndpoint) WriteAll(ctx context.Context, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrConnectionLost
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = e.conn.SetWriteDeadline(dl)
	} else {
		_ = e.conn.SetWriteDeadline(time.Time{})
	}

	total := 0
	for total < len(data) {
		n, err := e.conn.Write(data[total:])
		total += n
		if err != nil {
			if isTimeout(err) {
				return ErrIOTimeout
			}
			e.closed = true
			_ = e.conn.Close()
			return ErrConnectionLost
		}
	}
	return nil
}

func (e *bufferedEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.conn.Close()
}

func indexOf(haystack, needle []byte) int {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return -1
	}
	for i := 0; i <= len(haystack)-len(needle); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

type timeouter interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	var t timeouter
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
