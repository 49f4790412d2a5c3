//go:build linux

package channel

import (
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/supermanc88/virtio-serial-rpc/internal/obslog"
)

var deviceLog = obslog.With("channel.guest")

// virtioDevice implements deadlineConn over a virtio-serial character
// device opened O_NONBLOCK, polling for readability/writability with
// golang.org/x/sys/unix.Poll since character devices have no deadline
// primitive of their own.
type virtioDevice struct {
	mu   sync.Mutex
	fd   int
	path string

	readDeadline  time.Time
	writeDeadline time.Time
}

// OpenGuest opens the virtio-serial character device at path. Opening
// succeeds even with no host connected yet; reads simply block (up to
// the caller's deadline) until the host writes.
func OpenGuest(path string) (Endpoint, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("device not found: %s: %w", path, err)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", path, err)
	}
	deviceLog.Infof("opened device %s", path)
	return New(&virtioDevice{fd: fd, path: path}), nil
}

func (d *virtioDevice) SetReadDeadline(t time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readDeadline = t
	return nil
}

func (d *virtioDevice) SetWriteDeadline(t time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeDeadline = t
	return nil
}

func (d *virtioDevice) pollTimeoutMs(deadline time.Time) int {
	if deadline.IsZero() {
		return -1 // block indefinitely, matching net.Conn's zero-deadline semantics
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0
	}
	return int(remaining / time.Millisecond)
}

func (d *virtioDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	deadline := d.readDeadline
	fd := d.fd
	d.mu.Unlock()

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, d.pollTimeoutMs(deadline))
	if err != nil {
		if err == unix.EINTR {
			return 0, &timeoutError{}
		}
		return 0, err
	}
	if n == 0 {
		return 0, &timeoutError{}
	}

	nread, err := unix.Read(fd, p)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, &timeoutError{}
		}
		return 0, err
	}
	return nread, nil
}

func (d *virtioDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	deadline := d.writeDeadline
	fd := d.fd
	d.mu.Unlock()

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(pfd, d.pollTimeoutMs(deadline))
	if err != nil {
		if err == unix.EINTR {
			return 0, &timeoutError{}
		}
		return 0, err
	}
	if n == 0 {
		return 0, &timeoutError{}
	}

	nwritten, err := unix.Write(fd, p)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, &timeoutError{}
		}
		return 0, err
	}
	return nwritten, nil
}

func (d *virtioDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	deviceLog.Infof("closed device %s", d.path)
	return unix.Close(d.fd)
}

type timeoutError struct{}

func (*timeoutError) Error() string   { return "device i/o timeout" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }
