//go:build !linux

package channel

import "fmt"

// OpenGuest is only implemented on Linux, the only OS that exposes
// virtio-serial character devices under /dev/virtio-ports/.
func OpenGuest(path string) (Endpoint, error) {
	return nil, fmt.Errorf("virtio-serial guest device not supported on this platform")
}
