package channel

import (
	"context"
	"errors"
	"net"
	"time"
)

// DialHost opens the host-side UNIX domain stream socket at path.
// Connecting to an unopened (or absent) socket fails immediately with
// ErrConnectionRefused rather than blocking.
func DialHost(ctx context.Context, path string) (Endpoint, error) {
	deadline := time.Now().Add(5 * time.Second)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}

	var d net.Dialer
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, err := d.DialContext(dialCtx, "unix", path)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return nil, ErrConnectionRefused
		}
		return nil, ErrConnectionRefused
	}
	return New(conn.(*net.UnixConn)), nil
}
