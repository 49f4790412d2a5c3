package hostclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoolGet_ReusesClientPerSocketPath(t *testing.T) {
	p := NewPool(0)
	defer p.Close()

	calls := 0
	newFn := func(cfg Config) *Client {
		calls++
		return New(cfg)
	}

	c1 := p.Get(Config{SocketPath: "/tmp/a.sock"}, newFn)
	c2 := p.Get(Config{SocketPath: "/tmp/a.sock"}, newFn)
	c3 := p.Get(Config{SocketPath: "/tmp/b.sock"}, newFn)

	assert.Same(t, c1, c2)
	assert.NotSame(t, c1, c3)
	assert.Equal(t, 2, calls)
}

func TestPoolReapIdle_DropsExpiredClients(t *testing.T) {
	p := NewPool(20 * time.Millisecond)
	defer p.Close()

	p.Get(Config{SocketPath: "/tmp/a.sock"}, New)

	time.Sleep(80 * time.Millisecond)

	p.mu.Lock()
	_, stillPresent := p.clients["/tmp/a.sock"]
	p.mu.Unlock()

	assert.False(t, stillPresent)
}

func TestPoolClose_Idempotent(t *testing.T) {
	p := NewPool(0)
	p.Get(Config{SocketPath: "/tmp/a.sock"}, New)

	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
}
