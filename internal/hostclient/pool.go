package hostclient

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pool holds one Client per socket path, so a single host process can
// talk to several guest VMs without redialing on every call. Unlike the
// teacher's ConnPool (which pooled raw connections behind one shared
// Transport for possible reuse across many logical requests), each entry
// here is a whole Client — the channel underneath it is single-flight by
// spec, so there is nothing to multiplex; the pool's only job is caching
// the dial.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client

	idleTimeout time.Duration
	lastUsed    map[string]time.Time

	stop   chan struct{}
	closed bool
}

// NewPool builds an empty pool. idleTimeout is how long an unused Client
// is kept connected before the reaper disconnects it; zero disables
// reaping.
func NewPool(idleTimeout time.Duration) *Pool {
	p := &Pool{
		clients:     make(map[string]*Client),
		lastUsed:    make(map[string]time.Time),
		idleTimeout: idleTimeout,
		stop:        make(chan struct{}),
	}
	if idleTimeout > 0 {
		go p.reapLoop()
	}
	return p
}

// Get returns the pool's Client for cfg.SocketPath, creating one on first
// use via newFn.
func (p *Pool) Get(cfg Config, newFn func(Config) *Client) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.clients[cfg.SocketPath]
	if !ok {
		c = newFn(cfg)
		p.clients[cfg.SocketPath] = c
	}
	p.lastUsed[cfg.SocketPath] = time.Now()
	return c
}

// Close disconnects every pooled client and stops the reaper.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.stop)

	g := new(errgroup.Group)
	for _, c := range p.clients {
		c := c
		g.Go(func() error { return c.Disconnect() })
	}
	return g.Wait()
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-p.idleTimeout)
	for key, last := range p.lastUsed {
		if last.Before(cutoff) {
			if c, ok := p.clients[key]; ok {
				_ = c.Disconnect()
			}
			delete(p.clients, key)
			delete(p.lastUsed, key)
		}
	}
}
