// Package hostclient implements Component E: the host-side synchronous
// RPC client. One Client owns at most one channel to one guest — the
// channel is single-flight, so the pool in pool.go exists to let a
// process talk to several guests concurrently, not to multiplex one.
package hostclient

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/supermanc88/virtio-serial-rpc/internal/channel"
	"github.com/supermanc88/virtio-serial-rpc/internal/obslog"
	"github.com/supermanc88/virtio-serial-rpc/internal/protocol"
)

var log = obslog.With("hostclient")

// Config configures a Client's connection and retry behavior. Zero values
// take the defaults filled in by New.
type Config struct {
	SocketPath     string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRetries     int
	RetryInterval  time.Duration
	BackoffFactor  float64

	// AutoReconnect controls what happens after an explicit Disconnect:
	// true redials lazily on the next Request, false makes every
	// subsequent Request fail with protocol.ErrNotConnected until Connect
	// is called again. It has no effect on the very first connect, nor on
	// reconnecting after a transport failure mid-request — only on a
	// deliberate Disconnect call.
	AutoReconnect bool
}

func (c *Config) setDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 1 * time.Second
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2.0
	}
}

// Client is a synchronous, single-connection RPC client. Each request
// attempt (doOnce) holds an internal mutex so concurrent callers never interleave writes on the
// shared channel — the transport is half-duplex-per-direction and a
// second in-flight request would corrupt framing.
type Client struct {
	cfg Config

	mu               sync.Mutex
	ep               channel.Endpoint
	connectd         bool
	manualDisconnect bool // set by Disconnect; cleared on the next successful connect
}

// New builds a Client against cfg. It does not dial; call Connect or
// just issue a request (which dials lazily) to establish the channel.
func New(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{cfg: cfg}
}

// Connect opens the underlying UNIX domain socket. Idempotent: calling it
// while already connected returns nil without redialing.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.connectd {
		return nil
	}
	if c.manualDisconnect && !c.cfg.AutoReconnect {
		return protocol.ErrNotConnected
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	ep, err := channel.DialHost(dialCtx, c.cfg.SocketPath)
	if err != nil {
		return err
	}
	c.ep = ep
	c.connectd = true
	c.manualDisconnect = false
	return nil
}

// Disconnect closes the underlying channel. A subsequent Request
// reconnects automatically if AutoReconnect is set, else fails with
// protocol.ErrNotConnected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.disconnectLocked()
	c.manualDisconnect = true
	return err
}

func (c *Client) disconnectLocked() error {
	if !c.connectd {
		return nil
	}
	err := c.ep.Close()
	c.ep = nil
	c.connectd = false
	return err
}

// Request issues one RPC call and applies the retry policy: transport
// failures (connection lost, I/O timeout) retry with exponential backoff
// up to MaxRetries; envelope business errors (non-zero code) and
// protocol.ErrProtocolMalformed are returned immediately, never retried.
func (c *Client) Request(ctx context.Context, method, path string, params any, timeoutSeconds int) (*protocol.ResponseEnvelope, error) {
	body, err := encodeParams(params, timeoutSeconds)
	if err != nil {
		return nil, err
	}

	interval := c.cfg.RetryInterval
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warnf("retrying %s %s (attempt %d/%d) after: %v", method, path, attempt, c.cfg.MaxRetries, lastErr)
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			interval = time.Duration(float64(interval) * c.cfg.BackoffFactor)
		}

		env, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			return env, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte) (*protocol.ResponseEnvelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	requestID := protocol.NewRequestID()
	req := &protocol.Request{
		Method: method,
		Path:   path,
		Headers: protocol.Headers{
			"x-request-id": requestID,
			"x-timestamp":  strconv.FormatInt(time.Now().Unix(), 10),
		},
		Body: body,
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	err := c.ep.WriteAll(writeCtx, protocol.EncodeRequest(req))
	cancel()
	if err != nil {
		c.disconnectLocked()
		return nil, err
	}

	readCtx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	resp, err := protocol.ParseResponse(readCtx, c.ep, protocol.DefaultMaxBodyBytes)
	cancel()
	if err != nil {
		c.disconnectLocked()
		return nil, err
	}

	if got, _ := resp.Headers.Get("X-Request-ID"); got != "" && got != requestID {
		// Stale bytes from an abandoned prior request: resynchronize by
		// dropping the connection rather than trusting a mismatched reply.
		c.disconnectLocked()
		return nil, protocol.ErrConnectionLost
	}

	var env protocol.ResponseEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, protocol.Errorf(protocol.JSONParseError, "failed to parse response: %v", err)
	}
	return &env, nil
}

func isRetryable(err error) bool {
	switch err {
	case protocol.ErrConnectionLost, protocol.ErrIOTimeout, protocol.ErrConnectionRefused:
		return true
	default:
		return false
	}
}

func encodeParams(params any, timeoutSeconds int) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, protocol.Errorf(protocol.InvalidParams, "failed to encode params: %v", err)
	}
	env := protocol.RequestEnvelope{
		VersionField: protocol.Version,
		Params:       raw,
		Timeout:      timeoutSeconds,
	}
	return json.Marshal(env)
}

