// Package guestserver runs the guest-side request loop: it owns the
// virtio-serial device, decodes one HTTP/JSON request at a time,
// dispatches it through a Router, and writes back the encoded response.
package guestserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/supermanc88/virtio-serial-rpc/internal/channel"
	"github.com/supermanc88/virtio-serial-rpc/internal/guestserver/reqctx"
	"github.com/supermanc88/virtio-serial-rpc/internal/obslog"
	"github.com/supermanc88/virtio-serial-rpc/internal/protocol"
)

var log = obslog.With("guestserver")

// State is the lifecycle stage of the server's connection to the host.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateReconnecting
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	minReconnectBackoff = 1 * time.Second
	maxReconnectBackoff = 30 * time.Second

	// maxHandlerSeconds is the hard ceiling on a request's deadline
	// regardless of what the caller asks for or what the route defaults
	// to — no handler runs longer than this.
	maxHandlerSeconds = 120 * time.Second
)

// Opener produces a fresh Endpoint over the guest device. It is called
// once at startup and again every time the connection is lost, so it
// must be safe to call repeatedly.
type Opener func() (channel.Endpoint, error)

// Server is the guest-side RPC server: one persistent device connection,
// served one request at a time.
type Server struct {
	open   Opener
	router *Router

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxBodyBytes   int

	// AuthVerifier, when set, is consulted for every route registered
	// with RouteOptions.AuthRequired: a false return rejects the request
	// with PermissionDenied before the handler runs. Left nil by
	// default, matching spec.md's treatment of authentication as a
	// pluggable policy hook whose cryptographic construction (e.g. an
	// HMAC token scheme) this package doesn't specify.
	AuthVerifier func(*protocol.Request) bool

	state  atomic.Int32
	stopCh chan struct{}
}

// New builds a Server that opens its device connection via open and
// dispatches through router.
func New(open Opener, router *Router) *Server {
	return &Server{
		open:           open,
		router:         router,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Second,
		RequestTimeout: 30 * time.Second,
		MaxBodyBytes:   protocol.DefaultMaxBodyBytes,
		stopCh:         make(chan struct{}),
	}
}

// State reports the server's current lifecycle stage.
func (s *Server) State() State {
	return State(s.state.Load())
}

func (s *Server) setState(v State) {
	s.state.Store(int32(v))
	log.Infof("state -> %s", v)
}

// Stop requests a graceful shutdown; Run returns once the in-flight
// request (if any) completes.
func (s *Server) Stop() {
	s.setState(StateStopping)
	close(s.stopCh)
}

// Run drives the server until ctx is cancelled or Stop is called. It
// owns the reconnect loop: a lost connection moves the server into
// StateReconnecting and retries with exponential backoff instead of
// returning an error to the caller.
func (s *Server) Run(ctx context.Context) error {
	s.router.start()
	s.setState(StateInitializing)

	backoff := minReconnectBackoff
	for {
		select {
		case <-ctx.Done():
			s.setState(StateStopped)
			return ctx.Err()
		case <-s.stopCh:
			s.setState(StateStopped)
			return nil
		default:
		}

		ep, err := s.open()
		if err != nil {
			log.Errorf("open device: %v", err)
			if !s.sleepBackoff(ctx, &backoff) {
				s.setState(StateStopped)
				return ctx.Err()
			}
			continue
		}

		backoff = minReconnectBackoff
		s.setState(StateRunning)
		err = s.serve(ctx, ep)
		_ = ep.Close()

		select {
		case <-ctx.Done():
			s.setState(StateStopped)
			return ctx.Err()
		case <-s.stopCh:
			s.setState(StateStopped)
			return nil
		default:
		}

		log.Errorf("connection ended: %v", err)
		s.setState(StateReconnecting)
		if !s.sleepBackoff(ctx, &backoff) {
			s.setState(StateStopped)
			return ctx.Err()
		}
	}
}

// sleepBackoff waits the current backoff duration, doubling it
// (capped at maxReconnectBackoff) for next time. Returns false if ctx
// was cancelled or Stop was called during the wait.
func (s *Server) sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	timer := time.NewTimer(*backoff)
	defer timer.Stop()

	*backoff *= 2
	if *backoff > maxReconnectBackoff {
		*backoff = maxReconnectBackoff
	}

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	}
}

// serve handles requests off ep, one at a time, until the connection
// breaks or the server is asked to stop.
func (s *Server) serve(ctx context.Context, ep channel.Endpoint) error {
	for {
		select {
		case <-s.stopCh:
			return nil
		default:
		}

		headCtx, cancel := context.WithTimeout(ctx, s.ReadTimeout)
		method, path, headers, err := protocol.ParseRequestHead(headCtx, ep)
		cancel()
		if err != nil {
			return err
		}

		// The route is known from method+path alone, before the body is
		// read, so an oversized body for a tightly-capped route is
		// rejected without ever allocating it.
		maxBodyBytes := s.MaxBodyBytes
		if entry, ok := s.router.lookupEntry(method, path); ok {
			maxBodyBytes = entry.maxBodyBytes
		}

		bodyCtx, cancel := context.WithTimeout(ctx, s.ReadTimeout)
		body, err := protocol.ReadBody(bodyCtx, ep, headers, maxBodyBytes)
		cancel()
		if err != nil {
			return err
		}

		req := &protocol.Request{Method: method, Path: path, Headers: headers, Body: body}
		resp := s.handleOne(ctx, req)

		encoded := protocol.EncodeResponse(resp)
		writeCtx, cancel := context.WithTimeout(ctx, s.WriteTimeout)
		err = ep.WriteAll(writeCtx, encoded)
		cancel()
		if err != nil {
			return err
		}
	}
}

// handleOne decodes, dispatches, and re-encodes a single request. It
// never returns an error directly — any failure, including a panic
// inside a handler, becomes an error envelope so the connection stays
// alive.
func (s *Server) handleOne(ctx context.Context, req *protocol.Request) *protocol.Response {
	started := time.Now()
	requestID := req.Headers["x-request-id"]
	if requestID == "" {
		requestID = protocol.NewRequestID()
	}

	if s.State() == StateStopping {
		respEnv := protocol.NewErrorEnvelope(protocol.NewError(protocol.ServiceUnavailable))
		body, _ := json.Marshal(respEnv)
		return &protocol.Response{
			StatusCode: 503,
			Headers:    protocol.Headers{"x-request-id": requestID},
			Body:       body,
		}
	}

	env, decodeErr := s.decode(req)

	var respEnv *protocol.ResponseEnvelope
	statusCode := 200
	if decodeErr != nil {
		respEnv = protocol.NewErrorEnvelope(decodeErr)
		statusCode = 400
	} else {
		respEnv, statusCode = s.dispatch(ctx, req, env, requestID)
	}

	body, err := json.Marshal(respEnv)
	if err != nil {
		statusCode = 500
		body, _ = json.Marshal(protocol.NewErrorEnvelope(protocol.NewError(protocol.InternalError)))
	}

	return &protocol.Response{
		StatusCode: statusCode,
		Headers: protocol.Headers{
			"x-request-id":    requestID,
			"x-response-time": fmt.Sprintf("%dms", time.Since(started).Milliseconds()),
		},
		Body: body,
	}
}

func (s *Server) decode(req *protocol.Request) (*protocol.RequestEnvelope, *protocol.RPCError) {
	if req.Method != "GET" && req.Method != "POST" {
		return nil, protocol.NewError(protocol.InvalidParams)
	}
	return protocol.DecodeRequestBody(req.Body)
}

// dispatch recovers from handler panics, turning them into an internal
// error envelope with a stack trace logged — handlers never crash the
// serve loop. It also reports the wire-level HTTP status: endpoint
// lookup failures are real 404s and panics are real 500s even though
// both also carry a business error code in the envelope body, per the
// protocol-fault carve-out (ordinary handler-raised errors stay 200).
func (s *Server) dispatch(ctx context.Context, req *protocol.Request, env *protocol.RequestEnvelope, requestID string) (*protocol.ResponseEnvelope, int) {
	entry, ok := s.router.lookupEntry(req.Method, req.Path)
	if !ok {
		return protocol.NewErrorEnvelope(protocol.NewError(protocol.EndpointNotFound)), 404
	}

	if entry.authRequired && s.AuthVerifier != nil && !s.AuthVerifier(req) {
		return protocol.NewErrorEnvelope(protocol.Errorf(protocol.PermissionDenied, "authentication required")), 200
	}

	deadline := s.requestDeadline(env.Timeout, entry.defaultTimeout)
	reqCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	handler := entry.handler
	rc := &RequestContext{
		Ctx:       reqCtx,
		Request:   req,
		Envelope:  env,
		RequestID: requestID,
		Query:     parseQuery(req.Path),
	}

	var data any
	var rpcErr *protocol.RPCError
	panicked := false

	func() {
		defer func() {
			if r := recover(); r != nil {
				const size = 64 << 10
				buf := make([]byte, size)
				buf = buf[:runtime.Stack(buf, false)]
				log.Errorf("panic handling %s %s: %v\n%s", req.Method, req.Path, r, buf)
				rpcErr = protocol.Errorf(protocol.InternalError, "handler panic: %v", r)
				panicked = true
			}
		}()
		data, rpcErr = handler(rc)
	}()

	if rpcErr != nil {
		if panicked {
			return protocol.NewErrorEnvelope(rpcErr), 500
		}
		return protocol.NewErrorEnvelope(rpcErr), 200
	}
	return protocol.NewSuccess(data), 200
}

// requestDeadline computes deadline = min(requestTimeoutSeconds,
// entry.default_timeout, s.RequestTimeout, MAX_HANDLER_SECONDS). A
// requestTimeoutSeconds of 0 or less means the caller didn't supply one
// and it drops out of the min entirely — it never widens the deadline.
// s.RequestTimeout is the operator-configured server-wide ceiling
// (GuestConfig.RequestTimeout); a route's own default_timeout can only
// tighten it further, never loosen it past maxHandlerSeconds.
func (s *Server) requestDeadline(requestTimeoutSeconds int, entryDefault time.Duration) time.Duration {
	deadline := maxHandlerSeconds
	if entryDefault > 0 && entryDefault < deadline {
		deadline = entryDefault
	}
	if s.RequestTimeout > 0 && s.RequestTimeout < deadline {
		deadline = s.RequestTimeout
	}
	if requestTimeoutSeconds > 0 {
		requested := time.Duration(requestTimeoutSeconds) * time.Second
		if requested < deadline {
			deadline = requested
		}
	}
	return deadline
}

// RequestContext is passed to every HandlerFunc. Defined in package
// reqctx; aliased here so existing callers can keep writing
// guestserver.RequestContext.
type RequestContext = reqctx.RequestContext

func parseQuery(path string) url.Values {
	idx := strings.IndexByte(path, '?')
	if idx < 0 {
		return url.Values{}
	}
	values, err := url.ParseQuery(path[idx+1:])
	if err != nil {
		return url.Values{}
	}
	return values
}
