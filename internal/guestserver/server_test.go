package guestserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supermanc88/virtio-serial-rpc/internal/protocol"
)

func makeRequest(t *testing.T, method, path string, params any) *protocol.Request {
	t.Helper()
	return makeRequestWithTimeout(t, method, path, params, 0)
}

func makeRequestWithTimeout(t *testing.T, method, path string, params any, timeoutSeconds int) *protocol.Request {
	t.Helper()
	paramsBody, err := json.Marshal(params)
	require.NoError(t, err)
	env := protocol.RequestEnvelope{Params: paramsBody, Timeout: timeoutSeconds}
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return &protocol.Request{Method: method, Path: path, Headers: protocol.Headers{}, Body: body}
}

func decodeEnvelope(t *testing.T, resp *protocol.Response) *protocol.ResponseEnvelope {
	t.Helper()
	var env protocol.ResponseEnvelope
	require.NoError(t, json.Unmarshal(resp.Body, &env))
	return &env
}

func TestHandleOne_UnknownRouteIs404(t *testing.T) {
	r := NewRouter()
	s := New(nil, r)

	resp := s.handleOne(context.Background(), makeRequest(t, "GET", "/nope", struct{}{}))
	assert.Equal(t, 404, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	assert.Equal(t, protocol.EndpointNotFound, env.Code)
}

func TestHandleOne_MalformedBodyIs400(t *testing.T) {
	r := NewRouter()
	s := New(nil, r)

	req := &protocol.Request{Method: "POST", Path: "/x", Headers: protocol.Headers{}, Body: []byte("not json")}
	resp := s.handleOne(context.Background(), req)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestHandleOne_HandlerErrorStays200(t *testing.T) {
	r := NewRouter()
	r.Handle("GET", "/business-error", func(_ *RequestContext) (any, *protocol.RPCError) {
		return nil, protocol.Errorf(protocol.InvalidParams, "bad input")
	})
	s := New(nil, r)

	resp := s.handleOne(context.Background(), makeRequest(t, "GET", "/business-error", struct{}{}))
	assert.Equal(t, 200, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	assert.Equal(t, protocol.InvalidParams, env.Code)
}

func TestHandleOne_PanicRecoveredAs500(t *testing.T) {
	r := NewRouter()
	r.Handle("GET", "/panics", func(_ *RequestContext) (any, *protocol.RPCError) {
		panic("boom")
	})
	s := New(nil, r)

	resp := s.handleOne(context.Background(), makeRequest(t, "GET", "/panics", struct{}{}))
	assert.Equal(t, 500, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	assert.Equal(t, protocol.InternalError, env.Code)
}

func TestHandleOne_SuccessIs200(t *testing.T) {
	r := NewRouter()
	r.Handle("GET", "/ok", func(_ *RequestContext) (any, *protocol.RPCError) {
		return map[string]string{"status": "ok"}, nil
	})
	s := New(nil, r)

	resp := s.handleOne(context.Background(), makeRequest(t, "GET", "/ok", struct{}{}))
	assert.Equal(t, 200, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	assert.Equal(t, protocol.Success, env.Code)
}

func TestHandleOne_StoppingStateIs503(t *testing.T) {
	r := NewRouter()
	r.Handle("GET", "/ok", func(_ *RequestContext) (any, *protocol.RPCError) {
		return "should not run", nil
	})
	s := New(nil, r)
	s.setState(StateStopping)

	resp := s.handleOne(context.Background(), makeRequest(t, "GET", "/ok", struct{}{}))
	assert.Equal(t, 503, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	assert.Equal(t, protocol.ServiceUnavailable, env.Code)
}

func TestHandleOne_UnsupportedMethodIs400(t *testing.T) {
	r := NewRouter()
	s := New(nil, r)

	req := makeRequest(t, "DELETE", "/whatever", struct{}{})
	resp := s.handleOne(context.Background(), req)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestRequestDeadline_NoInputsFallsBackToMaxHandlerSeconds(t *testing.T) {
	s := New(nil, NewRouter())
	s.RequestTimeout = 0
	deadline := s.requestDeadline(0, 0)
	assert.Equal(t, maxHandlerSeconds, deadline)
}

func TestRequestDeadline_RouteDefaultTightensBelowMaxHandlerSeconds(t *testing.T) {
	s := New(nil, NewRouter())
	s.RequestTimeout = 0
	deadline := s.requestDeadline(0, 10*time.Second)
	assert.Equal(t, 10*time.Second, deadline)
}

func TestRequestDeadline_AbsurdCallerTimeoutIsClampedToRouteDefault(t *testing.T) {
	s := New(nil, NewRouter())
	s.RequestTimeout = 0
	deadline := s.requestDeadline(999999, 10*time.Second)
	assert.Equal(t, 10*time.Second, deadline)
}

func TestRequestDeadline_CallerTimeoutCanTightenBelowRouteDefault(t *testing.T) {
	s := New(nil, NewRouter())
	s.RequestTimeout = 0
	deadline := s.requestDeadline(5, 30*time.Second)
	assert.Equal(t, 5*time.Second, deadline)
}

func TestRequestDeadline_ServerWideRequestTimeoutParticipatesInMin(t *testing.T) {
	s := New(nil, NewRouter())
	s.RequestTimeout = 15 * time.Second
	deadline := s.requestDeadline(0, 60*time.Second)
	assert.Equal(t, 15*time.Second, deadline)
}

func TestHandleOne_NoCallerTimeoutStillGetsBoundedDeadline(t *testing.T) {
	r := NewRouter()
	var sawDeadline bool
	r.Handle("GET", "/ok", func(rc *RequestContext) (any, *protocol.RPCError) {
		_, sawDeadline = rc.Ctx.Deadline()
		return "ok", nil
	})
	s := New(nil, r)

	resp := s.handleOne(context.Background(), makeRequest(t, "GET", "/ok", struct{}{}))
	assert.Equal(t, 200, resp.StatusCode)
	assert.True(t, sawDeadline, "handler context should always carry a deadline, even with no caller-supplied timeout")
}

func TestHandleOne_AbsurdCallerTimeoutClampedToRouteDefault(t *testing.T) {
	r := NewRouter()
	r.HandleRoute("GET", "/tight", func(rc *RequestContext) (any, *protocol.RPCError) {
		deadline, _ := rc.Ctx.Deadline()
		remaining := time.Until(deadline)
		assert.LessOrEqual(t, remaining, 10*time.Second)
		return "ok", nil
	}, RouteOptions{DefaultTimeout: 10 * time.Second})
	s := New(nil, r)

	resp := s.handleOne(context.Background(), makeRequestWithTimeout(t, "GET", "/tight", struct{}{}, 999999))
	assert.Equal(t, 200, resp.StatusCode)
}

func TestHandleOne_AuthRequiredRouteRejectsWithoutVerifierPass(t *testing.T) {
	r := NewRouter()
	r.HandleRoute("GET", "/secure", func(_ *RequestContext) (any, *protocol.RPCError) {
		return "should not run", nil
	}, RouteOptions{AuthRequired: true})
	s := New(nil, r)
	s.AuthVerifier = func(*protocol.Request) bool { return false }

	resp := s.handleOne(context.Background(), makeRequest(t, "GET", "/secure", struct{}{}))
	assert.Equal(t, 200, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	assert.Equal(t, protocol.PermissionDenied, env.Code)
}

func TestHandleOne_AuthRequiredRouteRunsWhenNoVerifierConfigured(t *testing.T) {
	r := NewRouter()
	r.HandleRoute("GET", "/secure", func(_ *RequestContext) (any, *protocol.RPCError) {
		return "ran", nil
	}, RouteOptions{AuthRequired: true})
	s := New(nil, r)

	resp := s.handleOne(context.Background(), makeRequest(t, "GET", "/secure", struct{}{}))
	env := decodeEnvelope(t, resp)
	assert.Equal(t, protocol.Success, env.Code)
}
