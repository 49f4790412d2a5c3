package protocol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supermanc88/virtio-serial-rpc/internal/channel"
)

// pipeEndpoints returns two Endpoints wired together over an in-memory
// net.Pipe, standing in for the real UDS/character-device transports in
// codec-level tests.
func pipeEndpoints(t *testing.T) (channel.Endpoint, channel.Endpoint) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	return channel.New(a), channel.New(b)
}

func TestEncodeParseRequestRoundTrip(t *testing.T) {
	client, server := pipeEndpoints(t)

	req := &Request{
		Method:  "POST",
		Path:    "/api/v1/shell/exec",
		Headers: Headers{"x-request-id": "abc-123"},
		Body:    []byte(`{"version":"1.0","params":{}}`),
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- client.WriteAll(ctx, EncodeRequest(req)) }()

	got, err := ParseRequest(ctx, server, DefaultMaxBodyBytes)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, "/api/v1/shell/exec", got.Path)
	assert.Equal(t, req.Body, got.Body)
	v, ok := got.Headers.Get("X-Request-ID")
	assert.True(t, ok)
	assert.Equal(t, "abc-123", v)
}

func TestEncodeParseResponseRoundTrip(t *testing.T) {
	client, server := pipeEndpoints(t)

	resp := &Response{
		StatusCode: 200,
		Headers:    Headers{},
		Body:       []byte(`{"version":"1.0","code":0}`),
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- client.WriteAll(ctx, EncodeResponse(resp)) }()

	got, err := ParseResponse(ctx, server, DefaultMaxBodyBytes)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.Equal(t, 200, got.StatusCode)
	assert.Equal(t, resp.Body, got.Body)
}

func TestParseRequestRejectsBadMethod(t *testing.T) {
	client, server := pipeEndpoints(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		_ = client.WriteAll(ctx, []byte("DELETE /x HTTP/1.1\r\nContent-Length: 0\r\n\r\n"))
	}()

	_, err := ParseRequest(ctx, server, DefaultMaxBodyBytes)
	assert.ErrorIs(t, err, ErrProtocolMalformed)
}

func TestParseRequestRejectsDuplicateContentLength(t *testing.T) {
	client, server := pipeEndpoints(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		_ = client.WriteAll(ctx, []byte(
			"POST /x HTTP/1.1\r\nContent-Length: 0\r\nContent-Length: 0\r\n\r\n"))
	}()

	_, err := ParseRequest(ctx, server, DefaultMaxBodyBytes)
	assert.ErrorIs(t, err, ErrProtocolMalformed)
}

func TestParseRequestRejectsTransferEncoding(t *testing.T) {
	client, server := pipeEndpoints(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		_ = client.WriteAll(ctx, []byte(
			"POST /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n"))
	}()

	_, err := ParseRequest(ctx, server, DefaultMaxBodyBytes)
	assert.ErrorIs(t, err, ErrProtocolMalformed)
}

func TestParseRequestHeadThenReadBody_MatchesParseRequest(t *testing.T) {
	client, server := pipeEndpoints(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	body := []byte(`{"version":"1.0","params":{"a":1}}`)
	req := &Request{Method: "POST", Path: "/api/v1/file/upload", Headers: Headers{}, Body: body}

	errCh := make(chan error, 1)
	go func() { errCh <- client.WriteAll(ctx, EncodeRequest(req)) }()

	method, path, headers, err := ParseRequestHead(ctx, server)
	require.NoError(t, err)
	assert.Equal(t, "POST", method)
	assert.Equal(t, "/api/v1/file/upload", path)

	got, err := ReadBody(ctx, server, headers, DefaultMaxBodyBytes)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, body, got)
}

func TestParseRequestHead_LetsCallerRejectBeforeReadingBody(t *testing.T) {
	client, server := pipeEndpoints(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		_ = client.WriteAll(ctx, []byte("POST /route/with/tiny/cap HTTP/1.1\r\nContent-Length: 1000\r\n\r\n"))
	}()

	method, path, headers, err := ParseRequestHead(ctx, server)
	require.NoError(t, err)
	assert.Equal(t, "POST", method)
	assert.Equal(t, "/route/with/tiny/cap", path)

	_, err = ReadBody(ctx, server, headers, 10)
	assert.ErrorIs(t, err, ErrProtocolOversize)
}

func TestParseRequestRejectsOversizeBody(t *testing.T) {
	client, server := pipeEndpoints(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		_ = client.WriteAll(ctx, []byte("POST /x HTTP/1.1\r\nContent-Length: 100\r\n\r\n"))
	}()

	_, err := ParseRequest(ctx, server, 10)
	assert.ErrorIs(t, err, ErrProtocolOversize)
}
