package channel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadUntilAndReadAtLeast(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	client := New(a)
	server := New(b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		_ = client.WriteAll(ctx, []byte("HEADER\r\n\r\nBODY12345"))
	}()

	header, err := server.ReadUntil(ctx, []byte("\r\n\r\n"), 1024)
	require.NoError(t, err)
	assert.Equal(t, "HEADER\r\n\r\n", string(header))

	body, err := server.ReadAtLeast(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "BODY12345", string(body))
}

func TestReadUntilOversizeFailsEvenWhenDelimiterArrivesInOneRead(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	client := New(a)
	server := New(b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// A single underlying Read can deliver a chunk that both contains the
	// delimiter and already exceeds maxBytes; the oversize check must
	// still win even though indexOf would otherwise report a match.
	go func() {
		_ = client.WriteAll(ctx, []byte("123456\r\n\r\n"))
	}()

	_, err := server.ReadUntil(ctx, []byte("\r\n\r\n"), 5)
	assert.ErrorIs(t, err, ErrProtocolOversize)
}

func TestReadUntilOversizeFails(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	client := New(a)
	server := New(b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		_ = client.WriteAll(ctx, []byte("no delimiter here at all"))
	}()

	_, err := server.ReadUntil(ctx, []byte("\r\n\r\n"), 4)
	assert.ErrorIs(t, err, ErrProtocolOversize)
}

func TestReadDeadlineExceeded(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	server := New(b)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := server.ReadAtLeast(ctx, 1)
	assert.ErrorIs(t, err, ErrIOTimeout)
}

func TestCloseThenReadFails(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	server := New(b)
	require.NoError(t, server.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := server.ReadAtLeast(ctx, 1)
	assert.ErrorIs(t, err, ErrConnectionLost)
}
