package channel

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialHost_ConnectsToListeningSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ep, err := DialHost(ctx, socketPath)
	require.NoError(t, err)
	defer ep.Close()
}

func TestDialHost_RefusedWhenNothingListening(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := DialHost(ctx, filepath.Join(t.TempDir(), "absent.sock"))
	assert.ErrorIs(t, err, ErrConnectionRefused)
}
