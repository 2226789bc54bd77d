package nettransport

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestOpenAcceptDialRoundTrip(t *testing.T) {
	port := freePort(t)
	ln, err := Open("127.0.0.1", port, 8, nil)
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan NetCon, 1)
	go func() {
		c, err := ln.Accept(ctx)
		require.NoError(t, err)
		serverDone <- c
	}()

	client, err := Dial("127.0.0.1", port, 2*time.Second, nil)
	require.NoError(t, err)
	defer client.Close()

	server := <-serverDone
	defer server.Close()

	msg := []byte("hello phineas")
	_, err = client.Write(msg)
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf[:n])
}

func TestIsLocalhost(t *testing.T) {
	port := freePort(t)
	ln, err := Open("127.0.0.1", port, 8, nil)
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan NetCon, 1)
	go func() {
		c, err := ln.Accept(ctx)
		require.NoError(t, err)
		serverDone <- c
	}()

	client, err := Dial("127.0.0.1", port, 2*time.Second, nil)
	require.NoError(t, err)
	defer client.Close()

	server := <-serverDone
	defer server.Close()

	assert.True(t, client.IsLocalhost())
	assert.True(t, server.IsLocalhost())
}

func TestAcceptObservesCancellation(t *testing.T) {
	port := freePort(t)
	ln, err := Open("127.0.0.1", port, 8, nil)
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = ln.Accept(ctx)
	assert.Error(t, err)
}

func TestOpenRequiresBacklog(t *testing.T) {
	_, err := Open("127.0.0.1", 0, 0, nil)
	assert.Error(t, err)
}
