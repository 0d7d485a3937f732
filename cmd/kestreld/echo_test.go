package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kestrelio/kestrel/internal/config"
	"github.com/kestrelio/kestrel/internal/logx"
	"github.com/kestrelio/kestrel/ioruntime"
	"github.com/kestrelio/kestrel/reactor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func startTestEchoServer(t *testing.T, workers int) string {
	t.Helper()

	r, err := reactor.New(workers, false, "test", 0, 0)
	require.NoError(t, err)

	ctx := ioruntime.SetHookEnabled(context.Background(), true)
	r.Start(ctx)
	t.Cleanup(func() { r.Stop(context.Background()) })

	rt := ioruntime.New(r)
	listenFD, err := listenTCP4(rt, "127.0.0.1:0")
	require.NoError(t, err)

	sa, err := unixGetsockname(listenFD)
	require.NoError(t, err)

	log := logx.New("test", zerolog.Disabled, io.Discard)
	runEchoServer(ctx, rt, r, listenFD, config.Defaults(), log)

	return sa
}

func TestEchoServerRoundTripsOneConnection(t *testing.T) {
	addr := startTestEchoServer(t, 4)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello kestrel"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello kestrel", string(buf[:n]))
}

// TestEchoServerWorksWithASingleWorker covers the same round trip with a
// scheduler of one worker, the other half of S4's "works with 1 worker and
// 4 workers" requirement.
func TestEchoServerWorksWithASingleWorker(t *testing.T) {
	addr := startTestEchoServer(t, 1)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestEchoServerHandlesMultipleConnectionsAcrossWorkers(t *testing.T) {
	addr := startTestEchoServer(t, 4)

	const clients = 8
	done := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func(i int) {
			conn, err := net.DialTimeout("tcp", addr, time.Second)
			if err != nil {
				done <- err
				return
			}
			defer conn.Close()

			msg := []byte("ping")
			if _, err := conn.Write(msg); err != nil {
				done <- err
				return
			}
			buf := make([]byte, 16)
			conn.SetReadDeadline(time.Now().Add(time.Second))
			n, err := conn.Read(buf)
			if err != nil {
				done <- err
				return
			}
			if string(buf[:n]) != "ping" {
				done <- fmt.Errorf("client %d: got %q, want %q", i, buf[:n], "ping")
				return
			}
			done <- nil
		}(i)
	}

	for i := 0; i < clients; i++ {
		require.NoError(t, <-done)
	}
}
