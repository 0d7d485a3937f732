package main

import (
	"context"
	"fmt"
	"net"

	"github.com/kestrelio/kestrel/fiber"
	"github.com/kestrelio/kestrel/internal/config"
	"github.com/kestrelio/kestrel/ioruntime"
	"github.com/kestrelio/kestrel/reactor"
	"github.com/kestrelio/kestrel/scheduler"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// listenTCP4 opens a non-blocking, listening IPv4 socket on addr ("host:port")
// and registers it in rt's fd table so Accept below can hook it.
func listenTCP4(rt *ioruntime.Runtime, addr string) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return -1, errors.Wrapf(err, "echo: resolve %s", addr)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, errors.Wrap(err, "echo: socket")
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "echo: setsockopt SO_REUSEADDR")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "echo: set nonblocking")
	}

	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "echo: bind %s", addr)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "echo: listen %s", addr)
	}

	rt.FDs.Get(fd, true)
	return fd, nil
}

// unixGetsockname returns the "ip:port" address a listening socket was
// actually bound to. Used by tests that listen on port 0 and need the
// kernel-assigned port back.
func unixGetsockname(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", errors.Wrap(err, "echo: getsockname")
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return "", errors.New("echo: getsockname returned a non-IPv4 address")
	}
	ip := net.IP(sa4.Addr[:])
	return fmt.Sprintf("%s:%d", ip.String(), sa4.Port), nil
}

// runEchoServer schedules an accept-loop fiber on r and returns at once.
// That fiber accepts connections on listenFD, dispatching one fiber per
// connection that echoes whatever it reads back to the peer until the peer
// closes or a read/write error occurs. The accept loop exits only when an
// Accept fails while the context the fiber runs under (the one the reactor
// was started with, not ctx) is cancelled.
func runEchoServer(ctx context.Context, rt *ioruntime.Runtime, r *reactor.Reactor, listenFD int, cfg config.Config, log zerolog.Logger) {
	acceptLoop := fiber.New(func(ctx context.Context, self *fiber.Fiber) {
		for {
			connFD, _, err := rt.Accept(ctx, listenFD)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Msg("echo: accept failed")
				continue
			}
			log.Debug().Int("fd", connFD).Msg("echo: accepted connection")

			if d := cfg.ReadTimeout(); d >= 0 {
				rt.SetTimeout(connFD, reactor.Read, d)
			}

			r.Schedule(fiber.New(func(ctx context.Context, self *fiber.Fiber) {
				serveConnection(ctx, rt, connFD, log)
			}, 0, false), scheduler.AnyThread)
		}
	}, 0, false)

	r.Schedule(acceptLoop, scheduler.AnyThread)
}

func serveConnection(ctx context.Context, rt *ioruntime.Runtime, fd int, log zerolog.Logger) {
	defer rt.Close(ctx, fd)

	buf := make([]byte, 4096)
	for {
		n, err := rt.Read(ctx, fd, buf)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) {
				log.Debug().Err(err).Int("fd", fd).Msg("echo: read ended connection")
			}
			return
		}
		if n == 0 {
			return // peer closed
		}

		written := 0
		for written < n {
			m, werr := rt.Write(ctx, fd, buf[written:n])
			if werr != nil {
				log.Debug().Err(werr).Int("fd", fd).Msg("echo: write ended connection")
				return
			}
			written += m
		}
	}
}
