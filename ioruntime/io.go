package ioruntime

import (
	"context"
	"syscall"
	"time"

	"github.com/kestrelio/kestrel/fdtable"
	"github.com/kestrelio/kestrel/fiber"
	"github.com/kestrelio/kestrel/reactor"
	"github.com/kestrelio/kestrel/timer"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Read behaves like a blocking read(2) when hooking is disabled for ctx,
// and like a coroutine-suspending read when it is enabled: on EAGAIN it
// registers a read waiter on fd and yields the calling fiber instead of
// blocking the goroutine's OS thread.
func (rt *Runtime) Read(ctx context.Context, fd int, buf []byte) (int, error) {
	rec := rt.FDs.Get(fd, false)
	timeout := readTimeout(rec)
	return doIO(ctx, rt, fd, reactor.Read, timeout, func() (int, error) {
		return unix.Read(fd, buf)
	})
}

// Write mirrors Read for the write direction.
func (rt *Runtime) Write(ctx context.Context, fd int, buf []byte) (int, error) {
	rec := rt.FDs.Get(fd, false)
	timeout := writeTimeout(rec)
	return doIO(ctx, rt, fd, reactor.Write, timeout, func() (int, error) {
		return unix.Write(fd, buf)
	})
}

// Accept behaves like accept(2); the accepted fd is registered in the fd
// table so subsequent Read/Write calls against it are themselves subject
// to hooking.
func (rt *Runtime) Accept(ctx context.Context, listenFD int) (int, unix.Sockaddr, error) {
	rec := rt.FDs.Get(listenFD, false)
	timeout := readTimeout(rec)

	var sa unix.Sockaddr
	acceptedFD, err := doIO(ctx, rt, listenFD, reactor.Read, timeout, func() (int, error) {
		fd, addr, aerr := unix.Accept(listenFD)
		if aerr != nil {
			return -1, aerr
		}
		sa = addr
		return fd, nil
	})
	if err != nil {
		return -1, nil, err
	}

	unix.SetNonblock(acceptedFD, true)
	rt.FDs.Get(acceptedFD, true)
	return acceptedFD, sa, nil
}

// Connect implements connect(2) with a timeout: issue a non-blocking
// connect, and if it returns EINPROGRESS, suspend the fiber on
// write-readiness (bounded by timeout) and confirm success via
// getsockopt(SO_ERROR). timeout follows the same fdtable.NoTimeout
// convention as doIO: negative waits indefinitely, >= 0 arms a deadline.
func (rt *Runtime) Connect(ctx context.Context, fd int, addr unix.Sockaddr, timeout time.Duration) error {
	if !IsHookEnabled(ctx) {
		return unix.Connect(fd, addr)
	}

	rec := rt.FDs.Get(fd, false)
	if rec == nil || !rec.IsSocket() || rec.UserNonBlock() {
		return unix.Connect(fd, addr)
	}

	err := unix.Connect(fd, addr)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) {
		return err
	}

	tinfo := &timerInfo{}
	var timerHandle *timer.Timer
	if timeout >= 0 {
		timerHandle = timer.AddConditionTimer(rt.IO.Timers, timeout, func() {
			if tinfo.cancelled.Swap(true) {
				return
			}
			tinfo.errno = syscall.ETIMEDOUT
			rt.IO.CancelEvent(fd, reactor.Write)
		}, tinfo, false)
	}

	if addErr := rt.IO.AddEvent(ctx, fd, reactor.Write, nil); addErr != nil {
		if timerHandle != nil {
			timerHandle.Cancel()
		}
		return errors.Wrapf(addErr, "ioruntime: register connect wait on fd %d", fd)
	}

	f := fiber.FromContext(ctx)
	f.YieldToHold()

	if timerHandle != nil {
		timerHandle.Cancel()
	}
	if tinfo.cancelled.Load() {
		return tinfo.errno
	}

	sockErr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if sockErr != 0 {
		return syscall.Errno(sockErr)
	}
	return nil
}

// Close cancels every pending wait on fd before removing it from the fd
// table and closing it, so no fiber is left suspended on a descriptor
// that is about to stop existing.
func (rt *Runtime) Close(ctx context.Context, fd int) error {
	if rt.FDs.Get(fd, false) != nil {
		rt.IO.CancelAll(fd)
		rt.FDs.Remove(fd)
	}
	return unix.Close(fd)
}

// SetNonblock records the user's non-blocking preference for fd without
// touching the kernel-level flag, which is always forced on for sockets
// (fdtable.newRecord). This is the explicit-call substitute for
// intercepting fcntl(F_SETFL)/ioctl(FIONBIO).
func (rt *Runtime) SetNonblock(fd int, userNonBlock bool) {
	rec := rt.FDs.Get(fd, true)
	rec.SetUserNonBlock(userNonBlock)
}

// GetNonblock reports the user-requested non-blocking flag for fd.
func (rt *Runtime) GetNonblock(fd int) bool {
	rec := rt.FDs.Get(fd, false)
	if rec == nil {
		return false
	}
	return rec.UserNonBlock()
}

// SetTimeout sets the read or write deadline the hook layer enforces for
// fd. It also issues the matching setsockopt(SO_RCVTIMEO/SO_SNDTIMEO) call
// against the kernel, so that any code bypassing this package and reading
// the socket option directly still sees a value consistent with what the
// hook layer enforces. fdtable.NoTimeout maps to an all-zero timeval,
// which is itself the kernel's "no timeout" representation.
func (rt *Runtime) SetTimeout(fd int, dir reactor.Direction, d time.Duration) {
	rec := rt.FDs.Get(fd, true)
	if dir == reactor.Read {
		rec.SetRecvTimeout(d)
	} else {
		rec.SetSendTimeout(d)
	}

	tv := durationToTimeval(d)
	opt := unix.SO_SNDTIMEO
	if dir == reactor.Read {
		opt = unix.SO_RCVTIMEO
	}
	unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, opt, &tv)
}

func durationToTimeval(d time.Duration) unix.Timeval {
	if d == fdtable.NoTimeout || d < 0 {
		return unix.Timeval{}
	}
	return unix.NsecToTimeval(d.Nanoseconds())
}

func readTimeout(rec *fdtable.Record) time.Duration {
	if rec == nil {
		return fdtable.NoTimeout
	}
	return rec.RecvTimeout()
}

func writeTimeout(rec *fdtable.Record) time.Duration {
	if rec == nil {
		return fdtable.NoTimeout
	}
	return rec.SendTimeout()
}
