// Package ioruntime is the I/O hook layer: it turns a nominally-blocking
// syscall into a coroutine suspension point. True libc symbol
// interposition (dlsym(RTLD_NEXT, ...)) has no portable Go equivalent, so
// this package exposes the same behavior as explicit functions
// applications call instead of the blocking syscall.
package ioruntime

import (
	"context"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kestrelio/kestrel/fdtable"
	"github.com/kestrelio/kestrel/fiber"
	"github.com/kestrelio/kestrel/reactor"
	"github.com/kestrelio/kestrel/timer"
	"github.com/pkg/errors"
)

// Runtime bundles the fd registry and reactor a hook call needs. It is an
// explicit dependency passed in by the application rather than a
// process-wide singleton, while FromContext-style lookups still carry the
// *active fiber/scheduler* identity per call (see fiber.FromContext).
type Runtime struct {
	FDs *fdtable.Table
	IO  *reactor.Reactor
}

// New builds a Runtime over an already-started Reactor.
func New(io *reactor.Reactor) *Runtime {
	return &Runtime{FDs: fdtable.New(), IO: io}
}

type hookKey struct{}

// SetHookEnabled returns a context marking whether hook-layer interception
// is active for calls made with it.
func SetHookEnabled(ctx context.Context, enabled bool) context.Context {
	return context.WithValue(ctx, hookKey{}, enabled)
}

// IsHookEnabled reports whether SetHookEnabled(ctx, true) is in effect.
// Hooking defaults to disabled.
func IsHookEnabled(ctx context.Context) bool {
	v, _ := ctx.Value(hookKey{}).(bool)
	return v
}

// timerInfo is the condition-timer guard for one doIO retry loop: held
// strongly by doIO's stack frame for the duration of one attempt, and
// weakly by the condition timer itself (see timer.AddConditionTimer), so
// the timer can never be the thing keeping it alive.
type timerInfo struct {
	cancelled atomic.Bool
	errno     syscall.Errno
}

// doIO is the generic retry loop behind every hooked syscall: it retries
// on EINTR, suspends the calling fiber on EAGAIN until the fd is ready or
// timeout elapses, and otherwise returns attempt's result unchanged.
// timeout is an fdtable.NoTimeout-aware duration: negative means wait
// indefinitely, and any value >= 0 (including zero) arms a timer that
// fails the call with ETIMEDOUT once it fires.
func doIO(ctx context.Context, rt *Runtime, fd int, dir reactor.Direction, timeout time.Duration, attempt func() (int, error)) (int, error) {
	if !IsHookEnabled(ctx) {
		return attempt()
	}

	rec := rt.FDs.Get(fd, false)
	if rec == nil {
		return attempt()
	}
	if !rec.IsSocket() || rec.UserNonBlock() {
		return attempt()
	}

	for {
		n, err := attempt()
		for errors.Is(err, syscall.EINTR) {
			n, err = attempt()
		}
		if !errors.Is(err, syscall.EAGAIN) {
			return n, err
		}

		tinfo := &timerInfo{}
		var timerHandle *timer.Timer
		if timeout >= 0 {
			timerHandle = timer.AddConditionTimer(rt.IO.Timers, timeout, func() {
				if tinfo.cancelled.Swap(true) {
					return
				}
				tinfo.errno = syscall.ETIMEDOUT
				rt.IO.CancelEvent(fd, dir)
			}, tinfo, false)
		}

		if addErr := rt.IO.AddEvent(ctx, fd, dir, nil); addErr != nil {
			if timerHandle != nil {
				timerHandle.Cancel()
			}
			return -1, errors.Wrapf(addErr, "ioruntime: register %s wait on fd %d", dir, fd)
		}

		f := fiber.FromContext(ctx)
		ctx = f.YieldToHold()

		if timerHandle != nil {
			timerHandle.Cancel()
		}
		if tinfo.cancelled.Load() {
			return -1, tinfo.errno
		}
		// fall through: retry the syscall now that the fd is readable/writable
	}
}
