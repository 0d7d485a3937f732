package ioruntime

import (
	"context"
	"time"

	"github.com/kestrelio/kestrel/fiber"
	"github.com/kestrelio/kestrel/scheduler"
)

// Sleep suspends the calling fiber for d without blocking its goroutine's
// OS thread: it schedules a timer that re-enqueues the fiber on the
// scheduler it was running under, then yields. This unifies
// sleep()/usleep()/nanosleep() into one duration-based call, since Go has
// no analogous libc trio to intercept.
func (rt *Runtime) Sleep(ctx context.Context, d time.Duration) {
	f := fiber.FromContext(ctx)
	sched := scheduler.FromContext(ctx)

	if f != nil && sched != nil {
		rt.IO.Timers.AddTimer(d, func() {
			sched.Schedule(f, scheduler.AnyThread)
		}, false)
		f.YieldToHold()
		return
	}

	// No fiber/scheduler in ctx: fall back to a real blocking sleep.
	time.Sleep(d)
}
