// Package fiber implements a stackful-in-spirit user coroutine on top of a
// dedicated goroutine. Resume and Yield are a synchronous rendezvous over an
// unbuffered channel: exactly one side of the handshake runs at any instant,
// which is what gives a Fiber its "only one thread executes this at a time"
// guarantee without a real machine-context switch.
package fiber

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is a fiber's lifecycle: INIT -> EXEC -> {TERM, EXCEPT}, with
// EXEC <-> READY/HOLD transitions on every voluntary yield.
type State int32

const (
	INIT State = iota
	READY
	EXEC
	HOLD
	TERM
	EXCEPT
)

func (s State) String() string {
	switch s {
	case INIT:
		return "INIT"
	case READY:
		return "READY"
	case EXEC:
		return "EXEC"
	case HOLD:
		return "HOLD"
	case TERM:
		return "TERM"
	case EXCEPT:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}

// DefaultStackSize is the private-stack default (~1 MiB). Go goroutines
// grow their stack on demand, so this is tracked only for accounting and
// observability parity, not pre-allocated.
const DefaultStackSize = 1 << 20

// Entry is a fiber's body. It receives the context the fiber was last
// resumed with; calling Yield hands control back to whoever is blocked in
// the matching Resume and, on the next Resume, returns the new context.
type Entry func(ctx context.Context, f *Fiber)

var idSeq atomic.Uint64

// Fiber is a stackful user coroutine bound to a dedicated goroutine.
type Fiber struct {
	id                 uint64
	state              atomic.Int32
	stackSize          int
	runsUnderScheduler bool

	entry Entry

	resumeCh chan context.Context
	yieldCh  chan struct{}

	launched atomic.Bool
}

// New allocates a fiber. stackSize is accounting-only (see DefaultStackSize);
// pass 0 to use the default. runsUnderScheduler marks fibers created to do
// scheduler work (dispatch loop, idle routine) as opposed to a bare "main"
// fiber representing a goroutine's original flow of control.
func New(entry Entry, stackSize int, runsUnderScheduler bool) *Fiber {
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}
	f := &Fiber{
		id:                 idSeq.Add(1),
		stackSize:          stackSize,
		runsUnderScheduler: runsUnderScheduler,
		entry:              entry,
		resumeCh:           make(chan context.Context),
		yieldCh:            make(chan struct{}),
	}
	f.state.Store(int32(INIT))
	return f
}

// ID returns the fiber's monotonically-assigned identity.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

func (f *Fiber) setState(s State) { f.state.Store(int32(s)) }

// ForceState overrides the fiber's state directly. It exists for the
// scheduler's idle-fiber bookkeeping: a bare Yield() (as opposed to
// YieldToReady/YieldToHold) leaves no state transition for the caller to
// react to, so the scheduler has to impose one itself once the idle fiber
// comes back from a resume.
func (f *Fiber) ForceState(s State) { f.setState(s) }

// RunsUnderScheduler reports whether this fiber was created to perform
// scheduler work, as opposed to representing a goroutine's own flow of
// control.
func (f *Fiber) RunsUnderScheduler() bool { return f.runsUnderScheduler }

type ctxKey struct{}

// FromContext returns the fiber that injected itself into ctx at the last
// Resume, or nil if none did. This lets code deep in a call stack find the
// fiber it is running under without a thread-local variable.
func FromContext(ctx context.Context) *Fiber {
	f, _ := ctx.Value(ctxKey{}).(*Fiber)
	return f
}

func withSelf(ctx context.Context, f *Fiber) context.Context {
	return context.WithValue(ctx, ctxKey{}, f)
}

// Resume switches execution into f. Pre: f.State() is one of INIT, READY,
// HOLD. Resuming a fiber that's already EXEC is a programming error and is
// treated as an invariant violation. Resume blocks the calling goroutine
// until f yields or terminates.
func (f *Fiber) Resume(ctx context.Context) {
	switch f.State() {
	case INIT, READY, HOLD:
	default:
		log.Panic().Uint64("fiber_id", f.id).Str("state", f.State().String()).
			Msg("fiber: resume on a fiber that is not resumable")
	}

	f.setState(EXEC)
	ctx = withSelf(ctx, f)

	if f.launched.CompareAndSwap(false, true) {
		go f.run(ctx)
	} else {
		f.resumeCh <- ctx
	}
	<-f.yieldCh
}

// run is the fiber's dedicated goroutine body: invoke the entry closure,
// catch panics as the EXCEPT state, and always yield back to the resumer
// when the entry returns or panics.
func (f *Fiber) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			f.setState(EXCEPT)
			log.Error().Uint64("fiber_id", f.id).Interface("panic", r).
				Msg("fiber: entry closure panicked")
		}
		f.yieldCh <- struct{}{}
	}()

	f.entry(ctx, f)
	if f.State() != EXCEPT {
		f.setState(TERM)
	}
}

// Yield suspends the fiber currently executing on this goroutine, handing
// control back to whichever goroutine is parked in the matching Resume
// call. It returns the context.Context supplied by the next Resume. Callers
// are expected to have already set the state they want observed (READY via
// YieldToReady, HOLD via YieldToHold, or left as EXEC if a caller-specific
// transition applies, e.g. the scheduler's default idle fiber, whose state
// the worker loop sets afterwards through ForceState).
func (f *Fiber) Yield() context.Context {
	f.yieldCh <- struct{}{}
	return <-f.resumeCh
}

// YieldToReady yields and marks the fiber READY, meaning the scheduler
// should re-enqueue it immediately (it has more work, it just gave other
// tasks a turn).
func (f *Fiber) YieldToReady() context.Context {
	if f.State() != EXEC {
		log.Panic().Uint64("fiber_id", f.id).Str("state", f.State().String()).
			Msg("fiber: YieldToReady called while not EXEC")
	}
	f.setState(READY)
	return f.Yield()
}

// YieldToHold yields and marks the fiber HOLD, meaning it is waiting on an
// external event (I/O readiness, a timer) and must not be re-enqueued until
// something explicitly resumes it.
func (f *Fiber) YieldToHold() context.Context {
	if f.State() != EXEC {
		log.Panic().Uint64("fiber_id", f.id).Str("state", f.State().String()).
			Msg("fiber: YieldToHold called while not EXEC")
	}
	f.setState(HOLD)
	return f.Yield()
}

// Reset reuses f (its id and channels) for a new entry closure. Pre:
// f.State() is INIT, TERM, or EXCEPT. The scheduler uses this to recycle a
// per-worker "callback fiber" across many bare-closure tasks instead of
// allocating a new Fiber per task; each first Resume after a Reset still
// starts a fresh goroutine for the new entry.
func (f *Fiber) Reset(entry Entry) {
	switch f.State() {
	case INIT, TERM, EXCEPT:
	default:
		log.Panic().Uint64("fiber_id", f.id).Str("state", f.State().String()).
			Msg("fiber: reset on a fiber that has not terminated")
	}
	if f.launched.Load() {
		// The old goroutine already returned from run() and exited; start
		// a fresh one lazily on the next Resume.
		f.launched.Store(false)
	}
	f.entry = entry
	f.setState(INIT)
}

// String implements fmt.Stringer for logging/debugging.
func (f *Fiber) String() string {
	return fmt.Sprintf("fiber(id=%d, state=%s, scheduler=%v)", f.id, f.State(), f.runsUnderScheduler)
}

// MarshalZerologObject lets callers embed a fiber directly in a zerolog event.
func (f *Fiber) MarshalZerologObject(e *zerolog.Event) {
	e.Uint64("fiber_id", f.id).Str("state", f.State().String())
}
