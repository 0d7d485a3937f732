// Package reactor layers an epoll event loop and a timer manager on top of
// scheduler.Scheduler. Rather than subclassing Scheduler and overriding
// tickle/idle/stopping, this module builds a Scheduler and wires those
// same three extension points as function fields, since Go has no virtual
// dispatch.
package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelio/kestrel/fiber"
	"github.com/kestrelio/kestrel/scheduler"
	"github.com/kestrelio/kestrel/timer"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Direction is which half of a full-duplex fd an event registration or
// callback concerns.
type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Read {
		return "read"
	}
	return "write"
}

// DefaultMaxEvents and DefaultMaxBlock back the reactor.max_events and
// reactor.max_block_ms config keys when unset: the epoll events buffer
// size and the idle loop's epoll_wait ceiling.
const (
	DefaultMaxEvents = 256
	DefaultMaxBlock  = 3 * time.Second
)

// eventWaiter is what's registered for one direction on one fd: either a
// bare callback or a fiber to resume, plus the scheduler that owns it.
type eventWaiter struct {
	cb        fiber.Entry
	waitFiber *fiber.Fiber
	owner     *scheduler.Scheduler
	threadID  int
}

func (w *eventWaiter) registered() bool { return w.cb != nil || w.waitFiber != nil }

func (w *eventWaiter) reset() {
	w.cb = nil
	w.waitFiber = nil
	w.owner = nil
}

// fdWatch is per-fd epoll bookkeeping: which directions are armed and what
// each is waiting on.
type fdWatch struct {
	mu     sync.Mutex
	fd     int
	events uint32 // EPOLLIN | EPOLLOUT bits currently armed
	read   eventWaiter
	write  eventWaiter
}

func (w *fdWatch) waiterFor(d Direction) *eventWaiter {
	if d == Read {
		return &w.read
	}
	return &w.write
}

func epollBit(d Direction) uint32 {
	if d == Read {
		return unix.EPOLLIN
	}
	return unix.EPOLLOUT
}

// Reactor extends a Scheduler with epoll-backed readiness events and a
// timer manager. Construct with New, then call Start to run its Scheduler
// workers.
type Reactor struct {
	*scheduler.Scheduler
	Timers *timer.Manager

	epfd        int
	tickleRead  int
	tickleWrite int

	maxEvents int
	maxBlock  time.Duration

	mu      sync.RWMutex
	watches map[int]*fdWatch

	pendingEvents atomic.Int64
}

// New creates a Reactor with workerCount scheduler workers; no worker runs
// until Start is called. maxEvents/maxBlock of zero take their package
// defaults.
func New(workerCount int, useCaller bool, name string, maxEvents int, maxBlock time.Duration) (*Reactor, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	if maxBlock <= 0 {
		maxBlock = DefaultMaxBlock
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, errors.Wrap(err, "reactor: epoll_create1")
	}

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "reactor: pipe2")
	}

	r := &Reactor{
		epfd:        epfd,
		tickleRead:  fds[0],
		tickleWrite: fds[1],
		maxEvents:   maxEvents,
		maxBlock:    maxBlock,
		watches:     make(map[int]*fdWatch),
		Timers:      timer.NewManager(),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r.tickleRead, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(r.tickleRead),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, errors.Wrap(err, "reactor: epoll_ctl add tickle fd")
	}

	r.Scheduler = scheduler.New(workerCount, useCaller, name)
	r.Scheduler.IdleFiber = r.newIdleFiber
	r.Scheduler.ExtraStopping = r.extraStopping
	r.Scheduler.ExtraTickle = r.tickleEpoll
	r.Timers.OnInsertAtFront = r.Scheduler.Tickle

	return r, nil
}

// Start begins running the scheduler's worker pool (which drives the
// epoll idle loop on every worker that goes idle).
func (r *Reactor) Start(ctx context.Context) { r.Scheduler.Start(ctx) }

// Stop shuts the reactor down: stops the scheduler, then releases the
// epoll fd and self-pipe.
func (r *Reactor) Stop(ctx context.Context) {
	r.Scheduler.Stop(ctx)
	unix.Close(r.epfd)
	unix.Close(r.tickleRead)
	unix.Close(r.tickleWrite)
}

func (r *Reactor) watch(fd int, createIfMissing bool) *fdWatch {
	r.mu.RLock()
	w, ok := r.watches[fd]
	r.mu.RUnlock()
	if ok || !createIfMissing {
		return w
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.watches[fd]; ok {
		return w
	}
	w = &fdWatch{fd: fd}
	r.watches[fd] = w
	return w
}

// AddEvent arms fd for direction d. If cb is nil, the fiber carried in ctx
// (fiber.FromContext) is the one re-scheduled when the event fires. This
// is what lets the hook layer's retry loop suspend the calling fiber and
// have AddEvent wake it back up. Returns an error if this fd/direction is
// already armed: only one waiter per fd per direction is supported at a
// time.
func (r *Reactor) AddEvent(ctx context.Context, fd int, d Direction, cb fiber.Entry) error {
	w := r.watch(fd, true)

	w.mu.Lock()
	defer w.mu.Unlock()

	bit := epollBit(d)
	if w.events&bit != 0 {
		return errors.Errorf("reactor: fd %d already has a %s waiter", fd, d)
	}

	newMask := unix.EPOLLET | w.events | bit
	op := unix.EPOLL_CTL_ADD
	if w.events != 0 {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{Events: newMask, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, op, fd, &ev); err != nil {
		return errors.Wrapf(err, "reactor: epoll_ctl fd %d", fd)
	}

	r.pendingEvents.Add(1)
	w.events |= bit

	waiter := w.waiterFor(d)
	sched := scheduler.FromContext(ctx)
	if sched == nil {
		sched = r.Scheduler
	}
	waiter.owner = sched
	waiter.threadID = scheduler.AnyThread
	if cb != nil {
		waiter.cb = cb
	} else {
		waiter.waitFiber = fiber.FromContext(ctx)
	}
	return nil
}

// RemoveEvent disarms fd/d without running its waiter. Returns false if
// the direction wasn't armed.
func (r *Reactor) RemoveEvent(fd int, d Direction) bool {
	w := r.watch(fd, false)
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	bit := epollBit(d)
	if w.events&bit == 0 {
		return false
	}
	if !r.rearmLocked(w, w.events&^bit) {
		return false
	}
	r.pendingEvents.Add(-1)
	w.events &^= bit
	w.waiterFor(d).reset()
	return true
}

// CancelEvent disarms fd/d and immediately runs its waiter as if the
// event had fired. Used when a caller gives up waiting (a read deadline
// expiring, say) and still needs the suspended fiber woken.
func (r *Reactor) CancelEvent(fd int, d Direction) bool {
	w := r.watch(fd, false)
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	bit := epollBit(d)
	if w.events&bit == 0 {
		return false
	}
	if !r.rearmLocked(w, w.events&^bit) {
		return false
	}
	r.pendingEvents.Add(-1)
	w.events &^= bit
	r.fireLocked(w, d)
	return true
}

// CancelAll disarms and fires every direction armed on fd. Used when a fd
// is being closed: closing must cancel every pending event on it.
func (r *Reactor) CancelAll(fd int) bool {
	w := r.watch(fd, false)
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.events == 0 {
		return false
	}

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{}); err != nil {
		log.Error().Err(err).Int("fd", fd).Msg("reactor: epoll_ctl del on cancelAll")
		return false
	}

	if w.events&unix.EPOLLIN != 0 {
		r.fireLocked(w, Read)
		r.pendingEvents.Add(-1)
	}
	if w.events&unix.EPOLLOUT != 0 {
		r.fireLocked(w, Write)
		r.pendingEvents.Add(-1)
	}
	w.events = 0

	r.mu.Lock()
	delete(r.watches, fd)
	r.mu.Unlock()
	return true
}

func (r *Reactor) rearmLocked(w *fdWatch, newMask uint32) bool {
	op := unix.EPOLL_CTL_MOD
	if newMask == 0 {
		op = unix.EPOLL_CTL_DEL
	} else {
		newMask |= unix.EPOLLET
	}
	ev := unix.EpollEvent{Events: newMask, Fd: int32(w.fd)}
	if err := unix.EpollCtl(r.epfd, op, w.fd, &ev); err != nil {
		log.Error().Err(err).Int("fd", w.fd).Msg("reactor: epoll_ctl rearm")
		return false
	}
	return true
}

// fireLocked schedules whatever is waiting on w/d and clears that waiter.
// w.mu must be held by the caller.
func (r *Reactor) fireLocked(w *fdWatch, d Direction) {
	waiter := w.waiterFor(d)
	if !waiter.registered() {
		return
	}
	sched := waiter.owner
	if sched == nil {
		sched = r.Scheduler
	}
	switch {
	case waiter.cb != nil:
		sched.ScheduleFunc(waiter.cb, waiter.threadID)
	case waiter.waitFiber != nil:
		sched.Schedule(waiter.waitFiber, waiter.threadID)
	}
	waiter.reset()
}

func (r *Reactor) extraStopping() bool {
	return r.pendingEvents.Load() == 0 && !r.Timers.HasTimer()
}

func (r *Reactor) tickleEpoll() {
	var b [1]byte
	b[0] = 't'
	_, err := unix.Write(r.tickleWrite, b[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		log.Error().Err(err).Msg("reactor: tickle pipe write failed")
	}
}

// newIdleFiber builds the worker's idle-wait fiber. Every iteration blocks
// in epoll_wait, drains expired timers into scheduler-visible closures,
// fires ready fd events, then yields back to the dispatch loop, which
// marks this fiber HOLD and resumes it again the next time the worker
// goes idle.
func (r *Reactor) newIdleFiber(workerID int) *fiber.Fiber {
	return fiber.New(func(ctx context.Context, self *fiber.Fiber) {
		events := make([]unix.EpollEvent, r.maxEvents)
		for {
			if r.Scheduler.ActiveCount() == 0 && r.extraStoppingAndSchedulerIdle() {
				return
			}

			timeout := r.nextBlockTimeout()
			n, err := epollWaitRetryEINTR(r.epfd, events, timeout)
			if err != nil {
				log.Error().Err(err).Msg("reactor: epoll_wait failed")
				ctx = self.YieldToReady()
				continue
			}

			for _, cb := range r.Timers.DrainExpired() {
				r.Scheduler.ScheduleFunc(wrapPlainFunc(cb), scheduler.AnyThread)
			}

			for i := 0; i < n; i++ {
				r.handleEpollEvent(&events[i])
			}

			ctx = self.YieldToReady()
		}
	}, 0, true)
}

// extraStoppingAndSchedulerIdle re-derives the "nothing left to do"
// predicate the idle fiber itself needs to decide whether to keep
// blocking in epoll_wait, distinct from Scheduler.baseStopping (which the
// worker loop consults separately once this fiber returns TERM).
func (r *Reactor) extraStoppingAndSchedulerIdle() bool {
	return r.Scheduler.PendingTasks() == 0 && r.extraStopping()
}

func (r *Reactor) nextBlockTimeout() time.Duration {
	next := r.Timers.NextDelay()
	if next < 0 {
		return r.maxBlock
	}
	if next > r.maxBlock {
		return r.maxBlock
	}
	return next
}

func (r *Reactor) handleEpollEvent(ev *unix.EpollEvent) {
	fd := int(ev.Fd)
	if fd == r.tickleRead {
		drainSelfPipe(r.tickleRead)
		return
	}

	w := r.watch(fd, false)
	if w == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	flags := ev.Events
	// EPOLLERR|EPOLLHUP fire both directions. A caller interprets a
	// zero-length read as EOF rather than the reactor guessing at that
	// here.
	if flags&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		flags |= unix.EPOLLIN | unix.EPOLLOUT
	}

	firedRead := flags&unix.EPOLLIN != 0
	firedWrite := flags&unix.EPOLLOUT != 0

	var firedMask uint32
	if firedRead {
		firedMask |= unix.EPOLLIN
	}
	if firedWrite {
		firedMask |= unix.EPOLLOUT
	}
	leftMask := w.events &^ firedMask

	if !r.rearmLocked(w, leftMask) {
		return
	}
	w.events = leftMask

	if firedRead && w.read.registered() {
		r.fireLocked(w, Read)
		r.pendingEvents.Add(-1)
	}
	if firedWrite && w.write.registered() {
		r.fireLocked(w, Write)
		r.pendingEvents.Add(-1)
	}
}

func wrapPlainFunc(cb func()) fiber.Entry {
	return func(ctx context.Context, self *fiber.Fiber) { cb() }
}

func epollWaitRetryEINTR(epfd int, events []unix.EpollEvent, timeout time.Duration) (int, error) {
	ms := int(timeout / time.Millisecond)
	if ms < 0 {
		ms = -1
	}
	for {
		n, err := unix.EpollWait(epfd, events, ms)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func drainSelfPipe(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

