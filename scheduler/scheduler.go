// Package scheduler implements the M:N fiber dispatcher: a thread pool
// (goroutines, here) draining a single shared FIFO task queue under one
// mutex. There is no work-stealing. A task pinned to a worker is simply
// skipped by every other worker until that worker's turn comes around.
package scheduler

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelio/kestrel/fiber"
	"github.com/rs/zerolog/log"
)

const idlePollIntervalDefault = 50 * time.Millisecond

// Scheduler is the M:N task queue plus worker pool. Reactor embeds a
// Scheduler and overrides IdleFiber/ExtraStopping/ExtraTickle to layer
// epoll and timers on top of the same dispatch loop. Go has no
// virtual-method inheritance, so this package uses function-field
// overrides where a class hierarchy would otherwise use virtual methods
// for tickle/idle/stopping.
type Scheduler struct {
	name        string
	workerCount int
	useCaller   bool

	mu    sync.Mutex
	tasks *list.List

	stopping atomic.Bool
	active   atomic.Int64
	idle     atomic.Int64

	tickleCh chan struct{}

	wg      sync.WaitGroup
	started atomic.Bool

	workerFibers map[int]*workerSlot
	workerMu     sync.Mutex

	// IdleFiber builds the fiber a worker resumes when it finds no
	// runnable task. Reactor overrides this to run epoll_wait; the zero
	// value is a simple tickle-or-poll wait.
	IdleFiber func(workerID int) *fiber.Fiber

	// ExtraStopping is ANDed into the stop predicate: queue empty, no
	// active workers, and this. Left nil, no extra condition applies;
	// Reactor sets it to also require no pending I/O events and no
	// pending timers.
	ExtraStopping func() bool

	// ExtraTickle runs after the base tickle signal, used by Reactor to
	// write to its self-pipe so a blocked epoll_wait wakes up.
	ExtraTickle func()
}

type workerSlot struct {
	idleFiber *fiber.Fiber
	cbFiber   *fiber.Fiber
}

type ctxKey struct{}

// FromContext returns the scheduler that injected itself into ctx at the
// last dispatch, or nil if none did.
func FromContext(ctx context.Context) *Scheduler {
	s, _ := ctx.Value(ctxKey{}).(*Scheduler)
	return s
}

func withSelf(ctx context.Context, s *Scheduler) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// New creates a scheduler with the given worker count. useCaller marks that
// the thread driving Stop should run one final dispatch pass itself before
// joining the spawned workers, instead of every worker running on its own
// spawned goroutine.
func New(workerCount int, useCaller bool, name string) *Scheduler {
	if workerCount < 1 {
		log.Panic().Int("worker_count", workerCount).Msg("scheduler: worker count must be >= 1")
	}
	if name == "" {
		name = "scheduler"
	}
	s := &Scheduler{
		name:         name,
		workerCount:  workerCount,
		useCaller:    useCaller,
		tasks:        list.New(),
		tickleCh:     make(chan struct{}, 1),
		workerFibers: make(map[int]*workerSlot),
	}
	s.stopping.Store(true) // not started yet; Start clears this
	return s
}

func (s *Scheduler) Name() string { return s.name }

// Start spawns the worker pool. Idempotent: subsequent calls are no-ops.
// If useCaller, one fewer goroutine is spawned. The caller is expected to
// either call Stop later (which runs a final pass on the calling goroutine)
// or call RunCaller directly.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.stopping.Store(false)

	spawn := s.workerCount
	if s.useCaller {
		spawn--
	}
	for i := 0; i < spawn; i++ {
		id := i
		if s.useCaller {
			id++ // reserve worker 0 for the caller
		}
		s.wg.Add(1)
		go func(workerID int) {
			defer s.wg.Done()
			s.runWorker(ctx, workerID)
		}(id)
	}
}

// RunCaller lets the constructing goroutine itself act as worker 0. It
// blocks until the scheduler stops.
func (s *Scheduler) RunCaller(ctx context.Context) {
	s.runWorker(ctx, 0)
}

// Stop requests shutdown: it tickles every worker so none stays parked in
// an idle wait, optionally runs one last dispatch pass on the calling
// goroutine (useCaller), then joins all spawned workers. After Stop
// returns, the task queue is empty and no worker goroutine is running.
func (s *Scheduler) Stop(ctx context.Context) {
	s.stopping.Store(true)
	for i := 0; i < s.workerCount; i++ {
		s.Tickle()
	}
	if s.useCaller {
		s.runWorker(ctx, 0)
	}
	s.wg.Wait()
}

// Schedule enqueues a fiber task, optionally pinned to threadID
// (AnyThread for "any worker").
func (s *Scheduler) Schedule(f *fiber.Fiber, threadID int) {
	s.enqueue(newFiberTask(f, threadID))
}

// ScheduleFunc enqueues a bare closure task; the worker that picks it up
// wraps it in a reusable per-worker fiber on demand.
func (s *Scheduler) ScheduleFunc(cb fiber.Entry, threadID int) {
	s.enqueue(newClosureTask(cb, threadID))
}

func (s *Scheduler) enqueue(t Task) {
	s.mu.Lock()
	wasEmpty := s.tasks.Len() == 0
	s.tasks.PushBack(t)
	s.mu.Unlock()
	if wasEmpty {
		s.Tickle()
	}
}

// Tickle wakes at least one worker parked in an idle wait. It is a no-op
// unless some worker is actually idle.
func (s *Scheduler) Tickle() {
	if s.idle.Load() == 0 {
		return
	}
	select {
	case s.tickleCh <- struct{}{}:
	default:
	}
	if s.ExtraTickle != nil {
		s.ExtraTickle()
	}
}

// PendingTasks reports the current queue depth; exposed for tests and
// metrics, not part of the core contract.
func (s *Scheduler) PendingTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks.Len()
}

// ActiveCount reports how many workers are currently mid-resume.
func (s *Scheduler) ActiveCount() int64 { return s.active.Load() }

func (s *Scheduler) baseStopping() bool {
	if !s.stopping.Load() {
		return false
	}
	s.mu.Lock()
	empty := s.tasks.Len() == 0
	s.mu.Unlock()
	if !empty || s.active.Load() != 0 {
		return false
	}
	if s.ExtraStopping != nil {
		return s.ExtraStopping()
	}
	return true
}

// popRunnable scans the queue head-to-tail for the first task this worker
// may run: unpinned, or pinned to workerID; fiber tasks currently EXEC on
// another worker are skipped. If a pinned-but-unrunnable task was skipped
// along the way, some other worker may be the one that can run it, so this
// tickles the pool again before returning.
func (s *Scheduler) popRunnable(workerID int) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	skippedOther := false
	for e := s.tasks.Front(); e != nil; e = e.Next() {
		t := e.Value.(Task)
		if t.ThreadID != AnyThread && t.ThreadID != workerID {
			skippedOther = true
			continue
		}
		if t.Fiber != nil && t.Fiber.State() == fiber.EXEC {
			continue
		}
		if !t.valid() {
			log.Panic().Int64("task_id", t.TaskID).Msg("scheduler: dequeued task has neither fiber nor closure")
		}
		s.tasks.Remove(e)
		s.active.Add(1)
		if skippedOther {
			defer s.Tickle()
		}
		return t, true
	}
	if skippedOther {
		defer s.Tickle()
	}
	return Task{}, false
}

func (s *Scheduler) slot(workerID int) *workerSlot {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	w, ok := s.workerFibers[workerID]
	if !ok {
		w = &workerSlot{}
		s.workerFibers[workerID] = w
	}
	return w
}

func (s *Scheduler) buildIdleFiber(workerID int) *fiber.Fiber {
	if s.IdleFiber != nil {
		return s.IdleFiber(workerID)
	}
	return fiber.New(func(ctx context.Context, self *fiber.Fiber) {
		for {
			if s.baseStopping() {
				return
			}
			select {
			case <-s.tickleCh:
			default:
				waitOnTickle(s.tickleCh, idlePollIntervalDefault)
			}
			self.Yield()
		}
	}, 0, true)
}

// runWorker is the per-worker dispatch loop: pop a runnable task and run
// it, or park in the idle fiber when there is none, until the scheduler
// stops.
func (s *Scheduler) runWorker(ctx context.Context, workerID int) {
	ctx = withSelf(ctx, s)
	w := s.slot(workerID)

	for {
		task, found := s.popRunnable(workerID)
		if !found {
			if s.baseStopping() {
				return
			}
			if w.idleFiber == nil {
				w.idleFiber = s.buildIdleFiber(workerID)
			}
			if w.idleFiber.State() == fiber.TERM {
				return
			}
			s.idle.Add(1)
			w.idleFiber.Resume(ctx)
			s.idle.Add(-1)
			// The idle fiber's own Yield() doesn't set a target state (it
			// may exit via many different paths); force HOLD unless it
			// actually finished.
			if st := w.idleFiber.State(); st != fiber.TERM && st != fiber.EXCEPT {
				w.idleFiber.ForceState(fiber.HOLD)
			}
			continue
		}

		switch {
		case task.Fiber != nil:
			s.runFiberTask(ctx, task)
		case task.Closure != nil:
			s.runClosureTask(ctx, w, task)
		}
	}
}

func (s *Scheduler) runFiberTask(ctx context.Context, task Task) {
	f := task.Fiber
	if st := f.State(); st == fiber.TERM || st == fiber.EXCEPT {
		s.active.Add(-1)
		return
	}
	f.Resume(ctx)
	s.active.Add(-1)

	switch f.State() {
	case fiber.READY:
		s.Schedule(f, task.ThreadID)
	case fiber.TERM, fiber.EXCEPT:
		log.Debug().Int64("task_id", task.TaskID).Str("state", f.State().String()).
			Msg("scheduler: fiber task finished")
	default:
		// HOLD: the fiber suspended itself awaiting an external event
		// (I/O, a timer); whoever registered that wait holds the strong
		// reference that will re-schedule it.
	}
}

func (s *Scheduler) runClosureTask(ctx context.Context, w *workerSlot, task Task) {
	if w.cbFiber == nil {
		w.cbFiber = fiber.New(task.Closure, 0, true)
	} else {
		w.cbFiber.Reset(task.Closure)
	}
	cb := w.cbFiber
	cb.Resume(ctx)
	s.active.Add(-1)

	switch cb.State() {
	case fiber.READY:
		s.Schedule(cb, task.ThreadID)
		w.cbFiber = nil
	case fiber.TERM, fiber.EXCEPT:
		// keep w.cbFiber: Reset() will recycle it for the next closure.
	default:
		// HOLD: ownership moved to whatever registered the wait.
		w.cbFiber = nil
	}
}

func waitOnTickle(ch <-chan struct{}, maxWait time.Duration) {
	t := time.NewTimer(maxWait)
	defer t.Stop()
	select {
	case <-ch:
	case <-t.C:
	}
}

func (s *Scheduler) String() string {
	return fmt.Sprintf("scheduler(%s, workers=%d, use_caller=%v)", s.name, s.workerCount, s.useCaller)
}
