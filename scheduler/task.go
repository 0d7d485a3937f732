package scheduler

import (
	"sync/atomic"

	"github.com/kestrelio/kestrel/fiber"
)

// AnyThread is the thread-affinity sentinel meaning "any worker may run
// this task".
const AnyThread = -1

var taskIDSeq atomic.Int64

// Task is a unit of pending work on the scheduler queue: either a fiber
// reference or a bare closure, optionally pinned to one worker.
type Task struct {
	Fiber    *fiber.Fiber
	Closure  fiber.Entry
	ThreadID int
	TaskID   int64
}

func newFiberTask(f *fiber.Fiber, threadID int) Task {
	return Task{Fiber: f, ThreadID: threadID, TaskID: taskIDSeq.Add(1)}
}

func newClosureTask(cb fiber.Entry, threadID int) Task {
	return Task{Closure: cb, ThreadID: threadID, TaskID: taskIDSeq.Add(1)}
}

// valid reports whether the task carries a fiber or a closure. A Task
// zero value is never enqueued, so a false result from valid indicates a
// scheduler bug rather than caller error.
func (t Task) valid() bool { return t.Fiber != nil || t.Closure != nil }
