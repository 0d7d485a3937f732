package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelio/kestrel/fiber"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleFuncRunsOnAnyWorker(t *testing.T) {
	s := New(2, false, "test")
	s.Start(context.Background())
	defer s.Stop(context.Background())

	done := make(chan struct{})
	s.ScheduleFunc(func(ctx context.Context, self *fiber.Fiber) {
		close(done)
	}, AnyThread)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("closure task never ran")
	}
}

func TestScheduleRunsFiberToCompletion(t *testing.T) {
	s := New(1, false, "test")
	s.Start(context.Background())
	defer s.Stop(context.Background())

	var count atomic.Int32
	f := fiber.New(func(ctx context.Context, self *fiber.Fiber) {
		count.Add(1)
		self.YieldToReady()
		count.Add(1)
	}, 0, false)

	s.Schedule(f, AnyThread)

	require.Eventually(t, func() bool {
		return f.State() == fiber.TERM
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), count.Load())
}

func TestTaskPinnedToExistingWorkerRuns(t *testing.T) {
	s := New(2, false, "test")
	s.Start(context.Background())
	defer s.Stop(context.Background())

	seen := make(chan int, 1)
	s.ScheduleFunc(func(ctx context.Context, self *fiber.Fiber) {
		sc := FromContext(ctx)
		require.NotNil(t, sc)
		seen <- 1
	}, 1)

	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("pinned task never ran")
	}
}

func TestStopDrainsAndJoinsWorkers(t *testing.T) {
	s := New(3, false, "test")
	s.Start(context.Background())

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		s.ScheduleFunc(func(ctx context.Context, self *fiber.Fiber) {
			ran.Add(1)
		}, AnyThread)
	}

	s.Stop(context.Background())
	assert.Equal(t, int32(10), ran.Load())
	assert.Equal(t, 0, s.PendingTasks())
}

func TestUseCallerRunsFinalPassOnCallingGoroutine(t *testing.T) {
	s := New(1, true, "test")
	// No Start(): the caller drives worker 0 itself via Stop's useCaller path.
	done := make(chan struct{})
	s.ScheduleFunc(func(ctx context.Context, self *fiber.Fiber) {
		close(done)
	}, AnyThread)

	s.Stop(context.Background())
	select {
	case <-done:
	default:
		t.Fatal("use_caller task did not run during Stop")
	}
}

func TestTickleIsNoopWithoutIdleWorkers(t *testing.T) {
	s := New(1, false, "test")
	// Before Start, idle count is zero; Tickle must not panic or block.
	s.Tickle()
	assert.Equal(t, 0, s.PendingTasks())
}
