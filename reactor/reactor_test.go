package reactor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelio/kestrel/fiber"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := New(1, false, "test", 0, 0)
	require.NoError(t, err)
	r.Start(context.Background())
	t.Cleanup(func() { r.Stop(context.Background()) })
	return r
}

func makePipe(t *testing.T) (readFD, writeFD int) {
	t.Helper()
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_NONBLOCK))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestAddEventFiresCallbackOnReadiness(t *testing.T) {
	r := newTestReactor(t)
	readFD, writeFD := makePipe(t)

	fired := make(chan struct{})
	err := r.AddEvent(context.Background(), readFD, Read, func(ctx context.Context, self *fiber.Fiber) {
		close(fired)
	})
	require.NoError(t, err)

	_, err = unix.Write(writeFD, []byte("x"))
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("read readiness callback never fired")
	}
}

func TestAddEventRejectsDoubleRegistration(t *testing.T) {
	r := newTestReactor(t)
	readFD, _ := makePipe(t)

	err := r.AddEvent(context.Background(), readFD, Read, func(ctx context.Context, self *fiber.Fiber) {})
	require.NoError(t, err)

	err = r.AddEvent(context.Background(), readFD, Read, func(ctx context.Context, self *fiber.Fiber) {})
	assert.Error(t, err)
}

func TestRemoveEventDisarmsWithoutFiring(t *testing.T) {
	r := newTestReactor(t)
	readFD, writeFD := makePipe(t)

	fired := make(chan struct{})
	require.NoError(t, r.AddEvent(context.Background(), readFD, Read, func(ctx context.Context, self *fiber.Fiber) {
		close(fired)
	}))
	require.True(t, r.RemoveEvent(readFD, Read))

	_, err := unix.Write(writeFD, []byte("x"))
	require.NoError(t, err)

	select {
	case <-fired:
		t.Fatal("removed waiter should not fire")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelEventFiresImmediately(t *testing.T) {
	r := newTestReactor(t)
	readFD, _ := makePipe(t)

	fired := make(chan struct{})
	require.NoError(t, r.AddEvent(context.Background(), readFD, Read, func(ctx context.Context, self *fiber.Fiber) {
		close(fired)
	}))

	assert.True(t, r.CancelEvent(readFD, Read))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter should still fire once")
	}
}

func TestCancelAllFiresBothDirections(t *testing.T) {
	r := newTestReactor(t)
	readFD, _ := makePipe(t)

	readFired := make(chan struct{})
	require.NoError(t, r.AddEvent(context.Background(), readFD, Read, func(ctx context.Context, self *fiber.Fiber) {
		close(readFired)
	}))

	assert.True(t, r.CancelAll(readFD))
	select {
	case <-readFired:
	case <-time.After(time.Second):
		t.Fatal("cancelAll should fire the registered direction")
	}
}

func TestTimerFiresThroughReactorLoop(t *testing.T) {
	r := newTestReactor(t)
	fired := make(chan struct{})
	r.Timers.AddTimer(10*time.Millisecond, func() { close(fired) }, false)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer callback never ran through the reactor's idle loop")
	}
}

// TestRecurringTimerFiresExpectedCountOverWallTime mirrors a 100ms-period
// recurring timer observed over 550ms of wall time: it must fire 5 or 6
// times, and cancelling it must stop further invocations.
func TestRecurringTimerFiresExpectedCountOverWallTime(t *testing.T) {
	r := newTestReactor(t)

	var count atomic.Int64
	timer := r.Timers.AddTimer(100*time.Millisecond, func() { count.Add(1) }, true)

	time.Sleep(550 * time.Millisecond)
	timer.Cancel()
	seenAtCancel := count.Load()
	assert.GreaterOrEqual(t, seenAtCancel, int64(5))
	assert.LessOrEqual(t, seenAtCancel, int64(6))

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, seenAtCancel, count.Load(), "cancel must stop further invocations")
}
