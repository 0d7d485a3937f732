package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrainExpiredFiresOneShotOnce(t *testing.T) {
	m := NewManager()
	var fired atomic.Int32
	m.AddTimer(5*time.Millisecond, func() { fired.Add(1) }, false)

	require.Eventually(t, func() bool {
		for _, cb := range m.DrainExpired() {
			cb()
		}
		return fired.Load() > 0
	}, time.Second, time.Millisecond)

	for _, cb := range m.DrainExpired() {
		cb()
	}
	time.Sleep(10 * time.Millisecond)
	cbs := m.DrainExpired()
	for _, cb := range cbs {
		cb()
	}
	assert.Equal(t, int32(1), fired.Load())
}

func TestDrainExpiredRequeuesRecurring(t *testing.T) {
	m := NewManager()
	m.AddTimer(2*time.Millisecond, func() {}, true)

	time.Sleep(8 * time.Millisecond)
	first := m.DrainExpired()
	require.Len(t, first, 1)
	assert.True(t, m.HasTimer(), "recurring timer must be re-inserted")
}

func TestCancelRemovesTimer(t *testing.T) {
	m := NewManager()
	timerHandle := m.AddTimer(time.Hour, func() {}, false)
	assert.True(t, timerHandle.Cancel())
	assert.False(t, timerHandle.Cancel())
	assert.False(t, m.HasTimer())
}

func TestRefreshPushesDeadlineForward(t *testing.T) {
	m := NewManager()
	timerHandle := m.AddTimer(5*time.Millisecond, func() {}, false)
	time.Sleep(3 * time.Millisecond)
	require.True(t, timerHandle.Refresh())

	time.Sleep(3 * time.Millisecond)
	assert.Empty(t, m.DrainExpired(), "refreshed timer should not have fired yet")
}

func TestNextDelayReflectsSoonestTimer(t *testing.T) {
	m := NewManager()
	assert.Equal(t, time.Duration(-1), m.NextDelay())

	m.AddTimer(50*time.Millisecond, func() {}, false)
	d := m.NextDelay()
	assert.True(t, d > 0 && d <= 50*time.Millisecond)
}

func TestConditionTimerWithDroppedGuardIsSafeToDrain(t *testing.T) {
	m := NewManager()
	var fired atomic.Bool

	func() {
		guard := new(int)
		AddConditionTimer(m, 2*time.Millisecond, func() { fired.Store(true) }, guard, false)
		_ = guard
	}()

	// The guard above is unreachable now (no remaining strong references);
	// a GC between here and DrainExpired may or may not have reclaimed it,
	// so this test only asserts the call never panics and is safe to fire
	// either way.
	time.Sleep(5 * time.Millisecond)
	for _, cb := range m.DrainExpired() {
		cb()
	}
	_ = fired.Load()
}

func TestOrderingBreaksTiesByInsertionOrder(t *testing.T) {
	m := NewManager()
	var order []int
	deadline := 5 * time.Millisecond
	for i := 0; i < 3; i++ {
		i := i
		m.AddTimer(deadline, func() { order = append(order, i) }, false)
	}
	time.Sleep(10 * time.Millisecond)
	for _, cb := range m.DrainExpired() {
		cb()
	}
	assert.Equal(t, []int{0, 1, 2}, order)
}
