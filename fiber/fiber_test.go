package fiber

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumeYieldResumeReachesTerm(t *testing.T) {
	var ran bool
	f := New(func(ctx context.Context, self *Fiber) {
		ran = true
		self.YieldToReady()
	}, 0, false)

	require.Equal(t, INIT, f.State())
	f.Resume(context.Background())
	assert.True(t, ran)
	assert.Equal(t, READY, f.State())

	f.Resume(context.Background())
	assert.Equal(t, TERM, f.State())
}

func TestEntryPanicBecomesExcept(t *testing.T) {
	f := New(func(ctx context.Context, self *Fiber) {
		panic("boom")
	}, 0, false)

	f.Resume(context.Background())
	assert.Equal(t, EXCEPT, f.State())
}

func TestResetReusesFiberAfterTerm(t *testing.T) {
	calls := 0
	f := New(func(ctx context.Context, self *Fiber) { calls++ }, 0, false)
	f.Resume(context.Background())
	require.Equal(t, TERM, f.State())

	f.Reset(func(ctx context.Context, self *Fiber) { calls++ })
	f.Resume(context.Background())
	assert.Equal(t, TERM, f.State())
	assert.Equal(t, 2, calls)
}

func TestFromContextSeesSelf(t *testing.T) {
	var seen *Fiber
	f := New(func(ctx context.Context, self *Fiber) {
		seen = FromContext(ctx)
	}, 0, true)
	f.Resume(context.Background())
	assert.Same(t, f, seen)
}

func TestYieldReturnsLatestResumeContext(t *testing.T) {
	type key struct{}
	var observed []int
	f := New(func(ctx context.Context, self *Fiber) {
		observed = append(observed, ctx.Value(key{}).(int))
		ctx = self.YieldToHold()
		observed = append(observed, ctx.Value(key{}).(int))
	}, 0, false)

	f.Resume(context.WithValue(context.Background(), key{}, 1))
	require.Equal(t, HOLD, f.State())
	f.Resume(context.WithValue(context.Background(), key{}, 2))
	assert.Equal(t, []int{1, 2}, observed)
}

func TestOnlyOneSideRunsAtATime(t *testing.T) {
	started := make(chan struct{})
	released := make(chan struct{})
	f := New(func(ctx context.Context, self *Fiber) {
		close(started)
		<-released
		self.YieldToReady()
	}, 0, false)

	done := make(chan struct{})
	go func() {
		f.Resume(context.Background())
		close(done)
	}()

	<-started
	select {
	case <-done:
		t.Fatal("resume returned before the fiber yielded")
	case <-time.After(20 * time.Millisecond):
	}
	close(released)
	<-done
}
