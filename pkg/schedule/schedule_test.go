package schedule_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/germanamz/rvm/pkg/schedule"
	"github.com/stretchr/testify/assert"
)

func TestSchedule_Fires(t *testing.T) {
	s := schedule.New(nil)

	var fired atomic.Int32
	s.Schedule("photo", 5*time.Millisecond, func() { fired.Add(1) })
	assert.True(t, s.Pending("photo"))

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	assert.False(t, s.Pending("photo"))
	assert.Equal(t, 0, s.Len())
}

func TestSchedule_ReplaceDropsOld(t *testing.T) {
	s := schedule.New(nil)

	var first, second atomic.Int32
	s.Schedule("weight", 20*time.Millisecond, func() { first.Add(1) })
	s.Schedule("weight", 5*time.Millisecond, func() { second.Add(1) })

	assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestCancel(t *testing.T) {
	s := schedule.New(nil)

	var fired atomic.Int32
	s.Schedule("inactivity", 10*time.Millisecond, func() { fired.Add(1) })

	assert.True(t, s.Cancel("inactivity"))
	assert.False(t, s.Cancel("inactivity"))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestCancelAll(t *testing.T) {
	s := schedule.New(nil)

	var fired atomic.Int32
	for _, name := range []string{"a", "b", "c"} {
		s.Schedule(name, 10*time.Millisecond, func() { fired.Add(1) })
	}

	s.CancelAll("a", "b", "missing")
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Pending("c"))

	s.CancelAll()
	assert.Equal(t, 0, s.Len())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

// A timer that already fired but whose dispatch is still queued must not run
// once it has been cancelled.
func TestCancel_StaleDispatchDropped(t *testing.T) {
	var mu sync.Mutex
	var queued []func()

	s := schedule.New(func(fn func()) {
		mu.Lock()
		defer mu.Unlock()
		queued = append(queued, fn)
	})

	var fired atomic.Int32
	s.Schedule("retry", time.Millisecond, func() { fired.Add(1) })

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(queued) == 1
	}, time.Second, time.Millisecond)

	s.Cancel("retry")

	mu.Lock()
	fn := queued[0]
	mu.Unlock()
	fn()

	assert.Equal(t, int32(0), fired.Load())
}

func TestReschedule_StaleDispatchDropped(t *testing.T) {
	var mu sync.Mutex
	var queued []func()

	s := schedule.New(func(fn func()) {
		mu.Lock()
		defer mu.Unlock()
		queued = append(queued, fn)
	})

	var old, fresh atomic.Int32
	s.Schedule("photo", time.Millisecond, func() { old.Add(1) })

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(queued) == 1
	}, time.Second, time.Millisecond)

	s.Schedule("photo", time.Hour, func() { fresh.Add(1) })

	mu.Lock()
	stale := queued[0]
	mu.Unlock()
	stale()

	assert.Equal(t, int32(0), old.Load())
	assert.True(t, s.Pending("photo"))
	s.CancelAll()
}
