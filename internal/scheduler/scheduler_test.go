package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestRegisteredTickRunsRepeatedly(t *testing.T) {
	s := New(nil)
	var count int64
	s.Register("counter", 2*time.Millisecond, func() { atomic.AddInt64(&count, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	defer cancel()

	waitFor(t, func() bool { return atomic.LoadInt64(&count) >= 3 })
}

func TestRegisterAfterStartSpawnsImmediately(t *testing.T) {
	s := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	defer cancel()

	var count int64
	s.Register("late", 2*time.Millisecond, func() { atomic.AddInt64(&count, 1) })
	waitFor(t, func() bool { return atomic.LoadInt64(&count) >= 1 })
}

func TestStopWaitsForGoroutinesToExit(t *testing.T) {
	s := New(nil)
	var mu sync.Mutex
	running := false
	s.Register("flag", time.Millisecond, func() {
		mu.Lock()
		running = true
		mu.Unlock()
	})
	s.Start(context.Background())
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return running
	})
	s.Stop()
	// Stop should be safe to call again.
	s.Stop()
}

func TestPanickingTickDoesNotCrashScheduler(t *testing.T) {
	s := New(nil)
	var survived int64
	s.Register("panicker", time.Millisecond, func() { panic("boom") })
	s.Register("survivor", time.Millisecond, func() { atomic.AddInt64(&survived, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	defer cancel()

	waitFor(t, func() bool { return atomic.LoadInt64(&survived) >= 2 })
}
