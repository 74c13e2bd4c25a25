package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupRunsTasksPeriodically(t *testing.T) {
	var count atomic.Int64
	g := NewGroup("test", nil, nil)
	require.NoError(t, g.Add(Task{
		Name:      "tick",
		Interval:  10 * time.Millisecond,
		Immediate: true,
		Run: func(ctx context.Context) error {
			count.Add(1)
			return nil
		},
	}))
	g.Start()

	assert.Eventually(t, func() bool { return count.Load() >= 3 }, time.Second, 5*time.Millisecond)
	g.Stop(context.Background())

	after := count.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, after, count.Load(), "no firing after Stop returns")
}

func TestGroupSkipsWhileBusy(t *testing.T) {
	release := make(chan struct{})
	var running, maxRunning atomic.Int64

	g := NewGroup("test", nil, nil)
	require.NoError(t, g.Add(Task{
		Name:      "slow",
		Interval:  5 * time.Millisecond,
		Immediate: true,
		Run: func(ctx context.Context) error {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}))
	g.Start()

	assert.Eventually(t, func() bool { return g.Stats()["slow"].Skipped >= 3 }, time.Second, 5*time.Millisecond)
	close(release)
	g.Stop(context.Background())

	assert.Equal(t, int64(1), maxRunning.Load(), "runs of one task never overlap")
	assert.GreaterOrEqual(t, g.Stats()["slow"].Runs, int64(1))
}

func TestStopWaitsForInflight(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool

	g := NewGroup("test", nil, nil)
	require.NoError(t, g.Add(Task{
		Name:      "work",
		Interval:  time.Hour,
		Immediate: true,
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			finished.Store(true)
			return ctx.Err()
		},
	}))
	g.Start()
	<-started

	g.Stop(context.Background())
	assert.True(t, finished.Load(), "Stop returns only after the in-flight run completed")
	assert.True(t, g.Stopped())
}

func TestStopFromOwnTaskDoesNotDeadlock(t *testing.T) {
	g := NewGroup("test", nil, nil)
	done := make(chan struct{})
	require.NoError(t, g.Add(Task{
		Name:      "self-stop",
		Interval:  time.Hour,
		Immediate: true,
		Run: func(ctx context.Context) error {
			assert.True(t, g.InTick(ctx))
			g.Stop(ctx)
			close(done)
			return nil
		},
	}))
	g.Start()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop called from a task deadlocked")
	}
	assert.True(t, g.Stopped())
	assert.False(t, g.InTick(context.Background()))
}

func TestPanicIsRecoveredAndReported(t *testing.T) {
	var mu sync.Mutex
	var got string
	reported := make(chan struct{}, 1)

	var g *Group
	g = NewGroup("test", nil, func(ctx context.Context, task string, recovered any) {
		assert.True(t, g.InTick(ctx))
		mu.Lock()
		got = task
		mu.Unlock()
		reported <- struct{}{}
	})
	require.NoError(t, g.Add(Task{
		Name:      "boom",
		Interval:  time.Hour,
		Immediate: true,
		Run:       func(ctx context.Context) error { panic("boom") },
	}))
	g.Start()

	select {
	case <-reported:
	case <-time.After(time.Second):
		t.Fatal("panic handler not called")
	}
	g.Stop(context.Background())

	mu.Lock()
	assert.Equal(t, "boom", got)
	mu.Unlock()
	assert.Equal(t, int64(1), g.Stats()["boom"].Errors)
}

func TestAddValidation(t *testing.T) {
	g := NewGroup("test", nil, nil)
	noop := func(ctx context.Context) error { return nil }

	assert.Error(t, g.Add(Task{Name: "", Interval: time.Second, Run: noop}))
	assert.Error(t, g.Add(Task{Name: "x", Interval: 0, Run: noop}))
	require.NoError(t, g.Add(Task{Name: "x", Interval: time.Second, Run: noop}))
	assert.Error(t, g.Add(Task{Name: "x", Interval: time.Second, Run: noop}), "duplicate name")

	g.Start()
	assert.Error(t, g.Add(Task{Name: "y", Interval: time.Second, Run: noop}), "add after start")
	g.Stop(context.Background())
	g.Stop(context.Background())
	assert.ElementsMatch(t, []string{"x"}, g.Tasks())
}
