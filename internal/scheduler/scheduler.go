// Package scheduler runs the periodic tasks owned by one bot.
//
// A Group is single use: it is started once, stopped once, and a fresh Group is built for every
// start or resume of a bot.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one periodic job of a bot.
type Task struct {
	Name      string
	Interval  time.Duration
	Immediate bool // 启动时立即执行一次
	Run       func(ctx context.Context) error
}

// TaskStats counts firings of a task.
type TaskStats struct {
	Runs    int64 `json:"runs"`
	Skipped int64 `json:"skipped"`
	Errors  int64 `json:"errors"`
}

// PanicHandler is called with the recovered value when a task panics. ctx is the context of the
// panicking run, so the handler may Stop the group from it.
type PanicHandler func(ctx context.Context, task string, recovered any)

type groupKey struct{}

type taskState struct {
	task  Task
	busy  bool
	stats TaskStats
}

// Group owns the timers of one bot. All timers are cancelled synchronously by Stop.
type Group struct {
	name    string
	logger  *zap.Logger
	onPanic PanicHandler

	mu      sync.Mutex
	tasks   map[string]*taskState
	started bool
	stopped bool

	ctx      context.Context
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	inflight sync.WaitGroup
}

// NewGroup creates an idle group. onPanic may be nil.
func NewGroup(name string, logger *zap.Logger, onPanic PanicHandler) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Group{
		name:    name,
		logger:  logger,
		onPanic: onPanic,
		tasks:   make(map[string]*taskState),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers a task. Tasks must be added before Start.
func (g *Group) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return errors.New("task needs a name and a run function")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started || g.stopped {
		return fmt.Errorf("task %s: group %s already started", t.Name, g.name)
	}
	if _, dup := g.tasks[t.Name]; dup {
		return fmt.Errorf("task %s already defined", t.Name)
	}
	g.tasks[t.Name] = &taskState{task: t}
	return nil
}

// Start launches one loop per task. Calling Start more than once is a no-op.
func (g *Group) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started || g.stopped {
		return
	}
	g.started = true
	for _, ts := range g.tasks {
		g.loops.Add(1)
		go g.loop(ts)
	}
}

func (g *Group) loop(ts *taskState) {
	defer g.loops.Done()

	if ts.task.Immediate {
		g.fire(ts)
	}

	ticker := time.NewTicker(ts.task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.fire(ts)
		}
	}
}

// fire runs the task in its own goroutine unless the previous run is still in flight.
func (g *Group) fire(ts *taskState) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	if ts.busy {
		ts.stats.Skipped++
		g.mu.Unlock()
		g.logger.Debug("previous run still in flight, skipping", zap.String("task", ts.task.Name))
		return
	}
	ts.busy = true
	ts.stats.Runs++
	g.inflight.Add(1)
	g.mu.Unlock()

	go g.run(ts)
}

func (g *Group) run(ts *taskState) {
	ctx := context.WithValue(g.ctx, groupKey{}, g)

	var err error
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("task panicked", zap.String("task", ts.task.Name), zap.Any("panic", r))
			err = fmt.Errorf("panic: %v", r)
			if g.onPanic != nil {
				g.onPanic(ctx, ts.task.Name, r)
			}
		}
		g.mu.Lock()
		ts.busy = false
		if err != nil {
			ts.stats.Errors++
		}
		g.mu.Unlock()
		g.inflight.Done()
	}()

	err = ts.task.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Warn("task failed", zap.String("task", ts.task.Name), zap.Error(err))
	}
}

// InTick reports whether ctx belongs to a running task of this group.
func (g *Group) InTick(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(groupKey{}).(*Group)
	return owner == g
}

// Stop cancels every timer and waits for the loops and in-flight runs to finish. When called
// from one of the group's own tasks it does not wait for in-flight runs, since the caller is one
// of them. Stop is idempotent.
func (g *Group) Stop(ctx context.Context) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	g.cancel()
	g.mu.Unlock()

	g.loops.Wait()
	if g.InTick(ctx) {
		return
	}
	g.inflight.Wait()
}

// Stopped reports whether Stop has been called.
func (g *Group) Stopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}

// Stats returns a copy of the per-task counters.
func (g *Group) Stats() map[string]TaskStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]TaskStats, len(g.tasks))
	for name, ts := range g.tasks {
		out[name] = ts.stats
	}
	return out
}

// Tasks returns the names of the defined tasks.
func (g *Group) Tasks() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.tasks))
	for name := range g.tasks {
		names = append(names, name)
	}
	return names
}
