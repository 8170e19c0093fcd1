package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"chat-sync-demo/client/pkg/errors"
	"chat-sync-demo/client/pkg/logger"
)

// Scheduler is the single execution context the engine runs on. Every task
// and every timer callback runs on it, one at a time.
type Scheduler interface {
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) Timer
	Every(d time.Duration, fn func()) Timer
	Now() time.Time
}

// Timer is a cancellable scheduled callback
type Timer interface {
	// Stop prevents a pending callback from running. It reports whether
	// the timer was still active.
	Stop() bool
}

// Loop serializes closures onto one goroutine
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	timers  map[*loopTimer]struct{}
	wake    chan struct{}
	done    chan struct{}
	closed  atomic.Bool
	running atomic.Bool
	log     *logger.Logger
}

// New creates a loop. Call Run (or Start) to begin draining tasks.
func New(log *logger.Logger) *Loop {
	if log == nil {
		log = logger.GetGlobal()
	}
	return &Loop{
		timers: make(map[*loopTimer]struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		log:    log.WithComponent("eventloop"),
	}
}

// Start runs the loop on its own goroutine
func (l *Loop) Start(ctx context.Context) {
	go l.Run(ctx)
}

// Run drains tasks until ctx is done or Close is called
func (l *Loop) Run(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	defer l.Close()

	for {
		select {
		case <-l.wake:
			l.drain()
		case <-l.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			if l.closed.Load() {
				return
			}
			_ = errors.Guard(l.log, "eventloop.task", fn)
		}
	}
}

// Post queues fn. Tasks posted after Close are dropped.
func (l *Loop) Post(fn func()) {
	if l.closed.Load() {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop and waits for it. It returns false if the loop
// closed first. Never call Do from a task.
func (l *Loop) Do(fn func()) bool {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

// Now returns the wall clock
func (l *Loop) Now() time.Time {
	return time.Now()
}

// AfterFunc runs fn on the loop once d has elapsed
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{loop: l, fn: fn}
	if !l.track(t) {
		t.stopped.Store(true)
		return t
	}
	t.mu.Lock()
	t.timer = time.AfterFunc(d, t.fire)
	t.mu.Unlock()
	return t
}

// Every runs fn on the loop every d until the timer is stopped
func (l *Loop) Every(d time.Duration, fn func()) Timer {
	t := &loopTimer{loop: l, fn: fn, period: d}
	if !l.track(t) {
		t.stopped.Store(true)
		return t
	}
	t.mu.Lock()
	t.timer = time.AfterFunc(d, t.fire)
	t.mu.Unlock()
	return t
}

func (l *Loop) track(t *loopTimer) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return false
	}
	l.timers[t] = struct{}{}
	return true
}

func (l *Loop) untrack(t *loopTimer) {
	l.mu.Lock()
	delete(l.timers, t)
	l.mu.Unlock()
}

// Close stops every timer and drops queued tasks. It is idempotent.
func (l *Loop) Close() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}

	l.mu.Lock()
	timers := l.timers
	l.timers = make(map[*loopTimer]struct{})
	l.queue = nil
	l.mu.Unlock()

	for t := range timers {
		t.Stop()
	}
	close(l.done)
}

// Done is closed once the loop has shut down
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// ActiveTimers reports how many timers are still scheduled
func (l *Loop) ActiveTimers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

type loopTimer struct {
	loop    *Loop
	fn      func()
	period  time.Duration
	mu      sync.Mutex
	timer   *time.Timer
	stopped atomic.Bool
}

func (t *loopTimer) fire() {
	if t.stopped.Load() {
		return
	}
	t.loop.Post(func() {
		if t.stopped.Load() {
			return
		}
		if t.period == 0 {
			t.stopped.Store(true)
			t.loop.untrack(t)
		}
		t.fn()
		if t.period > 0 && !t.stopped.Load() {
			t.mu.Lock()
			t.timer.Reset(t.period)
			t.mu.Unlock()
		}
	})
}

func (t *loopTimer) Stop() bool {
	if !t.stopped.CompareAndSwap(false, true) {
		return false
	}
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	t.loop.untrack(t)
	return true
}
