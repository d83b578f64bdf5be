package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrLoopClosed is returned when work is posted to a closed loop.
var ErrLoopClosed = errors.New("event loop closed")

// Loop is a single-threaded task queue. Every piece of client state belongs to
// exactly one Loop and is only touched from tasks running on it; background
// work (network calls, timers, relay deliveries) posts its completion back
// with Post.
//
// A Loop is driven either by Run on its own goroutine or, in tests, by calling
// RunPending from the owning goroutine.
type Loop struct {
	mutex   sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	running atomic.Bool
}

// NewLoop creates an idle loop.
func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post enqueues fn. It reports false if the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mutex.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// RunPending runs queued tasks, including ones they post, until the queue is
// empty. It returns the number of tasks run.
func (l *Loop) RunPending() int {
	n := 0
	for {
		fn, ok := l.next()
		if !ok {
			return n
		}
		fn()
		n++
	}
}

// Run processes tasks until ctx is done or the loop is closed and drained.
func (l *Loop) Run(ctx context.Context) {
	l.running.Store(true)
	defer l.running.Store(false)

	for {
		l.RunPending()

		l.mutex.Lock()
		finished := l.closed && len(l.queue) == 0
		l.mutex.Unlock()
		if finished {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
	}
}

// Running reports whether Run is driving the loop.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Do runs fn on the loop and waits for it. It requires Run.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrLoopClosed
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further posts. Tasks already queued still run.
func (l *Loop) Close() {
	l.mutex.Lock()
	l.closed = true
	l.mutex.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) next() (func(), bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}
