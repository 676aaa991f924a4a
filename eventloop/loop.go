// Package eventloop provides the serial context every device session, the
// registry and all UI-visible notifications run on. I/O happens in goroutines
// that post their completions back here, so state owned by the loop needs no
// locking.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Call once the loop has stopped.
var ErrClosed = errors.New("event loop closed")

// Loop dispatches posted funcs one at a time in FIFO order.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// New creates a loop. Nothing runs until Run is called.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Run dispatches posted funcs until ctx is cancelled. Funcs still queued at
// that point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fn()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post queues fn. It never blocks and is safe from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Call runs fn on the loop and waits for it to return. It must not be called
// from the loop itself.
func (l *Loop) Call(fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// Timer is a loop-bound timer created by AfterFunc or Every.
type Timer struct {
	loop    *Loop
	fn      func()
	period  time.Duration
	stopped atomic.Bool

	mu sync.Mutex
	t  *time.Timer
}

// AfterFunc runs fn on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{loop: l, fn: fn}
	tm.mu.Lock()
	tm.t = time.AfterFunc(d, tm.fire)
	tm.mu.Unlock()
	return tm
}

// Every runs fn on the loop every d until the timer is stopped. The next
// interval starts once fn has returned.
func (l *Loop) Every(d time.Duration, fn func()) *Timer {
	tm := &Timer{loop: l, fn: fn, period: d}
	tm.mu.Lock()
	tm.t = time.AfterFunc(d, tm.fire)
	tm.mu.Unlock()
	return tm
}

func (tm *Timer) fire() {
	tm.loop.Post(func() {
		if tm.stopped.Load() {
			return
		}
		if tm.period == 0 {
			tm.stopped.Store(true)
		}
		tm.fn()
		if tm.period > 0 && !tm.stopped.Load() {
			tm.mu.Lock()
			tm.t.Reset(tm.period)
			tm.mu.Unlock()
		}
	})
}

// Stop cancels the timer. It is idempotent. When called on the loop, fn is
// guaranteed not to run afterwards.
func (tm *Timer) Stop() {
	if tm == nil {
		return
	}
	tm.stopped.Store(true)
	tm.mu.Lock()
	tm.t.Stop()
	tm.mu.Unlock()
}

// Active reports whether the timer may still fire.
func (tm *Timer) Active() bool {
	return tm != nil && !tm.stopped.Load()
}
