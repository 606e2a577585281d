// Package eventlog serializes work per key and assigns gapless,
// per-channel event ids.
package eventlog

import (
	"context"
	"runtime/debug"
	"sync"
)

const laneQueueSize = 64

// Lanes runs functions one at a time per key. Functions for different keys
// run concurrently. A lane goroutine exists only while it has pending work.
type Lanes struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	tasks   chan task
	pending int
}

type task struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

func NewLanes() *Lanes {
	return &Lanes{lanes: make(map[string]*lane)}
}

// Do queues fn on the lane of key and waits for it to finish. Tasks queued
// on the same key run in the order Do was called. If ctx is done before fn
// starts, fn is skipped and the context error returned. A panic in fn is
// returned as a *PanicError.
func (l *Lanes) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	ln, ok := l.lanes[key]
	if !ok {
		ln = &lane{tasks: make(chan task, laneQueueSize)}
		l.lanes[key] = ln
		go l.run(key, ln)
	}
	ln.pending++
	l.mu.Unlock()

	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	ln.tasks <- t
	return <-t.done
}

func (l *Lanes) run(key string, ln *lane) {
	for t := range ln.tasks {
		t.done <- execute(t)

		l.mu.Lock()
		ln.pending--
		if ln.pending == 0 {
			delete(l.lanes, key)
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
	}
}

func execute(t task) (err error) {
	if err := t.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return t.fn(t.ctx)
}

// Active returns the number of lanes with pending work.
func (l *Lanes) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}
