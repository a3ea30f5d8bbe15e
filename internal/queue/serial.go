// Package queue implements the serial-dispatch-queue concurrency model
// described by the store's design: one FIFO worker goroutine per scope
// (a Collection or the Store/connection), with a reentrant DispatchSync
// and a fire-and-forget DispatchAsync.
package queue

import (
	"context"
	"sync"
)

type serialKey struct{ s *Serial }

// Serial is a single-consumer work queue. Every task enqueued on a given
// Serial runs to completion before the next one starts, and tasks from
// different Serials run independently.
type Serial struct {
	tasks  chan func()
	done   chan struct{}
	once   sync.Once
	closed chan struct{}
}

// NewSerial starts the worker goroutine backing the queue. capacity bounds
// how many pending async tasks may be buffered before DispatchAsync blocks
// the caller.
func NewSerial(capacity int) *Serial {
	if capacity < 1 {
		capacity = 1
	}
	s := &Serial{
		tasks:  make(chan func(), capacity),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Serial) run() {
	defer close(s.done)
	for {
		select {
		case task := <-s.tasks:
			task()
			continue
		default:
		}
		select {
		case task := <-s.tasks:
			task()
		case <-s.closed:
			return
		}
	}
}

// onQueue reports whether ctx carries the marker for this Serial, i.e.
// whether the calling code is already executing inside s's worker
// goroutine. Go has no thread-local storage to interrogate directly, so
// the marker is threaded through context.Context by DispatchSync itself,
// the idiomatic substitute for GCD's dispatch_get_specific reentrancy check.
func (s *Serial) onQueue(ctx context.Context) bool {
	v, _ := ctx.Value(serialKey{s}).(bool)
	return v
}

// DispatchSync runs fn and blocks until it completes. If the caller is
// already executing on this Serial (nested synchronous call within one
// scope), fn runs inline instead of being re-enqueued, which is what makes
// nested DispatchSync calls deadlock-free.
//
// fn always runs, even after Close: a closed Serial has no worker left to
// hand the task to, so DispatchSync runs it inline instead. This is what
// lets a closed collection's own checkClosed check fire from inside fn
// rather than the call silently turning into a no-op.
func (s *Serial) DispatchSync(ctx context.Context, fn func(ctx context.Context)) {
	if s.onQueue(ctx) {
		fn(ctx)
		return
	}
	select {
	case <-s.closed:
		fn(ctx)
		return
	default:
	}
	marked := context.WithValue(ctx, serialKey{s}, true)
	done := make(chan struct{})
	select {
	case s.tasks <- func() {
		defer close(done)
		fn(marked)
	}:
	case <-s.closed:
		fn(marked)
		close(done)
	}
	<-done
}

// DispatchAsync enqueues fn and returns immediately. After Close it runs fn
// on a fresh goroutine instead, for the same reason DispatchSync falls back
// to running inline: there is no worker left to enqueue onto.
func (s *Serial) DispatchAsync(ctx context.Context, fn func(ctx context.Context)) {
	marked := context.WithValue(ctx, serialKey{s}, true)
	select {
	case <-s.closed:
		go fn(marked)
		return
	default:
	}
	select {
	case s.tasks <- func() { fn(marked) }:
	case <-s.closed:
		go fn(marked)
	}
}

// Sync blocks until every task enqueued before this call has completed.
func (s *Serial) Sync(ctx context.Context) {
	s.DispatchSync(ctx, func(context.Context) {})
}

// Close drains whatever is already buffered, then stops the worker
// goroutine. s.tasks is never closed: a send on it from a racing
// DispatchSync/DispatchAsync call must never panic, so shutdown is
// signaled purely through s.closed and the worker and dispatchers
// coordinate on that instead.
func (s *Serial) Close() {
	s.once.Do(func() {
		close(s.closed)
	})
	<-s.done
}

// Target names where a completion callback (or the result of a Begin*
// async call) should run, generalizing the original store's "pass the
// internal serial queue" sentinel into an explicit enum.
type Target int

const (
	// Inline runs the continuation synchronously, on whatever goroutine
	// produced the result.
	Inline Target = iota
	// Background runs the continuation on a fresh goroutine.
	Background
	// Main runs the continuation on the process-wide "home" queue set by
	// SetMainQueue, falling back to Background if none was set. Go has no
	// canonical UI thread, so this is a best-effort analogue of the
	// original's "run on the UI thread if called from it" default.
	Main
)

var (
	mainQueueMu sync.RWMutex
	mainQueue   *Serial
)

// SetMainQueue registers the Serial that Main should dispatch to. Embedding
// applications with a notion of a "home" goroutine (e.g. a UI event loop)
// call this once at startup.
func SetMainQueue(s *Serial) {
	mainQueueMu.Lock()
	defer mainQueueMu.Unlock()
	mainQueue = s
}

// Run executes fn on the queue named by t.
func Run(t Target, fn func()) {
	switch t {
	case Inline:
		fn()
	case Main:
		mainQueueMu.RLock()
		q := mainQueue
		mainQueueMu.RUnlock()
		if q != nil {
			q.DispatchAsync(context.Background(), func(context.Context) { fn() })
			return
		}
		fallthrough
	default:
		go fn()
	}
}
