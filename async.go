package ntjsonstore

import (
	"context"

	"ntjsonstore/internal/queue"
)

// Target names where a Begin*-style asynchronous call's completion should
// run, generalizing the original design note's "pass the internal serial
// queue" sentinel into an explicit enum.
type Target = queue.Target

// Dispatch targets for Begin* completions.
const (
	Inline     = queue.Inline
	Background = queue.Background
	Main       = queue.Main
)

// SetMainQueue registers the Serial that Main should dispatch completions
// to. Embedding applications with a notion of a "home" goroutine call this
// once at startup; without it, Main behaves like Background.
func SetMainQueue(s *queue.Serial) { queue.SetMainQueue(s) }

// Result is delivered to the completion channel of a Begin* call: the
// Go-idiomatic realization of the design note's callback-and-completion-
// queue pattern, with the channel itself standing in for the future and a
// blocking receive standing in for ".wait()".
type Result[T any] struct {
	Value T
	Err   error
}

// dispatchAsync enqueues fn on q and delivers its result to the returned
// channel on target, without blocking the caller.
func dispatchAsync[T any](q *queue.Serial, ctx context.Context, target Target, fn func(ctx context.Context) (T, error)) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	q.DispatchAsync(ctx, func(ctx context.Context) {
		v, err := fn(ctx)
		queue.Run(target, func() {
			ch <- Result[T]{Value: v, Err: err}
			close(ch)
		})
	})
	return ch
}
