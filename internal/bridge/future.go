package bridge

import "context"

// future is a value produced by a background goroutine and awaited by
// whoever needs it first.
type future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func goFuture[T any](fn func() (T, error)) *future[T] {
	f := &future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.val, f.err = fn()
	}()
	return f
}

// Await blocks until the value is ready or ctx ends.
func (f *future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
