package session

import "time"

// Bounded races call against a timeout and returns whichever settles
// first. The upstream offers no cooperative cancellation, so a losing
// call is abandoned, not killed: it finishes into the buffered channel
// and is discarded without leaking a goroutine.
func Bounded[T any](timeout time.Duration, call func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := call()
		ch <- result{v, err}
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-t.C:
		var zero T
		return zero, ErrFetchTimeout
	}
}
