package futures

import (
	"fmt"
	"sync"
)

// PanicError is the error a future is rejected with when the function passed to Go
// panics.
type PanicError struct {
	Value any
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

type future[T any] struct {
	sync.Mutex
	done chan struct{}

	result  T
	err     error
	settled bool
}

// New returns an unsettled future.
func New[T any]() Future[T] {
	return &future[T]{done: make(chan struct{})}
}

func (f *future[T]) Go(fn func() (T, error)) {
	go func() {
		var (
			result T
			err    error
		)
		defer func() {
			if r := recover(); r != nil {
				var zero T
				result, err = zero, &PanicError{Value: r}
			}
			f.settle(result, err)
		}()
		result, err = fn()
	}()
}

func (f *future[T]) settle(result T, err error) {
	f.Lock()
	defer f.Unlock()

	if f.settled {
		panic("[invariant violated] future settled multiple times")
	}

	f.settled = true
	f.result = result
	f.err = err
	close(f.done)
}

func (f *future[T]) Wait() (result T, err error) {
	<-f.done
	return f.result, f.err
}

// SettleAllSlice waits for every future and returns each outcome in order. It never
// stops at the first error.
func SettleAllSlice[T any](futures []Future[T]) []Settled[T] {
	settled := make([]Settled[T], 0, len(futures))
	for _, fut := range futures {
		result, err := fut.Wait()
		settled = append(settled, Settled[T]{Result: result, Err: err})
	}
	return settled
}
