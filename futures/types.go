package futures

// Future is the eventual result of a function run with Go. A Future is settled
// exactly once.
type Future[T any] interface {
	// Go runs fn in a new goroutine and settles the future with its results. A panic
	// in fn rejects the future with a *PanicError.
	Go(fn func() (T, error))
	// Wait blocks until the future is settled.
	Wait() (result T, err error)
}

// Settled is the outcome of one future as reported by SettleAllSlice.
type Settled[T any] struct {
	Result T
	Err    error
}
