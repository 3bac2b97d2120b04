package futures

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFutureGo(t *testing.T) {
	f := New[int]()
	f.Go(func() (int, error) { return 42, nil })

	result, err := f.Wait()
	require.NoError(t, err)
	require.Equal(t, 42, result)

	// Waiting again returns the same outcome.
	result, err = f.Wait()
	require.NoError(t, err)
	require.Equal(t, 42, result)
}

func TestFutureGoPanic(t *testing.T) {
	f := New[int]()
	f.Go(func() (int, error) { panic("boom") })

	_, err := f.Wait()
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	require.Equal(t, "boom", panicErr.Value)
}

func TestFutureSettledTwice(t *testing.T) {
	f := New[int]()
	f.Go(func() (int, error) { return 1, nil })
	_, err := f.Wait()
	require.NoError(t, err)

	require.Panics(t, func() { f.(*future[int]).settle(2, errors.New("too late")) })
}

func TestSettleAllSlice(t *testing.T) {
	var (
		ok      = New[int]()
		failed  = New[int]()
		panicky = New[int]()
		failure = errors.New("failed")
	)
	ok.Go(func() (int, error) { return 1, nil })
	failed.Go(func() (int, error) { return 0, failure })
	panicky.Go(func() (int, error) { panic("boom") })

	settled := SettleAllSlice([]Future[int]{ok, failed, panicky})
	require.Len(t, settled, 3)
	require.Equal(t, Settled[int]{Result: 1}, settled[0])
	require.ErrorIs(t, settled[1].Err, failure)
	require.Error(t, settled[2].Err)
}
