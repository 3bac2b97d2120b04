package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kvinsights/kvinsights/types"

	"github.com/stretchr/testify/require"
)

func TestRegistrySubscribeUnsubscribe(t *testing.T) {
	r := NewRegistry(nil)
	noop := func(ctx context.Context, value types.Value) error { return nil }

	ids := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		id := r.Subscribe(noop)
		require.NotEmpty(t, id)
		ids[id] = struct{}{}
	}
	require.Len(t, ids, 100)
	require.Equal(t, 100, r.Len())

	for id := range ids {
		require.True(t, r.Unsubscribe(id))
		require.False(t, r.Unsubscribe(id))
	}
	require.Equal(t, 0, r.Len())
	require.False(t, r.Unsubscribe("unknown"))
}

func TestRegistryDispatchFanOut(t *testing.T) {
	var (
		ctx   = context.Background()
		r     = NewRegistry(nil)
		calls = make([]int64, 10)
	)
	for i := range calls {
		i := i
		r.Subscribe(func(ctx context.Context, value types.Value) error {
			atomic.AddInt64(&calls[i], 1)
			if value != types.String("hello") {
				t.Errorf("unexpected value: %v", value)
			}
			switch i % 3 {
			case 0:
				time.Sleep(20 * time.Millisecond)
				return nil
			case 1:
				return errors.New("handler failed")
			default:
				panic("handler panicked")
			}
		})
	}

	result := r.Dispatch(ctx, types.String("hello"))
	require.Equal(t, DispatchResult{Delivered: 4, Failed: 6}, result)
	for _, c := range calls {
		require.Equal(t, int64(1), c)
	}

	require.Equal(t, DispatchResult{}, NewRegistry(nil).Dispatch(ctx, types.Null{}))
}

func TestRegistryDispatchRunsHandlersConcurrently(t *testing.T) {
	var (
		r       = NewRegistry(nil)
		started sync.WaitGroup
		release = make(chan struct{})
	)
	started.Add(3)
	for i := 0; i < 3; i++ {
		r.Subscribe(func(ctx context.Context, value types.Value) error {
			started.Done()
			<-release
			return nil
		})
	}

	done := make(chan DispatchResult)
	go func() { done <- r.Dispatch(context.Background(), types.Null{}) }()

	// All handlers are running at the same time, Dispatch waits for all of them.
	started.Wait()
	select {
	case <-done:
		t.Fatal("dispatch returned before its handlers")
	default:
	}
	close(release)
	require.Equal(t, DispatchResult{Delivered: 3}, <-done)
}

func TestRegistryMutationDuringDispatch(t *testing.T) {
	var (
		r        = NewRegistry(nil)
		inflight = make(chan struct{})
		release  = make(chan struct{})
		calls    int64
	)
	selfID := r.Subscribe(func(ctx context.Context, value types.Value) error {
		atomic.AddInt64(&calls, 1)
		close(inflight)
		<-release
		return nil
	})
	r.Subscribe(func(ctx context.Context, value types.Value) error {
		atomic.AddInt64(&calls, 1)
		return nil
	})

	done := make(chan DispatchResult)
	go func() { done <- r.Dispatch(context.Background(), types.Null{}) }()
	<-inflight

	// Neither change applies to the dispatch in flight.
	require.True(t, r.Unsubscribe(selfID))
	r.Subscribe(func(ctx context.Context, value types.Value) error {
		t.Error("subscribed after the dispatch started")
		return nil
	})
	close(release)

	require.Equal(t, DispatchResult{Delivered: 2}, <-done)
	require.Equal(t, int64(2), atomic.LoadInt64(&calls))
	require.Equal(t, 2, r.Len())
}
