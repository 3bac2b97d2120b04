package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kvinsights/kvinsights/queue/relay"
	"github.com/kvinsights/kvinsights/queue/relay/memrelay"
	"github.com/kvinsights/kvinsights/store"
	"github.com/kvinsights/kvinsights/store/localstore"
	"github.com/kvinsights/kvinsights/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// testStore wraps a store to count or fail queue operations.
type testStore struct {
	store.Store

	listenCalls  int64
	listenErr    error
	enqueueErr   error
	enqueueNotOK bool
}

func (s *testStore) ListenQueue(handler store.QueueHandler) error {
	atomic.AddInt64(&s.listenCalls, 1)
	if s.listenErr != nil {
		return s.listenErr
	}
	return s.Store.ListenQueue(handler)
}

func (s *testStore) Enqueue(ctx context.Context, payload []byte) (store.EnqueueResult, error) {
	if s.enqueueErr != nil {
		return store.EnqueueResult{}, s.enqueueErr
	}
	if s.enqueueNotOK {
		return store.EnqueueResult{OK: false}, nil
	}
	return s.Store.Enqueue(ctx, payload)
}

// failingRelay cannot be connected.
type failingRelay struct{}

func (failingRelay) Connect(ctx context.Context, handler relay.Handler) error {
	return errors.New("no transport available")
}
func (failingRelay) Post(ctx context.Context, payload []byte) error { return relay.ErrNotConnected }
func (failingRelay) Close() error                                   { return nil }

// recorder collects the values delivered to a subscription.
type recorder struct {
	sync.Mutex
	values []types.Value
}

func (r *recorder) handle(ctx context.Context, value types.Value) error {
	r.Lock()
	defer r.Unlock()
	r.values = append(r.values, value)
	return nil
}

func (r *recorder) count() int {
	r.Lock()
	defer r.Unlock()
	return len(r.values)
}

func (r *recorder) counts() map[string]int {
	r.Lock()
	defer r.Unlock()
	counts := map[string]int{}
	for _, v := range r.values {
		counts[fmt.Sprint(types.Plain(v))]++
	}
	return counts
}

func newTestStore(t *testing.T) store.Store {
	s := localstore.New(localstore.Options{RetryBackoff: 10 * time.Millisecond})
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestServicePublishSubscribe(t *testing.T) {
	var (
		ctx = context.Background()
		svc = NewService(newTestStore(t), ServiceOptions{})
		a   = &recorder{}
		b   = &recorder{}
	)
	require.False(t, svc.Connected())

	_, err := svc.Subscribe(a.handle)
	require.NoError(t, err)
	idB, err := svc.Subscribe(b.handle)
	require.NoError(t, err)
	require.True(t, svc.Connected())
	require.Equal(t, 2, svc.Subscriptions())

	require.NoError(t, svc.Publish(ctx, types.Map{"key": types.String("value")}))
	require.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, 5*time.Second, time.Millisecond)
	a.Lock()
	require.Equal(t, types.Map{"key": types.String("value")}, a.values[0])
	a.Unlock()

	svc.Unsubscribe(idB)
	require.Equal(t, 1, svc.Subscriptions())
	require.NoError(t, svc.Publish(ctx, types.Integer(2)))
	require.Eventually(t, func() bool { return a.count() == 2 }, 5*time.Second, time.Millisecond)
	require.Equal(t, 1, b.count())
}

func TestServiceFanOutCompleteness(t *testing.T) {
	var (
		ctx   = context.Background()
		svc   = NewService(newTestStore(t), ServiceOptions{})
		calls = make([]int64, 12)
	)
	for i := range calls {
		i := i
		_, err := svc.Subscribe(func(ctx context.Context, value types.Value) error {
			atomic.AddInt64(&calls[i], 1)
			switch i % 4 {
			case 0:
				time.Sleep(50 * time.Millisecond)
			case 1:
				return errors.New("failed")
			case 2:
				panic("panicked")
			}
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, svc.Publish(ctx, types.String("event")))
	require.Eventually(t, func() bool {
		for i := range calls {
			if atomic.LoadInt64(&calls[i]) != 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)

	// Failing handlers do not cause a redelivery.
	time.Sleep(100 * time.Millisecond)
	for i := range calls {
		require.Equal(t, int64(1), atomic.LoadInt64(&calls[i]))
	}
}

func TestServiceSingleBinding(t *testing.T) {
	var (
		s   = &testStore{Store: newTestStore(t)}
		svc = NewService(s, ServiceOptions{})
		wg  sync.WaitGroup
		n   = 50
	)

	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Subscribe(func(ctx context.Context, value types.Value) error { return nil })
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), atomic.LoadInt64(&s.listenCalls))
	require.Equal(t, n, svc.Subscriptions())
}

func TestServiceBindFailureRollsBack(t *testing.T) {
	var (
		bindErr = errors.New("queue unavailable")
		s       = &testStore{Store: newTestStore(t), listenErr: bindErr}
		svc     = NewService(s, ServiceOptions{})
		noop    = func(ctx context.Context, value types.Value) error { return nil }
	)

	id, err := svc.Subscribe(noop)
	require.Empty(t, id)
	require.True(t, IsConnectionErr(err))
	require.ErrorIs(t, err, bindErr)
	var connErr ConnectionError
	require.True(t, errors.As(err, &connErr))
	require.Equal(t, "queue", connErr.Component)

	require.Equal(t, 0, svc.Subscriptions())
	require.False(t, svc.Connected())

	// The next Subscribe tries to bind again.
	s.listenErr = nil
	id, err = svc.Subscribe(noop)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.True(t, svc.Connected())
	require.Equal(t, int64(2), atomic.LoadInt64(&s.listenCalls))
}

func TestServiceRelayFailureDegradesToLocal(t *testing.T) {
	var (
		ctx = context.Background()
		svc = NewService(newTestStore(t), ServiceOptions{Relay: failingRelay{}})
		rec = &recorder{}
	)

	_, err := svc.Subscribe(rec.handle)
	require.NoError(t, err)
	require.True(t, svc.Connected())

	require.NoError(t, svc.Publish(ctx, types.Bool(true)))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, time.Millisecond)
}

func TestServicePublishErrors(t *testing.T) {
	var (
		ctx        = context.Background()
		enqueueErr = errors.New("enqueue failed")
		s          = &testStore{Store: newTestStore(t), enqueueErr: enqueueErr}
		svc        = NewService(s, ServiceOptions{})
	)

	err := svc.Publish(ctx, types.Null{})
	require.True(t, IsPublishErr(err))
	require.ErrorIs(t, err, enqueueErr)

	s.enqueueErr = nil
	s.enqueueNotOK = true
	err = svc.Publish(ctx, types.Null{})
	require.True(t, IsPublishErr(err))

	// Values that cannot be encoded are not publish errors.
	err = svc.Publish(ctx, types.Number(math.Inf(1)))
	require.Error(t, err)
	require.False(t, IsPublishErr(err))
}

func TestServiceRedeliveryIsDeduplicated(t *testing.T) {
	var (
		ctx = context.Background()
		svc = NewService(newTestStore(t), ServiceOptions{})
		rec = &recorder{}
	)
	_, err := svc.Subscribe(rec.handle)
	require.NoError(t, err)

	payload, err := NewEnvelope(types.String("once")).Marshal()
	require.NoError(t, err)

	// At least once delivery by the queue, and the same value arriving over the relay.
	require.NoError(t, svc.onQueueMessage(ctx, payload))
	require.NoError(t, svc.onQueueMessage(ctx, payload))
	svc.onRelayMessage(ctx, payload)
	require.Equal(t, 1, rec.count())

	// Malformed payloads are dropped, not redelivered.
	require.NoError(t, svc.onQueueMessage(ctx, []byte("garbage")))
	require.Equal(t, 1, rec.count())
}

func TestServiceCrossContextExactlyOnce(t *testing.T) {
	var (
		ctx       = context.Background()
		db        = localstore.NewDatabase(localstore.Options{RetryBackoff: 10 * time.Millisecond})
		hub       = memrelay.NewHub(0)
		services  []*Service
		recorders []*recorder
	)
	// Three contexts sharing the database (and so the queue) but no memory.
	for i := 0; i < 3; i++ {
		s := db.Open()
		t.Cleanup(func() { s.Close(ctx) })

		svc := NewService(s, ServiceOptions{Relay: hub.NewRelay()})
		t.Cleanup(func() { svc.Close() })

		rec := &recorder{}
		_, err := svc.Subscribe(rec.handle)
		require.NoError(t, err)

		services = append(services, svc)
		recorders = append(recorders, rec)
	}

	// A context that only publishes.
	publisher := NewService(db.Open(), ServiceOptions{})

	const numValues = 30
	for i := 0; i < numValues; i++ {
		from := publisher
		if i%2 == 0 {
			from = services[i%len(services)]
		}
		require.NoError(t, from.Publish(ctx, types.Integer(i)))
	}

	require.Eventually(t, func() bool {
		for _, rec := range recorders {
			if len(rec.counts()) != numValues {
				return false
			}
		}
		return true
	}, 10*time.Second, 5*time.Millisecond)

	// Give duplicates a chance to show up.
	time.Sleep(100 * time.Millisecond)
	for i, rec := range recorders {
		for value, count := range rec.counts() {
			require.Equal(t, 1, count, "context %d received %s %d times", i, value, count)
		}
	}
}

func TestServiceMetrics(t *testing.T) {
	var (
		ctx = context.Background()
		reg = prometheus.NewRegistry()
	)
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	require.Error(t, err)

	svc := NewService(newTestStore(t), ServiceOptions{Metrics: metrics})
	rec := &recorder{}
	_, err = svc.Subscribe(rec.handle)
	require.NoError(t, err)
	_, err = svc.Subscribe(func(ctx context.Context, value types.Value) error { return errors.New("failed") })
	require.NoError(t, err)
	require.Equal(t, float64(2), testutil.ToFloat64(metrics.subscriptions))

	require.NoError(t, svc.Publish(ctx, types.Null{}))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.handlerFailures) == 1
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.published))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.delivered))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.received.WithLabelValues(sourceQueue)))
}
