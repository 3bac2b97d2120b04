package queue

import (
	"context"
	"sync"

	"github.com/kvinsights/kvinsights/futures"
	"github.com/kvinsights/kvinsights/types"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"
)

// Handler consumes a dispatched value. Handlers run concurrently with each other and
// may block, an error only affects the handler that returned it.
type Handler func(ctx context.Context, value types.Value) error

type subscription struct {
	id      string
	handler Handler
}

// Registry maps subscription ids to handlers. It is safe to Subscribe and
// Unsubscribe while a Dispatch is in flight.
type Registry struct {
	sync.RWMutex

	log *slog.Logger
	// Replaced, never mutated, so that Dispatch can hold on to a snapshot after
	// releasing the lock.
	subscriptions []subscription
}

// DispatchResult summarizes one Dispatch.
type DispatchResult struct {
	Delivered int
	Failed    int
}

// NewRegistry creates a new empty Registry. If no logger is passed, then default
// slog.Default() is used.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{log: logger}
}

// Subscribe registers handler and returns its fresh subscription id.
func (r *Registry) Subscribe(handler Handler) string {
	if handler == nil {
		panic("[invariant violated] handler cannot be nil")
	}

	id := uuid.New().String()

	r.Lock()
	defer r.Unlock()

	subscriptions := make([]subscription, 0, len(r.subscriptions)+1)
	subscriptions = append(subscriptions, r.subscriptions...)
	r.subscriptions = append(subscriptions, subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes the subscription id. It reports whether it existed.
func (r *Registry) Unsubscribe(id string) bool {
	r.Lock()
	defer r.Unlock()

	for i, sub := range r.subscriptions {
		if sub.id != id {
			continue
		}
		subscriptions := make([]subscription, 0, len(r.subscriptions)-1)
		subscriptions = append(subscriptions, r.subscriptions[:i]...)
		r.subscriptions = append(subscriptions, r.subscriptions[i+1:]...)
		return true
	}
	return false
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.RLock()
	defer r.RUnlock()

	return len(r.subscriptions)
}

// Dispatch invokes every handler subscribed at the time of the call with value, all
// of them concurrently, and returns once every one of them has returned. Handler
// errors and panics are logged and counted, never returned.
func (r *Registry) Dispatch(ctx context.Context, value types.Value) DispatchResult {
	r.RLock()
	snapshot := r.subscriptions
	r.RUnlock()

	if len(snapshot) == 0 {
		return DispatchResult{}
	}

	pending := make([]futures.Future[struct{}], 0, len(snapshot))
	for _, sub := range snapshot {
		sub := sub
		f := futures.New[struct{}]()
		f.Go(func() (struct{}, error) {
			return struct{}{}, sub.handler(ctx, value)
		})
		pending = append(pending, f)
	}

	var result DispatchResult
	for i, settled := range futures.SettleAllSlice(pending) {
		if settled.Err != nil {
			result.Failed++
			r.log.Error(
				"subscription handler failed",
				slog.String("subscription_id", snapshot[i].id), slog.Any("error", settled.Err))
			continue
		}
		result.Delivered++
	}
	return result
}
