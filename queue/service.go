// Package queue implements publish/subscribe on top of a store's durable queue. A
// Service fans every published value out to the handlers subscribed in its own
// process and, through a relay, to the services of other processes, delivering each
// value exactly once per service.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kvinsights/kvinsights/queue/relay"
	"github.com/kvinsights/kvinsights/store"
	"github.com/kvinsights/kvinsights/types"

	"golang.org/x/exp/slog"
)

const defaultRelayConnectTimeout = 10 * time.Second

type bridgeState int

const (
	disconnected bridgeState = iota
	connected
)

// ServiceOptions contains the options for NewService.
type ServiceOptions struct {
	// Logger is the logger. If no logger is passed, then default slog.Default() is used.
	Logger *slog.Logger
	// Relay connects the service to the services of other processes. If it is nil
	// the service only delivers through the durable queue.
	Relay relay.Relay
	// RelayConnectTimeout bounds the connection of the relay.
	RelayConnectTimeout time.Duration
	// DedupeWindow is the number of recent envelope ids remembered to drop values
	// that were already dispatched.
	DedupeWindow int
	// Metrics records the activity of the service. Optional.
	Metrics *Metrics
}

// Service is the queue bridge. It lazily binds the store's queue consumer on the
// first Subscribe and never unbinds it.
type Service struct {
	sync.Mutex

	store    store.Store
	registry *Registry
	seen     *dedupeWindow
	metrics  *Metrics
	log      *slog.Logger
	opts     ServiceOptions

	// Protected by the embedded mutex.
	state          bridgeState
	relayConnected bool
}

// NewService creates a new Service publishing to and consuming from s.
func NewService(s store.Store, opts ServiceOptions) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RelayConnectTimeout <= 0 {
		opts.RelayConnectTimeout = defaultRelayConnectTimeout
	}

	log := opts.Logger.With(slog.String("module", "QueueService"))
	return &Service{
		store:    s,
		registry: NewRegistry(log),
		seen:     newDedupeWindow(opts.DedupeWindow),
		metrics:  opts.Metrics,
		log:      log,
		opts:     opts,
	}
}

// Subscribe registers handler for every value published from now on and returns
// its subscription id. The first call binds the store's queue consumer; if that
// fails the subscription is removed again and a ConnectionError is returned.
func (s *Service) Subscribe(handler Handler) (string, error) {
	id := s.registry.Subscribe(handler)
	if err := s.ensureConnected(); err != nil {
		s.registry.Unsubscribe(id)
		return "", err
	}

	s.metrics.setSubscriptions(s.registry.Len())
	return id, nil
}

// Unsubscribe removes the subscription id. Unknown ids are ignored.
func (s *Service) Unsubscribe(id string) {
	s.registry.Unsubscribe(id)
	s.metrics.setSubscriptions(s.registry.Len())
}

// Subscriptions returns the number of live subscriptions.
func (s *Service) Subscriptions() int {
	return s.registry.Len()
}

// Connected reports whether the queue consumer is bound.
func (s *Service) Connected() bool {
	s.Lock()
	defer s.Unlock()
	return s.state == connected
}

func (s *Service) ensureConnected() error {
	s.Lock()
	defer s.Unlock()

	if s.state == connected {
		return nil
	}

	if err := s.store.ListenQueue(s.onQueueMessage); err != nil {
		return NewConnectionError("queue", err)
	}
	s.state = connected
	s.log.Info("bound queue consumer")

	s.connectRelay()
	return nil
}

// connectRelay is called once, with the lock held, on the transition to connected.
// A relay that cannot be connected leaves the service delivering locally only.
func (s *Service) connectRelay() {
	if s.opts.Relay == nil {
		return
	}

	ctx, cc := context.WithTimeout(context.Background(), s.opts.RelayConnectTimeout)
	defer cc()

	if err := s.opts.Relay.Connect(ctx, s.onRelayMessage); err != nil {
		s.log.Error(
			"error connecting relay, values published by other processes will only be received through the queue",
			slog.Any("error", NewConnectionError("relay", err)))
		return
	}
	s.relayConnected = true
	s.log.Info("connected relay")
}

// Publish enqueues value on the durable queue and, if the relay is connected, also
// posts it to the other processes directly. It fails with a PublishError if the queue
// does not accept the value. Relay failures are only logged.
func (s *Service) Publish(ctx context.Context, value types.Value) error {
	payload, err := NewEnvelope(value).Marshal()
	if err != nil {
		return fmt.Errorf("Publish: %w", err)
	}

	result, err := s.store.Enqueue(ctx, payload)
	if err != nil {
		return NewPublishError(err)
	}
	if !result.OK {
		return NewPublishError(errors.New("queue rejected the value"))
	}
	s.metrics.onPublished()

	s.postRelay(ctx, payload)
	return nil
}

func (s *Service) postRelay(ctx context.Context, payload []byte) {
	s.Lock()
	relayConnected := s.relayConnected
	s.Unlock()
	if !relayConnected {
		return
	}

	if err := s.opts.Relay.Post(ctx, payload); err != nil {
		s.log.Error("error posting to relay", slog.Any("error", err))
	}
}

// Close detaches the relay. The queue consumer stays bound until the store is closed.
func (s *Service) Close() error {
	s.Lock()
	defer s.Unlock()

	if !s.relayConnected {
		return nil
	}
	s.relayConnected = false
	return s.opts.Relay.Close()
}

// onQueueMessage is the store's queue consumer. Values delivered by the queue are
// dispatched locally and forwarded to the other processes.
func (s *Service) onQueueMessage(ctx context.Context, payload []byte) error {
	if !s.receive(ctx, sourceQueue, payload) {
		return nil
	}
	s.postRelay(ctx, payload)
	return nil
}

// onRelayMessage dispatches values posted by other processes. They are never posted
// back to the relay.
func (s *Service) onRelayMessage(ctx context.Context, payload []byte) {
	s.receive(ctx, sourceRelay, payload)
}

// receive dispatches the envelope in payload unless it was already dispatched. It
// reports whether it did.
func (s *Service) receive(ctx context.Context, source string, payload []byte) bool {
	envelope, err := UnmarshalEnvelope(payload)
	if err != nil {
		// Redelivering would fail the same way.
		s.log.Error("dropping malformed envelope", slog.String("source", source), slog.Any("error", err))
		return false
	}

	fresh := s.seen.add(envelope.ID)
	s.metrics.onReceived(source, !fresh)
	if !fresh {
		return false
	}

	result := s.registry.Dispatch(ctx, envelope.Value)
	s.metrics.onDispatched(result)
	return true
}
