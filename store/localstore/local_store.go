package localstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kvinsights/kvinsights/store"
	"github.com/kvinsights/kvinsights/types"

	"github.com/google/btree"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/semaphore"
)

const (
	defaultQueueCapacity       = 1024
	defaultMaxDeliveryAttempts = 5
	defaultDeliveryConcurrency = 16
	defaultRetryBackoff        = 100 * time.Millisecond
)

// Options configures a Database.
type Options struct {
	// QueueCapacity is the number of undelivered messages the queue holds before
	// Enqueue starts returning a result that is not OK.
	QueueCapacity int
	// MaxDeliveryAttempts is the number of times a message is handed to a failing
	// handler before it is dropped.
	MaxDeliveryAttempts int
	// DeliveryConcurrency bounds the number of handler invocations in flight per
	// store handle.
	DeliveryConcurrency int
	// RetryBackoff is multiplied by the attempt number to delay redeliveries.
	RetryBackoff time.Duration
	// Logger is the logger. If no logger is passed, then default slog.Default() is used.
	Logger *slog.Logger
}

// Database is an in-memory ordered KV store with a queue. Multiple store handles
// (see Open) share the same data and queue the way multiple processes share a
// remote database: every handle sees every write, and queue messages go to exactly
// one of the listening handles at a time.
type Database struct {
	sync.Mutex

	b       *btree.BTreeG[btreeKV]
	version uint64
	queue   chan queuedMessage
	opts    Options
	log     *slog.Logger
}

// NewDatabase creates a new empty in-memory database.
func NewDatabase(opts Options) *Database {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = defaultQueueCapacity
	}
	if opts.MaxDeliveryAttempts <= 0 {
		opts.MaxDeliveryAttempts = defaultMaxDeliveryAttempts
	}
	if opts.DeliveryConcurrency <= 0 {
		opts.DeliveryConcurrency = defaultDeliveryConcurrency
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Database{
		b: btree.NewG(16, func(a, b btreeKV) bool {
			return bytes.Compare(a.k, b.k) < 0
		}),
		queue: make(chan queuedMessage, opts.QueueCapacity),
		opts:  opts,
		log:   opts.Logger.With(slog.String("module", "Store"), slog.String("subService", "localStore")),
	}
}

// New returns a handle on a new private database. Equivalent to NewDatabase(opts).Open().
func New(opts Options) store.Store {
	return NewDatabase(opts).Open()
}

// Open returns a new store handle on the database.
func (d *Database) Open() store.Store {
	ctx, cc := context.WithCancel(context.Background())
	return &localStore{
		db:       d,
		ctx:      ctx,
		cc:       cc,
		sem:      semaphore.NewWeighted(int64(d.opts.DeliveryConcurrency)),
		consumed: make(chan struct{}),
	}
}

type btreeKV struct {
	k  []byte
	v  []byte
	vs types.Versionstamp
}

type queuedMessage struct {
	payload  []byte
	attempts int
}

// requeue puts a message back on the queue without blocking. It reports whether
// there was room for it.
func (d *Database) requeue(msg queuedMessage) bool {
	select {
	case d.queue <- msg:
		return true
	default:
		return false
	}
}

type localStore struct {
	sync.Mutex

	db       *Database
	ctx      context.Context
	cc       func()
	sem      *semaphore.Weighted
	closed   bool
	handler  store.QueueHandler
	consumed chan struct{}
	inflight sync.WaitGroup
}

func (l *localStore) List(
	ctx context.Context,
	prefix []byte,
	opts store.ListOptions,
) (store.ListResult, error) {
	if err := l.checkOpen(); err != nil {
		return store.ListResult{}, err
	}

	var cursorKey []byte
	if opts.Cursor != "" {
		key, err := store.DecodeCursor(prefix, opts.Cursor)
		if err != nil {
			return store.ListResult{}, err
		}
		cursorKey = key
	}

	var (
		result store.ListResult
		visit  = func(curr btreeKV) bool {
			if !store.InPrefix(curr.k, prefix) {
				return false
			}
			if opts.Reverse && cursorKey != nil && bytes.Equal(curr.k, cursorKey) {
				// DescendLessOrEqual includes the pivot, the cursor position is exclusive.
				return true
			}
			result.Items = append(result.Items, toItem(curr))
			return opts.Limit <= 0 || len(result.Items) < opts.Limit
		}
	)

	l.db.Lock()
	defer l.db.Unlock()

	if opts.Reverse {
		pivot := cursorKey
		if pivot == nil {
			pivot = store.PrefixEnd(prefix)
		}
		if pivot == nil {
			l.db.b.Descend(visit)
		} else {
			l.db.b.DescendLessOrEqual(btreeKV{k: pivot}, visit)
		}
	} else {
		start := store.KeyAfter(prefix)
		if cursorKey != nil {
			start = store.KeyAfter(cursorKey)
		}
		l.db.b.AscendGreaterOrEqual(btreeKV{k: start}, visit)
	}

	if len(result.Items) > 0 {
		result.Cursor = result.Items[len(result.Items)-1].Cursor
	}
	return result, nil
}

func (l *localStore) Get(ctx context.Context, key []byte) (store.Item, bool, error) {
	if err := l.checkOpen(); err != nil {
		return store.Item{}, false, err
	}

	l.db.Lock()
	defer l.db.Unlock()

	curr, ok := l.db.b.Get(btreeKV{k: key})
	if !ok {
		return store.Item{}, false, nil
	}
	return toItem(curr), true, nil
}

func (l *localStore) Commit(
	ctx context.Context,
	key []byte,
	check types.Versionstamp,
	value []byte,
) (store.CommitResult, error) {
	if err := l.checkOpen(); err != nil {
		return store.CommitResult{}, err
	}

	l.db.Lock()
	defer l.db.Unlock()

	var current types.Versionstamp
	if curr, ok := l.db.b.Get(btreeKV{k: key}); ok {
		current = curr.vs
	}
	if current != check {
		return store.CommitResult{OK: false, Versionstamp: current}, nil
	}

	l.db.version++
	vs := types.NewVersionstamp(l.db.version)
	// Copy k and v in case the caller reuses or mutates them.
	l.db.b.ReplaceOrInsert(btreeKV{
		k:  append([]byte(nil), key...),
		v:  append([]byte(nil), value...),
		vs: vs,
	})
	return store.CommitResult{OK: true, Versionstamp: vs}, nil
}

func (l *localStore) Delete(ctx context.Context, key []byte) error {
	if err := l.checkOpen(); err != nil {
		return err
	}

	l.db.Lock()
	defer l.db.Unlock()

	l.db.b.Delete(btreeKV{k: key})
	return nil
}

func (l *localStore) Enqueue(ctx context.Context, payload []byte) (store.EnqueueResult, error) {
	if err := l.checkOpen(); err != nil {
		return store.EnqueueResult{}, err
	}

	ok := l.db.requeue(queuedMessage{payload: append([]byte(nil), payload...)})
	if !ok {
		l.db.log.Warn("queue is full, rejecting message", slog.Int("capacity", cap(l.db.queue)))
	}
	return store.EnqueueResult{OK: ok}, nil
}

func (l *localStore) ListenQueue(handler store.QueueHandler) error {
	l.Lock()
	defer l.Unlock()

	if l.closed {
		return store.ErrClosed
	}
	if l.handler != nil {
		return store.ErrQueueListenerBound
	}
	l.handler = handler

	go l.consumeLoop()
	return nil
}

func (l *localStore) consumeLoop() {
	defer close(l.consumed)

	for {
		select {
		case <-l.ctx.Done():
			return
		case msg := <-l.db.queue:
			if err := l.sem.Acquire(l.ctx, 1); err != nil {
				// Closed while waiting, give the message to another handle.
				l.db.requeue(msg)
				return
			}
			l.inflight.Add(1)
			go func() {
				defer l.inflight.Done()
				defer l.sem.Release(1)
				l.deliver(msg)
			}()
		}
	}
}

func (l *localStore) deliver(msg queuedMessage) {
	err := l.callHandler(msg.payload)
	if err == nil {
		return
	}

	msg.attempts++
	if msg.attempts >= l.db.opts.MaxDeliveryAttempts {
		l.db.log.Error(
			"dropping queue message after max delivery attempts",
			slog.Int("attempts", msg.attempts), slog.Any("error", err))
		return
	}

	l.db.log.Warn(
		"queue handler failed, scheduling redelivery",
		slog.Int("attempts", msg.attempts), slog.Any("error", err))
	time.AfterFunc(time.Duration(msg.attempts)*l.db.opts.RetryBackoff, func() {
		if !l.db.requeue(msg) {
			l.db.log.Error("queue is full, dropping redelivered message")
		}
	})
}

func (l *localStore) callHandler(payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue handler panicked: %v", r)
		}
	}()
	return l.handler(l.ctx, payload)
}

func (l *localStore) Close(ctx context.Context) error {
	l.Lock()
	if l.closed {
		l.Unlock()
		return nil
	}
	l.closed = true
	listening := l.handler != nil
	l.Unlock()

	l.cc()
	if !listening {
		return nil
	}

	done := make(chan struct{})
	go func() {
		<-l.consumed
		l.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("localStore: close: error waiting for queue deliveries: %w", ctx.Err())
	}
}

func (l *localStore) UnsafeWipeAll() error {
	l.db.Lock()
	defer l.db.Unlock()

	l.db.b.Clear(false)
	for {
		select {
		case <-l.db.queue:
		default:
			return nil
		}
	}
}

func (l *localStore) checkOpen() error {
	l.Lock()
	defer l.Unlock()

	if l.closed {
		return store.ErrClosed
	}
	return nil
}

func toItem(kv btreeKV) store.Item {
	return store.Item{
		Key:          append([]byte(nil), kv.k...),
		Value:        append([]byte(nil), kv.v...),
		Versionstamp: kv.vs,
		Cursor:       store.EncodeCursor(kv.k),
	}
}
