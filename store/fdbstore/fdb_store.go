package fdbstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kvinsights/kvinsights/store"
	"github.com/kvinsights/kvinsights/types"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/apple/foundationdb/bindings/go/src/fdb/subspace"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/semaphore"
)

const (
	defaultNamespace           = "kvinsights"
	defaultPollInterval        = time.Second
	defaultLeaseDuration       = 30 * time.Second
	defaultMaxDeliveryAttempts = 5
	defaultDeliveryConcurrency = 16
	defaultRetryBackoff        = 100 * time.Millisecond
	claimBatchSize             = 32

	versionstampLen = 10
	// attempts (uint32) followed by visibleAt (unix millis, int64).
	queueHeaderLen = 12
)

// Options configures a FoundationDB backed store.
type Options struct {
	// ClusterFile is the path of the FDB cluster file, empty for the default one.
	ClusterFile string
	// Namespace is the first element of every key the store writes.
	Namespace string
	// PollInterval bounds how long a queue message can wait when a watch is missed.
	PollInterval time.Duration
	// LeaseDuration is how long a claimed queue message stays invisible to other
	// consumers before it is redelivered.
	LeaseDuration time.Duration
	// MaxDeliveryAttempts is the number of times a message is handed to a failing
	// handler before it is dropped.
	MaxDeliveryAttempts int
	// DeliveryConcurrency bounds the handler invocations in flight per store handle.
	DeliveryConcurrency int
	// RetryBackoff is multiplied by the attempt number to delay redeliveries.
	RetryBackoff time.Duration
	// Logger is the logger. If no logger is passed, then default slog.Default() is used.
	Logger *slog.Logger
}

// fdbStore is an implementation of store.Store backed by FoundationDB. Values are
// written with their commit versionstamp prepended so that the versionstamp of a
// key is the FDB commit version of its last write.
type fdbStore struct {
	sync.Mutex

	db   fdb.Database
	opts Options
	log  *slog.Logger

	data      subspace.Subspace
	queue     subspace.Subspace
	signalKey fdb.Key

	ctx      context.Context
	cc       func()
	sem      *semaphore.Weighted
	closed   bool
	handler  store.QueueHandler
	consumed chan struct{}
	inflight sync.WaitGroup
}

// New opens the FDB database described by opts.
func New(opts Options) (store.Store, error) {
	if opts.Namespace == "" {
		opts.Namespace = defaultNamespace
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = defaultLeaseDuration
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

	fdb.MustAPIVersion(710)
	db, err := fdb.OpenDatabase(opts.ClusterFile)
	if err != nil {
		return nil, fmt.Errorf("error opening FDB database: %w", err)
	}

	ctx, cc := context.WithCancel(context.Background())
	root := subspace.Sub(opts.Namespace)
	return &fdbStore{
		db:        db,
		opts:      opts,
		log:       opts.Logger.With(slog.String("module", "Store"), slog.String("subService", "fdbStore")),
		data:      root.Sub("d"),
		queue:     root.Sub("q"),
		signalKey: root.Sub("qs").FDBKey(),
		ctx:       ctx,
		cc:        cc,
		sem:       semaphore.NewWeighted(int64(opts.DeliveryConcurrency)),
		consumed:  make(chan struct{}),
	}, nil
}

func (f *fdbStore) dataKey(key []byte) fdb.Key {
	return append(append(fdb.Key(nil), f.data.Bytes()...), key...)
}

func (f *fdbStore) dataEnd() fdb.Key {
	_, end := f.data.FDBRangeKeys()
	return end.FDBKey()
}

func (f *fdbStore) List(
	ctx context.Context,
	prefix []byte,
	opts store.ListOptions,
) (store.ListResult, error) {
	if err := f.checkOpen(); err != nil {
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

	// The range end is exclusive, which is exactly the cursor semantics in reverse.
	begin := f.dataKey(store.KeyAfter(prefix))
	end := f.dataEnd()
	if prefixEnd := store.PrefixEnd(prefix); prefixEnd != nil {
		end = f.dataKey(prefixEnd)
	}
	if cursorKey != nil {
		if opts.Reverse {
			end = f.dataKey(cursorKey)
		} else {
			begin = f.dataKey(store.KeyAfter(cursorKey))
		}
	}
	limit := opts.Limit
	if limit < 0 {
		limit = 0
	}

	kvs, err := f.db.ReadTransact(func(tr fdb.ReadTransaction) (any, error) {
		return tr.GetRange(
			fdb.KeyRange{Begin: begin, End: end},
			fdb.RangeOptions{Limit: limit, Reverse: opts.Reverse},
		).GetSliceWithError()
	})
	if err != nil {
		return store.ListResult{}, fmt.Errorf("fdbStore: list: error reading range: %w", err)
	}

	var result store.ListResult
	for _, kv := range kvs.([]fdb.KeyValue) {
		item, err := f.toItem(kv.Key, kv.Value)
		if err != nil {
			return store.ListResult{}, err
		}
		result.Items = append(result.Items, item)
	}
	if len(result.Items) > 0 {
		result.Cursor = result.Items[len(result.Items)-1].Cursor
	}
	return result, nil
}

func (f *fdbStore) Get(ctx context.Context, key []byte) (store.Item, bool, error) {
	if err := f.checkOpen(); err != nil {
		return store.Item{}, false, err
	}

	fk := f.dataKey(key)
	v, err := f.db.ReadTransact(func(tr fdb.ReadTransaction) (any, error) {
		return tr.Get(fk).Get()
	})
	if err != nil {
		return store.Item{}, false, fmt.Errorf("fdbStore: get: error reading key: %w", err)
	}
	if v.([]byte) == nil {
		return store.Item{}, false, nil
	}

	item, err := f.toItem(fk, v.([]byte))
	if err != nil {
		return store.Item{}, false, err
	}
	return item, true, nil
}

func (f *fdbStore) Commit(
	ctx context.Context,
	key []byte,
	check types.Versionstamp,
	value []byte,
) (store.CommitResult, error) {
	if err := f.checkOpen(); err != nil {
		return store.CommitResult{}, err
	}

	var (
		fk = f.dataKey(key)
		// Placeholder for the versionstamp, the value, then the little endian offset
		// of the placeholder.
		param    = make([]byte, versionstampLen, versionstampLen+len(value)+4)
		vsFuture fdb.FutureKey
	)
	param = append(param, value...)
	param = binary.LittleEndian.AppendUint32(param, 0)

	result, err := f.db.Transact(func(tr fdb.Transaction) (any, error) {
		current, err := tr.Get(fk).Get()
		if err != nil {
			return nil, err
		}

		var currentVS types.Versionstamp
		if current != nil {
			if len(current) < versionstampLen {
				return nil, fmt.Errorf("[invariant violated] value of key %x is shorter than a versionstamp", key)
			}
			currentVS = types.VersionstampFromBytes(current[:versionstampLen])
		}
		if currentVS != check {
			return store.CommitResult{OK: false, Versionstamp: currentVS}, nil
		}

		tr.SetVersionstampedValue(fk, param)
		vsFuture = tr.GetVersionstamp()
		return store.CommitResult{OK: true}, nil
	})
	if err != nil {
		return store.CommitResult{}, fmt.Errorf("fdbStore: commit: error committing transaction: %w", err)
	}

	commitResult := result.(store.CommitResult)
	if !commitResult.OK {
		return commitResult, nil
	}
	vs, err := vsFuture.Get()
	if err != nil {
		return store.CommitResult{}, fmt.Errorf("fdbStore: commit: error getting versionstamp: %w", err)
	}
	commitResult.Versionstamp = types.VersionstampFromBytes(vs)
	return commitResult, nil
}

func (f *fdbStore) Delete(ctx context.Context, key []byte) error {
	if err := f.checkOpen(); err != nil {
		return err
	}

	fk := f.dataKey(key)
	_, err := f.db.Transact(func(tr fdb.Transaction) (any, error) {
		tr.Clear(fk)
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("fdbStore: delete: error clearing key: %w", err)
	}
	return nil
}

func (f *fdbStore) Enqueue(ctx context.Context, payload []byte) (store.EnqueueResult, error) {
	if err := f.checkOpen(); err != nil {
		return store.EnqueueResult{}, err
	}

	if _, err := f.db.Transact(func(tr fdb.Transaction) (any, error) {
		f.enqueue(tr, payload, 0, time.Time{})
		return nil, nil
	}); err != nil {
		return store.EnqueueResult{}, fmt.Errorf("fdbStore: enqueue: error writing message: %w", err)
	}
	return store.EnqueueResult{OK: true}, nil
}

// enqueue appends a message keyed by the commit versionstamp so that messages are
// consumed in commit order, and bumps the signal key to fire consumer watches.
func (f *fdbStore) enqueue(tr fdb.Transaction, payload []byte, attempts uint32, visibleAt time.Time) {
	prefix := f.queue.Bytes()
	key := make([]byte, 0, len(prefix)+versionstampLen+4)
	key = append(key, prefix...)
	key = append(key, make([]byte, versionstampLen)...)
	key = binary.LittleEndian.AppendUint32(key, uint32(len(prefix)))

	tr.SetVersionstampedKey(fdb.Key(key), encodeQueueValue(payload, attempts, visibleAt))
	tr.Add(f.signalKey, []byte{1, 0, 0, 0, 0, 0, 0, 0})
}

func encodeQueueValue(payload []byte, attempts uint32, visibleAt time.Time) []byte {
	var visibleAtMillis int64
	if !visibleAt.IsZero() {
		visibleAtMillis = visibleAt.UnixMilli()
	}
	v := make([]byte, 0, queueHeaderLen+len(payload))
	v = binary.BigEndian.AppendUint32(v, attempts)
	v = binary.BigEndian.AppendUint64(v, uint64(visibleAtMillis))
	return append(v, payload...)
}

func decodeQueueValue(v []byte) (payload []byte, attempts uint32, visibleAt time.Time, err error) {
	if len(v) < queueHeaderLen {
		return nil, 0, time.Time{}, errors.New("queue message is shorter than its header")
	}
	attempts = binary.BigEndian.Uint32(v)
	visibleAt = time.UnixMilli(int64(binary.BigEndian.Uint64(v[4:])))
	return v[queueHeaderLen:], attempts, visibleAt, nil
}

func (f *fdbStore) ListenQueue(handler store.QueueHandler) error {
	f.Lock()
	defer f.Unlock()

	if f.closed {
		return store.ErrClosed
	}
	if f.handler != nil {
		return store.ErrQueueListenerBound
	}
	f.handler = handler

	go f.consumeLoop()
	return nil
}

type claimedMessage struct {
	key      fdb.Key
	payload  []byte
	attempts uint32
}

func (f *fdbStore) consumeLoop() {
	defer close(f.consumed)

	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()

	for {
		for {
			claimed, err := f.claim()
			if err != nil {
				if f.ctx.Err() != nil {
					return
				}
				f.log.Error("error claiming queue messages", slog.Any("error", err))
				break
			}
			if len(claimed) == 0 {
				break
			}
			for _, msg := range claimed {
				if err := f.sem.Acquire(f.ctx, 1); err != nil {
					// Closed, unacknowledged messages are redelivered once their lease expires.
					return
				}
				msg := msg
				f.inflight.Add(1)
				go func() {
					defer f.inflight.Done()
					defer f.sem.Release(1)
					f.deliver(msg)
				}()
			}
		}

		watch, err := f.db.Transact(func(tr fdb.Transaction) (any, error) {
			return tr.Watch(f.signalKey), nil
		})
		if err != nil {
			f.log.Error("error watching queue signal key", slog.Any("error", err))
			select {
			case <-f.ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		fired := make(chan struct{})
		w := watch.(fdb.FutureNil)
		go func() {
			defer close(fired)
			w.Get()
		}()
		select {
		case <-f.ctx.Done():
			w.Cancel()
			return
		case <-fired:
		case <-ticker.C:
			w.Cancel()
		}
	}
}

// claim leases a batch of visible messages. Competing consumers conflict on the
// message keys so a message is leased by at most one of them.
func (f *fdbStore) claim() ([]claimedMessage, error) {
	begin, end := f.queue.FDBRangeKeys()
	claimed, err := f.db.Transact(func(tr fdb.Transaction) (any, error) {
		kvs, err := tr.GetRange(
			fdb.KeyRange{Begin: begin, End: end},
			fdb.RangeOptions{Limit: claimBatchSize},
		).GetSliceWithError()
		if err != nil {
			return nil, err
		}

		var (
			now     = time.Now()
			claimed []claimedMessage
		)
		for _, kv := range kvs {
			payload, attempts, visibleAt, err := decodeQueueValue(kv.Value)
			if err != nil {
				f.log.Error("[invariant violated] dropping malformed queue message", slog.Any("error", err))
				tr.Clear(kv.Key)
				continue
			}
			if visibleAt.After(now) {
				continue
			}
			attempts++
			tr.Set(kv.Key, encodeQueueValue(payload, attempts, now.Add(f.opts.LeaseDuration)))
			claimed = append(claimed, claimedMessage{
				key:      kv.Key,
				payload:  append([]byte(nil), payload...),
				attempts: attempts,
			})
		}
		return claimed, nil
	})
	if err != nil {
		return nil, err
	}
	return claimed.([]claimedMessage), nil
}

func (f *fdbStore) deliver(msg claimedMessage) {
	handlerErr := f.callHandler(msg.payload)
	if handlerErr == nil || int(msg.attempts) >= f.opts.MaxDeliveryAttempts {
		if handlerErr != nil {
			f.log.Error(
				"dropping queue message after max delivery attempts",
				slog.Int("attempts", int(msg.attempts)), slog.Any("error", handlerErr))
		}
		if _, err := f.db.Transact(func(tr fdb.Transaction) (any, error) {
			tr.Clear(msg.key)
			return nil, nil
		}); err != nil {
			f.log.Error("error acknowledging queue message", slog.Any("error", err))
		}
		return
	}

	f.log.Warn(
		"queue handler failed, scheduling redelivery",
		slog.Int("attempts", int(msg.attempts)), slog.Any("error", handlerErr))
	visibleAt := time.Now().Add(time.Duration(msg.attempts) * f.opts.RetryBackoff)
	if _, err := f.db.Transact(func(tr fdb.Transaction) (any, error) {
		tr.Set(msg.key, encodeQueueValue(msg.payload, msg.attempts, visibleAt))
		return nil, nil
	}); err != nil {
		f.log.Error("error scheduling queue redelivery", slog.Any("error", err))
	}
}

func (f *fdbStore) callHandler(payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue handler panicked: %v", r)
		}
	}()
	return f.handler(f.ctx, payload)
}

func (f *fdbStore) Close(ctx context.Context) error {
	f.Lock()
	if f.closed {
		f.Unlock()
		return nil
	}
	f.closed = true
	listening := f.handler != nil
	f.Unlock()

	f.cc()
	if !listening {
		return nil
	}

	done := make(chan struct{})
	go func() {
		<-f.consumed
		f.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("fdbStore: close: error waiting for queue deliveries: %w", ctx.Err())
	}
}

func (f *fdbStore) UnsafeWipeAll() error {
	_, err := f.db.Transact(func(tr fdb.Transaction) (any, error) {
		tr.ClearRange(f.data)
		tr.ClearRange(f.queue)
		return nil, nil
	})
	return err
}

func (f *fdbStore) checkOpen() error {
	f.Lock()
	defer f.Unlock()

	if f.closed {
		return store.ErrClosed
	}
	return nil
}

func (f *fdbStore) toItem(fk fdb.Key, v []byte) (store.Item, error) {
	if len(v) < versionstampLen {
		return store.Item{}, fmt.Errorf("[invariant violated] value of key %x is shorter than a versionstamp", fk)
	}
	key := append([]byte(nil), fk[len(f.data.Bytes()):]...)
	return store.Item{
		Key:          key,
		Value:        append([]byte(nil), v[versionstampLen:]...),
		Versionstamp: types.VersionstampFromBytes(v[:versionstampLen]),
		Cursor:       store.EncodeCursor(key),
	}, nil
}
