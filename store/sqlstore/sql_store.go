package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kvinsights/kvinsights/store"
	"github.com/kvinsights/kvinsights/types"

	"github.com/lib/pq"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/semaphore"
)

const (
	defaultTablePrefix         = "kvinsights"
	defaultPollInterval        = time.Second
	defaultLeaseDuration       = 30 * time.Second
	defaultMaxDeliveryAttempts = 5
	defaultDeliveryConcurrency = 16
	defaultRetryBackoff        = 100 * time.Millisecond
	claimBatchSize             = 32
)

// Options configures a PostgreSQL backed store.
type Options struct {
	// URL is the lib/pq connection string.
	URL string
	// TablePrefix namespaces the tables, sequence and notification channel used by
	// the store so that multiple deployments can share a database.
	TablePrefix string
	// PollInterval bounds how long a queue message can wait when a notification
	// is missed.
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

type sqlStore struct {
	sync.Mutex

	db   *sql.DB
	opts Options
	log  *slog.Logger

	entriesTable  string
	versionsSeq   string
	queueTable    string
	notifyChannel string

	ctx      context.Context
	cc       func()
	sem      *semaphore.Weighted
	closed   bool
	handler  store.QueueHandler
	listener *pq.Listener
	consumed chan struct{}
	inflight sync.WaitGroup
}

// New connects to PostgreSQL and creates the schema of the store if it does not
// exist yet.
func New(ctx context.Context, opts Options) (store.Store, error) {
	if opts.URL == "" {
		return nil, errors.New("sqlstore: URL is required")
	}
	if opts.TablePrefix == "" {
		opts.TablePrefix = defaultTablePrefix
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

	db, err := sql.Open("postgres", opts.URL)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: error opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: error pinging database: %w", err)
	}

	storeCtx, cc := context.WithCancel(context.Background())
	s := &sqlStore{
		db:            db,
		opts:          opts,
		log:           opts.Logger.With(slog.String("module", "Store"), slog.String("subService", "sqlStore")),
		entriesTable:  pq.QuoteIdentifier(opts.TablePrefix + "_entries"),
		versionsSeq:   pq.QuoteIdentifier(opts.TablePrefix + "_versions"),
		queueTable:    pq.QuoteIdentifier(opts.TablePrefix + "_queue"),
		notifyChannel: opts.TablePrefix + "_queue",
		ctx:           storeCtx,
		cc:            cc,
		sem:           semaphore.NewWeighted(int64(opts.DeliveryConcurrency)),
		consumed:      make(chan struct{}),
	}
	if err := s.createSchema(ctx); err != nil {
		cc()
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) createSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (k BYTEA PRIMARY KEY, v BYTEA NOT NULL, version BIGINT NOT NULL)",
			s.entriesTable),
		fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s", s.versionsSeq),
		fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s ("+
				"id BIGSERIAL PRIMARY KEY, "+
				"payload BYTEA NOT NULL, "+
				"attempts INT NOT NULL DEFAULT 0, "+
				"visible_at TIMESTAMPTZ NOT NULL DEFAULT now())",
			s.queueTable),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: error creating schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) List(
	ctx context.Context,
	prefix []byte,
	opts store.ListOptions,
) (store.ListResult, error) {
	if err := s.checkOpen(); err != nil {
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
		query strings.Builder
		args  []any
	)
	fmt.Fprintf(&query, "SELECT k, v, version FROM %s WHERE ", s.entriesTable)
	if opts.Reverse {
		args = append(args, append([]byte{}, prefix...))
		query.WriteString("k > $1")
		pivot := cursorKey
		if pivot == nil {
			pivot = store.PrefixEnd(prefix)
		}
		if pivot != nil {
			args = append(args, pivot)
			query.WriteString(" AND k < $2")
		}
		query.WriteString(" ORDER BY k DESC")
	} else {
		start := store.KeyAfter(prefix)
		if cursorKey != nil {
			start = store.KeyAfter(cursorKey)
		}
		args = append(args, start)
		query.WriteString("k >= $1")
		if end := store.PrefixEnd(prefix); end != nil {
			args = append(args, end)
			query.WriteString(" AND k < $2")
		}
		query.WriteString(" ORDER BY k ASC")
	}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&query, " LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return store.ListResult{}, fmt.Errorf("sqlStore: list: error querying entries: %w", err)
	}
	defer rows.Close()

	var result store.ListResult
	for rows.Next() {
		var (
			k, v    []byte
			version int64
		)
		if err := rows.Scan(&k, &v, &version); err != nil {
			return store.ListResult{}, fmt.Errorf("sqlStore: list: error scanning entry: %w", err)
		}
		if !store.InPrefix(k, prefix) {
			break
		}
		result.Items = append(result.Items, toItem(k, v, version))
	}
	if err := rows.Err(); err != nil {
		return store.ListResult{}, fmt.Errorf("sqlStore: list: error iterating entries: %w", err)
	}

	if len(result.Items) > 0 {
		result.Cursor = result.Items[len(result.Items)-1].Cursor
	}
	return result, nil
}

func (s *sqlStore) Get(ctx context.Context, key []byte) (store.Item, bool, error) {
	if err := s.checkOpen(); err != nil {
		return store.Item{}, false, err
	}

	var (
		v       []byte
		version int64
	)
	err := s.db.QueryRowContext(
		ctx,
		fmt.Sprintf("SELECT v, version FROM %s WHERE k = $1", s.entriesTable),
		key,
	).Scan(&v, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Item{}, false, nil
	}
	if err != nil {
		return store.Item{}, false, fmt.Errorf("sqlStore: get: error querying entry: %w", err)
	}
	return toItem(key, v, version), true, nil
}

func (s *sqlStore) Commit(
	ctx context.Context,
	key []byte,
	check types.Versionstamp,
	value []byte,
) (store.CommitResult, error) {
	if err := s.checkOpen(); err != nil {
		return store.CommitResult{}, err
	}

	var (
		version int64
		err     error
	)
	if !check.Exists() {
		err = s.db.QueryRowContext(
			ctx,
			fmt.Sprintf(
				"INSERT INTO %s (k, v, version) VALUES ($1, $2, nextval('%s')) "+
					"ON CONFLICT (k) DO NOTHING RETURNING version",
				s.entriesTable, s.versionsSeq),
			key, value,
		).Scan(&version)
	} else {
		expected, parseErr := strconv.ParseInt(string(check), 16, 64)
		if parseErr != nil {
			// Not a token this store could have produced, so it cannot match.
			err = sql.ErrNoRows
		} else {
			err = s.db.QueryRowContext(
				ctx,
				fmt.Sprintf(
					"UPDATE %s SET v = $2, version = nextval('%s') "+
						"WHERE k = $1 AND version = $3 RETURNING version",
					s.entriesTable, s.versionsSeq),
				key, value, expected,
			).Scan(&version)
		}
	}
	if err == nil {
		return store.CommitResult{OK: true, Versionstamp: types.NewVersionstamp(uint64(version))}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.CommitResult{}, fmt.Errorf("sqlStore: commit: error writing entry: %w", err)
	}

	current, ok, err := s.Get(ctx, key)
	if err != nil {
		return store.CommitResult{}, fmt.Errorf("sqlStore: commit: error reading current version: %w", err)
	}
	if !ok {
		return store.CommitResult{OK: false}, nil
	}
	return store.CommitResult{OK: false, Versionstamp: current.Versionstamp}, nil
}

func (s *sqlStore) Delete(ctx context.Context, key []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE k = $1", s.entriesTable), key)
	if err != nil {
		return fmt.Errorf("sqlStore: delete: error deleting entry: %w", err)
	}
	return nil
}

func (s *sqlStore) Enqueue(ctx context.Context, payload []byte) (store.EnqueueResult, error) {
	if err := s.checkOpen(); err != nil {
		return store.EnqueueResult{}, err
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (payload) VALUES ($1)", s.queueTable), payload)
	if err != nil {
		return store.EnqueueResult{}, fmt.Errorf("sqlStore: enqueue: error inserting message: %w", err)
	}

	// Consumers poll as well so a failed notification only delays delivery.
	if _, err := s.db.ExecContext(ctx, "SELECT pg_notify($1, '')", s.notifyChannel); err != nil {
		s.log.Warn("error notifying queue consumers", slog.Any("error", err))
	}
	return store.EnqueueResult{OK: true}, nil
}

func (s *sqlStore) ListenQueue(handler store.QueueHandler) error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	if s.handler != nil {
		return store.ErrQueueListenerBound
	}

	listener := pq.NewListener(s.opts.URL, 10*time.Millisecond, time.Minute, func(event pq.ListenerEventType, err error) {
		if err != nil {
			s.log.Warn("queue listener connection event", slog.Int("event", int(event)), slog.Any("error", err))
		}
	})
	if err := listener.Listen(s.notifyChannel); err != nil {
		listener.Close()
		return fmt.Errorf("sqlStore: listenQueue: error listening on %s: %w", s.notifyChannel, err)
	}

	s.handler = handler
	s.listener = listener
	go s.consumeLoop()
	return nil
}

type claimedMessage struct {
	id       int64
	payload  []byte
	attempts int
}

func (s *sqlStore) consumeLoop() {
	defer close(s.consumed)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		for {
			claimed, err := s.claim()
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.log.Error("error claiming queue messages", slog.Any("error", err))
				break
			}
			if len(claimed) == 0 {
				break
			}
			for _, msg := range claimed {
				if err := s.sem.Acquire(s.ctx, 1); err != nil {
					// Closed, unacknowledged messages are redelivered once their lease expires.
					return
				}
				msg := msg
				s.inflight.Add(1)
				go func() {
					defer s.inflight.Done()
					defer s.sem.Release(1)
					s.deliver(msg)
				}()
			}
		}

		select {
		case <-s.ctx.Done():
			return
		case <-s.listener.Notify:
		case <-ticker.C:
		}
	}
}

func (s *sqlStore) claim() ([]claimedMessage, error) {
	rows, err := s.db.QueryContext(
		s.ctx,
		fmt.Sprintf(
			"UPDATE %[1]s SET attempts = attempts + 1, visible_at = now() + $2::bigint * interval '1 millisecond' "+
				"WHERE id IN (SELECT id FROM %[1]s WHERE visible_at <= now() ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED) "+
				"RETURNING id, payload, attempts",
			s.queueTable),
		claimBatchSize, s.opts.LeaseDuration.Milliseconds(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []claimedMessage
	for rows.Next() {
		var msg claimedMessage
		if err := rows.Scan(&msg.id, &msg.payload, &msg.attempts); err != nil {
			return nil, err
		}
		claimed = append(claimed, msg)
	}
	return claimed, rows.Err()
}

func (s *sqlStore) deliver(msg claimedMessage) {
	handlerErr := s.callHandler(msg.payload)
	if handlerErr == nil || msg.attempts >= s.opts.MaxDeliveryAttempts {
		if handlerErr != nil {
			s.log.Error(
				"dropping queue message after max delivery attempts",
				slog.Int64("id", msg.id), slog.Int("attempts", msg.attempts), slog.Any("error", handlerErr))
		}
		_, err := s.db.ExecContext(s.ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.queueTable), msg.id)
		if err != nil {
			s.log.Error("error acknowledging queue message", slog.Int64("id", msg.id), slog.Any("error", err))
		}
		return
	}

	s.log.Warn(
		"queue handler failed, scheduling redelivery",
		slog.Int64("id", msg.id), slog.Int("attempts", msg.attempts), slog.Any("error", handlerErr))
	backoff := time.Duration(msg.attempts) * s.opts.RetryBackoff
	_, err := s.db.ExecContext(
		s.ctx,
		fmt.Sprintf(
			"UPDATE %s SET visible_at = now() + $2::bigint * interval '1 millisecond' WHERE id = $1",
			s.queueTable),
		msg.id, backoff.Milliseconds(),
	)
	if err != nil {
		s.log.Error("error scheduling queue redelivery", slog.Int64("id", msg.id), slog.Any("error", err))
	}
}

func (s *sqlStore) callHandler(payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue handler panicked: %v", r)
		}
	}()
	return s.handler(s.ctx, payload)
}

func (s *sqlStore) Close(ctx context.Context) error {
	s.Lock()
	if s.closed {
		s.Unlock()
		return nil
	}
	s.closed = true
	listening := s.handler != nil
	s.Unlock()

	s.cc()
	if listening {
		done := make(chan struct{})
		go func() {
			<-s.consumed
			s.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("sqlStore: close: error waiting for queue deliveries: %w", ctx.Err())
		}
		if err := s.listener.Close(); err != nil {
			s.log.Warn("error closing queue listener", slog.Any("error", err))
		}
	}
	return s.db.Close()
}

func (s *sqlStore) UnsafeWipeAll() error {
	for _, table := range []string{s.entriesTable, s.queueTable} {
		if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) checkOpen() error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	return nil
}

func toItem(k, v []byte, version int64) store.Item {
	return store.Item{
		Key:          k,
		Value:        v,
		Versionstamp: types.NewVersionstamp(uint64(version)),
		Cursor:       store.EncodeCursor(k),
	}
}
