// Package pgrelay implements relay.Relay with PostgreSQL LISTEN/NOTIFY. Every
// context listening on the same channel of the same database receives the messages
// posted by the others.
package pgrelay

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kvinsights/kvinsights/queue/relay"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/exp/slog"
)

const (
	defaultChannel = "kvinsights"

	// NOTIFY payloads are limited to 8000 bytes by default.
	maxNotifyPayload = 8000
)

// ErrPayloadTooLarge is returned by Post for messages that do not fit a notification.
var ErrPayloadTooLarge = errors.New("payload too large for a notification")

// Options contains the options for New.
type Options struct {
	// URL is the lib/pq connection string.
	URL string
	// Channel is the notification channel shared by the contexts.
	Channel string
	// Logger is the logger. If no logger is passed, then default slog.Default() is used.
	Logger *slog.Logger
}

// Relay is a relay.Relay on a PostgreSQL notification channel. Messages are tagged
// with the id of the posting relay so it can drop its own.
type Relay struct {
	sync.Mutex

	origin   string
	db       *sql.DB
	listener *pq.Listener
	cc       func()
	done     chan struct{}
	closed   bool
	log      *slog.Logger
	opts     Options
}

// New creates a new Relay. It does not connect until Connect.
func New(opts Options) (*Relay, error) {
	if opts.URL == "" {
		return nil, errors.New("pgrelay: URL is required")
	}
	if opts.Channel == "" {
		opts.Channel = defaultChannel
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	origin := uuid.NewString()
	return &Relay{
		origin: origin,
		log: opts.Logger.With(
			slog.String("module", "PostgresRelay"),
			slog.String("channel", opts.Channel),
			slog.String("origin", origin)),
		opts: opts,
	}, nil
}

func (r *Relay) Connect(ctx context.Context, handler relay.Handler) error {
	r.Lock()
	defer r.Unlock()

	if r.closed {
		return relay.ErrNotConnected
	}
	if r.done != nil {
		return errors.New("pgrelay: already connected")
	}

	db, err := sql.Open("postgres", r.opts.URL)
	if err != nil {
		return fmt.Errorf("pgrelay: error opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("pgrelay: error connecting to database: %w", err)
	}

	listener := pq.NewListener(r.opts.URL, 10*time.Millisecond, time.Minute, func(event pq.ListenerEventType, err error) {
		if err != nil {
			r.log.Warn("relay listener connection event", slog.Int("event", int(event)), slog.Any("error", err))
		}
	})
	if err := listener.Listen(r.opts.Channel); err != nil {
		listener.Close()
		db.Close()
		return fmt.Errorf("pgrelay: error listening on %s: %w", r.opts.Channel, err)
	}

	loopCtx, cc := context.WithCancel(context.Background())
	r.db = db
	r.listener = listener
	r.cc = cc
	r.done = make(chan struct{})
	go r.run(loopCtx, handler)
	return nil
}

func (r *Relay) run(ctx context.Context, handler relay.Handler) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-r.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Reconnected, notifications sent in between are lost.
				r.log.Warn("relay listener reconnected")
				continue
			}
			origin, payload, err := decodeMessage(n.Extra)
			if err != nil {
				r.log.Error("dropping malformed relay message", slog.Any("error", err))
				continue
			}
			if origin == r.origin {
				continue
			}
			handler(ctx, payload)
		}
	}
}

func (r *Relay) Post(ctx context.Context, payload []byte) error {
	r.Lock()
	db := r.db
	closed := r.closed
	r.Unlock()

	if db == nil || closed {
		return relay.ErrNotConnected
	}

	msg := encodeMessage(r.origin, payload)
	if len(msg) > maxNotifyPayload {
		return fmt.Errorf("pgrelay: %w: %d bytes", ErrPayloadTooLarge, len(msg))
	}
	if _, err := db.ExecContext(ctx, "SELECT pg_notify($1, $2)", r.opts.Channel, msg); err != nil {
		return fmt.Errorf("pgrelay: error notifying %s: %w", r.opts.Channel, err)
	}
	return nil
}

func (r *Relay) Close() error {
	r.Lock()
	if r.closed {
		r.Unlock()
		return nil
	}
	r.closed = true
	done := r.done
	r.Unlock()

	if done == nil {
		return nil
	}
	r.cc()
	<-done
	return errors.Join(r.listener.Close(), r.db.Close())
}

func encodeMessage(origin string, payload []byte) string {
	return origin + ":" + base64.StdEncoding.EncodeToString(payload)
}

func decodeMessage(msg string) (string, []byte, error) {
	origin, encoded, ok := strings.Cut(msg, ":")
	if !ok {
		return "", nil, fmt.Errorf("missing origin in %q", msg)
	}
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("error decoding payload from %s: %w", origin, err)
	}
	return origin, payload, nil
}
