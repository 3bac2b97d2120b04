package store

import (
	"context"
	"errors"

	"github.com/kvinsights/kvinsights/types"
)

var (
	// ErrInvalidCursor is returned by List when the cursor cannot be resolved within
	// the requested prefix.
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrQueueListenerBound is returned by ListenQueue when a consumer is already bound
	// to the store handle.
	ErrQueueListenerBound = errors.New("queue listener already bound")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// Store is the interface of an ordered KV store with optimistic concurrency and a
// durable queue. It is implemented by the in-memory, PostgreSQL and FoundationDB
// backends so that the entry repository and the queue service can be written once
// and run against any of them.
//
// Keys and values are opaque bytes at this level. Keys sort with bytes.Compare.
type Store interface {
	// List scans the keys that start with prefix (the key equal to prefix itself is
	// not part of the scan) in key order, or in reverse key order if opts.Reverse is
	// set. If opts.Cursor is set the scan resumes strictly after (before, in reverse)
	// the position it names.
	List(ctx context.Context, prefix []byte, opts ListOptions) (ListResult, error)

	// Get returns the item stored under key, if any.
	Get(ctx context.Context, key []byte) (Item, bool, error)

	// Commit atomically writes value under key if and only if the current
	// versionstamp of key equals check (the empty versionstamp meaning the key
	// must not exist). On a mismatch the result is not OK and carries the current
	// versionstamp of the key.
	Commit(ctx context.Context, key []byte, check types.Versionstamp, value []byte) (CommitResult, error)

	// Delete removes key. Deleting a key that does not exist is not an error.
	Delete(ctx context.Context, key []byte) error

	// Enqueue durably appends a message to the store's queue.
	Enqueue(ctx context.Context, payload []byte) (EnqueueResult, error)

	// ListenQueue binds the single queue consumer of this store handle. Messages are
	// delivered at least once: a handler returning an error causes redelivery.
	ListenQueue(handler QueueHandler) error

	// Close releases the resources of the store handle and stops its queue consumer.
	Close(ctx context.Context) error

	// UnsafeWipeAll deletes everything in the store. Only used for tests.
	UnsafeWipeAll() error
}

// QueueHandler consumes one queue message.
type QueueHandler func(ctx context.Context, payload []byte) error

// ListOptions controls a List call.
type ListOptions struct {
	// Limit is the maximum number of items to return, <= 0 means no limit.
	Limit int
	// Cursor resumes a previous scan, see EncodeCursor.
	Cursor string
	// Reverse scans in descending key order.
	Reverse bool
}

// Item is a single key/value pair read from the store.
type Item struct {
	Key          []byte
	Value        []byte
	Versionstamp types.Versionstamp
	// Cursor resumes a scan immediately after (before, in reverse) this item.
	Cursor string
}

// ListResult is the result of a List call.
type ListResult struct {
	Items []Item
	// Cursor is the cursor of the last returned item, empty if nothing was returned.
	Cursor string
}

// CommitResult is the result of a Commit call.
type CommitResult struct {
	OK bool
	// Versionstamp is the new versionstamp of the key if OK, otherwise its current
	// versionstamp (empty if the key does not exist).
	Versionstamp types.Versionstamp
}

// EnqueueResult is the result of an Enqueue call.
type EnqueueResult struct {
	OK bool
}
