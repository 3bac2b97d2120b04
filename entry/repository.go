// Package entry implements the entry repository: paginated listing, lookup by
// cursor and optimistic-concurrency writes on top of a store.Store.
package entry

import (
	"context"
	"errors"
	"fmt"

	"github.com/kvinsights/kvinsights/store"
	"github.com/kvinsights/kvinsights/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/singleflight"
)

const tracerName = "github.com/kvinsights/kvinsights/entry"

// Entry is a key, its value and the versionstamp of the write that produced it.
type Entry struct {
	Key          types.Key
	Value        types.Value
	Versionstamp types.Versionstamp
}

// CursorBasedEntry is an Entry annotated with the cursor that resumes a scan
// immediately after it. The cursor can also be used to look the entry up again with
// FindEntryByCursor.
type CursorBasedEntry struct {
	Entry
	Cursor string
}

// Pagination bounds a FindAllEntries call.
type Pagination struct {
	// First is the maximum number of entries to return, <= 0 means no limit.
	First int
	// After is the cursor of the last entry of the previous page, empty to start
	// from the beginning of the scan.
	After string
	// Prefix restricts the scan to the keys that start with it.
	Prefix types.Key
}

// RepositoryOptions contains the options for NewRepository.
type RepositoryOptions struct {
	// Logger is the logger. If no logger is passed, then default slog.Default() is used.
	Logger *slog.Logger
	// TracerProvider is used to trace every operation. If it is nil the global
	// provider (otel.GetTracerProvider()) is used.
	TracerProvider trace.TracerProvider
}

// Repository reads and writes entries. It never retains entries: every call reads
// from the store again.
type Repository struct {
	store  store.Store
	log    *slog.Logger
	tracer trace.Tracer

	// Dedupes concurrent lookups of the same cursor.
	cursorLookups singleflight.Group
}

// NewRepository creates a new Repository on top of s.
func NewRepository(s store.Store, opts RepositoryOptions) *Repository {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}

	return &Repository{
		store:  s,
		log:    opts.Logger.With(slog.String("module", "EntryRepository")),
		tracer: opts.TracerProvider.Tracer(tracerName),
	}
}

// FindAllEntries returns up to pagination.First entries in key order, starting at
// the beginning of the scan or right after pagination.After. An empty store yields an
// empty slice. A nil pagination lists everything.
func (r *Repository) FindAllEntries(
	ctx context.Context,
	pagination *Pagination,
) (entries []CursorBasedEntry, err error) {
	if pagination == nil {
		pagination = &Pagination{}
	}

	ctx, span := r.tracer.Start(ctx, "FindAllEntries", trace.WithAttributes(
		attribute.Int("first", pagination.First),
		attribute.String("after", pagination.After),
		attribute.String("prefix", pagination.Prefix.String()),
	))
	defer func() { endSpan(span, err) }()

	var prefix []byte
	if len(pagination.Prefix) > 0 {
		prefix, err = pagination.Prefix.Pack()
		if err != nil {
			return nil, fmt.Errorf("FindAllEntries: error packing prefix: %w", err)
		}
	}

	result, err := r.store.List(ctx, prefix, store.ListOptions{
		Limit:  pagination.First,
		Cursor: pagination.After,
	})
	if err != nil {
		return nil, fmt.Errorf("FindAllEntries: error listing entries: %w", err)
	}

	entries = make([]CursorBasedEntry, 0, len(result.Items))
	for _, item := range result.Items {
		e, err := decodeItem(item)
		if err != nil {
			return nil, fmt.Errorf("FindAllEntries: %w", err)
		}
		entries = append(entries, CursorBasedEntry{Entry: e, Cursor: item.Cursor})
	}
	span.SetAttributes(attribute.Int("entries", len(entries)))
	return entries, nil
}

// FindEntryByCursor returns the entry that cursor points at, the one a scan resumed
// from cursor would have just returned. The store cannot be read at a cursor
// directly, so this steps one entry forward to consume the cursor and then scans one
// entry backwards from the resulting position. If the forward step finds nothing,
// the backward scan starts from the end of the key space.
//
// The two scans are not atomic. If the entry at cursor is deleted between them the
// result is its predecessor, or absent if it had none.
//
// An invalid cursor yields (CursorBasedEntry{}, false, nil). Every other error is
// returned.
func (r *Repository) FindEntryByCursor(
	ctx context.Context,
	cursor string,
) (e CursorBasedEntry, ok bool, err error) {
	ctx, span := r.tracer.Start(ctx, "FindEntryByCursor", trace.WithAttributes(
		attribute.String("cursor", cursor),
	))
	defer func() { endSpan(span, err) }()

	// The lookup is shared by every caller of the same cursor, so it must not be
	// bound to the context of whichever caller started it.
	sharedCtx := context.WithoutCancel(ctx)
	resultCh := r.cursorLookups.DoChan(cursor, func() (any, error) {
		return r.findEntryByCursor(sharedCtx, cursor)
	})

	var found any
	select {
	case <-ctx.Done():
		return CursorBasedEntry{}, false, fmt.Errorf("FindEntryByCursor: %w", ctx.Err())
	case res := <-resultCh:
		span.SetAttributes(attribute.Bool("shared", res.Shared))
		found, err = res.Val, res.Err
	}
	if errors.Is(err, store.ErrInvalidCursor) {
		r.log.Debug("cursor cannot be resolved", slog.String("cursor", cursor), slog.Any("error", err))
		return CursorBasedEntry{}, false, nil
	}
	if err != nil {
		return CursorBasedEntry{}, false, fmt.Errorf("FindEntryByCursor: %w", err)
	}
	hit, _ := found.(*CursorBasedEntry)
	if hit == nil {
		return CursorBasedEntry{}, false, nil
	}
	return *hit, true, nil
}

func (r *Repository) findEntryByCursor(ctx context.Context, cursor string) (*CursorBasedEntry, error) {
	next, err := r.store.List(ctx, nil, store.ListOptions{Limit: 1, Cursor: cursor})
	if err != nil {
		return nil, err
	}

	prev, err := r.store.List(ctx, nil, store.ListOptions{Limit: 1, Cursor: next.Cursor, Reverse: true})
	if err != nil {
		return nil, fmt.Errorf("error scanning backwards: %w", err)
	}
	if len(prev.Items) == 0 {
		return nil, nil
	}

	e, err := decodeItem(prev.Items[0])
	if err != nil {
		return nil, err
	}
	return &CursorBasedEntry{Entry: e, Cursor: cursor}, nil
}

// SaveEntry writes value under key if and only if the current versionstamp of key is
// expected, an empty expected versionstamp meaning that key must not exist yet. On a
// mismatch it returns a VersionConflictError carrying both versionstamps.
func (r *Repository) SaveEntry(
	ctx context.Context,
	key types.Key,
	value types.Value,
	expected types.Versionstamp,
) (e Entry, err error) {
	ctx, span := r.tracer.Start(ctx, "SaveEntry", trace.WithAttributes(
		attribute.String("key", key.String()),
		attribute.String("expected", string(expected)),
	))
	defer func() { endSpan(span, err) }()

	if err := key.Validate(); err != nil {
		return Entry{}, fmt.Errorf("SaveEntry: invalid key: %w", err)
	}
	packed, err := key.Pack()
	if err != nil {
		return Entry{}, fmt.Errorf("SaveEntry: error packing key: %w", err)
	}
	encoded, err := types.MarshalValue(value)
	if err != nil {
		return Entry{}, fmt.Errorf("SaveEntry: error encoding value: %w", err)
	}

	result, err := r.store.Commit(ctx, packed, expected, encoded)
	if err != nil {
		return Entry{}, fmt.Errorf("SaveEntry: error committing: %w", err)
	}
	if !result.OK {
		return Entry{}, VersionConflictError{Key: key, Expected: expected, Actual: result.Versionstamp}
	}

	if value == nil {
		value = types.Null{}
	}
	span.SetAttributes(attribute.String("versionstamp", string(result.Versionstamp)))
	return Entry{Key: key, Value: value, Versionstamp: result.Versionstamp}, nil
}

// GetEntry returns the entry stored under key, if any.
func (r *Repository) GetEntry(ctx context.Context, key types.Key) (e Entry, ok bool, err error) {
	ctx, span := r.tracer.Start(ctx, "GetEntry", trace.WithAttributes(
		attribute.String("key", key.String()),
	))
	defer func() { endSpan(span, err) }()

	packed, err := key.Pack()
	if err != nil {
		return Entry{}, false, fmt.Errorf("GetEntry: error packing key: %w", err)
	}
	item, ok, err := r.store.Get(ctx, packed)
	if err != nil {
		return Entry{}, false, fmt.Errorf("GetEntry: error getting key: %w", err)
	}
	if !ok || !item.Versionstamp.Exists() {
		return Entry{}, false, nil
	}

	e, err = decodeItem(item)
	if err != nil {
		return Entry{}, false, fmt.Errorf("GetEntry: %w", err)
	}
	return e, true, nil
}

// EntryExists reports whether key has a versionstamp.
func (r *Repository) EntryExists(ctx context.Context, key types.Key) (exists bool, err error) {
	ctx, span := r.tracer.Start(ctx, "EntryExists", trace.WithAttributes(
		attribute.String("key", key.String()),
	))
	defer func() { endSpan(span, err) }()

	packed, err := key.Pack()
	if err != nil {
		return false, fmt.Errorf("EntryExists: error packing key: %w", err)
	}
	item, ok, err := r.store.Get(ctx, packed)
	if err != nil {
		return false, fmt.Errorf("EntryExists: error getting key: %w", err)
	}
	return ok && item.Versionstamp.Exists(), nil
}

// DeleteEntry deletes key. Deleting a key that does not exist is not an error.
func (r *Repository) DeleteEntry(ctx context.Context, key types.Key) (err error) {
	ctx, span := r.tracer.Start(ctx, "DeleteEntry", trace.WithAttributes(
		attribute.String("key", key.String()),
	))
	defer func() { endSpan(span, err) }()

	packed, err := key.Pack()
	if err != nil {
		return fmt.Errorf("DeleteEntry: error packing key: %w", err)
	}
	if err := r.store.Delete(ctx, packed); err != nil {
		return fmt.Errorf("DeleteEntry: error deleting key: %w", err)
	}
	return nil
}

func decodeItem(item store.Item) (Entry, error) {
	key, err := types.UnpackKey(item.Key)
	if err != nil {
		return Entry{}, err
	}
	value, err := types.UnmarshalValue(item.Value)
	if err != nil {
		return Entry{}, fmt.Errorf("error decoding value of key %s: %w", key, err)
	}
	return Entry{Key: key, Value: value, Versionstamp: item.Versionstamp}, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
