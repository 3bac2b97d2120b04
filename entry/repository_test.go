package entry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kvinsights/kvinsights/store"
	"github.com/kvinsights/kvinsights/store/localstore"
	"github.com/kvinsights/kvinsights/types"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestRepository(t *testing.T) *Repository {
	s := localstore.New(localstore.Options{})
	t.Cleanup(func() { s.Close(context.Background()) })
	return NewRepository(s, RepositoryOptions{})
}

func mustSave(t *testing.T, r *Repository, key types.Key, value types.Value) Entry {
	e, err := r.SaveEntry(context.Background(), key, value, "")
	require.NoError(t, err)
	return e
}

func keysOf(entries []CursorBasedEntry) []string {
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key.String())
	}
	return keys
}

func TestFindAllEntriesEmptyStore(t *testing.T) {
	r := newTestRepository(t)

	entries, err := r.FindAllEntries(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, entries)
	require.Empty(t, entries)

	entries, err = r.FindAllEntries(context.Background(), &Pagination{First: 10})
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFindAllEntriesPages(t *testing.T) {
	var (
		ctx = context.Background()
		r   = newTestRepository(t)
	)
	mustSave(t, r, types.Key{"a"}, types.Integer(1))
	mustSave(t, r, types.Key{"b"}, types.Integer(2))
	mustSave(t, r, types.Key{"c"}, types.Integer(3))

	page1, err := r.FindAllEntries(ctx, &Pagination{First: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.Equal(t, types.Key{"a"}, page1[0].Key)
	require.Equal(t, types.Integer(1), page1[0].Value)
	require.Equal(t, types.Key{"b"}, page1[1].Key)
	require.Equal(t, types.Integer(2), page1[1].Value)

	page2, err := r.FindAllEntries(ctx, &Pagination{First: 2, After: page1[1].Cursor})
	require.NoError(t, err)
	require.Len(t, page2, 1)
	require.Equal(t, types.Key{"c"}, page2[0].Key)
	require.Equal(t, types.Integer(3), page2[0].Value)

	page3, err := r.FindAllEntries(ctx, &Pagination{First: 2, After: page2[0].Cursor})
	require.NoError(t, err)
	require.Empty(t, page3)
}

func TestFindAllEntriesContinuity(t *testing.T) {
	var (
		ctx      = context.Background()
		r        = newTestRepository(t)
		expected []string
	)
	// Mixed part types and lengths, inserted out of order.
	keys := []types.Key{
		{"users", int64(10)},
		{"users", int64(2)},
		{"users", "alice"},
		{int64(-5)},
		{true},
		{[]byte{0x00, 0xFF}},
		{"users"},
		{3.5},
		{"users", int64(2), "settings"},
	}
	for i, k := range keys {
		mustSave(t, r, k, types.Integer(i))
	}

	all, err := r.FindAllEntries(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, len(keys))
	expected = keysOf(all)

	for first := 1; first <= len(keys)+1; first++ {
		var (
			seen  []string
			after string
		)
		for {
			page, err := r.FindAllEntries(ctx, &Pagination{First: first, After: after})
			require.NoError(t, err)
			require.LessOrEqual(t, len(page), first)
			if len(page) == 0 {
				break
			}
			seen = append(seen, keysOf(page)...)
			after = page[len(page)-1].Cursor
		}
		require.Equal(t, expected, seen, "page size %d", first)
	}

	// Key order is part by part, then by type.
	require.Equal(t, []string{
		`[b"AP8="]`,
		`["users"]`,
		`["users", "alice"]`,
		`["users", 2]`,
		`["users", 2, "settings"]`,
		`["users", 10]`,
		`[-5]`,
		`[3.5]`,
		`[true]`,
	}, expected)
}

func TestFindAllEntriesPrefix(t *testing.T) {
	var (
		ctx = context.Background()
		r   = newTestRepository(t)
	)
	mustSave(t, r, types.Key{"users"}, types.String("not a child"))
	mustSave(t, r, types.Key{"users", "alice"}, types.String("alice"))
	mustSave(t, r, types.Key{"users", "bob"}, types.String("bob"))
	mustSave(t, r, types.Key{"groups", "admins"}, types.String("admins"))

	page, err := r.FindAllEntries(ctx, &Pagination{First: 1, Prefix: types.Key{"users"}})
	require.NoError(t, err)
	require.Equal(t, []string{`["users", "alice"]`}, keysOf(page))

	page, err = r.FindAllEntries(ctx, &Pagination{Prefix: types.Key{"users"}, After: page[0].Cursor})
	require.NoError(t, err)
	require.Equal(t, []string{`["users", "bob"]`}, keysOf(page))

	_, err = r.FindAllEntries(ctx, &Pagination{Prefix: types.Key{struct{}{}}})
	require.Error(t, err)
}

func TestFindAllEntriesInvalidCursor(t *testing.T) {
	r := newTestRepository(t)
	mustSave(t, r, types.Key{"a"}, types.Null{})

	_, err := r.FindAllEntries(context.Background(), &Pagination{After: "%%%"})
	require.ErrorIs(t, err, store.ErrInvalidCursor)
}

func TestFindEntryByCursorRoundTrip(t *testing.T) {
	var (
		ctx = context.Background()
		r   = newTestRepository(t)
	)
	for i, k := range []string{"a", "b", "c", "d"} {
		mustSave(t, r, types.Key{k}, types.Map{"i": types.Integer(i)})
	}

	all, err := r.FindAllEntries(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 4)

	for _, e := range all {
		found, ok, err := r.FindEntryByCursor(ctx, e.Cursor)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, e.Key, found.Key)
		require.Equal(t, e.Versionstamp, found.Versionstamp)
		require.Equal(t, e.Value, found.Value)
		require.Equal(t, e.Cursor, found.Cursor)
	}
}

func TestFindEntryByCursorInvalid(t *testing.T) {
	var (
		ctx = context.Background()
		r   = newTestRepository(t)
	)
	mustSave(t, r, types.Key{"a"}, types.Null{})

	for _, cursor := range []string{"%%%", "not a cursor!", "AA==="} {
		found, ok, err := r.FindEntryByCursor(ctx, cursor)
		require.NoError(t, err)
		require.False(t, ok)
		require.Equal(t, CursorBasedEntry{}, found)
	}
}

func TestFindEntryByCursorPropagatesStoreFaults(t *testing.T) {
	var (
		ctx = context.Background()
		s   = localstore.New(localstore.Options{})
		r   = NewRepository(s, RepositoryOptions{})
	)
	mustSave(t, r, types.Key{"a"}, types.Null{})
	all, err := r.FindAllEntries(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, s.Close(ctx))
	_, ok, err := r.FindEntryByCursor(ctx, all[0].Cursor)
	require.ErrorIs(t, err, store.ErrClosed)
	require.False(t, ok)
}

func TestFindEntryByCursorDeletedBoundary(t *testing.T) {
	var (
		ctx = context.Background()
		r   = newTestRepository(t)
	)
	mustSave(t, r, types.Key{"a"}, types.Null{})
	mustSave(t, r, types.Key{"b"}, types.Null{})

	all, err := r.FindAllEntries(ctx, nil)
	require.NoError(t, err)

	// The cursor outlives its key and resolves to the preceding entry.
	require.NoError(t, r.DeleteEntry(ctx, types.Key{"b"}))
	found, ok, err := r.FindEntryByCursor(ctx, all[1].Cursor)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.Key{"a"}, found.Key)

	require.NoError(t, r.DeleteEntry(ctx, types.Key{"a"}))
	_, ok, err = r.FindEntryByCursor(ctx, all[0].Cursor)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFindEntryByCursorConcurrent(t *testing.T) {
	var (
		ctx = context.Background()
		r   = newTestRepository(t)
		wg  sync.WaitGroup
	)
	mustSave(t, r, types.Key{"a"}, types.String("value"))
	all, err := r.FindAllEntries(ctx, nil)
	require.NoError(t, err)

	errs := make([]error, 32)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			found, ok, err := r.FindEntryByCursor(ctx, all[0].Cursor)
			if err == nil && (!ok || !found.Key.Equal(types.Key{"a"})) {
				err = fmt.Errorf("unexpected lookup result: %v %v", found, ok)
			}
			errs[i] = err
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

// blockingStore holds List calls until release is closed.
type blockingStore struct {
	store.Store

	listing chan struct{}
	release chan struct{}
}

func (s *blockingStore) List(ctx context.Context, prefix []byte, opts store.ListOptions) (store.ListResult, error) {
	select {
	case s.listing <- struct{}{}:
	default:
	}

	select {
	case <-s.release:
	case <-ctx.Done():
	}
	if err := ctx.Err(); err != nil {
		return store.ListResult{}, err
	}
	return s.Store.List(ctx, prefix, opts)
}

func TestFindEntryByCursorCallerCancellationIsIsolated(t *testing.T) {
	var (
		local = localstore.New(localstore.Options{})
		s     = &blockingStore{Store: local, listing: make(chan struct{}, 1), release: make(chan struct{})}
		r     = NewRepository(s, RepositoryOptions{})
	)
	t.Cleanup(func() { local.Close(context.Background()) })

	_, err := r.SaveEntry(context.Background(), types.Key{"a"}, types.String("value"), "")
	require.NoError(t, err)
	cursor := store.EncodeCursor(mustPack(t, types.Key{"a"}))

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, _, err := r.FindEntryByCursor(ctxA, cursor)
		errA <- err
	}()
	<-s.listing

	type lookup struct {
		found CursorBasedEntry
		ok    bool
		err   error
	}
	resultB := make(chan lookup, 1)
	go func() {
		found, ok, err := r.FindEntryByCursor(context.Background(), cursor)
		resultB <- lookup{found, ok, err}
	}()
	// Let the second lookup join the one in flight.
	time.Sleep(50 * time.Millisecond)

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)

	close(s.release)
	b := <-resultB
	require.NoError(t, b.err)
	require.True(t, b.ok)
	require.Equal(t, types.Key{"a"}, b.found.Key)
	require.Equal(t, types.String("value"), b.found.Value)
}

func mustPack(t *testing.T, key types.Key) []byte {
	packed, err := key.Pack()
	require.NoError(t, err)
	return packed
}

func TestSaveEntryConflict(t *testing.T) {
	var (
		ctx = context.Background()
		r   = newTestRepository(t)
		key = types.Key{"x"}
	)

	first, err := r.SaveEntry(ctx, key, types.Integer(10), "")
	require.NoError(t, err)
	require.True(t, first.Versionstamp.Exists())
	require.Equal(t, types.Integer(10), first.Value)

	_, err = r.SaveEntry(ctx, key, types.Integer(20), "")
	require.True(t, IsVersionConflictErr(err))
	var conflict VersionConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, key, conflict.Key)
	require.Equal(t, types.Versionstamp(""), conflict.Expected)
	require.Equal(t, first.Versionstamp, conflict.Actual)

	second, err := r.SaveEntry(ctx, key, types.Integer(20), first.Versionstamp)
	require.NoError(t, err)
	require.NotEqual(t, first.Versionstamp, second.Versionstamp)

	e, ok, err := r.GetEntry(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, second, e)
}

func TestSaveEntryConcurrentStaleWriters(t *testing.T) {
	var (
		ctx   = context.Background()
		r     = newTestRepository(t)
		key   = types.Key{"counter"}
		start = make(chan struct{})
		wg    sync.WaitGroup
	)
	stale := mustSave(t, r, key, types.Integer(0)).Versionstamp

	var (
		entries = make([]Entry, 2)
		errs    = make([]error, 2)
	)
	for i := range entries {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			entries[i], errs[i] = r.SaveEntry(ctx, key, types.Integer(i+1), stale)
		}()
	}
	close(start)
	wg.Wait()

	winner, loser := 0, 1
	if errs[0] != nil {
		winner, loser = 1, 0
	}
	require.NoError(t, errs[winner])
	require.True(t, IsVersionConflictErr(errs[loser]))

	var conflict VersionConflictError
	require.True(t, errors.As(errs[loser], &conflict))
	require.Equal(t, stale, conflict.Expected)
	require.Equal(t, entries[winner].Versionstamp, conflict.Actual)
}

func TestSaveEntryInvalidInput(t *testing.T) {
	var (
		ctx = context.Background()
		r   = newTestRepository(t)
	)

	_, err := r.SaveEntry(ctx, types.Key{}, types.Null{}, "")
	require.Error(t, err)
	require.False(t, IsVersionConflictErr(err))

	_, err = r.SaveEntry(ctx, types.Key{struct{}{}}, types.Null{}, "")
	require.Error(t, err)

	// A nil value is stored as Null.
	e, err := r.SaveEntry(ctx, types.Key{"nil"}, nil, "")
	require.NoError(t, err)
	require.Equal(t, types.Null{}, e.Value)
}

func TestDeleteEntryIdempotent(t *testing.T) {
	var (
		ctx = context.Background()
		r   = newTestRepository(t)
		key = types.Key{"gone"}
	)

	require.NoError(t, r.DeleteEntry(ctx, key))
	exists, err := r.EntryExists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	mustSave(t, r, key, types.Bool(true))
	exists, err = r.EntryExists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, r.DeleteEntry(ctx, key))
	require.NoError(t, r.DeleteEntry(ctx, key))
	exists, err = r.EntryExists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	_, ok, err := r.GetEntry(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRepositoryTracing(t *testing.T) {
	var (
		ctx      = context.Background()
		recorder = tracetest.NewSpanRecorder()
		provider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
		s        = localstore.New(localstore.Options{})
		r        = NewRepository(s, RepositoryOptions{TracerProvider: provider})
	)
	defer s.Close(ctx)

	_, err := r.SaveEntry(ctx, types.Key{"x"}, types.Integer(1), "")
	require.NoError(t, err)
	_, err = r.SaveEntry(ctx, types.Key{"x"}, types.Integer(2), "")
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "SaveEntry", spans[0].Name())
	require.Equal(t, codes.Unset, spans[0].Status().Code)
	require.Equal(t, codes.Error, spans[1].Status().Code)
}
