package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kvinsights/kvinsights/store/tuple"
	"github.com/kvinsights/kvinsights/types"

	"github.com/stretchr/testify/require"
)

// TestAllCommon runs the behaviour every Store implementation must share. It is
// called from the specific store implementation packages like localstore, sqlstore
// and fdbstore. storeCtor must return an empty store whose queue redelivers failed
// messages quickly (well under a second).
func TestAllCommon(t *testing.T, storeCtor func() Store) {
	t.Run("list forward and resume from cursor", func(t *testing.T) {
		testListForwardAndResume(t, storeCtor())
	})

	t.Run("list reverse", func(t *testing.T) {
		testListReverse(t, storeCtor())
	})

	t.Run("list prefix", func(t *testing.T) {
		testListPrefix(t, storeCtor())
	})

	t.Run("cursor survives deletion of its key", func(t *testing.T) {
		testCursorSurvivesDeletion(t, storeCtor())
	})

	t.Run("invalid cursor", func(t *testing.T) {
		testInvalidCursor(t, storeCtor())
	})

	t.Run("commit checks versionstamp", func(t *testing.T) {
		testCommitChecksVersionstamp(t, storeCtor())
	})

	t.Run("concurrent commits", func(t *testing.T) {
		testConcurrentCommits(t, storeCtor())
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		testDeleteIdempotent(t, storeCtor())
	})

	t.Run("queue delivers at least once", func(t *testing.T) {
		testQueueAtLeastOnce(t, storeCtor())
	})

	t.Run("queue binds a single listener", func(t *testing.T) {
		testQueueSingleListener(t, storeCtor())
	})
}

func mustCommit(t *testing.T, s Store, key []byte, value string) types.Versionstamp {
	ctx := context.Background()
	current, _, err := s.Get(ctx, key)
	require.NoError(t, err)

	result, err := s.Commit(ctx, key, current.Versionstamp, []byte(value))
	require.NoError(t, err)
	require.True(t, result.OK)
	require.True(t, result.Versionstamp.Exists())
	return result.Versionstamp
}

func listKeys(t *testing.T, s Store, prefix []byte, opts ListOptions) ([]string, string) {
	result, err := s.List(context.Background(), prefix, opts)
	require.NoError(t, err)

	keys := make([]string, 0, len(result.Items))
	for _, item := range result.Items {
		unpacked, err := tuple.Unpack(item.Key)
		require.NoError(t, err)
		parts := make([]string, 0, len(unpacked))
		for _, e := range unpacked {
			parts = append(parts, fmt.Sprint(e))
		}
		keys = append(keys, strings.Join(parts, " "))
		require.NotEmpty(t, item.Cursor)
	}
	if len(result.Items) > 0 {
		require.Equal(t, result.Items[len(result.Items)-1].Cursor, result.Cursor)
	} else {
		require.Empty(t, result.Cursor)
	}
	return keys, result.Cursor
}

func testListForwardAndResume(t *testing.T, s Store) {
	ctx := context.Background()
	defer s.Close(ctx)

	keys, cursor := listKeys(t, s, nil, ListOptions{Limit: 10})
	require.Empty(t, keys)
	require.Empty(t, cursor)

	for _, k := range []string{"c", "a", "e", "b", "d"} {
		mustCommit(t, s, tuple.Tuple{k}.Pack(), "v"+k)
	}

	keys, cursor = listKeys(t, s, nil, ListOptions{Limit: 2})
	require.Equal(t, []string{"a", "b"}, keys)

	// Keys inserted before the cursor position must not disturb the resumed scan.
	mustCommit(t, s, tuple.Tuple{"0"}.Pack(), "v0")

	keys, cursor = listKeys(t, s, nil, ListOptions{Limit: 2, Cursor: cursor})
	require.Equal(t, []string{"c", "d"}, keys)

	keys, cursor = listKeys(t, s, nil, ListOptions{Limit: 2, Cursor: cursor})
	require.Equal(t, []string{"e"}, keys)

	keys, _ = listKeys(t, s, nil, ListOptions{Limit: 2, Cursor: cursor})
	require.Empty(t, keys)

	keys, _ = listKeys(t, s, nil, ListOptions{})
	require.Equal(t, []string{"0", "a", "b", "c", "d", "e"}, keys)

	result, err := s.List(ctx, nil, ListOptions{Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []byte("v0"), result.Items[0].Value)
	require.True(t, result.Items[0].Versionstamp.Exists())
}

func testListReverse(t *testing.T, s Store) {
	ctx := context.Background()
	defer s.Close(ctx)

	for _, k := range []string{"a", "b", "c", "d"} {
		mustCommit(t, s, tuple.Tuple{k}.Pack(), "v"+k)
	}

	keys, cursor := listKeys(t, s, nil, ListOptions{Limit: 3, Reverse: true})
	require.Equal(t, []string{"d", "c", "b"}, keys)

	keys, _ = listKeys(t, s, nil, ListOptions{Limit: 3, Reverse: true, Cursor: cursor})
	require.Equal(t, []string{"a"}, keys)

	// A forward cursor used in reverse returns the keys strictly before its key.
	forward, err := s.List(ctx, nil, ListOptions{Limit: 3})
	require.NoError(t, err)
	keys, _ = listKeys(t, s, nil, ListOptions{Limit: 1, Reverse: true, Cursor: forward.Cursor})
	require.Equal(t, []string{"b"}, keys)
}

func testListPrefix(t *testing.T, s Store) {
	ctx := context.Background()
	defer s.Close(ctx)

	mustCommit(t, s, tuple.Tuple{"users"}.Pack(), "not in prefix")
	mustCommit(t, s, tuple.Tuple{"users", "alice"}.Pack(), "alice")
	mustCommit(t, s, tuple.Tuple{"users", "bob"}.Pack(), "bob")
	mustCommit(t, s, tuple.Tuple{"usersx"}.Pack(), "not in prefix")
	mustCommit(t, s, tuple.Tuple{"groups", "admins"}.Pack(), "admins")

	prefix := tuple.Tuple{"users"}.Pack()
	keys, cursor := listKeys(t, s, prefix, ListOptions{Limit: 1})
	require.Equal(t, []string{"users alice"}, keys)

	keys, _ = listKeys(t, s, prefix, ListOptions{Cursor: cursor})
	require.Equal(t, []string{"users bob"}, keys)

	keys, _ = listKeys(t, s, prefix, ListOptions{Reverse: true})
	require.Equal(t, []string{"users bob", "users alice"}, keys)

	// A cursor outside of the prefix cannot be resumed within it.
	groups, err := s.List(ctx, tuple.Tuple{"groups"}.Pack(), ListOptions{})
	require.NoError(t, err)
	_, err = s.List(ctx, prefix, ListOptions{Cursor: groups.Cursor})
	require.ErrorIs(t, err, ErrInvalidCursor)
}

func testCursorSurvivesDeletion(t *testing.T, s Store) {
	ctx := context.Background()
	defer s.Close(ctx)

	for _, k := range []string{"a", "b", "c"} {
		mustCommit(t, s, tuple.Tuple{k}.Pack(), "v"+k)
	}

	_, cursor := listKeys(t, s, nil, ListOptions{Limit: 2})
	require.NoError(t, s.Delete(ctx, tuple.Tuple{"b"}.Pack()))

	keys, _ := listKeys(t, s, nil, ListOptions{Cursor: cursor})
	require.Equal(t, []string{"c"}, keys)
}

func testInvalidCursor(t *testing.T, s Store) {
	ctx := context.Background()
	defer s.Close(ctx)

	mustCommit(t, s, tuple.Tuple{"a"}.Pack(), "va")

	_, err := s.List(ctx, nil, ListOptions{Cursor: "not a cursor!"})
	require.ErrorIs(t, err, ErrInvalidCursor)

	_, err = s.List(ctx, nil, ListOptions{Cursor: "not a cursor!", Reverse: true})
	require.ErrorIs(t, err, ErrInvalidCursor)
}

func testCommitChecksVersionstamp(t *testing.T, s Store) {
	ctx := context.Background()
	defer s.Close(ctx)

	key := tuple.Tuple{"x"}.Pack()

	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	first, err := s.Commit(ctx, key, "", []byte("10"))
	require.NoError(t, err)
	require.True(t, first.OK)

	// Still expecting the key to be absent.
	conflict, err := s.Commit(ctx, key, "", []byte("20"))
	require.NoError(t, err)
	require.False(t, conflict.OK)
	require.Equal(t, first.Versionstamp, conflict.Versionstamp)

	second, err := s.Commit(ctx, key, first.Versionstamp, []byte("20"))
	require.NoError(t, err)
	require.True(t, second.OK)
	require.NotEqual(t, first.Versionstamp, second.Versionstamp)

	stale, err := s.Commit(ctx, key, first.Versionstamp, []byte("30"))
	require.NoError(t, err)
	require.False(t, stale.OK)
	require.Equal(t, second.Versionstamp, stale.Versionstamp)

	item, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("20"), item.Value)
	require.Equal(t, second.Versionstamp, item.Versionstamp)

	// Expecting a versionstamp for a key that does not exist fails too.
	missing, err := s.Commit(ctx, tuple.Tuple{"y"}.Pack(), second.Versionstamp, []byte("1"))
	require.NoError(t, err)
	require.False(t, missing.OK)
	require.False(t, missing.Versionstamp.Exists())
}

func testConcurrentCommits(t *testing.T, s Store) {
	ctx := context.Background()
	defer s.Close(ctx)

	var (
		key     = tuple.Tuple{"contended"}.Pack()
		start   = make(chan struct{})
		wg      sync.WaitGroup
		results = make([]CommitResult, 8)
		errs    = make([]error, 8)
	)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = s.Commit(ctx, key, "", []byte(fmt.Sprint(i)))
		}()
	}
	close(start)
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	var winners []CommitResult
	for _, r := range results {
		if r.OK {
			winners = append(winners, r)
		}
	}
	require.Len(t, winners, 1)
	for _, r := range results {
		require.Equal(t, winners[0].Versionstamp, r.Versionstamp)
	}
}

func testDeleteIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	defer s.Close(ctx)

	key := tuple.Tuple{"gone"}.Pack()
	require.NoError(t, s.Delete(ctx, key))

	mustCommit(t, s, key, "here")
	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key))

	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	// A deleted key can be created again by expecting it to be absent.
	result, err := s.Commit(ctx, key, "", []byte("back"))
	require.NoError(t, err)
	require.True(t, result.OK)
}

func testQueueAtLeastOnce(t *testing.T, s Store) {
	ctx := context.Background()
	defer s.Close(ctx)

	// Messages enqueued before the listener is bound are kept.
	for _, msg := range []string{"m1", "m2", "m3"} {
		result, err := s.Enqueue(ctx, []byte(msg))
		require.NoError(t, err)
		require.True(t, result.OK)
	}

	var (
		mu       sync.Mutex
		attempts = map[string]int{}
	)
	err := s.ListenQueue(func(ctx context.Context, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()

		attempts[string(payload)]++
		if string(payload) == "m2" && attempts["m2"] == 1 {
			return errors.New("first delivery of m2 fails")
		}
		return nil
	})
	require.NoError(t, err)

	result, err := s.Enqueue(ctx, []byte("m4"))
	require.NoError(t, err)
	require.True(t, result.OK)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts["m1"] >= 1 && attempts["m2"] >= 2 && attempts["m3"] >= 1 && attempts["m4"] >= 1
	}, 10*time.Second, 10*time.Millisecond)
}

func testQueueSingleListener(t *testing.T, s Store) {
	ctx := context.Background()
	defer s.Close(ctx)

	noop := func(ctx context.Context, payload []byte) error { return nil }
	require.NoError(t, s.ListenQueue(noop))
	require.ErrorIs(t, s.ListenQueue(noop), ErrQueueListenerBound)
}
