package wsrelay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kvinsights/kvinsights/queue/relay"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func newTestHub(t *testing.T) (*Hub, string) {
	hub := NewHub(HubOptions{})
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func collect(t *testing.T, r relay.Relay) chan []byte {
	received := make(chan []byte, 16)
	require.NoError(t, r.Connect(context.Background(), func(ctx context.Context, payload []byte) {
		received <- payload
	}))
	t.Cleanup(func() { r.Close() })
	return received
}

func TestWebsocketRelayBroadcast(t *testing.T) {
	var (
		ctx      = context.Background()
		hub, url = newTestHub(t)
		a        = New(Options{URL: url})
		b        = New(Options{URL: url})
		c        = New(Options{URL: url})
	)
	recvA, recvB, recvC := collect(t, a), collect(t, b), collect(t, c)
	require.Eventually(t, func() bool { return hub.Len() == 3 }, 5*time.Second, time.Millisecond)

	require.NoError(t, a.Post(ctx, []byte("hello")))
	for _, recv := range []chan []byte{recvB, recvC} {
		select {
		case payload := <-recv:
			require.Equal(t, []byte("hello"), payload)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for the broadcast")
		}
	}

	// Never delivered back to the sender.
	select {
	case payload := <-recvA:
		t.Fatalf("sender received its own post: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return hub.Len() == 2 }, 5*time.Second, time.Millisecond)
	require.ErrorIs(t, b.Post(ctx, []byte("closed")), relay.ErrNotConnected)

	require.NoError(t, c.Post(ctx, []byte("world")))
	select {
	case payload := <-recvA:
		require.Equal(t, []byte("world"), payload)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the broadcast")
	}
}

func TestWebsocketRelayConnectOnce(t *testing.T) {
	_, url := newTestHub(t)
	r := New(Options{URL: url})
	collect(t, r)

	err := r.Connect(context.Background(), func(ctx context.Context, payload []byte) {})
	require.Error(t, err)
}

func TestWebsocketRelayNotConnected(t *testing.T) {
	ctx := context.Background()

	r := New(Options{URL: "ws://127.0.0.1:1/api/v1/relay"})
	require.ErrorIs(t, r.Post(ctx, []byte("x")), relay.ErrNotConnected)

	dialCtx, cc := context.WithTimeout(ctx, time.Second)
	defer cc()
	require.Error(t, r.Connect(dialCtx, func(ctx context.Context, payload []byte) {}))
	require.NoError(t, r.Close())
	require.ErrorIs(t, r.Connect(ctx, func(ctx context.Context, payload []byte) {}), relay.ErrNotConnected)
}

func TestWebsocketRelayReconnects(t *testing.T) {
	var (
		ctx      = context.Background()
		hub, url = newTestHub(t)
		a        = New(Options{URL: url, ReconnectBackoff: 10 * time.Millisecond})
		b        = New(Options{URL: url, ReconnectBackoff: 10 * time.Millisecond})
	)
	collect(t, a)
	recvB := collect(t, b)
	require.Eventually(t, func() bool { return hub.Len() == 2 }, 5*time.Second, time.Millisecond)

	// Drop every connection on the hub side, the relays dial again.
	hub.RLock()
	var conns []*hubConn
	for _, conn := range hub.conns {
		conns = append(conns, conn)
	}
	hub.RUnlock()
	for _, conn := range conns {
		conn.ws.Close(websocket.StatusGoingAway, "restarting")
	}

	require.Eventually(t, func() bool {
		if err := a.Post(ctx, []byte("again")); err != nil {
			return false
		}
		select {
		case payload := <-recvB:
			return string(payload) == "again"
		case <-time.After(10 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 20*time.Millisecond)
}
