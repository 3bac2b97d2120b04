package pgrelay

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kvinsights/kvinsights/queue/relay"

	"github.com/stretchr/testify/require"
)

const postgresURLEnv = "KVINSIGHTS_POSTGRES_URL"

func TestPostgresRelayBroadcast(t *testing.T) {
	url := os.Getenv(postgresURLEnv)
	if url == "" {
		t.Skipf("%s not set", postgresURLEnv)
	}

	var (
		ctx      = context.Background()
		relays   []*Relay
		receives []chan []byte
	)
	for i := 0; i < 3; i++ {
		r, err := New(Options{URL: url, Channel: "kvinsights_test_relay"})
		require.NoError(t, err)

		received := make(chan []byte, 16)
		require.NoError(t, r.Connect(ctx, func(ctx context.Context, payload []byte) {
			received <- payload
		}))
		t.Cleanup(func() { r.Close() })

		relays = append(relays, r)
		receives = append(receives, received)
	}

	require.NoError(t, relays[0].Post(ctx, []byte("hello")))
	for _, recv := range receives[1:] {
		select {
		case payload := <-recv:
			require.Equal(t, []byte("hello"), payload)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for the notification")
		}
	}
	select {
	case payload := <-receives[0]:
		t.Fatalf("sender received its own post: %s", payload)
	case <-time.After(100 * time.Millisecond):
	}

	require.ErrorIs(t, relays[0].Post(ctx, make([]byte, maxNotifyPayload)), ErrPayloadTooLarge)

	require.NoError(t, relays[1].Close())
	require.ErrorIs(t, relays[1].Post(ctx, []byte("closed")), relay.ErrNotConnected)
}

func TestPostgresRelayRequiresURL(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestPostgresRelayNotConnected(t *testing.T) {
	r, err := New(Options{URL: "postgres://localhost/unused"})
	require.NoError(t, err)
	require.ErrorIs(t, r.Post(context.Background(), []byte("x")), relay.ErrNotConnected)
	require.NoError(t, r.Close())
}

func TestMessageEncoding(t *testing.T) {
	msg := encodeMessage("origin-id", []byte(`{"id":"x"}`))
	origin, payload, err := decodeMessage(msg)
	require.NoError(t, err)
	require.Equal(t, "origin-id", origin)
	require.Equal(t, []byte(`{"id":"x"}`), payload)

	_, _, err = decodeMessage("no separator")
	require.Error(t, err)
	_, _, err = decodeMessage("origin:!!!")
	require.Error(t, err)
}
