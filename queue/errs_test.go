package queue

import (
	"errors"
	"fmt"
	"testing"

	"github.com/kvinsights/kvinsights/store"

	"github.com/stretchr/testify/require"
)

func TestPublishError(t *testing.T) {
	require.False(t, errors.Is(errors.New("random"), &PublishError{}))
	require.False(t, errors.Is(errors.New("random"), PublishError{}))
	require.False(t, IsPublishErr(errors.New("random")))

	require.True(t, errors.Is(NewPublishError(errors.New("random")), &PublishError{}))
	require.True(t, errors.Is(NewPublishError(errors.New("random")), PublishError{}))
	require.True(t, IsPublishErr(NewPublishError(errors.New("random"))))
	require.True(t, IsPublishErr(fmt.Errorf("wrapped: %w", NewPublishError(errors.New("random")))))
	require.ErrorIs(t, NewPublishError(store.ErrClosed), store.ErrClosed)
}

func TestConnectionError(t *testing.T) {
	require.False(t, IsConnectionErr(errors.New("random")))
	require.False(t, IsConnectionErr(NewPublishError(errors.New("random"))))

	err := fmt.Errorf("wrapped: %w", NewConnectionError("queue", store.ErrQueueListenerBound))
	require.True(t, IsConnectionErr(err))
	require.ErrorIs(t, err, store.ErrQueueListenerBound)

	var connErr ConnectionError
	require.True(t, errors.As(err, &connErr))
	require.Equal(t, "queue", connErr.Component)
}
