// Package relay defines the cross-context broadcast relay: a best-effort channel
// that delivers a message to every other attached context. Contexts share no memory
// and no queue consumer, the relay is how they observe each other's messages.
package relay

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by Post before Connect succeeded or after Close.
var ErrNotConnected = errors.New("relay not connected")

// Handler receives the messages posted by other contexts.
type Handler func(ctx context.Context, payload []byte)

// Relay is a connection of one context to a broadcast channel. Delivery is best
// effort and a context never receives its own posts.
type Relay interface {
	// Connect attaches the context to the channel, messages from other contexts are
	// passed to handler from then on. Connect may only succeed once.
	Connect(ctx context.Context, handler Handler) error
	// Post broadcasts payload to every other attached context.
	Post(ctx context.Context, payload []byte) error
	// Close detaches the context.
	Close() error
}
