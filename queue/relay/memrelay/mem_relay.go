// Package memrelay implements relay.Relay between contexts of the same process,
// mostly for tests and for running several independent services in one binary.
package memrelay

import (
	"context"
	"errors"
	"sync"

	"github.com/kvinsights/kvinsights/queue/relay"
)

const defaultBufferSize = 1024

// Hub connects the relays created from it. Each relay is a separate context.
type Hub struct {
	sync.RWMutex

	bufferSize int
	members    map[*memRelay]struct{}
}

// NewHub creates a new hub. bufferSize bounds the messages queued for a slow member
// before further messages to it are dropped, <= 0 for the default.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		bufferSize: bufferSize,
		members:    make(map[*memRelay]struct{}),
	}
}

// NewRelay returns a new relay attached to the hub once connected.
func (h *Hub) NewRelay() relay.Relay {
	return &memRelay{hub: h}
}

func (h *Hub) broadcast(from *memRelay, payload []byte) {
	h.RLock()
	defer h.RUnlock()

	for member := range h.members {
		if member == from {
			continue
		}
		select {
		case member.inbox <- append([]byte(nil), payload...):
		default:
			// Best effort, the slow member misses this message.
		}
	}
}

func (h *Hub) join(m *memRelay) {
	h.Lock()
	defer h.Unlock()
	h.members[m] = struct{}{}
}

func (h *Hub) leave(m *memRelay) {
	h.Lock()
	defer h.Unlock()
	delete(h.members, m)
}

type memRelay struct {
	sync.Mutex

	hub       *Hub
	inbox     chan []byte
	cc        func()
	done      chan struct{}
	connected bool
	closed    bool
}

func (m *memRelay) Connect(ctx context.Context, handler relay.Handler) error {
	m.Lock()
	defer m.Unlock()

	if m.closed {
		return relay.ErrNotConnected
	}
	if m.connected {
		return errors.New("memrelay: already connected")
	}

	loopCtx, cc := context.WithCancel(context.Background())
	m.inbox = make(chan []byte, m.hub.bufferSize)
	m.cc = cc
	m.done = make(chan struct{})
	m.connected = true
	m.hub.join(m)

	go func() {
		defer close(m.done)
		for {
			select {
			case <-loopCtx.Done():
				return
			case payload := <-m.inbox:
				handler(loopCtx, payload)
			}
		}
	}()
	return nil
}

func (m *memRelay) Post(ctx context.Context, payload []byte) error {
	m.Lock()
	connected := m.connected && !m.closed
	m.Unlock()

	if !connected {
		return relay.ErrNotConnected
	}
	m.hub.broadcast(m, payload)
	return nil
}

func (m *memRelay) Close() error {
	m.Lock()
	if m.closed {
		m.Unlock()
		return nil
	}
	m.closed = true
	connected := m.connected
	m.Unlock()

	if connected {
		m.hub.leave(m)
		m.cc()
		<-m.done
	}
	return nil
}
