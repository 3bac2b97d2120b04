// Package wsrelay implements relay.Relay over websockets. A Hub is mounted on one
// server and every context dials it with a Relay; the hub forwards each frame to all
// the other connections.
package wsrelay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"
	"nhooyr.io/websocket"
)

const (
	defaultBufferSize     = 256
	defaultWriteTimeout   = 5 * time.Second
	defaultMaxMessageSize = 1 << 20
)

// HubOptions contains the options for NewHub.
type HubOptions struct {
	// Logger is the logger. If no logger is passed, then default slog.Default() is used.
	Logger *slog.Logger
	// BufferSize bounds the frames queued for a slow connection. Further frames to it
	// are dropped.
	BufferSize int
	// WriteTimeout bounds the write of a single frame.
	WriteTimeout time.Duration
	// MaxMessageSize is the largest frame accepted from a connection.
	MaxMessageSize int64
}

// Hub is an http.Handler accepting relay connections.
type Hub struct {
	sync.RWMutex

	conns  map[string]*hubConn
	closed bool
	log    *slog.Logger
	opts   HubOptions
}

type hubConn struct {
	id     string
	ws     *websocket.Conn
	outbox chan []byte
}

// NewHub creates a new Hub.
func NewHub(opts HubOptions) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}

	return &Hub{
		conns: make(map[string]*hubConn),
		log:   opts.Logger.With(slog.String("module", "RelayHub")),
		opts:  opts,
	}
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.conns)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Error("error accepting relay connection", slog.Any("error", err))
		return
	}
	defer ws.Close(websocket.StatusInternalError, "")
	ws.SetReadLimit(h.opts.MaxMessageSize)

	conn := &hubConn{
		id:     uuid.NewString(),
		ws:     ws,
		outbox: make(chan []byte, h.opts.BufferSize),
	}
	if !h.add(conn) {
		ws.Close(websocket.StatusGoingAway, "hub closed")
		return
	}
	defer h.remove(conn.id)

	log := h.log.With(slog.String("connID", conn.id))
	log.Info("relay connection opened")
	defer log.Info("relay connection closed")

	ctx, cc := context.WithCancel(r.Context())
	defer cc()
	go h.writeLoop(ctx, conn, log)

	for {
		typ, payload, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.Warn("error reading relay connection", slog.Any("error", err))
			}
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		h.broadcast(conn.id, payload)
	}
}

func (h *Hub) writeLoop(ctx context.Context, conn *hubConn, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-conn.outbox:
			writeCtx, cc := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := conn.ws.Write(writeCtx, websocket.MessageBinary, payload)
			cc()
			if err != nil {
				log.Warn("error writing relay connection", slog.Any("error", err))
				conn.ws.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (h *Hub) broadcast(from string, payload []byte) {
	h.RLock()
	defer h.RUnlock()

	for id, conn := range h.conns {
		if id == from {
			continue
		}
		select {
		case conn.outbox <- payload:
		default:
			h.log.Warn("relay connection too slow, dropping frame", slog.String("connID", id))
		}
	}
}

func (h *Hub) add(conn *hubConn) bool {
	h.Lock()
	defer h.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn.id] = conn
	return true
}

func (h *Hub) remove(id string) {
	h.Lock()
	defer h.Unlock()
	delete(h.conns, id)
}

// Close closes every connection and rejects new ones.
func (h *Hub) Close() error {
	h.Lock()
	h.closed = true
	conns := make([]*hubConn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.Unlock()

	for _, conn := range conns {
		conn.ws.Close(websocket.StatusGoingAway, "hub closed")
	}
	return nil
}
