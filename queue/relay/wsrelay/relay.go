package wsrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kvinsights/kvinsights/queue/relay"

	"golang.org/x/exp/slog"
	"nhooyr.io/websocket"
)

const defaultReconnectBackoff = time.Second

// Options contains the options for New.
type Options struct {
	// URL is the websocket URL of the hub, for example ws://host:9090/api/v1/relay.
	URL string
	// Logger is the logger. If no logger is passed, then default slog.Default() is used.
	Logger *slog.Logger
	// ReconnectBackoff is the delay between attempts to reconnect a lost connection.
	ReconnectBackoff time.Duration
	// MaxMessageSize is the largest frame accepted from the hub.
	MaxMessageSize int64
}

// Relay is a relay.Relay connected to a Hub. While the connection is lost Post
// fails with relay.ErrNotConnected and the relay keeps trying to reconnect.
type Relay struct {
	sync.Mutex

	ws     *websocket.Conn
	cc     func()
	done   chan struct{}
	closed bool
	log    *slog.Logger
	opts   Options
}

// New creates a new Relay for the hub at opts.URL. It does not dial until Connect.
func New(opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = defaultReconnectBackoff
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}

	return &Relay{
		log: opts.Logger.With(
			slog.String("module", "WebsocketRelay"),
			slog.String("url", opts.URL)),
		opts: opts,
	}
}

func (r *Relay) Connect(ctx context.Context, handler relay.Handler) error {
	r.Lock()
	defer r.Unlock()

	if r.closed {
		return relay.ErrNotConnected
	}
	if r.done != nil {
		return errors.New("wsrelay: already connected")
	}

	ws, err := r.dial(ctx)
	if err != nil {
		return err
	}

	loopCtx, cc := context.WithCancel(context.Background())
	r.ws = ws
	r.cc = cc
	r.done = make(chan struct{})
	go r.run(loopCtx, ws, handler)
	return nil
}

func (r *Relay) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := websocket.Dial(ctx, r.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("error dialing relay hub: %w", err)
	}
	ws.SetReadLimit(r.opts.MaxMessageSize)
	return ws, nil
}

// run reads from the hub until Close, reconnecting whenever the connection is lost.
func (r *Relay) run(ctx context.Context, ws *websocket.Conn, handler relay.Handler) {
	defer close(r.done)

	for {
		err := r.read(ctx, ws, handler)
		if ctx.Err() != nil {
			return
		}
		r.log.Warn("lost relay connection, reconnecting", slog.Any("error", err))
		r.setConn(nil)

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.opts.ReconnectBackoff):
			}

			ws, err = r.dial(ctx)
			if err == nil {
				break
			}
			r.log.Error("error reconnecting relay", slog.Any("error", err))
		}
		r.setConn(ws)
		r.log.Info("reconnected relay")
	}
}

func (r *Relay) read(ctx context.Context, ws *websocket.Conn, handler relay.Handler) error {
	for {
		typ, payload, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		handler(ctx, payload)
	}
}

func (r *Relay) setConn(ws *websocket.Conn) {
	r.Lock()
	defer r.Unlock()
	if r.closed {
		if ws != nil {
			ws.Close(websocket.StatusNormalClosure, "")
		}
		return
	}
	r.ws = ws
}

func (r *Relay) Post(ctx context.Context, payload []byte) error {
	r.Lock()
	ws := r.ws
	closed := r.closed
	r.Unlock()

	if ws == nil || closed {
		return relay.ErrNotConnected
	}
	if err := ws.Write(ctx, websocket.MessageBinary, payload); err != nil {
		return fmt.Errorf("error posting to relay hub: %w", err)
	}
	return nil
}

func (r *Relay) Close() error {
	r.Lock()
	if r.closed {
		r.Unlock()
		return nil
	}
	r.closed = true
	ws, cc, done := r.ws, r.cc, r.done
	r.ws = nil
	r.Unlock()

	if done == nil {
		return nil
	}
	cc()
	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "")
	}
	<-done
	return nil
}
