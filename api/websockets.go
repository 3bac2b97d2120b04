package api

import (
	"context"
	"net/http"

	"github.com/kvinsights/kvinsights/types"

	"golang.org/x/exp/slog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// subscribe streams every value dispatched by the queue service to the websocket
// as a subscriptionFrame, until the client goes away.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close(websocket.StatusInternalError, "")

	// Nothing is read from the client, CloseRead cancels ctx once it disconnects.
	ctx := c.CloseRead(r.Context())

	id, err := s.queue.Subscribe(func(_ context.Context, value types.Value) error {
		encoded, err := types.MarshalValue(value)
		if err != nil {
			return err
		}
		return wsjson.Write(ctx, c, subscriptionFrame{Value: encoded})
	})
	if err != nil {
		s.log.Error("error subscribing websocket", slog.Any("error", err))
		c.Close(websocket.StatusTryAgainLater, "queue unavailable")
		return
	}
	defer s.queue.Unsubscribe(id)

	log := s.log.With(slog.String("subscriptionID", id))
	log.Info("websocket subscribed")
	defer log.Info("websocket unsubscribed")

	<-ctx.Done()
}
