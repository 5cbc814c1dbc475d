package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// heartbeatInterval keeps intermediary proxies from closing an otherwise
// idle connection.
const heartbeatInterval = 30 * time.Second

type StreamHandlers struct {
	broadcast *Broadcaster
	log       zerolog.Logger
}

func NewStreamHandlers(broadcast *Broadcaster, log zerolog.Logger) *StreamHandlers {
	return &StreamHandlers{broadcast: broadcast, log: log.With().Str("component", "stream_handlers").Logger()}
}

func (h *StreamHandlers) RegisterRoutes(r chi.Router) {
	r.Get("/changes/stream/{business_id}", h.stream)
}

// stream upgrades to a websocket and relays every ChangeEvent published for
// business_id until the client disconnects or the connection is closed.
func (h *StreamHandlers) stream(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "business_id")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	ch, unsubscribe := h.broadcast.Subscribe(businessID)
	defer unsubscribe()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client disconnected")
			return
		case evt, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream closed")
				return
			}
			if err := wsjson.Write(ctx, conn, evt); err != nil {
				h.log.Debug().Err(err).Msg("websocket write failed, closing")
				return
			}
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				h.log.Debug().Err(err).Msg("websocket ping failed, closing")
				return
			}
		}
	}
}
