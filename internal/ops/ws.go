package ops

import (
	"net/http"

	"vigilo/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The admin API is bearer-token authenticated, not cookie
	// authenticated, so cross-origin requests carry no ambient
	// credentials worth protecting.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams engine events to the client as JSON frames until
// the client disconnects or the hub shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}
	defer conn.Close()

	metrics.WSClients.Inc()
	defer metrics.WSClients.Dec()
	log.Info().Str("client_ip", r.RemoteAddr).Msg("event feed client connected")

	feed, unsubscribe := s.hub.Subscribe(64)
	defer unsubscribe()

	// Drain client frames so we notice the disconnect.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			log.Info().Str("client_ip", r.RemoteAddr).Msg("event feed client disconnected")
			return
		case <-r.Context().Done():
			return
		case e, ok := <-feed:
			if !ok {
				// Hub stopped; the server is shutting down.
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				log.Warn().Err(err).Msg("failed to write event frame")
				return
			}
		}
	}
}
