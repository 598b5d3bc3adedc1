package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tullebulle/pingpong/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is a local management surface; origin filtering is done by CORS
	// on the REST routes and by the deployment, not per-socket.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// liveEventTypes is the set of bus events forwarded to websocket clients.
var liveEventTypes = []events.EventType{
	events.EventLobbyCreated,
	events.EventLobbyRemoved,
	events.EventPlayerJoined,
	events.EventMatchStarted,
	events.EventPlayerDisconnected,
}

// liveFrame is the JSON shape of one forwarded event.
type liveFrame struct {
	Type    string      `json:"type"`
	Source  string      `json:"source"`
	Payload interface{} `json:"payload"`
	Ts      time.Time   `json:"ts"`
}

// handleLive upgrades the connection and streams lifecycle events until
// the client goes away.
func (s *Server) handleLive(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	handlerName := "live-" + uuid.NewString()
	frames := make(chan liveFrame, 32)

	forward := func(ctx context.Context, event events.Event) error {
		select {
		case frames <- liveFrame{
			Type:    string(event.Type),
			Source:  event.Source,
			Payload: event.Payload,
			Ts:      time.Now(),
		}:
		default:
			// A slow client drops frames rather than backing up the bus.
		}
		return nil
	}

	for _, et := range liveEventTypes {
		s.eventBus.Subscribe(et, handlerName, forward)
	}
	defer func() {
		for _, et := range liveEventTypes {
			s.eventBus.Unsubscribe(et, handlerName)
		}
	}()

	// Reader goroutine: its only job is to notice the client closing.
	var once sync.Once
	closed := make(chan struct{})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				once.Do(func() { close(closed) })
				return
			}
		}
	}()

	log.Debug().Str("client", c.ClientIP()).Msg("live event stream opened")

	for {
		select {
		case frame := <-frames:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(frame); err != nil {
				log.Debug().Err(err).Msg("live stream write failed")
				return
			}
		case <-closed:
			log.Debug().Str("client", c.ClientIP()).Msg("live event stream closed")
			return
		case <-s.eventBus.StopCh():
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
