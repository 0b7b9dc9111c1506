package stream

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler streams hub summaries to dashboard clients. Clients may
// narrow the feed with one or more ?specimen= query parameters.
type WebSocketHandler struct {
	hub    *Hub
	logger zerolog.Logger
}

func NewWebSocketHandler(hub *Hub, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, logger: logger}
}

func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/stream", wsh.HandleConnect)
}

func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	var filter map[string]struct{}
	if ids := c.QueryParams()["specimen"]; len(ids) > 0 {
		filter = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			filter[id] = struct{}{}
		}
	}

	clientID := uuid.New().String()
	sub := wsh.hub.Subscribe()
	wsh.logger.Debug().Str("client_id", clientID).Int("filter", len(filter)).Msg("stream: client connected")

	go wsh.writePump(clientID, sub, ws, filter)
	go wsh.readPump(sub, ws)
	return nil
}

// readPump only watches for the client going away; inbound messages are ignored.
func (wsh *WebSocketHandler) readPump(sub *Subscription, ws *gorillawebsocket.Conn) {
	defer func() {
		sub.Close()
		ws.Close()
	}()
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (wsh *WebSocketHandler) writePump(clientID string, sub *Subscription, ws *gorillawebsocket.Conn, filter map[string]struct{}) {
	defer ws.Close()

	for s := range sub.C {
		if filter != nil {
			if _, ok := filter[s.SpecimenID]; !ok {
				continue
			}
		}
		data, err := json.Marshal(s)
		if err != nil {
			wsh.logger.Debug().Err(err).Msg("stream: marshal summary")
			continue
		}
		ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, data); err != nil {
			wsh.logger.Debug().Err(err).Str("client_id", clientID).Msg("stream: client write failed")
			sub.Close()
			return
		}
	}
}
