package progress

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins; tighten in production.
	},
}

// WSHandler exposes a run's event stream over a WebSocket connection.
type WSHandler struct {
	hub    *Hub
	logger zerolog.Logger
}

// NewWSHandler creates a handler bound to the given hub.
func NewWSHandler(hub *Hub, logger zerolog.Logger) *WSHandler {
	return &WSHandler{hub: hub, logger: logger}
}

// Stream upgrades the request and forwards run events as JSON messages until
// a terminal event is sent or either side closes the connection.
func (h *WSHandler) Stream(c echo.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing run id")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	events, cancel := h.hub.Subscribe(runID)
	go h.writePump(ws, runID, events, cancel)
	go h.readPump(ws, cancel)

	return nil
}

func (h *WSHandler) writePump(ws *websocket.Conn, runID string, events <-chan Event, cancel func()) {
	defer func() {
		cancel()
		ws.Close()
	}()

	for event := range events {
		if err := ws.WriteJSON(event); err != nil {
			return
		}
		if event.Terminal() {
			h.logger.Debug().Str("run_id", runID).Msg("progress stream finished")
			return
		}
	}
}

// readPump drains client frames so close handshakes are processed, and
// releases the subscription when the client goes away.
func (h *WSHandler) readPump(ws *websocket.Conn, cancel func()) {
	defer cancel()
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
