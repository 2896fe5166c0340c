package controllers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/datallboy/newsflow/internal/app"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v5"
)

const (
	statsInterval = time.Second
	writeWait     = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type EventController struct {
	App   *app.Context
	Tasks *TaskController
}

// Stream upgrades to a websocket and pushes task, file and error events as
// they happen, plus a stats frame every second. Messages from the client
// are read and ignored; a read error ends the stream.
func (ctrl *EventController) Stream(c *echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		ctrl.App.Logger.Debug("websocket upgrade: %v", err)
		return nil
	}
	defer conn.Close()

	events, unsubscribe := ctrl.App.Queue.Subscribe()
	defer unsubscribe()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					ctrl.App.Logger.Debug("websocket: %v", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	send := func(kind string, v any) error {
		payload, err := json.Marshal(v)
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(WSMessage{Type: kind, Payload: payload})
	}

	if err := send("stats", ctrl.Tasks.stats()); err != nil {
		return nil
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return nil
			}
			if err := send(string(ev.Type), ev); err != nil {
				return nil
			}
		case <-ticker.C:
			if err := send("stats", ctrl.Tasks.stats()); err != nil {
				return nil
			}
		case <-gone:
			return nil
		}
	}
}
