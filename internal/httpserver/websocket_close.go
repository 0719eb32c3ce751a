package httpserver

import (
	"log/slog"

	"nhooyr.io/websocket"
)

// wsClose records why a connection ends. The first recorded reason wins.
type wsClose struct {
	status websocket.StatusCode
	reason string
}

func (c *wsClose) set(status websocket.StatusCode, reason string) {
	if c.status == 0 {
		c.status = status
		c.reason = reason
	}
}

func (c *wsClose) apply(logger *slog.Logger, conn *websocket.Conn) {
	if conn == nil {
		return
	}
	status := c.status
	if status == 0 {
		status = websocket.StatusNormalClosure
	}
	err := conn.Close(status, c.reason)
	if err != nil && logger != nil {
		logger.Debug("websocket close failed", "status", status, "err", err)
		return
	}
	if logger != nil {
		logger.Info("websocket closed", "status", status, "reason", c.reason)
	}
}
