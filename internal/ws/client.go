package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Client adapts a gorilla websocket connection to the hub's Subscriber
// contract. Writes come from hub broadcasts only, so no writer pump is
// needed; a per-write deadline keeps one stuck peer from wedging a room.
type Client struct {
	conn      *websocket.Conn
	log       *slog.Logger
	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send delivers one text frame. A failed write closes the connection; the
// hub drops the subscriber on the returned error.
func (c *Client) Send(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteMessage(websocket.TextMessage, payload)
	if err != nil {
		c.log.Warn("websocket send failed", "error", err)
		c.Close()
	}
	return err
}

// Close sends a best-effort close frame and tears down the connection.
// Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
	})
}
