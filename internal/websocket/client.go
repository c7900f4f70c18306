package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is one live connection to the sync server's push endpoint.
type Client struct {
	Conn     *websocket.Conn
	Listener *Listener
	Send     chan []byte
}

func NewClient(conn *websocket.Conn, listener *Listener) *Client {
	return &Client{
		Conn:     conn,
		Listener: listener,
		Send:     make(chan []byte, 16),
	}
}

func (c *Client) ReadPump(ctx context.Context) error {
	c.Conn.SetReadDeadline(time.Now().Add(c.Listener.opts.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Listener.opts.PongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.Listener.logger.Warn("websocket read failed", zap.Error(err))
			}
			return err
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Listener.logger.Warn("dropping malformed websocket message", zap.Error(err))
			continue
		}
		c.Listener.handle(ctx, c, &msg)
	}
}

// WritePump owns every write on the connection. It returns once the read
// side fails or ctx is cancelled, closing the connection either way.
func (c *Client) WritePump(ctx context.Context, readDone <-chan error) error {
	ticker := time.NewTicker(c.Listener.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.Conn.SetWriteDeadline(time.Now().Add(c.Listener.opts.WriteWait))
			c.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.Conn.Close()
			<-readDone
			return nil

		case err := <-readDone:
			return err

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Listener.opts.WriteWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Conn.Close()
				return <-readDone
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Listener.opts.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Conn.Close()
				return <-readDone
			}
		}
	}
}

func (c *Client) enqueue(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.Listener.logger.Error("failed to encode websocket message", zap.Error(err))
		return
	}
	select {
	case c.Send <- data:
	default:
		c.Listener.logger.Warn("websocket send buffer full, dropping message", zap.String("type", string(msg.Type)))
	}
}
