package chat

import (
	"errors"

	"github.com/gofiber/contrib/websocket"
	"golang.org/x/time/rate"

	"github.com/pelusa-v/pelusa-support/internal/protocol"
)

// Client is one websocket connection, operator or customer.
type Client struct {
	ID   string
	Role protocol.Role
	// Owner is the operator id or the customer id behind the connection.
	Owner string
	Conn  ConnLike
	Send  chan []byte

	limiter *rate.Limiter
}

type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

type inbound struct {
	client *Client
	cmd    protocol.Command
}

// ReadPump decodes frames until the connection fails. Frames over the
// client's rate are dropped.
func (c *Client) ReadPump(h *Hub) {
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			h.metrics.Throttled()
			continue
		}
		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			if !errors.Is(err, protocol.ErrUnknownFrame) {
				h.log.Debug().Err(err).Str("client", c.ID).Msg("bad frame")
			}
			continue
		}
		if !h.submit(inbound{client: c, cmd: cmd}) {
			return
		}
	}
}

// WritePump drains Send until the hub closes it.
func (c *Client) WritePump() {
	for data := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			_ = c.Conn.Close()
			for range c.Send {
			}
			return
		}
	}
}
