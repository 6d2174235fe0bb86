package ws

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/nearchat/internal/config"
)

// Conn is one upgraded websocket connection. Writes go through its Outbox and are
// performed by a single writer goroutine.
type Conn struct {
	*Outbox
	ws  *websocket.Conn
	cfg config.GatewayConfig
}

// NewConn wraps an upgraded websocket.
//
// Precondition: ws must be an open connection; id must be non-empty.
func NewConn(id string, ws *websocket.Conn, cfg config.GatewayConfig) *Conn {
	if cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(cfg.MaxMessageBytes)
	}
	return &Conn{
		Outbox: NewOutbox(id, cfg.SendBuffer),
		ws:     ws,
		cfg:    cfg,
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// ReadLoop reads text frames and hands each to handle until the connection fails or
// goes silent for longer than the read timeout.
//
// Postcondition: Always returns a non-nil error describing why reading stopped.
func (c *Conn) ReadLoop(handle func(frame []byte)) error {
	c.extendReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		c.extendReadDeadline()
		handle(frame)
	}
}

// WriteLoop drains the Outbox onto the socket and sends keepalive pings. Once the
// Outbox is closed it sends a close frame; frames still queued at that point are discarded.
//
// Postcondition: The underlying socket is closed when this method returns.
func (c *Conn) WriteLoop() error {
	defer c.ws.Close()

	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.Done():
			_ = c.ws.SetWriteDeadline(c.writeDeadline())
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case frame := <-c.Frames():
			_ = c.ws.SetWriteDeadline(c.writeDeadline())
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, c.writeDeadline()); err != nil {
				return err
			}
		}
	}
}

// Abort closes the socket immediately without a close handshake.
func (c *Conn) Abort() {
	c.Outbox.Close()
	_ = c.ws.Close()
}

func (c *Conn) extendReadDeadline() {
	if c.cfg.ReadTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
}

func (c *Conn) writeDeadline() time.Time {
	if c.cfg.WriteTimeout > 0 {
		return time.Now().Add(c.cfg.WriteTimeout)
	}
	return time.Time{}
}
