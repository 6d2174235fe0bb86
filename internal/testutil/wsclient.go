package testutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is one decoded server frame.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WSClient is a websocket test client for gateway integration tests.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// NewWSClient dials the given ws:// URL and returns a test client.
//
// Precondition: url must point at a listening websocket gateway.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, url string) *WSClient {
	t.Helper()
	start := time.Now()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", url, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("websocket client connected to %s [%s]", url, time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// Send writes one event envelope. A nil data omits the data field.
func (c *WSClient) Send(name string, data any) {
	c.t.Helper()
	frame := struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{Event: name, Data: data}
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteJSON(frame); err != nil {
		c.t.Fatalf("sending %s: %v", name, err)
	}
}

// SendRaw writes a text frame verbatim.
func (c *WSClient) SendRaw(text string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		c.t.Fatalf("sending raw frame: %v", err)
	}
}

// ReadUntil reads frames until one named name arrives or timeout elapses. Frames
// with other names are discarded.
//
// Postcondition: Returns the matching frame, or fails the test on timeout.
func (c *WSClient) ReadUntil(name string, timeout time.Duration) Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	var seen []string
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.t.Fatalf("reading until %q: saw %v, error: %v", name, seen, err)
		}
		if f.Event == name {
			return f
		}
		seen = append(seen, f.Event)
	}
}

// Decode unmarshals a frame's data into v or fails the test.
func (c *WSClient) Decode(f Frame, v any) {
	c.t.Helper()
	if err := json.Unmarshal(f.Data, v); err != nil {
		c.t.Fatalf("decoding %s data %s: %v", f.Event, f.Data, err)
	}
}

// Close closes the connection with a normal close frame.
func (c *WSClient) Close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.conn.Close()
}
