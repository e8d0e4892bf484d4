package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"loci.chat/server"
)

// WebSocketDialer dials the chat server's room socket endpoint.
type WebSocketDialer struct {
	// BaseURL like "wss://loci.chat" or "ws://localhost:8080".
	BaseURL string
	// Token is the identity credential from /register.
	Token string

	Dialer *websocket.Dialer
}

// Dial opens a websocket to the room.
func (d *WebSocketDialer) Dial(ctx context.Context, room string) (EventConn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	u := fmt.Sprintf("%s/rooms/%s/socket?token=%s",
		d.BaseURL, url.PathEscape(room), url.QueryEscape(d.Token))

	ws, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	return &wsEventConn{ws: ws}, nil
}

// wsEventConn serializes writes: gorilla allows only one writer at a
// time, and the manager writes from the caller, the flush goroutine and
// the presence timer.
type wsEventConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

func (c *wsEventConn) ReadEvent() (*server.Event, error) {
	var ev server.Event
	if err := c.ws.ReadJSON(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (c *wsEventConn) WriteEvent(ev *server.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(ev)
}

func (c *wsEventConn) Close() error {
	return c.ws.Close()
}
