package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"loci.chat/auth"
	"loci.chat/spatial"
)

const (
	// Time allowed to write a message to the client.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the client.
	pongWait = 60 * time.Second

	// Send pings to client with this period. Must be less than pongWait.
	pingPeriod = 15 * time.Second

	// Maximum message size allowed from client.
	maxMessageSize = 4096

	// Outbound buffer per connection. A client that falls this far
	// behind a broadcast is treated as disconnected.
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// IsWebSocket checks if the request asks for an upgrade.
func IsWebSocket(r *http.Request) bool {
	contains := func(key, val string) bool {
		vv := strings.Split(r.Header.Get(key), ",")
		for _, v := range vv {
			if val == strings.ToLower(strings.TrimSpace(v)) {
				return true
			}
		}
		return false
	}

	return contains("Connection", "upgrade") && contains("Upgrade", "websocket")
}

// socketConn adapts a websocket to the room's Conn interface. Send
// enqueues without blocking; the write pump drains in order, so the
// per-room broadcast order is preserved on the wire.
type socketConn struct {
	ws     *websocket.Conn
	events chan *Event
	killed chan struct{}
	once   sync.Once
}

func newSocketConn(ws *websocket.Conn) *socketConn {
	return &socketConn{
		ws:     ws,
		events: make(chan *Event, sendBuffer),
		killed: make(chan struct{}),
	}
}

func (c *socketConn) Send(ev *Event) error {
	select {
	case <-c.killed:
		return ErrSlowConsumer
	case c.events <- ev:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (c *socketConn) Close() {
	c.once.Do(func() { close(c.killed) })
}

// serveSocket runs a connection's lifetime: upgrade, admit, pump until
// the transport drops, then remove the session.
func serveSocket(w http.ResponseWriter, r *http.Request, srv *Server, roomID string, identity auth.Identity, pos spatial.Position, log zerolog.Logger) {
	var rspHdr http.Header
	// auth may arrive via Sec-WebSocket-Protocol, echo it back
	if prots := r.Header.Values("Sec-WebSocket-Protocol"); len(prots) > 0 {
		rspHdr = http.Header{}
		for _, p := range prots {
			rspHdr.Add("Sec-WebSocket-Protocol", p)
		}
	}

	ws, err := upgrader.Upgrade(w, r, rspHdr)
	if err != nil {
		return
	}

	conn := newSocketConn(ws)

	go conn.writePump()

	room, err := srv.Admit(roomID, identity, pos, conn)
	if err != nil {
		log.Warn().Err(err).Str("room", roomID).Msg("admit failed")
		conn.Close()
		ws.Close()
		return
	}

	conn.readPump(room, log)

	room.Remove(conn)
	conn.Close()
}

// readPump parses inbound envelopes and feeds the room. Unknown event
// types are dropped.
func (c *socketConn) readPump(room *Room, log zerolog.Logger) {
	defer c.ws.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("room", room.ID).Msg("socket read failed")
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case EventMessage:
			if ev.Message != nil {
				room.Publish(c, ev.Message)
			}
		case EventPresenceUpdate:
			if ev.Position != nil {
				room.UpdatePresence(c, *ev.Position)
			}
		}
	}
}

// writePump drains outbound events and keeps the connection alive with
// pings. Exits when the room kills the connection or a write fails.
func (c *socketConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.killed:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev := <-c.events:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			b, _ := json.Marshal(ev)
			if _, err := w.Write(b); err != nil {
				return
			}
			if err := w.Close(); err != nil {
				return
			}
		}
	}
}
