package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"loci.chat/server"
)

func newEchoSink(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestDialBuildsRoomURL(t *testing.T) {
	var gotPath, gotToken string
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.URL.Query().Get("token")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.Close()
	}))
	defer ts.Close()

	d := &WebSocketDialer{BaseURL: "ws" + strings.TrimPrefix(ts.URL, "http"), Token: "tok123"}
	conn, err := d.Dial(context.Background(), "gcpuzg")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	if gotPath != "/rooms/gcpuzg/socket" {
		t.Errorf("path = %q", gotPath)
	}
	if gotToken != "tok123" {
		t.Errorf("token = %q", gotToken)
	}
}

// The manager writes to one connection from several goroutines: a
// caller's Send, the reconnect flush, the presence timer. The connection
// must tolerate that; run with -race.
func TestWriteEventConcurrent(t *testing.T) {
	ts := newEchoSink(t)
	defer ts.Close()

	d := &WebSocketDialer{BaseURL: "ws" + strings.TrimPrefix(ts.URL, "http"), Token: "t"}
	conn, err := d.Dial(context.Background(), "gcpuzg")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ev := &server.Event{Type: server.EventMessage, Message: &server.Message{
					ID:      fmt.Sprintf("w%d-%d", n, j),
					Content: "x",
					Kind:    server.KindText,
				}}
				if err := conn.WriteEvent(ev); err != nil {
					return
				}
			}
		}(i)
	}
	wg.Wait()
}
