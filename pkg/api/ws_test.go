package api

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goccy/go-json"

	"github.com/mdview/mdview/pkg/bus"
)

func dialWS(t *testing.T, tsURL string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(tsURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func TestWebSocketChatRoundTrip(t *testing.T) {
	_, ts, b := newTestServer(t)

	conn := dialWS(t, ts.URL)
	waitForSubscribers(t, b, 1)

	err := conn.WriteJSON(map[string]string{"type": "chat", "message": "hi from browser"})
	if err != nil {
		t.Fatal(err)
	}

	// The publishing client is itself subscribed, so it sees its own
	// message come back through the bus.
	msg := readServerMessage(t, conn)
	if msg.Type != "chat" || msg.Message != "hi from browser" {
		t.Fatalf("expected chat echo, got %+v", msg)
	}
	if msg.Timestamp == "" {
		t.Error("expected a publish timestamp on the wire")
	}
}

func TestWebSocketSubscribePublishesSnapshot(t *testing.T) {
	_, ts, b := newTestServer(t)

	conn := dialWS(t, ts.URL)
	waitForSubscribers(t, b, 1)

	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "path": "README.md"}); err != nil {
		t.Fatal(err)
	}

	msg := readServerMessage(t, conn)
	if msg.Type != "directory_update" {
		t.Fatalf("expected directory_update, got %+v", msg)
	}
	var found bool
	for _, f := range msg.Files {
		if f.Path == "README.md" && !f.Dir {
			found = true
		}
	}
	if !found {
		t.Errorf("snapshot missing README.md: %+v", msg.Files)
	}
}

func TestWebSocketMalformedMessageKeepsConnection(t *testing.T) {
	_, ts, b := newTestServer(t)

	conn := dialWS(t, ts.URL)
	waitForSubscribers(t, b, 1)

	// Garbage, then an unknown type: both logged and ignored.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "mystery"}); err != nil {
		t.Fatal(err)
	}

	// The connection must still deliver events afterwards.
	if err := conn.WriteJSON(map[string]string{"type": "chat", "message": "still alive"}); err != nil {
		t.Fatal(err)
	}
	msg := readServerMessage(t, conn)
	if msg.Type != "chat" || msg.Message != "still alive" {
		t.Fatalf("expected chat after malformed input, got %+v", msg)
	}
}

func TestWebSocketDisconnectUnsubscribes(t *testing.T) {
	_, ts, b := newTestServer(t)

	conn := dialWS(t, ts.URL)
	waitForSubscribers(t, b, 1)

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.SubscriberCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscription leaked after disconnect: %d live", b.SubscriberCount())
}

func TestWebSocketReceivesFileChanged(t *testing.T) {
	_, ts, b := newTestServer(t)

	conn := dialWS(t, ts.URL)
	waitForSubscribers(t, b, 1)

	b.Publish(bus.NewFileEvent("notes/today.md"))

	msg := readServerMessage(t, conn)
	if msg.Type != "file_changed" || msg.File != "notes/today.md" {
		t.Fatalf("expected file_changed, got %+v", msg)
	}
}

func TestToServerMessage(t *testing.T) {
	tests := []struct {
		name string
		evt  bus.Event
		want string
	}{
		{name: "chat", evt: bus.NewChatEvent("m", "s"), want: "chat"},
		{name: "directory", evt: bus.NewDirectoryEvent(".", nil), want: "directory_update"},
		{name: "file", evt: bus.NewFileEvent("a.md"), want: "file_changed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toServerMessage(tt.evt).Type; got != tt.want {
				t.Errorf("expected type %q, got %q", tt.want, got)
			}
		})
	}
}
