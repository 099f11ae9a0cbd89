package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goccy/go-json"

	"github.com/mdview/mdview/pkg/bus"
	"github.com/mdview/mdview/pkg/logger"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Same-origin requests have no Origin header
		}
		if isAllowedOrigin(origin) {
			return true
		}
		logger.WarnCF("ws", "Rejected WebSocket from disallowed origin", map[string]interface{}{"origin": origin})
		return false
	},
}

// clientMessage is the closed set of messages a browser may send.
// Unknown types are logged and ignored; the connection stays open.
type clientMessage struct {
	Type    string `json:"type"`
	Path    string `json:"path,omitempty"`    // subscribe
	Message string `json:"message,omitempty"` // chat
}

// serverMessage is the wire shape pushed to the browser.
type serverMessage struct {
	Type      string         `json:"type"`
	Path      string         `json:"path,omitempty"`
	Files     []bus.FileInfo `json:"files,omitempty"`
	File      string         `json:"file,omitempty"`
	Message   string         `json:"message,omitempty"`
	Sender    string         `json:"sender,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// wsClient is one connected browser. It owns exactly one bus
// subscription and two pumps; when either pump sees the connection
// die, the subscription dies with it.
type wsClient struct {
	server *Server
	conn   *websocket.Conn
	sub    *bus.Subscription
}

// handleWebSocket upgrades the connection and runs the adapter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorCF("ws", "WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	sub := s.bus.Subscribe(bus.TransportWebSocket,
		bus.KindChatMessage, bus.KindDirectoryUpdate, bus.KindFileChanged)

	c := &wsClient{server: s, conn: conn, sub: sub}
	logger.DebugCF("ws", "Client connected", map[string]interface{}{"sub": sub.ID})

	go c.writePump()
	go c.readPump()
}

// readPump dispatches inbound browser messages to the producers:
// "subscribe" attaches the directory watcher, "chat" publishes a chat
// event. It is also the disconnect detector for the read side.
func (c *wsClient) readPump() {
	defer func() {
		c.server.bus.Unsubscribe(c.sub.ID)
		c.conn.Close()
		logger.DebugCF("ws", "Client disconnected", map[string]interface{}{"sub": c.sub.ID})
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.sub.Touch()
		c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.WarnCF("ws", "Ignoring malformed client message", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}

		switch msg.Type {
		case "subscribe":
			if err := c.server.watcher.Attach(msg.Path); err != nil {
				logger.WarnCF("ws", "Subscribe failed", map[string]interface{}{
					"path":  msg.Path,
					"error": err.Error(),
				})
			}
		case "chat":
			if msg.Message == "" {
				continue
			}
			c.server.bus.Publish(bus.NewChatEvent(msg.Message, "browser"))
		default:
			logger.WarnCF("ws", "Ignoring unknown message type", map[string]interface{}{
				"type": msg.Type,
			})
		}
	}
}

// writePump drains the subscription queue in arrival order and writes
// each event to the socket. Any write error ends the connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.sub.C():
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				// Unsubscribed (or bus shut down)
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(toServerMessage(evt))
			if err != nil {
				logger.ErrorCF("ws", "Marshal failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			c.sub.Touch()

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// toServerMessage converts a bus event to its browser wire shape.
func toServerMessage(evt bus.Event) serverMessage {
	switch evt.Kind {
	case bus.KindDirectoryUpdate:
		return serverMessage{
			Type:  "directory_update",
			Path:  evt.Directory.Path,
			Files: evt.Directory.Files,
		}
	case bus.KindFileChanged:
		return serverMessage{
			Type: "file_changed",
			File: evt.File.Path,
		}
	case bus.KindChatMessage:
		return serverMessage{
			Type:      "chat",
			Message:   evt.Chat.Message,
			Sender:    evt.Chat.Sender,
			Timestamp: evt.Timestamp.UTC().Format(time.RFC3339),
		}
	default:
		return serverMessage{Type: evt.Kind.String()}
	}
}
