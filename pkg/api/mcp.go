// MCP agent surface: a JSON-RPC tool endpoint plus two live chat
// feeds. Streaming agents use the NDJSON body on /mcp/stream/chat;
// older clients fall back to SSE or the get_chat_messages poll tool.
package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/mdview/mdview/pkg/bus"
	"github.com/mdview/mdview/pkg/logger"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// chatWire is the chat event shape shared by the SSE feed and the
// poll tool.
type chatWire struct {
	Type      string  `json:"type"`
	Message   string  `json:"message"`
	Sender    string  `json:"sender,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

func toChatWire(evt bus.Event) chatWire {
	return chatWire{
		Type:      "chat",
		Message:   evt.Chat.Message,
		Sender:    evt.Chat.Sender,
		Timestamp: float64(evt.Timestamp.UnixMilli()) / 1000.0,
	}
}

// formatChatLine renders a chat event the way streaming agents see it.
func formatChatLine(evt bus.Event) string {
	return fmt.Sprintf("[%s] %s: %s",
		evt.Timestamp.Format("15:04:05"), evt.Chat.Sender, evt.Chat.Message)
}

// --- NDJSON streaming adapter ---

// handleChatStream serves POST /mcp/stream/chat: a chunked NDJSON body
// that stays open for the life of the agent connection. The first line
// confirms the subscription; after that, one JSON-RPC line per chat
// event, flushed immediately. The open connection is the liveness
// signal, so there is no heartbeat and no idle timeout.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "streaming unsupported"})
		return
	}

	// The request body may carry a JSON-RPC envelope; its id is echoed
	// in the confirmation line. An empty body is fine.
	var reqID interface{} = 0
	if body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024)); err == nil && len(body) > 0 {
		var req rpcRequest
		if err := json.Unmarshal(body, &req); err == nil && req.ID != nil {
			reqID = req.ID
		}
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	if err := enc.Encode(rpcResponse{
		JSONRPC: "2.0",
		ID:      reqID,
		Result:  map[string]interface{}{"subscribed": true, "stream": "chat"},
	}); err != nil {
		return
	}
	flusher.Flush()

	sub := s.bus.Subscribe(bus.TransportNDJSON, bus.KindChatMessage)
	defer s.bus.Unsubscribe(sub.ID)

	logger.InfoCF("mcp", "Chat stream opened", map[string]interface{}{"sub": sub.ID})
	defer logger.InfoCF("mcp", "Chat stream closed", map[string]interface{}{"sub": sub.ID})

	lineID := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			lineID++
			if err := enc.Encode(rpcResponse{
				JSONRPC: "2.0",
				ID:      lineID,
				Result:  formatChatLine(evt),
			}); err != nil {
				return
			}
			flusher.Flush()
			sub.Touch()
		}
	}
}

// --- Legacy SSE adapter ---

// handleChatSSE serves GET /mcp/chat/subscribe as text/event-stream.
// A comment heartbeat on a fixed interval keeps idle-connection
// middleboxes from cutting the stream.
func (s *Server) handleChatSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.bus.Subscribe(bus.TransportSSE, bus.KindChatMessage)
	defer s.bus.Unsubscribe(sub.ID)

	logger.InfoCF("mcp", "SSE chat subscriber connected", map[string]interface{}{"sub": sub.ID})
	defer logger.InfoCF("mcp", "SSE chat subscriber disconnected", map[string]interface{}{"sub": sub.ID})

	heartbeat := time.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(toChatWire(evt))
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
			sub.Touch()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
			sub.Touch()
		}
	}
}

// --- JSON-RPC tool endpoint ---

type toolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

var mcpTools = []toolDef{
	{
		Name:        "get_chat_messages",
		Description: "Return buffered chat messages newer than the given unix timestamp.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"since": map[string]interface{}{
					"type":        "number",
					"description": "Unix timestamp in seconds; 0 returns the whole buffer.",
				},
			},
		},
	},
	{
		Name:        "send_chat_message",
		Description: "Send a chat message to the browser.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"message": map[string]interface{}{"type": "string"},
			},
			"required": []string{"message"},
		},
	},
}

// handleMCP serves POST /mcp: a minimal JSON-RPC surface with
// initialize, tools/list, and tools/call.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
		return
	}

	switch req.Method {
	case "initialize":
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]string{"name": "mdview", "version": "1.0.0"},
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
		}})
	case "tools/list":
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{
			"tools": mcpTools,
		}})
	case "tools/call":
		s.handleToolCall(w, req)
	default:
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID,
			Error: &rpcError{Code: -32601, Message: "method not found: " + req.Method}})
	}
}

func (s *Server) handleToolCall(w http.ResponseWriter, req rpcRequest) {
	var params struct {
		Name      string `json:"name"`
		Arguments struct {
			Since   float64 `json:"since"`
			Message string  `json:"message"`
		} `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID,
			Error: &rpcError{Code: -32602, Message: "invalid params"}})
		return
	}

	switch params.Name {
	case "get_chat_messages":
		since := time.UnixMilli(int64(params.Arguments.Since * 1000))
		events := s.bus.ChatSince(since)
		messages := make([]chatWire, 0, len(events))
		for _, evt := range events {
			messages = append(messages, toChatWire(evt))
		}
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{
			"messages": messages,
		}})

	case "send_chat_message":
		if params.Arguments.Message == "" {
			writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID,
				Error: &rpcError{Code: -32602, Message: "message required"}})
			return
		}
		evt := s.bus.Publish(bus.NewChatEvent(params.Arguments.Message, "agent"))
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{
			"delivered": true,
			"sequence":  evt.Sequence,
		}})

	default:
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID,
			Error: &rpcError{Code: -32602, Message: "unknown tool: " + params.Name}})
	}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
