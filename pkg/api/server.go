// mdview - live markdown viewer API server.
// Serves the browser UI, the WebSocket event feed, and the MCP agent
// endpoints on a single listener.
package api

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/mdview/mdview/pkg/bus"
	"github.com/mdview/mdview/pkg/config"
	"github.com/mdview/mdview/pkg/logger"
	"github.com/mdview/mdview/pkg/watch"
)

// Server is the HTTP server for the mdview UI and agent surface.
type Server struct {
	config    config.Config
	bus       *bus.Bus
	watcher   *watch.Watcher
	startTime time.Time
	server    *http.Server
	webFS     fs.FS
}

// NewServer creates a new API server instance. webFS may be nil, in
// which case static files are served from ./web/static on disk.
func NewServer(cfg config.Config, b *bus.Bus, w *watch.Watcher, webFS fs.FS) *Server {
	return &Server{
		config:    cfg,
		bus:       b,
		watcher:   w,
		startTime: time.Now(),
		webFS:     webFS,
	}
}

// Handler builds the full route table. Split from Start so tests can
// drive the server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Browser push feed
	mux.HandleFunc("/ws", s.handleWebSocket)

	// Agent (MCP) surface
	mux.HandleFunc("/mcp/stream/chat", s.handleChatStream)
	mux.HandleFunc("/mcp/chat/subscribe", s.handleChatSSE)
	mux.HandleFunc("/mcp", s.handleMCP)

	// REST
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/file", s.handleFile)

	// Static UI
	mux.HandleFunc("/", s.handleStaticFiles)

	return corsMiddleware(mux)
}

// Start begins listening on the configured host:port.
func (s *Server) Start(ctx context.Context) error {
	addr := s.config.Addr()
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: the NDJSON and SSE bodies stay open for the
		// lifetime of the client connection.
		IdleTimeout: 120 * time.Second,
	}

	logger.InfoCF("api", "Server starting", map[string]interface{}{
		"addr": addr,
		"root": s.config.Root,
	})

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("api", "Server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

// Stop gracefully shuts down the server and tears down the bus, which
// in turn ends every adapter delivery loop.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.bus.Close()
	return err
}

// --- Middleware ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "http://localhost")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin checks if the origin is a trusted localhost address.
func isAllowedOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"root":           s.config.Root,
		"subscribers":    s.bus.SubscriberCount(),
	})
}

// handleFile serves the raw content of one file under the served root.
// Consumers call this after receiving a file_changed event, which
// carries only the path.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	if rel == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "path required"})
		return
	}

	full, err := s.resolveUnderRoot(rel)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid path"})
		return
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":    rel,
		"content": string(data),
	})
}

// resolveUnderRoot joins rel onto the served root and rejects any path
// that escapes it.
func (s *Server) resolveUnderRoot(rel string) (string, error) {
	full := filepath.Join(s.config.Root, filepath.FromSlash(rel))
	full = filepath.Clean(full)
	if full != s.config.Root && !strings.HasPrefix(full, s.config.Root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes root", rel)
	}
	return full, nil
}

func (s *Server) handleStaticFiles(w http.ResponseWriter, r *http.Request) {
	var staticFS fs.FS
	if s.webFS != nil {
		staticFS = s.webFS
	} else {
		staticFS = os.DirFS("web/static")
	}

	// For SPA routing: if the file doesn't exist, serve index.html
	path := r.URL.Path
	if path == "/" {
		path = "/index.html"
	}
	f, err := staticFS.Open(strings.TrimPrefix(path, "/"))
	if err != nil {
		r.URL.Path = "/index.html"
	} else {
		f.Close()
	}

	http.FileServer(http.FS(staticFS)).ServeHTTP(w, r)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
