// Package dashboard provides the local WebSocket server for observing
// sync activity.
//
// The server broadcasts sync state transitions, cycle results, and queued
// change notifications to connected WebSocket clients, so a browser tab or
// a second terminal can watch the daemon work in real time.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/woodshed-app/shedsync/internal/engine"
	"github.com/woodshed-app/shedsync/internal/manager"
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeSyncState indicates the manager's state changed.
	MessageTypeSyncState MessageType = "sync_state"

	// MessageTypeCycleComplete indicates a sync cycle finished.
	MessageTypeCycleComplete MessageType = "cycle_complete"

	// MessageTypeChangeQueued indicates a local change entered the queue.
	MessageTypeChangeQueued MessageType = "change_queued"

	// MessageTypeHello is the first message sent to a new client.
	MessageTypeHello MessageType = "hello"
)

// Message represents a dashboard broadcast message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ChangeQueuedData describes one queued local change.
type ChangeQueuedData struct {
	Key    string `json:"key"`
	Kind   string `json:"kind"`
	Action string `json:"action"` // created, updated, deleted
}

// CycleCompleteData carries the result of one sync cycle.
type CycleCompleteData struct {
	Uploaded   int `json:"uploaded"`
	Downloaded int `json:"downloaded"`
	Conflicts  int `json:"conflicts"`
	Merged     int `json:"merged"`
	Failed     int `json:"failed"`
}

// Server manages WebSocket connections and broadcasts dashboard messages.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger

	// last state snapshot for the hello message
	stateMu   sync.Mutex
	lastState *manager.State
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: localhost:8844).
	Addr string

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// NewServer creates a new dashboard WebSocket server.
func NewServer(cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:8844"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      cfg.Addr,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    cfg.Logger,
	}
}

// Attach subscribes the server to the manager's event bus so state
// changes, cycle results, and queued changes are broadcast automatically.
// Returns an unsubscribe function.
func (s *Server) Attach(m *manager.Manager) func() {
	return m.Bus().Subscribe("", func(ev manager.Event) {
		switch ev.Name {
		case manager.EventSyncResult:
			s.BroadcastResult(ev.Result)

		case manager.EventSyncState:
			if ev.State == nil {
				return
			}
			s.stateMu.Lock()
			snapshot := *ev.State
			s.lastState = &snapshot
			s.stateMu.Unlock()
			s.BroadcastJSON(MessageTypeSyncState, ev.State)

		case manager.EventCreated, manager.EventUpdated, manager.EventDeleted:
			action := "updated"
			switch ev.Name {
			case manager.EventCreated:
				action = "created"
			case manager.EventDeleted:
				action = "deleted"
			}
			data := ChangeQueuedData{Key: ev.Key, Action: action}
			if ev.Entity != nil {
				data.Kind = string(ev.Entity.Kind)
			}
			s.BroadcastJSON(MessageTypeChangeQueued, data)
		}
	})
}

// BroadcastResult broadcasts a finished cycle.
func (s *Server) BroadcastResult(r *engine.Result) {
	if r == nil {
		return
	}
	s.BroadcastJSON(MessageTypeCycleComplete, CycleCompleteData{
		Uploaded:   r.Uploaded,
		Downloaded: r.Downloaded,
		Conflicts:  r.Conflicts,
		Merged:     r.Merged,
		Failed:     len(r.Failed),
	})
}

// BroadcastJSON marshals data and broadcasts it under the given type.
func (s *Server) BroadcastJSON(t MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Printf("Failed to marshal %s message: %v", t, err)
		return
	}
	s.Broadcast(Message{Type: t, Data: raw})
}

// Start begins the HTTP server and WebSocket handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", s.GetAddr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Broadcast sends a message to all connected clients.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// broadcastLoop handles message broadcasting to all clients.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Writes happen outside the read lock so a slow client cannot
			// block new broadcasts.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // local tool, any origin may watch
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	// Greet with the last known sync state so the client need not wait for
	// the next transition.
	s.stateMu.Lock()
	state := s.lastState
	s.stateMu.Unlock()
	hello := Message{Type: MessageTypeHello, Timestamp: time.Now()}
	if state != nil {
		if raw, err := json.Marshal(state); err == nil {
			hello.Data = raw
		}
	}
	helloData, _ := json.Marshal(hello)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, helloData)
	cancel()

	go s.readLoop(conn)
}

// readLoop keeps the WebSocket connection alive and handles client
// disconnects. Client messages are not processed.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

// removeClient safely removes a client connection.
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": clientCount,
	})
}

// handleRoot returns basic server information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>shedsync Dashboard</title>
</head>
<body>
    <h1>shedsync Dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Connect a WebSocket client to receive real-time sync updates.</p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
