// Package dashboard provides a real-time WebSocket view of the sync
// engine: cycle summaries, status changes, conflict events, and session
// diagnostics, broadcast to connected clients.
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

	"github.com/pocketplan/pocketplan/internal/sync/diag"
	"github.com/pocketplan/pocketplan/internal/sync/runner"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeCycle indicates a sync cycle finished (cleanly or not)
	MessageTypeCycle MessageType = "cycle"

	// MessageTypeStatus indicates the derived engine status changed
	MessageTypeStatus MessageType = "status"

	// MessageTypeConflict indicates a conflict was detected or settled
	MessageTypeConflict MessageType = "conflict"

	// MessageTypeDiagnostics carries the session counters
	MessageTypeDiagnostics MessageType = "diagnostics"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// CycleData describes one finished sync cycle
type CycleData struct {
	Summary *runner.Summary `json:"summary,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// StatusData describes a status transition
type StatusData struct {
	Status        string `json:"status"`
	OfflineReason string `json:"offline_reason,omitempty"`
	OpenConflicts int    `json:"open_conflicts"`
}

// ConflictData describes a conflict lifecycle event
type ConflictData struct {
	ConflictID   string `json:"conflict_id"`
	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id"`
	ConflictType string `json:"conflict_type"`
	Event        string `json:"event"` // detected, resolved, ignored, retried, exported
	Strategy     string `json:"strategy,omitempty"`
}

// Server manages WebSocket connections and broadcasts engine messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	recorder *diag.Recorder

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8480)
	Port int

	// Recorder backs the /diag endpoint and the diagnostics broadcast.
	// Optional.
	Recorder *diag.Recorder

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8480,
		Logger: log.Default(),
	}
}

// NewServer creates a new dashboard WebSocket server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		recorder:  config.Recorder,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/diag", s.handleDiag)
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
		s.logger.Printf("Dashboard listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
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

// Broadcast sends a message to all connected clients. Messages are
// dropped rather than blocking the sync loop when the channel is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// BroadcastCycle publishes a finished cycle.
func (s *Server) BroadcastCycle(summary *runner.Summary, err error) {
	data := CycleData{Summary: summary}
	if err != nil {
		data.Error = err.Error()
	}
	raw, merr := json.Marshal(data)
	if merr != nil {
		s.logger.Printf("Failed to marshal cycle data: %v", merr)
		return
	}
	s.Broadcast(Message{Type: MessageTypeCycle, Data: raw})

	if s.recorder != nil {
		if raw, merr := json.Marshal(s.recorder.Report()); merr == nil {
			s.Broadcast(Message{Type: MessageTypeDiagnostics, Data: raw})
		}
	}
}

// BroadcastStatus publishes a status transition.
func (s *Server) BroadcastStatus(data StatusData) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Printf("Failed to marshal status data: %v", err)
		return
	}
	s.Broadcast(Message{Type: MessageTypeStatus, Data: raw})
}

// BroadcastConflict publishes a conflict lifecycle event.
func (s *Server) BroadcastConflict(data ConflictData) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Printf("Failed to marshal conflict data: %v", err)
		return
	}
	s.Broadcast(Message{Type: MessageTypeConflict, Data: raw})
}

// broadcastLoop handles message broadcasting to all clients
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

			// Writes happen outside the lock so a slow client cannot
			// stall new connections.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // local tool, not exposed publicly
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

	// New clients get the session diagnostics immediately.
	if s.recorder != nil {
		if raw, err := json.Marshal(s.recorder.Report()); err == nil {
			welcome, _ := json.Marshal(Message{
				Type:      MessageTypeDiagnostics,
				Timestamp: time.Now(),
				Data:      raw,
			})
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, welcome)
			cancel()
		}
	}

	go s.readLoop(conn)
}

// readLoop keeps the WebSocket connection alive and handles disconnects
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		// Client messages are ignored; the stream is one-way.
	}
}

// removeClient safely removes a client connection
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

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": clientCount,
	})
}

// handleDiag returns the session diagnostics report
func (s *Server) handleDiag(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.recorder == nil {
		_ = json.NewEncoder(w).Encode(diag.Report{})
		return
	}
	_ = json.NewEncoder(w).Encode(s.recorder.Report())
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Pocketplan Sync Dashboard</title>
</head>
<body>
    <h1>Pocketplan Sync Dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Diagnostics: <a href="/diag">/diag</a></p>
    <p>Connect a WebSocket client to receive cycle, status, and conflict events.</p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
