// Package dashboard serves the task dashboard over HTTP and pushes live
// updates to WebSocket clients.
//
// Every request goes through a session.Controller. Controller events
// (cache commits, group updates, failures) are broadcast to all connected
// clients so every open page reflects the store.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/taskdash/taskdash/internal/session"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeSnapshot carries the record set after a cache commit
	MessageTypeSnapshot MessageType = "snapshot"

	// MessageTypeProgress carries the cumulative completion series
	MessageTypeProgress MessageType = "progress"

	// MessageTypeError reports a failed action
	MessageTypeError MessageType = "error"

	// MessageTypeGroupUpdate reports a completed group action
	MessageTypeGroupUpdate MessageType = "group_update"
)

const (
	// clientQueueSize bounds the messages waiting for one client.
	clientQueueSize = 32
	writeTimeout    = 5 * time.Second
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Server manages HTTP routes and WebSocket connections for one controller
type Server struct {
	addr     string
	title    string
	ctrl     *session.Controller
	handler  *Handler
	listener net.Listener
	server   *http.Server

	// WebSocket client management
	clients   map[*client]struct{}
	clientsMu sync.RWMutex

	// Message broadcasting
	broadcast chan Message

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Host to bind (default: all interfaces)
	Host string

	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// Title shown on the page
	Title string

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Title:  "taskdash",
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// NewServer creates a dashboard server over ctrl
func NewServer(ctrl *session.Controller, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.Title == "" {
		config.Title = "taskdash"
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:      net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		title:     config.Title,
		ctrl:      ctrl,
		clients:   make(map[*client]struct{}),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
	s.handler = NewHandler(s, ctrl, config.Logger)
	return s
}

// Handler returns the routed HTTP handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return chain(mux, withRequestID, withRecover(s.logger))
}

// Start begins the HTTP server, the broadcaster and the controller bridge
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	s.handler.Attach()

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")

	s.cancel()

	s.clientsMu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
		delete(s.clients, c)
	}
	s.clientsMu.Unlock()
	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "Server shutting down")
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Println("Dashboard server stopped")
	return nil
}

// Broadcast queues a message for every connected client. Messages are
// dropped when the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Printf("Broadcast queue full, dropping %s message", msg.Type)
	}
}

// broadcastLoop encodes each message once and hands it to every client's
// send queue.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			data, err := encode(msg)
			if err != nil {
				s.logger.Printf("Failed to encode %s message: %v", msg.Type, err)
				continue
			}

			s.clientsMu.RLock()
			var slow []*client
			for c := range s.clients {
				select {
				case c.send <- data:
				default:
					slow = append(slow, c)
				}
			}
			s.clientsMu.RUnlock()

			for _, c := range slow {
				s.logger.Printf("Client %s is not keeping up, disconnecting", c.id)
				s.removeClient(c, websocket.StatusPolicyViolation, "too slow")
			}
		}
	}
}

func encode(msg Message) ([]byte, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return json.Marshal(msg)
}

// client is one WebSocket connection with its own outgoing queue.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close(code, reason)
	})
}

// handleWebSocket upgrades the request and serves the connection until the
// client leaves or the server stops.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{
		id:   RequestIDFromContext(r.Context()),
		conn: conn,
		send: make(chan []byte, clientQueueSize),
		done: make(chan struct{}),
	}

	// New clients start from the current snapshot.
	for _, msg := range []Message{s.handler.snapshotMessage(), s.handler.progressMessage()} {
		if data, err := encode(msg); err == nil {
			c.send <- data
		}
	}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Client %s connected (total: %d)", c.id, count)

	go s.writeLoop(c)
	s.readLoop(c)
}

// writeLoop drains the client's queue onto the connection.
func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case <-s.ctx.Done():
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Printf("Failed to send to client %s: %v", c.id, err)
				s.removeClient(c, websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// readLoop discards client frames; it returns when the connection closes.
func (s *Server) readLoop(c *client) {
	defer s.removeClient(c, websocket.StatusNormalClosure, "")

	for {
		if _, _, err := c.conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(c *client, code websocket.StatusCode, reason string) {
	s.clientsMu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	count := len(s.clients)
	s.clientsMu.Unlock()

	c.close(code, reason)
	if ok {
		s.logger.Printf("Client %s disconnected (total: %d)", c.id, count)
	}
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"store":   s.ctrl.Store().Name(),
		"records": len(s.ctrl.Records()),
		"version": s.ctrl.Version(),
		"clients": s.ClientCount(),
	})
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
