package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512
)

// FeedType classifies a frame on the events feed
type FeedType string

const (
	FeedTypeEvent   FeedType = "event"
	FeedTypeMessage FeedType = "message"
	FeedTypeSystem  FeedType = "system"
	FeedTypePing    FeedType = "ping"
	FeedTypePong    FeedType = "pong"
)

// Frame is one WebSocket frame on the events feed. Payload carries the
// mirrored event or message verbatim.
type Frame struct {
	Type      FeedType        `json:"type"`
	Subject   string          `json:"subject,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Client represents a WebSocket client connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub maintains active WebSocket clients and broadcasts feed frames
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Outbound frames to fan out
	broadcast chan []byte

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	stop     chan struct{}
	stopOnce sync.Once

	mu sync.RWMutex
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns after Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Info().
				Int("total_clients", total).
				Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Info().
				Int("total_clients", total).
				Msg("WebSocket client disconnected")

		case frame := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- frame:
				default:
					// Client's send channel is full, close it
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop terminates the run loop and disconnects all clients
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
}

// BroadcastSubject fans out a mirrored NATS payload to all clients. The
// frame type is derived from the subject. Frames are dropped when the
// broadcast queue is full so callers never block.
func (h *Hub) BroadcastSubject(subject string, data []byte) {
	frame := Frame{
		Type:      feedTypeForSubject(subject),
		Subject:   subject,
		Timestamp: time.Now().UTC(),
		Payload:   json.RawMessage(data),
	}

	frameBytes, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to marshal feed frame")
		return
	}

	select {
	case h.broadcast <- frameBytes:
	default:
		log.Warn().Str("subject", subject).Msg("Feed broadcast queue full, frame dropped")
	}
}

// feedTypeForSubject maps a mirror subject to a frame type. Subjects look
// like <prefix>.<task>.events.<kind> or <prefix>.<task>.messages.<kind>.
func feedTypeForSubject(subject string) FeedType {
	tokens := strings.Split(subject, ".")
	if len(tokens) < 3 {
		return FeedTypeSystem
	}
	switch tokens[2] {
	case "events":
		return FeedTypeEvent
	case "messages":
		return FeedTypeMessage
	default:
		return FeedTypeSystem
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump pumps control messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Msg("WebSocket read error")
			}
			break
		}

		c.handleMessage(message)
	}
}

// writePump pumps frames from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(frame)

			// Add queued frames to the current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes messages received from the client
func (c *Client) handleMessage(message []byte) {
	var frame Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		log.Error().Err(err).Msg("Failed to parse client message")
		return
	}

	switch frame.Type {
	case FeedTypePing:
		c.sendPong()
	default:
		log.Debug().
			Str("type", string(frame.Type)).
			Msg("Received client message")
	}
}

// sendPong sends a pong frame to the client
func (c *Client) sendPong() {
	frame := Frame{
		Type:      FeedTypePong,
		Timestamp: time.Now().UTC(),
		Payload:   json.RawMessage(`{}`),
	}

	frameBytes, err := json.Marshal(frame)
	if err != nil {
		return
	}

	select {
	case c.send <- frameBytes:
	default:
		// Send channel is full
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The feed is read-only; origin checks are left to the deployment
		return true
	},
}

// handleEventsFeed upgrades the connection and attaches it to the hub
func (s *Server) handleEventsFeed(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}

	select {
	case client.hub.register <- client:
	case <-client.hub.stop:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
