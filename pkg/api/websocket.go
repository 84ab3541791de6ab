// WebSocket stream of block validation events
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/karstchain/karst/internal/logger"
	"github.com/karstchain/karst/pkg/journal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins (configure properly in production)
	},
}

// ValidationEvent is broadcast to subscribers when a block's validation
// outcome is decided.
type ValidationEvent struct {
	BlockID         string `json:"block_id"`
	BlockNum        uint64 `json:"block_num"`
	Status          string `json:"status"`
	NumTransactions int    `json:"num_transactions"`
}

// WSClient represents one connected websocket subscriber.
type WSClient struct {
	conn *websocket.Conn
	send chan ValidationEvent
	hub  *WSHub
}

// WSHub fans validation events out to connected websocket clients.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan ValidationEvent
	register   chan *WSClient
	unregister chan *WSClient
	stop       chan struct{}
	stopOnce   sync.Once
	log        *logger.Logger
}

// NewWSHub creates a new websocket hub.
func NewWSHub(log *logger.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan ValidationEvent, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		stop:       make(chan struct{}),
		log:        log,
	}
}

// Run services registration and broadcast until Stop is called.
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.log.WithField("client_count", len(h.clients)).Debug("WebSocket client registered")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.log.WithField("client_count", len(h.clients)).Debug("WebSocket client unregistered")

		case event := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- event:
				default:
					// Slow consumer, drop it
					delete(h.clients, client)
					close(client.send)
				}
			}

		case <-h.stop:
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			return
		}
	}
}

// Stop shuts the hub down and disconnects all clients.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// BroadcastValidation publishes a block's validation outcome. Events are
// dropped when the hub's buffer is full.
func (h *WSHub) BroadcastValidation(block *journal.Block) {
	event := ValidationEvent{
		BlockID:         block.Identifier(),
		BlockNum:        block.BlockNum,
		Status:          block.Status().String(),
		NumTransactions: block.NumTransactions,
	}
	select {
	case h.broadcast <- event:
	default:
		h.log.WithField("block_id", event.BlockID).
			Warn("Dropping validation event, broadcast buffer is full")
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := &WSClient{
		conn: conn,
		send: make(chan ValidationEvent, 64),
		hub:  s.hub,
	}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound messages and unregisters on disconnect.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
