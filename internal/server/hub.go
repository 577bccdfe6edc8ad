package server

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	sendQueueLen = 256
)

// Client is a single connected replica of a room.
type Client struct {
	room *Room
	conn *websocket.Conn
	send chan []byte
}

type outbound struct {
	data []byte
	from *Client
}

// Hub maintains a room's set of active clients and broadcasts updates to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	count      chan chan int
	logger     *log.Logger

	// snapshot encodes the full room state for a joining client.
	snapshot func() []byte
}

func newHub(logger *log.Logger, snapshot func() []byte) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		count:      make(chan chan int),
		logger:     logger,
		snapshot:   snapshot,
	}
}

func (h *Hub) run(ctx context.Context) {
	defer func() {
		for client := range h.clients {
			delete(h.clients, client)
			close(client.send)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			// Ordered with broadcasts: anything not in the snapshot arrives after it.
			client.send <- h.snapshot()
			h.clients[client] = true
			h.logger.Debug("client registered", "clients", len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Debug("client unregistered", "clients", len(h.clients))
			}
		case msg := <-h.broadcast:
			for client := range h.clients {
				if client == msg.from {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Too slow to keep up; it resyncs from full state when it reconnects.
					close(client.send)
					delete(h.clients, client)
				}
			}
		case reply := <-h.count:
			reply <- len(h.clients)
		}
	}
}

// Publish queues data for every client except from. It returns false once the hub has stopped.
func (h *Hub) Publish(ctx context.Context, data []byte, from *Client) bool {
	select {
	case h.broadcast <- outbound{data: data, from: from}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.room.hub.unregister <- c:
		case <-ctx.Done():
		}
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.room.logger.Debug("client read error", "err", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.BinaryMessage {
			continue
		}
		if err := c.room.doc.Apply(message, c); err != nil {
			c.room.logger.Warn("dropping undecodable update", "err", err)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
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
