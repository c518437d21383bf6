package controlapi

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dashflow/streamengine/internal/logger"
)

type client struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
}

// hub fans one engine event out to every connected WebSocket client,
// draining register/unregister/broadcast channels on a single
// goroutine so client-map mutation never races with broadcast.
type hub struct {
	log        logger.Logger
	clients    map[*client]bool
	broadcastCh chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
}

func newHub(log logger.Logger) *hub {
	return &hub{
		log:        log.With("events-hub"),
		clients:    make(map[*client]bool),
		broadcastCh: make(chan []byte, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

func (h *hub) run() {
	for {
		select {
		case <-h.done:
			for c := range h.clients {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(2*time.Second))
				close(c.send)
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case msg := <-h.broadcastCh:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
		}
	}
}

func (h *hub) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Warnf("failed to marshal event %s: %v", ev.Type, err)
		return
	}
	select {
	case h.broadcastCh <- data:
	default:
		h.log.Warnf("broadcast channel full, dropping event %s", ev.Type)
	}
}

func (h *hub) close() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

func (h *hub) serveClient(conn *websocket.Conn) {
	c := &client{hub: h, conn: conn, send: make(chan []byte, 16)}
	h.register <- c
	go c.writePump()
	c.readPump()
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
