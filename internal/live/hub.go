// Package live pushes session aggregates to websocket subscribers.
package live

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"qrattend/internal/attendance"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 32
)

// Update is the aggregate pushed to subscribers of a session.
type Update struct {
	Type       string            `json:"type"`
	SessionID  string            `json:"session_id"`
	Present    int               `json:"present"`
	Target     int               `json:"target"`
	Percentage float64           `json:"percentage"`
	Status     attendance.Status `json:"status"`
	At         time.Time         `json:"at"`
}

// AlertUpdate tells a session's subscribers that a device was flagged.
type AlertUpdate struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	ScanCount int       `json:"scan_count"`
	RaisedAt  time.Time `json:"raised_at"`
}

type message struct {
	sessionID string
	payload   []byte
}

// Hub fans updates out to the clients subscribed to each session.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan message
	sessions   map[string]map[*client]struct{}
	done       chan struct{}
	now        func() time.Time
}

// NewHub creates a hub; call Run to start it.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan message, 256),
		sessions:   make(map[string]map[*client]struct{}),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// Run serves registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for _, clients := range h.sessions {
				for c := range clients {
					h.drop(c)
				}
			}
			return
		case c := <-h.register:
			clients, ok := h.sessions[c.sessionID]
			if !ok {
				clients = make(map[*client]struct{})
				h.sessions[c.sessionID] = clients
			}
			clients[c] = struct{}{}
		case c := <-h.unregister:
			h.drop(c)
		case msg := <-h.broadcast:
			for c := range h.sessions[msg.sessionID] {
				select {
				case c.send <- msg.payload:
				default:
					// slow consumer
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	clients, ok := h.sessions[c.sessionID]
	if !ok {
		return
	}
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.sessions, c.sessionID)
	}
	close(c.send)
}

// SessionChanged implements attendance.Observer.
func (h *Hub) SessionChanged(s attendance.Session) {
	if h == nil {
		return
	}
	now := h.now()
	h.publish(s.ID, Update{
		Type:       "session",
		SessionID:  s.ID,
		Present:    s.PresentCount,
		Target:     s.EnrollmentTarget,
		Percentage: s.Percentage(),
		Status:     s.EffectiveStatus(now),
		At:         now.UTC(),
	})
}

// Alert forwards an anomaly alert to the session's subscribers.
func (h *Hub) Alert(a attendance.Alert) {
	h.publish(a.SessionID, AlertUpdate{
		Type:      "alert",
		SessionID: a.SessionID,
		UserID:    a.UserID,
		DeviceID:  a.DeviceID,
		ScanCount: a.ScanCount,
		RaisedAt:  a.RaisedAt,
	})
}

func (h *Hub) publish(sessionID string, v any) {
	if h == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("live: marshal update: %v", err)
		return
	}
	// Never block the scan path on a backed-up hub.
	select {
	case h.broadcast <- message{sessionID: sessionID, payload: data}:
	default:
		log.Printf("live: broadcast buffer full, dropping update for session %s", sessionID)
	}
}

var upgrader = websocket.Upgrader{
	// Subscribers are authenticated by bearer JWT before the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve upgrades the request and streams updates for sessionID until the client leaves.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{hub: h, conn: conn, sessionID: sessionID, send: make(chan []byte, sendBufferSize)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return nil
	}
	go c.writePump()
	c.readPump()
	return nil
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
