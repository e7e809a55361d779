package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/udplink/internal/link"
	"github.com/1ureka/udplink/internal/manager"
	"github.com/1ureka/udplink/internal/util"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is one event pushed to websocket clients.
type Message struct {
	Kind     string    `json:"kind"` // "link" or "manager"
	Type     string    `json:"type"`
	Link     string    `json:"link"`
	ID       string    `json:"id"`
	Remote   string    `json:"remote"`
	Time     time.Time `json:"time"`
	UnitID   uint32    `json:"unit_id,omitempty"`
	UserType uint8     `json:"user_type,omitempty"`
	Size     int       `json:"size,omitempty"`
	Elapsed  string    `json:"elapsed,omitempty"`
}

func linkMessage(e link.Event) Message {
	m := Message{
		Kind:   "link",
		Type:   e.Type.String(),
		Link:   e.Link.String(),
		ID:     e.Link.ID().String(),
		Remote: e.Link.Remote().String(),
		Time:   time.Now(),
	}
	if e.Unit != nil {
		m.UnitID = e.Unit.ID
		m.UserType = e.Unit.UserType
		m.Size = len(e.Unit.Payload)
	}
	if e.Elapsed > 0 {
		m.Elapsed = e.Elapsed.Round(time.Millisecond).String()
	}
	return m
}

func managerMessage(e manager.Event) Message {
	return Message{
		Kind:   "manager",
		Type:   e.Type.String(),
		Link:   e.Link.String(),
		ID:     e.Link.ID().String(),
		Remote: e.Link.Remote().String(),
		Time:   time.Now(),
	}
}

// hub fans events out to websocket clients. A client that falls behind by
// more than clientBuffer messages is disconnected.
type hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

func newHub() *hub {
	return &hub{clients: make(map[*client]struct{})}
}

func (h *hub) publishLink(e link.Event)       { h.broadcast(linkMessage(e)) }
func (h *hub) publishManager(e manager.Event) { h.broadcast(managerMessage(e)) }

func (h *hub) broadcast(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		util.LogDebug("monitor: failed to encode event: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			util.LogWarning("monitor: dropping slow client %s", c.conn.RemoteAddr())
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
}

// size returns the number of connected clients.
func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	if !h.add(c) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "monitor closed"))
		conn.Close()
		return
	}

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards client messages; it returns when the client goes away.
func (h *hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *hub) writeLoop(c *client) {
	defer c.conn.Close()

	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(c)
			return
		}
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
