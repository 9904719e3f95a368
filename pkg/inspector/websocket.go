package inspector

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
	wsReadWait     = 60 * time.Second
)

// wsClient is one connected websocket subscriber, fed lifecycle events
// through send.
type wsClient struct {
	conn *websocket.Conn
	send chan Event
}

// hub fans Core lifecycle events out to every connected client. A client
// whose send buffer fills (it isn't reading fast enough) is dropped
// rather than allowed to back-pressure the broadcaster.
type hub struct {
	mu      sync.Mutex
	clients map[*wsClient]bool
	log     *logrus.Entry
}

func newHub(log *logrus.Entry) *hub {
	return &hub{clients: make(map[*wsClient]bool), log: log}
}

func (h *hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- e:
		default:
			h.log.Warn("websocket client too slow, dropping")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// handleWebSocket upgrades the connection and starts its read/write pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsClient{conn: conn, send: make(chan Event, 64)}
	s.hub.register(c)
	go c.writePump()
	go c.readPump(s.hub)
}

// writePump serializes queued events to the connection and pings
// periodically to detect a dead peer; it owns conn's writes exclusively.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			msg := WebSocketMessage{Type: string(event.Type), Timestamp: event.Timestamp, Data: event.Data}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames (pong keepalives; any other payload is
// ignored — the inspector stream is outbound-only) until the connection
// closes, then unregisters the client.
func (c *wsClient) readPump(h *hub) {
	defer h.unregister(c)
	c.conn.SetReadDeadline(time.Now().Add(wsReadWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsReadWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
