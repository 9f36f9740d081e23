package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sally/internal/domain"
)

const (
	MessageView          = "view"
	MessageListen        = "listen"
	MessageStopListening = "stop-listening"
	MessagePermission    = "permission"
	MessagePlay          = "play"
	MessageStop          = "stop"
	MessagePurchase      = "purchase"
)

const (
	writeTimeout   = 5 * time.Second
	pingInterval   = 30 * time.Second
	clientSendSize = 32
	maxClientFrame = 4096
)

// Message is one frame pushed to connected pages.
type Message struct {
	Type    string       `json:"type"`
	View    *domain.View `json:"view,omitempty"`
	Device  string       `json:"device,omitempty"`
	AssetID string       `json:"assetId,omitempty"`
	URI     string       `json:"uri,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

// Hub fans views and device commands out to every connected page. It is
// the web Presenter and never blocks the caller: a client whose buffer is
// full is disconnected.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	last    *domain.View
}

func NewHub(allowedOrigin string, logger *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "" || allowedOrigin == "*" || origin == "" || origin == allowedOrigin
			},
		},
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) Render(view domain.View) {
	h.mu.Lock()
	h.last = &view
	h.mu.Unlock()

	h.Broadcast(Message{Type: MessageView, View: &view})
}

// PromptSubscription asks the page to open the subscription flow.
func (h *Hub) PromptSubscription(_ context.Context) {
	h.Broadcast(Message{Type: MessagePurchase})
}

// Broadcast queues msg for every page. Sends to c.send must stay
// non-blocking and happen under h.mu: removeLocked closes the channel, and a
// blocking send here would stall every caller behind one slow writeLoop.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("dropping slow websocket client")
			h.removeLocked(c)
		}
	}
}

// Connected reports how many pages are attached.
func (h *Hub) Connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxClientFrame)

	c := &client{conn: conn, send: make(chan Message, clientSendSize)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	if h.last != nil {
		view := *h.last
		c.send <- Message{Type: MessageView, View: &view}
	}
	h.mu.Unlock()

	h.logger.Info("page connected", "remote_addr", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop only watches for the connection going away; device reports
// arrive over REST.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.mu.Lock()
		h.removeLocked(c)
		h.mu.Unlock()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				h.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Close disconnects every page.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}
