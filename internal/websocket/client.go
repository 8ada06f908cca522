package websocket

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be shorter than pongWait
	maxInboundSize = 4 * 1024            // subscribers only send control frames
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Admin UI may be served from another origin; the route is JWT-protected
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one run feed subscriber
type Client struct {
	ID     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]bool // empty means every topic
}

// wants reports whether the client subscribed to topic. Untopical messages
// go to everyone.
func (c *Client) wants(topic string) bool {
	return len(c.topics) == 0 || topic == "" || c.topics[topic]
}

// parseTopics reads ?kind=products,prices
func parseTopics(r *http.Request) map[string]bool {
	topics := make(map[string]bool)
	for _, v := range r.URL.Query()["kind"] {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				topics[k] = true
			}
		}
	}
	return topics
}

// ServeWs upgrades the request and subscribes the connection to the feed.
// The subscription ends when the peer goes away or the hub stops.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{
		ID:     "feed_" + uuid.NewString(),
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		topics: parseTopics(r),
	}
	select {
	case hub.register <- c:
	case <-hub.done:
		conn.Close()
		return
	}

	go c.deliver()
	go c.watch()
}

// watch consumes control frames to keep the read deadline moving and
// unregisters the client once the connection drops
func (c *Client) watch() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundSize)
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) }
	_ = extend("")
	c.conn.SetPongHandler(extend)

	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("Run feed read error", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
	}
}

// deliver writes queued messages and keepalive pings until the hub closes
// the send channel or a write fails
func (c *Client) deliver() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		var (
			kind    = websocket.PingMessage
			payload []byte
		)
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"), time.Now().Add(writeWait))
				return
			}
			kind, payload = websocket.TextMessage, msg
		case <-ping.C:
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(kind, payload); err != nil {
			c.hub.log.Debug("Run feed write failed", zap.String("client_id", c.ID), zap.Error(err))
			return
		}
	}
}
