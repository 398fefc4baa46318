package websocket

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/ganadoscan/ganadoscan/internal/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Control messages from feed clients are tiny.
	maxMessageSize = 4 * 1024

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS layer and bearer auth.
	CheckOrigin: func(r *http.Request) bool { return true },
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	remote string

	mu          sync.RWMutex
	collections map[models.Collection]bool
}

// wants reports whether the client subscribed to collection. A client that
// has not sent a subscribe message receives everything.
func (c *Client) wants(collection models.Collection) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collections == nil || c.collections[collection]
}

func (c *Client) subscribe(msg models.SubscribeMessage) {
	set := make(map[models.Collection]bool, len(msg.Collections))
	for _, col := range msg.Collections {
		set[col] = true
	}
	c.mu.Lock()
	c.collections = set
	c.mu.Unlock()
}

// readPump handles subscribe messages until the connection fails.
func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.Debug("feed read error", "remote", c.remote, "error", err)
			}
			return
		}

		var msg models.SubscribeMessage
		dec := json.NewDecoder(bytes.NewReader(message))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&msg); err != nil {
			c.hub.log.Warn("ignoring malformed feed message", "remote", c.remote, "error", err)
			continue
		}
		if err := validate.Struct(msg); err != nil {
			c.hub.log.Warn("ignoring invalid subscribe message", "remote", c.remote, "error", err)
			continue
		}
		c.subscribe(msg)
	}
}

// writePump pumps messages from the hub to the websocket connection.
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
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// ServeWs upgrades the request and attaches the connection to the hub.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("feed upgrade failed", "error", err)
		return
	}
	client := &Client{hub: hub, conn: conn, send: make(chan []byte, sendBuffer), remote: r.RemoteAddr}
	if !hub.enter(client) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
