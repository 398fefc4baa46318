package remote

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// The server pings every ~54s; a silent connection is dead after this.
	readWait = 75 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024
)

// Subscription is a live change-feed connection.
type Subscription interface {
	// Done is closed when the feed stops delivering events.
	Done() <-chan struct{}
	// Err reports why the feed stopped; nil after a local Close.
	Err() error
	// Close stops listening. Safe to call more than once.
	Close() error
}

type feedSubscription struct {
	conn *websocket.Conn
	done chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *feedSubscription) Done() <-chan struct{} { return s.done }

func (s *feedSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *feedSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	err := s.conn.Close()
	<-s.done
	return err
}

func (s *feedSubscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.err = err
	}
}

// Subscribe opens the change feed for tags and batches. handler is called
// from a single goroutine, in feed order. Malformed frames are logged and dropped.
func (c *Client) Subscribe(ctx context.Context, handler func(models.Event)) (Subscription, error) {
	wsURL := *c.baseURL
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path += "/api/feed"

	header := http.Header{}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx, false)
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized && c.tokens != nil {
			// Force a fresh token on the next attempt.
			_, _ = c.tokens.Token(ctx, true)
		}
		return nil, errors.RemoteUnavailable(err, "subscribe")
	}

	sub := models.SubscribeMessage{
		Type:        "subscribe",
		Collections: []models.Collection{models.CollectionBatches, models.CollectionTags},
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, errors.RemoteUnavailable(err, "subscribe")
	}

	s := &feedSubscription{conn: conn, done: make(chan struct{})}
	go c.readFeed(s, handler)
	return s, nil
}

func (c *Client) readFeed(s *feedSubscription, handler func(models.Event)) {
	defer close(s.done)

	conn := s.conn
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.fail(errors.RemoteUnavailable(err, "feed closed by server"))
			} else {
				s.fail(errors.RemoteUnavailable(err, "feed read"))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		ev, err := DecodeEvent(raw, c.validate)
		if err != nil {
			c.log.Warn("dropping malformed feed event", "error", err)
			continue
		}
		handler(ev)
	}
}
