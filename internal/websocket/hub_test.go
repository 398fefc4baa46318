package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ganadoscan/ganadoscan/internal/logger"
	"github.com/ganadoscan/ganadoscan/internal/models"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(logger.Discard().Logger)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) models.FeedMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg models.FeedMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// subscribedTo reports whether some client has a subscription limited to exactly col.
func subscribedTo(hub *Hub, col models.Collection) bool {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	for c := range hub.clients {
		c.mu.RLock()
		ok := len(c.collections) == 1 && c.collections[col]
		c.mu.RUnlock()
		if ok {
			return true
		}
	}
	return false
}

func TestHub_BroadcastFiltersByCollection(t *testing.T) {
	hub, url := startHub(t)
	all := dial(t, url)
	tagsOnly := dial(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, tagsOnly.WriteJSON(models.SubscribeMessage{
		Type: "subscribe", Collections: []models.Collection{models.CollectionTags},
	}))
	require.Eventually(t, func() bool { return subscribedTo(hub, models.CollectionTags) }, 2*time.Second, 5*time.Millisecond)

	hub.Broadcast(models.FeedMessage{Type: models.EventDelete, Collection: models.CollectionBatches, ID: "b1", Seq: 1})
	hub.Broadcast(models.FeedMessage{Type: models.EventDelete, Collection: models.CollectionTags, ID: "t1", Seq: 2})

	first := readMessage(t, all)
	assert.Equal(t, "b1", first.ID)
	assert.Equal(t, "t1", readMessage(t, all).ID)

	got := readMessage(t, tagsOnly)
	assert.Equal(t, "t1", got.ID, "batch change is filtered out")
	assert.Equal(t, uint64(2), got.Seq)
}

func TestHub_IgnoresInvalidSubscribe(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","collections":["cows"]}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	hub.Broadcast(models.FeedMessage{Type: models.EventDelete, Collection: models.CollectionBatches, ID: "b1"})
	assert.Equal(t, "b1", readMessage(t, conn).ID)
}

func TestHub_UnregistersOnClose(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestLocalBroker_Publish(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	broker := NewLocalBroker(hub)
	record, _ := json.Marshal(models.Batch{ID: "b1", Name: "Norte"})
	require.NoError(t, broker.Publish(context.Background(), models.FeedMessage{
		Type: models.EventInsert, Collection: models.CollectionBatches, ID: "b1", Record: record,
	}))

	msg := readMessage(t, conn)
	assert.Equal(t, models.EventInsert, msg.Type)
	assert.JSONEq(t, string(record), string(msg.Record))
	assert.NoError(t, broker.Close())
}

func TestRedisBroker_Relay(t *testing.T) {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	hub, url := startHub(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	broker, err := NewRedisBroker(context.Background(), redisURL, hub, logger.Discard().Logger)
	require.NoError(t, err)
	defer broker.Close()

	require.NoError(t, broker.Publish(context.Background(), models.FeedMessage{
		Type: models.EventDelete, Collection: models.CollectionTags, ID: "t9",
	}))
	assert.Equal(t, "t9", readMessage(t, conn).ID)
}
