package websocket

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func dialRoom(t *testing.T, hub *Hub, project string) *websocket.Conn {
	t.Helper()
	r := gin.New()
	r.GET("/api/v1/projects/:name/events", hub.HandleWebSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/projects/" + project + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.SubscriberCount(project) == 1 },
		time.Second, 10*time.Millisecond, "subscription must register")
	return conn
}

func TestBroadcastReachesRoomSubscriber(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Shutdown()

	conn := dialRoom(t, hub, "shop")
	hub.Broadcast("shop", MessageTypeBuildStarted, map[string]int{"requirement_bytes": 12})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, MessageTypeBuildStarted, msg.Type)
	assert.Equal(t, "shop", msg.Project)
}

func TestBroadcastStaysInsideRoom(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Shutdown()

	conn := dialRoom(t, hub, "blog")
	hub.Broadcast("shop", MessageTypeBuildFinished, nil)
	hub.Broadcast("blog", MessageTypeBuildFinished, nil)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "blog", msg.Project, "subscribers see only their own room")
}

func TestShutdownClosesSubscribers(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	conn := dialRoom(t, hub, "shop")
	hub.Shutdown()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "shutdown closes the connection")
}

func TestSubscribeAfterShutdownCloses(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	hub.Shutdown()

	r := gin.New()
	r.GET("/api/v1/projects/:name/events", hub.HandleWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/projects/shop/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "the upgrade itself still succeeds")
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "a stopped hub rejects the subscription instead of blocking")
	assert.Zero(t, hub.SubscriberCount("shop"))
}

func TestDisconnectLeavesRoom(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Shutdown()

	conn := dialRoom(t, hub, "shop")
	conn.Close()

	assert.Eventually(t, func() bool { return hub.SubscriberCount("shop") == 0 },
		time.Second, 10*time.Millisecond)
}
