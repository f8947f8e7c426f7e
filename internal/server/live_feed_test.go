package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smukkama/safety-engine/internal/alerting"
	"github.com/smukkama/safety-engine/internal/protocol"
	"github.com/smukkama/safety-engine/pkg/config"
)

func startLiveFeed(t *testing.T) (*httptest.Server, *LiveFeed, *alerting.StateStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := alerting.NewStateStore(client, time.Hour)

	feed := NewLiveFeed(&config.GatewayConfig{
		WriteTimeout: time.Second,
		LiveFeedPing: time.Second,
	}, store, zap.NewNop())
	srv := httptest.NewServer(feed.Router())
	t.Cleanup(func() {
		feed.Close()
		srv.Close()
	})
	return srv, feed, store
}

func dialFeed(t *testing.T, srv *httptest.Server, protectedID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/alerts/" + protectedID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var ack protocol.AckMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, protocol.AckStatusSubscribed, ack.Status)
	return conn
}

func TestLiveFeed_StreamsAlertsOfOneUser(t *testing.T) {
	srv, _, store := startLiveFeed(t)
	conn := dialFeed(t, srv, "alice")
	ctx := context.Background()

	require.NoError(t, store.Publish(ctx, &protocol.AlertNotification{
		Type:        protocol.AlertCountdownStarted,
		ProtectedID: "bob",
		Reason:      "panic button pressed",
	}))
	require.NoError(t, store.Publish(ctx, &protocol.AlertNotification{
		Type:        protocol.AlertEscalated,
		AlertID:     "alert-1",
		ProtectedID: "alice",
		Reason:      "fall detected",
	}))

	var msg protocol.AlertMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, protocol.MsgTypeAlert, msg.Type)
	require.NotNil(t, msg.Notification)
	assert.Equal(t, "alice", msg.Notification.ProtectedID)
	assert.Equal(t, "alert-1", msg.Notification.AlertID)
	assert.Zero(t, msg.RecordSeconds)
}

func TestLiveFeed_CloseEndsStreams(t *testing.T) {
	srv, feed, _ := startLiveFeed(t)
	conn := dialFeed(t, srv, "alice")

	feed.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())
}

func TestLiveFeed_Healthz(t *testing.T) {
	srv, _, _ := startLiveFeed(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/ws/alerts/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
