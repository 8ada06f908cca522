package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_BroadcastReachesSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(map[string]string{"type": "run.finished", "runId": "r1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]string
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "r1", msg["runId"])

	conn.Close()
	require.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_BroadcastWithoutSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil)
	go hub.Run(ctx)

	for i := 0; i < 200; i++ {
		hub.Broadcast(map[string]int{"n": i})
	}
	cancel()
	<-hub.done
	assert.Equal(t, 0, hub.Len())
}

type kindMessage struct {
	Kind string `json:"kind"`
}

func (m kindMessage) Topic() string { return m.Kind }

func TestHub_FiltersByKind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?kind=prices"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(kindMessage{Kind: "products"})
	hub.Broadcast(kindMessage{Kind: "prices"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg kindMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "prices", msg.Kind)
}

func TestParseTopics(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?kind=products,%20prices&kind=dedupe", nil)
	assert.Equal(t, map[string]bool{"products": true, "prices": true, "dedupe": true}, parseTopics(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Empty(t, parseTopics(r))
}
