package nodechannel

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, m *Manager) *httptest.Server {
	t.Helper()
	r := mux.NewRouter()
	r.HandleFunc("/ws/{hostname}", m.HandleConnect)
	return httptest.NewServer(r)
}

func dial(t *testing.T, serverURL, hostname, publicKey string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws/" + hostname + "?public_key=" + publicKey
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func goodKeyAuth(hostname, publicKey string) bool { return publicKey == "good-key" }

func TestHandleConnect_RejectsBadPublicKey(t *testing.T) {
	m := NewManager(nil, time.Second, goodKeyAuth, nil)
	srv := newTestServer(t, m)
	defer srv.Close()

	conn := dial(t, srv.URL, "app-01", "wrong-key")
	defer conn.Close()

	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, 4001, closeErr.Code)
}

func TestPingPong(t *testing.T) {
	m := NewManager(nil, time.Second, goodKeyAuth, nil)
	srv := newTestServer(t, m)
	defer srv.Close()

	conn := dial(t, srv.URL, "app-01", "good-key")
	defer conn.Close()
	require.Eventually(t, func() bool { return m.Connected("app-01") }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ping"}))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, "pong", frame["type"])
}

func TestHeartbeat_InvokesCallbackAndAcks(t *testing.T) {
	var mu sync.Mutex
	var gotHostname string
	var gotData map[string]interface{}

	m := NewManager(nil, time.Second, goodKeyAuth, func(hostname string, data map[string]interface{}) {
		mu.Lock()
		defer mu.Unlock()
		gotHostname = hostname
		gotData = data
	})
	srv := newTestServer(t, m)
	defer srv.Close()

	conn := dial(t, srv.URL, "app-01", "good-key")
	defer conn.Close()
	require.Eventually(t, func() bool { return m.Connected("app-01") }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "heartbeat", "data": map[string]interface{}{"agent_hash": "abc"}}))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, "heartbeat_ack", frame["type"])

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotHostname == "app-01"
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "abc", gotData["agent_hash"])
}

func TestNewConnectSupersedesOld(t *testing.T) {
	m := NewManager(nil, time.Second, goodKeyAuth, nil)
	srv := newTestServer(t, m)
	defer srv.Close()

	first := dial(t, srv.URL, "app-01", "good-key")
	defer first.Close()
	require.Eventually(t, func() bool { return m.Connected("app-01") }, time.Second, 10*time.Millisecond)

	second := dial(t, srv.URL, "app-01", "good-key")
	defer second.Close()

	_, _, err := first.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, 1000, closeErr.Code)
}

func TestNotifyConfigUpdate_BroadcastsToAllConnected(t *testing.T) {
	m := NewManager(nil, time.Second, goodKeyAuth, nil)
	srv := newTestServer(t, m)
	defer srv.Close()

	a := dial(t, srv.URL, "app-01", "good-key")
	defer a.Close()
	b := dial(t, srv.URL, "app-02", "good-key")
	defer b.Close()
	require.Eventually(t, func() bool { return m.ConnectedCount() == 2 }, time.Second, 10*time.Millisecond)

	delivered := m.NotifyConfigUpdate(nil)
	require.Equal(t, 2, delivered)

	for _, conn := range []*websocket.Conn{a, b} {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &frame))
		require.Equal(t, "config_updated", frame["type"])
	}
}
