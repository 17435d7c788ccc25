package hubchannel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, ch *Channel) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ch.HandleConnect)
	return httptest.NewServer(mux)
}

func dial(t *testing.T, serverURL, apiKey string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws?api_key=" + apiKey
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func TestHandleConnect_WrongAPIKeyClosesWithAuthFailedCode(t *testing.T) {
	ch := New(nil, "correct-key", time.Second, time.Second)
	srv := newTestServer(t, ch)
	defer srv.Close()

	conn := dial(t, srv.URL, "wrong-key")
	defer conn.Close()

	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, 4001, closeErr.Code)
}

func TestHandleConnect_SendsWelcomeFrame(t *testing.T) {
	ch := New(nil, "key", time.Second, time.Second)
	srv := newTestServer(t, ch)
	defer srv.Close()

	conn := dial(t, srv.URL, "key")
	defer conn.Close()

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, "welcome", frame["type"])
}

func TestSendCommand_RoundTrip(t *testing.T) {
	ch := New(nil, "key", time.Second, 2*time.Second)
	srv := newTestServer(t, ch)
	defer srv.Close()

	conn := dial(t, srv.URL, "key")
	defer conn.Close()

	_, _, err := conn.ReadMessage() // welcome
	require.NoError(t, err)

	go func() {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame map[string]interface{}
		json.Unmarshal(raw, &frame)
		conn.WriteJSON(map[string]interface{}{
			"command_id": frame["command_id"],
			"type":       "command_result",
			"success":    true,
			"data":       map[string]interface{}{"ok": true},
		})
	}()

	require.Eventually(t, ch.Connected, time.Second, 10*time.Millisecond)

	resp, err := ch.SendCommand(context.Background(), "ping", nil)
	require.NoError(t, err)
	require.Equal(t, true, resp.Data["ok"])
}

func TestSendCommand_TimesOutWithoutResponse(t *testing.T) {
	ch := New(nil, "key", time.Second, 50*time.Millisecond)
	srv := newTestServer(t, ch)
	defer srv.Close()

	conn := dial(t, srv.URL, "key")
	defer conn.Close()
	_, _, err := conn.ReadMessage() // welcome
	require.NoError(t, err)

	require.Eventually(t, ch.Connected, time.Second, 10*time.Millisecond)

	_, err = ch.SendCommand(context.Background(), "ping", nil)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestSendCommand_DisconnectedWhenNoHubAttached(t *testing.T) {
	ch := New(nil, "key", time.Second, time.Second)
	_, err := ch.SendCommand(context.Background(), "ping", nil)
	require.ErrorIs(t, err, ErrDisconnected)
}
