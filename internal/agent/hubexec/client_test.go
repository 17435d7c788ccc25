package hubexec

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ztnet/control-plane/internal/hubchannel"
	"github.com/ztnet/control-plane/pkg/wireproto"
)

func newHubServer(t *testing.T, ch *hubchannel.Channel) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ch.HandleConnect)
	return httptest.NewServer(mux)
}

func TestClient_ExecutesAddPeerCommandRoundTrip(t *testing.T) {
	ch := hubchannel.New(nil, "key", 50*time.Millisecond, time.Second)
	srv := newHubServer(t, ch)
	defer srv.Close()

	exec := NewNoopExecutor(nil)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	client := NewClient(nil, wsURL, "key", 20*time.Millisecond, exec)

	stopCh := make(chan struct{})
	go client.Run(stopCh)
	defer close(stopCh)

	require.Eventually(t, func() bool { return ch.Connected() }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ch.AddPeer(ctx, "peer-key-1", "10.0.0.5/32"))

	require.Eventually(t, func() bool {
		_, ok := exec.GetPeers()["peer-key-1"]
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestClient_SyncPeersReturnsDiff(t *testing.T) {
	ch := hubchannel.New(nil, "key", 50*time.Millisecond, time.Second)
	srv := newHubServer(t, ch)
	defer srv.Close()

	exec := NewNoopExecutor(nil)
	exec.peers["stale-key"] = "10.0.0.9/32"
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	client := NewClient(nil, wsURL, "key", 20*time.Millisecond, exec)

	stopCh := make(chan struct{})
	go client.Run(stopCh)
	defer close(stopCh)

	require.Eventually(t, func() bool { return ch.Connected() }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	diff, err := ch.SyncPeers(ctx, []wireproto.PeerWire{{PublicKey: "fresh-key", AllowedIP: "10.0.0.2/32"}})
	require.NoError(t, err)
	require.Contains(t, diff.Added, "fresh-key")
	require.Contains(t, diff.Removed, "stale-key")
}
