package reconciler

import (
	"context"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ztnet/control-plane/internal/agentapi"
	"github.com/ztnet/control-plane/internal/config"
	"github.com/ztnet/control-plane/internal/registry"
	"github.com/ztnet/control-plane/pkg/wireproto"
)

type recordingExecutor struct {
	peers []wireproto.PeerWire
	rules []wireproto.ACLRuleWire
	calls int
}

func (e *recordingExecutor) ApplyPeers(peers []wireproto.PeerWire) error {
	e.peers = peers
	e.calls++
	return nil
}

func (e *recordingExecutor) ApplyACLRules(rules []wireproto.ACLRuleWire) error {
	e.rules = rules
	return nil
}

func newTestControlPlane(t *testing.T) (*httptest.Server, *registry.Store) {
	t.Helper()
	_, network, err := net.ParseCIDR("10.0.0.0/24")
	require.NoError(t, err)
	store, err := registry.New(nil, network, 10)
	require.NoError(t, err)
	cfg := &config.RuntimeConfig{HubPublicKey: "hub-pub", HubEndpoint: "hub:51820"}
	api := agentapi.New(nil, store, cfg)
	return httptest.NewServer(api.Router()), store
}

func TestReconciler_RegistersAndAppliesConfigAfterApproval(t *testing.T) {
	srv, store := newTestControlPlane(t)
	defer srv.Close()

	exec := &recordingExecutor{}
	keypairPath := filepath.Join(t.TempDir(), "keypair.json")
	r, err := New(nil, Config{
		HTTPBaseURL:  srv.URL,
		WSBaseURL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/agent",
		Hostname:     "app-01",
		Role:         registry.RoleApp,
		AgentVersion: "1.0.0",
		KeypairPath:  keypairPath,
		PollInterval: 30 * time.Millisecond,
		PingInterval: 30 * time.Millisecond,
	}, exec)
	require.NoError(t, err)

	stopCh := make(chan struct{})
	go func() {
		_ = r.Run(stopCh)
	}()
	defer close(stopCh)

	require.Eventually(t, func() bool {
		node, err := store.GetNodeByHostname("app-01")
		return err == nil && node != nil
	}, time.Second, 10*time.Millisecond)

	node, err := store.GetNodeByHostname("app-01")
	require.NoError(t, err)
	require.Equal(t, registry.StatusPending, node.Status)

	_, err = store.ApproveNode(context.Background(), node.ID, "admin-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return exec.calls > 0 }, 2*time.Second, 20*time.Millisecond)
	require.EqualValues(t, 1, r.lastApplied)
}

func TestLoadOrGenerateKeypair_PersistsAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keypair.json")
	first, err := LoadOrGenerateKeypair(path)
	require.NoError(t, err)
	require.NotEmpty(t, first.PublicKey)

	second, err := LoadOrGenerateKeypair(path)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
