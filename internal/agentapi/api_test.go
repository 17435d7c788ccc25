package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ztnet/control-plane/internal/config"
	"github.com/ztnet/control-plane/internal/registry"
	"github.com/ztnet/control-plane/pkg/wireproto"
)

func newTestAPI(t *testing.T) (*API, *registry.Store) {
	t.Helper()
	_, network, err := net.ParseCIDR("10.0.0.0/24")
	require.NoError(t, err)
	store, err := registry.New(nil, network, 10)
	require.NoError(t, err)
	cfg := &config.RuntimeConfig{
		HubPublicKey: "hub-pub",
		HubEndpoint:  "hub.example.com:51820",
		AllowedIPs:   []string{"10.0.0.0/24"},
	}
	return New(nil, store, cfg), store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRegister_FreshAndIdempotent(t *testing.T) {
	api, _ := newTestAPI(t)
	router := api.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/agent/register", wireproto.RegisterRequest{
		Hostname: "app-01", Role: registry.RoleApp, PublicKey: "K1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var first wireproto.RegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.Equal(t, registry.StatusPending, first.Status)
	require.Equal(t, "hub-pub", first.HubPublicKey)

	rec2 := doJSON(t, router, http.MethodPost, "/api/v1/agent/register", wireproto.RegisterRequest{
		Hostname: "app-01", Role: registry.RoleApp, PublicKey: "K1",
	})
	require.Equal(t, http.StatusOK, rec2.Code)
	var second wireproto.RegisterResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &second))
	require.Equal(t, first.NodeID, second.NodeID)
	require.Equal(t, first.OverlayIP, second.OverlayIP)
}

func TestGetConfig_ForbiddenUntilApproved(t *testing.T) {
	api, store := newTestAPI(t)
	router := api.Router()

	node, err := store.RegisterNode(context.Background(), registry.RegisterNodeInput{
		Hostname: "app-01", Role: registry.RoleApp, PublicKey: "K1",
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/agent/config?hostname=app-01", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	_, err = store.ApproveNode(context.Background(), node.ID, "admin-1")
	require.NoError(t, err)

	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/v1/agent/config?hostname=app-01", nil))
	require.Equal(t, http.StatusOK, rec2.Code)
	var cfg wireproto.ConfigResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &cfg))
	require.EqualValues(t, 1, cfg.ConfigVersion)
	require.Equal(t, registry.StatusActive, cfg.Status)
}

func TestHeartbeat_RejectsPublicKeyMismatch(t *testing.T) {
	api, store := newTestAPI(t)
	router := api.Router()

	_, err := store.RegisterNode(context.Background(), registry.RegisterNodeInput{
		Hostname: "app-01", Role: registry.RoleApp, PublicKey: "K1",
	})
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/agent/heartbeat", wireproto.HeartbeatRequest{
		Hostname: "app-01", PublicKey: "wrong-key",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHeartbeat_SucceedsAndFeedsIntegrity(t *testing.T) {
	api, store := newTestAPI(t)
	router := api.Router()

	node, err := store.RegisterNode(context.Background(), registry.RegisterNodeInput{
		Hostname: "app-01", Role: registry.RoleApp, PublicKey: "K1",
	})
	require.NoError(t, err)
	_, err = store.ApproveNode(context.Background(), node.ID, "admin-1")
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/agent/heartbeat", wireproto.HeartbeatRequest{
		Hostname: "app-01", PublicKey: "K1", AgentHash: "abc123",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp wireproto.HeartbeatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)

	refreshed, err := store.GetNode(node.ID)
	require.NoError(t, err)
	require.Equal(t, "abc123", refreshed.LastReportedHash)
}
