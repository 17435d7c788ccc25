// Package agentapi is the unauthenticated-by-token, node-facing HTTP
// surface node agents speak to directly (spec.md §6): register, fetch
// canonical config, and heartbeat. Unlike internal/adminapi this has no
// static bearer token — register is open by design (any device can ask to
// join, landing in "pending" until an admin approves it) and config/
// heartbeat are scoped by hostname+public_key instead.
package agentapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	hclog "github.com/hashicorp/go-hclog"
	pkgerrors "github.com/pkg/errors"

	"github.com/ztnet/control-plane/internal/config"
	"github.com/ztnet/control-plane/internal/policy"
	"github.com/ztnet/control-plane/internal/registry"
	"github.com/ztnet/control-plane/pkg/wireproto"
)

// API serves the three agent-facing endpoints spec.md §6 names.
type API struct {
	logger hclog.Logger
	store  *registry.Store
	cfg    *config.RuntimeConfig
}

// New constructs an API bound to store and cfg.
func New(logger hclog.Logger, store *registry.Store, cfg *config.RuntimeConfig) *API {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &API{logger: logger.Named("agentapi"), store: store, cfg: cfg}
}

// Router builds the gorilla/mux router for the three agent endpoints. No
// auth middleware is applied here: register is deliberately open, and
// config/heartbeat authenticate against the registry itself.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/agent/register", a.register).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/agent/config", a.getConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/agent/heartbeat", a.heartbeat).Methods(http.MethodPost)
	return r
}

// register is idempotent on (hostname, public_key): re-registering the
// same pair returns the existing node rather than erroring (spec.md §6).
func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var in wireproto.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "malformed request body")
		return
	}
	node, err := a.store.RegisterNode(r.Context(), registry.RegisterNodeInput{
		Hostname:     in.Hostname,
		PublicKey:    in.PublicKey,
		Role:         in.Role,
		AgentVersion: in.AgentVersion,
		RealIP:       sourceIP(r),
	})
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "register node"))
		return
	}
	writeJSON(w, http.StatusOK, wireproto.RegisterResponse{
		NodeID:       node.ID,
		OverlayIP:    node.OverlayIP,
		HubPublicKey: a.cfg.HubPublicKey,
		HubEndpoint:  a.cfg.HubEndpoint,
		AllowedIPs:   a.cfg.AllowedIPs,
		DNSServers:   a.cfg.DNSServers,
		Status:       node.Status,
	})
}

// getConfig returns the canonical peer-set and ACL-set compiled for a
// single active node. A non-active node gets 403, matching spec.md §6 and
// §7's explicit "a suspended or pending node must not receive peers."
func (a *API) getConfig(w http.ResponseWriter, r *http.Request) {
	hostname := r.URL.Query().Get("hostname")
	if hostname == "" {
		writeError(w, http.StatusBadRequest, "invalid", "hostname is required")
		return
	}
	node, err := a.store.GetNodeByHostname(hostname)
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "lookup node by hostname"))
		return
	}
	if node.Status != registry.StatusActive {
		writeError(w, http.StatusForbidden, "not_active", "node is not active")
		return
	}

	allNodes, err := a.store.ListNodes("")
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "list nodes for config compilation"))
		return
	}
	rules, err := a.store.ListACLRules()
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "list acl rules for config compilation"))
		return
	}
	version, err := a.store.ConfigVersion()
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "read config version"))
		return
	}

	writeJSON(w, http.StatusOK, wireproto.ConfigResponse{
		OverlayIP:     node.OverlayIP,
		HubPublicKey:  a.cfg.HubPublicKey,
		HubEndpoint:   a.cfg.HubEndpoint,
		Peers:         toPeerWire(policy.CompilePeerSet(allNodes)),
		ACLRules:      toACLRuleWire(policy.CompileNodeACL(node, allNodes, rules)),
		ConfigVersion: version,
		Status:        node.Status,
	})
}

// heartbeat records liveness, feeds the integrity verifier when a hash is
// reported, and sets config_changed when that integrity report moved the
// node to a new status or when config_version advanced while this request
// was being handled. It does not compare against the version the agent
// last fetched.
func (a *API) heartbeat(w http.ResponseWriter, r *http.Request) {
	var in wireproto.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "malformed request body")
		return
	}
	node, err := a.store.GetNodeByHostname(in.Hostname)
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "lookup node by hostname"))
		return
	}
	if node.PublicKey != in.PublicKey {
		writeError(w, http.StatusForbidden, "mismatch", "public_key does not match registered node")
		return
	}

	lastVersion, err := a.store.ConfigVersion()
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "read config version"))
		return
	}

	if _, err := a.store.UpdateHeartbeat(in.Hostname, sourceIP(r)); err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "record heartbeat"))
		return
	}

	configChanged := false
	if in.AgentHash != "" {
		_, outcome, err := a.store.ReportIntegrity(r.Context(), in.Hostname, in.AgentHash)
		if err != nil {
			writeStoreError(w, pkgerrors.Wrap(err, "report integrity"))
			return
		}
		if outcome.NewStatus != "" && outcome.NewStatus != node.Status {
			configChanged = true
		}
	}
	if v, err := a.store.ConfigVersion(); err == nil && v > lastVersion {
		configChanged = true
	}

	writeJSON(w, http.StatusOK, wireproto.HeartbeatResponse{Success: true, ConfigChanged: configChanged})
}

func toPeerWire(peers []policy.Peer) []wireproto.PeerWire {
	out := make([]wireproto.PeerWire, len(peers))
	for i, p := range peers {
		out[i] = wireproto.PeerWire{PublicKey: p.PublicKey, AllowedIP: p.AllowedIP}
	}
	return out
}

func toACLRuleWire(entries []policy.ACLEntry) []wireproto.ACLRuleWire {
	out := make([]wireproto.ACLRuleWire, len(entries))
	for i, e := range entries {
		out[i] = wireproto.ACLRuleWire{
			SrcIP: e.SrcIP, DstIP: e.DstIP, Protocol: e.Protocol,
			Port: e.Port, Action: e.Action, Description: e.Description,
		}
	}
	return out
}

func sourceIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type errorEnvelope struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorEnvelope{Error: msg, ErrorCode: code})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, registry.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, registry.ErrInvalid), errors.Is(err, registry.ErrReferentialViolation):
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
