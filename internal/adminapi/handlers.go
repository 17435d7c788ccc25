package adminapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	pkgerrors "github.com/pkg/errors"

	"github.com/ztnet/control-plane/internal/policy"
	"github.com/ztnet/control-plane/internal/registry"
	"github.com/ztnet/control-plane/pkg/wireproto"
)

const actorAdmin = "admin"

func (a *API) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := a.store.ListNodes(r.URL.Query().Get("status"))
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "list nodes"))
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (a *API) getNode(w http.ResponseWriter, r *http.Request) {
	node, err := a.store.GetNode(mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "get node"))
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (a *API) deleteNode(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteNode(r.Context(), mux.Vars(r)["id"], actorAdmin); err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "delete node"))
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (a *API) approveNode(w http.ResponseWriter, r *http.Request) {
	node, err := a.store.ApproveNode(r.Context(), mux.Vars(r)["id"], actorAdmin)
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "approve node"))
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (a *API) suspendNode(w http.ResponseWriter, r *http.Request) {
	node, err := a.store.SuspendNode(r.Context(), mux.Vars(r)["id"], actorAdmin)
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "suspend node"))
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (a *API) resumeNode(w http.ResponseWriter, r *http.Request) {
	node, err := a.store.ResumeNode(r.Context(), mux.Vars(r)["id"], actorAdmin)
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "resume node"))
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (a *API) revokeNode(w http.ResponseWriter, r *http.Request) {
	node, err := a.store.RevokeNode(r.Context(), mux.Vars(r)["id"], actorAdmin)
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "revoke node"))
		return
	}
	if a.hub != nil {
		_ = a.hub.RemovePeer(r.Context(), node.PublicKey)
	}
	writeJSON(w, http.StatusOK, node)
}

func (a *API) approveIntegrity(w http.ResponseWriter, r *http.Request) {
	node, err := a.store.ApproveIntegrity(r.Context(), mux.Vars(r)["id"], actorAdmin)
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "approve integrity"))
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (a *API) listPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := a.store.ListPolicies()
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "list policies"))
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

func (a *API) createPolicy(w http.ResponseWriter, r *http.Request) {
	var in registry.CreatePolicyInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}
	created, err := a.store.CreatePolicy(r.Context(), in, actorAdmin)
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "create policy"))
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) getPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := a.store.GetPolicy(mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "get policy"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) updatePolicy(w http.ResponseWriter, r *http.Request) {
	var in registry.CreatePolicyInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}
	updated, err := a.store.UpdatePolicy(r.Context(), mux.Vars(r)["id"], in, actorAdmin)
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "update policy"))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) deletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeletePolicy(r.Context(), mux.Vars(r)["id"], actorAdmin); err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "delete policy"))
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (a *API) listACLRules(w http.ResponseWriter, r *http.Request) {
	rules, err := a.store.ListACLRules()
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "list acl rules"))
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (a *API) createACLRule(w http.ResponseWriter, r *http.Request) {
	var in registry.CreateACLRuleInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}
	created, err := a.store.CreateACLRule(r.Context(), in, actorAdmin)
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "create acl rule"))
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) deleteACLRule(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteACLRule(r.Context(), mux.Vars(r)["id"], actorAdmin); err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "delete acl rule"))
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.ListUsers()
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "list users"))
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}
	user, err := a.store.CreateUser(r.Context(), in.Username, actorAdmin)
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "create user"))
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) deleteUser(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteUser(r.Context(), mux.Vars(r)["id"], actorAdmin); err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "delete user"))
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (a *API) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.store.ListGroups()
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "list groups"))
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (a *API) createGroup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name          string `json:"name"`
		ParentGroupID string `json:"parent_group_id"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}
	group, err := a.store.CreateGroup(r.Context(), in.Name, in.ParentGroupID, actorAdmin)
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "create group"))
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (a *API) deleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteGroup(r.Context(), mux.Vars(r)["id"], actorAdmin); err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "delete group"))
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (a *API) updateGroupParent(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ParentGroupID string `json:"parent_group_id"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}
	group, err := a.store.UpdateGroupParent(r.Context(), mux.Vars(r)["id"], in.ParentGroupID, actorAdmin)
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "update group parent"))
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// bulkAddMemberships adds many (user_id, role) pairs to a group, reporting
// per-item success/failure rather than all-or-nothing (spec.md §4.8).
func (a *API) bulkAddMemberships(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["id"]
	var items []struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := decodeBody(r, &items); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	results := make([]bulkItemResult, len(items))
	for i, item := range items {
		_, err := a.store.AddMembership(r.Context(), item.UserID, groupID, item.Role, actorAdmin)
		if err != nil {
			results[i] = bulkItemResult{Index: i, Success: false, Error: err.Error()}
			continue
		}
		results[i] = bulkItemResult{Index: i, Success: true}
	}

	if err := aggregateBulkErrors(results); err != nil {
		a.logger.Warn("bulk membership add had partial failures", "group_id", groupID, "error", err)
	}
	writeJSON(w, http.StatusOK, results)
}

func (a *API) removeMembership(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.store.RemoveMembership(r.Context(), vars["userID"], vars["id"], actorAdmin); err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "remove membership"))
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (a *API) networkStats(w http.ResponseWriter, r *http.Request) {
	nodes, err := a.store.ListNodes("")
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "list nodes for network stats"))
		return
	}
	version, err := a.store.ConfigVersion()
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "read config version for network stats"))
		return
	}
	stats := map[string]interface{}{
		"total_nodes":    len(nodes),
		"ip_pool_free":   a.store.IPPoolStats().Free,
		"config_version": version,
		"hub_connected":  a.hub != nil && a.hub.Connected(),
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) setGlobalExpectedHash(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Hash string `json:"hash"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}
	if err := a.store.SetGlobalExpectedHash(r.Context(), in.Hash, actorAdmin); err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "set global expected hash"))
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (a *API) setKnownGoodHash(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AgentVersion string `json:"agent_version"`
		Hash         string `json:"hash"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}
	if err := a.store.SetKnownGoodHash(r.Context(), in.AgentVersion, in.Hash, actorAdmin); err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "set known-good hash"))
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (a *API) hubStatus(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil || !a.hub.Connected() {
		writeError(w, http.StatusServiceUnavailable, "disconnected", "hub agent is not connected")
		return
	}
	status, err := a.hub.GetStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", pkgerrors.Wrap(err, "get hub status").Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// hubSyncPeers recompiles the active-node peer set and pushes it to the hub
// as an authoritative sync_peers command (spec.md §4.6's "registry-driven"
// reconciliation backstop, exposed here as the admin-forced path spec.md
// §7 calls "5xx on admin-forced sync" when the channel is disconnected).
func (a *API) hubSyncPeers(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil || !a.hub.Connected() {
		writeError(w, http.StatusServiceUnavailable, "disconnected", "hub agent is not connected")
		return
	}
	nodes, err := a.store.ListNodes("")
	if err != nil {
		writeStoreError(w, pkgerrors.Wrap(err, "list nodes for hub sync"))
		return
	}
	peers := policy.CompilePeerSet(nodes)
	wirePeers := make([]wireproto.PeerWire, len(peers))
	for i, p := range peers {
		wirePeers[i] = wireproto.PeerWire{PublicKey: p.PublicKey, AllowedIP: p.AllowedIP}
	}

	diff, err := a.hub.SyncPeers(context.Background(), wirePeers)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", pkgerrors.Wrap(err, "dispatch sync_peers").Error())
		return
	}
	writeJSON(w, http.StatusOK, diff)
}
