// Package adminapi is the admin-token-gated REST surface (spec.md §4.8):
// nodes, policies, users, groups, memberships, the legacy ACL rule model,
// network stats, IP allocations, integrity, and hub peer management.
package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/ztnet/control-plane/internal/hubchannel"
	"github.com/ztnet/control-plane/internal/registry"
)

// API wires the registry, policy compiler, and hub channel into an HTTP
// router gated by a fixed admin token header (spec.md §6: "X-Admin-Token:
// <ADMIN_SECRET>").
type API struct {
	logger     hclog.Logger
	store      *registry.Store
	hub        *hubchannel.Channel
	adminToken string
}

// New constructs an API. hub may be nil when the hub channel is not yet
// wired (e.g. in tests exercising the registry-facing routes only).
func New(logger hclog.Logger, store *registry.Store, hub *hubchannel.Channel, adminToken string) *API {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &API{logger: logger.Named("adminapi"), store: store, hub: hub, adminToken: adminToken}
}

// Router builds the gorilla/mux router with the admin-token middleware
// applied to every route (spec.md §4.8, §6).
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(a.requireAdminToken)

	r.HandleFunc("/api/v1/admin/nodes", a.listNodes).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/admin/nodes/{id}", a.getNode).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/admin/nodes/{id}", a.deleteNode).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/admin/nodes/{id}/approve", a.approveNode).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/admin/nodes/{id}/suspend", a.suspendNode).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/admin/nodes/{id}/resume", a.resumeNode).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/admin/nodes/{id}/revoke", a.revokeNode).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/admin/nodes/{id}/integrity/approve", a.approveIntegrity).Methods(http.MethodPost)

	r.HandleFunc("/api/v1/admin/policies", a.listPolicies).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/admin/policies", a.createPolicy).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/admin/policies/{id}", a.getPolicy).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/admin/policies/{id}", a.updatePolicy).Methods(http.MethodPut)
	r.HandleFunc("/api/v1/admin/policies/{id}", a.deletePolicy).Methods(http.MethodDelete)

	r.HandleFunc("/api/v1/admin/acl-rules", a.listACLRules).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/admin/acl-rules", a.createACLRule).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/admin/acl-rules/{id}", a.deleteACLRule).Methods(http.MethodDelete)

	r.HandleFunc("/api/v1/admin/users", a.listUsers).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/admin/users", a.createUser).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/admin/users/{id}", a.deleteUser).Methods(http.MethodDelete)

	r.HandleFunc("/api/v1/admin/groups", a.listGroups).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/admin/groups", a.createGroup).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/admin/groups/{id}", a.deleteGroup).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/admin/groups/{id}/parent", a.updateGroupParent).Methods(http.MethodPut)
	r.HandleFunc("/api/v1/admin/groups/{id}/memberships/bulk", a.bulkAddMemberships).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/admin/groups/{id}/memberships/{userID}", a.removeMembership).Methods(http.MethodDelete)

	r.HandleFunc("/api/v1/admin/network/stats", a.networkStats).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/admin/integrity/global-hash", a.setGlobalExpectedHash).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/admin/integrity/known-good", a.setKnownGoodHash).Methods(http.MethodPost)

	r.HandleFunc("/api/v1/admin/hub/status", a.hubStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/admin/hub/sync_peers", a.hubSyncPeers).Methods(http.MethodPost)

	return r
}

func (a *API) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Admin-Token") != a.adminToken || a.adminToken == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid X-Admin-Token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// errorEnvelope is the stable error_code response shape (spec.md §7).
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

// writeStoreError translates a registry error into the spec.md §7 HTTP
// status code / error_code pairing.
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

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// bulkItemResult is one element of a bulk operation's per-item report
// (spec.md §4.8: "Bulk operations ... report per-item success/failure
// rather than all-or-nothing").
type bulkItemResult struct {
	Index   int    `json:"index"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// aggregateBulkErrors builds the multierror the Admin API logs for a bulk
// batch, per DESIGN.md's ambient-stack choice of go-multierror for batch
// validation.
func aggregateBulkErrors(results []bulkItemResult) error {
	var result *multierror.Error
	for _, r := range results {
		if !r.Success {
			result = multierror.Append(result, errors.New(r.Error))
		}
	}
	return result.ErrorOrNil()
}
