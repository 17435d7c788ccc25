package policy

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ztnet/control-plane/internal/registry"
)

func node(hostname, role, ip, status string) *registry.Node {
	return &registry.Node{ID: hostname, Hostname: hostname, Role: role, OverlayIP: ip, Status: status, PublicKey: "pk-" + hostname}
}

// TestCompileNodeACL_DBNodeExample mirrors the worked example of an app
// tier talking to a db node over tcp/5432, with a suspended peer excluded.
func TestCompileNodeACL_DBNodeExample(t *testing.T) {
	target := node("db-01", registry.RoleDB, "10.0.0.3", registry.StatusActive)
	nodes := []*registry.Node{
		node("app-01", registry.RoleApp, "10.0.0.2", registry.StatusActive),
		node("app-02", registry.RoleApp, "10.0.0.4", registry.StatusSuspended),
		target,
	}
	rules := []*registry.LegacyACLRule{
		{ID: "r1", SrcRole: registry.RoleApp, DstRole: registry.RoleDB, Port: 5432, Protocol: "tcp", Action: registry.ActionAllow, Enabled: true},
	}

	entries := CompileNodeACL(target, nodes, rules)

	require.True(t, len(entries) >= 4, "expect the matched rule plus the three trailing rules")
	require.Equal(t, "10.0.0.2", entries[0].SrcIP)
	require.Equal(t, "10.0.0.3", entries[0].DstIP)
	require.Equal(t, 5432, entries[0].Port)

	for _, e := range entries {
		require.NotEqual(t, "10.0.0.4", e.SrcIP, "suspended node must never appear as an ACL source")
	}

	last := entries[len(entries)-1]
	require.Equal(t, registry.ActionDeny, last.Action)
	require.Equal(t, "default-drop", last.Description)
}

func TestCompileNodeACL_DisabledRuleIgnored(t *testing.T) {
	target := node("db-01", registry.RoleDB, "10.0.0.3", registry.StatusActive)
	nodes := []*registry.Node{node("app-01", registry.RoleApp, "10.0.0.2", registry.StatusActive), target}
	rules := []*registry.LegacyACLRule{
		{ID: "r1", SrcRole: registry.RoleApp, DstRole: registry.RoleDB, Port: 5432, Protocol: "tcp", Action: registry.ActionAllow, Enabled: false},
	}

	entries := CompileNodeACL(target, nodes, rules)
	require.Len(t, entries, 3, "only the trailing established/icmp/deny rules should be present")
}

func TestCompileNodeACL_WildcardDstRole(t *testing.T) {
	target := node("ops-01", registry.RoleOps, "10.0.0.5", registry.StatusActive)
	nodes := []*registry.Node{node("monitor-01", registry.RoleMonitor, "10.0.0.6", registry.StatusActive), target}
	rules := []*registry.LegacyACLRule{
		{ID: "r1", SrcRole: registry.RoleMonitor, DstRole: "*", Port: 9100, Protocol: "tcp", Action: registry.ActionAllow, Enabled: true},
	}

	entries := CompileNodeACL(target, nodes, rules)
	require.Equal(t, "10.0.0.6", entries[0].SrcIP)
}

func TestCompilePeerSet_OnlyActiveNodes(t *testing.T) {
	nodes := []*registry.Node{
		node("a", registry.RoleApp, "10.0.0.2", registry.StatusActive),
		node("b", registry.RoleApp, "10.0.0.3", registry.StatusSuspended),
		node("c", registry.RoleApp, "10.0.0.4", registry.StatusRevoked),
		node("d", registry.RoleApp, "10.0.0.5", registry.StatusPending),
	}
	peers := CompilePeerSet(nodes)
	require.Len(t, peers, 1)
	require.Equal(t, "10.0.0.2/32", peers[0].AllowedIP)
}

func TestEvaluateAccess_DeniedByDefaultWhenNoPolicyMatches(t *testing.T) {
	decision := EvaluateAccess("alice", nil, registry.ResourceDomain, "db.internal.example.com", AccessContext{Now: time.Now()}, nil)
	require.Equal(t, registry.ActionDeny, decision.Action)
}

func TestEvaluateAccess_GroupSubjectWildcardDomain(t *testing.T) {
	groups := map[string]bool{"eng": true}
	policies := []*registry.Policy{
		{ID: "p1", SubjectType: registry.SubjectGroup, SubjectID: "eng", ResourceType: registry.ResourceDomain,
			ResourceValue: "*.internal.example.com", Action: registry.ActionAllow, Priority: 100, Enabled: true},
	}
	decision := EvaluateAccess("alice", groups, registry.ResourceDomain, "db.internal.example.com", AccessContext{Now: time.Now()}, policies)
	require.Equal(t, registry.ActionAllow, decision.Action)
	require.Equal(t, "p1", decision.MatchedPolicy.ID)
}

func TestEvaluateAccess_LowerPriorityNumberWins(t *testing.T) {
	policies := []*registry.Policy{
		{ID: "allow-all", SubjectType: registry.SubjectAll, ResourceType: registry.ResourceZone, ResourceValue: "prod",
			Action: registry.ActionAllow, Priority: 500, Enabled: true},
		{ID: "deny-alice", SubjectType: registry.SubjectUser, SubjectID: "alice", ResourceType: registry.ResourceZone,
			ResourceValue: "prod", Action: registry.ActionDeny, Priority: 10, Enabled: true},
	}
	decision := EvaluateAccess("alice", nil, registry.ResourceZone, "prod", AccessContext{Now: time.Now()}, policies)
	require.Equal(t, registry.ActionDeny, decision.Action)
	require.Equal(t, "deny-alice", decision.MatchedPolicy.ID)
}

func TestEvaluateAccess_RequireVPNCondition(t *testing.T) {
	policies := []*registry.Policy{
		{ID: "p1", SubjectType: registry.SubjectAll, ResourceType: registry.ResourceService, ResourceValue: "billing",
			Action: registry.ActionAllow, Priority: 100, Enabled: true,
			Conditions: registry.PolicyConditions{RequireVPN: true}},
	}
	ctxNoVPN := AccessContext{Now: time.Now(), VPNPresent: false}
	require.Equal(t, registry.ActionDeny, EvaluateAccess("bob", nil, registry.ResourceService, "billing", ctxNoVPN, policies).Action)

	ctxVPN := AccessContext{Now: time.Now(), VPNPresent: true}
	require.Equal(t, registry.ActionAllow, EvaluateAccess("bob", nil, registry.ResourceService, "billing", ctxVPN, policies).Action)
}

func TestEvaluateAccess_ClientCIDRCondition(t *testing.T) {
	policies := []*registry.Policy{
		{ID: "p1", SubjectType: registry.SubjectAll, ResourceType: registry.ResourceService, ResourceValue: "admin-panel",
			Action: registry.ActionAllow, Priority: 100, Enabled: true,
			Conditions: registry.PolicyConditions{ClientCIDRs: []string{"10.0.0.0/24"}}},
	}
	inRange := AccessContext{Now: time.Now(), ClientIP: net.ParseIP("10.0.0.50")}
	require.Equal(t, registry.ActionAllow, EvaluateAccess("bob", nil, registry.ResourceService, "admin-panel", inRange, policies).Action)

	outOfRange := AccessContext{Now: time.Now(), ClientIP: net.ParseIP("192.168.1.50")}
	require.Equal(t, registry.ActionDeny, EvaluateAccess("bob", nil, registry.ResourceService, "admin-panel", outOfRange, policies).Action)
}

func TestEvaluateAccess_ValidityWindow(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour)
	policies := []*registry.Policy{
		{ID: "p1", SubjectType: registry.SubjectAll, ResourceType: registry.ResourceService, ResourceValue: "temp-access",
			Action: registry.ActionAllow, Priority: 100, Enabled: true, ValidUntil: &past},
	}
	decision := EvaluateAccess("bob", nil, registry.ResourceService, "temp-access", AccessContext{Now: time.Now()}, policies)
	require.Equal(t, registry.ActionDeny, decision.Action, "expired policy should no longer match")
}
