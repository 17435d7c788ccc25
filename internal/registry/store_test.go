package registry

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ztnet/control-plane/internal/eventbus"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	_, network, err := net.ParseCIDR("10.0.0.0/24")
	require.NoError(t, err)
	s, err := New(nil, network, 10)
	require.NoError(t, err)
	return s
}

func TestRegisterNode_FreshRegistration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node, err := s.RegisterNode(ctx, RegisterNodeInput{Hostname: "app-01", Role: RoleApp, PublicKey: "K1"})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2", node.OverlayIP)
	require.Equal(t, StatusPending, node.Status)

	approved, err := s.ApproveNode(ctx, node.ID, "admin-1")
	require.NoError(t, err)
	require.Equal(t, StatusActive, approved.Status)

	version, err := s.ConfigVersion()
	require.NoError(t, err)
	require.EqualValues(t, 1, version)
}

func TestRegisterNode_IdempotentOnHostnameAndKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.RegisterNode(ctx, RegisterNodeInput{Hostname: "app-01", Role: RoleApp, PublicKey: "K1"})
	require.NoError(t, err)

	second, err := s.RegisterNode(ctx, RegisterNodeInput{Hostname: "app-01", Role: RoleApp, PublicKey: "K1"})
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.OverlayIP, second.OverlayIP)
}

func TestRegisterNode_HostnameReuseWithDifferentKeyConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.RegisterNode(ctx, RegisterNodeInput{Hostname: "app-01", Role: RoleApp, PublicKey: "K1"})
	require.NoError(t, err)

	_, err = s.RegisterNode(ctx, RegisterNodeInput{Hostname: "app-01", Role: RoleApp, PublicKey: "K2"})
	require.ErrorIs(t, err, ErrConflict)
}

func TestDeleteNode_ReleasesOverlayIP(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node, err := s.RegisterNode(ctx, RegisterNodeInput{Hostname: "app-01", Role: RoleApp, PublicKey: "K1"})
	require.NoError(t, err)
	require.NoError(t, s.DeleteNode(ctx, node.ID, "admin-1"))

	next, err := s.RegisterNode(ctx, RegisterNodeInput{Hostname: "app-02", Role: RoleApp, PublicKey: "K2"})
	require.NoError(t, err)
	require.Equal(t, node.OverlayIP, next.OverlayIP, "IP lease released at deletion should be reusable")
}

func TestRevokeNode_NeverActiveAgain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node, err := s.RegisterNode(ctx, RegisterNodeInput{Hostname: "app-01", Role: RoleApp, PublicKey: "K1"})
	require.NoError(t, err)
	_, err = s.ApproveNode(ctx, node.ID, "admin-1")
	require.NoError(t, err)
	revoked, err := s.RevokeNode(ctx, node.ID, "admin-1")
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, revoked.Status)

	_, err = s.ApproveNode(ctx, node.ID, "admin-1")
	require.Error(t, err, "a revoked node can never transition back to active via approve")
}

func TestGroupCycleDetection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent, err := s.CreateGroup(ctx, "parent", "", "admin-1")
	require.NoError(t, err)
	child, err := s.CreateGroup(ctx, "child", parent.ID, "admin-1")
	require.NoError(t, err)

	_, err = s.UpdateGroupParent(ctx, parent.ID, child.ID, "admin-1")
	require.Error(t, err, "making parent a child of its own child must be rejected")
}

func TestTransitiveGroupsForUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "alice", "admin-1")
	require.NoError(t, err)
	grandparent, err := s.CreateGroup(ctx, "engineering", "", "admin-1")
	require.NoError(t, err)
	parent, err := s.CreateGroup(ctx, "platform", grandparent.ID, "admin-1")
	require.NoError(t, err)
	leaf, err := s.CreateGroup(ctx, "control-plane-team", parent.ID, "admin-1")
	require.NoError(t, err)

	_, err = s.AddMembership(ctx, user.ID, leaf.ID, MemberRoleMember, "admin-1")
	require.NoError(t, err)

	groups, err := s.TransitiveGroupsForUser(user.ID)
	require.NoError(t, err)
	require.True(t, groups[leaf.ID])
	require.True(t, groups[parent.ID])
	require.True(t, groups[grandparent.ID])
}

func TestCreatePolicy_RejectsDanglingSubject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreatePolicy(ctx, CreatePolicyInput{
		SubjectType: SubjectUser, SubjectID: "does-not-exist",
		ResourceType: ResourceDomain, ResourceValue: "*.internal.example.com",
		Action: ActionAllow, Priority: 100, Enabled: true,
	}, "admin-1")
	require.ErrorIs(t, err, ErrReferentialViolation)
}

func TestEveryNodeMutationEmitsExactlyOneEvent(t *testing.T) {
	_, network, err := net.ParseCIDR("10.0.0.0/24")
	require.NoError(t, err)
	s, err := New(nil, network, 10)
	require.NoError(t, err)

	bus := eventbus.New(nil, s)
	s.AttachBus(bus)

	var seen []eventbus.EventType
	record := func(ctx context.Context, evt eventbus.Event) error {
		seen = append(seen, evt.Type)
		return nil
	}
	bus.Subscribe(eventbus.NodeRegistered, record, eventbus.PriorityNormal, 0, time.Millisecond)
	bus.Subscribe(eventbus.NodeApproved, record, eventbus.PriorityNormal, 0, time.Millisecond)

	ctx := context.Background()
	node, err := s.RegisterNode(ctx, RegisterNodeInput{Hostname: "app-01", Role: RoleApp, PublicKey: "K1"})
	require.NoError(t, err)
	require.Equal(t, []eventbus.EventType{eventbus.NodeRegistered}, seen)

	seen = seen[:0]
	_, err = s.ApproveNode(ctx, node.ID, "admin-1")
	require.NoError(t, err)
	require.Equal(t, []eventbus.EventType{eventbus.NodeApproved}, seen)
}
