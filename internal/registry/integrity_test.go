package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ztnet/control-plane/internal/integrity"
)

func TestReportIntegrity_NoExpectedHashRecordsFirstReport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node, err := s.RegisterNode(ctx, RegisterNodeInput{Hostname: "app-01", Role: RoleApp, PublicKey: "K1"})
	require.NoError(t, err)

	updated, outcome, err := s.ReportIntegrity(ctx, node.Hostname, "deadbeef")
	require.NoError(t, err)
	require.Equal(t, integrity.ActionNoExpectedHash, outcome.Action)
	require.True(t, outcome.FirstReport)
	require.False(t, updated.HashVerified)
	require.Equal(t, "deadbeef", updated.LastReportedHash)
}

func TestReportIntegrity_EscalatesToSuspendedAtThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node, err := s.RegisterNode(ctx, RegisterNodeInput{Hostname: "db-01", Role: RoleDB, PublicKey: "K1"})
	require.NoError(t, err)
	_, err = s.ApproveNode(ctx, node.ID, "admin-1")
	require.NoError(t, err)
	require.NoError(t, s.SetGlobalExpectedHash(ctx, "good-hash", "admin-1"))

	for i := 0; i < 2; i++ {
		_, outcome, err := s.ReportIntegrity(ctx, node.Hostname, "bad-hash")
		require.NoError(t, err)
		require.Equal(t, integrity.ActionMismatchWarning, outcome.Action)
	}

	updated, outcome, err := s.ReportIntegrity(ctx, node.Hostname, "bad-hash")
	require.NoError(t, err)
	require.Equal(t, integrity.ActionSuspended, outcome.Action)
	require.Equal(t, StatusSuspended, updated.Status)
}

func TestApproveIntegrity_FailsWithoutPriorReport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node, err := s.RegisterNode(ctx, RegisterNodeInput{Hostname: "app-01", Role: RoleApp, PublicKey: "K1"})
	require.NoError(t, err)

	_, err = s.ApproveIntegrity(ctx, node.ID, "admin-1")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestApproveIntegrity_ResetsMismatchCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node, err := s.RegisterNode(ctx, RegisterNodeInput{Hostname: "app-01", Role: RoleApp, PublicKey: "K1"})
	require.NoError(t, err)
	require.NoError(t, s.SetGlobalExpectedHash(ctx, "good-hash", "admin-1"))
	_, _, err = s.ReportIntegrity(ctx, node.Hostname, "bad-hash")
	require.NoError(t, err)

	approved, err := s.ApproveIntegrity(ctx, node.ID, "admin-1")
	require.NoError(t, err)
	require.True(t, approved.HashVerified)
	require.Equal(t, 0, approved.HashMismatchCount)
	require.Equal(t, "bad-hash", approved.AgentHash)
}
