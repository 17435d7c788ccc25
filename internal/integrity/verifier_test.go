package integrity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerify_NoExpectedHashRecordsReport(t *testing.T) {
	node := NodeState{}
	out := Verify(node, "abc", ExpectedHashSource{}, DefaultThresholds())
	require.Equal(t, ActionNoExpectedHash, out.Action)
	require.False(t, out.HashVerified)
	require.True(t, out.FirstReport)
	require.Equal(t, "abc", out.LastReportedHash)
}

func TestVerify_MatchingHashVerifiesAndResetsCount(t *testing.T) {
	node := NodeState{AgentHash: "a", HashMismatchCount: 2}
	out := Verify(node, "a", ExpectedHashSource{}, DefaultThresholds())
	require.Equal(t, ActionVerified, out.Action)
	require.True(t, out.HashVerified)
	require.Equal(t, 0, out.HashMismatchCount)
}

func TestVerify_EscalationSequenceMatchesWorkedExample(t *testing.T) {
	// Node agent_hash = "a"*64; three heartbeats in a row report "b"*64.
	agentHash := repeat("a", 64)
	reported := repeat("b", 64)
	thresholds := DefaultThresholds()

	node := NodeState{AgentHash: agentHash}

	out1 := Verify(node, reported, ExpectedHashSource{}, thresholds)
	require.Equal(t, ActionMismatchWarning, out1.Action)
	require.Equal(t, 1, out1.HashMismatchCount)
	require.Empty(t, out1.NewStatus)

	node.HashMismatchCount = out1.HashMismatchCount
	out2 := Verify(node, reported, ExpectedHashSource{}, thresholds)
	require.Equal(t, ActionMismatchWarning, out2.Action)
	require.Equal(t, 2, out2.HashMismatchCount)

	node.HashMismatchCount = out2.HashMismatchCount
	out3 := Verify(node, reported, ExpectedHashSource{}, thresholds)
	require.Equal(t, ActionSuspended, out3.Action)
	require.Equal(t, 3, out3.HashMismatchCount)
	require.Equal(t, "suspended", out3.NewStatus)
}

func TestVerify_RevokeThreshold(t *testing.T) {
	node := NodeState{AgentHash: "a", HashMismatchCount: 4}
	out := Verify(node, "b", ExpectedHashSource{}, DefaultThresholds())
	require.Equal(t, ActionRevoked, out.Action)
	require.Equal(t, "revoked", out.NewStatus)
	require.Equal(t, 5, out.HashMismatchCount)
}

func TestVerify_KnownGoodByVersionFallback(t *testing.T) {
	node := NodeState{AgentVersion: "1.2.0"}
	expected := ExpectedHashSource{KnownGoodByVersion: map[string]string{"1.2.0": "good-hash"}}

	out := Verify(node, "good-hash", expected, DefaultThresholds())
	require.Equal(t, ActionVerified, out.Action)
}

func TestVerify_GlobalHashIsLastResort(t *testing.T) {
	node := NodeState{AgentVersion: "9.9.9"}
	expected := ExpectedHashSource{GlobalHash: "global-hash"}

	out := Verify(node, "global-hash", expected, DefaultThresholds())
	require.Equal(t, ActionVerified, out.Action)
}

func TestTrustPenalty(t *testing.T) {
	require.Equal(t, 0.0, TrustPenalty(true, 5))
	require.InDelta(t, 0.3, TrustPenalty(false, 1), 0.0001)
	require.InDelta(t, 0.9, TrustPenalty(false, 10), 0.0001, "penalty caps at 0.9")
}

func TestApprove_FailsWithoutAReport(t *testing.T) {
	_, err := Approve(NodeState{})
	require.ErrorIs(t, err, ErrNoHashReported)
}

func TestApprove_CopiesReportedHashAndResets(t *testing.T) {
	node := NodeState{LastReportedHash: "reported", HashMismatchCount: 4, HashVerified: false}
	approved, err := Approve(node)
	require.NoError(t, err)
	require.Equal(t, "reported", approved.AgentHash)
	require.True(t, approved.HashVerified)
	require.Equal(t, 0, approved.HashMismatchCount)
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
