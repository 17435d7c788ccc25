// Package integrity implements the per-node agent-hash state machine
// (spec.md §4.4). Verify is a pure function of its inputs — no registry
// handle, no clock, no I/O — so the threshold escalation logic is testable
// in isolation; the registry package is the only caller, and it is
// responsible for persisting the Outcome and emitting the audit/event
// records that accompany it.
package integrity

import "fmt"

// Thresholds configures the escalation ladder (spec.md §4.4: "T_warn=1,
// T_suspend=3, T_revoke=5, configurable").
type Thresholds struct {
	Warn    int
	Suspend int
	Revoke  int
}

// DefaultThresholds matches the values spec.md §4.4 gives as the default.
func DefaultThresholds() Thresholds {
	return Thresholds{Warn: 1, Suspend: 3, Revoke: 5}
}

// Action is the outcome of one verify() call.
type Action string

const (
	ActionNoExpectedHash  Action = "no_expected_hash"
	ActionVerified        Action = "verified"
	ActionMismatchWarning Action = "mismatch_warning"
	ActionSuspended       Action = "suspended"
	ActionRevoked         Action = "revoked"
)

// NodeState is the subset of node fields the verifier reads and updates.
type NodeState struct {
	AgentHash         string // node-specific expected hash, may be empty
	AgentVersion      string
	LastReportedHash  string
	HashVerified      bool
	HashMismatchCount int
	Status            string
}

// ExpectedHashSource resolves the expected hash per spec.md §4.4's lookup
// priority: node-specific agent_hash, then a known-good map keyed by
// agent_version, then a single global expected hash.
type ExpectedHashSource struct {
	KnownGoodByVersion map[string]string
	GlobalHash         string
}

func (s ExpectedHashSource) resolve(node NodeState) (hash string, ok bool) {
	if node.AgentHash != "" {
		return node.AgentHash, true
	}
	if s.KnownGoodByVersion != nil {
		if h, found := s.KnownGoodByVersion[node.AgentVersion]; found && h != "" {
			return h, true
		}
	}
	if s.GlobalHash != "" {
		return s.GlobalHash, true
	}
	return "", false
}

// Outcome is the result of Verify: the new field values to persist plus the
// action to audit/emit.
type Outcome struct {
	Action            Action
	HashVerified      bool
	HashMismatchCount int
	LastReportedHash  string
	NewStatus         string // empty means no status transition
	FirstReport       bool   // true when no expected hash is configured and this node has not reported a hash before
}

// Verify runs one report through the state machine (spec.md §4.4).
func Verify(node NodeState, reportedHash string, expected ExpectedHashSource, t Thresholds) Outcome {
	firstReport := node.LastReportedHash == ""

	expectedHash, hasExpected := expected.resolve(node)
	if !hasExpected {
		return Outcome{
			Action:            ActionNoExpectedHash,
			HashVerified:      false,
			HashMismatchCount: node.HashMismatchCount,
			LastReportedHash:  reportedHash,
			FirstReport:       firstReport,
		}
	}

	if reportedHash == expectedHash {
		return Outcome{
			Action:            ActionVerified,
			HashVerified:      true,
			HashMismatchCount: 0,
			LastReportedHash:  reportedHash,
		}
	}

	count := node.HashMismatchCount + 1
	out := Outcome{
		HashVerified:      false,
		HashMismatchCount: count,
		LastReportedHash:  reportedHash,
	}
	switch {
	case count >= t.Revoke:
		out.Action = ActionRevoked
		out.NewStatus = "revoked"
	case count >= t.Suspend:
		out.Action = ActionSuspended
		out.NewStatus = "suspended"
	default:
		out.Action = ActionMismatchWarning
	}
	return out
}

// TrustPenalty is subtracted from the trust score consumed elsewhere
// (spec.md §4.4: "min(0.3 x hash_mismatch_count, 0.9) when not verified,
// else 0").
func TrustPenalty(hashVerified bool, hashMismatchCount int) float64 {
	if hashVerified {
		return 0
	}
	penalty := 0.3 * float64(hashMismatchCount)
	if penalty > 0.9 {
		return 0.9
	}
	return penalty
}

// ErrNoHashReported is returned by Approve when the node has never reported
// a hash (spec.md §4.4: "approve(node) ... Fails if no hash has yet been
// reported").
var ErrNoHashReported = fmt.Errorf("integrity: node has not reported a hash yet")

// Approve computes the post-approval state for the admin `approve(node)`
// action: the last reported hash becomes the new expected hash, the
// mismatch count resets, and the node is marked verified.
func Approve(node NodeState) (NodeState, error) {
	if node.LastReportedHash == "" {
		return NodeState{}, ErrNoHashReported
	}
	approved := node
	approved.AgentHash = node.LastReportedHash
	approved.HashVerified = true
	approved.HashMismatchCount = 0
	return approved, nil
}
