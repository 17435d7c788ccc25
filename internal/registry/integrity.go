package registry

import (
	"context"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/ztnet/control-plane/internal/eventbus"
	"github.com/ztnet/control-plane/internal/integrity"
)

// expectedHashSource loads the known-good-by-version map and the global
// fallback hash inside txn, for the integrity package's lookup priority.
func (s *Store) expectedHashSource(txn *memdb.Txn) (integrity.ExpectedHashSource, error) {
	src := integrity.ExpectedHashSource{KnownGoodByVersion: map[string]string{}}

	it, err := txn.Get("known_good_hashes", "agent_version")
	if err != nil {
		return src, err
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		row := raw.(*KnownGoodHash)
		src.KnownGoodByVersion[row.AgentVersion] = row.Hash
	}

	raw, err := txn.First("integrity_settings", "id", integritySettingsID)
	if err != nil {
		return src, err
	}
	if raw != nil {
		src.GlobalHash = raw.(*integritySettingsRow).GlobalExpectedHash
	}
	return src, nil
}

// SetGlobalExpectedHash sets the last-resort expected hash used when a node
// has no node-specific agent_hash and no agent_version match in the
// known-good map (spec.md §4.4).
func (s *Store) SetGlobalExpectedHash(ctx context.Context, hash, actorID string) error {
	txn := s.writeTxn()
	defer txn.Abort()

	if err := txn.Insert("integrity_settings", &integritySettingsRow{ID: integritySettingsID, GlobalExpectedHash: hash}); err != nil {
		return err
	}
	s.audit(txn, "INTEGRITY_GLOBAL_HASH_SET", "admin", actorID, "integrity_settings", integritySettingsID, "", map[string]interface{}{"hash": hash})
	txn.Commit()
	return nil
}

// SetKnownGoodHash records the expected digest for a given agent_version
// (spec.md §4.4's second lookup rung).
func (s *Store) SetKnownGoodHash(ctx context.Context, agentVersion, hash, actorID string) error {
	if agentVersion == "" {
		return Invalid("agent_version is required")
	}
	txn := s.writeTxn()
	defer txn.Abort()

	if err := txn.Insert("known_good_hashes", &KnownGoodHash{AgentVersion: agentVersion, Hash: hash}); err != nil {
		return err
	}
	s.audit(txn, "INTEGRITY_KNOWN_GOOD_HASH_SET", "admin", actorID, "known_good_hash", agentVersion, "", map[string]interface{}{"hash": hash})
	txn.Commit()
	return nil
}

// ReportIntegrity feeds one agent-reported hash through the integrity state
// machine and persists the resulting node fields, audit record, and status
// transition in a single transaction (spec.md §4.4: "All transitions emit
// audit records; every status mutation from verify() additionally emits
// the corresponding lifecycle event").
func (s *Store) ReportIntegrity(ctx context.Context, hostname, reportedHash string) (*Node, integrity.Outcome, error) {
	txn := s.writeTxn()
	defer txn.Abort()

	existing, err := firstByIndex[Node](txn, "nodes", "hostname", hostname)
	if err != nil {
		return nil, integrity.Outcome{}, err
	}
	if existing == nil {
		return nil, integrity.Outcome{}, NotFound("node", hostname)
	}

	expected, err := s.expectedHashSource(txn)
	if err != nil {
		return nil, integrity.Outcome{}, err
	}

	state := integrity.NodeState{
		AgentHash:         existing.AgentHash,
		AgentVersion:      existing.AgentVersion,
		LastReportedHash:  existing.LastReportedHash,
		HashVerified:      existing.HashVerified,
		HashMismatchCount: existing.HashMismatchCount,
		Status:            existing.Status,
	}
	outcome := integrity.Verify(state, reportedHash, expected, s.thresholds)

	updated := *existing
	updated.LastReportedHash = outcome.LastReportedHash
	updated.HashVerified = outcome.HashVerified
	updated.HashMismatchCount = outcome.HashMismatchCount
	updated.ModifyIndex = existing.ModifyIndex + 1
	statusChanged := outcome.NewStatus != "" && outcome.NewStatus != existing.Status
	if statusChanged {
		updated.Status = outcome.NewStatus
	}

	if err := txn.Insert("nodes", &updated); err != nil {
		return nil, integrity.Outcome{}, err
	}

	auditAction := "INTEGRITY_REPORT_" + string(outcome.Action)
	if outcome.FirstReport {
		auditAction = "INTEGRITY_FIRST_REPORT"
	}
	s.audit(txn, auditAction, "node", existing.ID, "node", existing.ID, "", map[string]interface{}{
		"action":              string(outcome.Action),
		"hash_mismatch_count": outcome.HashMismatchCount,
	})
	txn.Commit()

	s.publish(ctx, eventbus.New(eventbus.IntegrityWarning, map[string]interface{}{
		"node_id": existing.ID, "hostname": existing.Hostname, "action": string(outcome.Action),
		"hash_mismatch_count": outcome.HashMismatchCount,
	}, "integrity"))

	if statusChanged {
		var eventType eventbus.EventType
		switch outcome.NewStatus {
		case StatusSuspended:
			eventType = eventbus.NodeSuspended
		case StatusRevoked:
			eventType = eventbus.NodeRevoked
		}
		if eventType != "" {
			s.publish(ctx, eventbus.New(eventType, map[string]interface{}{
				"node_id": existing.ID, "hostname": existing.Hostname, "status": updated.Status,
			}, "integrity"))
		}
	}

	return &updated, outcome, nil
}

// ApproveIntegrity runs the admin `approve(node)` action (spec.md §4.4).
func (s *Store) ApproveIntegrity(ctx context.Context, nodeID, actorID string) (*Node, error) {
	txn := s.writeTxn()
	defer txn.Abort()

	existing, err := firstByIndex[Node](txn, "nodes", "id", nodeID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, NotFound("node", nodeID)
	}

	state := integrity.NodeState{
		AgentHash:         existing.AgentHash,
		AgentVersion:      existing.AgentVersion,
		LastReportedHash:  existing.LastReportedHash,
		HashVerified:      existing.HashVerified,
		HashMismatchCount: existing.HashMismatchCount,
		Status:            existing.Status,
	}
	approved, err := integrity.Approve(state)
	if err != nil {
		return nil, Invalid(err.Error())
	}

	updated := *existing
	updated.AgentHash = approved.AgentHash
	updated.HashVerified = approved.HashVerified
	updated.HashMismatchCount = approved.HashMismatchCount
	updated.ModifyIndex = existing.ModifyIndex + 1

	if err := txn.Insert("nodes", &updated); err != nil {
		return nil, err
	}
	s.audit(txn, "INTEGRITY_APPROVED", "admin", actorID, "node", existing.ID, "", map[string]interface{}{
		"agent_hash": updated.AgentHash,
	})
	txn.Commit()

	s.publish(ctx, eventbus.New(eventbus.IntegrityWarning, map[string]interface{}{
		"node_id": existing.ID, "hostname": existing.Hostname, "action": "approved",
	}, "integrity"))
	return &updated, nil
}
