package registry

import (
	"context"
	"fmt"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/ztnet/control-plane/internal/eventbus"
	"github.com/ztnet/control-plane/internal/ipam"
)

// RegisterNodeInput is the input to RegisterNode.
type RegisterNodeInput struct {
	Hostname     string
	PublicKey    string
	Role         string
	AgentVersion string
	RealIP       string
}

// RegisterNode leases an overlay IP and creates a Node in pending status.
// Registering the same (hostname, public_key) twice is idempotent: it
// returns the existing node rather than erroring or leasing a second
// address (spec.md §8: "Register with same (hostname, public_key) twice
// yields the same node id and overlay_ip").
func (s *Store) RegisterNode(ctx context.Context, in RegisterNodeInput) (*Node, error) {
	if in.Hostname == "" || in.PublicKey == "" {
		return nil, Invalid("hostname and public_key are required")
	}
	if !validRole(in.Role) {
		return nil, Invalid(fmt.Sprintf("invalid role %q", in.Role))
	}

	txn := s.writeTxn()
	defer txn.Abort()

	if existing, err := firstByIndex[Node](txn, "nodes", "hostname", in.Hostname); err != nil {
		return nil, err
	} else if existing != nil {
		if existing.PublicKey != in.PublicKey {
			return nil, Conflict("node", "hostname", in.Hostname)
		}
		return existing, nil
	}
	if existing, err := firstByIndex[Node](txn, "nodes", "public_key", in.PublicKey); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, Conflict("node", "public_key", in.PublicKey)
	}

	ip, err := s.ipPool.Allocate(in.Hostname)
	if err != nil {
		if err == ipam.ErrPoolExhausted {
			return nil, fmt.Errorf("registry: %w", ipam.ErrPoolExhausted)
		}
		return nil, err
	}

	now := s.now()
	node := &Node{
		ID:        newID(),
		Hostname:  in.Hostname,
		PublicKey: in.PublicKey,
		OverlayIP: ip,
		RealIP:    in.RealIP,
		Role:      in.Role,
		Status:    StatusPending,
		AgentVersion: in.AgentVersion,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := txn.Insert("nodes", node); err != nil {
		_ = s.ipPool.Release(ip)
		return nil, err
	}
	s.audit(txn, "NODE_REGISTERED", "node", node.ID, "node", node.ID, in.RealIP, map[string]interface{}{
		"hostname": in.Hostname, "overlay_ip": ip,
	})
	txn.Commit()

	s.publish(ctx, eventbus.New(eventbus.NodeRegistered, map[string]interface{}{
		"node_id": node.ID, "hostname": node.Hostname, "overlay_ip": node.OverlayIP, "status": node.Status,
	}, "registry"))
	return node, nil
}

// GetNode fetches a node by ID.
func (s *Store) GetNode(id string) (*Node, error) {
	txn := s.readTxn()
	node, err := firstByIndex[Node](txn, "nodes", "id", id)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, NotFound("node", id)
	}
	return node, nil
}

// GetNodeByHostname fetches a node by hostname.
func (s *Store) GetNodeByHostname(hostname string) (*Node, error) {
	txn := s.readTxn()
	node, err := firstByIndex[Node](txn, "nodes", "hostname", hostname)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, NotFound("node", hostname)
	}
	return node, nil
}

// ListNodes returns every node, optionally filtered by status.
func (s *Store) ListNodes(status string) ([]*Node, error) {
	txn := s.readTxn()
	var it memdb.ResultIterator
	var err error
	if status != "" {
		it, err = txn.Get("nodes", "status", status)
	} else {
		it, err = txn.Get("nodes", "id")
	}
	if err != nil {
		return nil, err
	}
	var out []*Node
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*Node))
	}
	return out, nil
}

// ApproveNode transitions a pending node to active, bumping ConfigVersion
// since the active peer set/ACL output changes (spec.md §4.3).
func (s *Store) ApproveNode(ctx context.Context, id, actorID string) (*Node, error) {
	return s.transitionNode(ctx, id, actorID, func(n *Node) error {
		if n.Status != StatusPending {
			return Invalid(fmt.Sprintf("node %s is %s, not pending", n.Hostname, n.Status))
		}
		n.Status = StatusActive
		return nil
	}, "NODE_APPROVED", eventbus.NodeApproved)
}

// SuspendNode transitions an active node to suspended.
func (s *Store) SuspendNode(ctx context.Context, id, actorID string) (*Node, error) {
	return s.transitionNode(ctx, id, actorID, func(n *Node) error {
		if n.Status != StatusActive {
			return Invalid(fmt.Sprintf("node %s is %s, not active", n.Hostname, n.Status))
		}
		n.Status = StatusSuspended
		return nil
	}, "NODE_SUSPENDED", eventbus.NodeSuspended)
}

// ResumeNode transitions a suspended node back to active.
func (s *Store) ResumeNode(ctx context.Context, id, actorID string) (*Node, error) {
	return s.transitionNode(ctx, id, actorID, func(n *Node) error {
		if n.Status != StatusSuspended {
			return Invalid(fmt.Sprintf("node %s is %s, not suspended", n.Hostname, n.Status))
		}
		n.Status = StatusActive
		return nil
	}, "NODE_RESUMED", eventbus.NodeApproved)
}

// RevokeNode transitions any node to revoked. A revoked node never again
// appears as an active tunnel peer or ACL source (spec.md §3 invariant).
func (s *Store) RevokeNode(ctx context.Context, id, actorID string) (*Node, error) {
	return s.transitionNode(ctx, id, actorID, func(n *Node) error {
		if n.Status == StatusRevoked {
			return Invalid(fmt.Sprintf("node %s is already revoked", n.Hostname))
		}
		n.Status = StatusRevoked
		return nil
	}, "NODE_REVOKED", eventbus.NodeRevoked)
}

func (s *Store) transitionNode(ctx context.Context, id, actorID string, mutate func(*Node) error, auditAction string, eventType eventbus.EventType) (*Node, error) {
	txn := s.writeTxn()
	defer txn.Abort()

	existing, err := firstByIndex[Node](txn, "nodes", "id", id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, NotFound("node", id)
	}
	updated := *existing
	if err := mutate(&updated); err != nil {
		return nil, err
	}
	updated.UpdatedAt = s.now()
	updated.ModifyIndex = existing.ModifyIndex + 1

	if err := txn.Insert("nodes", &updated); err != nil {
		return nil, err
	}
	if _, err := s.bumpConfigVersion(txn); err != nil {
		return nil, err
	}
	s.audit(txn, auditAction, "admin", actorID, "node", updated.ID, "", map[string]interface{}{
		"hostname": updated.Hostname, "status": updated.Status,
	})
	txn.Commit()

	s.publish(ctx, eventbus.New(eventType, map[string]interface{}{
		"node_id": updated.ID, "hostname": updated.Hostname, "status": updated.Status,
		"public_key": updated.PublicKey, "overlay_ip": updated.OverlayIP,
	}, "registry"))
	return &updated, nil
}

// DeleteNode removes a node and releases its overlay IP lease.
func (s *Store) DeleteNode(ctx context.Context, id, actorID string) error {
	txn := s.writeTxn()
	defer txn.Abort()

	existing, err := firstByIndex[Node](txn, "nodes", "id", id)
	if err != nil {
		return err
	}
	if existing == nil {
		return NotFound("node", id)
	}
	if err := txn.Delete("nodes", existing); err != nil {
		return err
	}
	if _, err := s.bumpConfigVersion(txn); err != nil {
		return err
	}
	s.audit(txn, "NODE_DELETED", "admin", actorID, "node", existing.ID, "", map[string]interface{}{
		"hostname": existing.Hostname,
	})
	txn.Commit()

	_ = s.ipPool.Release(existing.OverlayIP)
	s.publish(ctx, eventbus.New(eventbus.NodeDeleted, map[string]interface{}{
		"node_id": existing.ID, "hostname": existing.Hostname,
	}, "registry"))
	return nil
}

// UpdateHeartbeat records last_seen and real_ip from an agent heartbeat.
// This does not bump ConfigVersion: liveness alone never changes compiled
// output.
func (s *Store) UpdateHeartbeat(hostname, realIP string) (*Node, error) {
	txn := s.writeTxn()
	defer txn.Abort()

	existing, err := firstByIndex[Node](txn, "nodes", "hostname", hostname)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, NotFound("node", hostname)
	}
	updated := *existing
	updated.RealIP = realIP
	updated.LastSeen = s.now()
	updated.ModifyIndex = existing.ModifyIndex + 1
	if err := txn.Insert("nodes", &updated); err != nil {
		return nil, err
	}
	txn.Commit()
	return &updated, nil
}

func validRole(role string) bool {
	switch role {
	case RoleHub, RoleApp, RoleDB, RoleOps, RoleMonitor:
		return true
	default:
		return false
	}
}

// firstByIndex is a small generic helper shared by every entity's read
// path to avoid repeating memdb's raw interface{} unwrapping.
func firstByIndex[T any](txn *memdb.Txn, table, index string, args ...interface{}) (*T, error) {
	raw, err := txn.First(table, index, args...)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	v := raw.(*T)
	return v, nil
}
