package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/ztnet/control-plane/internal/eventbus"
)

// CreatePolicyInput is the input to CreatePolicy.
type CreatePolicyInput struct {
	SubjectType   string           `json:"subject_type"`
	SubjectID     string           `json:"subject_id"`
	ResourceType  string           `json:"resource_type"`
	ResourceValue string           `json:"resource_value"`
	Action        string           `json:"action"`
	Conditions    PolicyConditions `json:"conditions"`
	ValidFrom     *int64           `json:"valid_from,omitempty"` // unix seconds, optional
	ValidUntil    *int64           `json:"valid_until,omitempty"`
	Priority      int              `json:"priority"`
	Enabled       bool             `json:"enabled"`
}

// CreatePolicy validates and inserts a Policy. For subject_type in
// {user, group}, subject_id must resolve to an existing entity (spec.md §3
// invariant).
func (s *Store) CreatePolicy(ctx context.Context, in CreatePolicyInput, actorID string) (*Policy, error) {
	txn := s.writeTxn()
	defer txn.Abort()

	if err := s.validatePolicySubject(txn, in.SubjectType, in.SubjectID); err != nil {
		return nil, err
	}
	if err := validatePolicyShape(in.ResourceType, in.Action, in.Priority); err != nil {
		return nil, err
	}

	now := s.now()
	policy := &Policy{
		ID:            newID(),
		SubjectType:   in.SubjectType,
		SubjectID:     in.SubjectID,
		ResourceType:  in.ResourceType,
		ResourceValue: in.ResourceValue,
		Action:        in.Action,
		Conditions:    in.Conditions,
		Priority:      in.Priority,
		Enabled:       in.Enabled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	policy.ValidFrom = unixPtrToTime(in.ValidFrom)
	policy.ValidUntil = unixPtrToTime(in.ValidUntil)

	if err := txn.Insert("policies", policy); err != nil {
		return nil, err
	}
	if _, err := s.bumpConfigVersion(txn); err != nil {
		return nil, err
	}
	s.audit(txn, "POLICY_CREATED", "admin", actorID, "policy", policy.ID, "", map[string]interface{}{
		"resource_type": in.ResourceType, "resource_value": in.ResourceValue, "action": in.Action,
	})
	txn.Commit()

	s.publish(ctx, eventbus.New(eventbus.PolicyCreated, map[string]interface{}{"policy_id": policy.ID}, "registry"))
	return policy, nil
}

// UpdatePolicy replaces a policy's mutable fields.
func (s *Store) UpdatePolicy(ctx context.Context, id string, in CreatePolicyInput, actorID string) (*Policy, error) {
	txn := s.writeTxn()
	defer txn.Abort()

	existing, err := firstByIndex[Policy](txn, "policies", "id", id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, NotFound("policy", id)
	}
	if err := s.validatePolicySubject(txn, in.SubjectType, in.SubjectID); err != nil {
		return nil, err
	}
	if err := validatePolicyShape(in.ResourceType, in.Action, in.Priority); err != nil {
		return nil, err
	}

	updated := *existing
	updated.SubjectType = in.SubjectType
	updated.SubjectID = in.SubjectID
	updated.ResourceType = in.ResourceType
	updated.ResourceValue = in.ResourceValue
	updated.Action = in.Action
	updated.Conditions = in.Conditions
	updated.Priority = in.Priority
	updated.Enabled = in.Enabled
	updated.ValidFrom = unixPtrToTime(in.ValidFrom)
	updated.ValidUntil = unixPtrToTime(in.ValidUntil)
	updated.UpdatedAt = s.now()

	if err := txn.Insert("policies", &updated); err != nil {
		return nil, err
	}
	if _, err := s.bumpConfigVersion(txn); err != nil {
		return nil, err
	}
	s.audit(txn, "POLICY_UPDATED", "admin", actorID, "policy", id, "", nil)
	txn.Commit()

	s.publish(ctx, eventbus.New(eventbus.PolicyUpdated, map[string]interface{}{"policy_id": id}, "registry"))
	return &updated, nil
}

// DeletePolicy removes a policy.
func (s *Store) DeletePolicy(ctx context.Context, id, actorID string) error {
	txn := s.writeTxn()
	defer txn.Abort()

	existing, err := firstByIndex[Policy](txn, "policies", "id", id)
	if err != nil {
		return err
	}
	if existing == nil {
		return NotFound("policy", id)
	}
	if err := txn.Delete("policies", existing); err != nil {
		return err
	}
	if _, err := s.bumpConfigVersion(txn); err != nil {
		return err
	}
	s.audit(txn, "POLICY_DELETED", "admin", actorID, "policy", id, "", nil)
	txn.Commit()

	s.publish(ctx, eventbus.New(eventbus.PolicyDeleted, map[string]interface{}{"policy_id": id}, "registry"))
	return nil
}

// GetPolicy fetches a policy by ID.
func (s *Store) GetPolicy(id string) (*Policy, error) {
	txn := s.readTxn()
	policy, err := firstByIndex[Policy](txn, "policies", "id", id)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		return nil, NotFound("policy", id)
	}
	return policy, nil
}

// ListPolicies returns every policy.
func (s *Store) ListPolicies() ([]*Policy, error) {
	txn := s.readTxn()
	it, err := txn.Get("policies", "id")
	if err != nil {
		return nil, err
	}
	var out []*Policy
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*Policy))
	}
	return out, nil
}

func (s *Store) validatePolicySubject(txn interface {
	First(string, string, ...interface{}) (interface{}, error)
}, subjectType, subjectID string) error {
	switch subjectType {
	case SubjectAll:
		return nil
	case SubjectUser:
		raw, err := txn.First("users", "id", subjectID)
		if err != nil {
			return err
		}
		if raw == nil {
			return ReferentialViolation(fmt.Sprintf("policy subject user %q does not exist", subjectID))
		}
		return nil
	case SubjectGroup:
		raw, err := txn.First("groups", "id", subjectID)
		if err != nil {
			return err
		}
		if raw == nil {
			return ReferentialViolation(fmt.Sprintf("policy subject group %q does not exist", subjectID))
		}
		return nil
	default:
		return Invalid(fmt.Sprintf("invalid subject_type %q", subjectType))
	}
}

func validatePolicyShape(resourceType, action string, priority int) error {
	switch resourceType {
	case ResourceDomain, ResourceIPRange, ResourceZone, ResourceService, ResourceURLPattern:
	default:
		return Invalid(fmt.Sprintf("invalid resource_type %q", resourceType))
	}
	switch action {
	case ActionAllow, ActionDeny, ActionRequireMFA:
	default:
		return Invalid(fmt.Sprintf("invalid action %q", action))
	}
	if priority < 1 || priority > 1000 {
		return Invalid("priority must be between 1 and 1000")
	}
	return nil
}

func unixPtrToTime(u *int64) *time.Time {
	if u == nil {
		return nil
	}
	t := time.Unix(*u, 0).UTC()
	return &t
}

// --- Legacy role-pair ACL rules ---

// CreateACLRuleInput is the input to CreateACLRule.
type CreateACLRuleInput struct {
	SrcRole  string `json:"src_role"`
	DstRole  string `json:"dst_role"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Action   string `json:"action"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
}

// CreateACLRule inserts a legacy role-pair ACL rule (spec.md §3).
func (s *Store) CreateACLRule(ctx context.Context, in CreateACLRuleInput, actorID string) (*LegacyACLRule, error) {
	if err := validateACLRuleShape(in); err != nil {
		return nil, err
	}
	txn := s.writeTxn()
	defer txn.Abort()

	now := s.now()
	rule := &LegacyACLRule{
		ID: newID(), SrcRole: in.SrcRole, DstRole: in.DstRole, Port: in.Port,
		Protocol: in.Protocol, Action: in.Action, Priority: in.Priority, Enabled: in.Enabled,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := txn.Insert("acl_rules", rule); err != nil {
		return nil, err
	}
	if _, err := s.bumpConfigVersion(txn); err != nil {
		return nil, err
	}
	s.audit(txn, "ACL_RULE_CREATED", "admin", actorID, "acl_rule", rule.ID, "", map[string]interface{}{
		"src_role": in.SrcRole, "dst_role": in.DstRole, "port": in.Port,
	})
	txn.Commit()

	s.publish(ctx, eventbus.New(eventbus.ConfigVersionBump, map[string]interface{}{"reason": "acl_rule_created"}, "registry"))
	return rule, nil
}

// DeleteACLRule removes a legacy ACL rule.
func (s *Store) DeleteACLRule(ctx context.Context, id, actorID string) error {
	txn := s.writeTxn()
	defer txn.Abort()

	existing, err := firstByIndex[LegacyACLRule](txn, "acl_rules", "id", id)
	if err != nil {
		return err
	}
	if existing == nil {
		return NotFound("acl_rule", id)
	}
	if err := txn.Delete("acl_rules", existing); err != nil {
		return err
	}
	if _, err := s.bumpConfigVersion(txn); err != nil {
		return err
	}
	s.audit(txn, "ACL_RULE_DELETED", "admin", actorID, "acl_rule", id, "", nil)
	txn.Commit()

	s.publish(ctx, eventbus.New(eventbus.ConfigVersionBump, map[string]interface{}{"reason": "acl_rule_deleted"}, "registry"))
	return nil
}

// ListACLRules returns every legacy ACL rule.
func (s *Store) ListACLRules() ([]*LegacyACLRule, error) {
	txn := s.readTxn()
	it, err := txn.Get("acl_rules", "id")
	if err != nil {
		return nil, err
	}
	var out []*LegacyACLRule
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*LegacyACLRule))
	}
	return out, nil
}

func validateACLRuleShape(in CreateACLRuleInput) error {
	if !validRole(in.SrcRole) {
		return Invalid(fmt.Sprintf("invalid src_role %q", in.SrcRole))
	}
	if in.DstRole != "*" && !validRole(in.DstRole) {
		return Invalid(fmt.Sprintf("invalid dst_role %q", in.DstRole))
	}
	if in.Protocol != "tcp" && in.Protocol != "udp" && in.Protocol != "icmp" {
		return Invalid(fmt.Sprintf("invalid protocol %q", in.Protocol))
	}
	if in.Action != ActionAllow && in.Action != ActionDeny {
		return Invalid(fmt.Sprintf("invalid acl action %q", in.Action))
	}
	return nil
}
