package registry

import (
	"context"
	"fmt"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/ztnet/control-plane/internal/eventbus"
)

// CreateUser creates a User with the given username.
func (s *Store) CreateUser(ctx context.Context, username, actorID string) (*User, error) {
	if username == "" {
		return nil, Invalid("username is required")
	}
	txn := s.writeTxn()
	defer txn.Abort()

	if existing, err := firstByIndex[User](txn, "users", "username", username); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, Conflict("user", "username", username)
	}

	now := s.now()
	user := &User{ID: newID(), Username: username, CreatedAt: now, UpdatedAt: now}
	if err := txn.Insert("users", user); err != nil {
		return nil, err
	}
	s.audit(txn, "USER_CREATED", "admin", actorID, "user", user.ID, "", map[string]interface{}{"username": username})
	txn.Commit()
	return user, nil
}

// GetUser fetches a user by ID.
func (s *Store) GetUser(id string) (*User, error) {
	txn := s.readTxn()
	user, err := firstByIndex[User](txn, "users", "id", id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, NotFound("user", id)
	}
	return user, nil
}

// ListUsers returns every user.
func (s *Store) ListUsers() ([]*User, error) {
	txn := s.readTxn()
	it, err := txn.Get("users", "id")
	if err != nil {
		return nil, err
	}
	var out []*User
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*User))
	}
	return out, nil
}

// DeleteUser removes a user and its memberships.
func (s *Store) DeleteUser(ctx context.Context, id, actorID string) error {
	txn := s.writeTxn()
	defer txn.Abort()

	existing, err := firstByIndex[User](txn, "users", "id", id)
	if err != nil {
		return err
	}
	if existing == nil {
		return NotFound("user", id)
	}
	it, err := txn.Get("memberships", "user", id)
	if err != nil {
		return err
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if err := txn.Delete("memberships", raw); err != nil {
			return err
		}
	}
	if err := txn.Delete("users", existing); err != nil {
		return err
	}
	s.audit(txn, "USER_DELETED", "admin", actorID, "user", id, "", nil)
	txn.Commit()
	return nil
}

// CreateGroup creates a Group, rejecting a parent reference that would
// create a cycle in the group DAG (spec.md §9: "implementations MUST
// detect cycles on group create/update and reject — never infinite-loop").
func (s *Store) CreateGroup(ctx context.Context, name, parentGroupID, actorID string) (*Group, error) {
	if name == "" {
		return nil, Invalid("group name is required")
	}
	txn := s.writeTxn()
	defer txn.Abort()

	if existing, err := firstByIndex[Group](txn, "groups", "name", name); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, Conflict("group", "name", name)
	}

	if parentGroupID != "" {
		parent, err := firstByIndex[Group](txn, "groups", "id", parentGroupID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, ReferentialViolation(fmt.Sprintf("parent group %q does not exist", parentGroupID))
		}
	}

	now := s.now()
	group := &Group{ID: newID(), Name: name, ParentGroupID: parentGroupID, CreatedAt: now, UpdatedAt: now}
	if err := txn.Insert("groups", group); err != nil {
		return nil, err
	}
	s.audit(txn, "GROUP_CREATED", "admin", actorID, "group", group.ID, "", map[string]interface{}{"name": name})
	txn.Commit()

	s.publish(ctx, eventbus.New(eventbus.GroupCreated, map[string]interface{}{"group_id": group.ID, "name": name}, "registry"))
	return group, nil
}

// UpdateGroupParent reparents a group, rejecting any change that would
// introduce a cycle.
func (s *Store) UpdateGroupParent(ctx context.Context, id, newParentGroupID, actorID string) (*Group, error) {
	txn := s.writeTxn()
	defer txn.Abort()

	existing, err := firstByIndex[Group](txn, "groups", "id", id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, NotFound("group", id)
	}

	if newParentGroupID != "" {
		if newParentGroupID == id {
			return nil, Invalid("a group cannot be its own parent")
		}
		parent, err := firstByIndex[Group](txn, "groups", "id", newParentGroupID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, ReferentialViolation(fmt.Sprintf("parent group %q does not exist", newParentGroupID))
		}
		if err := s.assertNoCycle(txn, id, newParentGroupID); err != nil {
			return nil, err
		}
	}

	updated := *existing
	updated.ParentGroupID = newParentGroupID
	updated.UpdatedAt = s.now()
	if err := txn.Insert("groups", &updated); err != nil {
		return nil, err
	}
	s.audit(txn, "GROUP_UPDATED", "admin", actorID, "group", id, "", map[string]interface{}{"parent_group_id": newParentGroupID})
	txn.Commit()

	s.publish(ctx, eventbus.New(eventbus.GroupUpdated, map[string]interface{}{"group_id": id}, "registry"))
	return &updated, nil
}

// assertNoCycle walks newParentID's ancestor chain looking for groupID,
// using a visited set to bound the walk even against a pre-existing cycle
// (belt-and-suspenders: cycles are rejected at write time, so none should
// exist, but a bounded BFS never infinite-loops regardless).
func (s *Store) assertNoCycle(txn *memdb.Txn, groupID, newParentID string) error {
	visited := map[string]bool{}
	current := newParentID
	for current != "" {
		if current == groupID {
			return Invalid("group hierarchy change would introduce a cycle")
		}
		if visited[current] {
			return Invalid("existing group hierarchy already contains a cycle")
		}
		visited[current] = true

		parent, err := firstByIndex[Group](txn, "groups", "id", current)
		if err != nil {
			return err
		}
		if parent == nil {
			break
		}
		current = parent.ParentGroupID
	}
	return nil
}

// GetGroup fetches a group by ID.
func (s *Store) GetGroup(id string) (*Group, error) {
	txn := s.readTxn()
	group, err := firstByIndex[Group](txn, "groups", "id", id)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, NotFound("group", id)
	}
	return group, nil
}

// ListGroups returns every group.
func (s *Store) ListGroups() ([]*Group, error) {
	txn := s.readTxn()
	it, err := txn.Get("groups", "id")
	if err != nil {
		return nil, err
	}
	var out []*Group
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*Group))
	}
	return out, nil
}

// DeleteGroup removes a group and its memberships. Child groups keep their
// ParentGroupID pointing at the now-deleted ID is not allowed: reparent or
// delete children first.
func (s *Store) DeleteGroup(ctx context.Context, id, actorID string) error {
	txn := s.writeTxn()
	defer txn.Abort()

	existing, err := firstByIndex[Group](txn, "groups", "id", id)
	if err != nil {
		return err
	}
	if existing == nil {
		return NotFound("group", id)
	}

	it, err := txn.Get("groups", "id")
	if err != nil {
		return err
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if raw.(*Group).ParentGroupID == id {
			return ReferentialViolation(fmt.Sprintf("group %q has child groups; reparent or delete them first", id))
		}
	}

	mit, err := txn.Get("memberships", "group", id)
	if err != nil {
		return err
	}
	for raw := mit.Next(); raw != nil; raw = mit.Next() {
		if err := txn.Delete("memberships", raw); err != nil {
			return err
		}
	}
	if err := txn.Delete("groups", existing); err != nil {
		return err
	}
	s.audit(txn, "GROUP_DELETED", "admin", actorID, "group", id, "", nil)
	txn.Commit()

	s.publish(ctx, eventbus.New(eventbus.GroupDeleted, map[string]interface{}{"group_id": id}, "registry"))
	return nil
}

// AddMembership adds user to group with the given role.
func (s *Store) AddMembership(ctx context.Context, userID, groupID, role, actorID string) (*Membership, error) {
	if !validMemberRole(role) {
		return nil, Invalid(fmt.Sprintf("invalid membership role %q", role))
	}
	txn := s.writeTxn()
	defer txn.Abort()

	if user, err := firstByIndex[User](txn, "users", "id", userID); err != nil {
		return nil, err
	} else if user == nil {
		return nil, ReferentialViolation(fmt.Sprintf("user %q does not exist", userID))
	}
	if group, err := firstByIndex[Group](txn, "groups", "id", groupID); err != nil {
		return nil, err
	} else if group == nil {
		return nil, ReferentialViolation(fmt.Sprintf("group %q does not exist", groupID))
	}
	if existing, err := firstByIndex[Membership](txn, "memberships", "user_group", userID, groupID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, Conflict("membership", "user_group", userID+"/"+groupID)
	}

	membership := &Membership{ID: newID(), UserID: userID, GroupID: groupID, Role: role, CreatedAt: s.now()}
	if err := txn.Insert("memberships", membership); err != nil {
		return nil, err
	}
	s.audit(txn, "MEMBERSHIP_ADDED", "admin", actorID, "membership", membership.ID, "", map[string]interface{}{
		"user_id": userID, "group_id": groupID, "role": role,
	})
	txn.Commit()
	return membership, nil
}

// RemoveMembership removes a user from a group.
func (s *Store) RemoveMembership(ctx context.Context, userID, groupID, actorID string) error {
	txn := s.writeTxn()
	defer txn.Abort()

	existing, err := firstByIndex[Membership](txn, "memberships", "user_group", userID, groupID)
	if err != nil {
		return err
	}
	if existing == nil {
		return NotFound("membership", userID+"/"+groupID)
	}
	if err := txn.Delete("memberships", existing); err != nil {
		return err
	}
	s.audit(txn, "MEMBERSHIP_REMOVED", "admin", actorID, "membership", existing.ID, "", nil)
	txn.Commit()
	return nil
}

// GroupsForUser returns the set of group IDs a user directly belongs to.
func (s *Store) GroupsForUser(userID string) ([]string, error) {
	txn := s.readTxn()
	it, err := txn.Get("memberships", "user", userID)
	if err != nil {
		return nil, err
	}
	var out []string
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*Membership).GroupID)
	}
	return out, nil
}

// TransitiveGroupsForUser returns every group the user belongs to either
// directly or through an ancestor chain, via a bounded BFS over
// ParentGroupID (spec.md §9). Cycles can never cause a hang because the
// visited set terminates the walk, but create/update-time validation is
// what actually prevents cycles from being written.
func (s *Store) TransitiveGroupsForUser(userID string) (map[string]bool, error) {
	direct, err := s.GroupsForUser(userID)
	if err != nil {
		return nil, err
	}

	txn := s.readTxn()
	result := map[string]bool{}
	queue := append([]string(nil), direct...)
	for len(queue) > 0 {
		groupID := queue[0]
		queue = queue[1:]
		if result[groupID] {
			continue
		}
		result[groupID] = true

		group, err := firstByIndex[Group](txn, "groups", "id", groupID)
		if err != nil {
			return nil, err
		}
		if group == nil || group.ParentGroupID == "" {
			continue
		}
		if !result[group.ParentGroupID] {
			queue = append(queue, group.ParentGroupID)
		}
	}
	return result, nil
}

func validMemberRole(role string) bool {
	switch role {
	case MemberRoleMember, MemberRoleAdmin, MemberRoleOwner:
		return true
	default:
		return false
	}
}
