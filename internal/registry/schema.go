// Package registry is the durable entity store: nodes, users, groups,
// memberships, policies, the legacy ACL rule model, the monotone config
// version, the audit log, and the persisted event store (spec.md §3, §4.2).
//
// It is backed by github.com/hashicorp/go-memdb, the same in-memory,
// snapshot-isolated radix-tree database the teacher repo builds its real
// catalog state store on top of (agent/consul/state). A single mutex-free
// MemDB transaction gives every write both the "transaction that also
// appends an AuditLog row and publishes a domain event" semantics spec.md
// §4.2 asks for, and the read-your-own-writes consistency its "single
// writer" assumption requires.
package registry

import (
	"time"

	memdb "github.com/hashicorp/go-memdb"
)

// Node lifecycle and classification enums (spec.md §3).
const (
	RoleHub     = "hub"
	RoleApp     = "app"
	RoleDB      = "db"
	RoleOps     = "ops"
	RoleMonitor = "monitor"

	StatusPending   = "pending"
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusRevoked   = "revoked"
)

// Membership roles.
const (
	MemberRoleMember = "member"
	MemberRoleAdmin  = "admin"
	MemberRoleOwner  = "owner"
)

// Policy subject/resource/action enums.
const (
	SubjectUser  = "user"
	SubjectGroup = "group"
	SubjectAll   = "all"

	ResourceDomain     = "domain"
	ResourceIPRange    = "ip_range"
	ResourceZone       = "zone"
	ResourceService    = "service"
	ResourceURLPattern = "url_pattern"

	ActionAllow       = "allow"
	ActionDeny        = "deny"
	ActionRequireMFA  = "require_mfa"
)

// Node represents one VPS joined to the overlay (spec.md §3).
type Node struct {
	ID       string
	Hostname string
	PublicKey string

	OverlayIP string
	RealIP    string

	Role   string
	Status string

	AgentHash         string
	LastReportedHash  string
	HashVerified      bool
	HashMismatchCount int
	AgentVersion      string

	LastSeen time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	// ModifyIndex is bumped on every write to the node row. No write path
	// compares it against an expected value, so it does not guard against
	// concurrent updates.
	ModifyIndex uint64
}

// IsApproved mirrors the redundant `is_approved` field from spec.md §3: it
// is derived rather than stored so it can never drift from Status.
func (n *Node) IsApproved() bool { return n.Status == StatusActive }

// User is a stable identity a Policy's subject can reference.
type User struct {
	ID        string
	Username  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Group may nest via ParentGroupID, forming a DAG (spec.md §3, §9).
type Group struct {
	ID            string
	Name          string
	ParentGroupID string // empty when the group has no parent
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Membership ties a User to a Group with a role.
type Membership struct {
	ID        string
	UserID    string
	GroupID   string
	Role      string
	CreatedAt time.Time
}

// PolicyConditions are the optional guards on a Policy (spec.md §3).
type PolicyConditions struct {
	DeviceTypes   []string
	Weekdays      []time.Weekday
	WindowStart   string // "HH:MM"
	WindowEnd     string // "HH:MM"
	ClientCIDRs   []string
	RequireVPN    bool
}

// Policy is a declarative access rule (spec.md §3).
type Policy struct {
	ID string

	SubjectType string
	SubjectID   string // empty when SubjectType == SubjectAll

	ResourceType  string
	ResourceValue string

	Action string

	Conditions PolicyConditions

	ValidFrom  *time.Time
	ValidUntil *time.Time

	Priority int // 1-1000, lower wins
	Enabled  bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LegacyACLRule is the role-pair firewall rule model compiled into per-node
// ACLs (spec.md §3). DstRole may be the wildcard "*".
type LegacyACLRule struct {
	ID       string
	SrcRole  string
	DstRole  string
	Port     int
	Protocol string
	Action   string
	Priority int
	Enabled  bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// configVersionID is the single-row key for the ConfigVersion table.
const configVersionID = "singleton"

type configVersionRow struct {
	ID    string
	Value uint64
}

// KnownGoodHash maps an agent_version to its known-good digest, the second
// rung of spec.md §4.4's expected-hash lookup priority.
type KnownGoodHash struct {
	AgentVersion string
	Hash         string
}

// integritySettingsID is the single-row key for the integrity settings row.
const integritySettingsID = "singleton"

// integritySettingsRow holds the third and last rung of spec.md §4.4's
// expected-hash lookup: a single global fallback hash.
type integritySettingsRow struct {
	ID                 string
	GlobalExpectedHash string
}

// AuditLogEntry is an append-only record of a mutation (spec.md §3).
type AuditLogEntry struct {
	ID         string
	Seq        uint64
	Action     string
	ActorType  string
	ActorID    string
	TargetType string
	TargetID   string
	Details    map[string]interface{}
	SourceIP   string
	Timestamp  time.Time
}

// EventStoreRecord is an append-only persisted domain event (spec.md §4.5).
type EventStoreRecord struct {
	ID            string
	Seq           uint64
	EventID       string
	EventType     string
	AggregateType string
	AggregateID   string
	Payload       map[string]interface{}
	Timestamp     time.Time
}

func newSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"nodes": {
				Name: "nodes",
				Indexes: map[string]*memdb.IndexSchema{
					"id":         {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"hostname":   {Name: "hostname", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Hostname"}},
					"public_key": {Name: "public_key", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "PublicKey"}},
					"overlay_ip": {Name: "overlay_ip", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "OverlayIP"}},
					"status":     {Name: "status", Unique: false, Indexer: &memdb.StringFieldIndex{Field: "Status"}},
					"role":       {Name: "role", Unique: false, Indexer: &memdb.StringFieldIndex{Field: "Role"}},
				},
			},
			"users": {
				Name: "users",
				Indexes: map[string]*memdb.IndexSchema{
					"id":       {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"username": {Name: "username", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Username"}},
				},
			},
			"groups": {
				Name: "groups",
				Indexes: map[string]*memdb.IndexSchema{
					"id":   {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"name": {Name: "name", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Name"}},
				},
			},
			"memberships": {
				Name: "memberships",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"user_group": {
						Name:   "user_group",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "UserID"},
								&memdb.StringFieldIndex{Field: "GroupID"},
							},
						},
					},
					"user":  {Name: "user", Unique: false, Indexer: &memdb.StringFieldIndex{Field: "UserID"}},
					"group": {Name: "group", Unique: false, Indexer: &memdb.StringFieldIndex{Field: "GroupID"}},
				},
			},
			"policies": {
				Name: "policies",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				},
			},
			"acl_rules": {
				Name: "acl_rules",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				},
			},
			"config_version": {
				Name: "config_version",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				},
			},
			"audit_log": {
				Name: "audit_log",
				Indexes: map[string]*memdb.IndexSchema{
					"id":  {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"seq": {Name: "seq", Unique: true, Indexer: &memdb.UintFieldIndex{Field: "Seq"}},
				},
			},
			"event_store": {
				Name: "event_store",
				Indexes: map[string]*memdb.IndexSchema{
					"id":  {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"seq": {Name: "seq", Unique: true, Indexer: &memdb.UintFieldIndex{Field: "Seq"}},
				},
			},
			"known_good_hashes": {
				Name: "known_good_hashes",
				Indexes: map[string]*memdb.IndexSchema{
					"agent_version": {Name: "agent_version", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "AgentVersion"}},
				},
			},
			"integrity_settings": {
				Name: "integrity_settings",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				},
			},
		},
	}
}
