package eventbus

import (
	"time"

	uuid "github.com/hashicorp/go-uuid"
)

// EventType is the fixed vocabulary of domain events (spec.md §4.5).
type EventType string

const (
	NodeRegistered    EventType = "NodeRegistered"
	NodeApproved      EventType = "NodeApproved"
	NodeSuspended     EventType = "NodeSuspended"
	NodeRevoked       EventType = "NodeRevoked"
	NodeDeleted       EventType = "NodeDeleted"
	ClientRegistered  EventType = "ClientRegistered"
	ClientDeleted     EventType = "ClientDeleted"
	PolicyCreated     EventType = "PolicyCreated"
	PolicyUpdated     EventType = "PolicyUpdated"
	PolicyDeleted     EventType = "PolicyDeleted"
	GroupCreated      EventType = "GroupCreated"
	GroupUpdated      EventType = "GroupUpdated"
	GroupDeleted      EventType = "GroupDeleted"
	IPAllocated       EventType = "IPAllocated"
	IPReleased        EventType = "IPReleased"
	IPPoolLow         EventType = "IPPoolLow"
	IPPoolExhausted   EventType = "IPPoolExhausted"
	TrustScoreChanged EventType = "TrustScoreChanged"
	IntegrityWarning  EventType = "IntegrityWarning"
	SecurityAlert     EventType = "SecurityAlert"
	ConfigVersionBump EventType = "ConfigVersionBump"
	PeerAdded         EventType = "PeerAdded"
	PeerRemoved       EventType = "PeerRemoved"
	PeerSyncRequested EventType = "PeerSyncRequested"
)

// Priority mirrors spec.md §4.5's HIGH/NORMAL/LOW handler ordering. Lower
// values run first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 5
	PriorityLow    Priority = 10
)

// Event is the envelope published on the bus: (event_id, event_type,
// payload, timestamp, source, version).
type Event struct {
	EventID   string
	Type      EventType
	Payload   map[string]interface{}
	Timestamp time.Time
	Source    string
	Version   int
}

// New builds an Event with a fresh UUID and the current time, the same
// defaulting `Event.__post_init__` performs in the original.
func New(eventType EventType, payload map[string]interface{}, source string) Event {
	id, err := uuid.GenerateUUID()
	if err != nil {
		// uuid.GenerateUUID only fails if the system RNG is unavailable;
		// fall back to a fixed sentinel rather than panic in a publish path.
		id = "00000000-0000-0000-0000-000000000000"
	}
	return Event{
		EventID:   id,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Version:   1,
	}
}
