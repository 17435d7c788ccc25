package registry

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"
	uuid "github.com/hashicorp/go-uuid"

	"github.com/ztnet/control-plane/internal/eventbus"
	"github.com/ztnet/control-plane/internal/integrity"
	"github.com/ztnet/control-plane/internal/ipam"
)

// Store is an ordinary constructed value wrapping a go-memdb database, the
// way spec.md §9 asks the policy compiler and integrity verifier to be
// ("ordinary values with no hidden module state") extended to the registry
// itself: nothing here is a package-level singleton.
type Store struct {
	db         *memdb.MemDB
	bus        *eventbus.Bus
	logger     hclog.Logger
	seq        uint64
	now        func() time.Time
	ipPool     *ipam.Allocator
	thresholds integrity.Thresholds
}

// New constructs an empty Store over the given overlay CIDR. AttachBus must
// be called once the event bus exists, breaking the cyclic reference the
// teacher's design note (spec.md §9) warns about: handlers are bound to the
// bus at startup, not at module load.
func New(logger hclog.Logger, overlayNetwork *net.IPNet, ipPoolLowWatermark int) (*Store, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	db, err := memdb.NewMemDB(newSchema())
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:         db,
		logger:     logger.Named("registry"),
		now:        func() time.Time { return time.Now().UTC() },
		thresholds: integrity.DefaultThresholds(),
	}
	s.ipPool = ipam.New(overlayNetwork, ipPoolLowWatermark, s.onIPPoolEvent)
	return s, nil
}

// SetIntegrityThresholds overrides the default T_warn/T_suspend/T_revoke
// escalation ladder (spec.md §4.4: "configurable").
func (s *Store) SetIntegrityThresholds(t integrity.Thresholds) { s.thresholds = t }

// onIPPoolEvent forwards ipam.Allocator events onto the domain event bus
// (spec.md §4.1: "Emits IPAllocated/IPReleased/IPPoolLow ... and
// IPPoolExhausted").
func (s *Store) onIPPoolEvent(evt ipam.Event) {
	if s.bus == nil {
		return
	}
	var eventType eventbus.EventType
	switch evt.Kind {
	case "allocated":
		eventType = eventbus.IPAllocated
	case "released":
		eventType = eventbus.IPReleased
	case "pool_low":
		eventType = eventbus.IPPoolLow
	case "pool_exhausted":
		eventType = eventbus.IPPoolExhausted
	default:
		return
	}
	// ipam emits while RegisterNode's write transaction is still open, and
	// the bus's persister opens its own write transaction, so publish async.
	s.bus.PublishAsync(context.Background(), eventbus.New(eventType, map[string]interface{}{
		"ip":    evt.IP,
		"owner": evt.Owner,
		"free":  evt.Free,
	}, "ipam"))
}

// AttachBus wires the event bus this store publishes domain events to.
// Store also implements eventbus.Persister, so callers typically do:
//
//	store, _ := registry.New(logger, overlayNetwork, lowWatermark)
//	bus := eventbus.New(logger, store)
//	store.AttachBus(bus)
func (s *Store) AttachBus(bus *eventbus.Bus) { s.bus = bus }

func (s *Store) nextSeq() uint64 { return atomic.AddUint64(&s.seq, 1) }

func newID() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "00000000-0000-0000-0000-000000000000"
	}
	return id
}

// writeTxn opens a write transaction. Callers must txn.Commit() on success;
// the deferred Abort is always safe since memdb treats Abort after Commit
// as a no-op.
func (s *Store) writeTxn() *memdb.Txn { return s.db.Txn(true) }

func (s *Store) readTxn() *memdb.Txn { return s.db.Txn(false) }

// audit appends an AuditLogEntry inside txn — every successful mutation
// writes exactly one (spec.md §4.2).
func (s *Store) audit(txn *memdb.Txn, action, actorType, actorID, targetType, targetID, sourceIP string, details map[string]interface{}) {
	entry := &AuditLogEntry{
		ID:         newID(),
		Seq:        s.nextSeq(),
		Action:     action,
		ActorType:  actorType,
		ActorID:    actorID,
		TargetType: targetType,
		TargetID:   targetID,
		Details:    details,
		SourceIP:   sourceIP,
		Timestamp:  s.now(),
	}
	if err := txn.Insert("audit_log", entry); err != nil {
		s.logger.Error("failed to append audit log entry", "action", action, "error", err)
	}
}

// publish emits evt on the bus after the mutating transaction has
// committed (spec.md §7: "events are emitted after commit").
func (s *Store) publish(ctx context.Context, evt eventbus.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, evt)
}

// Persist implements eventbus.Persister: it writes evt into the event_store
// table in its own transaction, independent of whatever mutation produced
// the event.
func (s *Store) Persist(ctx context.Context, evt eventbus.Event) error {
	txn := s.writeTxn()
	defer txn.Abort()

	aggType, _ := evt.Payload["aggregate_type"].(string)
	aggID, _ := evt.Payload["aggregate_id"].(string)
	if aggID == "" {
		if nodeID, ok := evt.Payload["node_id"].(string); ok {
			aggType, aggID = "node", nodeID
		} else if policyID, ok := evt.Payload["policy_id"].(string); ok {
			aggType, aggID = "policy", policyID
		}
	}

	record := &EventStoreRecord{
		ID:            newID(),
		Seq:           s.nextSeq(),
		EventID:       evt.EventID,
		EventType:     string(evt.Type),
		AggregateType: aggType,
		AggregateID:   aggID,
		Payload:       evt.Payload,
		Timestamp:     evt.Timestamp,
	}
	if err := txn.Insert("event_store", record); err != nil {
		return err
	}
	return txn.Commit()
}

// Events returns persisted events in append order, optionally filtered by
// type, for debugging.
func (s *Store) Events(eventType string, limit int) ([]*EventStoreRecord, error) {
	txn := s.readTxn()
	it, err := txn.Get("event_store", "id")
	if err != nil {
		return nil, err
	}
	var out []*EventStoreRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*EventStoreRecord)
		if eventType != "" && rec.EventType != eventType {
			continue
		}
		out = append(out, rec)
	}
	// stable ascending order by Seq (append order)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Seq > out[j].Seq; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// AuditEntries returns recorded audit log rows in append order.
func (s *Store) AuditEntries(limit int) ([]*AuditLogEntry, error) {
	txn := s.readTxn()
	it, err := txn.Get("audit_log", "id")
	if err != nil {
		return nil, err
	}
	var out []*AuditLogEntry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*AuditLogEntry))
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Seq > out[j].Seq; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// IPPoolStats is a snapshot of overlay IP pool utilization for the Admin
// API's network stats endpoint (spec.md §4.8).
type IPPoolStats struct {
	Free int
}

// IPPoolStats reports the current overlay address pool's free count.
func (s *Store) IPPoolStats() IPPoolStats {
	return IPPoolStats{Free: s.ipPool.Free()}
}

// ConfigVersion returns the current monotone configuration version.
func (s *Store) ConfigVersion() (uint64, error) {
	txn := s.readTxn()
	raw, err := txn.First("config_version", "id", configVersionID)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	return raw.(*configVersionRow).Value, nil
}

// bumpConfigVersion increments the version inside txn and returns the new
// value. config_version only ever increases (spec.md §3 invariant).
func (s *Store) bumpConfigVersion(txn *memdb.Txn) (uint64, error) {
	raw, err := txn.First("config_version", "id", configVersionID)
	if err != nil {
		return 0, err
	}
	current := uint64(0)
	if raw != nil {
		current = raw.(*configVersionRow).Value
	}
	next := current + 1
	if err := txn.Insert("config_version", &configVersionRow{ID: configVersionID, Value: next}); err != nil {
		return 0, err
	}
	return next, nil
}
