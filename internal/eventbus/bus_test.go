package eventbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_HandlersRunInPriorityOrder(t *testing.T) {
	bus := New(nil, nil)

	var order []string
	record := func(name string) Handler {
		return func(ctx context.Context, evt Event) error {
			order = append(order, name)
			return nil
		}
	}

	bus.Subscribe(NodeRegistered, record("low"), PriorityLow, 0, time.Millisecond)
	bus.Subscribe(NodeRegistered, record("high"), PriorityHigh, 0, time.Millisecond)
	bus.Subscribe(NodeRegistered, record("normal"), PriorityNormal, 0, time.Millisecond)

	bus.Publish(context.Background(), New(NodeRegistered, nil, "test"))

	require.Equal(t, []string{"high", "normal", "low"}, order)
}

func TestBus_HandlerFailureDoesNotBlockLaterHandlers(t *testing.T) {
	bus := New(nil, nil)

	var secondRan int32
	bus.Subscribe(NodeRegistered, func(ctx context.Context, evt Event) error {
		return errors.New("boom")
	}, PriorityHigh, 0, time.Millisecond)
	bus.Subscribe(NodeRegistered, func(ctx context.Context, evt Event) error {
		atomic.AddInt32(&secondRan, 1)
		return nil
	}, PriorityNormal, 0, time.Millisecond)

	bus.Publish(context.Background(), New(NodeRegistered, nil, "test"))

	require.EqualValues(t, 1, atomic.LoadInt32(&secondRan))
}

func TestBus_RetriesUpToRetryCount(t *testing.T) {
	bus := New(nil, nil)

	var attempts int32
	bus.Subscribe(NodeRegistered, func(ctx context.Context, evt Event) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("transient")
		}
		return nil
	}, PriorityNormal, 3, time.Millisecond)

	bus.Publish(context.Background(), New(NodeRegistered, nil, "test"))

	require.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

type recordingPersister struct {
	events []Event
}

func (r *recordingPersister) Persist(ctx context.Context, evt Event) error {
	r.events = append(r.events, evt)
	return nil
}

func TestBus_PersisterRunsForEveryEventRegardlessOfSubscribers(t *testing.T) {
	persister := &recordingPersister{}
	bus := New(nil, persister)

	bus.Publish(context.Background(), New(NodeRegistered, map[string]interface{}{"hostname": "app-01"}, "test"))

	require.Len(t, persister.events, 1)
	require.Equal(t, NodeRegistered, persister.events[0].Type)
}

func TestBus_HistoryIsBoundedAndFilterable(t *testing.T) {
	bus := New(nil, nil)
	bus.maxHist = 2

	bus.Publish(context.Background(), New(NodeRegistered, nil, "test"))
	bus.Publish(context.Background(), New(NodeRevoked, nil, "test"))
	bus.Publish(context.Background(), New(NodeRegistered, nil, "test"))

	all := bus.History("", 10)
	require.Len(t, all, 2)

	onlyRevoked := bus.History(NodeRevoked, 10)
	require.Len(t, onlyRevoked, 1, "only the oldest event (the first NodeRegistered) was evicted by the ring buffer")
}
