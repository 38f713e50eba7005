package events

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-sync/pkg/model"
)

func nsID(b byte) model.NamespaceID {
	var ns model.NamespaceID
	ns[0] = b
	return ns
}

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	hub := NewHub()
	ns := nsID(1)

	a := hub.Subscribe(ns)
	b := hub.Subscribe(ns)
	other := hub.Subscribe(nsID(2))
	defer a.Close()
	defer b.Close()
	defer other.Close()

	hub.Publish(ns, LiveEvent{Kind: EventInsertLocal})

	require.Equal(t, EventInsertLocal, (<-a.Events()).Kind)
	require.Equal(t, EventInsertLocal, (<-b.Events()).Kind)
	require.Empty(t, other.Events())
}

func TestEventOrderIsPreserved(t *testing.T) {
	hub := NewHub()
	ns := nsID(1)
	sub := hub.Subscribe(ns)
	defer sub.Close()

	hub.Publish(ns, LiveEvent{Kind: EventInsertRemote})
	hub.Publish(ns, LiveEvent{Kind: EventSyncFinished})
	hub.Publish(ns, LiveEvent{Kind: EventPendingContentReady})

	require.Equal(t, EventInsertRemote, (<-sub.Events()).Kind)
	require.Equal(t, EventSyncFinished, (<-sub.Events()).Kind)
	require.Equal(t, EventPendingContentReady, (<-sub.Events()).Kind)
}

func TestSlowSubscriberGetsLaggedMarker(t *testing.T) {
	hub := NewHub()
	ns := nsID(1)
	sub := hub.SubscribeBuffered(ns, 2)
	defer sub.Close()

	// Fill the buffer, then overflow it.
	hub.Publish(ns, LiveEvent{Kind: EventInsertLocal})
	hub.Publish(ns, LiveEvent{Kind: EventInsertLocal})
	hub.Publish(ns, LiveEvent{Kind: EventInsertLocal})

	require.Equal(t, EventInsertLocal, (<-sub.Events()).Kind)
	require.Equal(t, EventInsertLocal, (<-sub.Events()).Kind)

	// The next delivery carries the gap marker before the new event.
	hub.Publish(ns, LiveEvent{Kind: EventContentReady})
	require.Equal(t, EventLagged, (<-sub.Events()).Kind)
	require.Equal(t, EventContentReady, (<-sub.Events()).Kind)
}

func TestPublisherNeverBlocks(t *testing.T) {
	hub := NewHub()
	ns := nsID(1)
	sub := hub.SubscribeBuffered(ns, 1)
	defer sub.Close()

	// Far more events than the buffer holds; Publish must return anyway.
	for i := 0; i < 100; i++ {
		hub.Publish(ns, LiveEvent{Kind: EventInsertLocal})
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	hub := NewHub()
	ns := nsID(1)
	sub := hub.Subscribe(ns)
	sub.Close()

	hub.Publish(ns, LiveEvent{Kind: EventInsertLocal})
	_, open := <-sub.Events()
	require.False(t, open)
	require.Equal(t, 0, hub.SubscriberCount(ns))
}

func TestDropNamespaceClosesSubscriptions(t *testing.T) {
	hub := NewHub()
	ns := nsID(1)
	sub := hub.Subscribe(ns)

	hub.DropNamespace(ns)
	_, open := <-sub.Events()
	require.False(t, open)
}
