package services

import (
	"testing"

	"peerlink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEventBus_SubscribeAndUnsubscribe(t *testing.T) {
	bus := NewEventBus(zaptest.NewLogger(t).Sugar())

	var got []string
	unsubscribe := bus.Subscribe(domain.EventICEConnectionState, func(e domain.Event) {
		got = append(got, e.State)
	})

	bus.Publish(domain.Event{Name: domain.EventICEConnectionState, PeerID: "a", State: "checking"})
	bus.Publish(domain.Event{Name: domain.EventSignalingState, PeerID: "a", State: "stable"})
	bus.Publish(domain.Event{Name: domain.EventICEConnectionState, PeerID: "a", State: "connected"})
	unsubscribe()
	bus.Publish(domain.Event{Name: domain.EventICEConnectionState, PeerID: "a", State: "closed"})

	assert.Equal(t, []string{"checking", "connected"}, got)
	assert.Zero(t, bus.SubscriberCount(domain.EventICEConnectionState))
}

func TestEventBus_OnceFiresForFirstMatchOnly(t *testing.T) {
	bus := NewEventBus(zaptest.NewLogger(t).Sugar())

	calls := 0
	var seen domain.Event
	bus.Once(domain.EventSignalingState, stateIs("b", "closed"), func(e domain.Event) {
		calls++
		seen = e
	})

	bus.Publish(domain.Event{Name: domain.EventSignalingState, PeerID: "a", State: "closed"})
	bus.Publish(domain.Event{Name: domain.EventSignalingState, PeerID: "b", State: "stable"})
	assert.Zero(t, calls)
	assert.Equal(t, 1, bus.SubscriberCount(domain.EventSignalingState))

	bus.Publish(domain.Event{Name: domain.EventSignalingState, PeerID: "b", State: "closed"})
	bus.Publish(domain.Event{Name: domain.EventSignalingState, PeerID: "b", State: "closed"})

	assert.Equal(t, 1, calls)
	assert.Equal(t, domain.PeerID("b"), seen.PeerID)
	assert.Zero(t, bus.SubscriberCount(domain.EventSignalingState))
}

func TestEventBus_OnceSurvivesReentrantPublish(t *testing.T) {
	bus := NewEventBus(zaptest.NewLogger(t).Sugar())

	calls := 0
	bus.Once(domain.EventPeerLeft, nil, func(e domain.Event) {
		calls++
		bus.Publish(e)
	})
	bus.Publish(domain.Event{Name: domain.EventPeerLeft, PeerID: "a"})

	assert.Equal(t, 1, calls)
}

func TestEventBus_OnceCancel(t *testing.T) {
	bus := NewEventBus(zaptest.NewLogger(t).Sugar())

	called := false
	cancel := bus.Once(domain.EventPeerJoined, nil, func(domain.Event) { called = true })
	cancel()
	bus.Publish(domain.Event{Name: domain.EventPeerJoined, PeerID: "a"})

	assert.False(t, called)
}

func TestEventBus_Await(t *testing.T) {
	bus := NewEventBus(zaptest.NewLogger(t).Sugar())

	ch, cancel := bus.Await(domain.EventICEConnectionState, stateIs("a", string(domain.ICEClosed)))
	defer cancel()

	bus.Publish(domain.Event{Name: domain.EventICEConnectionState, PeerID: "a", State: "failed"})
	select {
	case <-ch:
		t.Fatal("await fired for a non-matching event")
	default:
	}

	bus.Publish(domain.Event{Name: domain.EventICEConnectionState, PeerID: "a", State: "closed"})
	select {
	case e := <-ch:
		assert.Equal(t, "closed", e.State)
	default:
		t.Fatal("await did not fire")
	}
}

func TestEventBus_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	bus := NewEventBus(zaptest.NewLogger(t).Sugar())

	bus.Subscribe(domain.EventPeerJoined, func(domain.Event) { panic("boom") })
	delivered := false
	bus.Subscribe(domain.EventPeerJoined, func(domain.Event) { delivered = true })

	require.NotPanics(t, func() {
		bus.Publish(domain.Event{Name: domain.EventPeerJoined, PeerID: "a"})
	})
	assert.True(t, delivered)
}
