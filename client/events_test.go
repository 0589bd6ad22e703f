package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusExactSubscription(t *testing.T) {
	bus := NewBus()

	ch, cancel := bus.Subscribe("c1", EventStatus)
	defer cancel()

	bus.Publish(Event{ClientID: "c1", Kind: EventStatus, Status: StatusUp})

	select {
	case evt := <-ch:
		assert.Equal(t, "c1", evt.ClientID)
		assert.Equal(t, StatusUp, evt.Status)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestBusFiltersByClientAndKind(t *testing.T) {
	bus := NewBus()

	ch, cancel := bus.Subscribe("c1", EventStatus)
	defer cancel()

	bus.Publish(Event{ClientID: "other", Kind: EventStatus, Status: StatusUp})
	bus.Publish(Event{ClientID: "c1", Kind: EventPingResponse, RTT: time.Millisecond})

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusWildcard(t *testing.T) {
	bus := NewBus()

	ch, cancel := bus.Subscribe(WildcardClient, EventPingResponse)
	defer cancel()

	bus.Publish(Event{ClientID: "a", Kind: EventPingResponse, RTT: 5 * time.Millisecond})
	bus.Publish(Event{ClientID: "b", Kind: EventPingResponse, RTT: 7 * time.Millisecond})

	first := <-ch
	second := <-ch
	assert.Equal(t, "a", first.ClientID)
	assert.Equal(t, "b", second.ClientID)
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus()

	ch, cancel := bus.Subscribe("c1", EventStatus)
	cancel()

	_, open := <-ch
	require.False(t, open)

	// Publishing after cancel must not panic
	bus.Publish(Event{ClientID: "c1", Kind: EventStatus, Status: StatusDown})
}

func TestBusDropsWhenSubscriberStalls(t *testing.T) {
	bus := NewBus()

	ch, cancel := bus.Subscribe("c1", EventStatus)
	defer cancel()

	// Channel capacity is 16; publishing more must not block
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{ClientID: "c1", Kind: EventStatus, Status: StatusUp})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}

	assert.Len(t, ch, 16)
}
