package hub

import "testing"

func TestBroadcastFiltersBySubscription(t *testing.T) {
	h := New()
	unitA := &Client{ID: "a", Send: make(chan []byte, 1), Subscription: Subscription{UnitID: "unit-a"}}
	unitB := &Client{ID: "b", Send: make(chan []byte, 1), Subscription: Subscription{UnitID: "unit-b"}}
	all := &Client{ID: "c", Send: make(chan []byte, 1)}
	h.Register(unitA)
	h.Register(unitB)
	h.Register(all)

	h.Broadcast([]byte("hello"), Subscription{UnitID: "unit-a"})

	if len(unitA.Send) != 1 {
		t.Fatal("expected unit-a subscriber to receive message")
	}
	if len(unitB.Send) != 0 {
		t.Fatal("expected unit-b subscriber to be skipped")
	}
	if len(all.Send) != 1 {
		t.Fatal("expected unfiltered subscriber to receive message")
	}
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	h := New()
	client := &Client{ID: "slow", Send: make(chan []byte, 1)}
	h.Register(client)

	h.Broadcast([]byte("one"), Subscription{})
	h.Broadcast([]byte("two"), Subscription{})

	if got := <-client.Send; string(got) != "one" {
		t.Fatalf("expected first message kept, got %q", got)
	}
	if len(client.Send) != 0 {
		t.Fatal("expected overflow message to be dropped")
	}
}

func TestBroadcastOrganFilter(t *testing.T) {
	h := New()
	client := &Client{ID: "o", Send: make(chan []byte, 2), Subscription: Subscription{UnitID: "unit-a", OrganID: "organ-1"}}
	h.Register(client)

	h.Broadcast([]byte("match"), Subscription{UnitID: "unit-a", OrganID: "organ-1"})
	h.Broadcast([]byte("other"), Subscription{UnitID: "unit-a", OrganID: "organ-2"})

	if len(client.Send) != 1 {
		t.Fatalf("expected exactly one delivered message, got %d", len(client.Send))
	}
}

func TestBroadcastUnitWideEventReachesOrganSubscriber(t *testing.T) {
	h := New()
	client := &Client{ID: "o", Send: make(chan []byte, 2), Subscription: Subscription{UnitID: "unit-a", OrganID: "organ-1"}}
	h.Register(client)

	h.Broadcast([]byte("unit-wide"), Subscription{UnitID: "unit-a"})
	h.Broadcast([]byte("elsewhere"), Subscription{UnitID: "unit-b"})

	if len(client.Send) != 1 {
		t.Fatalf("expected exactly one delivered message, got %d", len(client.Send))
	}
	if got := <-client.Send; string(got) != "unit-wide" {
		t.Fatalf("expected unit-wide message delivered, got %q", got)
	}
}

func TestParseSubscribe(t *testing.T) {
	msg, ok := ParseSubscribe([]byte(`{"action":"subscribe","unit_id":"u1","organ_id":"o1"}`))
	if !ok || msg.UnitID != "u1" || msg.OrganID != "o1" {
		t.Fatalf("unexpected parse result: %+v ok=%v", msg, ok)
	}
	if _, ok := ParseSubscribe([]byte(`{"action":"noop"}`)); ok {
		t.Fatal("expected unknown action to be rejected")
	}
	if _, ok := ParseSubscribe([]byte(`not json`)); ok {
		t.Fatal("expected invalid JSON to be rejected")
	}
}

func TestUnregisterClosesSend(t *testing.T) {
	h := New()
	client := &Client{ID: "x", Send: make(chan []byte, 1)}
	h.Register(client)
	h.Unregister(client)

	if _, open := <-client.Send; open {
		t.Fatal("expected send channel to be closed")
	}

	h.Broadcast([]byte("late"), Subscription{})
}
