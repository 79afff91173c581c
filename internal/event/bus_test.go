package event

import (
	"io"
	"log"
	"testing"
)

func newTestBus() *Bus[int] {
	return New[int](log.New(io.Discard, "", 0))
}

func TestSubscribeAndPublish(t *testing.T) {
	b := newTestBus()

	var got []int
	b.Subscribe("a", func(v int, _ Type) { got = append(got, v) })

	b.Publish("a", 1, TypeProgress)
	b.Publish("a", 2, TypeProgress)
	b.Publish("b", 3, TypeProgress) // different key, not delivered

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}

func TestGlobalReceivesEveryKey(t *testing.T) {
	b := newTestBus()

	type delivery struct {
		key string
		v   int
		t   Type
	}
	var got []delivery
	b.SubscribeAll(func(key string, v int, typ Type) {
		got = append(got, delivery{key, v, typ})
	})

	b.Publish("a", 1, TypeStarted)
	b.Publish("b", 2, TypeCompleted)

	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if got[0].key != "a" || got[0].t != TypeStarted {
		t.Fatalf("unexpected first delivery: %+v", got[0])
	}
	if got[1].key != "b" || got[1].v != 2 {
		t.Fatalf("unexpected second delivery: %+v", got[1])
	}
}

func TestKeyedCallbacksRunBeforeGlobal(t *testing.T) {
	b := newTestBus()

	var order []string
	b.SubscribeAll(func(string, int, Type) { order = append(order, "global") })
	b.Subscribe("a", func(int, Type) { order = append(order, "keyed") })

	b.Publish("a", 0, TypeProgress)

	if len(order) != 2 || order[0] != "keyed" || order[1] != "global" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestPanickingCallbackIsIsolated(t *testing.T) {
	b := newTestBus()

	called := false
	b.Subscribe("a", func(int, Type) { panic("boom") })
	b.Subscribe("a", func(int, Type) { called = true })

	b.Publish("a", 0, TypeProgress) // must not panic out

	if !called {
		t.Fatal("callback after the panicking one was not invoked")
	}
}

func TestDrop(t *testing.T) {
	b := newTestBus()

	keyed := 0
	global := 0
	b.Subscribe("a", func(int, Type) { keyed++ })
	b.SubscribeAll(func(string, int, Type) { global++ })

	b.Drop("a")
	b.Publish("a", 0, TypeProgress)

	if keyed != 0 {
		t.Fatal("dropped key callback still invoked")
	}
	if global != 1 {
		t.Fatal("global callback should survive Drop")
	}
}

func TestSubscribeDuringDispatch(t *testing.T) {
	b := newTestBus()

	late := 0
	b.Subscribe("a", func(int, Type) {
		b.Subscribe("a", func(int, Type) { late++ })
	})

	b.Publish("a", 0, TypeProgress)
	if late != 0 {
		t.Fatal("late subscriber should not see the event it was added during")
	}
	b.Publish("a", 0, TypeProgress)
	if late != 1 {
		t.Fatal("late subscriber should see subsequent events")
	}
}
