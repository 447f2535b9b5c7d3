package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/pcoutinho/pigeon/internal/bus"
	"github.com/pcoutinho/pigeon/internal/store"
)

func collect(t *testing.T) (func(Event), func() []Event) {
	t.Helper()
	var mu sync.Mutex
	var got []Event
	return func(evt Event) {
			mu.Lock()
			got = append(got, evt)
			mu.Unlock()
		}, func() []Event {
			mu.Lock()
			defer mu.Unlock()
			return append([]Event(nil), got...)
		}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestMessageEventDelivered(t *testing.T) {
	f := New(bus.New())
	handler, events := collect(t)
	sub := f.Subscribe(Filter{Table: TableMessages}, handler)
	defer sub.Unsubscribe()

	f.MessageInserted(&store.Message{ID: "m1", ChatID: "c1", Content: "hi"})

	waitFor(t, func() bool { return len(events()) == 1 })
	evt := events()[0]
	if evt.Kind != KindInsert || evt.Message == nil || evt.Message.ID != "m1" {
		t.Errorf("got %+v, want insert of m1", evt)
	}
}

func TestChatIDFilter(t *testing.T) {
	f := New(bus.New())
	handler, events := collect(t)
	sub := f.Subscribe(Filter{Table: TableMessages, ChatID: "c1"}, handler)
	defer sub.Unsubscribe()

	f.MessageInserted(&store.Message{ID: "m1", ChatID: "c1"})
	f.MessageInserted(&store.Message{ID: "m2", ChatID: "c2"})
	f.MessageInserted(&store.Message{ID: "m3", ChatID: "c1"})

	waitFor(t, func() bool { return len(events()) == 2 })
	time.Sleep(50 * time.Millisecond)
	got := events()
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Message.ID != "m1" || got[1].Message.ID != "m3" {
		t.Errorf("got %s, %s; want m1, m3", got[0].Message.ID, got[1].Message.ID)
	}
}

func TestTableFilter(t *testing.T) {
	f := New(bus.New())
	handler, events := collect(t)
	sub := f.Subscribe(Filter{Table: TableParticipants}, handler)
	defer sub.Unsubscribe()

	f.MessageInserted(&store.Message{ID: "m1", ChatID: "c1"})
	f.UnreadChanged(&store.Participant{ChatID: "c1", UserID: "u1", UnreadCount: 1})

	waitFor(t, func() bool { return len(events()) == 1 })
	evt := events()[0]
	if evt.Table != TableParticipants || evt.Participant == nil {
		t.Errorf("got %+v, want participant update", evt)
	}
	if evt.Participant.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", evt.Participant.UnreadCount)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	f := New(bus.New())
	handler, events := collect(t)
	sub := f.Subscribe(Filter{}, handler)

	f.MessageInserted(&store.Message{ID: "m1", ChatID: "c1"})
	waitFor(t, func() bool { return len(events()) == 1 })

	sub.Unsubscribe()
	f.MessageInserted(&store.Message{ID: "m2", ChatID: "c1"})

	time.Sleep(50 * time.Millisecond)
	if len(events()) != 1 {
		t.Errorf("got %d events after unsubscribe, want 1", len(events()))
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	f := New(bus.New())
	sub := f.Subscribe(Filter{}, func(Event) {})
	sub.Unsubscribe()
	sub.Unsubscribe() // must not panic or deadlock
}
