// Package realtime is the push channel for row-level change events.
// It rides on the in-process bus: store mutators publish through the Feed,
// conversation sessions, the unread tracker, and the inbox watcher consume
// filtered subscriptions. Delivery is best-effort and may redeliver;
// consumers are required to be idempotent and to refetch after a gap.
package realtime

import (
	"sync"
	"time"

	"github.com/pcoutinho/pigeon/internal/bus"
	"github.com/pcoutinho/pigeon/internal/store"
)

// Table identifies which row set an event refers to.
type Table string

const (
	TableMessages     Table = "messages"
	TableParticipants Table = "participants"
	TableChats        Table = "chats"
)

// Kind is the change type carried by an event.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
)

// Bus event namespaces used under the hood.
const (
	kindMessageInserted = "store.message_inserted"
	kindUnreadChanged   = "store.unread_changed"
	kindChatCreated     = "store.chat_created"
)

// Event is a single change notification. Exactly one of Message,
// Participant, Chat is set, matching Table.
type Event struct {
	Kind        Kind
	Table       Table
	Message     *store.Message
	Participant *store.Participant
	Chat        *store.Chat
}

// Filter restricts a subscription. Zero-value fields match everything.
type Filter struct {
	Table  Table
	ChatID string
}

func (f Filter) matches(evt Event) bool {
	if f.Table != "" && f.Table != evt.Table {
		return false
	}
	if f.ChatID != "" && f.ChatID != evt.chatID() {
		return false
	}
	return true
}

func (e Event) chatID() string {
	switch {
	case e.Message != nil:
		return e.Message.ChatID
	case e.Participant != nil:
		return e.Participant.ChatID
	case e.Chat != nil:
		return e.Chat.ID
	}
	return ""
}

// Feed publishes and dispatches change events.
type Feed struct {
	bus *bus.Bus
}

// New creates a feed on top of the given bus.
func New(b *bus.Bus) *Feed {
	return &Feed{bus: b}
}

// MessageInserted announces a newly stored message.
func (f *Feed) MessageInserted(m *store.Message) {
	f.bus.Publish(bus.Event{
		Kind:      kindMessageInserted,
		Timestamp: time.Now(),
		Payload:   Event{Kind: KindInsert, Table: TableMessages, Message: m},
	})
}

// UnreadChanged announces an updated unread counter.
func (f *Feed) UnreadChanged(p *store.Participant) {
	f.bus.Publish(bus.Event{
		Kind:      kindUnreadChanged,
		Timestamp: time.Now(),
		Payload:   Event{Kind: KindUpdate, Table: TableParticipants, Participant: p},
	})
}

// ChatCreated announces a newly created chat.
func (f *Feed) ChatCreated(c *store.Chat) {
	f.bus.Publish(bus.Event{
		Kind:      kindChatCreated,
		Timestamp: time.Now(),
		Payload:   Event{Kind: KindInsert, Table: TableChats, Chat: c},
	})
}

// Subscription is a live feed registration. Unsubscribe stops delivery and
// waits for any in-flight handler call to return, so no callback runs after
// Unsubscribe.
type Subscription struct {
	stop func()
	done chan struct{}
	wg   *sync.WaitGroup
	once sync.Once
}

// Unsubscribe cancels the subscription.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		s.stop()
		s.wg.Wait()
	})
}

// Subscribe registers onEvent for every feed event matching filter.
// The handler runs on a dedicated goroutine, one event at a time.
func (f *Feed) Subscribe(filter Filter, onEvent func(Event)) *Subscription {
	ch, unsub := f.bus.Subscribe("store.", 256)
	sub := &Subscription{
		stop: unsub,
		done: make(chan struct{}),
		wg:   &sync.WaitGroup{},
	}

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		for {
			select {
			case evt := <-ch:
				fe, ok := evt.Payload.(Event)
				if !ok || !filter.matches(fe) {
					continue
				}
				onEvent(fe)
			case <-sub.done:
				return
			}
		}
	}()
	return sub
}
