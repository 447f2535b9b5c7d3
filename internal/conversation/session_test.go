package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pcoutinho/pigeon/internal/bus"
	"github.com/pcoutinho/pigeon/internal/realtime"
	"github.com/pcoutinho/pigeon/internal/store"
)

type fixture struct {
	db    *store.DB
	feed  *realtime.Feed
	alice *store.User
	bob   *store.User
	chat  *store.Chat
}

func setup(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	alice, err := db.CreateUser("alice", "", "hash")
	if err != nil {
		t.Fatal(err)
	}
	bob, err := db.CreateUser("bob", "", "hash")
	if err != nil {
		t.Fatal(err)
	}
	chat, err := db.CreateChat(store.PairKey(alice.ID, bob.ID))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AddParticipants(chat.ID, []string{alice.ID, bob.ID}); err != nil {
		t.Fatal(err)
	}

	return &fixture{
		db:    db,
		feed:  realtime.New(bus.New()),
		alice: alice,
		bob:   bob,
		chat:  chat,
	}
}

func (f *fixture) open(t *testing.T, selfID string) *Session {
	t.Helper()
	s := New(f.db, f.feed, f.chat.ID, selfID, Options{}, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func (f *fixture) seed(t *testing.T, id, senderID, content string, createdAt int64) store.Message {
	t.Helper()
	m := store.Message{
		ID: id, ChatID: f.chat.ID, SenderID: senderID,
		Content: content, CreatedAt: createdAt,
	}
	if _, err := f.db.Exec(`
		INSERT INTO messages (id, chat_id, sender_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.SenderID, m.Content, m.CreatedAt); err != nil {
		t.Fatal(err)
	}
	return m
}

func viewIDs(s *Session) []string {
	var ids []string
	for _, e := range s.View() {
		ids = append(ids, e.Message.ID)
	}
	return ids
}

func waitForView(t *testing.T, s *Session, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.View()) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("view has %d entries, want %d", len(s.View()), want)
}

func TestOpenLoadsOrderedPage(t *testing.T) {
	f := setup(t)
	f.seed(t, "m2", f.bob.ID, "two", 2000)
	f.seed(t, "m1", f.alice.ID, "one", 1000)
	f.seed(t, "m3", f.bob.ID, "three", 3000)

	s := f.open(t, f.alice.ID)

	if s.State() != Ready {
		t.Errorf("state = %s, want READY", s.State())
	}
	got := viewIDs(s)
	want := []string{"m1", "m2", "m3"}
	if len(got) != len(want) {
		t.Fatalf("view = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("view[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSendRejectsEmptyBeforeStore(t *testing.T) {
	f := setup(t)
	s := f.open(t, f.alice.ID)

	for _, content := range []string{"", "   ", "\n\t"} {
		if _, err := s.Send(context.Background(), content); err != ErrEmptyContent {
			t.Errorf("Send(%q) error = %v, want ErrEmptyContent", content, err)
		}
	}

	n, err := f.db.MessageCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("message count = %d, want 0 (no store call)", n)
	}
}

// TestSendRoundTrip sends a message and checks exactly one final entry
// with the store-assigned id and original content: no duplicate from the
// echo, no ghost temporary entry.
func TestSendRoundTrip(t *testing.T) {
	f := setup(t)
	s := f.open(t, f.alice.ID)

	msg, err := s.Send(context.Background(), "  hello  ")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Content != "hello" {
		t.Errorf("content = %q, want trimmed %q", msg.Content, "hello")
	}

	// The echo is published on the feed; give it time to loop back.
	time.Sleep(100 * time.Millisecond)

	view := s.View()
	if len(view) != 1 {
		t.Fatalf("view has %d entries, want 1: %v", len(view), viewIDs(s))
	}
	if view[0].Pending {
		t.Error("entry still pending after reconciliation")
	}
	if view[0].Message.ID != msg.ID {
		t.Errorf("entry id = %s, want store-assigned %s", view[0].Message.ID, msg.ID)
	}
	if s.State() != Ready {
		t.Errorf("state = %s, want READY", s.State())
	}
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	f := setup(t)
	s := f.open(t, f.alice.ID)

	m := f.seed(t, "m1", f.bob.ID, "hi", 1000)
	f.feed.MessageInserted(&m)
	f.feed.MessageInserted(&m)
	f.feed.MessageInserted(&m)

	waitForView(t, s, 1)
	time.Sleep(50 * time.Millisecond)
	if got := len(s.View()); got != 1 {
		t.Errorf("view has %d entries after redelivery, want 1", got)
	}
}

func TestOutOfOrderArrivalKeepsOrdering(t *testing.T) {
	f := setup(t)
	m1 := f.seed(t, "m1", f.bob.ID, "one", 1000)
	s := f.open(t, f.alice.ID)

	m3 := f.seed(t, "m3", f.bob.ID, "three", 3000)
	m2 := f.seed(t, "m2", f.bob.ID, "two", 2000)

	// t3 arrives before t2.
	f.feed.MessageInserted(&m3)
	f.feed.MessageInserted(&m2)

	waitForView(t, s, 3)
	got := viewIDs(s)
	want := []string{m1.ID, m2.ID, m3.ID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("view = %v, want %v", got, want)
		}
	}
}

func TestRemoteInsertFromOtherUser(t *testing.T) {
	f := setup(t)
	s := f.open(t, f.alice.ID)

	m := f.seed(t, "m1", f.bob.ID, "hey", 1000)
	f.feed.MessageInserted(&m)

	waitForView(t, s, 1)
	if entry := s.View()[0]; entry.Pending || entry.Message.SenderID != f.bob.ID {
		t.Errorf("entry = %+v, want confirmed message from bob", entry)
	}
}

// TestEchoWithoutPendingAppends guards against a missed optimistic match:
// a self-authored row arriving with no pending counterpart must still be
// appended exactly once.
func TestEchoWithoutPendingAppends(t *testing.T) {
	f := setup(t)
	s := f.open(t, f.alice.ID)

	m := f.seed(t, "m1", f.alice.ID, "sent elsewhere", 1000)
	f.feed.MessageInserted(&m)

	waitForView(t, s, 1)
	if got := s.View()[0].Message.ID; got != "m1" {
		t.Errorf("entry id = %s, want m1", got)
	}
}

// TestEchoMatchesPendingEntry stages an echo arriving while the send is
// still in flight: the optimistic entry must be matched and removed, not
// doubled. The insert is stalled by holding SQLite's write lock.
func TestEchoMatchesPendingEntry(t *testing.T) {
	f := setup(t)
	s := New(f.db, f.feed, f.chat.ID, f.alice.ID, Options{SendTimeout: 400 * time.Millisecond}, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)

	// Hold the write lock so the send's insert blocks.
	tx, err := f.db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Exec(`INSERT INTO users (id, username, avatar_url, password_hash, created_at)
		VALUES ('blocker', 'blocker', '', 'x', 1)`); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = tx.Rollback() }()

	sendDone := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "hello")
		sendDone <- err
	}()

	// Wait for the optimistic entry to appear.
	waitForView(t, s, 1)
	if !s.View()[0].Pending {
		t.Fatal("expected a pending optimistic entry")
	}

	// Echo for the same logical message arrives first.
	echo := store.Message{
		ID: "server-1", ChatID: f.chat.ID, SenderID: f.alice.ID,
		Content: "hello", CreatedAt: time.Now().UnixMilli(),
	}
	f.feed.MessageInserted(&echo)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		v := s.View()
		if len(v) == 1 && !v[0].Pending {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	v := s.View()
	if len(v) != 1 || v[0].Pending || v[0].Message.ID != "server-1" {
		t.Fatalf("view = %+v, want single confirmed server-1", v)
	}

	// The stalled send times out against the held lock; the view must not
	// grow a duplicate or a ghost entry.
	if err := <-sendDone; err == nil {
		t.Log("send completed after echo; tolerated")
	} else if !errors.Is(err, ErrSendFailed) {
		t.Errorf("send error = %v, want ErrSendFailed", err)
	}
	if got := len(s.View()); got != 1 {
		t.Errorf("view has %d entries, want 1", got)
	}
}

func TestSendFailureRollsBackOptimisticEntry(t *testing.T) {
	f := setup(t)
	s := f.open(t, f.alice.ID)

	// Force the insert to fail.
	_ = f.db.Close()

	_, err := s.Send(context.Background(), "doomed")
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("error = %v, want ErrSendFailed", err)
	}
	if got := len(s.View()); got != 0 {
		t.Errorf("view has %d entries after failed send, want 0", got)
	}
	if s.State() != Ready {
		t.Errorf("state = %s, want READY", s.State())
	}
}

func TestCloseStopsMutation(t *testing.T) {
	f := setup(t)
	s := f.open(t, f.alice.ID)
	s.Close()

	if s.State() != Closed {
		t.Errorf("state = %s, want CLOSED", s.State())
	}
	if _, err := s.Send(context.Background(), "late"); err != ErrSessionClosed {
		t.Errorf("Send after close error = %v, want ErrSessionClosed", err)
	}

	m := f.seed(t, "m1", f.bob.ID, "late", 1000)
	f.feed.MessageInserted(&m)
	time.Sleep(50 * time.Millisecond)
	if got := len(s.View()); got != 0 {
		t.Errorf("view mutated after close: %d entries", got)
	}

	// Close is idempotent.
	s.Close()
}

func TestResyncRecoversMissedMessages(t *testing.T) {
	f := setup(t)
	s := f.open(t, f.alice.ID)

	// Simulate a subscription gap: rows land in the store with no event.
	f.seed(t, "m1", f.bob.ID, "missed one", 1000)
	f.seed(t, "m2", f.bob.ID, "missed two", 2000)

	if err := s.Resync(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := viewIDs(s)
	if len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
		t.Errorf("view = %v, want [m1 m2]", got)
	}

	// The fresh subscription is live.
	m3 := f.seed(t, "m3", f.bob.ID, "after resync", 3000)
	f.feed.MessageInserted(&m3)
	waitForView(t, s, 3)
}

func TestResyncAfterClose(t *testing.T) {
	f := setup(t)
	s := f.open(t, f.alice.ID)
	s.Close()

	if err := s.Resync(context.Background()); err != ErrSessionClosed {
		t.Errorf("Resync after close error = %v, want ErrSessionClosed", err)
	}
}
