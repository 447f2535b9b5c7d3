// Package conversation owns the message timeline for one open chat:
// ordered message cache, optimistic send, realtime reconciliation, and
// duplicate suppression.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pcoutinho/pigeon/internal/realtime"
	"github.com/pcoutinho/pigeon/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrEmptyContent rejects whitespace-only sends before any store call.
	ErrEmptyContent = errors.New("empty message content")
	// ErrSendFailed marks a rejected or timed-out insert. The optimistic
	// entry is rolled back; the caller decides whether to retry.
	ErrSendFailed = errors.New("send failed")
	// ErrSessionClosed is returned by any operation after Close.
	ErrSessionClosed = errors.New("session closed")
)

// echoTolerance is the createdAt window used to match a realtime echo of
// an own message against a pending optimistic entry when the store id is
// not known yet.
const echoTolerance = 5 * time.Second

// initialPageSize bounds the first timeline load.
const initialPageSize = 200

// Entry is one visible timeline item. Pending entries carry a client
// temporary id until the store-assigned row replaces them.
type Entry struct {
	Message store.Message
	Pending bool
}

// Session is the in-memory view of one open chat for one user.
type Session struct {
	chatID      string
	selfID      string
	db          *store.DB
	feed        *realtime.Feed
	logger      *zap.Logger
	sendTimeout time.Duration

	mu        sync.Mutex
	state     *machine
	confirmed []store.Message     // ascending by (createdAt, id)
	seen      map[string]struct{} // confirmed ids, for duplicate suppression
	pending   []store.Message     // optimistic tail, oldest first
	sub       *realtime.Subscription
}

// Options tunes a session. Zero values fall back to defaults.
type Options struct {
	SendTimeout time.Duration
}

// New creates a session for chatID as seen by selfID. Call Open before use.
func New(db *store.DB, feed *realtime.Feed, chatID, selfID string, opts Options, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Session{
		chatID:      chatID,
		selfID:      selfID,
		db:          db,
		feed:        feed,
		logger:      logger,
		sendTimeout: timeout,
		state:       newMachine(),
		seen:        make(map[string]struct{}),
	}
}

// Open loads the initial message page and subscribes to the realtime feed
// filtered to this chat. The session is Ready afterwards.
func (s *Session) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msgs, err := s.db.ListMessages(s.chatID, store.Cursor{}, initialPageSize)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	s.mu.Lock()
	s.confirmed = msgs
	for _, m := range msgs {
		s.seen[m.ID] = struct{}{}
	}
	if err := s.state.Transition(Ready); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.subscribe()
	return nil
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return s.state.Current()
}

// View returns the visible timeline: confirmed messages in (createdAt, id)
// order followed by pending optimistic entries.
func (s *Session) View() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.confirmed)+len(s.pending))
	for _, m := range s.confirmed {
		out = append(out, Entry{Message: m})
	}
	for _, m := range s.pending {
		out = append(out, Entry{Message: m, Pending: true})
	}
	return out
}

// Send validates content, appends an optimistic entry, and submits the
// insert with a bounded timeout. On failure the optimistic entry is
// removed and the content is not re-queued.
func (s *Session) Send(ctx context.Context, content string) (*store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	s.mu.Lock()
	if s.state.Current() == Closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	_ = s.state.Transition(Sending)
	temp := store.Message{
		ID:        "temp-" + uuid.New().String(),
		ChatID:    s.chatID,
		SenderID:  s.selfID,
		Content:   content,
		CreatedAt: time.Now().UnixMilli(),
	}
	s.pending = append(s.pending, temp)
	s.mu.Unlock()

	msg, err := s.insertWithTimeout(ctx, content)
	if err != nil {
		s.removePending(temp.ID)
		s.backToReady()
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	s.mu.Lock()
	if s.state.Current() == Closed {
		// Closed mid-flight: the message is stored but this view is gone.
		s.mu.Unlock()
		s.feed.MessageInserted(msg)
		return msg, nil
	}
	s.dropPendingLocked(temp.ID)
	s.insertConfirmedLocked(*msg)
	s.mu.Unlock()

	s.backToReady()

	// Publish after local reconciliation: our own subscription sees the
	// echo and drops it as a duplicate by id.
	s.feed.MessageInserted(msg)
	return msg, nil
}

// Close unsubscribes from the feed. No state mutation happens afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state.Current() == Closed {
		s.mu.Unlock()
		return
	}
	_ = s.state.Transition(Closed)
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	// Unsubscribe outside the lock: it waits for any in-flight handler,
	// and the handler takes the lock.
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Resync recovers from a lost subscription: resubscribe, then one full
// refetch to pick up anything missed while disconnected.
func (s *Session) Resync(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Current() == Closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	old := s.sub
	s.sub = nil
	s.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}
	s.subscribe()

	if err := ctx.Err(); err != nil {
		return err
	}
	msgs, err := s.db.ListMessages(s.chatID, store.Cursor{}, initialPageSize)
	if err != nil {
		return fmt.Errorf("refetch messages: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Current() == Closed {
		return ErrSessionClosed
	}
	s.confirmed = msgs
	s.seen = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		s.seen[m.ID] = struct{}{}
	}
	// Pending entries that made it to the store before the gap are now
	// confirmed rows; match them the same way echoes are matched.
	kept := s.pending[:0]
	for _, p := range s.pending {
		if !s.matchesConfirmedLocked(p) {
			kept = append(kept, p)
		}
	}
	s.pending = kept
	return nil
}

func (s *Session) subscribe() {
	sub := s.feed.Subscribe(realtime.Filter{
		Table:  realtime.TableMessages,
		ChatID: s.chatID,
	}, s.onFeedEvent)

	s.mu.Lock()
	if s.state.Current() == Closed {
		s.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	s.sub = sub
	s.mu.Unlock()
}

// onFeedEvent folds a realtime insert into the view. Idempotent against
// redelivery: duplicates are dropped by store id.
func (s *Session) onFeedEvent(evt realtime.Event) {
	if evt.Kind != realtime.KindInsert || evt.Message == nil {
		return
	}
	m := *evt.Message

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Current() == Closed {
		return
	}
	if _, dup := s.seen[m.ID]; dup {
		return
	}

	_ = s.state.Transition(Receiving)
	if m.SenderID == s.selfID {
		// Echo of an own message: clear the matching optimistic entry
		// if the send path has not reconciled it yet.
		if idx := s.matchPendingLocked(m); idx >= 0 {
			s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
		}
	}
	s.insertConfirmedLocked(m)
	_ = s.state.Transition(Ready)
}

// insertConfirmedLocked places m at its ordered position, keeping the
// (createdAt, id) invariant even when events arrive out of order.
func (s *Session) insertConfirmedLocked(m store.Message) {
	if _, dup := s.seen[m.ID]; dup {
		return
	}
	i := sort.Search(len(s.confirmed), func(i int) bool {
		c := s.confirmed[i]
		if c.CreatedAt != m.CreatedAt {
			return c.CreatedAt > m.CreatedAt
		}
		return c.ID > m.ID
	})
	s.confirmed = append(s.confirmed, store.Message{})
	copy(s.confirmed[i+1:], s.confirmed[i:])
	s.confirmed[i] = m
	s.seen[m.ID] = struct{}{}
}

// matchPendingLocked finds a pending entry matching an own-message echo:
// same sender and content, createdAt within tolerance.
func (s *Session) matchPendingLocked(m store.Message) int {
	for i, p := range s.pending {
		if p.Content != m.Content {
			continue
		}
		delta := m.CreatedAt - p.CreatedAt
		if delta < 0 {
			delta = -delta
		}
		if delta <= echoTolerance.Milliseconds() {
			return i
		}
	}
	return -1
}

func (s *Session) matchesConfirmedLocked(p store.Message) bool {
	for _, c := range s.confirmed {
		if c.SenderID != s.selfID || c.Content != p.Content {
			continue
		}
		delta := c.CreatedAt - p.CreatedAt
		if delta < 0 {
			delta = -delta
		}
		if delta <= echoTolerance.Milliseconds() {
			return true
		}
	}
	return false
}

func (s *Session) dropPendingLocked(tempID string) {
	for i, p := range s.pending {
		if p.ID == tempID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *Session) removePending(tempID string) {
	s.mu.Lock()
	s.dropPendingLocked(tempID)
	s.mu.Unlock()
}

func (s *Session) backToReady() {
	s.mu.Lock()
	if cur := s.state.Current(); cur == Sending || cur == Receiving {
		_ = s.state.Transition(Ready)
	}
	s.mu.Unlock()
}

// insertWithTimeout runs the store insert on its own goroutine so a hung
// backend cannot wedge the caller past the configured bound.
func (s *Session) insertWithTimeout(ctx context.Context, content string) (*store.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	type result struct {
		msg *store.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := s.db.InsertMessage(s.chatID, s.selfID, content)
		ch <- result{msg, err}
	}()

	select {
	case res := <-ch:
		return res.msg, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
