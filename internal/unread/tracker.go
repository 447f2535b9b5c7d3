// Package unread maintains the per-(chat, user) unread counters.
// Counters are mutated only through the store's atomic increment/reset;
// the tracker never computes a count client-side and writes it back.
package unread

import (
	"sync/atomic"

	"github.com/pcoutinho/pigeon/internal/realtime"
	"github.com/pcoutinho/pigeon/internal/store"
	"go.uber.org/zap"
)

// Tracker observes message inserts and bumps unread counters for every
// participant except the sender.
type Tracker struct {
	db     *store.DB
	feed   *realtime.Feed
	logger *zap.Logger

	sub    *realtime.Subscription
	failed atomic.Int64
}

// New creates a tracker. Call Watch to attach it to the feed.
func New(db *store.DB, feed *realtime.Feed, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{db: db, feed: feed, logger: logger}
}

// Watch subscribes the tracker to message-insert events. The tracker is
// the only component that increments counters, so a message delivered to
// several open sessions is still counted once.
func (t *Tracker) Watch() {
	t.sub = t.feed.Subscribe(realtime.Filter{Table: realtime.TableMessages}, func(evt realtime.Event) {
		if evt.Kind != realtime.KindInsert || evt.Message == nil {
			return
		}
		t.OnMessageInserted(evt.Message)
	})
}

// Close detaches the tracker from the feed.
func (t *Tracker) Close() {
	if t.sub != nil {
		t.sub.Unsubscribe()
	}
}

// OnMessageInserted increments the unread counter of every participant of
// the message's chat except the sender. A failed increment is logged and
// counted but never blindly retried: the increment may have applied, and
// over-counting is worse than a briefly stale badge.
func (t *Tracker) OnMessageInserted(msg *store.Message) {
	parts, err := t.db.ListParticipants(msg.ChatID)
	if err != nil {
		t.failed.Add(1)
		t.logger.Error("unread update failed: list participants",
			zap.String("chat_id", msg.ChatID), zap.Error(err))
		return
	}

	for _, p := range parts {
		if p.UserID == msg.SenderID {
			continue
		}
		updated, err := t.db.IncrementUnread(p.ChatID, p.UserID)
		if err != nil {
			t.failed.Add(1)
			t.logger.Error("unread increment failed",
				zap.String("chat_id", p.ChatID),
				zap.String("user_id", p.UserID),
				zap.Error(err))
			continue
		}
		t.feed.UnreadChanged(updated)
	}
}

// MarkRead zeroes the counter for one participant. Idempotent.
func (t *Tracker) MarkRead(chatID, userID string) error {
	p, err := t.db.ResetUnread(chatID, userID)
	if err != nil {
		t.logger.Error("unread reset failed",
			zap.String("chat_id", chatID),
			zap.String("user_id", userID),
			zap.Error(err))
		return err
	}
	if p != nil {
		t.feed.UnreadChanged(p)
	}
	return nil
}

// TotalUnread sums a user's unread counters across all chats.
func (t *Tracker) TotalUnread(userID string) (int, error) {
	return t.db.TotalUnread(userID)
}

// FailedIncrements reports how many unread updates were lost since start.
// Surfaced for operators; the badge may under-count by at most this much.
func (t *Tracker) FailedIncrements() int64 {
	return t.failed.Load()
}
