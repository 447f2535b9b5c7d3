// Package inbox builds the per-user chat list: every chat the user belongs
// to, with the other participant, the last message, and the unread counter,
// sorted most-recent-first.
package inbox

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/pcoutinho/pigeon/internal/realtime"
	"github.com/pcoutinho/pigeon/internal/store"
)

// Entry is one row of a user's inbox. LastMessage is nil for chats that
// have no messages yet.
type Entry struct {
	Chat        store.Chat
	Other       store.User
	LastMessage *store.Message
	UnreadCount int
}

// Aggregator computes inbox listings from the store. It holds no per-user
// state; use Watch for a cached, push-updated view.
type Aggregator struct {
	db     *store.DB
	feed   *realtime.Feed
	logger *zap.Logger
}

func New(db *store.DB, feed *realtime.Feed, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{db: db, feed: feed, logger: logger.Named("inbox")}
}

// ListChats returns the user's inbox, sorted descending by last-message
// timestamp (chat creation time for empty chats), tie-broken by chat id.
func (a *Aggregator) ListChats(ctx context.Context, userID string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chats, err := a.db.ListChatsForUser(userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	entries := make([]Entry, 0, len(chats))
	for _, cw := range chats {
		entry, err := a.buildEntry(cw, userID)
		if err != nil {
			// A chat deleted between the listing and the lookups is not
			// an inbox failure; skip the row.
			a.logger.Warn("skipping inbox row",
				zap.String("chat_id", cw.Chat.ID),
				zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := sortKey(entries[i]), sortKey(entries[j])
		if a != b {
			return a > b
		}
		return entries[i].Chat.ID < entries[j].Chat.ID
	})
	return entries, nil
}

// TotalUnread is the user's global badge count.
func (a *Aggregator) TotalUnread(userID string) (int, error) {
	return a.db.TotalUnread(userID)
}

func (a *Aggregator) buildEntry(cw store.ChatWithParticipants, userID string) (Entry, error) {
	entry := Entry{Chat: cw.Chat}

	for _, p := range cw.Participants {
		if p.UserID == userID {
			entry.UnreadCount = p.UnreadCount
			continue
		}
		other, err := a.db.GetUser(p.UserID)
		if err != nil {
			return Entry{}, fmt.Errorf("lookup participant %s: %w", p.UserID, err)
		}
		if other == nil {
			return Entry{}, fmt.Errorf("participant %s has no user row", p.UserID)
		}
		entry.Other = *other
	}

	last, err := a.db.LatestMessage(cw.Chat.ID)
	if err != nil {
		return Entry{}, fmt.Errorf("latest message: %w", err)
	}
	entry.LastMessage = last
	return entry, nil
}

func sortKey(e Entry) int64 {
	if e.LastMessage != nil {
		return e.LastMessage.CreatedAt
	}
	return e.Chat.CreatedAt
}
