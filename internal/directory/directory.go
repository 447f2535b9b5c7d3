// Package directory resolves 1:1 chats, creating them on first contact.
// The at-most-one-chat-per-pair invariant lives in the store's unique
// pair_key constraint, not here: two clients racing on the same pair both
// reach the store, one wins the insert, the other re-looks-up the winner.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/pcoutinho/pigeon/internal/realtime"
	"github.com/pcoutinho/pigeon/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrChatCreationFailed marks a partial creation that was rolled back.
	// Retryable: the compensating delete leaves no orphan chat behind.
	ErrChatCreationFailed = errors.New("chat creation failed")
	// ErrSelfChat is returned for a chat with oneself.
	ErrSelfChat = errors.New("cannot open a chat with yourself")
	// ErrUnknownUser is returned when the other participant does not exist.
	ErrUnknownUser = errors.New("unknown user")
)

// Directory finds or creates direct chats.
type Directory struct {
	db     *store.DB
	feed   *realtime.Feed
	logger *zap.Logger
}

// New creates a chat directory.
func New(db *store.DB, feed *realtime.Feed, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{db: db, feed: feed, logger: logger}
}

// FindOrCreateDirectChat returns the single chat between selfID and
// otherID, creating it (with both participant rows) if absent.
func (d *Directory) FindOrCreateDirectChat(ctx context.Context, selfID, otherID string) (*store.Chat, error) {
	if selfID == "" || otherID == "" {
		return nil, fmt.Errorf("empty user id")
	}
	if selfID == otherID {
		return nil, ErrSelfChat
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	other, err := d.db.GetUser(otherID)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if other == nil {
		return nil, ErrUnknownUser
	}

	key := store.PairKey(selfID, otherID)
	chat, err := d.db.GetChatByPairKey(key)
	if err != nil {
		return nil, fmt.Errorf("lookup chat: %w", err)
	}
	if chat != nil {
		return chat, nil
	}

	chat, err = d.db.CreateChat(key)
	if err == store.ErrPairExists {
		// Lost the creation race; the winner's chat is the chat.
		chat, err = d.db.GetChatByPairKey(key)
		if err != nil {
			return nil, fmt.Errorf("lookup chat after race: %w", err)
		}
		if chat == nil {
			return nil, fmt.Errorf("%w: pair constraint hit but chat not found", ErrChatCreationFailed)
		}
		return chat, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChatCreationFailed, err)
	}

	if err := d.db.AddParticipants(chat.ID, []string{selfID, otherID}); err != nil {
		// Compensating delete so a retry starts clean.
		if delErr := d.db.DeleteChat(chat.ID); delErr != nil {
			d.logger.Error("compensating chat delete failed",
				zap.String("chat_id", chat.ID), zap.Error(delErr))
		}
		return nil, fmt.Errorf("%w: attach participants: %v", ErrChatCreationFailed, err)
	}

	d.logger.Info("chat created",
		zap.String("chat_id", chat.ID), zap.String("pair_key", key))
	if d.feed != nil {
		d.feed.ChatCreated(chat)
	}
	return chat, nil
}
