package store

// User is an account row. Password hashes never leave the store layer
// except through the identity provider.
type User struct {
	ID           string
	Username     string
	AvatarURL    string
	PasswordHash string
	CreatedAt    int64
}

// Chat is a 1:1 conversation between exactly two users.
type Chat struct {
	ID        string
	PairKey   string
	CreatedAt int64
}

// Participant is a user's membership record in a chat, carrying the
// per-user unread counter.
type Participant struct {
	ChatID      string
	UserID      string
	UnreadCount int
}

// Message is immutable once inserted. Ordering key is (CreatedAt, ID);
// the id tie-break keeps ordering stable when timestamps collide.
type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	Content   string
	CreatedAt int64
}

// Cursor is a keyset-pagination position in a chat's message timeline.
// The zero value means "from the beginning".
type Cursor struct {
	CreatedAt int64
	ID        string
}

// ChatWithParticipants pairs a chat with its participant rows, as
// returned by ListChatsForUser.
type ChatWithParticipants struct {
	Chat         Chat
	Participants []Participant
}
