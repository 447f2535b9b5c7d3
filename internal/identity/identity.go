// Package identity is the authentication provider: local accounts with
// bcrypt password hashes and uuid bearer tokens held in memory. The rest
// of the core only ever asks it one question: which user id does this
// token belong to.
package identity

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pcoutinho/pigeon/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned when username or password is wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUsernameTaken is returned when registering an existing username.
	ErrUsernameTaken = errors.New("username taken")
)

// Provider authenticates users against the store and tracks live tokens.
type Provider struct {
	db     *store.DB
	logger *zap.Logger

	mu     sync.RWMutex
	tokens map[string]string // token -> user id
}

// New creates a provider backed by the given store.
func New(db *store.DB, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		db:     db,
		logger: logger,
		tokens: make(map[string]string),
	}
}

// Register creates an account. The password is bcrypt-hashed before it
// reaches the store.
func (p *Provider) Register(username, password, avatarURL string) (*store.User, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	u, err := p.db.CreateUser(username, avatarURL, string(hash))
	if err == store.ErrUsernameTaken {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, err
	}
	p.logger.Info("user registered", zap.String("user_id", u.ID), zap.String("username", u.Username))
	return u, nil
}

// Login verifies credentials and issues a bearer token.
func (p *Provider) Login(username, password string) (string, *store.User, error) {
	u, err := p.db.GetUserByUsername(username)
	if err != nil {
		return "", nil, err
	}
	if u == nil {
		return "", nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token := uuid.New().String()
	p.mu.Lock()
	p.tokens[token] = u.ID
	p.mu.Unlock()

	p.logger.Info("user logged in", zap.String("user_id", u.ID))
	return token, u, nil
}

// Logout revokes a token. Unknown tokens are ignored.
func (p *Provider) Logout(token string) {
	p.mu.Lock()
	delete(p.tokens, token)
	p.mu.Unlock()
}

// CurrentUserID resolves a bearer token to a user id.
func (p *Provider) CurrentUserID(token string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.tokens[token]
	return id, ok
}
