// Package httpapi is the daemon's client-facing surface: a JSON API over
// gorilla/mux plus a WebSocket stream of feed events. Clients authenticate
// once via /v1/login and pass the bearer token on every later call.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pcoutinho/pigeon/internal/config"
	"github.com/pcoutinho/pigeon/internal/conversation"
	"github.com/pcoutinho/pigeon/internal/directory"
	"github.com/pcoutinho/pigeon/internal/identity"
	"github.com/pcoutinho/pigeon/internal/inbox"
	"github.com/pcoutinho/pigeon/internal/realtime"
	"github.com/pcoutinho/pigeon/internal/store"
	"github.com/pcoutinho/pigeon/internal/unread"
)

type ctxKey int

const userIDKey ctxKey = iota

// Server wires the domain components behind HTTP routes.
type Server struct {
	db        *store.DB
	identity  *identity.Provider
	directory *directory.Directory
	tracker   *unread.Tracker
	inbox     *inbox.Aggregator
	feed      *realtime.Feed
	cfg       *config.Config
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*conversation.Session
}

func NewServer(
	db *store.DB,
	idp *identity.Provider,
	dir *directory.Directory,
	tracker *unread.Tracker,
	agg *inbox.Aggregator,
	feed *realtime.Feed,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		db:        db,
		identity:  idp,
		directory: dir,
		tracker:   tracker,
		inbox:     agg,
		feed:      feed,
		cfg:       cfg,
		logger:    logger.Named("httpapi"),
		sessions:  make(map[string]*conversation.Session),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/v1/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/v1/register", s.handleRegister).Methods("POST")
	r.HandleFunc("/v1/login", s.handleLogin).Methods("POST")

	auth := r.NewRoute().Subrouter()
	auth.Use(s.authMiddleware)
	auth.HandleFunc("/v1/logout", s.handleLogout).Methods("POST")
	auth.HandleFunc("/v1/me", s.handleMe).Methods("GET")
	auth.HandleFunc("/v1/users", s.handleListUsers).Methods("GET")
	auth.HandleFunc("/v1/chats", s.handleOpenChat).Methods("POST")
	auth.HandleFunc("/v1/inbox", s.handleInbox).Methods("GET")
	auth.HandleFunc("/v1/unread", s.handleUnread).Methods("GET")
	auth.HandleFunc("/v1/chats/{id}/messages", s.handleListMessages).Methods("GET")
	auth.HandleFunc("/v1/chats/{id}/messages", s.handleSendMessage).Methods("POST")
	auth.HandleFunc("/v1/chats/{id}/read", s.handleMarkRead).Methods("POST")
	auth.HandleFunc("/v1/ws", s.handleWebSocket).Methods("GET")

	return r
}

// Close tears down every open conversation session.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*conversation.Session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}

// session returns the open conversation session for (chatID, userID),
// creating one on first use. Sends go through a session so optimistic
// entries and echo reconciliation behave the same for every client.
func (s *Server) session(ctx context.Context, chatID, userID string) (*conversation.Session, error) {
	key := chatID + "/" + userID

	s.mu.Lock()
	if sess, ok := s.sessions[key]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	sess := conversation.New(s.db, s.feed, chatID, userID,
		conversation.Options{SendTimeout: s.cfg.SendTimeout()}, s.logger)
	if err := sess.Open(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[key]; ok {
		// Lost the race; keep the winner.
		go sess.Close()
		return existing, nil
	}
	s.sessions[key] = sess
	return sess, nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, ok := s.identity.CurrentUserID(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func requestUserID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
