package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pcoutinho/pigeon/internal/conversation"
	"github.com/pcoutinho/pigeon/internal/directory"
	"github.com/pcoutinho/pigeon/internal/identity"
	"github.com/pcoutinho/pigeon/internal/inbox"
	"github.com/pcoutinho/pigeon/internal/store"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type userDTO struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

type chatDTO struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"createdAt"`
}

type messageDTO struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
	Pending   bool   `json:"pending,omitempty"`
}

type inboxEntryDTO struct {
	Chat        chatDTO     `json:"chat"`
	Other       userDTO     `json:"other"`
	LastMessage *messageDTO `json:"lastMessage,omitempty"`
	UnreadCount int         `json:"unreadCount"`
}

func toUserDTO(u *store.User) userDTO {
	return userDTO{ID: u.ID, Username: u.Username, AvatarURL: u.AvatarURL, CreatedAt: u.CreatedAt}
}

func toMessageDTO(m *store.Message) *messageDTO {
	if m == nil {
		return nil
	}
	return &messageDTO{
		ID: m.ID, ChatID: m.ChatID, SenderID: m.SenderID,
		Content: m.Content, CreatedAt: m.CreatedAt,
	}
}

func toInboxDTO(entries []inbox.Entry) []inboxEntryDTO {
	out := make([]inboxEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, inboxEntryDTO{
			Chat:        chatDTO{ID: e.Chat.ID, CreatedAt: e.Chat.CreatedAt},
			Other:       toUserDTO(&e.Other),
			LastMessage: toMessageDTO(e.LastMessage),
			UnreadCount: e.UnreadCount,
		})
	}
	return out
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username  string `json:"username"`
		Password  string `json:"password"`
		AvatarURL string `json:"avatarUrl"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := s.identity.Register(req.Username, req.Password, req.AvatarURL)
	switch {
	case errors.Is(err, identity.ErrUsernameTaken):
		writeError(w, http.StatusConflict, "username taken")
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusCreated, toUserDTO(user))
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, user, err := s.identity.Login(req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  toUserDTO(user),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.identity.Logout(bearerToken(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.db.GetUser(requestUserID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(user))
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.db.ListUsers(requestUserID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	out := make([]userDTO, 0, len(users))
	for i := range users {
		out = append(out, toUserDTO(&users[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOpenChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	chat, err := s.directory.FindOrCreateDirectChat(r.Context(), requestUserID(r), req.UserID)
	switch {
	case errors.Is(err, directory.ErrSelfChat):
		writeError(w, http.StatusBadRequest, "cannot open a chat with yourself")
	case errors.Is(err, directory.ErrUnknownUser):
		writeError(w, http.StatusNotFound, "unknown user")
	case errors.Is(err, directory.ErrChatCreationFailed):
		writeError(w, http.StatusServiceUnavailable, "chat creation failed, retry")
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusOK, chatDTO{ID: chat.ID, CreatedAt: chat.CreatedAt})
	}
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	entries, err := s.inbox.ListChats(r.Context(), requestUserID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "inbox failed")
		return
	}
	writeJSON(w, http.StatusOK, toInboxDTO(entries))
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	total, err := s.tracker.TotalUnread(requestUserID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "unread failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"total": total})
}

// requireParticipant resolves the chat id from the route and verifies the
// caller belongs to it. Non-members get 404, not 403, so chat ids leak
// nothing.
func (s *Server) requireParticipant(w http.ResponseWriter, r *http.Request) (string, bool) {
	chatID := mux.Vars(r)["id"]
	p, err := s.db.GetParticipant(chatID, requestUserID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return "", false
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return "", false
	}
	return chatID, true
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	chatID, ok := s.requireParticipant(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	limit := defaultPageLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n > maxPageLimit {
			n = maxPageLimit
		}
		limit = n
	}
	var after store.Cursor
	if v := q.Get("afterTs"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid afterTs")
			return
		}
		after = store.Cursor{CreatedAt: ts, ID: q.Get("afterId")}
	}

	msgs, err := s.db.ListMessages(chatID, after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	out := make([]messageDTO, 0, len(msgs))
	for i := range msgs {
		out = append(out, *toMessageDTO(&msgs[i]))
	}
	resp := map[string]any{"messages": out}
	if len(msgs) == limit {
		last := msgs[len(msgs)-1]
		resp["next"] = map[string]any{"afterTs": last.CreatedAt, "afterId": last.ID}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	chatID, ok := s.requireParticipant(w, r)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.session(r.Context(), chatID, requestUserID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session open failed")
		return
	}
	msg, err := sess.Send(r.Context(), req.Content)
	switch {
	case errors.Is(err, conversation.ErrEmptyContent):
		writeError(w, http.StatusBadRequest, "content must not be empty")
	case errors.Is(err, conversation.ErrSessionClosed):
		writeError(w, http.StatusConflict, "session closed, retry")
	case errors.Is(err, conversation.ErrSendFailed):
		writeError(w, http.StatusServiceUnavailable, "send failed, retry")
	case err != nil:
		s.logger.Error("send failed", zap.String("chat_id", chatID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "send failed")
	default:
		writeJSON(w, http.StatusCreated, toMessageDTO(msg))
	}
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	chatID, ok := s.requireParticipant(w, r)
	if !ok {
		return
	}
	if err := s.tracker.MarkRead(chatID, requestUserID(r)); err != nil {
		writeError(w, http.StatusInternalServerError, "mark read failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
