// Package httpapi is the JSON HTTP surface over the message repository, the
// presence tracker and the notification dispatcher.
//
// The acting user comes from the X-User-ID header set by the upstream auth
// proxy; requests without it are rejected.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"taskchat/cmd/internal/messaging"
	"taskchat/cmd/internal/notify"
	"taskchat/cmd/internal/presence"
	"taskchat/cmd/internal/profiles"
	v1 "taskchat/contracts/realtime/v1"
)

const UserHeader = "X-User-ID"

// Repository is the subset of messaging.Repository the handler serves.
type Repository interface {
	ListMessages(ctx context.Context, self string, scope messaging.Scope) ([]messaging.Message, error)
	Send(ctx context.Context, in messaging.SendInput) (messaging.Message, error)
	MarkRead(ctx context.Context, self, messageID string) error
	MarkAllRead(ctx context.Context, self string, scope messaging.Scope, fromSender string) (int, error)
	UnreadCount(ctx context.Context, self string, scope messaging.Scope) (int, error)
}

// PresenceReader reads one user's presence (presence.Tracker).
type PresenceReader interface {
	Current(ctx context.Context, userID string) (presence.Event, error)
}

// Dispatcher hands notification payloads to the dispatcher (notify.Dispatcher).
type Dispatcher interface {
	Dispatch(ctx context.Context, p notify.Payload) error
}

// Handler serves /v1 routes.
type Handler struct {
	log      *slog.Logger
	repo     Repository
	presence PresenceReader
	notify   Dispatcher
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

func WithLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// NewHandler constructs a Handler. notify may be nil, in which case
// assignment events are accepted and dropped.
func NewHandler(repo Repository, pr PresenceReader, notify Dispatcher, opts ...HandlerOption) (*Handler, error) {
	if repo == nil || pr == nil {
		return nil, errors.New("httpapi: nil repository or presence reader")
	}
	h := &Handler{log: slog.Default(), repo: repo, presence: pr, notify: notify}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /v1/messages", h.handleList)
	mux.HandleFunc("POST /v1/messages", h.handleSend)
	mux.HandleFunc("GET /v1/messages/unread-count", h.handleUnreadCount)
	mux.HandleFunc("POST /v1/messages/read-all", h.handleReadAll)
	mux.HandleFunc("POST /v1/messages/{id}/read", h.handleMarkRead)
	mux.HandleFunc("GET /v1/presence/{user_id}", h.handlePresence)
	mux.HandleFunc("POST /v1/assignment-events", h.handleAssignmentEvent)
}

// ---- handlers ----

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	self, ok := requireUser(w, r)
	if !ok {
		return
	}
	scope, ok := scopeFromQuery(w, r)
	if !ok {
		return
	}

	msgs, err := h.repo.ListMessages(r.Context(), self, scope)
	if err != nil {
		h.writeRepoError(w, "messages.list", err)
		return
	}

	out := make([]v1.ConversationEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toEntry(m))
	}
	writeJSON(w, http.StatusOK, listResponse{Messages: out})
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	self, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	in := messaging.SendInput{
		SenderID:    self,
		RecipientID: req.RecipientID,
		Content:     req.Content,
	}
	if req.TaskID != nil {
		in.TaskID = *req.TaskID
	}

	m, err := h.repo.Send(r.Context(), in)
	if err != nil {
		h.writeRepoError(w, "messages.send", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntry(m))
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	self, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.repo.MarkRead(r.Context(), self, r.PathValue("id")); err != nil {
		h.writeRepoError(w, "messages.read", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReadAll(w http.ResponseWriter, r *http.Request) {
	self, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req readAllRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	scope := messaging.Scope{TaskID: strings.TrimSpace(deref(req.TaskID)), CounterpartID: strings.TrimSpace(deref(req.CounterpartID))}
	n, err := h.repo.MarkAllRead(r.Context(), self, scope, strings.TrimSpace(deref(req.FromSender)))
	if err != nil {
		h.writeRepoError(w, "messages.read_all", err)
		return
	}
	writeJSON(w, http.StatusOK, readAllResponse{Marked: n})
}

func (h *Handler) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	self, ok := requireUser(w, r)
	if !ok {
		return
	}
	scope, ok := scopeFromQuery(w, r)
	if !ok {
		return
	}
	n, err := h.repo.UnreadCount(r.Context(), self, scope)
	if err != nil {
		h.writeRepoError(w, "messages.unread", err)
		return
	}
	writeJSON(w, http.StatusOK, unreadResponse{Unread: n})
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	userID := strings.TrimSpace(r.PathValue("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	ev, err := h.presence.Current(r.Context(), userID)
	if err != nil {
		h.log.Warn("http.presence.fail", "user_id", userID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "failed, try again")
		return
	}
	writeJSON(w, http.StatusOK, v1.PresenceStatePayload{
		PresenceRecord: v1.PresenceRecord{UserID: ev.UserID, Online: ev.Online, LastSeen: ev.LastSeenAt},
		State:          ev.State.String(),
	})
}

// handleAssignmentEvent forwards an assignment status change to the
// notification dispatcher. Delivery happens in the background.
func (h *Handler) handleAssignmentEvent(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	var req assignmentEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	p, err := notify.ParsePayload(req.Type, req.Assignment, deref(req.Writer), deref(req.Status))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid assignment event")
		return
	}
	if h.notify != nil {
		if err := h.notify.Dispatch(r.Context(), p); err != nil {
			h.log.Warn("http.notify.fail", "type", string(p.Kind()), "err", err)
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// ---- helpers ----

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := strings.TrimSpace(r.Header.Get(UserHeader))
	if user == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return "", false
	}
	return user, true
}

func scopeFromQuery(w http.ResponseWriter, r *http.Request) (messaging.Scope, bool) {
	q := r.URL.Query()
	scope := messaging.Scope{
		TaskID:        strings.TrimSpace(q.Get("task_id")),
		CounterpartID: strings.TrimSpace(q.Get("counterpart_id")),
	}
	if (scope.TaskID == "") == (scope.CounterpartID == "") {
		writeError(w, http.StatusBadRequest, "invalid_request", "exactly one of task_id or counterpart_id is required")
		return messaging.Scope{}, false
	}
	return scope, true
}

func (h *Handler) writeRepoError(w http.ResponseWriter, op string, err error) {
	var me *messaging.Error
	switch {
	case errors.Is(err, messaging.ErrValidation):
		msg := "invalid request"
		if errors.As(err, &me) && me.Msg != "" {
			msg = me.Msg
		}
		writeError(w, http.StatusBadRequest, "invalid_request", msg)
	case errors.Is(err, messaging.ErrAuthorization):
		writeError(w, http.StatusForbidden, "forbidden", "permission denied")
	case errors.Is(err, context.Canceled):
		// Client went away.
	default:
		h.log.Warn("http.repo.fail", "op", op, "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "failed, try again")
	}
}

func toEntry(m messaging.Message) v1.ConversationEntry {
	return v1.ConversationEntry{
		MessageRecord: v1.MessageRecord{
			ID:           m.ID,
			SenderID:     m.SenderID,
			RecipientID:  m.RecipientID,
			Content:      m.Content,
			CreatedAt:    m.CreatedAt,
			Read:         m.Read,
			AssignmentID: m.TaskID,
		},
		Sender:    toProfile(m.Sender),
		Recipient: toProfile(m.Recipient),
	}
}

func toProfile(p profiles.Profile) *v1.Profile {
	if p.IsZero() {
		return nil
	}
	return &v1.Profile{DisplayName: p.DisplayName, Email: p.Email, AvatarURL: p.AvatarURL, Role: p.Role}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
