package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/blooom-app/blooom/internal/domain"
	"github.com/blooom-app/blooom/internal/identity"
	"github.com/blooom-app/blooom/internal/realtime"
	"github.com/go-chi/chi/v5"
)

const (
	maxHistoryLimit = 500
	maxBodyBytes    = 64 << 10
)

// ChatHandler serves the REST side of the chat: history, sending,
// deleting and presence.
type ChatHandler struct {
	*Handler
	historyLimit int
}

// NewChatHandler creates a chat handler. historyLimit is the default page
// size of GET /api/chat.
func NewChatHandler(base *Handler, historyLimit int) *ChatHandler {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &ChatHandler{Handler: base, historyLimit: historyLimit}
}

// RegisterRoutes registers chat routes. All of them require a verified identity.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(identity.Require)
		r.Get("/me", h.GetMe)
		r.Get("/chat", h.ListMessages)
		r.Post("/chat", h.SendMessage)
		r.Delete("/chat", h.DeleteMessage)
		r.Get("/presence", h.Presence)
	})
}

// GetMe returns the current user's information.
func (h *ChatHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to load user", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	if user == nil {
		Error(w, http.StatusNotFound, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  user.ID,
		"username": user.Username,
		"online":   h.hub.IsOnline(user.ID),
	})
}

// ListMessages returns the caller's recent messages, oldest first.
func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	limit := h.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	messages, err := h.repo.ListRecentForUser(r.Context(), userID, limit)
	if err != nil {
		slog.Error("Failed to list messages", "user_id", userID, "error", err)
		Error(w, StatusFor(err), "failed to load messages")
		return
	}
	if messages == nil {
		messages = []domain.ChatMessage{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

// SendMessage persists a message from the caller and delivers it live when
// the receiver is online.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	var req realtime.SendMessage
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.hub.Persist(r.Context(), userID, req)
	if err != nil {
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			slog.Error("Failed to send message", "user_id", userID, "receiver_id", req.ReceiverID, "error", err)
		}
		Error(w, status, domain.PublicMessage(err, "failed to send message"))
		return
	}

	delivered := h.hub.Deliver(msg)
	slog.Info("Message sent over HTTP", "user_id", userID, "message_id", msg.ID, "delivered", delivered)
	JSON(w, http.StatusCreated, msg)
}

// DeleteMessage removes a message sent by the caller.
func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil || id <= 0 {
		Error(w, http.StatusBadRequest, "invalid message id")
		return
	}

	if err := h.repo.DeleteMessage(r.Context(), id, userID); err != nil {
		status := StatusFor(err)
		if errors.Is(err, domain.ErrNotMessageOwner) {
			slog.Warn("Delete denied", "user_id", userID, "message_id", id)
		} else if status >= http.StatusInternalServerError {
			slog.Error("Failed to delete message", "user_id", userID, "message_id", id, "error", err)
		}
		Error(w, status, domain.PublicMessage(err, "failed to delete message"))
		return
	}

	JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Presence returns the ids of online users.
func (h *ChatHandler) Presence(w http.ResponseWriter, r *http.Request) {
	online := h.hub.Online()
	JSON(w, http.StatusOK, map[string]interface{}{
		"online": online,
		"count":  len(online),
	})
}
