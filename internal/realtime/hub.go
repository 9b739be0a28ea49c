package realtime

import (
	"context"
	"log/slog"

	"github.com/blooom-app/blooom/internal/domain"
	"github.com/blooom-app/blooom/internal/identity"
	"github.com/blooom-app/blooom/internal/store"
)

// Hub owns the presence registry and the message store gateway. It is shared
// by every connection session and by the HTTP chat API.
type Hub struct {
	registry     *Registry
	store        store.MessageStore
	users        store.UserStore
	historyLimit int
	base         *slog.Logger
	log          *slog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHistoryLimit caps the history sent after authentication.
func WithHistoryLimit(n int) HubOption {
	return func(h *Hub) {
		if n > 0 && n <= store.DefaultHistoryLimit {
			h.historyLimit = n
		}
	}
}

// WithLogger sets the logger of the hub, its registry and its sessions.
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.base = l
		}
	}
}

// WithUsers makes Admit create missing user rows, so users that authenticate
// without a token can send messages.
func WithUsers(us store.UserStore) HubOption {
	return func(h *Hub) {
		h.users = us
	}
}

// NewHub creates a hub over the given store.
func NewHub(ms store.MessageStore, opts ...HubOption) *Hub {
	h := &Hub{
		store:        ms,
		historyLimit: store.DefaultHistoryLimit,
		base:         slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.base.With("component", "hub")
	h.registry = NewRegistry(h.base.With("component", "presence"))
	return h
}

// Admit prepares userID for an authenticated session. With a user store
// configured the user row is created when missing.
func (h *Hub) Admit(ctx context.Context, userID domain.UserID) error {
	if h.users == nil {
		return nil
	}
	username, err := identity.EnsureUser(ctx, h.users, userID, "")
	if err != nil {
		return domain.PersistenceError("ensure user", err)
	}
	h.log.Debug("User admitted", "user_id", userID, "username", username)
	return nil
}

// Registry exposes the presence registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Connect registers handle for userID and announces the user as online.
func (h *Hub) Connect(userID domain.UserID, handle Handle) {
	h.registry.Set(userID, handle)
	n := h.registry.BroadcastAll(UserStatus{UserID: userID, Status: StatusOnline})
	h.log.Info("User online", "user_id", userID, "conn_id", handle.ID(), "notified", n)
}

// Disconnect removes handle from the registry and announces its user as
// offline. Nothing is broadcast when the handle was already superseded.
func (h *Hub) Disconnect(handle Handle) (domain.UserID, bool) {
	userID, ok := h.registry.Remove(handle)
	if !ok {
		return 0, false
	}
	n := h.registry.BroadcastAll(UserStatus{UserID: userID, Status: StatusOffline})
	h.log.Info("User offline", "user_id", userID, "conn_id", handle.ID(), "notified", n)
	return userID, true
}

// Persist validates a send request from senderID and stores it. The write is
// detached from ctx cancellation so a send racing a disconnect still commits.
func (h *Hub) Persist(ctx context.Context, senderID domain.UserID, req SendMessage) (*domain.ChatMessage, error) {
	if req.SenderID.Valid() && req.SenderID != senderID {
		return nil, domain.ErrSenderMismatch
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ReceiverID == senderID {
		return nil, domain.ErrSelfMessage
	}

	msg, err := h.store.CreateMessage(context.WithoutCancel(ctx), req.Content, senderID, req.ReceiverID)
	if err != nil {
		return nil, err
	}
	h.log.Debug("Message persisted", "message_id", msg.ID, "sender_id", senderID, "receiver_id", req.ReceiverID)
	return msg, nil
}

// Deliver pushes a persisted message to its receiver when online.
func (h *Hub) Deliver(msg *domain.ChatMessage) bool {
	return Deliver(h.registry, msg.ReceiverID, NewMessage{ChatMessage: *msg})
}

// Relay forwards a typing indicator to the receiver when online.
func (h *Hub) Relay(receiverID domain.UserID, ev Outbound) bool {
	return Deliver(h.registry, receiverID, ev)
}

// History returns the most recent messages involving userID, oldest first.
// A non-positive limit or one above the hub cap uses the cap.
func (h *Hub) History(ctx context.Context, userID domain.UserID, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 || limit > h.historyLimit {
		limit = h.historyLimit
	}
	return h.store.ListRecentForUser(ctx, userID, limit)
}

// Online returns the ids of online users.
func (h *Hub) Online() []domain.UserID {
	return h.registry.Online()
}

// IsOnline reports whether userID has a live connection.
func (h *Hub) IsOnline(userID domain.UserID) bool {
	_, ok := h.registry.Get(userID)
	return ok
}
